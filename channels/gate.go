package channels

import (
	"context"
	"errors"

	"drawsync/core"

	"github.com/sirupsen/logrus"
)

type (
	// OwnerLookup resolves the owner of a drawing. Missing drawings return
	// an error wrapping core.ErrNotFound.
	OwnerLookup interface {
		OwnerOf(ctx context.Context, drawingID string) (string, error)
	}

	Decision struct {
		Channel string
		Subject string
		Allowed bool
		Reason  string
	}

	// Gate answers subscription requests. Nothing is cached: every call
	// loads the current owner.
	Gate struct {
		owners OwnerLookup
		signer *Signer
		log    logrus.FieldLogger
	}
)

func NewGate(owners OwnerLookup, signer *Signer, log logrus.FieldLogger) *Gate {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Gate{owners: owners, signer: signer, log: log}
}

// Authorize decides whether p may join channel.
func (g *Gate) Authorize(ctx context.Context, p *core.Principal, channel string) Decision {
	d := Decision{Channel: channel}
	if !p.Authenticated() {
		d.Reason = "unauthenticated"
		return d
	}
	d.Subject = p.Subject

	name, ok := Parse(channel)
	if !ok {
		d.Reason = "unknown channel"
		return d
	}

	switch name.Kind {
	case KindUser:
		d.Allowed = name.ID == p.Subject
		if !d.Allowed {
			d.Reason = "not your channel"
		}
	case KindDrawing, KindPresence:
		owner, err := g.owners.OwnerOf(ctx, name.ID)
		switch {
		case errors.Is(err, core.ErrNotFound):
			d.Reason = "drawing not found"
		case err != nil:
			g.log.WithFields(logrus.Fields{"channel": channel, "error": err}).Error("Failed to load drawing owner")
			d.Reason = "owner lookup failed"
		case owner != p.Subject:
			d.Reason = "not the owner"
		default:
			d.Allowed = true
		}
	}

	g.log.WithFields(logrus.Fields{
		"channel": channel,
		"user_id": p.Subject,
		"allowed": d.Allowed,
		"reason":  d.Reason,
	}).Debug("Channel authorization")
	return d
}

// Grant authorizes and, on allow, signs a grant for the transport.
func (g *Gate) Grant(ctx context.Context, p *core.Principal, channel string) (Grant, error) {
	d := g.Authorize(ctx, p, channel)
	if !d.Allowed {
		if d.Reason == "unauthenticated" {
			return Grant{}, core.Unauthenticated("authorize channel")
		}
		return Grant{}, core.Forbidden("authorize channel", d.Reason)
	}
	return g.signer.Sign(channel, p.Subject)
}

// Admit is what transports call on subscribe: the grant must verify for
// channel and the principal must still pass Authorize.
func (g *Gate) Admit(ctx context.Context, p *core.Principal, channel, token string) error {
	subject, err := g.signer.Verify(token, channel)
	if err != nil {
		return err
	}
	if !p.Authenticated() || subject != p.Subject {
		return core.Forbidden("admit", "grant was issued to another principal")
	}
	if d := g.Authorize(ctx, p, channel); !d.Allowed {
		return core.Forbidden("admit", d.Reason)
	}
	return nil
}
