package channels

import (
	"errors"
	"fmt"
	"time"

	"drawsync/core"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultGrantTTL bounds how long a signed grant may be presented.
const DefaultGrantTTL = 5 * time.Minute

var ErrInvalidGrant = errors.New("invalid channel grant")

// Grant is an allow decision the transport presents when subscribing.
type Grant struct {
	Channel   string    `json:"channel"`
	Subject   string    `json:"sub"`
	Token     string    `json:"auth"`
	ExpiresAt time.Time `json:"expires_at"`
}

type grantClaims struct {
	jwt.RegisteredClaims
	Channel string `json:"channel"`
}

// Signer issues and checks HS256 channel grants.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret []byte, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = DefaultGrantTTL
	}
	return &Signer{secret: secret, ttl: ttl, now: time.Now}
}

func (s *Signer) Sign(channel, subject string) (Grant, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Channel: channel,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Grant{}, fmt.Errorf("sign channel grant: %w", err)
	}
	return Grant{Channel: channel, Subject: subject, Token: token, ExpiresAt: exp.UTC()}, nil
}

// Verify checks signature, expiry and that the grant was issued for
// channel, and returns the granted subject.
func (s *Signer) Verify(token, channel string) (string, error) {
	claims := &grantClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", &core.Error{Kind: core.ErrForbidden, Op: "verify grant", Err: errors.Join(ErrInvalidGrant, err)}
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", &core.Error{Kind: core.ErrForbidden, Op: "verify grant", Err: ErrInvalidGrant}
	}
	if claims.Channel != channel {
		return "", &core.Error{
			Kind:    core.ErrForbidden,
			Op:      "verify grant",
			Message: fmt.Sprintf("grant is for %q", claims.Channel),
			Err:     ErrInvalidGrant,
		}
	}
	return claims.Subject, nil
}
