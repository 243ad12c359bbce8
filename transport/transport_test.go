package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"drawsync/broadcast"
	"drawsync/channels"
	"drawsync/core"
	ws "drawsync/handlers/websocket"
	"drawsync/middleware"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type owners map[string]string

func (o owners) OwnerOf(_ context.Context, id string) (string, error) {
	if owner, ok := o[id]; ok {
		return owner, nil
	}
	return "", core.NotFound("owner", "drawing not found")
}

type subjectTokens struct{}

func (subjectTokens) Parse(token string) (*core.Principal, error) {
	return &core.Principal{Subject: token}, nil
}

type authorizerFunc func(ctx context.Context, channel string) (channels.Grant, error)

func (f authorizerFunc) AuthorizeChannel(ctx context.Context, channel string) (channels.Grant, error) {
	return f(ctx, channel)
}

type fixture struct {
	url    string
	hub    *broadcast.Hub
	gate   *channels.Gate
	signer *channels.Signer
}

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := broadcast.NewHub(quietLog())
	signer := channels.NewSigner([]byte("grant-secret"), time.Minute)
	gate := channels.NewGate(owners{"D1": "alice"}, signer, quietLog())
	server := ws.NewServer(ws.NewRelay(hub, hub, gate, quietLog()), []string{"*"}, quietLog())
	srv := httptest.NewServer(middleware.AuthJWT(subjectTokens{})(server))
	t.Cleanup(func() {
		server.Close()
		srv.Close()
	})
	return &fixture{
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		hub:    hub,
		gate:   gate,
		signer: signer,
	}
}

func (f *fixture) dial(t *testing.T, subject string) *Conn {
	t.Helper()
	p := &core.Principal{Subject: subject}
	conn, err := Dial(context.Background(), Config{
		URL:   f.url,
		Token: subject,
		Authorizer: authorizerFunc(func(ctx context.Context, channel string) (channels.Grant, error) {
			return f.gate.Grant(ctx, p, channel)
		}),
		Logger: quietLog(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConn_SubscribeReceivesEvents(t *testing.T) {
	f := newFixture(t)
	alice := f.dial(t, "alice")

	received := make(chan broadcast.Event, 1)
	require.NoError(t, alice.Subscribe(context.Background(), channels.Drawing("D1"), func(e broadcast.Event) {
		received <- e
	}))

	event, err := broadcast.NewEvent(broadcast.EventDocumentUpdated, channels.Drawing("D1"), broadcast.DocumentUpdate{ID: "D1"})
	require.NoError(t, err)
	require.NoError(t, f.hub.Publish(context.Background(), event))

	select {
	case e := <-received:
		assert.Equal(t, broadcast.EventDocumentUpdated, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	require.NoError(t, alice.Unsubscribe(channels.Drawing("D1")))
	assert.Eventually(t, func() bool { return f.hub.Subscribers(channels.Drawing("D1")) == 0 }, time.Second, 10*time.Millisecond)
}

func TestConn_SubscribeDeniedByGate(t *testing.T) {
	f := newFixture(t)
	bob := f.dial(t, "bob")

	err := bob.Subscribe(context.Background(), channels.Drawing("D1"), func(broadcast.Event) {})
	assert.ErrorIs(t, err, core.ErrForbidden)
	assert.Zero(t, f.hub.Subscribers(channels.Drawing("D1")))
}

func TestConn_SubscribeRejectedByServer(t *testing.T) {
	f := newFixture(t)
	// bob presents a grant that was issued to alice.
	conn, err := Dial(context.Background(), Config{
		URL:   f.url,
		Token: "bob",
		Authorizer: authorizerFunc(func(_ context.Context, channel string) (channels.Grant, error) {
			return f.signer.Sign(channel, "alice")
		}),
		Logger: quietLog(),
	})
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Subscribe(context.Background(), channels.Drawing("D1"), func(broadcast.Event) {})
	assert.ErrorIs(t, err, core.ErrForbidden)
	assert.True(t, conn.Connected())
}

func TestConn_WhisperReachesOthers(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t, "alice")
	b := f.dial(t, "alice")
	channel := channels.Presence("D1")

	got := make(chan broadcast.Event, 4)
	echoed := make(chan broadcast.Event, 4)
	require.NoError(t, a.Subscribe(context.Background(), channel, func(e broadcast.Event) { got <- e }))
	require.NoError(t, b.Subscribe(context.Background(), channel, func(e broadcast.Event) {
		if e.Type == broadcast.EventPresenceUpdated {
			echoed <- e
		}
	}))

	require.NoError(t, b.Whisper(channel, broadcast.EventPresenceUpdated, broadcast.Participant{UserID: "alice"}))
	select {
	case e := <-got:
		assert.Equal(t, broadcast.EventPresenceUpdated, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("whisper not relayed")
	}
	assert.Never(t, func() bool { return len(echoed) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestConn_Close(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "alice")
	require.True(t, conn.Connected())

	require.NoError(t, conn.Close())
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop")
	}
	assert.False(t, conn.Connected())
	assert.ErrorIs(t, conn.Whisper(channels.Presence("D1"), broadcast.EventPresenceUpdated, nil), ErrClosed)
	assert.NoError(t, conn.Unsubscribe(channels.Presence("D1")))
}

func TestDial_Unauthenticated(t *testing.T) {
	f := newFixture(t)
	_, err := Dial(context.Background(), Config{URL: f.url, Logger: quietLog()})
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
}
