package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"drawsync/broadcast"
	"drawsync/core"
	"drawsync/middleware"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenGate admits any principal presenting the token "ok".
type tokenGate struct{}

func (tokenGate) Admit(_ context.Context, p *core.Principal, channel, token string) error {
	if token != "ok" {
		return core.Forbidden("admit", "bad grant")
	}
	return nil
}

type subjectTokens struct{}

func (subjectTokens) Parse(token string) (*core.Principal, error) {
	return &core.Principal{Subject: token}, nil
}

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newWSServer(t *testing.T) (*httptest.Server, *broadcast.Hub) {
	t.Helper()
	hub := broadcast.NewHub(quietLog())
	relay := NewRelay(hub, hub, tokenGate{}, quietLog())
	ws := NewServer(relay, []string{"*"}, quietLog())
	srv := httptest.NewServer(middleware.AuthJWT(subjectTokens{})(ws))
	t.Cleanup(func() {
		ws.Close()
		srv.Close()
	})
	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?access_token=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) broadcast.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e broadcast.Event
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func subscribe(t *testing.T, conn *websocket.Conn, channel, auth string) broadcast.Event {
	t.Helper()
	require.NoError(t, conn.WriteJSON(broadcast.Frame{Action: broadcast.ActionSubscribe, Channel: channel, Auth: auth}))
	return readEvent(t, conn)
}

func TestWS_SubscribeAndReceive(t *testing.T) {
	srv, hub := newWSServer(t)
	alice := dial(t, srv, "alice")

	ack := subscribe(t, alice, "private-drawing.D1", "ok")
	assert.Equal(t, broadcast.EventSubscribed, ack.Type)
	assert.Equal(t, 1, hub.Subscribers("private-drawing.D1"))

	event, err := broadcast.NewEvent(broadcast.EventDocumentUpdated, "private-drawing.D1", broadcast.DocumentUpdate{ID: "D1", Title: "T"})
	require.NoError(t, err)
	require.NoError(t, hub.Publish(context.Background(), event))

	got := readEvent(t, alice)
	assert.Equal(t, broadcast.EventDocumentUpdated, got.Type)
	var payload broadcast.DocumentUpdate
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, "D1", payload.ID)
}

func TestWS_SubscriptionDenied(t *testing.T) {
	srv, hub := newWSServer(t)
	bob := dial(t, srv, "bob")

	ack := subscribe(t, bob, "private-drawing.D1", "forged")
	assert.Equal(t, broadcast.EventSubscriptionError, ack.Type)
	assert.Zero(t, hub.Subscribers("private-drawing.D1"))
}

func TestWS_WhisperSkipsSender(t *testing.T) {
	srv, hub := newWSServer(t)
	alice := dial(t, srv, "alice")
	carol := dial(t, srv, "carol")
	const channel = "presence-drawing.D1"
	require.Equal(t, broadcast.EventSubscribed, subscribe(t, alice, channel, "ok").Type)
	require.Equal(t, broadcast.EventSubscribed, subscribe(t, carol, channel, "ok").Type)

	data, _ := json.Marshal(broadcast.Participant{UserID: "alice", Cursor: &broadcast.Point{X: 1, Y: 2}})
	require.NoError(t, alice.WriteJSON(broadcast.Frame{
		Action: broadcast.ActionWhisper, Channel: channel, Type: broadcast.EventPresenceUpdated, Data: data,
	}))

	got := readEvent(t, carol)
	assert.Equal(t, broadcast.EventPresenceUpdated, got.Type)
	var member broadcast.Participant
	require.NoError(t, got.Decode(&member))
	assert.Equal(t, &broadcast.Point{X: 1, Y: 2}, member.Cursor)

	// The next thing alice sees is the marker, not her own whisper.
	marker, _ := broadcast.NewEvent(broadcast.EventDocumentUpdated, channel, map[string]string{"marker": "1"})
	require.NoError(t, hub.Publish(context.Background(), marker))
	assert.Equal(t, broadcast.EventDocumentUpdated, readEvent(t, alice).Type)
}

func TestWS_WhisperRejections(t *testing.T) {
	srv, _ := newWSServer(t)
	alice := dial(t, srv, "alice")

	own, _ := json.Marshal(broadcast.Participant{UserID: "alice"})
	require.NoError(t, alice.WriteJSON(broadcast.Frame{
		Action: broadcast.ActionWhisper, Channel: "presence-drawing.D1", Type: broadcast.EventPresenceUpdated, Data: own,
	}))
	assert.Equal(t, broadcast.EventError, readEvent(t, alice).Type, "not subscribed")

	require.Equal(t, broadcast.EventSubscribed, subscribe(t, alice, "presence-drawing.D1", "ok").Type)
	spoofed, _ := json.Marshal(broadcast.Participant{UserID: "bob"})
	require.NoError(t, alice.WriteJSON(broadcast.Frame{
		Action: broadcast.ActionWhisper, Channel: "presence-drawing.D1", Type: broadcast.EventPresenceUpdated, Data: spoofed,
	}))
	assert.Equal(t, broadcast.EventError, readEvent(t, alice).Type, "speaking for another user")

	require.NoError(t, alice.WriteJSON(broadcast.Frame{Action: "dance", Channel: "x"}))
	assert.Equal(t, broadcast.EventError, readEvent(t, alice).Type)
}

func TestWS_DisconnectAnnouncesDeparture(t *testing.T) {
	srv, hub := newWSServer(t)
	alice := dial(t, srv, "alice")
	carol := dial(t, srv, "carol")
	const channel = "presence-drawing.D1"
	require.Equal(t, broadcast.EventSubscribed, subscribe(t, alice, channel, "ok").Type)
	require.Equal(t, broadcast.EventSubscribed, subscribe(t, carol, channel, "ok").Type)

	require.NoError(t, carol.Close())

	got := readEvent(t, alice)
	assert.Equal(t, broadcast.EventParticipantLeft, got.Type)
	var member broadcast.Participant
	require.NoError(t, got.Decode(&member))
	assert.Equal(t, "carol", member.UserID)
	assert.Eventually(t, func() bool { return hub.Subscribers(channel) == 1 }, time.Second, 10*time.Millisecond)
}

func TestWS_RequiresPrincipal(t *testing.T) {
	srv, _ := newWSServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestDecodeFrame(t *testing.T) {
	frame, err := decodeFrame([]any{map[string]any{"channel": "presence-drawing.D1", "type": "presence.updated", "data": map[string]any{"user_id": "a"}}})
	require.NoError(t, err)
	assert.Equal(t, "presence-drawing.D1", frame.Channel)
	assert.JSONEq(t, `{"user_id":"a"}`, string(frame.Data))

	_, err = decodeFrame(nil)
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = decodeFrame([]any{map[string]any{"auth": "x"}})
	assert.ErrorIs(t, err, core.ErrValidation)
}
