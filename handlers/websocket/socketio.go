package websocket

import (
	"context"
	"encoding/json"
	"errors"

	"drawsync/broadcast"
	"drawsync/core"
	"drawsync/middleware"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

// sioConn adapts a socket.io socket to broadcast.Subscriber. Events reach
// the browser as "broadcast".
type sioConn struct {
	socket *socketio.Socket
}

func (c sioConn) ID() string { return string(c.socket.Id()) }

func (c sioConn) Deliver(e broadcast.Event) {
	c.socket.Emit("broadcast", e)
}

// NewSocketIO builds the socket.io transport. Clients authenticate with
// io(url, {auth: {token}}) and then emit subscribe, unsubscribe and
// whisper with a Frame-shaped object.
func NewSocketIO(relay *Relay, tokens middleware.TokenParser, origins []string, log logrus.FieldLogger) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(maxFrameBytes)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	opts.SetCors(&types.Cors{
		Origin:      corsOrigin(origins),
		Credentials: true,
	})
	ioo := socketio.NewServer(nil, opts)

	ioo.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		conn := sioConn{socket: socket}
		connLog := log.WithField("connection", conn.ID())

		p, err := tokens.Parse(handshakeToken(socket))
		if err != nil {
			connLog.Debug("Rejected socket without a valid token")
			conn.Deliver(broadcast.Failure(broadcast.EventError, "", core.Unauthenticated("connect")))
			socket.Disconnect(true)
			return
		}
		connLog = connLog.WithField("user_id", p.Subject)
		connLog.Debug("Socket connected")

		socket.On(broadcast.ActionSubscribe, func(datas ...any) {
			frame, err := decodeFrame(datas)
			if err != nil {
				conn.Deliver(broadcast.Ack("", err))
				return
			}
			conn.Deliver(broadcast.Ack(frame.Channel, relay.Subscribe(context.Background(), conn, p, frame.Channel, frame.Auth)))
		})
		socket.On(broadcast.ActionUnsubscribe, func(datas ...any) {
			if frame, err := decodeFrame(datas); err == nil {
				relay.Unsubscribe(context.Background(), conn, p, frame.Channel)
			}
		})
		socket.On(broadcast.ActionWhisper, func(datas ...any) {
			frame, err := decodeFrame(datas)
			if err == nil {
				err = relay.Whisper(context.Background(), conn, p, frame.Channel, frame.Type, frame.Data)
			}
			if err != nil {
				conn.Deliver(broadcast.Failure(broadcast.EventError, frame.Channel, err))
			}
		})
		socket.On("disconnecting", func(...any) {
			relay.Disconnect(context.Background(), conn, p)
			connLog.Debug("Socket disconnecting")
		})
		socket.On("disconnect", func(...any) {
			socket.RemoveAllListeners("")
		})
	})
	return ioo
}

func corsOrigin(origins []string) any {
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		return "*"
	}
	allowed := make([]any, len(origins))
	for i, o := range origins {
		allowed[i] = o
	}
	return allowed
}

func handshakeToken(socket *socketio.Socket) string {
	var auth any = socket.Handshake().Auth
	if m, ok := auth.(map[string]any); ok {
		if token, ok := m["token"].(string); ok {
			return token
		}
	}
	return ""
}

// decodeFrame reads the first event argument, which socket.io hands over
// as a generic JSON value.
func decodeFrame(datas []any) (broadcast.Frame, error) {
	var frame broadcast.Frame
	if len(datas) == 0 {
		return frame, core.Validation("socket.io", "missing payload")
	}
	raw, err := json.Marshal(datas[0])
	if err != nil {
		return frame, core.Validation("socket.io", "malformed payload")
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return frame, errors.Join(core.Validation("socket.io", "malformed payload"), err)
	}
	if frame.Channel == "" {
		return frame, core.Validation("socket.io", "channel is required")
	}
	return frame, nil
}
