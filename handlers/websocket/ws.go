package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"drawsync/broadcast"
	"drawsync/core"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameBytes  = 5000000
	sendBufferSize = 64
)

// Server is the plain websocket transport at /ws. Requests must already
// carry a principal (see middleware.AuthJWT).
type Server struct {
	relay    *Relay
	upgrader websocket.Upgrader
	log      logrus.FieldLogger

	mu    sync.Mutex
	conns map[string]*wsConn
}

type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan broadcast.Event
	done chan struct{}
	once sync.Once
	log  logrus.FieldLogger
}

// NewServer accepts upgrades from origins; "*" allows any origin.
func NewServer(relay *Relay, origins []string, log logrus.FieldLogger) *Server {
	return &Server{
		relay: relay,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(origins),
		},
		log:   log,
		conns: make(map[string]*wsConn),
	}
}

func originChecker(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, allowed := range origins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		return false
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := core.PrincipalFrom(r.Context())
	if !p.Authenticated() {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	c := &wsConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan broadcast.Event, sendBufferSize),
		done: make(chan struct{}),
		log:  s.log.WithField("user_id", p.Subject),
	}
	c.log = c.log.WithField("connection", c.id)

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	defer func() {
		s.relay.Disconnect(context.Background(), c, p)
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		c.close()
	}()

	c.log.Debug("Websocket connected")
	go c.writePump()
	s.readLoop(r.Context(), c, p)
}

// Close disconnects every open connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (s *Server) readLoop(ctx context.Context, c *wsConn, p *core.Principal) {
	c.ws.SetReadLimit(maxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame broadcast.Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Info("Websocket closed unexpectedly")
			}
			return
		}

		switch frame.Action {
		case broadcast.ActionSubscribe:
			c.Deliver(broadcast.Ack(frame.Channel, s.relay.Subscribe(ctx, c, p, frame.Channel, frame.Auth)))
		case broadcast.ActionUnsubscribe:
			s.relay.Unsubscribe(ctx, c, p, frame.Channel)
		case broadcast.ActionWhisper:
			if err := s.relay.Whisper(ctx, c, p, frame.Channel, frame.Type, frame.Data); err != nil {
				c.Deliver(broadcast.Failure(broadcast.EventError, frame.Channel, err))
			}
		default:
			c.Deliver(broadcast.Failure(broadcast.EventError, frame.Channel,
				core.Validation("websocket", "unknown action "+frame.Action)))
		}
	}
}

func (c *wsConn) ID() string { return c.id }

// Deliver queues e without blocking. A connection that cannot keep up
// loses events rather than stalling fan-out.
func (c *wsConn) Deliver(e broadcast.Event) {
	select {
	case <-c.done:
	case c.send <- e:
	default:
		c.log.WithField("type", e.Type).Warn("Send buffer full, dropping event")
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(e); err != nil {
				c.log.WithError(err).Debug("Websocket write failed")
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}
