// Package transport is the client side of the realtime channel protocol
// served at /ws.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"drawsync/broadcast"
	"drawsync/channels"
	"drawsync/core"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

var ErrClosed = errors.New("transport closed")

type (
	// Authorizer runs the subscription handshake. gateway.Client satisfies
	// it.
	Authorizer interface {
		AuthorizeChannel(ctx context.Context, channel string) (channels.Grant, error)
	}

	Config struct {
		// URL is the websocket endpoint, e.g. wss://draw.example.com/ws.
		URL        string
		Token      string
		Authorizer Authorizer
		Dialer     *websocket.Dialer
		Logger     logrus.FieldLogger
	}

	// Conn is one authenticated realtime connection.
	Conn struct {
		ws   *websocket.Conn
		auth Authorizer
		log  logrus.FieldLogger

		writeMu sync.Mutex

		mu       sync.Mutex
		handlers map[string]func(broadcast.Event)
		acks     map[string]chan error
		err      error
		done     chan struct{}
	}
)

// Dial connects and starts reading. The token travels as a bearer header
// and as access_token for servers behind proxies that strip headers.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid transport URL: %w", err)
	}
	if cfg.Token != "" {
		q := u.Query()
		q.Set("access_token", cfg.Token)
		u.RawQuery = q.Encode()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, core.Unauthenticated("dial")
		}
		return nil, core.Transport("dial", err)
	}

	c := &Conn{
		ws:       ws,
		auth:     cfg.Authorizer,
		log:      cfg.Logger,
		handlers: make(map[string]func(broadcast.Event)),
		acks:     make(map[string]chan error),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Connected reports whether the connection is still usable.
func (c *Conn) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err is the reason the connection ended, if it has.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Subscribe obtains a grant, joins channel and waits for the server to
// accept. h receives every later event on channel, on the read goroutine.
func (c *Conn) Subscribe(ctx context.Context, channel string, h func(broadcast.Event)) error {
	if c.auth == nil {
		return errors.New("transport has no channel authorizer")
	}
	grant, err := c.auth.AuthorizeChannel(ctx, channel)
	if err != nil {
		return err
	}

	ack := make(chan error, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.handlers[channel] = h
	c.acks[channel] = ack
	c.mu.Unlock()

	if err := c.write(broadcast.Frame{Action: broadcast.ActionSubscribe, Channel: channel, Auth: grant.Token}); err != nil {
		c.forget(channel)
		return err
	}

	select {
	case err := <-ack:
		if err != nil {
			c.forget(channel)
		}
		return err
	case <-ctx.Done():
		c.forget(channel)
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Unsubscribe leaves channel. Leaving a channel that was never joined is
// not an error.
func (c *Conn) Unsubscribe(channel string) error {
	c.forget(channel)
	if !c.Connected() {
		return nil
	}
	return c.write(broadcast.Frame{Action: broadcast.ActionUnsubscribe, Channel: channel})
}

// Whisper sends a client event to the other members of a presence channel.
func (c *Conn) Whisper(channel, eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.write(broadcast.Frame{Action: broadcast.ActionWhisper, Channel: channel, Type: eventType, Data: raw})
}

func (c *Conn) Close() error {
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Conn) write(frame broadcast.Frame) error {
	if !c.Connected() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(frame); err != nil {
		return core.Transport("write", err)
	}
	return nil
}

func (c *Conn) forget(channel string) {
	c.mu.Lock()
	delete(c.handlers, channel)
	delete(c.acks, channel)
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		if err == nil {
			err = ErrClosed
		}
		c.err = err
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		var e broadcast.Event
		if err = c.ws.ReadJSON(&e); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("Transport read ended")
			}
			return
		}
		c.dispatch(e)
	}
}

func (c *Conn) dispatch(e broadcast.Event) {
	switch e.Type {
	case broadcast.EventSubscribed, broadcast.EventSubscriptionError:
		var ackErr error
		if e.Type == broadcast.EventSubscriptionError {
			var body struct {
				Error string `json:"error"`
			}
			_ = e.Decode(&body)
			ackErr = core.Forbidden("subscribe", body.Error)
		}
		c.mu.Lock()
		ack, ok := c.acks[e.Channel]
		delete(c.acks, e.Channel)
		c.mu.Unlock()
		if ok {
			ack <- ackErr
		}
	case broadcast.EventError:
		c.log.WithFields(logrus.Fields{"channel": e.Channel, "data": string(e.Data)}).Debug("Server rejected a frame")
	default:
		c.mu.Lock()
		h := c.handlers[e.Channel]
		c.mu.Unlock()
		if h != nil {
			h(e)
		}
	}
}
