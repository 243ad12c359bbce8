package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"drawsync/channels"
	"drawsync/core"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	DefaultTimeout = 15 * time.Second
	drawingsPath   = "/api/v2/drawings"
	channelAuth    = "/broadcasting/auth"
)

type (
	Config struct {
		// BaseURL is the server root, e.g. https://draw.example.com.
		BaseURL string
		// Token is the principal's bearer JWT.
		Token   string
		Timeout time.Duration
		// HTTPClient is the base transport. The bearer token is layered on
		// top of it.
		HTTPClient *http.Client
		Logger     logrus.FieldLogger
	}

	// Client talks to the drawings API on behalf of one principal.
	Client struct {
		base *url.URL
		http *http.Client
		log  logrus.FieldLogger
	}

	// PersistenceError is a failed call. Kind is one of the core sentinels
	// and is matched by errors.Is.
	PersistenceError struct {
		Op      string
		Status  int
		Kind    error
		Message string
		Err     error
	}

	errorBody struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
)

func (e *PersistenceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	if e.Status != 0 {
		fmt.Fprintf(&b, "%d ", e.Status)
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *PersistenceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether the same request may succeed later.
func (e *PersistenceError) Retryable() bool {
	return errors.Is(e.Kind, core.ErrTransport)
}

func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	ctx := context.Background()
	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	}
	var httpClient *http.Client
	if cfg.Token != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.Token,
			TokenType:   "Bearer",
		}))
	} else if cfg.HTTPClient != nil {
		c := *cfg.HTTPClient
		httpClient = &c
	} else {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = cfg.Timeout

	return &Client{base: base, http: httpClient, log: cfg.Logger}, nil
}

// Persist sends patch for drawingID and returns the committed drawing.
func (c *Client) Persist(ctx context.Context, drawingID string, patch core.DrawingPatch) (*core.Drawing, error) {
	var d core.Drawing
	if err := c.do(ctx, "persist", http.MethodPatch, drawingsPath+"/"+url.PathEscape(drawingID), patch, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) Get(ctx context.Context, drawingID string) (*core.Drawing, error) {
	var d core.Drawing
	if err := c.do(ctx, "get", http.MethodGet, drawingsPath+"/"+url.PathEscape(drawingID), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) Create(ctx context.Context, title string, document json.RawMessage) (*core.Drawing, error) {
	body := struct {
		Title    string          `json:"title"`
		Document json.RawMessage `json:"document,omitempty"`
	}{title, document}

	var d core.Drawing
	if err := c.do(ctx, "create", http.MethodPost, drawingsPath, body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) List(ctx context.Context) ([]*core.Drawing, error) {
	var list []*core.Drawing
	if err := c.do(ctx, "list", http.MethodGet, drawingsPath, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) Delete(ctx context.Context, drawingID string) error {
	return c.do(ctx, "delete", http.MethodDelete, drawingsPath+"/"+url.PathEscape(drawingID), nil, nil)
}

// AuthorizeChannel runs the subscription handshake for channel.
func (c *Client) AuthorizeChannel(ctx context.Context, channel string) (channels.Grant, error) {
	var grant channels.Grant
	body := map[string]string{"channel_name": channel}
	if err := c.do(ctx, "authorize channel", http.MethodPost, channelAuth, body, &grant); err != nil {
		return channels.Grant{}, err
	}
	return grant, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &PersistenceError{Op: op, Kind: core.ErrValidation, Message: "cannot encode request", Err: err}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return &PersistenceError{Op: op, Kind: core.ErrValidation, Message: "cannot build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.WithFields(logrus.Fields{"op": op, "path": path}).WithError(err).Debug("Request failed")
		return &PersistenceError{Op: op, Kind: core.ErrTransport, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &PersistenceError{Op: op, Status: resp.StatusCode, Kind: core.ErrTransport, Message: "malformed response", Err: err}
		}
		return nil
	}

	var eb errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &eb) != nil || eb.Error == "" {
		eb.Error = strings.TrimSpace(string(raw))
	}
	return &PersistenceError{
		Op:      op,
		Status:  resp.StatusCode,
		Kind:    kindForStatus(resp.StatusCode),
		Message: eb.Error,
	}
}

func kindForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return core.ErrUnauthenticated
	case status == http.StatusForbidden:
		return core.ErrForbidden
	case status == http.StatusNotFound:
		return core.ErrNotFound
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return core.ErrTransport
	default:
		return core.ErrValidation
	}
}
