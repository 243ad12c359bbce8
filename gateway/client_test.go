package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"drawsync/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL + "/", Token: "tok", Timeout: time.Second, Logger: quietLog()})
	require.NoError(t, err)
	return c
}

func TestClient_PersistSendsPatch(t *testing.T) {
	updatedAt := time.Date(2024, 6, 1, 12, 0, 0, 123000, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/v2/drawings/D7", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"document":{"shapes":["x"]}}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id": "D7", "title": "Sketch", "document": map[string]any{"shapes": []string{"x"}},
			"updated_at": updatedAt,
		})
	})

	d, err := c.Persist(context.Background(), "D7", core.DrawingPatch{Document: json.RawMessage(`{"shapes":["x"]}`)})
	require.NoError(t, err)
	assert.Equal(t, "Sketch", d.Title)
	assert.True(t, updatedAt.Equal(d.UpdatedAt))
}

func TestClient_ErrorClassification(t *testing.T) {
	testCases := []struct {
		status    int
		kind      error
		retryable bool
	}{
		{http.StatusBadRequest, core.ErrValidation, false},
		{http.StatusUnprocessableEntity, core.ErrValidation, false},
		{http.StatusUnauthorized, core.ErrUnauthenticated, false},
		{http.StatusForbidden, core.ErrForbidden, false},
		{http.StatusNotFound, core.ErrNotFound, false},
		{http.StatusTooManyRequests, core.ErrTransport, true},
		{http.StatusInternalServerError, core.ErrTransport, true},
		{http.StatusBadGateway, core.ErrTransport, true},
	}
	for _, tc := range testCases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(`{"error":"nope","code":"x"}`))
			})
			_, err := c.Persist(context.Background(), "D7", core.DrawingPatch{Title: strPtr("t")})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)
			assert.Equal(t, tc.retryable, core.Retryable(err))

			var pe *PersistenceError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.status, pe.Status)
			assert.Equal(t, "nope", pe.Message)
			assert.Equal(t, tc.retryable, pe.Retryable())
		})
	}
}

func TestClient_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewClient(Config{BaseURL: url, Logger: quietLog()})
	require.NoError(t, err)
	_, err = c.Persist(context.Background(), "D7", core.DrawingPatch{Title: strPtr("t")})
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.True(t, core.Retryable(err))
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "D7")
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestClient_PlainTextErrorBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusServiceUnavailable)
	})
	err := c.Delete(context.Background(), "D7")
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "upstream exploded", pe.Message)
	assert.Contains(t, err.Error(), "503")
}

func TestClient_CreateListAndAuthorize(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v2/drawings":
			var in map[string]any
			json.NewDecoder(r.Body).Decode(&in)
			assert.Equal(t, "Board", in["title"])
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"D1","title":"Board"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v2/drawings":
			w.Write([]byte(`[{"id":"D1","title":"Board"}]`))
		case r.Method == http.MethodPost && r.URL.Path == "/broadcasting/auth":
			var in map[string]string
			json.NewDecoder(r.Body).Decode(&in)
			assert.Equal(t, "private-drawing.D1", in["channel_name"])
			w.Write([]byte(`{"auth":"grant-token","channel":"private-drawing.D1"}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	d, err := c.Create(ctx, "Board", nil)
	require.NoError(t, err)
	assert.Equal(t, "D1", d.ID)

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	grant, err := c.AuthorizeChannel(ctx, "private-drawing.D1")
	require.NoError(t, err)
	assert.Equal(t, "grant-token", grant.Token)
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "not a url"})
	assert.Error(t, err)
	_, err = NewClient(Config{BaseURL: ""})
	assert.Error(t, err)
}
