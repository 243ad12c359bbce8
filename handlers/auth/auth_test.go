package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"drawsync/config"
	"drawsync/core"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestIssuer_RoundTrip(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)
	token, err := issuer.Issue(&core.User{Subject: "github:1", Login: "octo", Name: "Octo"})
	require.NoError(t, err)

	p, err := issuer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, &core.Principal{Subject: "github:1", Login: "octo", Name: "Octo"}, p)
}

func TestIssuer_Rejects(t *testing.T) {
	issuer := NewIssuer("secret", time.Minute)
	token, err := issuer.Issue(&core.User{Subject: "alice"})
	require.NoError(t, err)

	_, err = NewIssuer("other", time.Minute).Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := NewIssuer("secret", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = expired.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = issuer.Parse(none)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.Issue(&core.User{})
	assert.Error(t, err)
}

func TestProvider_NotConfigured(t *testing.T) {
	p := NewProvider(context.Background(), &config.Config{}, NewIssuer("s", 0), quietLog())
	assert.Empty(t, p.Name())

	w := httptest.NewRecorder()
	p.HandleLogin(w, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func newGitHubProvider(t *testing.T, issuer *Issuer) *Provider {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"gh-token","token_type":"bearer"}`))
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gh-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":42,"login":"octo","name":"Octo Cat","avatar_url":"https://a/42.png"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p := &Provider{name: "github", issuer: issuer, userURL: srv.URL + "/user", log: quietLog()}
	p.initGitHub(config.OAuth{ClientID: "id", ClientSecret: "secret"}, oauth2.Endpoint{
		AuthURL:  srv.URL + "/authorize",
		TokenURL: srv.URL + "/token",
	})
	p.login, p.callback = p.handleGitHubLogin, p.handleGitHubCallback
	return p
}

func TestProvider_GitHubLoginSetsState(t *testing.T) {
	p := newGitHubProvider(t, NewIssuer("s", 0))

	w := httptest.NewRecorder()
	p.HandleLogin(w, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	require.Equal(t, http.StatusTemporaryRedirect, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/authorize", loc.Path)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, stateCookie, cookies[0].Name)
	assert.Equal(t, cookies[0].Value, loc.Query().Get("state"))
}

func TestProvider_GitHubCallbackIssuesToken(t *testing.T) {
	issuer := NewIssuer("s", 0)
	p := newGitHubProvider(t, issuer)

	r := httptest.NewRequest(http.MethodGet, "/auth/callback?code=the-code&state=abc", nil)
	r.AddCookie(&http.Cookie{Name: stateCookie, Value: "abc"})
	w := httptest.NewRecorder()
	p.HandleCallback(w, r)
	require.Equal(t, http.StatusTemporaryRedirect, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	token := loc.Query().Get("token")
	require.NotEmpty(t, token)

	principal, err := issuer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "github:42", principal.Subject)
	assert.Equal(t, "octo", principal.Login)
}

func TestProvider_GitHubCallbackRejectsBadState(t *testing.T) {
	p := newGitHubProvider(t, NewIssuer("s", 0))

	r := httptest.NewRequest(http.MethodGet, "/auth/callback?code=the-code&state=forged", nil)
	r.AddCookie(&http.Cookie{Name: stateCookie, Value: "abc"})
	w := httptest.NewRecorder()
	p.HandleCallback(w, r)
	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))
}
