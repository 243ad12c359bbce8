package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"drawsync/config"
	"drawsync/core"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const (
	DefaultTokenTTL = 7 * 24 * time.Hour
	stateCookie     = "oauthstate"
	githubUserURL   = "https://api.github.com/user"
)

var ErrInvalidToken = errors.New("invalid token")

type (
	// AppClaims represents the custom claims for the JWT.
	AppClaims struct {
		jwt.RegisteredClaims
		Login     string `json:"login"`
		Email     string `json:"email,omitempty"`
		AvatarURL string `json:"avatarUrl"`
		Name      string `json:"name"`
	}

	// OIDCClaims represents the claims from OIDC token
	OIDCClaims struct {
		Email             string `json:"email"`
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
		Picture           string `json:"picture"`
		Sub               string `json:"sub"`
	}

	// Issuer signs and parses the bearer tokens that identify principals.
	Issuer struct {
		secret []byte
		ttl    time.Duration
		now    func() time.Time
	}

	// Provider runs the login flow of whichever identity provider is
	// configured and hands out Issuer tokens.
	Provider struct {
		name     string
		issuer   *Issuer
		oauth    *oauth2.Config
		verifier *oidc.IDTokenVerifier
		userURL  string
		log      logrus.FieldLogger

		login    http.HandlerFunc
		callback http.HandlerFunc
	}
)

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue creates a signed token for user.
func (i *Issuer) Issue(user *core.User) (string, error) {
	if user == nil || user.Subject == "" {
		return "", errors.New("user subject is required")
	}
	now := i.now()
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Login:     user.Login,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
		Name:      user.Name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Parse validates tokenString and returns the principal it names.
func (i *Issuer) Parse(tokenString string) (*core.Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*AppClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &core.Principal{Subject: claims.Subject, Login: claims.Login, Name: claims.Name}, nil
}

// NewProvider picks OIDC when configured, then GitHub, and otherwise
// serves login routes that report the missing configuration.
func NewProvider(ctx context.Context, cfg *config.Config, issuer *Issuer, log logrus.FieldLogger) *Provider {
	p := &Provider{issuer: issuer, userURL: githubUserURL, log: log}

	switch {
	case cfg.OIDCConfigured():
		log.Info("Initializing OIDC authentication provider.")
		if err := p.initOIDC(ctx, cfg.OIDC); err != nil {
			log.WithError(err).Error("Failed to create OIDC provider")
			p.disable()
			return p
		}
		p.name = "oidc"
		p.login, p.callback = p.handleOIDCLogin, p.handleOIDCCallback
	case cfg.GitHubConfigured():
		log.Info("Initializing GitHub authentication provider.")
		p.initGitHub(cfg.GitHub, github.Endpoint)
		p.name = "github"
		p.login, p.callback = p.handleGitHubLogin, p.handleGitHubCallback
	default:
		log.Warn("No authentication provider configured.")
		p.disable()
	}
	return p
}

// Name is "oidc", "github" or empty when login is unavailable.
func (p *Provider) Name() string { return p.name }

func (p *Provider) HandleLogin(w http.ResponseWriter, r *http.Request) { p.login(w, r) }

func (p *Provider) HandleCallback(w http.ResponseWriter, r *http.Request) { p.callback(w, r) }

func (p *Provider) disable() {
	dummyHandler := func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Authentication not configured", http.StatusInternalServerError)
	}
	p.login, p.callback = dummyHandler, dummyHandler
}

func (p *Provider) initGitHub(c config.OAuth, endpoint oauth2.Endpoint) {
	p.oauth = &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       []string{"read:user", "user:email"},
		Endpoint:     endpoint,
	}
}

func (p *Provider) initOIDC(ctx context.Context, c config.OAuth) error {
	provider, err := oidc.NewProvider(ctx, c.IssuerURL)
	if err != nil {
		return err
	}
	p.oauth = &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		Endpoint:     provider.Endpoint(),
	}
	p.verifier = provider.Verifier(&oidc.Config{ClientID: c.ClientID})
	p.log.Info("OIDC provider initialized")
	return nil
}

func setStateCookie(w http.ResponseWriter, r *http.Request) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	state := hex.EncodeToString(b)
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		Expires:  time.Now().Add(10 * time.Minute),
		HttpOnly: true,
		Secure:   r.Header.Get("X-Forwarded-Proto") == "https",
		SameSite: http.SameSiteLaxMode,
	})
	return state, nil
}

func validState(r *http.Request) bool {
	c, err := r.Cookie(stateCookie)
	return err == nil && c.Value != "" && c.Value == r.FormValue("state")
}

func (p *Provider) handleGitHubLogin(w http.ResponseWriter, r *http.Request) {
	state, err := setStateCookie(w, r)
	if err != nil {
		http.Error(w, "Failed to generate state", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, p.oauth.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

func (p *Provider) handleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	if !validState(r) {
		p.log.Warn("OAuth state mismatch")
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	token, err := p.oauth.Exchange(r.Context(), r.FormValue("code"))
	if err != nil {
		p.log.Errorf("Failed to exchange token: %s", err.Error())
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	client := p.oauth.Client(r.Context(), token)
	resp, err := client.Get(p.userURL)
	if err != nil {
		p.log.Errorf("Failed to get user from github: %s", err.Error())
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.log.Errorf("Failed to read github response body: %s", err.Error())
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	var githubUser struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		AvatarURL string `json:"avatar_url"`
		Name      string `json:"name"`
	}
	if err := json.Unmarshal(body, &githubUser); err != nil || githubUser.ID == 0 {
		p.log.Errorf("Failed to unmarshal github user: %v", err)
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	p.finish(w, r, &core.User{
		Subject:   fmt.Sprintf("github:%d", githubUser.ID),
		Login:     githubUser.Login,
		AvatarURL: githubUser.AvatarURL,
		Name:      githubUser.Name,
	})
}

func (p *Provider) handleOIDCLogin(w http.ResponseWriter, r *http.Request) {
	state, err := setStateCookie(w, r)
	if err != nil {
		http.Error(w, "Failed to generate state for OIDC login", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline), http.StatusTemporaryRedirect)
}

func (p *Provider) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	if !validState(r) {
		p.log.Warn("OIDC state mismatch")
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	code := r.FormValue("code")
	if code == "" {
		p.log.Error("No code in callback")
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	token, err := p.oauth.Exchange(r.Context(), code)
	if err != nil {
		p.log.Errorf("Failed to exchange token: %s", err.Error())
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		p.log.Error("No id_token in token response")
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	idToken, err := p.verifier.Verify(r.Context(), rawIDToken)
	if err != nil {
		p.log.Errorf("Failed to verify ID token: %s", err.Error())
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	var claims OIDCClaims
	if err := idToken.Claims(&claims); err != nil {
		p.log.Errorf("Failed to extract claims from ID token: %s", err.Error())
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	user := &core.User{
		Subject:   claims.Sub,
		Login:     claims.PreferredUsername,
		Email:     claims.Email,
		AvatarURL: claims.Picture,
		Name:      claims.Name,
	}
	if user.Login == "" && user.Email != "" {
		user.Login = user.Email
	}
	p.finish(w, r, user)
}

// finish redirects to the frontend with a fresh token.
func (p *Provider) finish(w http.ResponseWriter, r *http.Request, user *core.User) {
	jwtToken, err := p.issuer.Issue(user)
	if err != nil {
		p.log.Errorf("Failed to create JWT: %s", err.Error())
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}
	p.log.WithFields(logrus.Fields{"provider": p.name, "user_id": user.Subject}).Info("User logged in")
	http.Redirect(w, r, "/?token="+url.QueryEscape(jwtToken), http.StatusTemporaryRedirect)
}
