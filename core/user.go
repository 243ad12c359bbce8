package core

import "context"

type (
	// User is the profile an identity provider hands back at login.
	User struct {
		Subject   string `json:"subject"`
		Login     string `json:"login"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatarUrl"`
		Name      string `json:"name"`
	}

	// Principal is the authenticated caller of a request or socket.
	Principal struct {
		Subject string `json:"sub"`
		Login   string `json:"login,omitempty"`
		Name    string `json:"name,omitempty"`
	}
)

// Authenticated reports whether p names a real caller.
func (p *Principal) Authenticated() bool {
	return p != nil && p.Subject != ""
}

// Label is the display name shown to collaborators.
func (p *Principal) Label() string {
	switch {
	case p == nil:
		return ""
	case p.Name != "":
		return p.Name
	case p.Login != "":
		return p.Login
	default:
		return p.Subject
	}
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller stored by WithPrincipal, or nil.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
