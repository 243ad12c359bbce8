package middleware

import (
	"net/http"
	"strings"

	"drawsync/core"

	"github.com/go-chi/render"
)

// TokenParser turns a bearer token into the principal it names.
type TokenParser interface {
	Parse(token string) (*core.Principal, error)
}

// BearerToken extracts the token from the Authorization header, or from
// the access_token query parameter for websocket upgrades where browsers
// cannot set headers. ok is false when the header is malformed.
func BearerToken(r *http.Request) (token string, ok bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return r.URL.Query().Get("access_token"), true
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", false
	}
	return parts[1], true
}

// AuthJWT rejects requests without a valid bearer token and stores the
// principal in the request context.
func AuthJWT(parser TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := BearerToken(r)
			if !ok {
				unauthorized(w, r, "Authorization header format must be Bearer {token}")
				return
			}
			if tokenString == "" {
				unauthorized(w, r, "Authorization header is required")
				return
			}

			principal, err := parser.Parse(tokenString)
			if err != nil {
				unauthorized(w, r, "Invalid token")
				return
			}

			ctx := core.WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusUnauthorized)
	render.JSON(w, r, map[string]string{"error": msg, "code": "unauthenticated"})
}
