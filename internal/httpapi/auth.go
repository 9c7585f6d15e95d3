package httpapi

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// Identity is what an Authenticator asserts about the bearer of a request.
type Identity struct {
	Subject string
	Scopes  []string
}

// Authenticator verifies the bearer token on an inbound request. The OAuth2
// validation itself (token introspection or JWKS verification against an
// issuer) is an external collaborator this package does not implement;
// TokenIntrospector names the hook a real Authenticator would call.
type Authenticator interface {
	Authenticate(ctx context.Context, bearerToken string) (Identity, error)
}

// TokenIntrospector is the shape a production Authenticator would hold to
// validate a raw bearer string into an *oauth2.Token before mapping it to
// an Identity. No implementation ships here.
type TokenIntrospector interface {
	Introspect(ctx context.Context, bearerToken string) (*oauth2.Token, error)
}

// NoopAuthenticator accepts every request as an anonymous identity. It is
// the default wired by NewServer; a real deployment supplies an
// Authenticator backed by a TokenIntrospector.
type NoopAuthenticator struct{}

// Authenticate implements Authenticator.
func (NoopAuthenticator) Authenticate(context.Context, string) (Identity, error) {
	return Identity{Subject: "anonymous"}, nil
}

type identityContextKey struct{}

// IdentityFromContext returns the Identity an auth middleware attached to
// the request context, or the zero value if none was attached.
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityContextKey{}).(Identity)
	return id
}

// authMiddleware runs authenticator against the request's bearer token and
// attaches the resulting Identity to the request context. It never rejects
// a request itself — a NoopAuthenticator's every-request acceptance is by
// design; a stricter Authenticator rejects by returning an error, which
// this middleware turns into a 401.
func authMiddleware(authenticator Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			id, err := authenticator.Authenticate(r.Context(), token)
			if err != nil {
				RespondError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), identityContextKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
