// Package identity resolves the username a request acts as.
package identity

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/n3tuk/lfs-lock-service/internal/errclass"
)

type contextKey struct{}

// WithUsername returns a context carrying an already authenticated username.
func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, contextKey{}, username)
}

// UsernameFromContext returns the username stored by WithUsername.
func UsernameFromContext(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(contextKey{}).(string)
	return username, ok
}

// FromRequest resolves the username of r. An identity placed in the request
// context by the transport wins; otherwise the Basic credentials of the
// Authorization header are used. A request with neither is anonymous and
// resolves to "". A malformed Authorization header is a validation error.
func FromRequest(r *http.Request) (string, error) {
	if username, ok := UsernameFromContext(r.Context()); ok {
		return username, nil
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", nil
	}
	return parseBasic(header)
}

func parseBasic(header string) (string, error) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return "", errclass.ErrValidation.WithMessage("unsupported authorization scheme")
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return "", errclass.ErrValidation.Wrap(err, "malformed basic credentials")
	}

	username, _, _ := strings.Cut(string(decoded), ":")
	return username, nil
}

// TrustedHeader returns middleware that takes the username from header, as
// set by an authenticating proxy in front of the service. Requests without
// the header are passed through unchanged.
func TrustedHeader(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if username := strings.TrimSpace(r.Header.Get(header)); username != "" {
				r = r.WithContext(WithUsername(r.Context(), username))
			}
			next.ServeHTTP(w, r)
		})
	}
}
