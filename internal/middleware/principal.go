package middleware

import (
	"context"
	"net/http"
	"strings"
	"unicode"
)

const maxPrincipalLength = 128

// Principal returns the authenticated caller id stored by
// PrincipalMiddleware.
func Principal(ctx context.Context) string {
	p, _ := ctx.Value(principalKey).(string)
	return p
}

// WithPrincipal returns a context carrying principal.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

func validPrincipal(p string) bool {
	if p == "" || len(p) > maxPrincipalLength {
		return false
	}
	for _, r := range p {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// PrincipalMiddleware takes the caller id from header, which the upstream
// authentication layer sets after verifying the caller. Requests without a
// usable id are rejected with 401.
func PrincipalMiddleware(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := strings.TrimSpace(r.Header.Get(header))
			if !validPrincipal(p) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthenticated"}` + "\n"))
				return
			}
			if info := infoFrom(r.Context()); info != nil {
				info.principal = p
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
