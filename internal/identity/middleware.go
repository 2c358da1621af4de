package identity

import (
	"context"
	"net/http"
)

// Middleware rejects requests without a valid token and stores the Principal on the context.
func Middleware(resolver Resolver, onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := resolver.Resolve(r.Context(), TokenFromRequest(r))
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// Static resolves every token to one Principal. It backs local development without auth.
type Static struct {
	Principal Principal
}

func (s Static) Resolve(_ context.Context, _ string) (Principal, error) {
	return s.Principal, nil
}
