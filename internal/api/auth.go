package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/poolbet/ledger-engine/internal/model"
)

// AuthConfig holds the shared secrets of the trusted callers. Investor
// identity is asserted by the upstream gateway through X-Investor-ID.
type AuthConfig struct {
	AdminKeys   []string
	PaymentsKey string
}

type actorKey struct{}

// ActorFrom returns the actor resolved for the request. The zero Actor
// holds no capability.
func ActorFrom(ctx context.Context) model.Actor {
	a, _ := ctx.Value(actorKey{}).(model.Actor)
	return a
}

// WithActor stores actor on ctx.
func WithActor(ctx context.Context, actor model.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Authenticate resolves the caller's capability once per request and hands
// it to the handlers explicitly through the request context:
//
//	Authorization: Bearer <admin key>  → admin
//	X-Payments-Key: <payments key>     → payments
//	X-Investor-ID: <id>                → investor
func Authenticate(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var actor model.Actor

			if auth := r.Header.Get("Authorization"); auth != "" {
				token, ok := strings.CutPrefix(auth, "Bearer ")
				if !ok || !matchAny(strings.TrimSpace(token), cfg.AdminKeys) {
					writeError(w, "invalid credentials", http.StatusUnauthorized)
					return
				}
				actor = model.Admin("admin")
			} else if key := r.Header.Get("X-Payments-Key"); key != "" {
				if !matchAny(key, []string{cfg.PaymentsKey}) {
					writeError(w, "invalid credentials", http.StatusUnauthorized)
					return
				}
				actor = model.Payments("payments")
			} else if id := strings.TrimSpace(r.Header.Get("X-Investor-ID")); id != "" {
				actor = model.Investor(id)
			} else {
				writeError(w, "authentication required", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func matchAny(candidate string, keys []string) bool {
	matched := false
	for _, k := range keys {
		if k == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k)) == 1 {
			matched = true
		}
	}
	return matched
}
