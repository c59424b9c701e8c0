package ratelimit

import (
	"net/http"

	"marketplace-gateway/middleware/ratelimit/domain"
)

// AuthIDFunc extrai a identidade autenticada do request (vazio se anônimo).
// A autenticação em si fica fora deste pacote.
type AuthIDFunc func(r *http.Request) string

// HeaderAuthID lê a identidade de um header preenchido por uma camada de
// autenticação anterior (ex: X-User-Id vindo de um proxy de auth).
func HeaderAuthID(name string) AuthIDFunc {
	return func(r *http.Request) string { return r.Header.Get(name) }
}

type Options struct {
	Limiter             *Limiter
	Config              domain.Config
	AuthID              AuthIDFunc
	AddRateLimitHeaders bool
}

// Middleware aplica Check numa categoria antes do próximo handler.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.AuthID == nil {
		opts.AuthID = func(*http.Request) string { return "" }
	}

	return func(next http.Handler) http.Handler {
		if opts.Limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authID := opts.AuthID(r)

			if rj := opts.Limiter.Check(r, opts.Config, authID); rj != nil {
				rj.Write(w)
				return
			}

			if opts.AddRateLimitHeaders {
				id := opts.Limiter.Identify(r, opts.Config, authID)
				opts.Limiter.EnrichSuccess(r.Context(), w.Header(), opts.Config, id)
			}

			next.ServeHTTP(w, r)
		})
	}
}
