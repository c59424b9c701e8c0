package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"marketplace-gateway/middleware/ratelimit"
	"marketplace-gateway/middleware/ratelimit/domain"

	"github.com/go-chi/chi/v5"
)

// Prefixo de rota -> categoria. O que não casar cai em "api".
var categoryRoutes = []struct {
	prefix   string
	category string
}{
	{"/auth", domain.Auth.Name},
	{"/reviews", domain.Review.Name},
	{"/uploads", domain.Upload.Name},
	{"/support", domain.Support.Name},
	{"/tasks", domain.Task.Name},
	{"/offers", domain.Offer.Name},
	{"/messages", domain.Message.Name},
	{"/admin", domain.Admin.Name},
}

type routerOptions struct {
	limiter    *ratelimit.Limiter
	policies   map[string]domain.Config
	authID     ratelimit.AuthIDFunc
	addHeaders bool
	probe      domain.Probe
}

func newRouter(opts routerOptions, upstream http.Handler) (http.Handler, error) {
	limit := func(category string) (func(http.Handler) http.Handler, error) {
		cfg, ok := opts.policies[category]
		if !ok {
			return nil, fmt.Errorf("%w: no policy for category %q", domain.ErrInvalidConfig, category)
		}
		return ratelimit.Middleware(ratelimit.Options{
			Limiter:             opts.limiter,
			Config:              cfg,
			AuthID:              opts.authID,
			AddRateLimitHeaders: opts.addHeaders,
		}), nil
	}

	r := chi.NewRouter()
	r.Get("/healthz", healthHandler(opts.probe))

	for _, rt := range categoryRoutes {
		mw, err := limit(rt.category)
		if err != nil {
			return nil, err
		}
		r.With(mw).Handle(rt.prefix, upstream)
		r.With(mw).Handle(rt.prefix+"/*", upstream)
	}

	mw, err := limit(domain.API.Name)
	if err != nil {
		return nil, err
	}
	r.With(mw).Handle("/*", upstream)
	return r, nil
}

// unroutedCategories lista as políticas que nenhuma rota usa (categorias
// novas vindas do arquivo de políticas, por exemplo).
func unroutedCategories(policies map[string]domain.Config) []string {
	routed := map[string]bool{domain.API.Name: true}
	for _, rt := range categoryRoutes {
		routed[rt.category] = true
	}

	var out []string
	for name := range policies {
		if !routed[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// healthHandler informa qual contador está atendendo no momento.
func healthHandler(probe domain.Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counter := "local"
		if probe != nil {
			counter = "fallback"
			if probe.Available(r.Context()) {
				counter = "redis"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "counter": counter})
	}
}
