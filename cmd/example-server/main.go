package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace-gateway/middleware/ratelimit"
	"marketplace-gateway/middleware/ratelimit/application"
	"marketplace-gateway/middleware/ratelimit/domain"
	"marketplace-gateway/middleware/ratelimit/infra"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Exemplo: usando o limiter direto nas rotas (sem proxy). Com REDIS_URL
	// o contador é compartilhado; sem, só a janela fixa local.
	local := infra.NewStore()
	sweeper := infra.NewSweeper(local, infra.DefaultSweepEvery, infra.WithSweepLogger(logger))
	sweeper.Start(ctx)
	defer sweeper.Stop()

	var (
		primary domain.Counter
		probe   domain.Probe
	)
	if u := os.Getenv("REDIS_URL"); u != "" {
		client := infra.NewClient(infra.ClientConfig{URL: u}, infra.WithClientLogger(logger))
		defer func() { _ = client.Close() }()
		primary = infra.NewRedisStore(client)
		probe = client
	}

	stats := infra.NewMemoryStatsStore(infra.WithTrackKeys(true))
	svc, err := application.NewService(primary, probe, local,
		application.WithLogger(logger),
		application.WithStats(stats),
	)
	if err != nil {
		logger.Error("rate limit service", "error", err)
		os.Exit(1)
	}
	limiter := ratelimit.NewLimiter(svc, logger)

	r := chi.NewRouter()
	r.Post("/login", limitedRoute(limiter, domain.Auth, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"token": "demo"})
	}))
	r.Post("/tasks", limitedRoute(limiter, domain.Task, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
	}))

	// Também dá para usar como middleware de um grupo inteiro.
	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(ratelimit.Options{
			Limiter:             limiter,
			Config:              domain.API,
			AuthID:              ratelimit.HeaderAuthID("X-User-Id"),
			AddRateLimitHeaders: true,
		}))
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
	})

	r.Get("/debug/ratelimit", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"total":      stats.Total(),
			"byCategory": stats.ByCategory(),
			"byKey":      stats.ByKey(),
		})
	})

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("example server listening", "addr", addr, "redis", primary != nil)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// limitedRoute faz a checagem dentro da rota: 429 pronto quando estoura,
// headers de cota na resposta de sucesso.
func limitedRoute(l *ratelimit.Limiter, cfg domain.Config, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authID := r.Header.Get("X-User-Id")
		if rj := l.Check(r, cfg, authID); rj != nil {
			rj.Write(w)
			return
		}
		l.EnrichSuccess(r.Context(), w.Header(), cfg, l.Identify(r, cfg, authID))
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
