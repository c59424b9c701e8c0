package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace-gateway/middleware/ratelimit"
	"marketplace-gateway/middleware/ratelimit/application"
	"marketplace-gateway/middleware/ratelimit/domain"
	"marketplace-gateway/middleware/ratelimit/infra"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := readConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	target, err := url.Parse(cfg.upstreamURL)
	if err != nil {
		return err
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("proxy error", "path", r.URL.Path, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	policies := domain.Presets()
	if cfg.policyFile != "" {
		if policies, err = infra.LoadPolicies(cfg.policyFile); err != nil {
			return err
		}
	}
	if cfg.keyHeader != "" {
		for name, p := range policies {
			p.Identifier = ratelimit.HeaderIdentifier(cfg.keyHeader)
			policies[name] = p
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	local := infra.NewStore()
	sweeper := infra.NewSweeper(local, cfg.sweepEvery, infra.WithSweepLogger(logger))
	sweeper.Start(ctx)
	defer sweeper.Stop()

	var (
		primary domain.Counter
		probe   domain.Probe
		client  *infra.Client
	)
	if cfg.redisEnabled {
		client = infra.NewClient(cfg.redis,
			infra.WithClientLogger(logger.With("component", "ratelimit.redis")),
			infra.WithProbeCache(cfg.probeCache),
		)
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("closing redis client", "error", err)
			}
		}()

		storeOpts := []infra.RedisStoreOption{infra.WithKeyPrefix(cfg.redisPrefix)}
		if cfg.redisAtomic {
			storeOpts = append(storeOpts, infra.WithAtomicScript())
		}
		primary = infra.NewRedisStore(client, storeOpts...)
		probe = client

		if !client.Available(ctx) {
			logger.Warn("redis not reachable at startup, using local counters until it is")
		}
	}

	svcOpts := []application.Option{application.WithLogger(logger.With("component", "ratelimit"))}
	if cfg.rateStatsEnabled {
		svcOpts = append(svcOpts, application.WithStats(newStatsStore(cfg, client)))
	}
	svc, err := application.NewService(primary, probe, local, svcOpts...)
	if err != nil {
		return err
	}

	var limiter *ratelimit.Limiter
	if cfg.rateEnabled {
		limiter = ratelimit.NewLimiter(svc, logger)
	}
	var authID ratelimit.AuthIDFunc
	if cfg.authIDHeader != "" {
		authID = ratelimit.HeaderAuthID(cfg.authIDHeader)
	}

	h, err := newRouter(routerOptions{
		limiter:    limiter,
		policies:   policies,
		authID:     authID,
		addHeaders: cfg.addHeaders,
		probe:      probe,
	}, proxy)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	logger.Info("gateway listening", "addr", cfg.listenAddr, "upstream", target.String())
	logger.Info("rate limit",
		"enabled", cfg.rateEnabled,
		"redis", cfg.redisEnabled,
		"atomic", cfg.redisAtomic,
		"probeCache", cfg.probeCache,
		"policyFile", cfg.policyFile,
		"keyHeader", cfg.keyHeader,
		"authIDHeader", cfg.authIDHeader,
	)
	for _, name := range domain.Names() {
		p := policies[name]
		logger.Debug("policy", "category", name, "window", p.Window, "max", p.MaxRequests)
	}
	if extra := unroutedCategories(policies); len(extra) > 0 {
		logger.Warn("policies without a route are ignored", "categories", extra)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Com Redis os contadores de estatística são compartilhados; sem ele ficam
// em memória por instância.
func newStatsStore(cfg config, client *infra.Client) domain.StatsStore {
	if client == nil {
		return infra.NewMemoryStatsStore(infra.WithTrackKeys(cfg.rateStatsTrackKeys))
	}
	return infra.NewRedisStatsStore(client,
		infra.WithStatsPrefix(cfg.rateStatsPrefix),
		infra.WithStatsTTL(cfg.rateStatsTTL),
		infra.WithStatsBucket(cfg.rateStatsBucket),
	)
}
