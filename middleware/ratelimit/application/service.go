package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"marketplace-gateway/middleware/ratelimit/domain"

	"golang.org/x/time/rate"
)

const defaultStatsTimeout = 100 * time.Millisecond

// Service concentra a regra de aplicação do rate limit.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas devolve um
// domain.Result. Fluxo: chave composta -> probe -> primário ou fallback.
// Erro do primário nunca sobe: vira log e a mesma checagem é refeita no
// fallback.
type Service struct {
	primary  domain.Counter
	probe    domain.Probe
	fallback domain.Counter
	stats    domain.StatsStore

	// prazo do Record; estatística nunca segura o request
	statsTimeout time.Duration

	logger *slog.Logger
	now    func() time.Time
	// evita inundar o log enquanto o Redis estiver fora
	warnEvery *rate.Limiter
}

type Option func(*Service)

func WithStats(s domain.StatsStore) Option {
	return func(svc *Service) { svc.stats = s }
}

// WithStatsTimeout limita quanto tempo o Record pode levar por decisão.
func WithStatsTimeout(d time.Duration) Option {
	return func(svc *Service) { svc.statsTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) { svc.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

// WithWarnEvery limita os warnings de fallback a um por intervalo d.
func WithWarnEvery(d time.Duration) Option {
	return func(svc *Service) { svc.warnEvery = rate.NewLimiter(rate.Every(d), 1) }
}

// NewService monta o serviço. primary e probe podem ser nil (modo só local);
// fallback é obrigatório.
func NewService(primary domain.Counter, probe domain.Probe, fallback domain.Counter, opts ...Option) (*Service, error) {
	if fallback == nil {
		return nil, errors.New("fallback counter is required")
	}
	svc := &Service{
		primary:   primary,
		probe:     probe,
		fallback:     fallback,
		statsTimeout: defaultStatsTimeout,
		logger:       slog.Default().With("component", "ratelimit"),
		now:          time.Now,
		warnEvery:    rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

func (s *Service) Now() time.Time { return s.now() }

// Decide conta a requisição de identifier sob cfg e devolve a decisão.
func (s *Service) Decide(ctx context.Context, cfg domain.Config, identifier string) domain.Result {
	now := s.now()
	if err := cfg.Validate(); err != nil {
		// config quebrada não pode derrubar o request
		s.logger.Error("rate limit config rejected, allowing request", "error", err)
		return domain.Result{
			Decision: domain.Decision{Allowed: true, Limit: cfg.MaxRequests, ResetTime: now},
			Backend:  domain.BackendFallback,
			Err:      err,
		}
	}

	key := domain.CompositeKey(cfg, identifier)
	res := s.count(ctx, cfg, key, now)

	if s.stats != nil {
		s.recordStats(ctx, domain.StatsEvent{Key: key, Category: cfg.Name, Allowed: res.Decision.Allowed, Backend: res.Backend, At: now})
	}
	return res
}

func (s *Service) recordStats(ctx context.Context, ev domain.StatsEvent) {
	ctx, cancel := context.WithTimeout(ctx, s.statsTimeout)
	defer cancel()
	if err := s.stats.Record(ctx, ev); err != nil {
		s.logger.Debug("rate limit stats not recorded", "error", err)
	}
}

func (s *Service) count(ctx context.Context, cfg domain.Config, key domain.Key, now time.Time) domain.Result {
	if s.primary == nil {
		// modo só local: não é degradação
		return s.countFallback(ctx, cfg, key, now, nil)
	}
	if !s.primaryUp(ctx) {
		return s.countFallback(ctx, cfg, key, now, domain.ErrStoreUnavailable)
	}

	dec, err := s.primary.CheckAndRecord(ctx, key, cfg.Window, cfg.MaxRequests, now)
	if err != nil {
		s.warn("shared store check failed, using local fallback", "key", string(key), "error", err)
		return s.countFallback(ctx, cfg, key, now, err)
	}
	return domain.Result{Decision: dec, Backend: domain.BackendPrimary}
}

func (s *Service) countFallback(ctx context.Context, cfg domain.Config, key domain.Key, now time.Time, reason error) domain.Result {
	dec, err := s.fallback.CheckAndRecord(ctx, key, cfg.Window, cfg.MaxRequests, now)
	if err != nil {
		s.logger.Error("local fallback check failed, allowing request", "key", string(key), "error", err)
		dec = domain.Decision{Allowed: true, Limit: cfg.MaxRequests, Remaining: cfg.MaxRequests, ResetTime: now.Add(cfg.Window)}
		reason = errors.Join(reason, err)
	}
	return domain.Result{Decision: dec, Backend: domain.BackendFallback, Err: reason}
}

// Peek lê o estado atual da janela no mesmo backend que Decide usaria,
// sem contar a requisição.
func (s *Service) Peek(ctx context.Context, cfg domain.Config, identifier string) (domain.Decision, error) {
	if err := cfg.Validate(); err != nil {
		return domain.Decision{}, err
	}
	key := domain.CompositeKey(cfg, identifier)
	now := s.now()
	if s.primaryUp(ctx) {
		return s.primary.Peek(ctx, key, cfg.Window, cfg.MaxRequests, now)
	}
	return s.fallback.Peek(ctx, key, cfg.Window, cfg.MaxRequests, now)
}

func (s *Service) primaryUp(ctx context.Context) bool {
	if s.primary == nil {
		return false
	}
	if s.probe == nil {
		return true
	}
	if s.probe.Available(ctx) {
		return true
	}
	s.warn("shared store unavailable, using local fallback")
	return false
}

func (s *Service) warn(msg string, args ...any) {
	if s.warnEvery.Allow() {
		s.logger.Warn(msg, args...)
		return
	}
	s.logger.Debug(msg, args...)
}
