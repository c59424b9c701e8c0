package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"marketplace-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultProbeTimeout    = 200 * time.Millisecond
	defaultMaxRetries      = 3
	defaultMinRetryBackoff = 8 * time.Millisecond
	defaultMaxRetryBackoff = 512 * time.Millisecond
)

// ClientConfig descreve como chegar no Redis: uma URL ou, na falta dela,
// host/port/password/db.
type ClientConfig struct {
	URL      string
	Host     string
	Port     int
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Retry com backoff exponencial limitado (feito pelo próprio go-redis).
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
}

func (c ClientConfig) options() (*redis.Options, error) {
	var opts *redis.Options
	if strings.TrimSpace(c.URL) != "" {
		o, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = o
	} else {
		host := c.Host
		if host == "" {
			host = "localhost"
		}
		port := c.Port
		if port == 0 {
			port = 6379
		}
		opts = &redis.Options{
			Addr:     host + ":" + strconv.Itoa(port),
			Password: c.Password,
			DB:       c.DB,
		}
	}

	// sem isso o go-redis ignora o prazo do ctx no socket e o probe
	// espera o ReadTimeout inteiro
	opts.ContextTimeoutEnabled = true

	opts.MaxRetries = defaultMaxRetries
	if c.MaxRetries != 0 {
		opts.MaxRetries = c.MaxRetries
	}
	opts.MinRetryBackoff = defaultMinRetryBackoff
	if c.MinRetryBackoff > 0 {
		opts.MinRetryBackoff = c.MinRetryBackoff
	}
	opts.MaxRetryBackoff = defaultMaxRetryBackoff
	if c.MaxRetryBackoff > 0 {
		opts.MaxRetryBackoff = c.MaxRetryBackoff
	}
	if c.DialTimeout > 0 {
		opts.DialTimeout = c.DialTimeout
	}
	if c.ReadTimeout > 0 {
		opts.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		opts.WriteTimeout = c.WriteTimeout
	}
	return opts, nil
}

// Client é o dono da conexão com o Redis durante a vida do processo.
//
// O *redis.Client só é criado no primeiro uso e reaproveitado depois.
// Deve ser construído uma vez no main e injetado; Close no shutdown.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
	now    func() time.Time

	probeTimeout time.Duration
	probeCache   time.Duration

	// limita tentativas de reconexão disparadas por erro READONLY.
	reconnects *rate.Limiter

	mu     sync.Mutex
	rdb    *redis.Client
	closed bool

	// requisições simultâneas compartilham o mesmo PING
	probes    singleflight.Group
	probeMu   sync.Mutex
	lastProbe time.Time
	lastOK    bool
}

type ClientOption func(*Client)

func WithProbeTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.probeTimeout = d }
}

// WithProbeCache guarda o resultado do ping por d. Com d=0 (padrão) todo
// Available faz um PING; com cache o failover demora até d para reagir.
func WithProbeCache(d time.Duration) ClientOption {
	return func(c *Client) { c.probeCache = d }
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func WithClientClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// WithReconnectEvery define o intervalo mínimo entre reconexões por READONLY.
func WithReconnectEvery(d time.Duration) ClientOption {
	return func(c *Client) { c.reconnects = rate.NewLimiter(rate.Every(d), 1) }
}

func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	c := &Client{
		cfg:          cfg,
		logger:       slog.Default().With("component", "ratelimit.redis"),
		now:          time.Now,
		probeTimeout: defaultProbeTimeout,
		reconnects:   rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Redis devolve o cliente go-redis, criando-o na primeira chamada.
func (c *Client) Redis() (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("%w: client closed", domain.ErrStoreUnavailable)
	}
	if c.rdb != nil {
		return c.rdb, nil
	}

	opts, err := c.cfg.options()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	c.rdb = redis.NewClient(opts)
	c.logger.Info("redis client created", "addr", opts.Addr, "db", opts.DB)
	return c.rdb, nil
}

// Available faz um PING com timeout curto. Qualquer erro vira false.
func (c *Client) Available(ctx context.Context) bool {
	if c.probeCache > 0 {
		c.probeMu.Lock()
		if !c.lastProbe.IsZero() && c.now().Sub(c.lastProbe) < c.probeCache {
			ok := c.lastOK
			c.probeMu.Unlock()
			return ok
		}
		c.probeMu.Unlock()
	}

	ok := c.ping(ctx)

	if c.probeCache > 0 {
		c.probeMu.Lock()
		c.lastProbe = c.now()
		c.lastOK = ok
		c.probeMu.Unlock()
	}
	return ok
}

func (c *Client) ping(ctx context.Context) bool {
	// o PING é compartilhado: cancelar um request não derruba os outros
	v, _, _ := c.probes.Do("ping", func() (any, error) {
		return c.pingOnce(context.WithoutCancel(ctx)), nil
	})
	return v.(bool)
}

func (c *Client) pingOnce(ctx context.Context) bool {
	rdb, err := c.Redis()
	if err != nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = c.HandleError(err)
		return false
	}
	return true
}

// HandleError classifica um erro vindo do Redis. Erro READONLY (réplica
// rebaixada/promovida) dispara uma reconexão e vira ErrReadOnlyReplica.
func (c *Client) HandleError(err error) error {
	if err == nil {
		return nil
	}
	if isReadOnlyError(err) {
		c.Reconnect()
		return fmt.Errorf("%w: %w", domain.ErrReadOnlyReplica, err)
	}
	return err
}

// Reconnect descarta o cliente atual para que o próximo uso crie outro.
// Devolve false quando a tentativa foi suprimida pelo limitador.
func (c *Client) Reconnect() bool {
	if !c.reconnects.Allow() {
		return false
	}

	c.mu.Lock()
	old := c.rdb
	c.rdb = nil
	c.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			c.logger.Warn("closing stale redis client", "error", err)
		}
	}
	c.logger.Warn("redis reconnect triggered by read-only replica error")
	return true
}

// Close fecha a conexão. Usado apenas no shutdown do processo.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.rdb == nil {
		return nil
	}
	err := c.rdb.Close()
	c.rdb = nil
	return err
}

func isReadOnlyError(err error) bool {
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return strings.HasPrefix(rerr.Error(), "READONLY ")
	}
	return false
}
