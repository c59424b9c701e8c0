package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"context"
	"strconv"
	"time"
)

type Key string

// Headers é o mínimo que o domínio precisa de um conjunto de headers.
// http.Header satisfaz esta interface.
type Headers interface {
	Get(key string) string
}

// IdentifierStrategy decide "quem" está sendo limitado (usuário autenticado,
// IP, api key...). authID vem da camada de autenticação e pode ser vazio.
type IdentifierStrategy interface {
	Identify(h Headers, authID string) string
}

// IdentifierFunc adapta uma função comum para IdentifierStrategy.
type IdentifierFunc func(h Headers, authID string) string

func (f IdentifierFunc) Identify(h Headers, authID string) string { return f(h, authID) }

// Config é a política de uma categoria de endpoint: no máximo MaxRequests
// dentro de Window. Identifier nil significa o resolvedor padrão.
type Config struct {
	Name        string
	Window      time.Duration
	MaxRequests int
	Identifier  IdentifierStrategy
}

func (c Config) Validate() error {
	if c.Window <= 0 {
		return invalidConfig(c.Name, "window must be > 0")
	}
	if c.MaxRequests <= 0 {
		return invalidConfig(c.Name, "max requests must be > 0")
	}
	return nil
}

// CompositeKey monta "{windowMs}:{maxRequests}:{identifier}".
//
// O mesmo identificador em duas configs diferentes nunca compartilha contador;
// mudar os números de uma config equivale a começar um espaço novo.
func CompositeKey(cfg Config, identifier string) Key {
	return Key(strconv.FormatInt(cfg.Window.Milliseconds(), 10) + ":" +
		strconv.Itoa(cfg.MaxRequests) + ":" + identifier)
}

type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetTime time.Time
}

// Backend indica qual contador produziu a decisão.
type Backend string

const (
	BackendPrimary  Backend = "primary"
	BackendFallback Backend = "fallback"
)

// Result é o resultado explícito de uma checagem: a decisão, quem decidiu e,
// quando o primário falhou, o motivo (Err) que levou ao fallback.
type Result struct {
	Decision Decision
	Backend  Backend
	Err      error
}

// Degraded informa se a decisão veio do fallback por falha do primário.
func (r Result) Degraded() bool { return r.Backend == BackendFallback && r.Err != nil }

// Counter conta requisições por chave. A mesma assinatura serve para o
// contador compartilhado (janela deslizante) e para o local (janela fixa).
type Counter interface {
	CheckAndRecord(ctx context.Context, key Key, window time.Duration, max int, now time.Time) (Decision, error)
	// Peek lê o estado atual sem registrar uma nova requisição.
	Peek(ctx context.Context, key Key, window time.Duration, max int, now time.Time) (Decision, error)
}

// Probe verifica se o store compartilhado está acessível.
type Probe interface {
	Available(ctx context.Context) bool
}
