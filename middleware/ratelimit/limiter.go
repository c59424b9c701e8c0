package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"marketplace-gateway/middleware/ratelimit/application"
	"marketplace-gateway/middleware/ratelimit/domain"
)

const (
	RejectionMessage = "Rate limit exceeded. Please try again later."
	RejectionCode    = "RATE_LIMIT_EXCEEDED"

	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// RejectionBody é o JSON devolvido junto do 429.
type RejectionBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int64  `json:"retryAfter"`
}

// Rejection é a resposta pronta para quando o limite estourou. A rota pode
// devolvê-la direto com Write.
type Rejection struct {
	Status int
	Header http.Header
	Body   RejectionBody
}

// Write escreve headers, status e corpo JSON.
func (rj *Rejection) Write(w http.ResponseWriter) {
	for k, vs := range rj.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rj.Status)
	_ = json.NewEncoder(w).Encode(rj.Body)
}

// Limiter é o ponto de entrada usado pelas rotas: Check antes da lógica de
// negócio e, opcionalmente, EnrichSuccess na resposta de sucesso.
type Limiter struct {
	svc    *application.Service
	logger *slog.Logger
}

func NewLimiter(svc *application.Service, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default().With("component", "ratelimit")
	}
	return &Limiter{svc: svc, logger: logger}
}

// Identify resolve o identificador do request usando a estratégia da config.
func (l *Limiter) Identify(r *http.Request, cfg domain.Config, authID string) string {
	strategy := cfg.Identifier
	if strategy == nil {
		strategy = DefaultIdentifier
	}
	return strategy.Identify(r.Header, authID)
}

// Check devolve nil quando o request pode seguir, ou a rejeição 429.
func (l *Limiter) Check(r *http.Request, cfg domain.Config, authID string) *Rejection {
	id := l.Identify(r, cfg, authID)
	res := l.svc.Decide(r.Context(), cfg, id)
	if res.Decision.Allowed {
		return nil
	}
	return newRejection(res.Decision, l.svc.Now())
}

// EnrichSuccess anota a resposta de sucesso com a cota restante. Qualquer
// falha aqui é engolida: os headers simplesmente não são adicionados.
func (l *Limiter) EnrichSuccess(ctx context.Context, h http.Header, cfg domain.Config, identifier string) {
	dec, err := l.svc.Peek(ctx, cfg, identifier)
	if err != nil {
		l.logger.Debug("rate limit headers skipped", "category", cfg.Name, "error", err)
		return
	}
	setQuotaHeaders(h, dec.Limit, dec.Remaining, dec.ResetTime)
}

func newRejection(dec domain.Decision, now time.Time) *Rejection {
	retryAfter := retryAfterSeconds(dec.ResetTime, now)

	h := make(http.Header)
	setQuotaHeaders(h, dec.Limit, 0, dec.ResetTime)
	h.Set(HeaderRetryAfter, formatInt64(retryAfter))

	return &Rejection{
		Status: http.StatusTooManyRequests,
		Header: h,
		Body: RejectionBody{
			Error:      RejectionMessage,
			Code:       RejectionCode,
			RetryAfter: retryAfter,
		},
	}
}

// retryAfterSeconds é ceil((reset-now)/1s), nunca menor que 1.
func retryAfterSeconds(reset, now time.Time) int64 {
	ms := reset.Sub(now).Milliseconds()
	secs := (ms + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return secs
}

// X-RateLimit-Reset vai em epoch ms.
func setQuotaHeaders(h http.Header, limit, remaining int, reset time.Time) {
	if remaining < 0 {
		remaining = 0
	}
	h.Set(HeaderLimit, formatInt(limit))
	h.Set(HeaderRemaining, formatInt(remaining))
	h.Set(HeaderReset, formatInt64(reset.UnixMilli()))
}
