package domain

import (
	"context"
	"time"
)

// StatsEvent representa um evento de decisão do rate limit.
//
// Observação: cuidado com cardinalidade. Key só deve ser agregada quando
// explicitamente habilitado.
type StatsEvent struct {
	Key      Key
	Category string
	Allowed  bool
	Backend  Backend

	At time.Time
}

// StatsStore é a estratégia de persistência para estatísticas do rate limit.
//
// O façade trata erro como best-effort (não derruba request).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
