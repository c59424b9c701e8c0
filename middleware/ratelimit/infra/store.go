package infra

import (
	"context"
	"sync"
	"time"

	"marketplace-gateway/middleware/ratelimit/domain"
)

// Store é o contador local de janela fixa usado quando o Redis está fora.
//
// Cada chave guarda {count, resetTime}; depois de resetTime o registro é
// tratado como ausente. O mutex cobre o check-and-increment inteiro, então
// requisições concorrentes na mesma chave nunca passam da cota.
type Store struct {
	mu      sync.Mutex
	entries map[domain.Key]*storeEntry
}

type storeEntry struct {
	count     int
	resetTime time.Time
}

var _ domain.Counter = (*Store)(nil)

func NewStore() *Store {
	return &Store{entries: make(map[domain.Key]*storeEntry)}
}

// CheckAndRecord implementa domain.Counter com janela fixa.
func (s *Store) CheckAndRecord(_ context.Context, key domain.Key, window time.Duration, max int, now time.Time) (domain.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok || now.After(ent.resetTime) {
		ent = &storeEntry{count: 1, resetTime: now.Add(window)}
		s.entries[key] = ent
		return domain.Decision{
			Allowed:   true,
			Limit:     max,
			Remaining: nonNegative(max - 1),
			ResetTime: ent.resetTime,
		}, nil
	}

	if ent.count >= max {
		return domain.Decision{Allowed: false, Limit: max, Remaining: 0, ResetTime: ent.resetTime}, nil
	}

	ent.count++
	return domain.Decision{
		Allowed:   true,
		Limit:     max,
		Remaining: nonNegative(max - ent.count),
		ResetTime: ent.resetTime,
	}, nil
}

// Peek devolve o estado da janela sem contar a requisição.
func (s *Store) Peek(_ context.Context, key domain.Key, window time.Duration, max int, now time.Time) (domain.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok || now.After(ent.resetTime) {
		return domain.Decision{Allowed: true, Limit: max, Remaining: max, ResetTime: now.Add(window)}, nil
	}
	return domain.Decision{
		Allowed:   ent.count < max,
		Limit:     max,
		Remaining: nonNegative(max - ent.count),
		ResetTime: ent.resetTime,
	}, nil
}

// Sweep remove os registros cuja janela já terminou e devolve quantos saíram.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, ent := range s.entries {
		if now.After(ent.resetTime) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func nonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
