package infra

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"marketplace-gateway/middleware/ratelimit/domain"

	"github.com/alicebob/miniredis/v2"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestRedis(t *testing.T, opts ...ClientOption) (*miniredis.Miniredis, *Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	opts = append([]ClientOption{WithClientLogger(quietLogger())}, opts...)
	client := NewClient(ClientConfig{URL: "redis://" + mr.Addr()}, opts...)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_SlidingWindow(t *testing.T) {
	for _, atomicMode := range []bool{false, true} {
		name := "roundtrips"
		var opts []RedisStoreOption
		if atomicMode {
			name = "script"
			opts = append(opts, WithAtomicScript())
		}

		t.Run(name, func(t *testing.T) {
			mr, client := newTestRedis(t)
			s := NewRedisStore(client, opts...)
			ctx := context.Background()
			key := domain.Key("60000:3:1.2.3.4")

			for i, want := range []int{2, 1, 0} {
				at := t0.Add(time.Duration(i) * 20 * time.Second)
				dec, err := s.CheckAndRecord(ctx, key, time.Minute, 3, at)
				if err != nil {
					t.Fatalf("call %d: unexpected error: %v", i+1, err)
				}
				if !dec.Allowed || dec.Remaining != want || dec.Limit != 3 {
					t.Fatalf("call %d: unexpected decision %+v", i+1, dec)
				}
				if !dec.ResetTime.Equal(at.Add(time.Minute)) {
					t.Fatalf("call %d: expected reset now+window, got %s", i+1, dec.ResetTime)
				}
			}

			dec, err := s.CheckAndRecord(ctx, key, time.Minute, 3, t0.Add(50*time.Second))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if dec.Allowed || dec.Remaining != 0 {
				t.Fatalf("expected rejection, got %+v", dec)
			}
			if !dec.ResetTime.Equal(t0.Add(time.Minute)) {
				t.Fatalf("expected reset = oldest + window, got %s", dec.ResetTime)
			}

			members, err := mr.ZMembers("ratelimit:" + string(key))
			if err != nil {
				t.Fatalf("ZMembers: %v", err)
			}
			if len(members) != 3 {
				t.Fatalf("expected rejected request not to be stored, got %d members", len(members))
			}

			// só a primeira requisição saiu da janela
			dec, err = s.CheckAndRecord(ctx, key, time.Minute, 3, t0.Add(time.Minute+time.Millisecond))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !dec.Allowed || dec.Remaining != 0 {
				t.Fatalf("expected one slot freed by the sliding window, got %+v", dec)
			}

			if ttl := mr.TTL("ratelimit:" + string(key)); ttl != 120*time.Second {
				t.Fatalf("expected ttl 120s, got %s", ttl)
			}
		})
	}
}

func TestRedisStore_NoFreshBurstAtWindowBoundary(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewRedisStore(client)
	ctx := context.Background()
	key := domain.Key("k")

	// rajada no fim da janela não ganha uma rajada nova logo depois
	for i := 0; i < 2; i++ {
		if dec, _ := s.CheckAndRecord(ctx, key, 10*time.Second, 2, t0.Add(9*time.Second)); !dec.Allowed {
			t.Fatalf("expected burst call %d allowed", i+1)
		}
	}
	if dec, _ := s.CheckAndRecord(ctx, key, 10*time.Second, 2, t0.Add(11*time.Second)); dec.Allowed {
		t.Fatalf("expected rejection right after a clock-aligned boundary")
	}
	dec, _ := s.CheckAndRecord(ctx, key, 10*time.Second, 2, t0.Add(19*time.Second+time.Millisecond))
	if !dec.Allowed || dec.Remaining != 1 {
		t.Fatalf("expected full quota once the burst aged out, got %+v", dec)
	}
}

func TestRedisStore_SameMillisecondCallsAreDistinct(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewRedisStore(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = s.CheckAndRecord(ctx, "k", time.Minute, 10, t0)
	}
	dec, err := s.Peek(ctx, "k", time.Minute, 10, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Remaining != 7 {
		t.Fatalf("expected 3 distinct members, remaining 7, got %d", dec.Remaining)
	}
}

func TestRedisStore_PeekDoesNotMutate(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client, WithKeyPrefix("test"))
	ctx := context.Background()

	dec, err := s.Peek(ctx, "k", time.Minute, 2, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Remaining != 2 || !dec.Allowed {
		t.Fatalf("unexpected peek on empty key %+v", dec)
	}
	if mr.Exists("test:k") {
		t.Fatalf("expected peek not to create the key")
	}

	_, _ = s.CheckAndRecord(ctx, "k", time.Minute, 2, t0)
	_, _ = s.CheckAndRecord(ctx, "k", time.Minute, 2, t0.Add(time.Second))
	dec, _ = s.Peek(ctx, "k", time.Minute, 2, t0.Add(2*time.Second))
	if dec.Allowed || dec.Remaining != 0 || !dec.ResetTime.Equal(t0.Add(time.Minute)) {
		t.Fatalf("unexpected peek on full window %+v", dec)
	}
	if members, _ := mr.ZMembers("test:k"); len(members) != 2 {
		t.Fatalf("expected 2 members after peek, got %d", len(members))
	}
}

func TestRedisStore_ErrorWhenRedisDown(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.CheckAndRecord(ctx, "k", time.Minute, 1, t0); err == nil {
		t.Fatalf("expected error with redis down")
	}
}

func TestRedisStore_ReadOnlyErrorTriggersReconnect(t *testing.T) {
	mr, client := newTestRedis(t, WithReconnectEvery(time.Hour))
	s := NewRedisStore(client)
	ctx := context.Background()

	before, err := client.Redis()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !client.Available(ctx) {
		t.Fatalf("expected redis to be available before the failover")
	}

	mr.SetError("READONLY You can't write against a read only replica.")
	_, err = s.CheckAndRecord(ctx, "k", time.Minute, 1, t0)
	if !errors.Is(err, domain.ErrReadOnlyReplica) {
		t.Fatalf("expected ErrReadOnlyReplica, got %v", err)
	}

	mr.SetError("")
	after, err := client.Redis()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if before == after {
		t.Fatalf("expected a new redis client after READONLY error")
	}
	if dec, err := s.CheckAndRecord(ctx, "k", time.Minute, 1, t0); err != nil || !dec.Allowed {
		t.Fatalf("expected recovered store, got %+v err=%v", dec, err)
	}
}

// Sem o script, corridas na mesma chave podem ultrapassar a cota; com o
// script nunca.
func TestRedisStore_AtomicScriptNeverOvershoots(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewRedisStore(client, WithAtomicScript())

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	wg.Add(30)
	for range 30 {
		go func() {
			defer wg.Done()
			dec, err := s.CheckAndRecord(context.Background(), "k", time.Minute, 10, t0)
			if err == nil && dec.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Fatalf("expected exactly 10 allowed with atomic script, got %d", allowed)
	}
}

func TestKeyTTL(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		time.Minute:             120 * time.Second,
		15 * time.Minute:        960 * time.Second,
		1500 * time.Millisecond: 62 * time.Second,
	}
	for window, want := range cases {
		if got := keyTTL(window); got != want {
			t.Fatalf("keyTTL(%s): expected %s, got %s", window, want, got)
		}
	}
}
