package infra

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepEvery é o intervalo padrão da limpeza do store local.
const DefaultSweepEvery = 5 * time.Minute

// Sweepable é qualquer coisa que saiba remover entradas vencidas.
type Sweepable interface {
	Sweep(now time.Time) int
}

// Sweeper roda Sweep periodicamente numa goroutine própria.
//
// Start inicia o loop; Stop (ou cancelar o ctx passado a Start) encerra e
// Stop espera a goroutine terminar.
type Sweeper struct {
	target Sweepable
	every  time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	gen     uint64
}

type SweeperOption func(*Sweeper)

func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

func WithSweepLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

func NewSweeper(target Sweepable, every time.Duration, opts ...SweeperOption) *Sweeper {
	if every <= 0 {
		every = DefaultSweepEvery
	}
	s := &Sweeper{
		target: target,
		every:  every,
		now:    time.Now,
		logger: slog.Default().With("component", "ratelimit.sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce executa uma passada de limpeza imediatamente.
func (s *Sweeper) RunOnce() int {
	n := s.target.Sweep(s.now())
	if n > 0 {
		s.logger.Debug("swept expired fallback entries", "removed", n)
	}
	return n
}

// Start inicia a goroutine de limpeza. Chamar Start duas vezes não cria
// uma segunda goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.gen++
	gen := s.gen

	t := time.NewTicker(s.every)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				s.exited(gen)
				return
			case <-t.C:
				s.RunOnce()
			}
		}
	}()
}

// exited libera um novo Start quando o ctx de fora encerrou o loop. gen
// impede que um loop antigo desmarque um mais novo.
func (s *Sweeper) exited(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen && s.running {
		s.running = false
		s.cancel()
	}
}

// Stop cancela o loop e espera a goroutine sair.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if s.running {
		s.cancel()
		s.running = false
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Running informa se o loop de limpeza está ativo.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
