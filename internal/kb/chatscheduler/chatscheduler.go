// Package chatscheduler implements spec.md §4.G: ChatProjectionScheduler,
// debounced background projection of per-chat datasets.
//
// Grounded on the worker-pool shape in
// services/trace/agent/providers (internal/task/queue.Channel) for the
// goroutine lifecycle, and directly on original_source's
// ai_coach/agent/knowledge/utils/chat_queue.py for the
// queue/ensure_task/_run state machine this package ports to Go.
package chatscheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aicoach/kbcore/internal/engine"
	"github.com/aicoach/kbcore/internal/logging"
)

// Processor re-projects one dataset alias end to end (ProjectionService.Project
// without the full-rebuild path, as cmd/kbcored wires it). Scoped narrowly so this
// package never depends on internal/kb/projection's concrete Service.
type Processor interface {
	ProcessDataset(ctx context.Context, alias string, user engine.UserContext) error
}

type aliasState struct {
	pending       int
	active        bool
	lastProjectTS time.Time
}

// Scheduler debounces per-alias projection, per spec.md §4.G: a burst of
// Queue calls within the debounce window collapses into one _run.
type Scheduler struct {
	processor Processor
	debounce  time.Duration
	user      engine.UserContext
	logger    *slog.Logger

	mu     sync.Mutex
	states map[string]*aliasState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Scheduler. debounce is KB_CHAT_PROJECT_DEBOUNCE_MIN*60s; user
// is the system/internal actor credential re-projection runs as (the
// knowledge base's own `_user`, per original_source).
func New(processor Processor, debounce time.Duration, user engine.UserContext, opts ...Option) *Scheduler {
	s := &Scheduler{
		processor: processor,
		debounce:  debounce,
		user:      user,
		logger:    slog.Default(),
		states:    make(map[string]*aliasState),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins accepting background work under ctx; cancelling ctx (or
// calling Close) stops all in-flight debounce timers.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
}

// Close cancels any pending/running debounce goroutines and waits for them
// to exit.
func (s *Scheduler) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) stateFor(alias string) *aliasState {
	st, ok := s.states[alias]
	if !ok {
		st = &aliasState{}
		s.states[alias] = st
	}
	return st
}

// Queue implements spec.md §4.G's `queue(alias)`: increment the pending
// counter and ensure a debounce task is running. Returns the new pending
// count.
func (s *Scheduler) Queue(alias string) int {
	s.mu.Lock()
	st := s.stateFor(alias)
	st.pending++
	pending := st.pending
	s.mu.Unlock()

	s.ensureTask(alias)
	return pending
}

// ensureTask implements `ensure_task(alias)`: single-flight per alias,
// scheduling `_run` after the remaining debounce delay.
func (s *Scheduler) ensureTask(alias string) {
	s.mu.Lock()
	st := s.stateFor(alias)
	if st.pending <= 0 || st.active {
		s.mu.Unlock()
		return
	}
	st.active = true
	delay := s.remainingDelay(st)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(alias, delay)
}

func (s *Scheduler) remainingDelay(st *aliasState) time.Duration {
	if s.debounce <= 0 || st.lastProjectTS.IsZero() {
		return 0
	}
	remaining := time.Until(st.lastProjectTS.Add(s.debounce))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// run implements `_run(alias, delay)`: sleep, re-check pending, process,
// and either settle or re-schedule on failure.
func (s *Scheduler) run(alias string, delay time.Duration) {
	defer s.wg.Done()

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	st := s.stateFor(alias)
	queued := st.pending
	if queued <= 0 {
		st.active = false
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	log := logging.New().Component("chatscheduler").Operation("run").Dataset(alias).Count("queued", queued)
	s.logger.Debug("chatscheduler: projection start", log.Args()...)

	err := s.processor.ProcessDataset(ctx, alias, s.user)

	s.mu.Lock()
	st = s.stateFor(alias)
	st.lastProjectTS = time.Now()
	if err == nil {
		st.pending = 0
		st.active = false
		s.mu.Unlock()
		s.logger.Debug("chatscheduler: projection done", log.Args()...)
		return
	}
	st.active = false
	s.mu.Unlock()

	s.logger.Warn(fmt.Sprintf("chatscheduler: projection failed dataset=%s queued=%d", alias, queued),
		log.Err(err).Args()...)
	s.ensureTask(alias)
}

// Pending reports the current pending count for alias, for tests and
// diagnostics.
func (s *Scheduler) Pending(alias string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateFor(alias).pending
}
