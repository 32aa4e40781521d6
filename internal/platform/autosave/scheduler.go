// Package autosave turns a stream of edit events into debounced persistence
// calls. Each Schedule call re-arms the quiet-interval timer; the flush runs
// once with the latest payload when the stream goes quiet.
package autosave

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval is the quiet window before a scheduled flush fires.
const DefaultInterval = 500 * time.Millisecond

// FlushFunc persists the latest payload.
type FlushFunc[T any] func(ctx context.Context, payload T) error

// Scheduler debounces persistence of a snapshot value. Flushes for one
// scheduler never overlap and run in schedule order; a new Schedule call
// cancels the armed timer rather than queueing behind it.
type Scheduler[T any] struct {
	interval time.Duration
	flush    FlushFunc[T]
	log      zerolog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	payload T
	pending bool
	stopped bool

	// flushMu serializes flush execution.
	flushMu sync.Mutex
}

func NewScheduler[T any](interval time.Duration, flush FlushFunc[T], log zerolog.Logger) *Scheduler[T] {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler[T]{
		interval: interval,
		flush:    flush,
		log:      log.With().Str("component", "autosave").Logger(),
	}
}

// Schedule records the latest snapshot and re-arms the flush timer. Any
// previously armed flush is cancelled, never queued.
func (s *Scheduler[T]) Schedule(payload T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.payload = payload
	s.pending = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.interval, s.fire)
}

// fire runs when the quiet interval elapses without another Schedule call.
// Flush errors are logged and swallowed here; the caller's saved/dirty
// surface is responsible for anything louder.
func (s *Scheduler[T]) fire() {
	s.mu.Lock()
	if !s.pending || s.stopped {
		s.mu.Unlock()
		return
	}
	payload := s.payload
	s.pending = false
	s.mu.Unlock()

	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if err := s.flush(context.Background(), payload); err != nil {
		s.log.Error().Err(err).Msg("autosave flush failed")
	}
}

// Flush executes immediately with the pending payload, cancelling any armed
// timer. It is the teardown path for guaranteeing a save; unlike timer
// flushes, its error is returned. A no-op when nothing is pending.
func (s *Scheduler[T]) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	if !s.pending {
		s.mu.Unlock()
		return nil
	}
	payload := s.payload
	s.pending = false
	s.mu.Unlock()

	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.flush(ctx, payload)
}

// Stop cancels any armed timer without executing it. Subsequent Schedule
// calls are ignored.
func (s *Scheduler[T]) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.pending = false
	if s.timer != nil {
		s.timer.Stop()
	}
}
