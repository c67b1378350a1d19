// Package buffer holds per-execution event logs with live fan-out. A
// subscriber replays buffered frames from its cursor, then tails new
// appends until the execution completes.
package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stromdal/restream/model"
)

const (
	defaultRetention     = 5 * time.Minute
	defaultSweepInterval = 30 * time.Second
)

type Options struct {
	Retention     time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger

	// OnEvict receives the frames of a completed execution before the sweep
	// deletes it. A non-nil error keeps the execution buffered until a later
	// sweep, so archival failures never lose frames. Called without the
	// store lock held.
	OnEvict func(id string, frames []string, completedAt time.Time) error

	// Now is overridable for tests.
	Now func() time.Time
}

type Store struct {
	mu    sync.Mutex
	execs map[string]*execution

	retention     time.Duration
	sweepInterval time.Duration
	log           *slog.Logger
	onEvict       func(id string, frames []string, completedAt time.Time) error
	now           func() time.Time
}

// execution assumes a single producer per id; interleaved appends from
// concurrent producers are serialized by the store lock in arrival order.
type execution struct {
	frames      []string
	completed   bool
	completedAt time.Time
	listeners   map[chan struct{}]struct{}
}

func New(opts Options) *Store {
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		execs:         make(map[string]*execution),
		retention:     opts.Retention,
		sweepInterval: opts.SweepInterval,
		log:           opts.Logger,
		onEvict:       opts.OnEvict,
		now:           opts.Now,
	}
}

// Create ensures an entry exists. Calling it again for a live id is a no-op.
func (s *Store) Create(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[id]; ok {
		return
	}
	s.execs[id] = &execution{listeners: make(map[chan struct{}]struct{})}
}

// Append adds a frame to the log and wakes every listener. An unknown id is
// tolerated so a slow producer cannot take down the stream path, but it is
// worth a warning: it usually means create and append raced out of order.
func (s *Store) Append(id, frame string) {
	s.mu.Lock()
	e, ok := s.execs[id]
	if !ok {
		s.mu.Unlock()
		s.log.Warn("append to unknown execution", "execution_id", id)
		return
	}
	e.frames = append(e.frames, frame)
	e.wake()
	s.mu.Unlock()
}

// Complete marks the execution finished and wakes listeners so their read
// loops can observe completion. The flag never reverses.
func (s *Store) Complete(id string) {
	s.mu.Lock()
	e, ok := s.execs[id]
	if !ok {
		s.mu.Unlock()
		s.log.Warn("complete for unknown execution", "execution_id", id)
		return
	}
	if !e.completed {
		e.completed = true
		e.completedAt = s.now()
		e.wake()
	}
	s.mu.Unlock()
}

func (s *Store) Status(id string) model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return model.StatusNotFound
	}
	if e.completed {
		return model.StatusCompleted
	}
	return model.StatusRunning
}

// Subscribe yields buffered frames from index cursor onward, then live-tails
// until the execution completes or ctx is cancelled. An unknown id yields a
// closed channel immediately.
func (s *Store) Subscribe(ctx context.Context, id string, cursor int) <-chan string {
	out := make(chan string, 16)
	go s.stream(ctx, id, cursor, out)
	return out
}

func (s *Store) stream(ctx context.Context, id string, cursor int, out chan<- string) {
	defer close(out)
	if cursor < 0 {
		cursor = 0
	}
	wake := make(chan struct{}, 1)
	s.mu.Lock()
	e, ok := s.execs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.listeners[wake] = struct{}{}
	s.mu.Unlock()
	defer s.drop(e, wake)

	for {
		s.mu.Lock()
		start := cursor
		if start > len(e.frames) {
			start = len(e.frames)
		}
		pending := append([]string(nil), e.frames[start:]...)
		done := e.completed
		s.mu.Unlock()

		for _, f := range pending {
			select {
			case out <- f:
				cursor++
			case <-ctx.Done():
				return
			}
		}
		if done {
			return
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) drop(e *execution, wake chan struct{}) {
	s.mu.Lock()
	delete(e.listeners, wake)
	s.mu.Unlock()
}

// wake must be called with the store lock held.
func (e *execution) wake() {
	for ch := range e.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Run sweeps expired executions until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	t := time.NewTicker(s.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

// Sweep deletes completed executions older than the retention window and
// returns how many were evicted. Running executions are never swept, and an
// execution is only deleted once the eviction hook has accepted its frames.
func (s *Store) Sweep() int {
	type candidate struct {
		id          string
		e           *execution
		frames      []string
		completedAt time.Time
	}
	cutoff := s.now().Add(-s.retention)
	var due []candidate
	s.mu.Lock()
	for id, e := range s.execs {
		if e.completed && e.completedAt.Before(cutoff) {
			due = append(due, candidate{
				id:          id,
				e:           e,
				frames:      append([]string(nil), e.frames...),
				completedAt: e.completedAt,
			})
		}
	}
	s.mu.Unlock()

	evicted := 0
	for _, c := range due {
		if s.onEvict != nil {
			if err := s.onEvict(c.id, c.frames, c.completedAt); err != nil {
				s.log.Warn("eviction hook failed, keeping execution buffered", "execution_id", c.id, "error", err)
				continue
			}
		}
		s.mu.Lock()
		if cur, ok := s.execs[c.id]; ok && cur == c.e {
			delete(s.execs, c.id)
			evicted++
		}
		s.mu.Unlock()
	}
	return evicted
}
