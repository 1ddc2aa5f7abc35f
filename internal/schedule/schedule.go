// Package schedule runs named, cancellable background tasks that share one lifetime.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrStop can be returned by a periodic task to end itself without cancelling the others.
var ErrStop = errors.New("schedule: stop task")

// Ticker abstracts time.Ticker so tests can drive periodic tasks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type stdTicker struct{ t *time.Ticker }

func (s stdTicker) C() <-chan time.Time { return s.t.C }
func (s stdTicker) Stop()               { s.t.Stop() }

// NewTicker is the default ticker factory.
func NewTicker(d time.Duration) Ticker {
	return stdTicker{t: time.NewTicker(d)}
}

type task struct {
	id     uint64
	cancel context.CancelFunc
}

// Scheduler owns a set of named tasks. Registering a name again replaces the previous task.
// Stop cancels everything and waits, after which no task runs again.
type Scheduler struct {
	newTicker func(time.Duration) Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	seq    uint64
	tasks  map[string]task
	closed bool
}

type Option func(*Scheduler)

func WithTicker(f func(time.Duration) Ticker) Option {
	return func(s *Scheduler) { s.newTicker = f }
}

// New creates a scheduler whose tasks are cancelled when ctx is done or Stop is called.
func New(ctx context.Context, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		newTicker: NewTicker,
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(map[string]task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Every runs fn immediately and then on every tick of interval d until fn returns ErrStop,
// the task is cancelled or the scheduler stops. Other errors are logged and the task continues.
func (s *Scheduler) Every(name string, d time.Duration, fn func(ctx context.Context) error) bool {
	return s.start(name, func(ctx context.Context) {
		t := s.newTicker(d)
		defer t.Stop()

		for {
			if err := fn(ctx); err != nil {
				if errors.Is(err, ErrStop) {
					return
				}
				slog.DebugContext(ctx, "schedule: task failed", "task", name, "error", err)
			}

			select {
			case <-ctx.Done():
				return
			case <-t.C():
			}
		}
	})
}

// After runs fn once after d unless the task is cancelled first.
func (s *Scheduler) After(name string, d time.Duration, fn func(ctx context.Context)) bool {
	return s.start(name, func(ctx context.Context) {
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
		case <-timer.C:
			fn(ctx)
		}
	})
}

func (s *Scheduler) start(name string, run func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if prev, ok := s.tasks[name]; ok {
		prev.cancel()
	}

	s.seq++
	id := s.seq
	ctx, cancel := context.WithCancel(s.ctx)
	s.tasks[name] = task{id: id, cancel: cancel}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.forget(name, id)
		defer cancel()

		run(ctx)
	}()
	return true
}

func (s *Scheduler) forget(name string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[name]; ok && t.id == id {
		delete(s.tasks, name)
	}
}

// Cancel stops the named task if it is scheduled.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[name]; ok {
		t.cancel()
		delete(s.tasks, name)
	}
}

// Active reports whether the named task is still scheduled.
func (s *Scheduler) Active(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.tasks[name]
	return ok
}

// Stop cancels all tasks and waits for them to return.
// It must not be called from inside a task of the same scheduler.
func (s *Scheduler) Stop() {
	s.Close()
	s.wg.Wait()
}

// Close cancels all tasks without waiting. It is safe to call from inside a task.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.tasks = make(map[string]task)
	s.mu.Unlock()

	s.cancel()
}

// Done is closed once the scheduler is stopped or its parent context ends.
func (s *Scheduler) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Wait blocks until every task has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
