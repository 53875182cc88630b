package scheduler

import (
	"context"
	"sync"
)

// Loop is a cooperative single-goroutine scheduler. Everything the
// loaders do runs inside Tick; other goroutines only hand work back
// through Defer or a function returned by Begin.
type Loop struct {
	mu       sync.Mutex
	queue    []func()
	inflight int
	wake     chan struct{}
}

func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Defer queues fn for the next tick. Safe for concurrent use.
func (l *Loop) Defer(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
}

// Post is Defer for callers on other goroutines.
func (l *Loop) Post(fn func()) { l.Defer(fn) }

// Begin registers one outstanding background result. The loop is not
// idle until the returned function has been called. Calls after the
// first are ignored.
func (l *Loop) Begin() func(func()) {
	l.mu.Lock()
	l.inflight++
	l.mu.Unlock()

	var once sync.Once
	return func(fn func()) {
		once.Do(func() {
			l.mu.Lock()
			l.inflight--
			l.queue = append(l.queue, fn)
			l.mu.Unlock()
			l.signal()
		})
	}
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Tick runs the callbacks queued before it started and returns how many
// ran. Callbacks deferred during the tick run on the next one.
func (l *Loop) Tick() int {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
	return len(batch)
}

// Pending returns the number of queued callbacks and outstanding
// background results.
func (l *Loop) Pending() (queued, inflight int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue), l.inflight
}

// Idle reports whether nothing is queued or in flight.
func (l *Loop) Idle() bool {
	queued, inflight := l.Pending()
	return queued == 0 && inflight == 0
}

// Run ticks until ctx is done, sleeping while there is nothing to do.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if l.Tick() > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// RunUntilIdle ticks until nothing is queued or in flight.
func (l *Loop) RunUntilIdle(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.Tick() > 0 {
			continue
		}
		if l.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}
