// Package loop provides the single-threaded event loop that drives every
// component of one worker. Callbacks posted to the loop run one at a time in
// FIFO order; blocking work runs through Background and reports back onto the loop.
package loop

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	errspkg "github.com/drblury/rflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
)

// Loop is a cooperative executor. It is safe to Post from any goroutine.
type Loop struct {
	logger loggingpkg.ServiceLogger

	mu       sync.Mutex
	queue    []func()
	wake     chan struct{}
	stopping bool
	done     chan struct{}

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       *errgroup.Group
}

// New creates a loop. Call Run to start processing.
func New(logger loggingpkg.ServiceLogger) *Loop {
	bgCtx, cancel := context.WithCancel(context.Background())
	group, bgCtx := errgroup.WithContext(bgCtx)
	return &Loop{
		logger:   logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		bgCtx:    bgCtx,
		bgCancel: cancel,
		bg:       group,
	}
}

// Post queues fn. It fails with ErrLoopStopped once Stop has been called.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return errspkg.ErrLoopStopped
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
	return nil
}

// post queues fn even while stopping; used for completions of work started
// before Stop.
func (l *Loop) post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stop stops accepting new work. Queued callbacks and running background
// tasks finish before Run returns.
func (l *Loop) Stop() {
	l.mu.Lock()
	already := l.stopping
	l.stopping = true
	l.mu.Unlock()
	if !already {
		close(l.done)
		l.signal()
	}
}

// Stopping reports whether Stop was called.
func (l *Loop) Stopping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopping
}

// Done is closed when Stop is called.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run processes callbacks until Stop is called and all work has drained, or
// ctx is cancelled, which is treated as Stop.
func (l *Loop) Run(ctx context.Context) error {
	stopOnCancel := context.AfterFunc(ctx, l.Stop)
	defer stopOnCancel()

	for {
		l.drain()

		if l.Stopping() {
			l.bgCancel()
			_ = l.bg.Wait()
			l.drain()
			return nil
		}
		<-l.wake
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.invoke(fn)
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Recovered panic in event loop callback", nil, loggingpkg.LogFields{"panic": r})
		}
	}()
	fn()
}

// Timer cancels a scheduled callback.
type Timer struct {
	stop func()
}

// Cancel prevents further invocations.
func (t *Timer) Cancel() {
	if t != nil && t.stop != nil {
		t.stop()
	}
}

// AfterFunc runs fn on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	timer := time.AfterFunc(d, func() {
		_ = l.Post(fn)
	})
	return &Timer{stop: func() { timer.Stop() }}
}

// Every runs fn on the loop every d until cancelled or the loop stops.
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	ticker := time.NewTicker(d)
	quit := make(chan struct{})
	var once sync.Once
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := l.Post(fn); err != nil {
					return
				}
			case <-quit:
				return
			case <-l.done:
				return
			}
		}
	}()
	return &Timer{stop: func() { once.Do(func() { close(quit) }) }}
}

// Background runs work off the loop and posts done(result, err) back onto it.
// Work receives a context cancelled when the loop stops.
func (l *Loop) Background(work func(ctx context.Context) (any, error), done func(any, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopping {
		return errspkg.ErrLoopStopped
	}
	l.bg.Go(func() error {
		result, err := work(l.bgCtx)
		if done != nil {
			l.post(func() { done(result, err) })
		}
		return nil
	})
	return nil
}
