// Package loop provides the single goroutine on which all call, chat and
// presence state is mutated. Network readers, timers and media callbacks
// never touch that state directly; they Post closures here instead.
package loop

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrStopped is returned when work is handed to a loop that has stopped.
var ErrStopped = errors.New("loop stopped")

// Poster is implemented by anything that can schedule work on the loop.
type Poster interface {
	Post(fn func()) bool
}

// Loop runs posted closures one at a time, in the order they were posted.
type Loop struct {
	logger *logrus.Entry

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	stopOnce sync.Once
}

// New creates a Loop. Call Start or Run to begin processing.
func New(logger *logrus.Entry) *Loop {
	return &Loop{
		logger: logger.WithField("component", "loop"),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the loop on a new goroutine.
func (l *Loop) Start() {
	go l.Run()
}

// Run processes posted closures until Stop is called.
func (l *Loop) Run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			tasks := l.queue
			l.queue = nil
			l.mu.Unlock()
			if len(tasks) == 0 {
				break
			}
			for _, task := range tasks {
				select {
				case <-l.quit:
					return
				default:
				}
				l.run(task)
			}
		}
	}
}

func (l *Loop) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorf("recovered from panic in loop task: %v", r)
		}
	}()
	task()
}

// Post queues fn. It never blocks, so it is safe to call from the loop
// itself. It reports false once the loop has been stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to return. It must not be called
// from the loop goroutine.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops the loop. Queued tasks are dropped and Done is closed once the
// running task, if any, returns. It is safe to call from the loop.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.quit)
	})
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
