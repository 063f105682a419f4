// Package subscription wraps a single subscriber callback.
package subscription

import "sync/atomic"

// Subscription is a registered callback. Once closed it ignores messages.
type Subscription struct {
	fn     func(any)
	closed atomic.Bool
}

// New creates a Subscription delivering to fn.
func New(fn func(any)) *Subscription {
	return &Subscription{fn: fn}
}

// Send delivers message and returns the recovered value if the callback
// panicked.
func (s *Subscription) Send(message any) (recovered any) {
	if s.closed.Load() {
		return nil
	}
	defer func() {
		recovered = recover()
	}()
	s.fn(message)
	return nil
}

// Close stops delivery.
func (s *Subscription) Close() {
	s.closed.Store(true)
}
