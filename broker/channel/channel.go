// Package channel holds the subscribers of a single topic.
package channel

import (
	"sync"

	"telecore/broker/subscription"
)

// Channel represents a topic that can have multiple subscribers.
type Channel struct {
	mu   sync.RWMutex
	subs []*subscription.Subscription
}

// New creates and initializes a new Channel instance.
func New() *Channel {
	return &Channel{
		subs: make([]*subscription.Subscription, 0),
	}
}

// SendAll hands message to every subscriber in the order they subscribed. A
// panicking subscriber is reported through onPanic and does not stop the rest.
func (c *Channel) SendAll(message any, onPanic func(any)) {
	c.mu.RLock()
	subs := make([]*subscription.Subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.RUnlock()

	for _, sub := range subs {
		if r := sub.Send(message); r != nil && onPanic != nil {
			onPanic(r)
		}
	}
}

// AddSubscription adds a new Subscription.
func (c *Channel) AddSubscription(sub *subscription.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subs = append(c.subs, sub)
}

// RemoveSubscription removes a Subscription.
func (c *Channel) RemoveSubscription(sub *subscription.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			sub.Close()
			return
		}
	}
}

// Len returns the number of subscribers.
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}
