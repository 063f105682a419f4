// Package broker dispatches events to subscribers by topic. Publish is the
// only dispatch point; it runs handlers synchronously in subscription order,
// so callers on the event loop observe a total order of side effects.
package broker

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"telecore/broker/channel"
	"telecore/broker/subscription"
)

// Broker routes messages published on a topic to that topic's subscribers.
type Broker struct {
	mu       sync.RWMutex
	logger   *logrus.Entry
	channels map[Topic]*channel.Channel
}

// New creates a new Broker instance.
func New(logger *logrus.Entry) *Broker {
	return &Broker{
		logger:   logger.WithField("component", "broker"),
		channels: make(map[Topic]*channel.Channel),
	}
}

// Publish delivers message to every subscriber of topic.
func (b *Broker) Publish(topic Topic, message any) {
	b.mu.RLock()
	ch, ok := b.channels[topic]
	b.mu.RUnlock()
	if !ok {
		b.logger.Debugf("no subscriber for %s", topic)
		return
	}

	ch.SendAll(message, func(r any) {
		b.logger.Errorf("recovered from panic in %s handler: %v", topic, r)
	})
}

// Subscribe registers fn for topic.
func (b *Broker) Subscribe(topic Topic, fn func(any)) *subscription.Subscription {
	b.mu.Lock()
	ch, ok := b.channels[topic]
	if !ok {
		ch = channel.New()
		b.channels[topic] = ch
	}
	b.mu.Unlock()

	sub := subscription.New(fn)
	ch.AddSubscription(sub)
	return sub
}

// Unsubscribe removes sub from topic.
func (b *Broker) Unsubscribe(topic Topic, sub *subscription.Subscription) {
	b.mu.RLock()
	ch, ok := b.channels[topic]
	b.mu.RUnlock()
	if !ok {
		return
	}
	ch.RemoveSubscription(sub)
}

// Handle adapts a typed handler to a subscription callback. Messages that
// are already a T are passed through; raw wire payloads are decoded first.
// Anything else is logged and dropped.
func Handle[T any](logger *logrus.Entry, fn func(T)) func(any) {
	return func(message any) {
		switch v := message.(type) {
		case T:
			fn(v)
		case json.RawMessage:
			var payload T
			if err := json.Unmarshal(v, &payload); err != nil {
				logger.Warnf("drop malformed payload: %v", err)
				return
			}
			fn(payload)
		default:
			logger.Warnf("drop unexpected payload of type %T", message)
		}
	}
}
