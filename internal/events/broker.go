// Package events fans module events out to live subscribers.
//
// The durable record of an event lives in the store's EventLog. A broker is
// the best-effort live path: a subscriber that is not connected when an event
// is published never sees it here and relies on the out-of-band processor.
package events

import (
	"context"
	"errors"
	"sync"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store"
)

var ErrClosed = errors.New("broker is closed")

// Broker publishes events and hands out subscriptions
type Broker interface {
	Publish(ctx context.Context, ev store.Event) error
	Subscribe(ctx context.Context, siteID, eventName string) (Subscription, error)
	Close() error
}

// Subscription delivers events for one (site, event name) pair
type Subscription interface {
	C() <-chan store.Event
	Close() error
}

func topic(siteID, eventName string) string {
	return siteID + "/" + eventName
}

// Memory is an in-process broker. Slow subscribers lose events rather
// than blocking the publisher.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	buffer int
	closed bool
}

// NewMemory creates a broker whose subscriptions buffer up to buffer events
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 64
	}
	return &Memory{subs: make(map[string]map[*memorySub]struct{}), buffer: buffer}
}

type memorySub struct {
	broker *Memory
	topic  string
	ch     chan store.Event
	once   sync.Once
}

func (s *memorySub) C() <-chan store.Event { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs[s.topic], s)
		if len(s.broker.subs[s.topic]) == 0 {
			delete(s.broker.subs, s.topic)
		}
		s.broker.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (m *Memory) Publish(ctx context.Context, ev store.Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for sub := range m.subs[topic(ev.SiteID, ev.EventName)] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, siteID, eventName string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{broker: m, topic: topic(siteID, eventName), ch: make(chan store.Event, m.buffer)}
	if m.subs[sub.topic] == nil {
		m.subs[sub.topic] = make(map[*memorySub]struct{})
	}
	m.subs[sub.topic][sub] = struct{}{}
	return sub, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*memorySub
	for _, set := range m.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	m.mu.Unlock()

	for _, s := range all {
		_ = s.Close()
	}
	return nil
}
