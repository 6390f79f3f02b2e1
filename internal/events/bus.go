package events

import (
	"sync"
	"time"

	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
	"github.com/casoon/auditmysite-studio-sub003/pkg/logging"
)

// DefaultSubscriberBuffer is the per-subscriber ring capacity.
const DefaultSubscriberBuffer = 1024

// Bus broadcasts lifecycle events to any number of subscribers.
// Publish never blocks the producer: each subscriber owns a bounded
// ring; on overflow the oldest pending event is dropped and a single
// LaggedSubscriber marker is delivered before the next event.
type Bus struct {
	logger logging.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

type BusOption func(*Bus)

// WithBuffer overrides the per-subscriber ring capacity.
func WithBuffer(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func NewBus(logger logging.Logger, opts ...BusOption) *Bus {
	b := &Bus{
		logger: logger,
		buffer: DefaultSubscriberBuffer,
		subs:   make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish fans ev out to every current subscriber without blocking.
// Events published before a Subscribe call are not replayed.
func (b *Bus) Publish(ev surveyor.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		sub.push(ev)
	}
}

// Subscribe registers a new subscriber and starts its delivery pump.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		bus:    b,
		limit:  b.buffer,
		wake:   make(chan struct{}, 1),
		out:    make(chan surveyor.Event),
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.shutdown()
		close(sub.out)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()
	return sub
}

// Close tears down the bus and every open subscription. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Subscription is one subscriber's handle. Events are read from
// Events(); the channel closes when the subscription or the bus is
// closed.
type Subscription struct {
	bus   *Bus
	limit int

	mu      sync.Mutex
	ring    []surveyor.Event
	dropped int64

	wake      chan struct{}
	out       chan surveyor.Event
	closed    chan struct{}
	closeOnce sync.Once
}

// Events returns the receive channel.
func (s *Subscription) Events() <-chan surveyor.Event {
	return s.out
}

// Close detaches the subscriber and releases its buffer. Idempotent.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

func (s *Subscription) push(ev surveyor.Event) {
	s.mu.Lock()
	if len(s.ring) >= s.limit {
		s.ring = s.ring[1:]
		s.dropped++
	}
	s.ring = append(s.ring, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves events from the ring to the out channel. When drops have
// accumulated it first delivers a single LaggedSubscriber marker.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.closed:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.dropped > 0 {
				n := s.dropped
				s.dropped = 0
				s.mu.Unlock()
				s.bus.logger.WithField("dropped", n).Warn("Subscriber lagging, dropped oldest events")
				if !s.deliver(laggedEvent(n)) {
					return
				}
				continue
			}
			if len(s.ring) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.ring[0]
			s.ring = s.ring[1:]
			s.mu.Unlock()
			if !s.deliver(ev) {
				return
			}
		}
	}
}

func (s *Subscription) deliver(ev surveyor.Event) bool {
	select {
	case s.out <- ev:
		return true
	case <-s.closed:
		return false
	}
}

func laggedEvent(dropped int64) surveyor.Event {
	return surveyor.Event{
		Type:         surveyor.EventLaggedSubscriber,
		Timestamp:    time.Now().UTC(),
		DroppedCount: dropped,
	}
}
