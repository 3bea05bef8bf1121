package events

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("event bus closed")

// Bus is an in-process multicast of task events.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed atomic.Bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
	}
}

// Publish enqueues ev for every current subscriber. It never blocks on
// subscribers. Events published by one goroutine reach each subscriber
// in that order.
func (b *Bus) Publish(ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return ErrClosed
	}
	for sub := range b.subs {
		sub.enqueue(ev)
	}
	return nil
}

// Subscribe attaches a new subscriber. It receives only events published
// after this call returns.
func (b *Bus) Subscribe() *Subscription {
	sub := newSubscription()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		sub.stop()
		close(sub.out)
		return sub
	}
	b.subs[sub] = struct{}{}
	go sub.pump()
	return sub
}

// Unsubscribe detaches sub, discards its queued events and closes its
// channel. Unsubscribing twice is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()

	if ok {
		sub.stop()
	}
}

// Subscribers returns the number of attached subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches every subscriber. Their channels close after the events
// already queued have been delivered.
func (b *Bus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for sub := range subs {
		sub.drain()
	}
	return nil
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	out    chan Event
	signal chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	queue    []Event
	draining bool
	stopOnce sync.Once
}

func newSubscription() *Subscription {
	return &Subscription{
		out:    make(chan Event),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Events returns the subscriber's channel. It is closed on Unsubscribe
// or when the bus closes.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Filtered returns a channel carrying only events matching f. Use either
// Events or Filtered on a subscription, not both.
func (s *Subscription) Filtered(f Filter) <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		for ev := range s.out {
			if !f.Match(ev) {
				continue
			}
			select {
			case ch <- ev:
			case <-s.done:
				return
			}
		}
	}()
	return ch
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// stop ends delivery immediately, discarding queued events.
func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// drain ends delivery after queued events have been handed out.
func (s *Subscription) drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		draining := s.draining
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if draining {
			return
		}

		select {
		case <-s.signal:
		case <-s.done:
			return
		}
	}
}
