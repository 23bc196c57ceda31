// Package bus implements the shared, append-only broadcast command stream.
//
// Publish runs every registered reducer synchronously and then hands the
// command to every subscription. Both happen under one lock, so reducers see
// commands in emission order and each command is applied atomically with
// respect to every other. Subscriptions buffer without bound; a slow
// subscriber never blocks a publisher.
package bus

import (
	"sync"

	"github.com/mesh-intelligence/entitycache/pkg/types"
)

// Reducer applies a command to local state. Reduce is called with the bus
// lock held and must not publish.
type Reducer interface {
	Reduce(cmd types.Command)
}

// ReducerFunc adapts a function to Reducer.
type ReducerFunc func(cmd types.Command)

// Reduce implements Reducer.
func (f ReducerFunc) Reduce(cmd types.Command) { f(cmd) }

// Bus is a multi-producer, multi-consumer command stream.
type Bus struct {
	mu       sync.Mutex
	closed   bool
	reducers []Reducer
	subs     map[*Subscription]struct{}
}

// New returns an open bus with no reducers or subscribers.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// AddReducer registers r. Reducers run in registration order.
func (b *Bus) AddReducer(r Reducer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reducers = append(b.reducers, r)
}

// Publish appends cmd to the stream. It never blocks on subscribers.
// Returns ErrBusClosed after Close.
func (b *Bus) Publish(cmd types.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return types.ErrBusClosed
	}
	for _, r := range b.reducers {
		r.Reduce(cmd)
	}
	for s := range b.subs {
		s.push(cmd)
	}
	return nil
}

// Subscribe returns a subscription that receives every command published
// from now on, in order. On a closed bus the subscription's channel is
// already closed.
func (b *Bus) Subscribe() *Subscription {
	s := newSubscription(b)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.finish()
	} else {
		b.subs[s] = struct{}{}
	}
	go s.forward()
	return s
}

// Close stops the bus. Subscriptions deliver what they already hold and
// then close their channels. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.finish()
	}
	b.subs = make(map[*Subscription]struct{})
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

// Subscription is one consumer's view of the stream.
type Subscription struct {
	bus *Bus

	mu      sync.Mutex
	pending []types.Command

	notify chan struct{}
	out    chan types.Command
	drain  chan struct{}
	done   chan struct{}

	drainOnce sync.Once
	doneOnce  sync.Once
}

func newSubscription(b *Bus) *Subscription {
	return &Subscription{
		bus:    b,
		notify: make(chan struct{}, 1),
		out:    make(chan types.Command),
		drain:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// C returns the channel of commands. It is closed when the subscription or
// the bus is closed.
func (s *Subscription) C() <-chan types.Command {
	return s.out
}

// Close detaches the subscription and discards anything not yet received.
// Idempotent.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Subscription) push(cmd types.Command) {
	s.mu.Lock()
	s.pending = append(s.pending, cmd)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) finish() {
	s.drainOnce.Do(func() { close(s.drain) })
}

func (s *Subscription) forward() {
	defer close(s.out)
	for {
		select {
		case <-s.notify:
			if !s.flush() {
				return
			}
		case <-s.drain:
			s.flush()
			return
		case <-s.done:
			return
		}
	}
}

// flush delivers everything pending. It reports false if the subscription
// was closed while delivering.
func (s *Subscription) flush() bool {
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			return true
		}
		for _, cmd := range batch {
			select {
			case s.out <- cmd:
			case <-s.done:
				return false
			}
		}
	}
}
