// Package fanout implements the durable streams consumption fan-out
// (spec.md §4.5): one dispatch bus per session publishing each Dispatch to
// every registered consumer — promise accumulators, pullable channels, and
// subscriber callbacks — and blocking the driver until all of them have
// finished handling it.
package fanout

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Dispatch is one unit the bus publishes. It mirrors spec.md §3: a single
// server response (or SSE event) becomes exactly one Dispatch. Consumers
// receive the same *Dispatch object (zero-copy) and must not mutate it.
type Dispatch struct {
	Offset   string
	Cursor   string
	UpToDate bool
	Data     []byte            // raw bytes; nil for an empty dispatch
	Items    []json.RawMessage // in json content mode, the flattened top-level array elements
	Closed   bool              // terminal: no further dispatches will be published
	Err      error             // set on the terminal error dispatch, if any
}

// Subscriber is a callback consumer. Returning ends its handling of this
// Dispatch; the bus will not issue the next publish until every active
// subscriber has returned.
type Subscriber func(ctx context.Context, d *Dispatch) error

// Unsubscribe removes a previously registered consumer. Safe to call more
// than once.
type Unsubscribe func()

// Bus is the single-writer (driver) / multiple-reader (consumers) dispatch
// bus owned by one session. It has no global state; every Bus is
// independent.
type Bus struct {
	mu          sync.Mutex
	nextID      int
	subscribers map[int]Subscriber
	pullers     map[int]chan *Dispatch
	accumulate  map[int]func(*Dispatch)
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[int]Subscriber),
		pullers:     make(map[int]chan *Dispatch),
		accumulate:  make(map[int]func(*Dispatch)),
	}
}

// ActiveConsumers reports whether any consumer is currently registered. A
// session with zero active consumers pauses after the parked first response
// is consumed (spec.md §4.5).
func (b *Bus) ActiveConsumers() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)+len(b.pullers)+len(b.accumulate) > 0
}

// Subscribe registers a callback consumer. Each Publish blocks until the
// callback returns for that Dispatch.
func (b *Bus) Subscribe(fn Subscriber) Unsubscribe {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

// Puller is a pull-based consumer: one Dispatch delivered per Pull call.
// The next network fetch is deferred until every active puller has drained
// (received) the current Dispatch, per spec.md §4.5.
type Puller struct {
	bus *Bus
	id  int
	ch  chan *Dispatch
}

// PullChannel registers a new pull consumer.
func (b *Bus) PullChannel() *Puller {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan *Dispatch)
	b.pullers[id] = ch
	b.mu.Unlock()

	return &Puller{bus: b, id: id, ch: ch}
}

// Pull blocks until a Dispatch is published, or ctx is done.
func (p *Puller) Pull(ctx context.Context) (*Dispatch, error) {
	select {
	case d, ok := <-p.ch:
		if !ok {
			return nil, context.Canceled
		}
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unsubscribes the puller; it becomes eligible for garbage collection
// and no longer blocks Publish.
func (p *Puller) Close() {
	p.bus.mu.Lock()
	delete(p.bus.pullers, p.id)
	p.bus.mu.Unlock()
}

// Accumulator registers a promise-style consumer: it is fed every Dispatch
// synchronously (counts as completed immediately, per spec.md §4.5) via fn,
// and is expected to latch a terminal value itself when it observes
// UpToDate or Closed.
func (b *Bus) Accumulator(fn func(*Dispatch)) Unsubscribe {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.accumulate[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.accumulate, id)
		b.mu.Unlock()
	}
}

// Publish delivers d to every registered consumer and blocks until all of
// them have completed handling it: accumulators synchronously, subscribers
// until their callback returns, and pullers until each has received d on its
// channel. This is the sole source of backpressure in the session (spec.md
// §5): the driver must not issue its next request until Publish returns.
func (b *Bus) Publish(ctx context.Context, d *Dispatch) error {
	b.mu.Lock()
	for _, fn := range b.accumulate {
		fn(d)
	}
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	pullChans := make([]chan *Dispatch, 0, len(b.pullers))
	for _, ch := range b.pullers {
		pullChans = append(pullChans, ch)
	}
	b.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range subs {
		s := s
		g.Go(func() error {
			return s(gctx, d)
		})
	}
	for _, ch := range pullChans {
		ch := ch
		g.Go(func() error {
			select {
			case ch <- d:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// CloseAll unsubscribes every consumer. Called when the session transitions
// to Closed so no consumer can be mistaken for still-active.
func (b *Bus) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[int]Subscriber)
	for _, ch := range b.pullers {
		close(ch)
	}
	b.pullers = make(map[int]chan *Dispatch)
	b.accumulate = make(map[int]func(*Dispatch))
}
