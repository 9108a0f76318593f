package durablestreams

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dstreams/client-go/internal/fanout"
)

// DispatchMeta carries the protocol state attached to a Dispatch,
// exposed to subscribers and pull consumers alongside the payload.
type DispatchMeta struct {
	Offset   Offset
	Cursor   string
	UpToDate bool
}

func metaOf(d *fanout.Dispatch) DispatchMeta {
	return DispatchMeta{Offset: Offset(d.Offset), Cursor: d.Cursor, UpToDate: d.UpToDate}
}

// =============================================================================
// Promise accumulators (spec.md §4.5)
// =============================================================================

// Body accumulates every byte-mode dispatch and resolves on the first
// UpToDate, or when the session closes. If live=auto, this call
// resolves it to off.
func (s *Session) Body(ctx context.Context) ([]byte, error) {
	var buf []byte
	done := make(chan error, 1)
	var once sync.Once
	unsub := s.bus.Accumulator(func(d *fanout.Dispatch) {
		if d.Closed {
			once.Do(func() { done <- d.Err })
			return
		}
		buf = append(buf, d.Data...)
		if d.UpToDate {
			once.Do(func() { done <- nil })
		}
	})
	defer unsub()
	s.ensureConsuming(true)

	select {
	case err := <-done:
		return buf, err
	case <-ctx.Done():
		return buf, ctx.Err()
	case <-s.closeCh:
		return buf, s.Err()
	}
}

// Text is Body decoded as UTF-8. Per spec.md §8's round-trip law,
// Text(ctx) == string(Body(ctx)) for valid UTF-8 streams.
func (s *Session) Text(ctx context.Context) (string, error) {
	b, err := s.Body(ctx)
	return string(b), err
}

// JSON accumulates every dispatch's flattened top-level array items as
// T, resolving on the first UpToDate. Fails with ErrWrongContentMode if
// the session is not in json content mode.
func JSON[T any](ctx context.Context, s *Session) ([]T, error) {
	if s.ContentMode() != ContentModeJSON {
		return nil, ErrWrongContentMode
	}
	var items []T
	done := make(chan error, 1)
	var once sync.Once
	unsub := s.bus.Accumulator(func(d *fanout.Dispatch) {
		if d.Closed {
			once.Do(func() { done <- d.Err })
			return
		}
		for _, raw := range d.Items {
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				once.Do(func() { done <- err })
				return
			}
			items = append(items, v)
		}
		if d.UpToDate {
			once.Do(func() { done <- nil })
		}
	})
	defer unsub()
	s.ensureConsuming(true)

	select {
	case err := <-done:
		return items, err
	case <-ctx.Done():
		return items, ctx.Err()
	case <-s.closeCh:
		return items, s.Err()
	}
}

// =============================================================================
// Pullable channels (spec.md §4.5)
// =============================================================================

// BytePuller is a pull-based byte consumer: one chunk per Next call. The
// driver's next request is deferred until every active puller has
// drained the current dispatch.
type BytePuller struct {
	puller *fanout.Puller
}

// BodyStream opens a pull-based byte consumer.
func (s *Session) BodyStream() *BytePuller {
	s.ensureConsuming(false)
	return &BytePuller{puller: s.bus.PullChannel()}
}

// Next blocks for the next dispatch. Returns Done when the session has
// closed cleanly and there is nothing left to drain.
func (p *BytePuller) Next(ctx context.Context) ([]byte, DispatchMeta, error) {
	d, err := p.puller.Pull(ctx)
	if err != nil {
		return nil, DispatchMeta{}, err
	}
	if d.Closed {
		if d.Err != nil {
			return nil, DispatchMeta{}, d.Err
		}
		return nil, DispatchMeta{}, Done
	}
	return d.Data, metaOf(d), nil
}

// Close unsubscribes the puller.
func (p *BytePuller) Close() { p.puller.Close() }

// TextPuller is BytePuller decoded as UTF-8 text per chunk.
type TextPuller struct{ bp *BytePuller }

// TextStream opens a pull-based text consumer.
func (s *Session) TextStream() *TextPuller {
	return &TextPuller{bp: s.BodyStream()}
}

// Next blocks for the next chunk, decoded as a string.
func (p *TextPuller) Next(ctx context.Context) (string, DispatchMeta, error) {
	b, meta, err := p.bp.Next(ctx)
	return string(b), meta, err
}

// Close unsubscribes the puller.
func (p *TextPuller) Close() { p.bp.Close() }

// JSONPuller is a pull-based consumer of typed JSON items, one batch
// (the flattened items from one dispatch) per Next call.
type JSONPuller[T any] struct {
	s      *Session
	puller *fanout.Puller
}

// JSONStream opens a pull-based typed JSON consumer. Fails with
// ErrWrongContentMode if the session is not in json content mode.
func JSONStream[T any](s *Session) (*JSONPuller[T], error) {
	if s.ContentMode() != ContentModeJSON {
		return nil, ErrWrongContentMode
	}
	s.ensureConsuming(false)
	return &JSONPuller[T]{s: s, puller: s.bus.PullChannel()}, nil
}

// Next blocks for the next batch of typed items.
func (p *JSONPuller[T]) Next(ctx context.Context) ([]T, DispatchMeta, error) {
	d, err := p.puller.Pull(ctx)
	if err != nil {
		return nil, DispatchMeta{}, err
	}
	if d.Closed {
		if d.Err != nil {
			return nil, DispatchMeta{}, d.Err
		}
		return nil, DispatchMeta{}, Done
	}
	items := make([]T, 0, len(d.Items))
	for _, raw := range d.Items {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, DispatchMeta{}, err
		}
		items = append(items, v)
	}
	return items, metaOf(d), nil
}

// Close unsubscribes the puller.
func (p *JSONPuller[T]) Close() { p.puller.Close() }

// =============================================================================
// Subscribers (spec.md §4.5)
// =============================================================================

// BytesSubscriber is invoked for every byte-mode dispatch. The session
// does not issue the next request until the callback returns.
type BytesSubscriber func(ctx context.Context, data []byte, meta DispatchMeta) error

// SubscribeBytes registers fn as a byte-mode subscriber and returns an
// unsubscribe handle.
func (s *Session) SubscribeBytes(fn BytesSubscriber) Unsubscribe {
	s.ensureConsuming(false)
	return Unsubscribe(s.bus.Subscribe(func(ctx context.Context, d *fanout.Dispatch) error {
		if d.Closed {
			return nil
		}
		return fn(ctx, d.Data, metaOf(d))
	}))
}

// TextSubscriber is invoked for every dispatch decoded as UTF-8 text.
type TextSubscriber func(ctx context.Context, text string, meta DispatchMeta) error

// SubscribeText registers fn as a text subscriber.
func (s *Session) SubscribeText(fn TextSubscriber) Unsubscribe {
	s.ensureConsuming(false)
	return Unsubscribe(s.bus.Subscribe(func(ctx context.Context, d *fanout.Dispatch) error {
		if d.Closed {
			return nil
		}
		return fn(ctx, string(d.Data), metaOf(d))
	}))
}

// JSONSubscriber is invoked with the flattened typed items of every
// dispatch.
type JSONSubscriber[T any] func(ctx context.Context, items []T, meta DispatchMeta) error

// SubscribeJSON registers fn as a typed JSON subscriber. Fails with
// ErrWrongContentMode if the session is not in json content mode.
func SubscribeJSON[T any](s *Session, fn JSONSubscriber[T]) (Unsubscribe, error) {
	if s.ContentMode() != ContentModeJSON {
		return nil, ErrWrongContentMode
	}
	s.ensureConsuming(false)
	return Unsubscribe(s.bus.Subscribe(func(ctx context.Context, d *fanout.Dispatch) error {
		if d.Closed {
			return nil
		}
		items := make([]T, 0, len(d.Items))
		for _, raw := range d.Items {
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			items = append(items, v)
		}
		return fn(ctx, items, metaOf(d))
	})), nil
}

// Unsubscribe removes a previously registered consumer. Safe to call
// more than once.
type Unsubscribe func()
