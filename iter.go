//go:build go1.23

package durablestreams

import (
	"context"
	"errors"
	"iter"
)

// Chunks adapts Stream.Read to Go's range-over-func iterator shape.
//
//	for chunk, err := range stream.Chunks(ctx) {
//	    if err != nil {
//	        return err
//	    }
//	    process(chunk.Data)
//	}
func (s *Stream) Chunks(ctx context.Context, opts ...ReadOption) iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		it := s.Read(ctx, opts...)
		defer it.Close()

		for {
			chunk, err := it.Next()
			if errors.Is(err, Done) {
				return
			}
			if !yield(chunk, err) || err != nil {
				return
			}
		}
	}
}

// JSONItems adapts ReadJSON to a range-over-func iterator over
// individual, flattened items.
//
//	for event, err := range durablestreams.JSONItems[Event](ctx, stream) {
//	    if err != nil {
//	        return err
//	    }
//	    process(event)
//	}
func JSONItems[T any](ctx context.Context, stream *Stream, opts ...ReadOption) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		it := ReadJSON[T](ctx, stream, opts...)
		defer it.Close()

		for {
			batch, err := it.Next()
			if errors.Is(err, Done) {
				return
			}
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}

			for _, item := range batch.Items {
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}

// JSONBatches adapts ReadJSON to a range-over-func iterator over whole
// batches, one per underlying HTTP response.
//
//	for batch, err := range durablestreams.JSONBatches[Event](ctx, stream) {
//	    if err != nil {
//	        return err
//	    }
//	    for _, event := range batch.Items {
//	        process(event)
//	    }
//	}
func JSONBatches[T any](ctx context.Context, stream *Stream, opts ...ReadOption) iter.Seq2[*Batch[T], error] {
	return func(yield func(*Batch[T], error) bool) {
		it := ReadJSON[T](ctx, stream, opts...)
		defer it.Close()

		for {
			batch, err := it.Next()
			if errors.Is(err, Done) {
				return
			}
			if !yield(batch, err) || err != nil {
				return
			}
		}
	}
}
