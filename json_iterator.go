package durablestreams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Batch is one HTTP response's worth of parsed JSON items. A top-level
// JSON array in the body is flattened into Items; a single JSON object
// becomes a one-element Items slice.
type Batch[T any] struct {
	Items []T

	// NextOffset resumes iteration after this batch.
	NextOffset Offset

	// UpToDate is true once this batch reaches stream head.
	UpToDate bool

	// Cursor is the CDN-collapsing cursor in effect for this batch.
	Cursor string
}

// JSONBatchIterator decodes each response from an underlying
// ChunkIterator as JSON and yields it as a Batch. It predates the
// Session/consume.go pull surface and is kept for callers already
// wired to the Stream.Read/ReadJSON shape.
//
//	it := durablestreams.ReadJSON[Event](ctx, stream)
//	defer it.Close()
//	for {
//	    batch, err := it.Next()
//	    if errors.Is(err, durablestreams.Done) {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    for _, event := range batch.Items {
//	        process(event)
//	    }
//	}
type JSONBatchIterator[T any] struct {
	chunks *ChunkIterator

	Offset   Offset
	UpToDate bool
	Cursor   string
}

func newJSONBatchIterator[T any](chunks *ChunkIterator) *JSONBatchIterator[T] {
	return &JSONBatchIterator[T]{
		chunks:   chunks,
		Offset:   chunks.Offset,
		UpToDate: chunks.UpToDate,
		Cursor:   chunks.Cursor,
	}
}

// Next decodes and returns the next batch. Returns Done once the
// underlying chunk iterator is exhausted; blocks for new data in live
// mode.
func (it *JSONBatchIterator[T]) Next() (*Batch[T], error) {
	chunk, err := it.chunks.Next()
	if err != nil {
		return nil, err
	}

	// A 204 in live mode carries no body; surface it as an empty batch
	// rather than attempting to decode zero bytes.
	if len(chunk.Data) == 0 {
		it.Offset = chunk.NextOffset
		it.UpToDate = chunk.UpToDate
		it.Cursor = chunk.Cursor
		return &Batch[T]{
			NextOffset: chunk.NextOffset,
			UpToDate:   chunk.UpToDate,
			Cursor:     chunk.Cursor,
		}, nil
	}

	items, err := decodeJSONBatch[T](chunk.Data)
	if err != nil {
		return nil, newStreamError("read", it.chunks.stream.url, 0, fmt.Errorf("%w: %v", ErrParse, err))
	}

	it.Offset = chunk.NextOffset
	it.UpToDate = chunk.UpToDate
	it.Cursor = chunk.Cursor

	return &Batch[T]{
		Items:      items,
		NextOffset: chunk.NextOffset,
		UpToDate:   chunk.UpToDate,
		Cursor:     chunk.Cursor,
	}, nil
}

// Close releases the underlying chunk iterator. Implements io.Closer.
func (it *JSONBatchIterator[T]) Close() error {
	return it.chunks.Close()
}

var _ io.Closer = (*JSONBatchIterator[any])(nil)

// decodeJSONBatch decodes data as a top-level array, falling back to a
// single value wrapped in a one-element slice.
func decodeJSONBatch[T any](data []byte) ([]T, error) {
	var items []T
	if err := json.Unmarshal(data, &items); err == nil {
		return items, nil
	}

	var item T
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decode json batch: %w", err)
	}
	return []T{item}, nil
}

// ReadJSON opens a stream read and decodes each response as JSON.
// Only meaningful for streams whose content type is application/json.
func ReadJSON[T any](ctx context.Context, stream *Stream, opts ...ReadOption) *JSONBatchIterator[T] {
	return newJSONBatchIterator[T](stream.Read(ctx, opts...))
}

// Items flattens ReadJSON's batches into a channel of individual
// values. The items channel closes on clean completion; any error
// (including context cancellation) is delivered on errs instead.
func Items[T any](ctx context.Context, stream *Stream, opts ...ReadOption) (<-chan T, <-chan error) {
	items := make(chan T)
	errs := make(chan error, 1)

	go func() {
		defer close(items)
		defer close(errs)

		it := ReadJSON[T](ctx, stream, opts...)
		defer it.Close()

		for {
			batch, err := it.Next()
			if errors.Is(err, Done) {
				return
			}
			if err != nil {
				errs <- err
				return
			}

			for _, item := range batch.Items {
				select {
				case items <- item:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
	}()

	return items, errs
}
