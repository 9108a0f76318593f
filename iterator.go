package durablestreams

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/dstreams/client-go/internal/wire"
)

// Chunk represents one HTTP response body from the stream.
type Chunk struct {
	// NextOffset is the position after this chunk.
	// Use this for resumption/checkpointing.
	NextOffset Offset

	// Data is the raw bytes from this response.
	Data []byte

	// UpToDate is true if this chunk ends at stream head.
	UpToDate bool

	// Cursor for CDN collapsing (automatically propagated by iterator).
	Cursor string
}

// ChunkIterator iterates over raw byte chunks from the stream. Call
// Next() in a loop until it returns Done.
//
// ChunkIterator is a convenience wrapper around a Session and its
// pull-based byte consumer (BodyStream): it defers opening the session
// until the first Next() call, matching this type's historical
// lazy-connect behavior, but the catch-up/long-poll/SSE transport
// itself is driven entirely by the Session core.
//
// Always call Close() when done to release resources.
type ChunkIterator struct {
	stream  *Stream
	ctx     context.Context
	cancel  context.CancelFunc
	offset  Offset
	live    LiveMode
	cursor  string
	headers map[string]string
	timeout time.Duration

	mu      sync.Mutex
	closed  bool
	sess    *Session
	puller  *BytePuller
	openErr error

	// Public state accessible during iteration, updated after each
	// successful Next() call.
	Offset   Offset
	UpToDate bool
	Cursor   string
}

// Next returns the next chunk of bytes from the stream.
// Returns Done when iteration is complete (live=off and caught up).
// In live mode, blocks waiting for new data.
//
// Example:
//
//	for {
//	    chunk, err := it.Next()
//	    if errors.Is(err, durablestreams.Done) {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Printf("Got %d bytes at offset %s\n", len(chunk.Data), chunk.NextOffset)
//	}
func (it *ChunkIterator) Next() (*Chunk, error) {
	it.mu.Lock()
	if it.closed {
		it.mu.Unlock()
		return nil, ErrAlreadyClosed
	}
	needOpen := it.sess == nil && it.openErr == nil
	it.mu.Unlock()

	if needOpen {
		it.open()
	}

	it.mu.Lock()
	if it.openErr != nil {
		err := it.openErr
		it.mu.Unlock()
		return nil, err
	}
	puller := it.puller
	it.mu.Unlock()

	data, meta, err := puller.Next(it.ctx)
	if err != nil {
		if errors.Is(err, Done) {
			return nil, Done
		}
		if it.ctx.Err() != nil {
			return nil, it.ctx.Err()
		}
		return nil, newStreamError("read", it.stream.url, 0, err)
	}

	it.mu.Lock()
	it.offset = meta.Offset
	it.Offset = meta.Offset
	it.cursor = meta.Cursor
	it.Cursor = meta.Cursor
	it.UpToDate = meta.UpToDate
	it.mu.Unlock()

	return &Chunk{
		NextOffset: meta.Offset,
		Data:       data,
		UpToDate:   meta.UpToDate,
		Cursor:     meta.Cursor,
	}, nil
}

// open lazily issues the session's first request on the first Next()
// call, mirroring this iterator's historical deferred-connect contract.
func (it *ChunkIterator) open() {
	headers := wire.ValueMap{}
	for k, v := range it.headers {
		headers[k] = wire.Static(v)
	}
	params := wire.ValueMap{}
	if it.cursor != "" {
		params["cursor"] = wire.Static(it.cursor)
	}

	sess, err := OpenSession(it.ctx, SessionOptions{
		URL:             it.stream.url,
		Headers:         headers,
		Params:          params,
		Offset:          it.offset,
		Live:            it.live,
		Codec:           wire.New(it.stream.client.httpClient),
		LongPollTimeout: it.timeout,
	})

	it.mu.Lock()
	defer it.mu.Unlock()
	if err != nil {
		it.openErr = err
		return
	}
	it.sess = sess
	it.puller = sess.BodyStream()
}

// Close cancels the iterator and releases resources.
// Always call Close when done, even if iteration completed.
// Implements io.Closer.
func (it *ChunkIterator) Close() error {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.closed {
		return nil
	}
	it.closed = true

	if it.sess != nil {
		it.puller.Close()
		it.sess.Cancel(nil)
	}
	it.cancel()
	return nil
}

// Ensure ChunkIterator implements io.Closer
var _ io.Closer = (*ChunkIterator)(nil)
