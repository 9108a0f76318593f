package durablestreams

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// BatchedStream wraps a Stream to coalesce concurrent Append calls
// into a single HTTP request (spec.md §4.7 handle-level batching).
// While one batch is in flight, every Append that arrives joins the
// next batch instead of waiting for a free slot.
//
//	batched := durablestreams.NewBatchedStream(stream)
//	defer batched.Close()
//
//	// These may be coalesced into one request.
//	go batched.Append(ctx, []byte("a"))
//	go batched.Append(ctx, []byte("b"))
type BatchedStream struct {
	stream *Stream

	mu       sync.Mutex
	pending  []*pendingAppend
	inflight bool
	closed   bool

	// drained is signaled whenever inflight transitions to false, so
	// Close can wait for the last batch without busy-polling.
	drained *sync.Cond
}

// pendingAppend is one caller's Append, buffered until its batch sends.
type pendingAppend struct {
	ctx  context.Context
	data []byte
	seq  string

	// contentType is the stream's content type at the moment this
	// append was enqueued; sendBatch rejects a batch whose members
	// disagree, since a shared request can only carry one.
	contentType string

	done chan error
}

// NewBatchedStream wraps stream for coalesced appends. Call Close when
// done to release buffered goroutines.
func NewBatchedStream(stream *Stream) *BatchedStream {
	bs := &BatchedStream{stream: stream}
	bs.drained = sync.NewCond(&bs.mu)
	return bs
}

// Stream returns the wrapped stream.
func (bs *BatchedStream) Stream() *Stream {
	return bs.stream
}

// Append enqueues data and blocks until the batch containing it has
// been sent. Concurrent Append calls may share one HTTP request.
func (bs *BatchedStream) Append(ctx context.Context, data []byte, opts ...AppendOption) (*AppendResult, error) {
	if len(data) == 0 {
		return nil, newStreamError("append", bs.stream.url, 0, ErrEmptyAppend)
	}

	cfg := &appendConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	p := &pendingAppend{
		ctx:         ctx,
		data:        data,
		seq:         cfg.seq,
		contentType: bs.stream.contentType,
		done:        make(chan error, 1),
	}

	bs.mu.Lock()
	if bs.closed {
		bs.mu.Unlock()
		return nil, newStreamError("append", bs.stream.url, 0, ErrAlreadyClosed)
	}

	bs.pending = append(bs.pending, p)
	if !bs.inflight {
		bs.inflight = true
		batch := bs.pending
		bs.pending = nil
		bs.mu.Unlock()
		go bs.sendAndChain(batch)
	} else {
		bs.mu.Unlock()
	}

	select {
	case err := <-p.done:
		if err != nil {
			return nil, err
		}
		// A shared response only carries one offset for the whole
		// batch; individual members don't get their own NextOffset.
		return &AppendResult{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AppendJSON marshals v and appends it with the same batching as Append.
func (bs *BatchedStream) AppendJSON(ctx context.Context, v any, opts ...AppendOption) (*AppendResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, newStreamError("append", bs.stream.url, 0, fmt.Errorf("json marshal: %w", err))
	}
	return bs.Append(ctx, data, opts...)
}

// sendAndChain sends one batch and, if more appends queued up while it
// was in flight, immediately starts the next one on the same goroutine
// chain rather than returning control to a fresh dispatcher.
func (bs *BatchedStream) sendAndChain(batch []*pendingAppend) {
	err := bs.sendBatch(batch)
	for _, p := range batch {
		p.done <- err
	}

	bs.mu.Lock()
	if len(bs.pending) > 0 {
		next := bs.pending
		bs.pending = nil
		bs.mu.Unlock()
		go bs.sendAndChain(next)
		return
	}
	bs.inflight = false
	bs.drained.Broadcast()
	bs.mu.Unlock()
}

// sendBatch encodes batch as a single request body and sends it.
func (bs *BatchedStream) sendBatch(batch []*pendingAppend) error {
	if len(batch) == 0 {
		return nil
	}

	ctx := batch[0].ctx
	for _, p := range batch {
		if p.ctx.Err() != nil {
			return p.ctx.Err()
		}
	}

	contentType := bs.stream.contentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	for _, p := range batch {
		if p.contentType != "" && p.contentType != contentType {
			return newStreamError("append", bs.stream.url, 0, ErrContentTypeMismatch)
		}
	}

	var highestSeq string
	for i := len(batch) - 1; i >= 0; i-- {
		if batch[i].seq != "" {
			highestSeq = batch[i].seq
			break
		}
	}

	body, err := encodeBatchBody(batch, contentType)
	if err != nil {
		return newStreamError("append", bs.stream.url, 0, fmt.Errorf("batch encode: %w", err))
	}

	resp, err := bs.stream.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, bs.stream.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set(headerContentType, contentType)
		if highestSeq != "" {
			req.Header.Set(headerStreamSeq, highestSeq)
		}
		return req, nil
	})
	if err != nil {
		return newStreamError("append", bs.stream.url, 0, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return newStreamError("append", bs.stream.url, resp.StatusCode, ErrStreamNotFound)
	case http.StatusConflict:
		return newStreamError("append", bs.stream.url, resp.StatusCode, ErrSeqConflict)
	default:
		return newStreamError("append", bs.stream.url, resp.StatusCode, errorFromStatus(resp.StatusCode))
	}
}

// encodeBatchBody joins a batch's payloads into one request body: a
// JSON array for application/json streams, raw concatenation otherwise.
func encodeBatchBody(batch []*pendingAppend, contentType string) ([]byte, error) {
	if !isJSONContentType(contentType) {
		total := 0
		for _, p := range batch {
			total += len(p.data)
		}
		body := make([]byte, 0, total)
		for _, p := range batch {
			body = append(body, p.data...)
		}
		return body, nil
	}

	items := make([]json.RawMessage, len(batch))
	for i, p := range batch {
		items[i] = json.RawMessage(p.data)
	}
	return json.Marshal(items)
}

// Close stops accepting new appends and waits for any in-flight batch
// to finish.
func (bs *BatchedStream) Close() error {
	bs.mu.Lock()
	bs.closed = true
	for bs.inflight {
		bs.drained.Wait()
	}
	bs.mu.Unlock()
	return nil
}

// isJSONContentType reports whether ct names the JSON media type.
func isJSONContentType(ct string) bool {
	return ct == "application/json" || (len(ct) > 16 && ct[:16] == "application/json")
}
