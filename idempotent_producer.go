package durablestreams

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/creasty/defaults"
	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/dstreams/client-go/internal/wire"
)

// normalizeContentType extracts media type before semicolon and lowercases.
func normalizeContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	idx := strings.Index(contentType, ";")
	if idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.TrimSpace(strings.ToLower(contentType))
}

// Producer header constants
const (
	headerProducerID          = "Producer-Id"
	headerProducerEpoch       = "Producer-Epoch"
	headerProducerSeq         = "Producer-Seq"
	headerProducerExpectedSeq = "Producer-Expected-Seq"
	headerProducerReceivedSeq = "Producer-Received-Seq"
)

// Errors for idempotent producer operations
var (
	// ErrProducerClosed is returned when append is called on a closed producer.
	ErrProducerClosed = errors.New("producer is closed")

	// ErrStaleEpoch is returned when the producer's epoch is stale (zombie fencing).
	ErrStaleEpoch = errors.New("producer epoch is stale")

	// ErrSequenceGap is returned when a sequence gap is detected.
	ErrSequenceGap = errors.New("sequence gap detected")

	// ErrAutoClaimConcurrency is returned when autoClaim is enabled with maxInFlight > 1.
	ErrAutoClaimConcurrency = errors.New("autoClaim requires MaxInFlight=1; concurrent batches would race to claim epochs")
)

// StaleEpochError provides details about a stale epoch rejection.
type StaleEpochError struct {
	// CurrentEpoch is the epoch the server has for this producer.
	CurrentEpoch int
}

func (e *StaleEpochError) Error() string {
	return fmt.Sprintf("producer epoch is stale: server has epoch %d", e.CurrentEpoch)
}

func (e *StaleEpochError) Unwrap() error {
	return ErrStaleEpoch
}

// SequenceGapError provides details about a sequence gap.
type SequenceGapError struct {
	ExpectedSeq int
	ReceivedSeq int
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap: expected %d, received %d", e.ExpectedSeq, e.ReceivedSeq)
}

func (e *SequenceGapError) Unwrap() error {
	return ErrSequenceGap
}

// IdempotentAppendResult contains the result of an idempotent append.
type IdempotentAppendResult struct {
	// Offset is the stream offset after append (empty for duplicates).
	Offset Offset

	// Duplicate is true if this was a duplicate (204 response).
	Duplicate bool
}

// pendingEntry represents a message waiting to be batched and sent. result
// is nil for fire-and-forget (AppendAsync) entries.
type pendingEntry struct {
	data     []byte
	jsonData json.RawMessage // valid JSON value, when the producer is in JSON mode
	result   chan idempotentResult
}

type idempotentResult struct {
	result IdempotentAppendResult
	err    error
}

// appendRequest is what Append/AppendAsync hand to the producer's
// single-writer loop over appendCh.
type appendRequest struct {
	entry pendingEntry
}

// batchResult is what a background send reports back to the loop over
// ackCh, tagged with the seq it was sent under so the loop can apply acks
// in order even though sends are pipelined.
type batchResult struct {
	seq    int
	batch  []pendingEntry
	result IdempotentAppendResult
	err    error
}

// IdempotentProducerConfig configures an idempotent producer.
type IdempotentProducerConfig struct {
	// Epoch is the starting epoch (default 0).
	Epoch int

	// AutoClaim enables automatic epoch claiming on 403. Requires
	// MaxInFlight=1 (enforced at construction time).
	AutoClaim bool `default:"false"`

	// MaxBatchBytes is the maximum batch size before sending (default 1MB).
	MaxBatchBytes int `default:"1048576"`

	// LingerMs is the maximum time to wait before sending a batch (default 5ms).
	LingerMs int `default:"5"`

	// MaxInFlight is the maximum concurrent batches (default 5).
	MaxInFlight int `default:"5"`

	// ContentType is the content type for appends (default "application/octet-stream").
	ContentType string `default:"application/octet-stream"`

	// OnError is called when a batch fails. Use with AppendAsync for fire-and-forget.
	// If nil, errors are only returned from Append (blocking) or discarded by AppendAsync.
	OnError func(error)
}

// DefaultIdempotentProducerConfig returns the default configuration.
func DefaultIdempotentProducerConfig() IdempotentProducerConfig {
	cfg := IdempotentProducerConfig{}
	defaults.Set(&cfg)
	return cfg
}

// IdempotentProducer provides exactly-once write semantics using Kafka-style
// producer IDs, epochs, and sequence numbers.
//
// All mutable batching/sequencing state (pendingBatch, nextSeq, epoch,
// inFlight) is owned by a single goroutine (run) reached only through
// appendCh/flushCh/closeCh/restartCh/ackCh; callers never touch it
// directly, so none of that state needs a mutex. Sends themselves are
// pipelined across a bounded gammazero/workerpool, and acks are re-ordered
// by seq before being delivered so a caller's Append always resolves no
// earlier than an earlier-sequenced Append, even though the underlying
// requests may complete out of order.
//
// Features:
//   - Fire-and-forget: AppendAsync returns immediately, batches in background
//   - Exactly-once: Server deduplicates using (producerId, epoch, seq)
//   - Batching: Multiple appends batched into single HTTP request
//   - Pipelining: Up to MaxInFlight concurrent batches
//   - Zombie fencing: Stale producers rejected via epoch validation
//
// Example:
//
//	producer, err := client.IdempotentProducer(streamURL, "", IdempotentProducerConfig{
//	    Epoch:       0,
//	    AutoClaim:   true,
//	    MaxInFlight: 1,
//	})
//	defer producer.Close()
//
//	result1, err := producer.Append(ctx, []byte("message 1"))
//	result2, err := producer.Append(ctx, []byte("message 2"))
//
//	err = producer.Flush(ctx)
type IdempotentProducer struct {
	url        string
	producerID string
	client     *Client
	config     IdempotentProducerConfig
	codec      *wire.Codec

	pool *workerpool.WorkerPool
	sem  *semaphore.Weighted

	appendCh  chan *appendRequest
	flushCh   chan chan struct{}
	closeCh   chan chan struct{}
	restartCh chan chan error
	ackCh     chan batchResult
	loopDone  chan struct{}
	closed    atomic.Bool

	// loop-owned state; read only from inside run().
	pendingBatch []pendingEntry
	batchBytes   int
	epoch        int
	nextSeq      int
	inFlight     int

	snapMu sync.RWMutex
	snap   producerSnapshot
}

type producerSnapshot struct {
	epoch, nextSeq, pendingCount, inFlight int
}

// IdempotentProducer creates a new idempotent producer for a stream. If
// producerID is empty, a random one is generated (google/uuid). Returns an
// error if autoClaim is enabled with MaxInFlight > 1 (unsafe configuration:
// concurrent batches would race to claim epochs).
func (c *Client) IdempotentProducer(url, producerID string, config IdempotentProducerConfig) (*IdempotentProducer, error) {
	if err := defaults.Set(&config); err != nil {
		return nil, fmt.Errorf("durablestreams: apply producer defaults: %w", err)
	}

	if config.AutoClaim && config.MaxInFlight > 1 {
		return nil, ErrAutoClaimConcurrency
	}

	if producerID == "" {
		producerID = uuid.NewString()
	}

	p := &IdempotentProducer{
		url:        url,
		producerID: producerID,
		client:     c,
		config:     config,
		codec:      wire.New(c.httpClient),
		pool:       workerpool.New(config.MaxInFlight),
		sem:        semaphore.NewWeighted(int64(config.MaxInFlight)),
		appendCh:   make(chan *appendRequest),
		flushCh:    make(chan chan struct{}),
		closeCh:    make(chan chan struct{}),
		restartCh:  make(chan chan error),
		ackCh:      make(chan batchResult),
		loopDone:   make(chan struct{}),
		epoch:      config.Epoch,
	}
	p.updateSnapshot()
	go p.run()
	return p, nil
}

// Epoch returns the current epoch.
func (p *IdempotentProducer) Epoch() int {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()
	return p.snap.epoch
}

// NextSeq returns the next sequence number to be assigned.
func (p *IdempotentProducer) NextSeq() int {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()
	return p.snap.nextSeq
}

// PendingCount returns the number of messages in the pending batch.
func (p *IdempotentProducer) PendingCount() int {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()
	return p.snap.pendingCount
}

// InFlightCount returns the number of batches currently in flight.
func (p *IdempotentProducer) InFlightCount() int {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()
	return p.snap.inFlight
}

func (p *IdempotentProducer) updateSnapshot() {
	p.snapMu.Lock()
	p.snap = producerSnapshot{
		epoch:        p.epoch,
		nextSeq:      p.nextSeq,
		pendingCount: len(p.pendingBatch),
		inFlight:     p.inFlight,
	}
	p.snapMu.Unlock()
}

// newEntry validates data against the configured content type and builds a
// pendingEntry ready to hand to the loop.
func (p *IdempotentProducer) newEntry(data []byte) (pendingEntry, error) {
	if normalizeContentType(p.config.ContentType) == "application/json" {
		if !json.Valid(data) {
			return pendingEntry{}, newStreamError("append", p.url, 0, fmt.Errorf("invalid JSON"))
		}
		return pendingEntry{data: data, jsonData: json.RawMessage(data)}, nil
	}
	return pendingEntry{data: data}, nil
}

// Append adds data to the stream with exactly-once semantics. The message
// is batched and sent when MaxBatchBytes is reached, LingerMs elapses, or
// Flush is called. Returns once the batch containing this message is
// acknowledged, in seq order relative to other Append calls.
func (p *IdempotentProducer) Append(ctx context.Context, data []byte) (*IdempotentAppendResult, error) {
	if p.closed.Load() {
		return nil, ErrProducerClosed
	}
	entry, err := p.newEntry(data)
	if err != nil {
		return nil, err
	}
	entry.result = make(chan idempotentResult, 1)

	select {
	case p.appendCh <- &appendRequest{entry: entry}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.loopDone:
		return nil, ErrProducerClosed
	}

	select {
	case res := <-entry.result:
		if res.err != nil {
			return nil, res.err
		}
		return &res.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.loopDone:
		return nil, ErrProducerClosed
	}
}

// AppendAsync adds data to the stream without waiting for acknowledgment.
// Errors are reported via OnError if configured. Returns ErrProducerClosed
// if the producer is closed.
func (p *IdempotentProducer) AppendAsync(data []byte) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	entry, err := p.newEntry(data)
	if err != nil {
		return err
	}

	select {
	case p.appendCh <- &appendRequest{entry: entry}:
		return nil
	case <-p.loopDone:
		return ErrProducerClosed
	}
}

// Flush sends any pending batch and waits for all in-flight batches to
// complete.
func (p *IdempotentProducer) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case p.flushCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.loopDone:
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.loopDone:
		return nil
	}
}

// Close flushes pending messages and closes the producer. After Close,
// further Append/AppendAsync calls return ErrProducerClosed.
func (p *IdempotentProducer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	done := make(chan struct{})
	select {
	case p.closeCh <- done:
	case <-p.loopDone:
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	select {
	case <-done:
	case <-ctx.Done():
	case <-p.loopDone:
	}
	return nil
}

// Restart flushes, then increments the epoch and resets the sequence. Call
// this when restarting the producer to establish a new session.
func (p *IdempotentProducer) Restart(ctx context.Context) error {
	if err := p.Flush(ctx); err != nil {
		return err
	}

	done := make(chan error, 1)
	select {
	case p.restartCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.loopDone:
		return ErrProducerClosed
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the producer's single writer: it owns pendingBatch/epoch/nextSeq/
// inFlight and is the only goroutine that ever mutates them. Everything
// else (Append, Flush, Close, background sends) talks to it over channels.
func (p *IdempotentProducer) run() {
	defer close(p.loopDone)
	defer p.pool.StopWait()

	pendingAcks := map[int]batchResult{}
	nextAckSeq := 0
	closing := false
	var lingerTimer *time.Timer
	var closeWaiters, flushWaiters []chan struct{}

	drained := func() bool {
		return len(p.pendingBatch) == 0 && p.inFlight == 0 && len(pendingAcks) == 0
	}
	wakeWaiters := func() {
		if !drained() {
			return
		}
		for _, w := range flushWaiters {
			close(w)
		}
		flushWaiters = nil
		if closing {
			for _, w := range closeWaiters {
				close(w)
			}
			closeWaiters = nil
		}
	}

	for {
		var timerC <-chan time.Time
		if lingerTimer != nil {
			timerC = lingerTimer.C
		}

		select {
		case req := <-p.appendCh:
			if closing {
				if req.entry.result != nil {
					req.entry.result <- idempotentResult{err: ErrProducerClosed}
				}
				continue
			}
			p.pendingBatch = append(p.pendingBatch, req.entry)
			p.batchBytes += len(req.entry.data)
			p.updateSnapshot()

			if p.batchBytes >= p.config.MaxBatchBytes {
				if lingerTimer != nil {
					lingerTimer.Stop()
					lingerTimer = nil
				}
				p.submitBatch()
			} else if lingerTimer == nil {
				lingerTimer = time.NewTimer(time.Duration(p.config.LingerMs) * time.Millisecond)
			}

		case <-timerC:
			lingerTimer = nil
			if len(p.pendingBatch) > 0 {
				p.submitBatch()
			}

		case res := <-p.ackCh:
			pendingAcks[res.seq] = res
			for {
				r, ok := pendingAcks[nextAckSeq]
				if !ok {
					break
				}
				delete(pendingAcks, nextAckSeq)
				if !p.applyAck(r) {
					// a stale-epoch auto-claim resend of this batch is in
					// flight, tagged seq 0; its ack is the next one applied
					nextAckSeq = 0
					break
				}
				nextAckSeq++
				p.inFlight--
				p.updateSnapshot()
			}
			wakeWaiters()

		case done := <-p.flushCh:
			if lingerTimer != nil {
				lingerTimer.Stop()
				lingerTimer = nil
			}
			if len(p.pendingBatch) > 0 {
				p.submitBatch()
			}
			if drained() {
				close(done)
			} else {
				flushWaiters = append(flushWaiters, done)
			}

		case done := <-p.restartCh:
			p.epoch++
			p.nextSeq = 0
			nextAckSeq = 0
			p.updateSnapshot()
			done <- nil

		case done := <-p.closeCh:
			closing = true
			if lingerTimer != nil {
				lingerTimer.Stop()
				lingerTimer = nil
			}
			if len(p.pendingBatch) > 0 {
				p.submitBatch()
			}
			if drained() {
				close(done)
				return
			}
			closeWaiters = append(closeWaiters, done)
		}
	}
}

// submitBatch takes the current pending batch and hands it to the worker
// pool for sending. Caller must be the run loop.
func (p *IdempotentProducer) submitBatch() {
	batch := p.pendingBatch
	seq := p.nextSeq
	epoch := p.epoch

	p.pendingBatch = nil
	p.batchBytes = 0
	p.nextSeq++
	p.inFlight++
	p.updateSnapshot()

	p.sendBatch(seq, epoch, batch)
}

// sendBatch submits one send to the bounded worker pool. Each pooled task
// holds one unit of the MaxInFlight-weighted semaphore for the duration of
// its send; the worker pool's own size also bounds concurrent sends to
// MaxInFlight. Flush and Close do not use the semaphore: they wait for
// drain through the run loop's flush/close waiters.
func (p *IdempotentProducer) sendBatch(seq, epoch int, batch []pendingEntry) {
	p.pool.Submit(func() {
		ctx := context.Background()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.ackCh <- batchResult{seq: seq, batch: batch, err: err}
			return
		}
		defer p.sem.Release(1)

		result, err := p.doSendBatch(ctx, batch, seq, epoch)
		p.ackCh <- batchResult{seq: seq, batch: batch, result: result, err: err}
	})
}

// applyAck delivers one batch's result to its waiting entries, in seq
// order. Returns false if a stale-epoch auto-claim resend was submitted
// instead of finalizing this seq — the caller must wait for that resend's
// ack (tagged with seq 0, the seq it is sent under) before advancing.
func (p *IdempotentProducer) applyAck(r batchResult) bool {
	var stale *StaleEpochError
	if r.err != nil && errors.As(r.err, &stale) && p.config.AutoClaim {
		newEpoch := stale.CurrentEpoch + 1
		log.WithField("producer_id", p.producerID).
			WithField("new_epoch", newEpoch).
			Warn("durablestreams: auto-claiming epoch after stale-epoch rejection")
		p.epoch = newEpoch
		p.nextSeq = 1 // the resend uses seq 0
		p.updateSnapshot()
		p.sendBatch(0, newEpoch, r.batch)
		return false
	}

	if r.err != nil {
		log.WithField("producer_id", p.producerID).
			WithField("seq", r.seq).
			WithError(r.err).
			Error("durablestreams: batch send failed")
		if p.config.OnError != nil {
			p.config.OnError(r.err)
		}
	}

	res := idempotentResult{err: r.err}
	if r.err == nil {
		res.result = r.result
	}
	for _, e := range r.batch {
		if e.result != nil {
			select {
			case e.result <- res:
			default:
			}
		}
	}
	return true
}

// doSendBatch sends a single batch to the server and classifies the
// response. It makes no retry decisions of its own — that is the run
// loop's job (ordinary retries are not attempted; only an auto-claim
// stale-epoch resend is, via applyAck).
func (p *IdempotentProducer) doSendBatch(ctx context.Context, batch []pendingEntry, seq, epoch int) (IdempotentAppendResult, error) {
	isJSON := normalizeContentType(p.config.ContentType) == "application/json"

	var body []byte
	if isJSON {
		// Always sent as an array (server flattens one level): a single
		// append becomes [value], multiple appends become [v1, v2, ...].
		values := make([]json.RawMessage, len(batch))
		for i, e := range batch {
			values[i] = e.jsonData
		}
		var err error
		body, err = json.Marshal(values)
		if err != nil {
			return IdempotentAppendResult{}, fmt.Errorf("json batch encode: %w", err)
		}
	} else {
		var total int
		for _, e := range batch {
			total += len(e.data)
		}
		body = make([]byte, 0, total)
		for _, e := range batch {
			body = append(body, e.data...)
		}
	}

	headers := map[string]string{
		headerContentType:   p.config.ContentType,
		headerProducerID:    p.producerID,
		headerProducerEpoch: strconv.Itoa(epoch),
		headerProducerSeq:   strconv.Itoa(seq),
	}

	resp, err := p.codec.Do(ctx, http.MethodPost, p.url, headers, nil, bytes.NewReader(body))
	if err != nil {
		return IdempotentAppendResult{}, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return IdempotentAppendResult{Duplicate: true}, nil

	case http.StatusOK:
		return IdempotentAppendResult{Offset: Offset(resp.Header.Get(headerStreamOffset))}, nil

	case http.StatusForbidden:
		currentEpoch := epoch
		if v := resp.Header.Get(headerProducerEpoch); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				currentEpoch = parsed
			}
		}
		return IdempotentAppendResult{}, &StaleEpochError{CurrentEpoch: currentEpoch}

	case http.StatusConflict:
		expectedSeq, receivedSeq := 0, seq
		if v := resp.Header.Get(headerProducerExpectedSeq); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				expectedSeq = parsed
			}
		}
		if v := resp.Header.Get(headerProducerReceivedSeq); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				receivedSeq = parsed
			}
		}
		return IdempotentAppendResult{}, &SequenceGapError{ExpectedSeq: expectedSeq, ReceivedSeq: receivedSeq}

	case http.StatusBadRequest:
		return IdempotentAppendResult{}, newStreamError("append", p.url, resp.StatusCode, ErrBadRequest)

	default:
		return IdempotentAppendResult{}, newStreamError("append", p.url, resp.StatusCode, errorFromStatus(resp.StatusCode))
	}
}
