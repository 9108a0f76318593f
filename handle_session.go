package durablestreams

import (
	"context"
	"time"

	"github.com/dstreams/client-go/internal/wire"
)

// OpenSession opens a read Session against this stream's URL, reusing
// the handle's client and any headers/params configured via
// ReadOption (spec.md §4.9: "Handle is for write-capable callers; its
// session factory reuses §4.4 with the handle's base URL, headers, and
// params").
func (s *Stream) OpenSession(ctx context.Context, opts ...ReadOption) (*Session, error) {
	cfg := &readConfig{
		offset:  StartOffset,
		live:    LiveModeNone,
		timeout: 65 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	live := cfg.live
	if live == LiveModeAuto {
		live = s.selectLiveMode()
	}

	headers := wire.ValueMap{}
	for k, v := range cfg.headers {
		headers[k] = wire.Static(v)
	}
	for k, v := range cfg.dynamicHeaders {
		headers[k] = v
	}

	params := wire.ValueMap{}
	for k, v := range cfg.params {
		params[k] = wire.Static(v)
	}
	for k, v := range cfg.dynamicParams {
		params[k] = v
	}
	if cfg.cursor != "" {
		params["cursor"] = wire.Static(cfg.cursor)
	}

	return OpenSession(ctx, SessionOptions{
		URL:             s.url,
		Headers:         headers,
		Params:          params,
		Offset:          cfg.offset,
		Live:            live,
		JSON:            cfg.jsonMode,
		CancelSignal:    cfg.cancelSignal,
		Codec:           wire.New(s.client.httpClient),
		Backoff:         cfg.backoff,
		OnError:         cfg.onError,
		Visibility:      cfg.visibility,
		InitiallyHidden: cfg.initiallyHidden,
		LongPollTimeout: cfg.timeout,
	})
}
