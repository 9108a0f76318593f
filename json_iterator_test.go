package durablestreams

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dstreams/client-go/durablestreamstest"
)

// TestReadJSONFlattensArrayBatches exercises the legacy ReadJSON/Batch
// iterator directly against a JSON stream, independent of the Session
// API covered in session_test.go.
func TestReadJSONFlattensArrayBatches(t *testing.T) {
	server := durablestreamstest.NewMockServer()
	defer server.Close()

	client := NewClient(WithHTTPClient(server.HTTPClient()))
	stream := client.Stream(server.URL() + "/json-iter")

	ctx := context.Background()
	require.NoError(t, stream.Create(ctx, WithContentType("application/json")))
	_, err := stream.Append(ctx, []byte(`[{"id":1},{"id":2}]`))
	require.NoError(t, err)

	it := ReadJSON[item](ctx, stream, WithOffset(StartOffset))
	defer it.Close()

	batch, err := it.Next()
	require.NoError(t, err)
	require.Equal(t, []item{{ID: 1}, {ID: 2}}, batch.Items)
	require.True(t, batch.UpToDate)

	_, err = it.Next()
	require.ErrorIs(t, err, Done)
}

// TestItemsChannelFlattensAcrossBatches verifies Items drains every
// item from a multi-append stream in order over its channel pair.
func TestItemsChannelFlattensAcrossBatches(t *testing.T) {
	server := durablestreamstest.NewMockServer()
	defer server.Close()

	client := NewClient(WithHTTPClient(server.HTTPClient()))
	stream := client.Stream(server.URL() + "/json-items")

	ctx := context.Background()
	require.NoError(t, stream.Create(ctx, WithContentType("application/json")))
	_, err := stream.Append(ctx, []byte(`{"id":1}`))
	require.NoError(t, err)
	_, err = stream.Append(ctx, []byte(`{"id":2}`))
	require.NoError(t, err)
	require.NoError(t, stream.Close(ctx))

	items, errs := Items[item](ctx, stream, WithOffset(StartOffset))

	var got []item
loop:
	for {
		select {
		case v, ok := <-items:
			if !ok {
				break loop
			}
			got = append(got, v)
		case err := <-errs:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, []item{{ID: 1}, {ID: 2}}, got)
}

// TestReadJSONMalformedBodyIsParseError verifies a non-JSON body read
// through ReadJSON surfaces as ErrParse.
func TestReadJSONMalformedBodyIsParseError(t *testing.T) {
	server := durablestreamstest.NewMockServer()
	defer server.Close()

	client := NewClient(WithHTTPClient(server.HTTPClient()))
	stream := client.Stream(server.URL() + "/json-bad")

	ctx := context.Background()
	require.NoError(t, stream.Create(ctx, WithContentType("application/octet-stream")))
	_, err := stream.Append(ctx, []byte(`not json`))
	require.NoError(t, err)

	it := ReadJSON[item](ctx, stream, WithOffset(StartOffset))
	defer it.Close()

	_, err = it.Next()
	require.ErrorIs(t, err, ErrParse)
}
