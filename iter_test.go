//go:build go1.23

package durablestreams

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dstreams/client-go/durablestreamstest"
)

// TestJSONItemsRangeOverFunc exercises the Go 1.23 range-over-func
// wrapper directly, independent of the channel-based Items helper.
func TestJSONItemsRangeOverFunc(t *testing.T) {
	server := durablestreamstest.NewMockServer()
	defer server.Close()

	client := NewClient(WithHTTPClient(server.HTTPClient()))
	stream := client.Stream(server.URL() + "/json-range")

	ctx := context.Background()
	require.NoError(t, stream.Create(ctx, WithContentType("application/json")))
	_, err := stream.Append(ctx, []byte(`[{"id":1},{"id":2}]`))
	require.NoError(t, err)

	var got []item
	for v, err := range JSONItems[item](ctx, stream, WithOffset(StartOffset)) {
		require.NoError(t, err)
		got = append(got, v)
	}
	require.Equal(t, []item{{ID: 1}, {ID: 2}}, got)
}
