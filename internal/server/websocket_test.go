package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/internal/core/observability/log"
	"github.com/fieldsync/fieldsync/internal/core/transport"
)

func TestWebSocketHandler_RoundTrip(t *testing.T) {
	ctx := context.Background()
	authority := transport.NewLoopback(0)
	srv := httptest.NewServer(NewWebSocketHandler(authority, log.Nop()))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := transport.DialWebSocket(ctx, transport.WebSocketConfig{
		URL:         url,
		DialTimeout: 5 * time.Second,
		ReadTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer client.Close()

	result, err := client.Push(ctx, transport.Batch{
		Collection: "timesheets",
		Records: []transport.Record{
			{RecordID: "t1", Version: 1, Payload: json.RawMessage(`{"hours":8}`)},
		},
	}, true)
	require.NoError(t, err)
	require.Equal(t, 1, result.Accepted)

	batch, err := client.Pull(ctx, transport.PullRequest{Collection: "timesheets"}, false)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	require.Equal(t, "t1", batch.Records[0].RecordID)
	require.JSONEq(t, `{"hours":8}`, string(batch.Records[0].Payload))

	require.Positive(t, client.Latency())
}

func TestWebSocketHandler_RemoteError(t *testing.T) {
	ctx := context.Background()
	authority := transport.NewLoopback(0)
	require.NoError(t, authority.Close())

	srv := httptest.NewServer(NewWebSocketHandler(authority, log.Nop()))
	defer srv.Close()

	client, err := transport.DialWebSocket(ctx, transport.WebSocketConfig{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		DialTimeout: 5 * time.Second,
		ReadTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Push(ctx, transport.Batch{Collection: "timesheets"}, false)
	require.ErrorContains(t, err, "remote")
}
