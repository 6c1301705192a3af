package natsclient

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/metric"
)

func startServer(t *testing.T) *EmbeddedServer {
	t.Helper()
	srv, err := RunEmbeddedServer(WithStoreDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

func connect(t *testing.T, url string, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{WithHealthInterval(0), WithMaxReconnects(0)}, opts...)
	c, err := NewClient(url, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestClient_ConnectAndClose(t *testing.T) {
	srv := startServer(t)
	registry := metric.NewMetricsRegistry()
	c := connect(t, srv.URL(), WithMetrics(registry), WithName("test"))

	assert.True(t, c.IsHealthy())
	rtt, err := c.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.ErrorIs(t, c.Publish("x", nil), ErrNotConnected)
	require.NoError(t, c.Close(context.Background()))
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1",
		WithCircuitBreakerThreshold(2), WithTimeout(50*time.Millisecond), WithMaxReconnects(0))
	require.NoError(t, err)

	ctx := context.Background()
	assert.Error(t, c.Connect(ctx))
	assert.ErrorIs(t, c.Connect(ctx), ErrCircuitOpen)
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.ErrorIs(t, c.Connect(ctx), ErrCircuitOpen)
}

func TestClient_PublishSubscribeKeepsOrder(t *testing.T) {
	srv := startServer(t)
	pub := connect(t, srv.URL())
	sub := connect(t, srv.URL())

	got := make(chan string, 10)
	s, err := sub.Subscribe("semscope.test.order", func(msg *nats.Msg) {
		got <- string(msg.Data)
	})
	require.NoError(t, err)
	require.NoError(t, sub.Flush(context.Background()))

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, pub.Publish("semscope.test.order", []byte(v)))
	}

	for _, want := range []string{"a", "b", "c"} {
		select {
		case v := <-got:
			assert.Equal(t, want, v)
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	}

	require.NoError(t, s.Unsubscribe())
	require.NoError(t, s.Unsubscribe())
}

func TestClient_RequestReply(t *testing.T) {
	srv := startServer(t)
	server := connect(t, srv.URL())
	client := connect(t, srv.URL())

	var served atomic.Int32
	_, err := server.Subscribe("semscope.test.rpc", func(msg *nats.Msg) {
		served.Add(1)
		_ = msg.Respond(append([]byte("echo:"), msg.Data...))
	})
	require.NoError(t, err)
	require.NoError(t, server.Flush(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.Request(ctx, "semscope.test.rpc", []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "echo:ping", string(reply))
	assert.Equal(t, int32(1), served.Load())
}

func TestClient_RequestWithoutResponderIsUnreachable(t *testing.T) {
	srv := startServer(t)
	client := connect(t, srv.URL())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Request(ctx, "semscope.nobody.rpc", []byte("ping"))
	require.Error(t, err)
	assert.True(t, errors.IsUnreachable(err))
}

func TestKVStore(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv.URL())
	ctx := context.Background()

	bucket, err := c.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:  "SEMSCOPE_TEST",
		Storage: jetstream.MemoryStorage,
	})
	require.NoError(t, err)

	again, err := c.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "SEMSCOPE_TEST"})
	require.NoError(t, err)
	assert.Equal(t, bucket.Bucket(), again.Bucket())

	kv := NewKVStore(bucket, time.Second)

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = kv.Get(ctx, "det")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	_, err = kv.Create(ctx, "det", []byte(`{"pid":1}`))
	require.NoError(t, err)
	_, err = kv.Create(ctx, "det", []byte(`{"pid":2}`))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	_, err = kv.Put(ctx, "det", []byte(`{"pid":3}`))
	require.NoError(t, err)

	entry, err := kv.Get(ctx, "det")
	require.NoError(t, err)
	assert.JSONEq(t, `{"pid":3}`, string(entry.Value))

	keys, err = kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"det"}, keys)

	require.NoError(t, kv.Delete(ctx, "det"))
	_, err = kv.Get(ctx, "det")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
}
