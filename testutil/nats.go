package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/semscope/natsclient"
)

// StartNATS runs an embedded JetStream server for the duration of the test and
// returns its URL
func StartNATS(t testing.TB) string {
	t.Helper()
	srv, err := natsclient.RunEmbeddedServer(natsclient.WithStoreDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv.URL()
}

// Connect opens a client on url. The client does not reconnect, so a test can
// simulate a dead process by closing it.
func Connect(t testing.TB, url string) *natsclient.Client {
	t.Helper()
	c, err := natsclient.NewClient(url, natsclient.WithHealthInterval(0), natsclient.WithMaxReconnects(0))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

// NewClient starts a server and connects one client to it
func NewClient(t testing.TB) *natsclient.Client {
	t.Helper()
	return Connect(t, StartNATS(t))
}

// Context returns a context cancelled after d or at the end of the test
func Context(t testing.TB, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
