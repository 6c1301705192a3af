// Package testutil provides helpers for tests that need a real broker.
//
// Tests run against an embedded NATS server with JetStream stored in a temporary
// directory, so no external server is required:
//
//	url := testutil.StartNATS(t)
//	client := testutil.Connect(t, url)
//	ctx := testutil.Context(t, 10*time.Second)
//
// Everything is released with t.Cleanup.
package testutil
