package natsclient

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/c360/semscope/errors"
)

// EmbeddedServer is an in-process NATS server with JetStream, used by the daemon's
// --embed-nats mode and by tests.
type EmbeddedServer struct {
	srv      *server.Server
	storeDir string
	ownDir   bool
}

// EmbeddedOption configures an embedded server
type EmbeddedOption func(*server.Options)

// WithEmbeddedPort listens on the given port instead of a random one
func WithEmbeddedPort(port int) EmbeddedOption {
	return func(o *server.Options) {
		o.Port = port
	}
}

// WithEmbeddedHost listens on the given interface instead of loopback
func WithEmbeddedHost(host string) EmbeddedOption {
	return func(o *server.Options) {
		o.Host = host
	}
}

// WithStoreDir stores JetStream data in dir. The directory is kept on shutdown.
func WithStoreDir(dir string) EmbeddedOption {
	return func(o *server.Options) {
		o.StoreDir = dir
	}
}

// RunEmbeddedServer starts a server on a random loopback port and waits until it
// accepts connections.
func RunEmbeddedServer(opts ...EmbeddedOption) (*EmbeddedServer, error) {
	options := &server.Options{
		ServerName: "semscope-embedded",
		Host:       "127.0.0.1",
		Port:       server.RANDOM_PORT,
		JetStream:  true,
		NoLog:      true,
		NoSigs:     true,
	}
	for _, opt := range opts {
		opt(options)
	}

	es := &EmbeddedServer{}
	if options.StoreDir == "" {
		dir, err := os.MkdirTemp("", "semscope-nats-*")
		if err != nil {
			return nil, errors.WrapFatal(err, "EmbeddedServer", "Run", "create store dir")
		}
		options.StoreDir = dir
		es.ownDir = true
	}
	es.storeDir = options.StoreDir

	srv, err := server.NewServer(options)
	if err != nil {
		es.cleanup()
		return nil, errors.WrapFatal(err, "EmbeddedServer", "Run", "create server")
	}

	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		es.cleanup()
		return nil, errors.WrapFatal(fmt.Errorf("not ready after 10s"), "EmbeddedServer", "Run", "start server")
	}

	es.srv = srv
	return es, nil
}

// URL returns the client URL of the server
func (es *EmbeddedServer) URL() string {
	return es.srv.ClientURL()
}

// Shutdown stops the server and removes its temporary store
func (es *EmbeddedServer) Shutdown() {
	if es.srv != nil {
		es.srv.Shutdown()
		es.srv.WaitForShutdown()
	}
	es.cleanup()
}

func (es *EmbeddedServer) cleanup() {
	if es.ownDir && es.storeDir != "" {
		_ = os.RemoveAll(es.storeDir)
	}
}
