package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/semscope/errors"
)

// KV errors. ErrKVKeyNotFound wraps errors.ErrNotFound.
var (
	ErrKVKeyNotFound = fmt.Errorf("kv key: %w", errors.ErrNotFound)
	ErrKVKeyExists   = stderrors.New("kv key exists")
)

// KVEntry is a value read from a bucket with its revision
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVStore bounds every operation on one bucket with a timeout and maps the jetstream
// key errors to ErrKVKeyNotFound and ErrKVKeyExists.
type KVStore struct {
	bucket  jetstream.KeyValue
	timeout time.Duration
}

// NewKVStore wraps bucket. A zero timeout leaves contexts untouched.
func NewKVStore(bucket jetstream.KeyValue, timeout time.Duration) *KVStore {
	return &KVStore{bucket: bucket, timeout: timeout}
}

func (kv *KVStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.timeout > 0 {
		return context.WithTimeout(ctx, kv.timeout)
	}
	return ctx, func() {}
}

// Get reads key
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.bound(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		return nil, kvError("get", key, err)
	}
	return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Put writes key, last writer wins
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.bound(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, kvError("put", key, err)
	}
	return rev, nil
}

// Create writes key only if it is absent
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.bound(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, key, value)
	if err != nil {
		return 0, kvError("create", key, err)
	}
	return rev, nil
}

// Delete removes key
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.bound(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil {
		return kvError("delete", key, err)
	}
	return nil
}

// Keys lists the live keys. An empty bucket yields an empty slice.
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := kv.bound(ctx)
	defer cancel()

	keys, err := kv.bucket.Keys(ctx)
	if stderrors.Is(err, jetstream.ErrNoKeysFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	return keys, nil
}

// Watch follows keys matching pattern until ctx is done or the watcher is stopped.
// The timeout does not apply.
func (kv *KVStore) Watch(ctx context.Context, pattern string, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	watcher, err := kv.bucket.Watch(ctx, pattern, opts...)
	if err != nil {
		return nil, fmt.Errorf("kv watch %s: %w", pattern, err)
	}
	return watcher, nil
}

func kvError(op, key string, err error) error {
	switch {
	case stderrors.Is(err, jetstream.ErrKeyNotFound), stderrors.Is(err, jetstream.ErrKeyDeleted):
		return fmt.Errorf("kv %s %s: %w", op, key, ErrKVKeyNotFound)
	case stderrors.Is(err, jetstream.ErrKeyExists):
		return fmt.Errorf("kv %s %s: %w", op, key, ErrKVKeyExists)
	default:
		return fmt.Errorf("kv %s %s: %w", op, key, err)
	}
}
