package config

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/natsclient"
)

// Bucket is the KV bucket holding the shared configuration
const Bucket = "semscope_config"

const kvTimeout = 5 * time.Second

// Update represents a configuration change notification
type Update struct {
	Path   string      // Changed key (e.g., "components.ccd")
	Config *SafeConfig // Full latest configuration
}

// Manager publishes the configuration to NATS KV and follows later edits.
// Child containers read it back with Fetch.
type Manager struct {
	config      *SafeConfig
	kvStore     *natsclient.KVStore
	watchers    []jetstream.KeyWatcher
	subscribers map[string][]chan Update // by key pattern
	mu          sync.RWMutex
	logger      *slog.Logger

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	stopped    atomic.Bool
}

// NewManager creates the config bucket if needed and wraps cfg
func NewManager(ctx context.Context, cfg *Config, client *natsclient.Client, logger *slog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "NewManager", "nil config")
	}
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "NewManager", "nil nats client")
	}
	if logger == nil {
		logger = slog.Default()
	}

	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      Bucket,
		Description: "semscope microscope configuration",
		History:     5,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Manager", "NewManager", "create bucket")
	}

	return &Manager{
		config:      NewSafeConfig(cfg),
		kvStore:     natsclient.NewKVStore(kv, kvTimeout),
		subscribers: make(map[string][]chan Update),
		logger:      logger.With("component", "config-manager"),
	}, nil
}

// Config returns the current configuration
func (cm *Manager) Config() *SafeConfig {
	return cm.config
}

// OnChange subscribes to configuration changes matching the pattern.
// Pattern examples:
//   - "platform" - exact match
//   - "components.*" - every component
//   - "components.cam-*" - components whose name starts with cam-
func (cm *Manager) OnChange(pattern string) <-chan Update {
	ch := make(chan Update, 1)

	cm.mu.Lock()
	cm.subscribers[pattern] = append(cm.subscribers[pattern], ch)
	cm.mu.Unlock()

	select {
	case ch <- Update{Path: pattern, Config: cm.config}:
	default:
	}
	return ch
}

// Start reconciles the file configuration with the bucket, then watches the bucket.
// A file with a newer version than the bucket overwrites it; otherwise the bucket wins.
func (cm *Manager) Start(ctx context.Context) error {
	cm.shutdownCh = make(chan struct{})

	keys, err := cm.kvStore.Keys(ctx)
	if err != nil {
		cm.logger.Warn("Failed to list config keys", "error", err)
	}

	switch {
	case len(keys) == 0:
		cm.logger.Info("Empty config bucket, pushing file config")
		if err := cm.PushToKV(ctx); err != nil {
			cm.logger.Error("Failed to push initial config", "error", err)
		}
	default:
		fileVersion := cm.config.Get().Version
		kvVersion := cm.kvVersion(ctx)
		cmp, err := CompareVersions(fileVersion, kvVersion)
		switch {
		case err != nil:
			cm.logger.Warn("Cannot compare config versions, using bucket",
				"file_version", fileVersion, "kv_version", kvVersion, "error", err)
			cm.syncOrWarn(ctx)
		case cmp > 0:
			cm.logger.Info("File config is newer, updating bucket",
				"file_version", fileVersion, "kv_version", kvVersion)
			if err := cm.PushToKV(ctx); err != nil {
				cm.logger.Error("Failed to push newer config", "error", err)
			}
		case cmp < 0:
			cm.logger.Warn("File config is older than bucket, using bucket",
				"file_version", fileVersion, "kv_version", kvVersion,
				"hint", "bump file version to update the bucket")
			cm.syncOrWarn(ctx)
		default:
			cm.logger.Info("Config versions match, syncing from bucket", "version", fileVersion)
			cm.syncOrWarn(ctx)
		}
	}

	patterns := []string{"components.*", "platform", "nats", "metrics", "log", "timeouts", "containers"}
	cm.watchers = make([]jetstream.KeyWatcher, 0, len(patterns))
	for _, pattern := range patterns {
		watcher, err := cm.kvStore.Watch(ctx, pattern, jetstream.UpdatesOnly())
		if err != nil {
			cm.logger.Debug("Failed to create watcher", "pattern", pattern, "error", err)
			continue
		}
		cm.watchers = append(cm.watchers, watcher)
	}
	if len(cm.watchers) == 0 {
		return errors.WrapTransient(fmt.Errorf("no watcher created"), "Manager", "Start", "watch bucket")
	}

	for _, watcher := range cm.watchers {
		cm.wg.Add(1)
		go cm.processWatcher(ctx, watcher)
	}
	return nil
}

func (cm *Manager) syncOrWarn(ctx context.Context) {
	if err := cm.syncFromKV(ctx); err != nil {
		cm.logger.Warn("Failed to sync config from bucket", "error", err)
	}
}

// Stop stops watching for configuration changes and closes subscriber channels
func (cm *Manager) Stop(timeout time.Duration) error {
	if !cm.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if cm.shutdownCh != nil {
		close(cm.shutdownCh)
	}
	for _, watcher := range cm.watchers {
		if watcher != nil {
			_ = watcher.Stop()
		}
	}

	done := make(chan struct{})
	go func() {
		cm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		cm.logger.Warn("Manager shutdown timeout", "timeout", timeout)
	}

	cm.mu.Lock()
	for _, channels := range cm.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	cm.subscribers = make(map[string][]chan Update)
	cm.mu.Unlock()
	return nil
}

func (cm *Manager) processWatcher(ctx context.Context, watcher jetstream.KeyWatcher) {
	defer cm.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.shutdownCh:
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			value := entry.Value()
			if entry.Operation() != jetstream.KeyValuePut {
				value = nil
			}
			cm.handleUpdate(entry.Key(), value)
		}
	}
}

func (cm *Manager) handleUpdate(key string, value []byte) {
	if cm.stopped.Load() {
		return
	}

	next := cm.config.Get()
	if err := applyEntry(next, key, value); err != nil {
		cm.logger.Error("Rejected config update", "key", key, "error", err)
		return
	}
	if err := cm.config.Update(next); err != nil {
		cm.logger.Error("Rejected config update", "key", key, "error", err)
		return
	}

	update := Update{Path: key, Config: cm.config}
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for pattern, channels := range cm.subscribers {
		if !matchesPattern(key, pattern) {
			continue
		}
		for _, ch := range channels {
			if cm.stopped.Load() {
				return
			}
			// Slow subscribers miss intermediate updates; the next one carries the full config.
			select {
			case ch <- update:
			default:
			}
		}
	}
}

// matchesPattern checks if a key matches a subscription pattern
func matchesPattern(key, pattern string) bool {
	if pattern == key {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, ".*")+".")
	}
	if prefix, _, found := strings.Cut(pattern, "*"); found {
		return strings.HasPrefix(key, prefix)
	}
	return false
}

// applyEntry writes one bucket entry into cfg. A nil value deletes a component.
func applyEntry(cfg *Config, key string, value []byte) error {
	if len(value) > maxConfigSize {
		return fmt.Errorf("config value too large: %d bytes > %d", len(value), maxConfigSize)
	}
	if len(value) > 0 {
		if err := validateYAMLDepth(value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
	}

	section, name, nested := strings.Cut(key, ".")
	if nested && (section != "components" || strings.Contains(name, ".")) {
		return fmt.Errorf("invalid key format: %s", key)
	}

	var target any
	switch section {
	case "components":
		if !nested {
			return fmt.Errorf("invalid component key: %s", key)
		}
		if len(value) == 0 {
			delete(cfg.Components, name)
			return nil
		}
		var cc ComponentConfig
		if err := json.Unmarshal(value, &cc); err != nil {
			return fmt.Errorf("parse component %s: %w", name, err)
		}
		if cfg.Components == nil {
			cfg.Components = make(ComponentConfigs)
		}
		cfg.Components[name] = cc
		return nil
	case "version":
		target = &cfg.Version
	case "platform":
		target = &cfg.Platform
	case "nats":
		target = &cfg.NATS
	case "metrics":
		target = &cfg.Metrics
	case "log":
		target = &cfg.Log
	case "timeouts":
		target = &cfg.Timeouts
	case "containers":
		target = &cfg.Containers
	default:
		return nil
	}
	if len(value) == 0 {
		return nil
	}
	if err := json.Unmarshal(value, target); err != nil {
		return fmt.Errorf("parse %s: %w", section, err)
	}
	return nil
}

// PushToKV writes every section of the current configuration to the bucket and removes
// components the configuration no longer declares
func (cm *Manager) PushToKV(ctx context.Context) error {
	cfg := cm.config.Get()

	put := func(key string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return errors.WrapFatal(err, "Manager", "PushToKV", "marshal "+key)
		}
		if _, err := cm.kvStore.Put(ctx, key, data); err != nil {
			return errors.WrapTransient(err, "Manager", "PushToKV", "put "+key)
		}
		return nil
	}

	if cfg.Version != "" {
		if err := put("version", cfg.Version); err != nil {
			return err
		}
	} else {
		cm.logger.Warn("Config version is empty, bucket edits will win on restart")
	}

	// Components first so watchers that validate see them before the sections naming them
	for _, name := range sortedNames(cfg.Components) {
		if err := put("components."+name, cfg.Components[name]); err != nil {
			return err
		}
	}
	sections := []struct {
		key   string
		value any
	}{
		{"containers", cfg.Containers},
		{"platform", cfg.Platform},
		{"nats", cfg.NATS},
		{"metrics", cfg.Metrics},
		{"log", cfg.Log},
		{"timeouts", cfg.Timeouts},
	}
	for _, s := range sections {
		if err := put(s.key, s.value); err != nil {
			return err
		}
	}

	keys, err := cm.kvStore.Keys(ctx)
	if err != nil {
		return errors.WrapTransient(err, "Manager", "PushToKV", "list keys")
	}
	for _, key := range keys {
		name, ok := strings.CutPrefix(key, "components.")
		if !ok {
			continue
		}
		if _, declared := cfg.Components[name]; declared {
			continue
		}
		if err := cm.kvStore.Delete(ctx, key); err != nil && !stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return errors.WrapTransient(err, "Manager", "PushToKV", "delete "+key)
		}
	}
	return nil
}

// kvVersion returns the version stored in the bucket, "0.0.0" when absent
func (cm *Manager) kvVersion(ctx context.Context) string {
	entry, err := cm.kvStore.Get(ctx, "version")
	if err != nil {
		return "0.0.0"
	}
	var version string
	if err := json.Unmarshal(entry.Value, &version); err != nil {
		cm.logger.Warn("Failed to parse bucket version, treating as 0.0.0", "error", err)
		return "0.0.0"
	}
	return version
}

// syncFromKV rebuilds the configuration from every bucket entry over the current one
func (cm *Manager) syncFromKV(ctx context.Context) error {
	next, err := readBucket(ctx, cm.kvStore, cm.config.Get(), cm.logger)
	if err != nil {
		return err
	}
	if err := cm.config.Update(next); err != nil {
		return err
	}
	cm.logger.Info("Synced configuration from bucket", "components", len(next.Components))
	return nil
}

func readBucket(ctx context.Context, kv *natsclient.KVStore, base *Config, logger *slog.Logger) (*Config, error) {
	keys, err := kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "Manager", "readBucket", "list keys")
	}
	slices.Sort(keys)

	// Components are replaced wholesale by the bucket
	base.Components = make(ComponentConfigs)
	for _, key := range keys {
		entry, err := kv.Get(ctx, key)
		if err != nil {
			logger.Warn("Failed to read config entry", "key", key, "error", err)
			continue
		}
		if err := applyEntry(base, key, entry.Value); err != nil {
			logger.Warn("Failed to apply config entry", "key", key, "error", err)
		}
	}
	return base, nil
}

// Fetch reads the configuration the root container published. Child containers use it
// instead of a file.
func Fetch(ctx context.Context, client *natsclient.Client, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bucket, err := client.GetKeyValueBucket(ctx, Bucket)
	if err != nil {
		return nil, errors.Wrap(fmt.Errorf("%w: %w", errors.ErrNotFound, err), "Config", "Fetch", "open bucket")
	}
	cfg, err := readBucket(ctx, natsclient.NewKVStore(bucket, kvTimeout), Defaults(), logger)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
