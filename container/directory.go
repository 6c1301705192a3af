package container

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/natsclient"
)

// DirectoryBucket is the JetStream KV bucket shared by the containers of a system
const DirectoryBucket = "semscope_directory"

const (
	containerPrefix  = "containers."
	componentPrefix  = "components."
	directoryTimeout = 5 * time.Second
)

// ContainerEntry records a running container
type ContainerEntry struct {
	Name     string    `json:"name"`
	Instance string    `json:"instance"`
	Pid      int       `json:"pid"`
	Started  time.Time `json:"started"`
}

// ComponentEntry records where a component is hosted
type ComponentEntry struct {
	Name      string `json:"name"`
	Container string `json:"container"`
	Role      string `json:"role,omitempty"`
}

// Directory maps container and component names to their location. Entries are
// written by the owning container and removed when it terminates; a container that
// dies without terminating leaves stale entries that are overwritten by its next run.
type Directory struct {
	kv *natsclient.KVStore
}

// OpenDirectory opens the directory bucket, creating it if needed
func OpenDirectory(ctx context.Context, client *natsclient.Client) (*Directory, error) {
	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      DirectoryBucket,
		Description: "semscope containers and components",
		History:     1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Directory", "Open", "open bucket "+DirectoryBucket)
	}
	return &Directory{kv: natsclient.NewKVStore(bucket, directoryTimeout)}, nil
}

// RegisterContainer records a running container
func (d *Directory) RegisterContainer(ctx context.Context, entry ContainerEntry) error {
	return d.put(ctx, containerPrefix+entry.Name, entry)
}

// UnregisterContainer removes a container and the given components it hosted
func (d *Directory) UnregisterContainer(ctx context.Context, name string, components []string) error {
	for _, c := range components {
		if err := d.UnregisterComponent(ctx, c); err != nil {
			return err
		}
	}
	return d.delete(ctx, containerPrefix+name)
}

// RegisterComponent records where a component is hosted
func (d *Directory) RegisterComponent(ctx context.Context, entry ComponentEntry) error {
	return d.put(ctx, componentPrefix+entry.Name, entry)
}

// UnregisterComponent removes a component
func (d *Directory) UnregisterComponent(ctx context.Context, name string) error {
	return d.delete(ctx, componentPrefix+name)
}

// Component returns where a component is hosted. An unknown component fails with
// errors.ErrNotFound.
func (d *Directory) Component(ctx context.Context, name string) (*ComponentEntry, error) {
	var entry ComponentEntry
	if err := d.get(ctx, componentPrefix+name, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Container returns the record of a container. An unknown container fails with
// errors.ErrNotFound.
func (d *Directory) Container(ctx context.Context, name string) (*ContainerEntry, error) {
	var entry ContainerEntry
	if err := d.get(ctx, containerPrefix+name, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Containers lists the registered containers sorted by name
func (d *Directory) Containers(ctx context.Context) ([]ContainerEntry, error) {
	names, err := d.names(ctx, containerPrefix)
	if err != nil {
		return nil, err
	}
	entries := make([]ContainerEntry, 0, len(names))
	for _, name := range names {
		entry, err := d.Container(ctx, name)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// Components lists the registered components sorted by name
func (d *Directory) Components(ctx context.Context) ([]ComponentEntry, error) {
	names, err := d.names(ctx, componentPrefix)
	if err != nil {
		return nil, err
	}
	entries := make([]ComponentEntry, 0, len(names))
	for _, name := range names {
		entry, err := d.Component(ctx, name)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

func (d *Directory) names(ctx context.Context, prefix string) ([]string, error) {
	keys, err := d.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "Directory", "names", "list keys")
	}
	var names []string
	for _, key := range keys {
		if name, ok := strings.CutPrefix(key, prefix); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *Directory) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapInvalid(err, "Directory", "put", "encode "+key)
	}
	if _, err := d.kv.Put(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "Directory", "put", "write "+key)
	}
	return nil
}

func (d *Directory) get(ctx context.Context, key string, v any) error {
	entry, err := d.kv.Get(ctx, key)
	if errors.IsNotFound(err) {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrNotFound, key), "Directory", "get", "read "+key)
	}
	if err != nil {
		return errors.WrapTransient(err, "Directory", "get", "read "+key)
	}
	if err := json.Unmarshal(entry.Value, v); err != nil {
		return errors.WrapInvalid(err, "Directory", "get", "decode "+key)
	}
	return nil
}

func (d *Directory) delete(ctx context.Context, key string) error {
	err := d.kv.Delete(ctx, key)
	if err != nil && !errors.IsNotFound(err) {
		return errors.WrapTransient(err, "Directory", "delete", "remove "+key)
	}
	return nil
}
