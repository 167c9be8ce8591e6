package cache

import (
	"context"
	"time"

	"github.com/viccon/sturdyc"
)

// MemCache keeps entries in process memory, in a sharded sturdyc client.
// Entries older than the configured max age are evicted by sturdyc;
// read lifetimes are checked against the modification time.
type MemCache struct {
	client *sturdyc.Client[Entry]
	clock  func() time.Time
}

var _ Store = (*MemCache)(nil)

// NewMemCache creates an in-memory store.
func NewMemCache(opts ...Option) *MemCache {
	o := applyOptions(opts)
	return &MemCache{
		client: sturdyc.New[Entry](o.capacity, o.numShards, o.maxAge, 10),
		clock:  o.clock,
	}
}

func (m *MemCache) Get(_ context.Context, id, namespace string, lifeTime time.Duration) ([]byte, bool, error) {
	entry, ok := m.client.Get(storageKey(id, namespace))
	if !ok || !entry.Fresh(lifeTime, m.clock()) {
		return nil, false, nil
	}
	return entry.Data, true, nil
}

func (m *MemCache) Has(ctx context.Context, id, namespace string, lifeTime time.Duration) (bool, error) {
	_, ok, err := m.Get(ctx, id, namespace, lifeTime)
	return ok, err
}

func (m *MemCache) Set(_ context.Context, id, namespace string, data []byte, _ time.Duration) error {
	m.client.Set(storageKey(id, namespace), Entry{
		Namespace: namespace,
		ID:        id,
		Data:      append([]byte(nil), data...),
		Modified:  m.clock(),
	})
	return nil
}

func (m *MemCache) Remove(_ context.Context, id, namespace string) error {
	m.client.Delete(storageKey(id, namespace))
	return nil
}

func (m *MemCache) LastModified(_ context.Context, id, namespace string) (time.Time, error) {
	entry, ok := m.client.Get(storageKey(id, namespace))
	if !ok {
		return time.Time{}, nil
	}
	return entry.Modified, nil
}

func (m *MemCache) Clean(_ context.Context, namespace string) error {
	for _, key := range m.client.ScanKeys() {
		if inNamespace(key, namespace) {
			m.client.Delete(key)
		}
	}
	return nil
}

// Size returns the number of entries held.
func (m *MemCache) Size() int {
	return len(m.client.ScanKeys())
}

// Close is a no-op.
func (m *MemCache) Close() error {
	return nil
}
