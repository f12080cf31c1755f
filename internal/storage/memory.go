package storage

import (
	"context"
	"slices"
	"sync"
)

// MemoryStorage keeps everything in process memory. State is lost on exit;
// it backs tests and one-shot diagnostic runs.
type MemoryStorage struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]map[string][]byte)}
}

func (m *MemoryStorage) Get(ctx context.Context, instance, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[instance][key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

func (m *MemoryStorage) Set(ctx context.Context, instance, key string, value []byte) error {
	return m.Apply(ctx, instance, NewBatch().Set(key, value))
}

func (m *MemoryStorage) Delete(ctx context.Context, instance, key string) error {
	return m.Apply(ctx, instance, NewBatch().Delete(key))
}

func (m *MemoryStorage) Apply(ctx context.Context, instance string, batch *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.data[instance]
	if keys == nil {
		keys = make(map[string][]byte)
	}
	for _, o := range batch.ops {
		if o.delete {
			delete(keys, o.key)
			continue
		}
		keys[o.key] = append([]byte{}, o.value...)
	}
	if len(keys) == 0 {
		delete(m.data, instance)
	} else {
		m.data[instance] = keys
	}
	return nil
}

func (m *MemoryStorage) Instances(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.data))
	for instance := range m.data {
		out = append(out, instance)
	}
	slices.Sort(out)
	return out, nil
}

func (m *MemoryStorage) Close() error { return nil }
