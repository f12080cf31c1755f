package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key has never been set or was deleted.
var ErrNotFound = errors.New("key not found")

// Store is the persistent key-value scratch space. Values are scoped per
// subscription instance; one Store can back many instances.
type Store interface {
	Get(ctx context.Context, instance, key string) ([]byte, error)
	Set(ctx context.Context, instance, key string, value []byte) error
	Delete(ctx context.Context, instance, key string) error

	// Apply commits every write in the batch or none of them.
	Apply(ctx context.Context, instance string, batch *Batch) error

	// Instances lists the instances that currently hold at least one key.
	Instances(ctx context.Context) ([]string, error)

	Close() error
}

// Batch is an ordered list of writes for Store.Apply.
type Batch struct {
	ops []op
}

type op struct {
	key    string
	value  []byte
	delete bool
}

func NewBatch() *Batch { return &Batch{} }

func (b *Batch) Set(key string, value []byte) *Batch {
	if value == nil {
		value = []byte{}
	}
	b.ops = append(b.ops, op{key: key, value: value})
	return b
}

// SetJSON marshals v and queues it. The marshal error is returned immediately
// so a bad value never produces a partial batch.
func (b *Batch) SetJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	b.Set(key, data)
	return nil
}

func (b *Batch) Delete(key string) *Batch {
	b.ops = append(b.ops, op{key: key, delete: true})
	return b
}

func (b *Batch) Len() int { return len(b.ops) }

// Scratch is a Store bound to one instance.
type Scratch struct {
	store    Store
	instance string
}

func NewScratch(store Store, instance string) Scratch {
	return Scratch{store: store, instance: instance}
}

func (s Scratch) Instance() string { return s.instance }

func (s Scratch) Get(ctx context.Context, key string) ([]byte, error) {
	return s.store.Get(ctx, s.instance, key)
}

func (s Scratch) Set(ctx context.Context, key string, value []byte) error {
	return s.store.Set(ctx, s.instance, key, value)
}

func (s Scratch) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, s.instance, key)
}

func (s Scratch) Apply(ctx context.Context, batch *Batch) error {
	return s.store.Apply(ctx, s.instance, batch)
}

// GetJSON decodes the value at key into v. It returns ErrNotFound unchanged.
func (s Scratch) GetJSON(ctx context.Context, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

func (s Scratch) SetJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}
