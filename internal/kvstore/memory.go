package kvstore

import (
	"fmt"

	apperrors "github.com/miracle2k/xappy-sub001/pkg/errors"
)

// MemoryStore keeps everything in a Go map. It is the testing backend and
// loses its contents on Close.
type MemoryStore struct {
	data     map[string][]byte
	maxValue int
	closed   bool
}

// NewMemoryStore returns an empty store. maxValueSize of 0 means unlimited.
func NewMemoryStore(maxValueSize int) *MemoryStore {
	return &MemoryStore{
		data:     make(map[string][]byte),
		maxValue: maxValueSize,
	}
}

func openMemory(opts Options) (Store, error) {
	return NewMemoryStore(opts.MaxValueSize), nil
}

func (m *MemoryStore) Get(key []byte) ([]byte, error) {
	v := m.data[string(key)]
	if v == nil {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) Set(key, value []byte) error {
	if m.closed {
		return apperrors.NewStoreError("memory", "set", fmt.Errorf("store closed"))
	}
	if len(value) == 0 {
		delete(m.data, string(key))
		return nil
	}
	if m.maxValue > 0 && len(value) > m.maxValue {
		return fmt.Errorf("memory set %q: %d bytes > %d: %w", key, len(value), m.maxValue, apperrors.ErrValueTooLarge)
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.data[string(key)] = v
	return nil
}

func (m *MemoryStore) Delete(key []byte) error {
	return m.Set(key, nil)
}

// Keys iterates over a snapshot, so fn may modify the store.
func (m *MemoryStore) Keys(fn func(key []byte) error) error {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	for _, k := range keys {
		if err := fn([]byte(k)); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Flush() error { return nil }

func (m *MemoryStore) Close() error {
	m.closed = true
	m.data = make(map[string][]byte)
	return nil
}

func (m *MemoryStore) MaxValueSize() int { return m.maxValue }

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int { return len(m.data) }
