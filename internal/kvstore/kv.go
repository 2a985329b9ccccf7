package kvstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cznic/kv"
	apperrors "github.com/miracle2k/xappy-sub001/pkg/errors"
)

// KVStore keeps the cache in a cznic/kv file. Like BoltStore, a missing file
// reads as empty and is created on the first write.
type KVStore struct {
	path     string
	db       *kv.DB
	maxValue int
}

func NewKVStore(path string, maxValueSize int) *KVStore {
	return &KVStore{path: path, maxValue: maxValueSize}
}

func openKV(opts Options) (Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("kv backend: path is required")
	}
	return NewKVStore(opts.Path, opts.MaxValueSize), nil
}

func (s *KVStore) handle(create bool) (*kv.DB, error) {
	if s.db != nil {
		return s.db, nil
	}
	if _, err := os.Stat(s.path); err != nil {
		if !os.IsNotExist(err) {
			return nil, apperrors.NewStoreError("kv", "stat", err)
		}
		if !create {
			return nil, nil
		}
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return nil, apperrors.NewStoreError("kv", "create directory", err)
		}
		db, err := kv.Create(s.path, &kv.Options{})
		if err != nil {
			return nil, apperrors.NewStoreError("kv", "create", err)
		}
		s.db = db
		return db, nil
	}
	db, err := kv.Open(s.path, &kv.Options{})
	if err != nil {
		return nil, apperrors.NewStoreError("kv", "open", err)
	}
	s.db = db
	return db, nil
}

func (s *KVStore) Get(key []byte) ([]byte, error) {
	db, err := s.handle(false)
	if err != nil || db == nil {
		return nil, err
	}
	v, err := db.Get(nil, key)
	if err != nil {
		return nil, apperrors.NewStoreError("kv", "get", err)
	}
	if len(v) == 0 {
		return nil, nil
	}
	return v, nil
}

func (s *KVStore) Set(key, value []byte) error {
	if s.maxValue > 0 && len(value) > s.maxValue {
		return fmt.Errorf("kv set %q: %d bytes > %d: %w", key, len(value), s.maxValue, apperrors.ErrValueTooLarge)
	}
	db, err := s.handle(true)
	if err != nil {
		return err
	}
	if len(value) == 0 {
		return apperrors.NewStoreError("kv", "delete", db.Delete(key))
	}
	return apperrors.NewStoreError("kv", "set", db.Set(key, value))
}

func (s *KVStore) Delete(key []byte) error {
	return s.Set(key, nil)
}

func (s *KVStore) Keys(fn func(key []byte) error) error {
	db, err := s.handle(false)
	if err != nil || db == nil {
		return err
	}
	enum, err := db.SeekFirst()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return apperrors.NewStoreError("kv", "seek", err)
	}
	var keys [][]byte
	for {
		k, v, err := enum.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return apperrors.NewStoreError("kv", "next", err)
		}
		if len(v) == 0 {
			continue
		}
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

// Flush is a no-op: every kv Set commits its own transaction.
func (s *KVStore) Flush() error { return nil }

func (s *KVStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return apperrors.NewStoreError("kv", "close", err)
}

func (s *KVStore) MaxValueSize() int { return s.maxValue }

// WALName returns the write-ahead log path of an open store.
func (s *KVStore) WALName() string {
	if s.db == nil {
		return ""
	}
	return s.db.WALName()
}
