package kvstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	apperrors "github.com/miracle2k/xappy-sub001/pkg/errors"
)

var metadataBucket = []byte("metadata")

const boltOpenTimeout = time.Second

// BoltStore keeps the cache in the metadata bucket of a bolt file that lives
// next to the search index. The handle is managed lazily:
//   - the first read opens the file read-only; if the file does not exist the
//     store reads as empty and nothing is created;
//   - the first write reopens the file writable, creating it if needed, and
//     the writable handle is kept for later reads;
//   - writes are not fsynced until Flush.
type BoltStore struct {
	path     string
	db       *bolt.DB
	writable bool
	maxValue int
	logger   *slog.Logger
}

// NewBoltStore returns a store for the bolt file at path. Nothing is opened
// until the first operation.
func NewBoltStore(path string, maxValueSize int) *BoltStore {
	return &BoltStore{
		path:     path,
		maxValue: maxValueSize,
		logger:   slog.Default().With("component", "bolt-store", "path", path),
	}
}

func openBolt(opts Options) (Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("bolt backend: path is required")
	}
	return NewBoltStore(opts.Path, opts.MaxValueSize), nil
}

// readHandle returns an open handle, or nil when the database does not exist.
func (s *BoltStore) readHandle() (*bolt.DB, error) {
	if s.db != nil {
		return s.db, nil
	}
	if _, err := os.Stat(s.path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.NewStoreError("bolt", "stat", err)
	}
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{ReadOnly: true, Timeout: boltOpenTimeout})
	if err != nil {
		return nil, apperrors.NewStoreError("bolt", "open read-only", err)
	}
	s.db = db
	s.writable = false
	s.logger.Debug("opened read-only")
	return db, nil
}

func (s *BoltStore) writeHandle() (*bolt.DB, error) {
	if s.db != nil && s.writable {
		return s.db, nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return nil, apperrors.NewStoreError("bolt", "close read-only", err)
		}
		s.db = nil
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.NewStoreError("bolt", "create directory", err)
		}
	}
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, apperrors.NewStoreError("bolt", "open writable", err)
	}
	db.NoSync = true
	s.db = db
	s.writable = true
	s.logger.Debug("opened writable")
	return db, nil
}

func (s *BoltStore) Get(key []byte) ([]byte, error) {
	db, err := s.readHandle()
	if err != nil || db == nil {
		return nil, err
	}
	var out []byte
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		if b == nil {
			return nil
		}
		if v := b.Get(key); len(v) > 0 {
			out = make([]byte, len(v))
			copy(out, v)
		}
		return nil
	})
	return out, apperrors.NewStoreError("bolt", "get", err)
}

func (s *BoltStore) Set(key, value []byte) error {
	if s.maxValue > 0 && len(value) > s.maxValue {
		return fmt.Errorf("bolt set %q: %d bytes > %d: %w", key, len(value), s.maxValue, apperrors.ErrValueTooLarge)
	}
	db, err := s.writeHandle()
	if err != nil {
		return err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(metadataBucket)
		if err != nil {
			return err
		}
		if len(value) == 0 {
			return b.Delete(key)
		}
		return b.Put(key, value)
	})
	return apperrors.NewStoreError("bolt", "set", err)
}

func (s *BoltStore) Delete(key []byte) error {
	return s.Set(key, nil)
}

// Keys collects the key set in one read transaction and then calls fn
// outside it, so fn may write to the store.
func (s *BoltStore) Keys(fn func(key []byte) error) error {
	db, err := s.readHandle()
	if err != nil || db == nil {
		return err
	}
	var keys [][]byte
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) == 0 {
				return nil
			}
			kc := make([]byte, len(k))
			copy(kc, k)
			keys = append(keys, kc)
			return nil
		})
	})
	if err != nil {
		return apperrors.NewStoreError("bolt", "keys", err)
	}
	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

// Flush fsyncs a writable handle. It does nothing if nothing was written.
func (s *BoltStore) Flush() error {
	if s.db == nil || !s.writable {
		return nil
	}
	return apperrors.NewStoreError("bolt", "sync", s.db.Sync())
}

// Close releases the handle. A later operation reopens it.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	var err error
	if s.writable {
		err = s.db.Sync()
	}
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	s.db = nil
	s.writable = false
	return apperrors.NewStoreError("bolt", "close", err)
}

func (s *BoltStore) MaxValueSize() int { return s.maxValue }

// Writable reports whether the current handle is writable.
func (s *BoltStore) Writable() bool { return s.db != nil && s.writable }

// IsOpen reports whether a handle is currently held.
func (s *BoltStore) IsOpen() bool { return s.db != nil }
