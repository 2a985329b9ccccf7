// Package kvstore is the pluggable byte-string map the query cache is stored
// in. Backends are registered by name and opened through Open.
//
// Every backend follows the same contract:
//   - Get of a missing key, or of a store whose underlying database does not
//     exist yet, returns an empty value and no error.
//   - Setting a key to an empty value removes it, and Delete is exactly that.
//     Keys never reports a key whose value is empty.
//   - Close is idempotent.
//
// Stores are not safe for concurrent use. One writer per store is assumed.
package kvstore

import (
	"fmt"
	"sort"
	"time"

	"github.com/miracle2k/xappy-sub001/pkg/config"
	apperrors "github.com/miracle2k/xappy-sub001/pkg/errors"
	"github.com/miracle2k/xappy-sub001/pkg/postgres"
	pkgredis "github.com/miracle2k/xappy-sub001/pkg/redis"
)

// Store is a persistent map from opaque byte keys to opaque byte values.
type Store interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	// Keys calls fn once per stored key, in no particular order. The key
	// slice is only valid during the call.
	Keys(fn func(key []byte) error) error
	// Flush makes previous writes durable.
	Flush() error
	Close() error
}

// Limited is implemented by stores that cap the size of a single value.
type Limited interface {
	// MaxValueSize returns the largest accepted value in bytes, 0 for no limit.
	MaxValueSize() int
}

// MaxValueSize returns the value size limit of s, or 0 when s has none.
func MaxValueSize(s Store) int {
	if l, ok := s.(Limited); ok {
		return l.MaxValueSize()
	}
	return 0
}

// Options carries everything a backend may need to open.
type Options struct {
	Path         string
	MaxValueSize int
	KeyPrefix    string
	OpTimeout    time.Duration
	Redis        *pkgredis.Client
	Postgres     *postgres.Client
}

// OptionsFromConfig builds Options from the cache section of the config.
// Network clients are left for the caller to attach.
func OptionsFromConfig(cfg config.CacheConfig) Options {
	return Options{
		Path:         cfg.Path,
		MaxValueSize: cfg.MaxValueSize,
		KeyPrefix:    cfg.KeyPrefix,
		OpTimeout:    cfg.OpTimeout,
	}
}

// OpenFunc opens one backend.
type OpenFunc func(opts Options) (Store, error)

var backends = map[string]OpenFunc{
	config.BackendMemory:   openMemory,
	config.BackendBolt:     openBolt,
	config.BackendKV:       openKV,
	config.BackendRedis:    openRedis,
	config.BackendPostgres: openPostgres,
}

// RegisterBackend adds or replaces a named backend.
func RegisterBackend(name string, fn OpenFunc) {
	backends[name] = fn
}

// Backends lists the registered backend names in sorted order.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens the named backend.
func Open(backend string, opts Options) (Store, error) {
	fn, ok := backends[backend]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownBackend, backend)
	}
	return fn(opts)
}
