package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/miracle2k/xappy-sub001/pkg/config"
	"github.com/miracle2k/xappy-sub001/pkg/postgres"
	pkgredis "github.com/miracle2k/xappy-sub001/pkg/redis"
)

// Connected is a store together with the network client it was opened on.
// Close releases both.
type Connected struct {
	Store
	closeClient func() error
	ping        func(ctx context.Context) error
}

func (c *Connected) Close() error {
	err := c.Store.Close()
	if c.closeClient != nil {
		err = errors.Join(err, c.closeClient())
		c.closeClient = nil
	}
	return err
}

func (c *Connected) MaxValueSize() int { return MaxValueSize(c.Store) }

// Ping checks that the backend is reachable without touching the store
// itself, so it may run concurrently with the single writer. Network
// backends ping their server; file backends check that the database
// directory is accessible.
func (c *Connected) Ping(ctx context.Context) error {
	if c.ping == nil {
		return nil
	}
	return c.ping(ctx)
}

func statDir(path string) func(context.Context) error {
	dir := filepath.Dir(path)
	return func(context.Context) error {
		if _, err := os.Stat(dir); err != nil {
			return fmt.Errorf("cache directory: %w", err)
		}
		return nil
	}
}

// OpenConfigured opens the backend selected in cfg, connecting to Redis or
// Postgres first when the backend needs it.
func OpenConfigured(cfg *config.Config) (*Connected, error) {
	opts := OptionsFromConfig(cfg.Cache)
	var (
		closeClient func() error
		ping        func(context.Context) error
	)

	switch cfg.Cache.Backend {
	case config.BackendBolt, config.BackendKV:
		ping = statDir(cfg.Cache.Path)
	case config.BackendRedis:
		client, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		opts.Redis = client
		closeClient = client.Close
		ping = client.Ping
	case config.BackendPostgres:
		client, err := postgres.New(cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		opts.Postgres = client
		closeClient = client.Close
		ping = client.Ping
	}

	s, err := Open(cfg.Cache.Backend, opts)
	if err != nil {
		if closeClient != nil {
			closeClient()
		}
		return nil, err
	}
	return &Connected{Store: s, closeClient: closeClient, ping: ping}, nil
}
