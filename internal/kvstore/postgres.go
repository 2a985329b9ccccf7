package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	apperrors "github.com/miracle2k/xappy-sub001/pkg/errors"
	"github.com/miracle2k/xappy-sub001/pkg/postgres"
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresStore keeps the cache in a two-column BYTEA table. Each Set is its
// own statement, so Flush has nothing to do.
type PostgresStore struct {
	client  *postgres.Client
	table   string
	timeout time.Duration
}

// NewPostgresStore creates the table if it is missing.
func NewPostgresStore(client *postgres.Client, table string, timeout time.Duration) (*PostgresStore, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("postgres backend: invalid table name %q", table)
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &PostgresStore{client: client, table: table, timeout: timeout}
	ctx, cancel := s.ctx()
	defer cancel()
	err := client.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (key BYTEA PRIMARY KEY, value BYTEA NOT NULL)`, s.table))
		return err
	})
	if err != nil {
		return nil, apperrors.NewStoreError("postgres", "create table", err)
	}
	return s, nil
}

func openPostgres(opts Options) (Store, error) {
	if opts.Postgres == nil {
		return nil, fmt.Errorf("postgres backend: no postgres client configured")
	}
	return NewPostgresStore(opts.Postgres, opts.Postgres.CacheTable(), opts.OpTimeout)
}

func (s *PostgresStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *PostgresStore) Get(key []byte) ([]byte, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	var v []byte
	err := s.client.DB.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.table), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStoreError("postgres", "get", err)
	}
	return v, nil
}

func (s *PostgresStore) Set(key, value []byte) error {
	ctx, cancel := s.ctx()
	defer cancel()
	var err error
	if len(value) == 0 {
		_, err = s.client.DB.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key)
		return apperrors.NewStoreError("postgres", "delete", err)
	}
	_, err = s.client.DB.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, s.table), key, value)
	return apperrors.NewStoreError("postgres", "set", err)
}

func (s *PostgresStore) Delete(key []byte) error {
	return s.Set(key, nil)
}

func (s *PostgresStore) Keys(fn func(key []byte) error) error {
	ctx, cancel := s.ctx()
	defer cancel()
	rows, err := s.client.DB.QueryContext(ctx, fmt.Sprintf(`SELECT key FROM %s`, s.table))
	if err != nil {
		return apperrors.NewStoreError("postgres", "keys", err)
	}
	var keys [][]byte
	for rows.Next() {
		var k []byte
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return apperrors.NewStoreError("postgres", "scan key", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Close(); err != nil {
		return apperrors.NewStoreError("postgres", "keys", err)
	}
	if err := rows.Err(); err != nil {
		return apperrors.NewStoreError("postgres", "keys", err)
	}
	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Flush() error { return nil }

// Close does not close the shared client; its owner does.
func (s *PostgresStore) Close() error { return nil }
