package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/miracle2k/xappy-sub001/internal/hitlist"
	apperrors "github.com/miracle2k/xappy-sub001/pkg/errors"
	"github.com/miracle2k/xappy-sub001/pkg/postgres"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PostgresFetcher reads documents from a table with id, title and body
// columns.
type PostgresFetcher struct {
	client *postgres.Client
	query  string
}

func NewPostgresFetcher(client *postgres.Client, table string) (*PostgresFetcher, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid documents table name %q", table)
	}
	return &PostgresFetcher{
		client: client,
		query:  fmt.Sprintf(`SELECT title, body FROM %s WHERE id = $1`, table),
	}, nil
}

func (f *PostgresFetcher) GetDocument(ctx context.Context, id hitlist.DocID) (*Document, error) {
	doc := &Document{ID: id}
	err := f.client.DB.QueryRowContext(ctx, f.query, int64(id)).Scan(&doc.Title, &doc.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %d: %w", id, apperrors.ErrDocumentNotFound)
	}
	if err != nil {
		return nil, apperrors.NewStoreError("postgres", "get document", err)
	}
	return doc, nil
}

// FetcherFunc adapts a function to DocumentFetcher.
type FetcherFunc func(ctx context.Context, id hitlist.DocID) (*Document, error)

func (f FetcherFunc) GetDocument(ctx context.Context, id hitlist.DocID) (*Document, error) {
	return f(ctx, id)
}
