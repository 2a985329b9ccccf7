package invalidation

import (
	"fmt"
	"time"

	"github.com/miracle2k/xappy-sub001/internal/hitlist"
)

// Op is the kind of document mutation an event reports.
type Op string

const (
	// OpUpdate means the documents changed; every query referencing them
	// is dropped and will be recomputed.
	OpUpdate Op = "update"
	// OpDelete means the documents are gone; they are removed from the
	// cached hit lists that reference them.
	OpDelete Op = "delete"
)

// Event is the Kafka payload describing a document mutation.
type Event struct {
	ID       string          `json:"id"`
	Op       Op              `json:"op"`
	DocIDs   []hitlist.DocID `json:"doc_ids"`
	IssuedAt time.Time       `json:"issued_at"`
}

func (e Event) Validate() error {
	switch e.Op {
	case OpUpdate, OpDelete:
	default:
		return fmt.Errorf("unknown op %q", e.Op)
	}
	return nil
}
