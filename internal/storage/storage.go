package storage

import (
	"context"
	"encoding/json"
	"time"

	"regionsync/internal/domain"
)

// TargetStore applies converted rows to the local copy of a table. Put and Delete resolve
// conflicts against the stored row and report whether the incoming row won. Counter
// entries are merged regardless of the outcome.
type TargetStore interface {
	Put(ctx context.Context, row domain.Row) (bool, error)
	Delete(ctx context.Context, row domain.Row) (bool, error)
}

// TableStore is a TargetStore that also owns table definitions and can be scanned.
type TableStore interface {
	TargetStore
	Get(ctx context.Context, table string, key map[string]any) (domain.Row, bool, error)
	EnsureTable(ctx context.Context, t *domain.Table) error
	DropTable(ctx context.Context, name string) error
	ScanTable(ctx context.Context, name string) (Cursor, error)
}

// Cursor iterates over the rows of a table in key order, tombstones included.
type Cursor interface {
	Next(ctx context.Context) (domain.Row, bool, error)
	Close() error
}

// CheckpointRecord is the durable form of a committed stream position.
type CheckpointRecord struct {
	Name        string
	Position    domain.StreamPosition
	CommittedAt time.Time
}

type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, rec CheckpointRecord) error
	LoadCheckpoint(ctx context.Context, name string) (CheckpointRecord, bool, error)
	// ListCheckpoints returns every record whose name starts with prefix, ordered by name.
	ListCheckpoints(ctx context.Context, prefix string) ([]CheckpointRecord, error)
	DeleteCheckpoint(ctx context.Context, name string) error
}

// ApproxSize estimates the persisted size of a row for byte metrics.
func ApproxSize(row domain.Row) int {
	b, err := json.Marshal(row.Fields)
	if err != nil {
		return 0
	}
	return len(b)
}
