// Package transfer copies a whole source table into the local table, used when a table
// joins replication or must be rebuilt.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"regionsync/internal/convert"
	"regionsync/internal/domain"
	"regionsync/internal/metrics"
	"regionsync/internal/storage"
)

// ErrTableRecreated aborts a transfer whose target table was dropped and created again
// under a new id; the new table needs a transfer of its own.
var ErrTableRecreated = errors.New("target table recreated during transfer")

type Metadata interface {
	convert.Metadata
	Table(name string) (*domain.Table, bool)
	MarkDropped(id int64)
	PendingEvolution(name string, id int64, version int) (*domain.Table, bool)
	Changed() <-chan struct{}
}

// Source yields the rows of a table as stored by the source region.
type Source interface {
	ScanTable(ctx context.Context, name string) (storage.Cursor, error)
}

type Config struct {
	SourceRegion string
	// RowsPerSecond throttles reads; zero means unthrottled.
	RowsPerSecond float64
}

func (c Config) Validate() error {
	if c.SourceRegion == "" {
		return errors.New("transfer: source region is required")
	}
	if c.RowsPerSecond < 0 {
		return errors.New("transfer: rows per second must be >= 0")
	}
	return nil
}

type Stats struct {
	RowsSeen      int64
	RowsPersisted int64
	Bytes         int64
	Expired       int64
	Tombstones    int64
	Skipped       int64
}

type Transfer struct {
	cfg     Config
	meta    Metadata
	source  Source
	target  storage.TargetStore
	conv    *convert.Converter
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

func New(cfg Config, meta Metadata, source Source, target storage.TargetStore, logger *zap.Logger) (*Transfer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transfer{
		cfg:    cfg,
		meta:   meta,
		source: source,
		target: target,
		conv:   convert.New(meta, nil, logger),
		logger: logger.With(zap.String("sourceRegion", cfg.SourceRegion)),
		now:    time.Now,
	}
	if cfg.RowsPerSecond > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RowsPerSecond), 1)
	}
	return t, nil
}

// Run copies every row of table. Transient faults are retried until ctx ends; an
// unrecoverable fault stops the transfer and is returned with the stats so far.
func (t *Transfer) Run(ctx context.Context, table string) (Stats, error) {
	var stats Stats
	target, ok := t.meta.Table(table)
	if !ok {
		return stats, fmt.Errorf("%w: %q", domain.ErrTableNotFound, table)
	}
	cur, err := t.source.ScanTable(ctx, table)
	if err != nil {
		return stats, fmt.Errorf("scan %q: %w", table, err)
	}
	defer cur.Close()

	m := metrics.ForTransfer(table)
	logger := t.logger.With(zap.String("table", table), zap.Int64("tableID", target.ID))
	logger.Info("table transfer started")
	start := t.now()

	for {
		row, ok, err := cur.Next(ctx)
		if err != nil {
			return stats, fmt.Errorf("read %q: %w", table, err)
		}
		if !ok {
			break
		}
		stats.RowsSeen++
		m.Row("seen")
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return stats, err
			}
		}
		if err := t.copyRow(ctx, row, &target, &stats, m); err != nil {
			logger.Warn("table transfer stopped", zap.Int64("rowsSeen", stats.RowsSeen), zap.Error(err))
			return stats, err
		}
	}

	logger.Info("table transfer finished",
		zap.Int64("rowsSeen", stats.RowsSeen),
		zap.Int64("rowsPersisted", stats.RowsPersisted),
		zap.Int64("skipped", stats.Skipped),
		zap.Duration("elapsed", t.now().Sub(start)))
	return stats, nil
}

func (t *Transfer) copyRow(ctx context.Context, row domain.Row, target **domain.Table, stats *Stats, m *metrics.Transfer) error {
	op := domain.OpPut
	if row.Tombstone {
		op = domain.OpDelete
		stats.Tombstones++
		m.Row("tombstone")
	} else if row.Expired(t.now()) {
		// Copied as is; it expires on the target too.
		stats.Expired++
		m.Row("expired")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := t.conv.Convert(op, t.cfg.SourceRegion, row, *target)
		if errors.Is(err, convert.ErrNotApplicable) {
			stats.Skipped++
			m.Row("skipped")
			return nil
		}
		if err != nil {
			return err
		}

		var won bool
		if op == domain.OpDelete {
			won, err = t.target.Delete(ctx, out)
		} else {
			won, err = t.target.Put(ctx, out)
		}
		switch {
		case err == nil:
			if won {
				n := storage.ApproxSize(out)
				stats.RowsPersisted++
				stats.Bytes += int64(n)
				m.Row("persisted")
				m.Bytes(n)
			}
			return nil
		case domain.IsTransient(err):
			continue
		case errors.Is(err, domain.ErrSchemaMismatch):
			next, err := t.awaitEvolution(ctx, *target)
			if err != nil {
				return err
			}
			if next.ID != (*target).ID {
				return fmt.Errorf("%w: %q id %d -> %d", ErrTableRecreated, next.Name, (*target).ID, next.ID)
			}
			*target = next
		case domain.IsDropped(err):
			t.meta.MarkDropped((*target).ID)
			return err
		default:
			return err
		}
	}
}

func (t *Transfer) awaitEvolution(ctx context.Context, cur *domain.Table) (*domain.Table, error) {
	for {
		changed := t.meta.Changed()
		if next, ok := t.meta.PendingEvolution(cur.Name, cur.ID, cur.Version); ok {
			return next, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}
