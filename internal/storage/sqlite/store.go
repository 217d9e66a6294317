package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"regionsync/internal/crdt"
	"regionsync/internal/domain"
	"regionsync/internal/hashroute"
	"regionsync/internal/storage"
)

const (
	dbFile = "regionsync.db"

	schema = `
CREATE TABLE IF NOT EXISTS replicated_tables (
	name TEXT PRIMARY KEY,
	table_id INTEGER NOT NULL UNIQUE,
	version INTEGER NOT NULL,
	definition TEXT NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS table_rows (
	table_id INTEGER NOT NULL,
	pk TEXT NOT NULL,
	table_version INTEGER NOT NULL,
	fields_json TEXT NOT NULL,
	counters BLOB,
	region_id INTEGER NOT NULL,
	mod_time_utc_ns INTEGER NOT NULL,
	expire_time_utc_ns INTEGER,
	tombstone INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (table_id, pk)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	name TEXT PRIMARY KEY,
	position BLOB NOT NULL,
	committed_at_utc_ns INTEGER NOT NULL
);
`
	rowColumns = `table_version, fields_json, counters, region_id, mod_time_utc_ns, expire_time_utc_ns, tombstone`
)

var (
	_ storage.TableStore      = (*Store)(nil)
	_ storage.CheckpointStore = (*Store)(nil)
)

// Store keeps replicated tables and checkpoint records in one sqlite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	db, err := openSQLite(filepath.Join(baseDir, dbFile))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, row domain.Row) (bool, error) {
	return s.write(ctx, row, false)
}

func (s *Store) Delete(ctx context.Context, row domain.Row) (bool, error) {
	return s.write(ctx, row, true)
}

func (s *Store) write(ctx context.Context, row domain.Row, tombstone bool) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, classify(err)
	}
	defer tx.Rollback()

	def, err := tableByID(ctx, tx, row.Table, row.TableID)
	if err != nil {
		return false, err
	}
	if row.TableVersion < def.Version {
		return false, fmt.Errorf("%w: row for %q has version %d, table is at %d",
			domain.ErrSchemaMismatch, def.Name, row.TableVersion, def.Version)
	}
	pk := row.PrimaryKey
	if len(pk) == 0 {
		pk = def.PrimaryKey
	}
	key := hashroute.CanonicalKey(def.Name, pk, row.Fields)

	cur, found, err := loadRow(ctx, tx, def, key)
	if err != nil {
		return false, err
	}

	counters := map[string]crdt.Counter{}
	if found && !cur.Tombstone {
		for p, c := range crdt.Extract(cur.Fields) {
			counters[p] = c.Clone()
		}
	}
	if !tombstone {
		for p, c := range crdt.Extract(row.Fields) {
			if have, ok := counters[p]; ok {
				have.Join(c)
				continue
			}
			counters[p] = c.Clone()
		}
	}

	if !incomingWins(row, cur, found) {
		if tombstone || !found || cur.Tombstone || len(counters) == 0 {
			return false, nil
		}
		blob, err := cbor.Marshal(counters)
		if err != nil {
			return false, fmt.Errorf("encode counters: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE table_rows SET counters=? WHERE table_id=? AND pk=?`,
			blob, def.ID, key); err != nil {
			return false, classify(err)
		}
		return false, classify(tx.Commit())
	}

	fields := row.Fields
	var blob []byte
	if tombstone {
		fields = keyFields(pk, row.Fields)
	} else if len(counters) > 0 {
		if blob, err = cbor.Marshal(counters); err != nil {
			return false, fmt.Errorf("encode counters: %w", err)
		}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return false, fmt.Errorf("encode fields: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO table_rows(table_id, pk, `+rowColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(table_id, pk) DO UPDATE SET
	table_version=excluded.table_version, fields_json=excluded.fields_json, counters=excluded.counters,
	region_id=excluded.region_id, mod_time_utc_ns=excluded.mod_time_utc_ns,
	expire_time_utc_ns=excluded.expire_time_utc_ns, tombstone=excluded.tombstone`,
		def.ID, key, row.TableVersion, string(fieldsJSON), blob, int(row.RegionID),
		row.ModTime.UTC().UnixNano(), nullableTime(row.ExpireTime, tombstone), boolInt(tombstone))
	if err != nil {
		return false, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return false, classify(err)
	}
	return true, nil
}

// incomingWins is last-writer-wins on modification time. Equal times go to the higher
// region id; a replayed write wins against itself.
func incomingWins(in domain.Row, cur domain.Row, found bool) bool {
	if !found {
		return true
	}
	switch {
	case in.ModTime.After(cur.ModTime):
		return true
	case in.ModTime.Before(cur.ModTime):
		return false
	default:
		return in.RegionID >= cur.RegionID
	}
}

func (s *Store) Get(ctx context.Context, table string, key map[string]any) (domain.Row, bool, error) {
	def, err := tableByName(ctx, s.db, table)
	if err != nil {
		return domain.Row{}, false, err
	}
	return loadRow(ctx, s.db, def, hashroute.CanonicalKey(def.Name, def.PrimaryKey, key))
}

// EnsureTable records a table definition. A new id under an existing name replaces the
// table and discards the rows of the old id.
func (s *Store) EnsureTable(ctx context.Context, t *domain.Table) error {
	def, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode table %q: %w", t.Name, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	var oldID int64
	err = tx.QueryRowContext(ctx, `SELECT table_id FROM replicated_tables WHERE name=?`, t.Name).Scan(&oldID)
	switch {
	case err == nil && oldID != t.ID:
		if _, err := tx.ExecContext(ctx, `DELETE FROM table_rows WHERE table_id=?`, oldID); err != nil {
			return classify(err)
		}
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return classify(err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO replicated_tables(name, table_id, version, definition, updated_at_utc_ns)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	table_id=excluded.table_id, version=excluded.version,
	definition=excluded.definition, updated_at_utc_ns=excluded.updated_at_utc_ns`,
		t.Name, t.ID, t.Version, string(def), s.now().UTC().UnixNano()); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func (s *Store) DropTable(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM table_rows WHERE table_id IN (SELECT table_id FROM replicated_tables WHERE name=?)`, name); err != nil {
		return classify(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM replicated_tables WHERE name=?`, name); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func (s *Store) ScanTable(ctx context.Context, name string) (storage.Cursor, error) {
	def, err := tableByName(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+rowColumns+`
FROM table_rows
WHERE table_id=?
ORDER BY pk`, def.ID)
	if err != nil {
		return nil, classify(err)
	}
	return &cursor{rows: rows, def: def}, nil
}

type cursor struct {
	rows *sql.Rows
	def  *domain.Table
}

func (c *cursor) Next(ctx context.Context) (domain.Row, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Row{}, false, err
	}
	if !c.rows.Next() {
		return domain.Row{}, false, classify(c.rows.Err())
	}
	row, err := decodeRow(c.rows, c.def)
	if err != nil {
		return domain.Row{}, false, err
	}
	return row, true, nil
}

func (c *cursor) Close() error {
	return c.rows.Close()
}

func (s *Store) SaveCheckpoint(ctx context.Context, rec storage.CheckpointRecord) error {
	pos, err := cbor.Marshal(rec.Position)
	if err != nil {
		return fmt.Errorf("encode checkpoint %q: %w", rec.Name, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO checkpoints(name, position, committed_at_utc_ns) VALUES(?, ?, ?)
ON CONFLICT(name) DO UPDATE SET position=excluded.position, committed_at_utc_ns=excluded.committed_at_utc_ns`,
		rec.Name, pos, rec.CommittedAt.UTC().UnixNano())
	return classify(err)
}

func (s *Store) LoadCheckpoint(ctx context.Context, name string) (storage.CheckpointRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, position, committed_at_utc_ns FROM checkpoints WHERE name=?`, name)
	rec, err := decodeCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.CheckpointRecord{}, false, nil
	}
	if err != nil {
		return storage.CheckpointRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, prefix string) ([]storage.CheckpointRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, position, committed_at_utc_ns
FROM checkpoints
WHERE substr(name, 1, ?) = ?
ORDER BY name`, len(prefix), prefix)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []storage.CheckpointRecord
	for rows.Next() {
		rec, err := decodeCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, classify(rows.Err())
}

func (s *Store) DeleteCheckpoint(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE name=?`, name)
	return classify(err)
}

type scanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func decodeCheckpoint(sc scanner) (storage.CheckpointRecord, error) {
	var (
		rec storage.CheckpointRecord
		pos []byte
		at  int64
	)
	if err := sc.Scan(&rec.Name, &pos, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, classify(err)
	}
	rec.Position = domain.StreamPosition{}
	if err := cbor.Unmarshal(pos, &rec.Position); err != nil {
		return rec, fmt.Errorf("decode checkpoint %q: %w", rec.Name, err)
	}
	rec.CommittedAt = time.Unix(0, at).UTC()
	return rec, nil
}

func tableByID(ctx context.Context, q queryer, name string, id int64) (*domain.Table, error) {
	return decodeTable(q.QueryRowContext(ctx,
		`SELECT version, definition FROM replicated_tables WHERE table_id=?`, id), name, id)
}

func tableByName(ctx context.Context, q queryer, name string) (*domain.Table, error) {
	return decodeTable(q.QueryRowContext(ctx,
		`SELECT version, definition FROM replicated_tables WHERE name=?`, name), name, 0)
}

func decodeTable(row *sql.Row, name string, id int64) (*domain.Table, error) {
	var (
		version int
		def     string
	)
	err := row.Scan(&version, &def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: table %q id %d", domain.ErrTableNotFound, name, id)
	}
	if err != nil {
		return nil, classify(err)
	}
	var t domain.Table
	if err := json.Unmarshal([]byte(def), &t); err != nil {
		return nil, fmt.Errorf("decode table %q: %w", name, err)
	}
	t.Version = version
	return &t, nil
}

func loadRow(ctx context.Context, q queryer, def *domain.Table, key string) (domain.Row, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+rowColumns+` FROM table_rows WHERE table_id=? AND pk=?`, def.ID, key)
	out, err := decodeRow(row, def)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Row{}, false, nil
	}
	if err != nil {
		return domain.Row{}, false, err
	}
	return out, true, nil
}

func decodeRow(sc scanner, def *domain.Table) (domain.Row, error) {
	var (
		out        domain.Row
		fieldsJSON string
		counters   []byte
		region     int
		mod        int64
		expire     sql.NullInt64
		tombstone  int
	)
	if err := sc.Scan(&out.TableVersion, &fieldsJSON, &counters, &region, &mod, &expire, &tombstone); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return out, err
		}
		return out, classify(err)
	}
	dec := json.NewDecoder(strings.NewReader(fieldsJSON))
	dec.UseNumber()
	if err := dec.Decode(&out.Fields); err != nil {
		return out, fmt.Errorf("decode row of %q: %w", def.Name, err)
	}
	if len(counters) > 0 {
		var cs map[string]crdt.Counter
		if err := cbor.Unmarshal(counters, &cs); err != nil {
			return out, fmt.Errorf("decode counters of %q: %w", def.Name, err)
		}
		if err := crdt.Install(out.Fields, cs); err != nil {
			return out, fmt.Errorf("install counters of %q: %w", def.Name, err)
		}
	}
	out.Table = def.Name
	out.TableID = def.ID
	out.PrimaryKey = append([]string(nil), def.PrimaryKey...)
	out.RegionID = domain.RegionID(region)
	out.ModTime = time.Unix(0, mod).UTC()
	if expire.Valid {
		out.ExpireTime = time.Unix(0, expire.Int64).UTC()
	}
	out.Tombstone = tombstone != 0
	return out, nil
}

func keyFields(pk []string, fields map[string]any) map[string]any {
	out := make(map[string]any, len(pk))
	for _, k := range pk {
		out[k] = fields[k]
	}
	return out
}

func nullableTime(t time.Time, skip bool) any {
	if skip || t.IsZero() {
		return nil
	}
	return t.UTC().UnixNano()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// classify marks lock contention as transient so callers retry it.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", domain.ErrTransient, err)
		}
	}
	return err
}

func openSQLite(path string) (*sql.DB, error) {
	// busy_timeout and synchronous are per connection, so every pooled connection gets them.
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
