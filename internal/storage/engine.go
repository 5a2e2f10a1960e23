// Package storage implements the document store the pipeline lands data in,
// along with the per-table watermarks (runmoments) that make ingestion
// incremental.
package storage

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/livinlefevreloca/glucose-pipeline/internal/db"
	"github.com/livinlefevreloca/glucose-pipeline/internal/metadata"
	"github.com/livinlefevreloca/glucose-pipeline/internal/record"
)

// RunmomentsTable is the reserved collection holding one watermark per source.
const RunmomentsTable = "runmoments"

// Columns of a runmoment document.
const (
	runmomentSource    = "source"
	runmomentTimestamp = "timestamp"
)

// DefaultEpoch is the watermark reported for a table that was never ingested.
var DefaultEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

var (
	// ErrStorageUnavailable is returned when the store cannot be reached at construction.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrMissingKey is returned when a record lacks its table's key column.
	ErrMissingKey = errors.New("record is missing its key column")
)

var tableNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Window is the [Start, End] range fetched in one ingest cycle.
type Window struct {
	Start time.Time
	End   time.Time
}

// Engine stores every logical table as a collection of JSON documents.
// It performs no retries; errors are returned to the caller.
type Engine struct {
	db       *db.DB
	registry *metadata.Registry
	logger   *slog.Logger
	epoch    time.Time
	now      func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithDefaultEpoch overrides the watermark used for tables without a runmoment.
func WithDefaultEpoch(epoch time.Time) Option {
	return func(e *Engine) {
		e.epoch = epoch
	}
}

// WithClock overrides the clock used for windows and bookkeeping stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates a storage engine. The connection is checked immediately so a
// misconfigured store fails at startup.
func New(database *db.DB, registry *metadata.Registry, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if database == nil {
		return nil, fmt.Errorf("%w: no database handle", ErrStorageUnavailable)
	}
	if err := database.Ping(); err != nil {
		logger.Error("could not connect to storage", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	e := &Engine{
		db:       database,
		registry: registry,
		logger:   logger,
		epoch:    DefaultEpoch,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Upsert merges each record into table by the table's key column: absent
// keys are inserted, present ones have the record's fields overwritten.
// Every record is stamped with updated_at. The batch is one transaction.
func (e *Engine) Upsert(records []record.Record, table string) error {
	meta, err := e.registry.Get(table)
	if err != nil {
		return err
	}
	return e.upsert(records, table, meta.KeyCol)
}

func (e *Engine) upsert(records []record.Record, table, keyCol string) error {
	if err := checkTableName(table); err != nil {
		return err
	}
	stamped := record.Stamp(records, record.FieldUpdatedAt, e.now())

	err := e.db.WithTransaction(func(tx *db.Tx) error {
		if err := ensureCollection(tx, table); err != nil {
			return err
		}

		for _, r := range stamped {
			key, err := encodeKey(r, keyCol)
			if err != nil {
				return err
			}
			if err := mergeDocument(tx, table, key, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", table, err)
	}

	return nil
}

// Insert appends records to table without any uniqueness check, stamping
// inserted_at. The key column is indexed when the table is registered.
func (e *Engine) Insert(records []record.Record, table string) error {
	if err := checkTableName(table); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	keyCol := e.keyCol(table)
	stamped := record.Stamp(records, record.FieldInsertedAt, e.now())

	err := e.db.WithTransaction(func(tx *db.Tx) error {
		if err := ensureCollection(tx, table); err != nil {
			return err
		}
		return insertDocuments(tx, table, keyCol, stamped)
	})
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}

	return nil
}

// Overwrite replaces the entire contents of table with records. The drop
// and the re-insert share one transaction, so readers see either the old
// or the new contents.
func (e *Engine) Overwrite(records []record.Record, table string) error {
	if err := checkTableName(table); err != nil {
		return err
	}
	keyCol := e.keyCol(table)
	stamped := record.Stamp(records, record.FieldInsertedAt, e.now())

	err := e.db.WithTransaction(func(tx *db.Tx) error {
		if _, err := tx.Exec(`DROP TABLE IF EXISTS "` + table + `"`); err != nil {
			return err
		}
		if err := ensureCollection(tx, table); err != nil {
			return err
		}
		return insertDocuments(tx, table, keyCol, stamped)
	})
	if err != nil {
		return fmt.Errorf("failed to overwrite %s: %w", table, err)
	}

	return nil
}

// Find returns the records of table matching every condition in query,
// sorted by the given columns. A table that was never written is empty.
func (e *Engine) Find(table string, query []Condition, sort []string, ascending bool) ([]record.Record, error) {
	if err := checkTableName(table); err != nil {
		return nil, err
	}

	where, whereArgs, err := buildWhere(query)
	if err != nil {
		return nil, err
	}
	order, orderArgs, err := buildOrder(sort, ascending)
	if err != nil {
		return nil, err
	}

	exists, err := e.db.TableExists(table)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	if !exists {
		return []record.Record{}, nil
	}

	stmt := `SELECT doc FROM "` + table + `" WHERE ` + where + ` ORDER BY ` + order
	rows, err := e.db.Query(stmt, append(whereArgs, orderArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	out := []record.Record{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode document in %s: %w", table, err)
		}
		out = append(out, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// FindOne returns the first record Find would return.
func (e *Engine) FindOne(table string, query []Condition, sort []string, ascending bool) (record.Record, bool, error) {
	found, err := e.Find(table, query, sort, ascending)
	if err != nil {
		return nil, false, err
	}
	if len(found) == 0 {
		return nil, false, nil
	}
	return found[0], true, nil
}

// Get returns every record of table in insertion order.
func (e *Engine) Get(table string) ([]record.Record, error) {
	return e.Find(table, nil, nil, true)
}

// GetLastRunmoment returns the latest persisted watermark for source, or the
// default epoch when the source has none yet.
func (e *Engine) GetLastRunmoment(source string) (time.Time, error) {
	found, ok, err := e.FindOne(RunmomentsTable,
		[]Condition{Where(runmomentSource, OpEq, source)},
		[]string{runmomentTimestamp}, false)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return e.epoch, nil
	}

	ts, _ := found.String(runmomentTimestamp)
	t, err := record.ParseTime(ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid runmoment %q for %s: %w", ts, source, err)
	}
	return t, nil
}

// SetLastRunmoment records timestamp as the watermark for source.
func (e *Engine) SetLastRunmoment(source string, timestamp time.Time) error {
	doc := record.Record{
		runmomentSource:    source,
		runmomentTimestamp: record.FormatTime(timestamp),
	}
	if err := e.upsert([]record.Record{doc}, RunmomentsTable, runmomentSource); err != nil {
		return err
	}

	e.logger.Info("updated runmoment", "source", source, "timestamp", timestamp)
	return nil
}

// GetWindow returns the next fetch window for source: from its last
// runmoment up to now. now is read once.
func (e *Engine) GetWindow(source string) (Window, error) {
	start, err := e.GetLastRunmoment(source)
	if err != nil {
		return Window{}, err
	}
	end := e.now()

	e.logger.Info("retrieved window", "source", source, "start", start, "end", end)
	return Window{Start: start, End: end}, nil
}

// Runmoments returns the current watermark of every source that has one.
func (e *Engine) Runmoments() (map[string]time.Time, error) {
	docs, err := e.Get(RunmomentsTable)
	if err != nil {
		return nil, err
	}

	out := make(map[string]time.Time, len(docs))
	for _, d := range docs {
		source, _ := d.String(runmomentSource)
		ts, _ := d.String(runmomentTimestamp)
		t, err := record.ParseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("invalid runmoment %q for %s: %w", ts, source, err)
		}
		if prev, ok := out[source]; !ok || t.After(prev) {
			out[source] = t
		}
	}
	return out, nil
}

func (e *Engine) keyCol(table string) string {
	meta, err := e.registry.Get(table)
	if err != nil {
		return ""
	}
	return meta.KeyCol
}

func checkTableName(table string) error {
	if !tableNameRegex.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	return nil
}

func ensureCollection(tx *db.Tx, table string) error {
	stmt := `
		CREATE TABLE IF NOT EXISTS "` + table + `" (
			_rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			_key TEXT,
			doc TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS "idx_` + table + `_key" ON "` + table + `" (_key);
	`
	if _, err := tx.Exec(stmt); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", table, err)
	}
	return nil
}

// mergeDocument overwrites the fields of the document stored under key with
// those of r, or inserts r when no document has that key.
func mergeDocument(tx *db.Tx, table, key string, r record.Record) error {
	var rowID int64
	var raw string
	err := tx.QueryRow(`SELECT _rowid, doc FROM "`+table+`" WHERE _key = ? ORDER BY _rowid DESC LIMIT 1`, key).Scan(&rowID, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		doc, err := encodeDocument(r)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO "`+table+`" (_key, doc) VALUES (?, ?)`, key, doc)
		return err
	}
	if err != nil {
		return err
	}

	existing, err := decodeDocument(raw)
	if err != nil {
		return err
	}
	for k, v := range r {
		existing[k] = v
	}
	doc, err := encodeDocument(existing)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE "`+table+`" SET doc = ? WHERE _rowid = ?`, doc, rowID)
	return err
}

func insertDocuments(tx *db.Tx, table, keyCol string, records []record.Record) error {
	stmt, err := tx.Prepare(`INSERT INTO "` + table + `" (_key, doc) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		var key any
		if keyCol != "" && r.Has(keyCol) {
			k, err := encodeKey(r, keyCol)
			if err != nil {
				return err
			}
			key = k
		}
		doc, err := encodeDocument(r)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(key, doc); err != nil {
			return err
		}
	}
	return nil
}

// encodeKey renders the key value as JSON so 1 and "1" stay distinct keys.
func encodeKey(r record.Record, keyCol string) (string, error) {
	if !r.Has(keyCol) {
		return "", fmt.Errorf("%w: %s", ErrMissingKey, keyCol)
	}
	v, err := normalize(r[keyCol])
	if err != nil {
		return "", err
	}
	key, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode key %s: %w", keyCol, err)
	}
	return string(key), nil
}

// normalize makes numerically equal keys encode identically.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case json.Number, int, int32, int64, float32, float64:
		return bindValue(x)
	default:
		return v, nil
	}
}

// encodeDocument renders r as JSON. Integral floats keep a fractional part
// so they decode as float64 again.
func encodeDocument(r record.Record) (string, error) {
	doc, err := json.Marshal(keepFloats(map[string]any(r)))
	if err != nil {
		return "", err
	}
	return string(doc), nil
}

func keepFloats(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return json.Number(strconv.FormatFloat(x, 'f', 1, 64))
		}
		return x
	case float32:
		return keepFloats(float64(x))
	case record.Record:
		return keepFloats(map[string]any(x))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, inner := range x {
			out[k] = keepFloats(inner)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, inner := range x {
			out[i] = keepFloats(inner)
		}
		return out
	default:
		return v
	}
}

// decodeDocument parses a stored document. Numbers written without a
// fractional part or exponent come back as int64, all others as float64.
func decodeDocument(raw string) (record.Record, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	for k, v := range doc {
		doc[k] = fromJSON(v)
	}
	return record.Record(doc), nil
}

func fromJSON(v any) any {
	switch x := v.(type) {
	case json.Number:
		if !strings.ContainsAny(x.String(), ".eE") {
			if i, err := x.Int64(); err == nil {
				return i
			}
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		for k, inner := range x {
			x[k] = fromJSON(inner)
		}
		return x
	case []any:
		for i, inner := range x {
			x[i] = fromJSON(inner)
		}
		return x
	default:
		return v
	}
}
