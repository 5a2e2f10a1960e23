package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/glucose-pipeline/internal/metadata"
	"github.com/livinlefevreloca/glucose-pipeline/internal/record"
	"github.com/livinlefevreloca/glucose-pipeline/internal/storage"
)

const (
	EntriesTable             = "entries"
	GlucoseMeasurementsTable = "glucose_measurements"

	// MgDLPerMmolL converts glucose concentrations between mg/dL and mmol/L
	MgDLPerMmolL = 18.0182

	calibrationType = "cal"
)

// ErrMissingGlucoseValue is returned for an entry with neither sgv nor mbg
var ErrMissingGlucoseValue = errors.New("entry has no glucose value")

// Ingester refreshes source tables before extraction
type Ingester interface {
	Ingest(ctx context.Context, tables []metadata.TableMetadata) error
}

// Storage is the subset of the storage engine transformers need
type Storage interface {
	Find(table string, query []storage.Condition, sort []string, ascending bool) ([]record.Record, error)
	Upsert(records []record.Record, table string) error
	GetLastRunmoment(source string) (time.Time, error)
	SetLastRunmoment(source string, timestamp time.Time) error
}

// Validator checks rows against a table's registered schema
type Validator interface {
	Validate(tableName string, data []record.Record) error
}

// GlucoseMeasurement is one row of the glucose_measurements table
type GlucoseMeasurement struct {
	ID        string
	Time      time.Time
	Delta     *float64
	Direction *string
	Type      string
	MgDL      float64
	MmolL     float64
}

// Record converts m into its stored representation
func (m GlucoseMeasurement) Record() record.Record {
	r := record.Record{
		"glucose_measurement_id":   m.ID,
		"glucose_measurement_time": record.FormatTime(m.Time),
		"type":                     m.Type,
		"glucose_value_mg_dl":      m.MgDL,
		"glucose_value_mmol_l":     m.MmolL,
		"delta":                    nil,
		"direction":                nil,
	}
	if m.Delta != nil {
		r["delta"] = *m.Delta
	}
	if m.Direction != nil {
		r["direction"] = *m.Direction
	}
	return r
}

// NewGlucoseMeasurement maps one raw entry. The glucose value is sgv, or
// mbg when sgv is absent.
func NewGlucoseMeasurement(entry record.Record) (GlucoseMeasurement, error) {
	id, ok := entry.String("_id")
	if !ok {
		return GlucoseMeasurement{}, fmt.Errorf("entry has no _id")
	}

	dateString, _ := entry.String("dateString")
	ts, err := record.ParseTime(dateString)
	if err != nil {
		return GlucoseMeasurement{}, fmt.Errorf("entry %s: invalid dateString %q: %w", id, dateString, err)
	}

	mgdl, ok := entry.Float("sgv")
	if !ok {
		mgdl, ok = entry.Float("mbg")
	}
	if !ok {
		return GlucoseMeasurement{}, fmt.Errorf("entry %s: %w", id, ErrMissingGlucoseValue)
	}

	m := GlucoseMeasurement{
		ID:    id,
		Time:  ts,
		MgDL:  mgdl,
		MmolL: mgdl / MgDLPerMmolL,
	}
	m.Type, _ = entry.String("type")
	if delta, ok := entry.Float("delta"); ok {
		m.Delta = &delta
	}
	if direction, ok := entry.String("direction"); ok {
		m.Direction = &direction
	}
	return m, nil
}

// GlucoseMeasurementsTransformer derives glucose_measurements from the
// non-calibration rows of entries.
type GlucoseMeasurementsTransformer struct {
	source      metadata.TableMetadata
	destination metadata.TableMetadata

	ingester  Ingester
	storage   Storage
	validator Validator
	logger    *slog.Logger

	extracted []record.Record
	result    []record.Record
}

// NewGlucoseMeasurementsTransformer looks up entries and glucose_measurements
// in registry and fails with metadata.ErrTableNotFound if either is missing.
func NewGlucoseMeasurementsTransformer(registry *metadata.Registry, ingester Ingester, storage Storage, validator Validator, logger *slog.Logger) (*GlucoseMeasurementsTransformer, error) {
	source, err := registry.Get(EntriesTable)
	if err != nil {
		return nil, err
	}
	destination, err := registry.Get(GlucoseMeasurementsTable)
	if err != nil {
		return nil, err
	}

	return &GlucoseMeasurementsTransformer{
		source:      source,
		destination: destination,
		ingester:    ingester,
		storage:     storage,
		validator:   validator,
		logger:      logger,
	}, nil
}

func (t *GlucoseMeasurementsTransformer) Name() string {
	return t.destination.Name
}

// Extract ingests new entries, then reads every non-calibration entry newer
// than the destination's runmoment.
func (t *GlucoseMeasurementsTransformer) Extract(ctx context.Context) error {
	t.extracted = nil
	t.result = nil

	if err := t.ingester.Ingest(ctx, []metadata.TableMetadata{t.source}); err != nil {
		return fmt.Errorf("failed to ingest %s: %w", t.source.Name, err)
	}

	last, err := t.storage.GetLastRunmoment(t.destination.Name)
	if err != nil {
		return fmt.Errorf("failed to get runmoment of %s: %w", t.destination.Name, err)
	}

	query := []storage.Condition{
		storage.Where("type", storage.OpNe, calibrationType),
		storage.Where(t.source.TimestampCol, storage.OpGt, record.FormatTime(last)),
	}
	rows, err := t.storage.Find(t.source.Name, query, []string{t.source.TimestampCol}, true)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", t.source.Name, err)
	}

	t.extracted = rows
	t.logger.Info("extracted entries", "table", t.destination.Name, "rows", len(rows), "since", last)
	return nil
}

func (t *GlucoseMeasurementsTransformer) ValidateSchema(ctx context.Context) error {
	return t.validator.Validate(t.source.Name, t.extracted)
}

// Transform maps every extracted entry into a glucose measurement.
func (t *GlucoseMeasurementsTransformer) Transform(ctx context.Context) error {
	result := make([]record.Record, 0, len(t.extracted))
	for _, entry := range t.extracted {
		m, err := NewGlucoseMeasurement(entry)
		if err != nil {
			return err
		}
		result = append(result, m.Record())
	}

	if len(result) == 0 {
		t.logger.Info("no new entries found", "table", t.destination.Name)
	}
	t.result = result
	return nil
}

// Load upserts the measurements, if any, and always advances the
// destination runmoment.
func (t *GlucoseMeasurementsTransformer) Load(ctx context.Context, runmoment time.Time) error {
	if len(t.result) > 0 {
		if err := t.storage.Upsert(t.result, t.destination.Name); err != nil {
			return fmt.Errorf("failed to store %s: %w", t.destination.Name, err)
		}
	}

	if err := t.storage.SetLastRunmoment(t.destination.Name, runmoment); err != nil {
		return fmt.Errorf("failed to advance runmoment of %s: %w", t.destination.Name, err)
	}

	t.logger.Info("loaded table", "table", t.destination.Name, "rows", len(t.result), "runmoment", runmoment)
	return nil
}

func (t *GlucoseMeasurementsTransformer) Rows() int {
	return len(t.result)
}

// Result returns the rows produced by the last Transform
func (t *GlucoseMeasurementsTransformer) Result() []record.Record {
	return t.result
}
