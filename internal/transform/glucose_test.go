package transform

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/livinlefevreloca/glucose-pipeline/internal/db"
	"github.com/livinlefevreloca/glucose-pipeline/internal/ingest"
	"github.com/livinlefevreloca/glucose-pipeline/internal/metadata"
	"github.com/livinlefevreloca/glucose-pipeline/internal/migrate"
	"github.com/livinlefevreloca/glucose-pipeline/internal/record"
	"github.com/livinlefevreloca/glucose-pipeline/internal/storage"
	"github.com/livinlefevreloca/glucose-pipeline/internal/testutil"
	"github.com/livinlefevreloca/glucose-pipeline/internal/validator"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==============================================================================
// Test Helpers
// ==============================================================================

func loadTestRegistry(t *testing.T) *metadata.Registry {
	t.Helper()

	reg, err := metadata.LoadDir("../../config/metadata/tables")
	require.NoError(t, err)
	return reg
}

// fakeIngester records the tables it was asked to ingest
type fakeIngester struct {
	err    error
	tables []string
}

func (f *fakeIngester) Ingest(ctx context.Context, tables []metadata.TableMetadata) error {
	for _, table := range tables {
		f.tables = append(f.tables, table.Name)
	}
	return f.err
}

func newTestTransformer(t *testing.T, ing Ingester, store Storage) *GlucoseMeasurementsTransformer {
	t.Helper()

	reg := loadTestRegistry(t)
	tr, err := NewGlucoseMeasurementsTransformer(reg, ing, store, validator.New(reg), createTestLogger())
	require.NoError(t, err)
	return tr
}

func entry(id, dateString, typ string, sgv, mbg any) record.Record {
	return record.Record{
		"_id":        id,
		"dateString": dateString,
		"type":       typ,
		"sgv":        sgv,
		"mbg":        mbg,
		"delta":      1.5,
		"direction":  "Flat",
	}
}

// ==============================================================================
// Row mapping
// ==============================================================================

func TestNewGlucoseMeasurement(t *testing.T) {
	tests := []struct {
		name      string
		entry     record.Record
		wantMgDL  float64
		wantErrIs error
		wantErr   bool
	}{
		{
			name:     "sgv",
			entry:    entry("a", "2024-01-01T00:00:00.000Z", "sgv", 180, nil),
			wantMgDL: 180,
		},
		{
			name:     "falls back to mbg",
			entry:    entry("b", "2024-01-01T00:00:00.000Z", "mbg", nil, 95),
			wantMgDL: 95,
		},
		{
			name:     "sgv wins over mbg",
			entry:    entry("c", "2024-01-01T00:00:00.000Z", "sgv", 120, 95),
			wantMgDL: 120,
		},
		{
			name:     "json number",
			entry:    entry("d", "2024-01-01T00:00:00.000Z", "sgv", json.Number("101"), nil),
			wantMgDL: 101,
		},
		{
			name:      "no glucose value",
			entry:     entry("e", "2024-01-01T00:00:00.000Z", "sgv", nil, nil),
			wantErr:   true,
			wantErrIs: ErrMissingGlucoseValue,
		},
		{
			name:    "bad timestamp",
			entry:   entry("f", "yesterday", "sgv", 100, nil),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewGlucoseMeasurement(tt.entry)
			if tt.wantErr {
				require.Error(t, err)
				if tt.wantErrIs != nil {
					assert.ErrorIs(t, err, tt.wantErrIs)
				}
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantMgDL, m.MgDL)
			assert.InDelta(t, tt.wantMgDL/18.0182, m.MmolL, 1e-9)
		})
	}
}

func TestNewGlucoseMeasurement_UnitConversion(t *testing.T) {
	m, err := NewGlucoseMeasurement(entry("a", "2024-01-01T00:00:00.000Z", "sgv", 180, nil))
	require.NoError(t, err)

	assert.Equal(t, 180.0, m.MgDL)
	assert.InDelta(t, 9.99, m.MmolL, 0.01)
}

func TestGlucoseMeasurement_Record(t *testing.T) {
	m, err := NewGlucoseMeasurement(entry("a", "2024-01-01T01:00:00+01:00", "sgv", 180, nil))
	require.NoError(t, err)

	r := m.Record()
	assert.Equal(t, "a", r["glucose_measurement_id"])
	assert.Equal(t, "2024-01-01T00:00:00.000Z", r["glucose_measurement_time"])
	assert.Equal(t, 1.5, r["delta"])
	assert.Equal(t, "Flat", r["direction"])
	assert.Equal(t, "sgv", r["type"])
	assert.Equal(t, 180.0, r["glucose_value_mg_dl"])

	bare, err := NewGlucoseMeasurement(record.Record{"_id": "b", "dateString": "2024-01-01T00:00:00.000Z", "mbg": 90})
	require.NoError(t, err)
	assert.Nil(t, bare.Record()["delta"])
	assert.Nil(t, bare.Record()["direction"])
}

// ==============================================================================
// Transformer with mocked collaborators
// ==============================================================================

func TestNewGlucoseMeasurementsTransformer_MissingTable(t *testing.T) {
	reg, err := metadata.NewRegistry(metadata.TableMetadata{
		Name: "entries", KeyCol: "_id", TimestampCol: "dateString", Type: metadata.SourceTable, Endpoint: "api/v1/entries.json",
	})
	require.NoError(t, err)

	_, err = NewGlucoseMeasurementsTransformer(reg, &fakeIngester{}, testutil.NewMockStorage(time.Now()), validator.New(reg), createTestLogger())
	assert.ErrorIs(t, err, metadata.ErrTableNotFound)
}

func TestGlucoseMeasurementsTransformer_Run(t *testing.T) {
	runmoment := time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)
	store := testutil.NewMockStorage(runmoment)
	store.SetFindResult(EntriesTable, []record.Record{
		entry("a", "2024-01-01T00:02:00.000Z", "sgv", 180, nil),
		entry("b", "2024-01-01T00:07:00.000Z", "mbg", nil, 95),
	})
	ing := &fakeIngester{}

	tr := newTestTransformer(t, ing, store)
	require.NoError(t, NewPipeline(tr, createTestLogger(), WithClock(fixedClock(runmoment))).Run(context.Background()))

	assert.Equal(t, []string{EntriesTable}, ing.tables)

	finds := store.Finds()
	require.Len(t, finds, 1)
	assert.Equal(t, EntriesTable, finds[0].Table)
	assert.Equal(t, []storage.Condition{
		storage.Where("type", storage.OpNe, "cal"),
		storage.Where("dateString", storage.OpGt, "2020-01-01T00:00:00.000Z"),
	}, finds[0].Query)

	upserts := store.Upserts()
	require.Len(t, upserts, 1)
	assert.Equal(t, GlucoseMeasurementsTable, upserts[0].Table)
	require.Len(t, upserts[0].Records, 2)
	assert.Equal(t, 180.0, upserts[0].Records[0]["glucose_value_mg_dl"])
	assert.Equal(t, 95.0, upserts[0].Records[1]["glucose_value_mg_dl"])
	assert.Equal(t, 2, tr.Rows())

	got, ok := store.Runmoment(GlucoseMeasurementsTable)
	require.True(t, ok)
	assert.Equal(t, runmoment, got)
}

func TestGlucoseMeasurementsTransformer_EmptyExtraction(t *testing.T) {
	runmoment := time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)
	store := testutil.NewMockStorage(runmoment)

	tr := newTestTransformer(t, &fakeIngester{}, store)
	require.NoError(t, NewPipeline(tr, createTestLogger(), WithClock(fixedClock(runmoment))).Run(context.Background()))

	assert.Empty(t, store.Upserts())
	assert.Empty(t, tr.Result())

	got, ok := store.Runmoment(GlucoseMeasurementsTable)
	require.True(t, ok)
	assert.Equal(t, runmoment, got)
}

func TestGlucoseMeasurementsTransformer_Failures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*fakeIngester, *testutil.MockStorage)
		wantStage string
		wantErrIs error
	}{
		{
			name: "ingest failure",
			setup: func(i *fakeIngester, s *testutil.MockStorage) {
				i.err = errors.New("source down")
			},
			wantStage: "extract",
		},
		{
			name: "schema mismatch",
			setup: func(i *fakeIngester, s *testutil.MockStorage) {
				s.SetFindResult(EntriesTable, []record.Record{{"_id": "a", "sgv": 100}})
			},
			wantStage: "validate",
			wantErrIs: validator.ErrSchemaMismatch,
		},
		{
			name: "no glucose value",
			setup: func(i *fakeIngester, s *testutil.MockStorage) {
				s.SetFindResult(EntriesTable, []record.Record{entry("a", "2024-01-01T00:02:00.000Z", "sgv", nil, nil)})
			},
			wantStage: "transform",
			wantErrIs: ErrMissingGlucoseValue,
		},
		{
			name: "upsert failure",
			setup: func(i *fakeIngester, s *testutil.MockStorage) {
				s.SetFindResult(EntriesTable, []record.Record{entry("a", "2024-01-01T00:02:00.000Z", "sgv", 100, nil)})
				s.SetUpsertError(GlucoseMeasurementsTable, errors.New("disk full"))
			},
			wantStage: "load",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testutil.NewMockStorage(time.Now())
			ing := &fakeIngester{}
			tt.setup(ing, store)

			tr := newTestTransformer(t, ing, store)
			err := NewPipeline(tr, createTestLogger()).Run(context.Background())
			require.Error(t, err)

			var stageErr *StageError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, tt.wantStage, stageErr.Stage)
			if tt.wantErrIs != nil {
				assert.ErrorIs(t, err, tt.wantErrIs)
			}

			_, ok := store.Runmoment(GlucoseMeasurementsTable)
			assert.False(t, ok, "runmoment must not advance on failure")
		})
	}
}

// ==============================================================================
// End to end on sqlite
// ==============================================================================

func TestGlucoseMeasurementsTransformer_Incremental(t *testing.T) {
	database, err := db.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, migrate.Up(database.DB))

	now := time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	reg := loadTestRegistry(t)
	engine, err := storage.New(database, reg, createTestLogger(), storage.WithClock(clock))
	require.NoError(t, err)

	loader := testutil.NewMockLoader()
	loader.SetData("api/v1/entries.json", []record.Record{
		entry("a", "2024-01-01T00:02:00.000Z", "sgv", 180, nil),
		entry("b", "2024-01-01T00:05:00.000Z", "cal", nil, nil),
		entry("c", "2024-01-01T00:07:00.000Z", "mbg", nil, 95),
	})
	ingester := ingest.New(loader, engine, createTestLogger())

	tr, err := NewGlucoseMeasurementsTransformer(reg, ingester, engine, validator.New(reg), createTestLogger())
	require.NoError(t, err)

	require.NoError(t, NewPipeline(tr, createTestLogger(), WithClock(clock)).Run(context.Background()))

	measurements, err := engine.Get(GlucoseMeasurementsTable)
	require.NoError(t, err)
	require.Len(t, measurements, 2)
	assert.Equal(t, "a", measurements[0]["glucose_measurement_id"])
	assert.Equal(t, "c", measurements[1]["glucose_measurement_id"])

	// Second run only sees the entry newer than the first runmoment.
	now = time.Date(2024, 1, 1, 0, 20, 0, 0, time.UTC)
	loader.SetData("api/v1/entries.json", []record.Record{
		entry("d", "2024-01-01T00:15:00.000Z", "sgv", 140, nil),
	})

	require.NoError(t, NewPipeline(tr, createTestLogger(), WithClock(clock)).Run(context.Background()))
	assert.Equal(t, 1, tr.Rows())

	measurements, err = engine.Get(GlucoseMeasurementsTable)
	require.NoError(t, err)
	assert.Len(t, measurements, 3)

	last, err := engine.GetLastRunmoment(GlucoseMeasurementsTable)
	require.NoError(t, err)
	assert.Equal(t, now, last)

	entriesRunmoment, err := engine.GetLastRunmoment(EntriesTable)
	require.NoError(t, err)
	assert.Equal(t, now, entriesRunmoment)
}

func TestAll(t *testing.T) {
	reg := loadTestRegistry(t)
	transformers, err := All(Deps{
		Registry:  reg,
		Ingester:  &fakeIngester{},
		Storage:   testutil.NewMockStorage(time.Now()),
		Validator: validator.New(reg),
		Logger:    createTestLogger(),
	})
	require.NoError(t, err)
	require.Len(t, transformers, 1)
	assert.Equal(t, GlucoseMeasurementsTable, transformers[0].Name())
}
