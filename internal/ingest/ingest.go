// Package ingest pulls the next window of every source table from the
// remote source into storage and advances its watermark.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/glucose-pipeline/internal/db"
	"github.com/livinlefevreloca/glucose-pipeline/internal/metadata"
	"github.com/livinlefevreloca/glucose-pipeline/internal/metrics"
	"github.com/livinlefevreloca/glucose-pipeline/internal/record"
	"github.com/livinlefevreloca/glucose-pipeline/internal/source"
	"github.com/livinlefevreloca/glucose-pipeline/internal/storage"
)

// Storage is the subset of the storage engine the ingester needs
type Storage interface {
	GetWindow(source string) (storage.Window, error)
	Upsert(records []record.Record, table string) error
	SetLastRunmoment(source string, timestamp time.Time) error
}

// RunRecorder persists one pipeline run per table cycle. *db.DB implements it.
type RunRecorder interface {
	CreatePipelineRun(run *db.PipelineRun) error
	CompletePipelineRun(runID string, rowCount int, errorMsg *string) error
}

// Ingester moves data from a Loader into Storage, one table at a time.
type Ingester struct {
	loader  source.Loader
	storage Storage
	logger  *slog.Logger

	continueOnError bool
	runs            RunRecorder
	metrics         *metrics.Metrics
}

// Option configures an Ingester
type Option func(*Ingester)

// WithContinueOnError makes Ingest skip a failing table and carry on with
// the rest of the batch instead of aborting.
func WithContinueOnError(continueOnError bool) Option {
	return func(i *Ingester) {
		i.continueOnError = continueOnError
	}
}

// WithRunLog records every table cycle through recorder.
func WithRunLog(recorder RunRecorder) Option {
	return func(i *Ingester) {
		i.runs = recorder
	}
}

// WithMetrics reports row counts and failures to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Ingester) {
		i.metrics = m
	}
}

// New creates an ingester
func New(loader source.Loader, storage Storage, logger *slog.Logger, opts ...Option) *Ingester {
	i := &Ingester{
		loader:  loader,
		storage: storage,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest processes tables strictly in order. For each table the window is
// computed, loaded, upserted, and only then is the runmoment advanced to the
// window end. By default the first failure aborts the remaining tables;
// with WithContinueOnError every table is attempted and the failures are
// joined.
func (i *Ingester) Ingest(ctx context.Context, tables []metadata.TableMetadata) error {
	i.logger.Info("ingesting tables", "count", len(tables))

	var errs []error
	for _, table := range tables {
		if err := i.ingestTable(ctx, table); err != nil {
			i.metrics.ObserveError(db.RunKindIngest, table.Name)
			i.logger.Error("failed to ingest table", "table", table.Name, "error", err)

			if !i.continueOnError {
				return err
			}
			errs = append(errs, err)
		}
	}

	i.logger.Debug("done ingesting", "failed", len(errs))
	return errors.Join(errs...)
}

func (i *Ingester) ingestTable(ctx context.Context, table metadata.TableMetadata) (err error) {
	if table.Endpoint == "" {
		return fmt.Errorf("table %s has no source endpoint", table.Name)
	}

	window, err := i.storage.GetWindow(table.Name)
	if err != nil {
		return fmt.Errorf("failed to get window for %s: %w", table.Name, err)
	}

	rows := 0
	finish := i.startRun(table.Name, window)
	defer func() { finish(rows, err) }()

	i.logger.Debug("ingesting table", "table", table.Name, "start", window.Start, "end", window.End)

	data, err := i.loader.Load(ctx, window.Start, window.End, table.Endpoint, table.TimestampCol)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", table.Name, err)
	}

	if err := i.storage.Upsert(data, table.Name); err != nil {
		return fmt.Errorf("failed to store %s: %w", table.Name, err)
	}
	rows = len(data)

	i.logger.Info("ingested table",
		"table", table.Name,
		"rows", rows,
		"start", window.Start,
		"end", window.End)

	if err := i.storage.SetLastRunmoment(table.Name, window.End); err != nil {
		return fmt.Errorf("failed to advance runmoment of %s: %w", table.Name, err)
	}

	i.metrics.ObserveIngest(table.Name, rows, window.End)
	return nil
}

// startRun records the start of a table cycle and returns the function that
// completes it. Run log failures are logged, never returned.
func (i *Ingester) startRun(table string, window storage.Window) func(rows int, err error) {
	if i.runs == nil {
		return func(int, error) {}
	}

	run := &db.PipelineRun{
		RunID:       uuid.New().String(),
		Kind:        db.RunKindIngest,
		TableName:   table,
		WindowStart: &window.Start,
		WindowEnd:   &window.End,
		Status:      db.RunStatusRunning,
		StartedAt:   time.Now(),
	}
	if err := i.runs.CreatePipelineRun(run); err != nil {
		i.logger.Warn("failed to record pipeline run", "table", table, "error", err)
		return func(int, error) {}
	}

	return func(rows int, err error) {
		var msg *string
		if err != nil {
			s := err.Error()
			msg = &s
		}
		if cerr := i.runs.CompletePipelineRun(run.RunID, rows, msg); cerr != nil {
			i.logger.Warn("failed to complete pipeline run", "table", table, "run_id", run.RunID, "error", cerr)
		}
	}
}
