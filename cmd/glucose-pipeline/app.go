package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/livinlefevreloca/glucose-pipeline/internal/config"
	"github.com/livinlefevreloca/glucose-pipeline/internal/db"
	"github.com/livinlefevreloca/glucose-pipeline/internal/ingest"
	"github.com/livinlefevreloca/glucose-pipeline/internal/metadata"
	"github.com/livinlefevreloca/glucose-pipeline/internal/metrics"
	"github.com/livinlefevreloca/glucose-pipeline/internal/migrate"
	"github.com/livinlefevreloca/glucose-pipeline/internal/record"
	"github.com/livinlefevreloca/glucose-pipeline/internal/source"
	"github.com/livinlefevreloca/glucose-pipeline/internal/storage"
	"github.com/livinlefevreloca/glucose-pipeline/internal/transform"
	"github.com/livinlefevreloca/glucose-pipeline/internal/validator"
)

type command func(ctx context.Context, a *app, args []string, stdout io.Writer) error

// commandSpec pairs a command with whether it records metrics. Read-only
// commands leave the textfile alone so it keeps the last cycle's values.
type commandSpec struct {
	run     command
	observe bool
}

var commands = map[string]commandSpec{
	"ingest":     {run: cmdIngest, observe: true},
	"transform":  {run: cmdTransform, observe: true},
	"run":        {run: cmdRun, observe: true},
	"runmoments": {run: cmdRunmoments},
	"runs":       {run: cmdRuns},
}

// app holds the collaborators shared by every command
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	database *db.DB
	registry *metadata.Registry
	engine   *storage.Engine
	metrics  *metrics.Metrics
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	registry, err := metadata.LoadDir(cfg.Pipeline.MetadataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load table metadata: %w", err)
	}
	logger.Info("loaded table metadata", "dir", cfg.Pipeline.MetadataDir, "tables", len(registry.Tables()))

	logger.Debug("connecting to database", "driver", cfg.Database.Driver, "dsn", cfg.Database.DSN)
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}

	if !cfg.Database.SkipMigrations {
		if err := migrate.Up(database.DB); err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		version, err := migrate.CurrentVersion(database.DB)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to get schema version: %w", err)
		}
		logger.Debug("database schema ready", "version", version)
	}

	engine, err := storage.New(database, registry, logger, storage.WithDefaultEpoch(cfg.Pipeline.DefaultEpoch))
	if err != nil {
		database.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		database: database,
		registry: registry,
		engine:   engine,
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}
	return a, nil
}

func (a *app) close() {
	if err := a.database.Close(); err != nil {
		a.logger.Warn("failed to close database", "error", err)
	}
}

func (a *app) writeMetrics() error {
	if a.metrics == nil {
		return nil
	}
	return a.metrics.WriteTextfile(a.cfg.Metrics.TextfilePath)
}

func (a *app) ingester() (*ingest.Ingester, error) {
	loader, err := source.NewNightscoutLoader(a.cfg.Source, nil)
	if err != nil {
		return nil, err
	}
	return ingest.New(loader, a.engine, a.logger,
		ingest.WithContinueOnError(a.cfg.Pipeline.ContinueOnError),
		ingest.WithRunLog(a.database),
		ingest.WithMetrics(a.metrics),
	), nil
}

func (a *app) transformers(ingester *ingest.Ingester) ([]transform.Transformer, error) {
	return transform.All(transform.Deps{
		Registry:  a.registry,
		Ingester:  ingester,
		Storage:   a.engine,
		Validator: validator.New(a.registry),
		Logger:    a.logger,
	})
}

func cmdIngest(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	ingester, err := a.ingester()
	if err != nil {
		return err
	}
	return ingester.Ingest(ctx, a.registry.ByType(metadata.SourceTable))
}

func cmdTransform(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	ingester, err := a.ingester()
	if err != nil {
		return err
	}
	transformers, err := a.transformers(ingester)
	if err != nil {
		return err
	}
	return transform.RunAll(ctx, transformers, a.logger,
		transform.WithRunLog(a.database),
		transform.WithMetrics(a.metrics))
}

func cmdRun(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	if err := cmdIngest(ctx, a, args, stdout); err != nil {
		return err
	}
	return cmdTransform(ctx, a, args, stdout)
}

func cmdRunmoments(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	stored, err := a.engine.Runmoments()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tTYPE\tRUNMOMENT")
	for _, table := range a.registry.Tables() {
		ts, ok := stored[table.Name]
		value := record.FormatTime(ts)
		if !ok {
			value = record.FormatTime(a.cfg.Pipeline.DefaultEpoch) + " (default)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", table.Name, table.Type, value)
	}
	return tw.Flush()
}

func cmdRuns(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	table := fs.String("table", "", "Only list runs of this table")
	limit := fs.Int("limit", 20, "Maximum number of runs to list")
	runID := fs.String("id", "", "Show a single run")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("runs: %w", err)
	}

	var runs []db.PipelineRun
	if *runID != "" {
		run, err := a.database.GetPipelineRun(*runID)
		if db.IsNotFound(err) {
			return fmt.Errorf("run %s not found", *runID)
		}
		if err != nil {
			return err
		}
		runs = append(runs, *run)
	} else {
		var err error
		runs, err = a.database.GetPipelineRuns(*table, *limit)
		if err != nil {
			return err
		}
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tKIND\tTABLE\tSTATUS\tROWS\tSTARTED\tERROR")
	for _, run := range runs {
		errMsg := ""
		if run.Error != nil {
			errMsg = *run.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			run.RunID, run.Kind, run.TableName, run.Status, run.Rows, record.FormatTime(run.StartedAt), errMsg)
	}
	return tw.Flush()
}
