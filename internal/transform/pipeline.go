// Package transform runs transformers that derive tables from ingested
// source tables. Each run walks a fixed extract, validate, transform, load
// sequence and advances the destination runmoment only when every stage
// succeeded.
package transform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/glucose-pipeline/internal/db"
	"github.com/livinlefevreloca/glucose-pipeline/internal/metrics"
)

// Transformer builds one derived table. Stages are called in order on the
// same instance; Extract resets whatever a previous run left behind.
type Transformer interface {
	// Name is the destination table
	Name() string
	Extract(ctx context.Context) error
	ValidateSchema(ctx context.Context) error
	Transform(ctx context.Context) error
	// Load stores the result and sets the destination runmoment to runmoment
	Load(ctx context.Context, runmoment time.Time) error
	// Rows is the number of derived rows produced by the last Transform
	Rows() int
}

// StageError reports the stage at which a transformer run stopped
type StageError struct {
	Transformer string
	Stage       string
	Err         error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("transformer %s failed at %s: %v", e.Transformer, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// RunRecorder persists one pipeline run per transformer run. *db.DB implements it.
type RunRecorder interface {
	CreatePipelineRun(run *db.PipelineRun) error
	CompletePipelineRun(runID string, rowCount int, errorMsg *string) error
}

// Pipeline drives a single Transformer through its stages
type Pipeline struct {
	transformer Transformer
	logger      *slog.Logger
	state       State
	recorder    *StateRecorder
	now         func() time.Time
	runs        RunRecorder
	metrics     *metrics.Metrics
	runID       string
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithRecorder records every transition into recorder.
func WithRecorder(recorder *StateRecorder) Option {
	return func(p *Pipeline) {
		p.recorder = recorder
	}
}

// WithClock replaces time.Now as the source of the runmoment.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithRunLog records each run through recorder.
func WithRunLog(recorder RunRecorder) Option {
	return func(p *Pipeline) {
		p.runs = recorder
	}
}

// WithMetrics reports derived row counts and failures to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// NewPipeline creates a pipeline in StateCreated
func NewPipeline(transformer Transformer, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		transformer: transformer,
		logger:      logger,
		state:       StateCreated,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the state the last run reached
func (p *Pipeline) State() State {
	return p.state
}

// Run captures the runmoment, then executes every stage in order. The first
// failing stage aborts the run with a *StageError; the destination
// runmoment is then left untouched, so the next run starts from the same
// watermark.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	runmoment := p.now().UTC()
	name := p.transformer.Name()

	p.runID = uuid.New().String()
	p.state = StateCreated
	if p.recorder != nil {
		p.recorder.Record(StateCreated)
	}

	finish := p.startRun(name, runmoment)
	defer func() { finish(err) }()

	p.logger.Info("running transformer", "table", name, "runmoment", runmoment, "run_id", p.runID)

	stages := []struct {
		run  func(context.Context) error
		next State
	}{
		{p.transformer.Extract, StateExtracted},
		{p.transformer.ValidateSchema, StateValidated},
		{p.transformer.Transform, StateTransformed},
		{func(ctx context.Context) error { return p.transformer.Load(ctx, runmoment) }, StateLoaded},
	}

	for _, s := range stages {
		if err := s.run(ctx); err != nil {
			p.metrics.ObserveError(db.RunKindTransform, name)
			p.logger.Error("transformer failed",
				"table", name,
				"stage", p.state.stage(),
				"run_id", p.runID,
				"error", err)
			return &StageError{Transformer: name, Stage: p.state.stage(), Err: err}
		}
		p.transitionTo(s.next)
	}

	p.metrics.ObserveTransform(name, p.transformer.Rows(), runmoment)
	return nil
}

// transitionTo performs a state transition and logs it
func (p *Pipeline) transitionTo(newState State) {
	oldState := p.state
	p.state = newState

	if p.recorder != nil {
		p.recorder.Record(newState)
	}

	p.logger.Debug("state transition",
		"table", p.transformer.Name(),
		"from", oldState.String(),
		"to", newState.String(),
		"run_id", p.runID)
}

func (p *Pipeline) startRun(table string, runmoment time.Time) func(err error) {
	if p.runs == nil {
		return func(error) {}
	}

	run := &db.PipelineRun{
		RunID:     p.runID,
		Kind:      db.RunKindTransform,
		TableName: table,
		WindowEnd: &runmoment,
		Status:    db.RunStatusRunning,
		StartedAt: time.Now(),
	}
	if err := p.runs.CreatePipelineRun(run); err != nil {
		p.logger.Warn("failed to record pipeline run", "table", table, "error", err)
		return func(error) {}
	}

	return func(err error) {
		var msg *string
		rows := p.transformer.Rows()
		if err != nil {
			s := err.Error()
			msg = &s
			rows = 0
		}
		if cerr := p.runs.CompletePipelineRun(run.RunID, rows, msg); cerr != nil {
			p.logger.Warn("failed to complete pipeline run", "table", table, "run_id", run.RunID, "error", cerr)
		}
	}
}

// RunAll runs every transformer in order and stops at the first failure.
func RunAll(ctx context.Context, transformers []Transformer, logger *slog.Logger, opts ...Option) error {
	for _, t := range transformers {
		if err := NewPipeline(t, logger, opts...).Run(ctx); err != nil {
			return err
		}
	}
	return nil
}
