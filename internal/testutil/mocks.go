// Package testutil provides hand-written mocks of the pipeline's collaborators.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/livinlefevreloca/glucose-pipeline/internal/db"
	"github.com/livinlefevreloca/glucose-pipeline/internal/record"
	"github.com/livinlefevreloca/glucose-pipeline/internal/storage"
)

// LoadCall records the arguments of one MockLoader.Load call
type LoadCall struct {
	Start        time.Time
	End          time.Time
	Endpoint     string
	TimestampCol string
}

// MockLoader returns canned records per endpoint
type MockLoader struct {
	mu    sync.Mutex
	data  map[string][]record.Record
	errs  map[string]error
	calls []LoadCall
}

func NewMockLoader() *MockLoader {
	return &MockLoader{
		data: make(map[string][]record.Record),
		errs: make(map[string]error),
	}
}

func (m *MockLoader) SetData(endpoint string, data []record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[endpoint] = data
}

func (m *MockLoader) SetError(endpoint string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[endpoint] = err
}

func (m *MockLoader) Load(ctx context.Context, start, end time.Time, endpoint, timestampCol string) ([]record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, LoadCall{Start: start, End: end, Endpoint: endpoint, TimestampCol: timestampCol})

	if err := m.errs[endpoint]; err != nil {
		return nil, err
	}
	return m.data[endpoint], nil
}

func (m *MockLoader) Calls() []LoadCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]LoadCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// UpsertCall records the arguments of one MockStorage.Upsert call
type UpsertCall struct {
	Table   string
	Records []record.Record
}

// FindCall records the arguments of one MockStorage.Find call
type FindCall struct {
	Table     string
	Query     []storage.Condition
	Sort      []string
	Ascending bool
}

// MockStorage keeps runmoments in memory and records every write
type MockStorage struct {
	mu sync.Mutex

	Now        time.Time
	Epoch      time.Time
	runmoments map[string]time.Time
	findResult map[string][]record.Record

	upserts    []UpsertCall
	finds      []FindCall
	setCalls   []string
	windowErr  error
	upsertErrs map[string]error
	findErr    error
}

func NewMockStorage(now time.Time) *MockStorage {
	return &MockStorage{
		Now:        now,
		Epoch:      storage.DefaultEpoch,
		runmoments: make(map[string]time.Time),
		findResult: make(map[string][]record.Record),
		upsertErrs: make(map[string]error),
	}
}

func (m *MockStorage) SetFindResult(table string, data []record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findResult[table] = data
}

func (m *MockStorage) SetUpsertError(table string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertErrs[table] = err
}

func (m *MockStorage) SetWindowError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windowErr = err
}

func (m *MockStorage) SetFindError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findErr = err
}

func (m *MockStorage) GetWindow(source string) (storage.Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.windowErr != nil {
		return storage.Window{}, m.windowErr
	}
	return storage.Window{Start: m.lastRunmoment(source), End: m.Now}, nil
}

func (m *MockStorage) GetLastRunmoment(source string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRunmoment(source), nil
}

func (m *MockStorage) lastRunmoment(source string) time.Time {
	if ts, ok := m.runmoments[source]; ok {
		return ts
	}
	return m.Epoch
}

func (m *MockStorage) SetLastRunmoment(source string, timestamp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runmoments[source] = timestamp
	m.setCalls = append(m.setCalls, source)
	return nil
}

func (m *MockStorage) Upsert(records []record.Record, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.upsertErrs[table]; err != nil {
		return err
	}
	m.upserts = append(m.upserts, UpsertCall{Table: table, Records: records})
	return nil
}

func (m *MockStorage) Find(table string, query []storage.Condition, sort []string, ascending bool) ([]record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.finds = append(m.finds, FindCall{Table: table, Query: query, Sort: sort, Ascending: ascending})
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.findResult[table], nil
}

// Runmoment returns the stored runmoment for source and whether one was set
func (m *MockStorage) Runmoment(source string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.runmoments[source]
	return ts, ok
}

func (m *MockStorage) Upserts() []UpsertCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]UpsertCall, len(m.upserts))
	copy(result, m.upserts)
	return result
}

func (m *MockStorage) Finds() []FindCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]FindCall, len(m.finds))
	copy(result, m.finds)
	return result
}

func (m *MockStorage) SetRunmomentCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]string, len(m.setCalls))
	copy(result, m.setCalls)
	return result
}

// MockRunRecorder keeps pipeline runs in memory
type MockRunRecorder struct {
	mu   sync.Mutex
	runs map[string]*db.PipelineRun
	ids  []string
}

func NewMockRunRecorder() *MockRunRecorder {
	return &MockRunRecorder{runs: make(map[string]*db.PipelineRun)}
}

func (m *MockRunRecorder) CreatePipelineRun(run *db.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *run
	m.runs[run.RunID] = &copied
	m.ids = append(m.ids, run.RunID)
	return nil
}

func (m *MockRunRecorder) CompletePipelineRun(runID string, rowCount int, errorMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return db.ErrNotFound
	}
	now := time.Now()
	run.Rows = rowCount
	run.Error = errorMsg
	run.CompletedAt = &now
	run.Status = db.RunStatusCompleted
	if errorMsg != nil {
		run.Status = db.RunStatusFailed
	}
	return nil
}

// Runs returns the recorded runs in creation order
func (m *MockRunRecorder) Runs() []db.PipelineRun {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]db.PipelineRun, 0, len(m.ids))
	for _, id := range m.ids {
		result = append(result, *m.runs[id])
	}
	return result
}
