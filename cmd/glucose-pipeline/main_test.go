package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const entriesBody = `[
  {"_id": "a", "dateString": "2024-01-01T00:02:00.000Z", "type": "sgv", "sgv": 180, "delta": 2, "direction": "Flat"},
  {"_id": "b", "dateString": "2024-01-01T00:05:00.000Z", "type": "cal"},
  {"_id": "c", "dateString": "2024-01-01T00:07:00.000Z", "type": "mbg", "mbg": 95}
]`

func newNightscoutServer(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/entries.json":
			fmt.Fprint(w, entriesBody)
		case "/api/v1/treatments.json":
			fmt.Fprint(w, "[]")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeTestConfig(t *testing.T, baseURL string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := fmt.Sprintf(`
[database]
dsn = %q

[source]
base_url = %q
api_secret = "secret"

[pipeline]
metadata_dir = "../../config/metadata/tables"

[metrics]
enabled = true
textfile_path = %q

[logging]
level = "error"
format = "text"
`, filepath.Join(dir, "glucose.db"), baseURL, filepath.Join(dir, "glucose.prom"))

	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func runCommand(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()

	var stdout, logs bytes.Buffer
	err := run(context.Background(), configPath, args, &stdout, &logs)
	return stdout.String(), err
}

func TestRun_EndToEnd(t *testing.T) {
	srv := newNightscoutServer(t)
	configPath := writeTestConfig(t, srv.URL)

	_, err := runCommand(t, configPath, "run")
	require.NoError(t, err)

	out, err := runCommand(t, configPath, "runmoments")
	require.NoError(t, err)
	assert.Contains(t, out, "TABLE")
	for _, line := range strings.Split(strings.TrimSpace(out), "\n")[1:] {
		assert.NotContains(t, line, "(default)", "every table should have a runmoment after run")
	}

	out, err = runCommand(t, configPath, "runs", "-table", "glucose_measurements")
	require.NoError(t, err)
	assert.Contains(t, out, "transform")
	assert.Contains(t, out, "completed")

	out, err = runCommand(t, configPath, "runs", "-limit", "100")
	require.NoError(t, err)
	assert.Contains(t, out, "entries")
	assert.Contains(t, out, "treatments")

	metricsOut, err := os.ReadFile(filepath.Join(filepath.Dir(configPath), "glucose.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(metricsOut), "glucose_pipeline_rows_transformed_total")
}

func TestRun_RunmomentsBeforeIngest(t *testing.T) {
	configPath := writeTestConfig(t, "http://127.0.0.1:1")

	out, err := runCommand(t, configPath, "runmoments")
	require.NoError(t, err)
	assert.Contains(t, out, "entries")
	assert.Contains(t, out, "2020-01-01T00:00:00.000Z (default)")
}

func TestRun_SourceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	configPath := writeTestConfig(t, srv.URL)

	_, err := runCommand(t, configPath, "ingest")
	require.Error(t, err)

	out, err := runCommand(t, configPath, "runs")
	require.NoError(t, err)
	assert.Contains(t, out, "failed")
}

func TestRun_Usage(t *testing.T) {
	_, err := runCommand(t, "")
	assert.ErrorIs(t, err, errUsage)

	srv := newNightscoutServer(t)
	_, err = runCommand(t, writeTestConfig(t, srv.URL), "backfill")
	assert.ErrorIs(t, err, errUsage)
}

func TestRun_ReadOnlyCommandsKeepMetrics(t *testing.T) {
	srv := newNightscoutServer(t)
	configPath := writeTestConfig(t, srv.URL)
	promPath := filepath.Join(filepath.Dir(configPath), "glucose.prom")

	_, err := runCommand(t, configPath, "runs")
	require.NoError(t, err)
	_, err = os.Stat(promPath)
	assert.True(t, os.IsNotExist(err), "runs must not write the metrics textfile")

	_, err = runCommand(t, configPath, "ingest")
	require.NoError(t, err)
	before, err := os.ReadFile(promPath)
	require.NoError(t, err)
	assert.Contains(t, string(before), "glucose_pipeline_rows_ingested_total")

	_, err = runCommand(t, configPath, "runmoments")
	require.NoError(t, err)
	_, err = runCommand(t, configPath, "runs")
	require.NoError(t, err)

	after, err := os.ReadFile(promPath)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestRun_RunsByID(t *testing.T) {
	srv := newNightscoutServer(t)
	configPath := writeTestConfig(t, srv.URL)

	_, err := runCommand(t, configPath, "ingest")
	require.NoError(t, err)

	out, err := runCommand(t, configPath, "runs", "-table", "entries")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	runID := strings.Fields(lines[1])[0]

	out, err = runCommand(t, configPath, "runs", "-id", runID)
	require.NoError(t, err)
	assert.Contains(t, out, runID)
	assert.Contains(t, out, "entries")

	_, err = runCommand(t, configPath, "runs", "-id", "does-not-exist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
