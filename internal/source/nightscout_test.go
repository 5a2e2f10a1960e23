package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoader(t *testing.T, handler http.HandlerFunc) *NightscoutLoader {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	loader, err := NewNightscoutLoader(Config{
		BaseURL:   server.URL + "/",
		APISecret: "s3cret",
		Timeout:   5 * time.Second,
	}, nil)
	require.NoError(t, err)

	return loader
}

func TestLoad_BuildsWindowQuery(t *testing.T) {
	start := time.Date(2023, 7, 28, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 7, 29, 0, 0, 0, 0, time.UTC)

	var gotPath string
	var gotQuery map[string][]string
	var gotSecret, gotAccept string

	loader := newTestLoader(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		gotSecret = r.Header.Get("api_secret")
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte(`[{"_id": "a", "sgv": 180, "dateString": "2023-07-28T12:00:00.000Z"}]`))
	})

	records, err := loader.Load(context.Background(), start, end, "api/v1/entries.json", "dateString")
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/entries.json", gotPath)
	assert.Equal(t, "2023-07-28T00:00:00.000Z", gotQuery["find[dateString][$gte]"][0])
	assert.Equal(t, "2023-07-29T00:00:00.000Z", gotQuery["find[dateString][$lte]"][0])
	assert.Equal(t, unboundedCount, gotQuery["count"][0])
	assert.Equal(t, "s3cret", gotSecret)
	assert.Equal(t, "application/json", gotAccept)

	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0]["_id"])
	assert.Equal(t, json.Number("180"), records[0]["sgv"])
}

func TestLoad_EmptyArray(t *testing.T) {
	loader := newTestLoader(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})

	records, err := loader.Load(context.Background(), time.Now(), time.Now(), "api/v1/entries.json", "dateString")
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestLoad_NonSuccessStatus(t *testing.T) {
	calls := 0
	loader := newTestLoader(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message": "Unauthorized"}`))
	})

	_, err := loader.Load(context.Background(), time.Now(), time.Now(), "api/v1/entries.json", "dateString")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSourceUnavailable))

	var unavailable *SourceUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, http.StatusUnauthorized, unavailable.StatusCode)
	assert.Contains(t, unavailable.Body, "Unauthorized")

	assert.Equal(t, 1, calls, "loader must not retry")
}

func TestLoad_InvalidJSON(t *testing.T) {
	loader := newTestLoader(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})

	_, err := loader.Load(context.Background(), time.Now(), time.Now(), "api/v1/entries.json", "dateString")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSourceUnavailable))
	assert.Contains(t, err.Error(), "failed to decode")
}

func TestNewNightscoutLoader_RequiresBaseURL(t *testing.T) {
	_, err := NewNightscoutLoader(Config{}, nil)
	assert.ErrorContains(t, err, "base_url")
}
