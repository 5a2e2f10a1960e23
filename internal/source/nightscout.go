package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/livinlefevreloca/glucose-pipeline/internal/record"
)

// unboundedCount is sent as the page size so the upstream never truncates a window.
const unboundedCount = "10000000000000"

// Config holds the remote source settings
type Config struct {
	BaseURL   string        `toml:"base_url"`
	APISecret string        `toml:"api_secret"`
	Timeout   time.Duration `toml:"timeout"`
}

// DefaultConfig returns default source configuration
func DefaultConfig() Config {
	return Config{
		Timeout: 60 * time.Second,
	}
}

// NightscoutLoader loads entries and treatments from a Nightscout API.
type NightscoutLoader struct {
	baseURL string
	secret  string
	client  *http.Client
}

// NewNightscoutLoader creates a loader for the given configuration. A nil
// client gets a fresh http.Client using config.Timeout.
func NewNightscoutLoader(config Config, client *http.Client) (*NightscoutLoader, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("source base_url must be specified")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid source base_url: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &NightscoutLoader{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		secret:  config.APISecret,
		client:  client,
	}, nil
}

// Load performs a single GET for the window; there is no retry.
func (l *NightscoutLoader) Load(ctx context.Context, start, end time.Time, endpoint, timestampCol string) ([]record.Record, error) {
	params := url.Values{}
	params.Set(fmt.Sprintf("find[%s][$gte]", timestampCol), record.FormatTime(start))
	params.Set(fmt.Sprintf("find[%s][$lte]", timestampCol), record.FormatTime(end))
	params.Set("count", unboundedCount)

	endpointURL := l.baseURL + "/" + strings.TrimLeft(endpoint, "/") + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api_secret", l.secret)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &SourceUnavailableError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()

	var records []record.Record
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", endpoint, err)
	}
	if records == nil {
		records = []record.Record{}
	}

	return records, nil
}
