// Package source fetches raw records from the remote diabetes-tracking API.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livinlefevreloca/glucose-pipeline/internal/record"
)

// ErrSourceUnavailable is matched by every *SourceUnavailableError.
var ErrSourceUnavailable = errors.New("source unavailable")

// Loader fetches every record of endpoint whose timestampCol lies in [start, end].
type Loader interface {
	Load(ctx context.Context, start, end time.Time, endpoint, timestampCol string) ([]record.Record, error)
}

// SourceUnavailableError is returned when the upstream answers with a
// non-success status. Body holds the raw response for diagnostics.
type SourceUnavailableError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("error while loading %s from source (status %d): %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *SourceUnavailableError) Is(target error) bool {
	return target == ErrSourceUnavailable
}
