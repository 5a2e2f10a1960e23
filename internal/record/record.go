// Package record defines the row representation shared by loaders, storage
// and transformers.
package record

import (
	"encoding/json"
	"strconv"
	"time"
)

// Bookkeeping fields stamped by the storage engine on every write.
const (
	FieldUpdatedAt  = "updated_at"
	FieldInsertedAt = "inserted_at"
)

// TimeLayout is the ISO-8601 layout used for every persisted timestamp.
// Fixed-width UTC keeps lexicographic order equal to chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Record is a single row: column name to scalar value.
type Record map[string]any

// FormatTime renders t in TimeLayout, in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses timestamps in TimeLayout or any RFC 3339 variant.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Get returns the value of col, or nil when absent.
func (r Record) Get(col string) any {
	return r[col]
}

// Has reports whether col is present and not null.
func (r Record) Has(col string) bool {
	v, ok := r[col]
	return ok && v != nil
}

// String returns col as a string. Numbers are formatted; null and missing
// values report false.
func (r Record) String(col string) (string, bool) {
	switch v := r[col].(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

// Float returns col as a float64. Any numeric representation is accepted,
// including numeric strings; null and missing values report false.
func (r Record) Float(col string) (float64, bool) {
	switch v := r[col].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// With returns a copy of r with col set to v.
func (r Record) With(col string, v any) Record {
	out := r.Clone()
	out[col] = v
	return out
}

// Stamp returns copies of records with col set to the formatted timestamp.
func Stamp(records []Record, col string, at time.Time) []Record {
	ts := FormatTime(at)
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.With(col, ts)
	}
	return out
}
