// Package metadata holds the static description of every logical table.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// TableType distinguishes tables fed by the remote source from tables
// produced by a transformer.
type TableType string

const (
	SourceTable  TableType = "source_table"
	DerivedTable TableType = "derived_table"
)

// ErrTableNotFound is returned when a table name is not registered.
var ErrTableNotFound = errors.New("table not found in metadata")

// TableMetadata describes one logical table.
type TableMetadata struct {
	Name         string         `json:"name" yaml:"name"`
	KeyCol       string         `json:"key_col" yaml:"key_col"`
	TimestampCol string         `json:"timestamp_col" yaml:"timestamp_col"`
	Type         TableType      `json:"type" yaml:"type"`
	Endpoint     string         `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Schema       map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// HasSchema reports whether a JSON schema is registered for the table.
func (t TableMetadata) HasSchema() bool {
	return len(t.Schema) > 0
}

// Validate checks that the required fields are present.
func (t TableMetadata) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("table name must be specified")
	}
	if t.KeyCol == "" {
		return fmt.Errorf("table %s: key_col must be specified", t.Name)
	}
	if t.TimestampCol == "" {
		return fmt.Errorf("table %s: timestamp_col must be specified", t.Name)
	}
	switch t.Type {
	case SourceTable:
		if t.Endpoint == "" {
			return fmt.Errorf("table %s: endpoint must be specified for a source table", t.Name)
		}
	case DerivedTable:
	default:
		return fmt.Errorf("table %s: invalid type %q (must be %s or %s)", t.Name, t.Type, SourceTable, DerivedTable)
	}
	return nil
}

// clone returns t with its own copy of Schema.
func (t TableMetadata) clone() TableMetadata {
	if t.Schema != nil {
		t.Schema = deepCopy(t.Schema).(map[string]any)
	}
	return t
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, inner := range x {
			out[k] = deepCopy(inner)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, inner := range x {
			out[i] = deepCopy(inner)
		}
		return out
	default:
		return v
	}
}

// Registry is an immutable, name-indexed set of table metadata. Every
// accessor returns copies, schemas included.
type Registry struct {
	tables []TableMetadata
	byName map[string]int
}

// NewRegistry builds a registry from already-decoded tables.
func NewRegistry(tables ...TableMetadata) (*Registry, error) {
	r := &Registry{
		tables: make([]TableMetadata, 0, len(tables)),
		byName: make(map[string]int, len(tables)),
	}
	for _, t := range tables {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[t.Name]; dup {
			return nil, fmt.Errorf("table %s is defined more than once", t.Name)
		}
		r.byName[t.Name] = len(r.tables)
		r.tables = append(r.tables, t.clone())
	}
	return r, nil
}

// LoadDir reads every .json, .yaml and .yml file in dir, in file name order.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	tables := make([]TableMetadata, 0, len(files))
	for _, f := range files {
		t, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}

	return NewRegistry(tables...)
}

// LoadFile decodes a single table metadata document.
func LoadFile(path string) (TableMetadata, error) {
	var t TableMetadata

	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("failed to read table metadata: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &t)
	default:
		err = json.Unmarshal(data, &t)
	}
	if err != nil {
		return t, fmt.Errorf("failed to parse table metadata %s: %w", filepath.Base(path), err)
	}

	return t, nil
}

// Get returns the metadata for a table.
func (r *Registry) Get(name string) (TableMetadata, error) {
	i, ok := r.byName[name]
	if !ok {
		return TableMetadata{}, fmt.Errorf("table %q: %w", name, ErrTableNotFound)
	}
	return r.tables[i].clone(), nil
}

// Tables returns all tables in load order.
func (r *Registry) Tables() []TableMetadata {
	out := make([]TableMetadata, len(r.tables))
	for i, t := range r.tables {
		out[i] = t.clone()
	}
	return out
}

// ByType returns the tables of the given type in load order.
func (r *Registry) ByType(typ TableType) []TableMetadata {
	var out []TableMetadata
	for _, t := range r.tables {
		if t.Type == typ {
			out = append(out, t.clone())
		}
	}
	return out
}
