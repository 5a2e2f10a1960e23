// Package validator checks batches of records against the JSON schema
// registered for their table.
package validator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/livinlefevreloca/glucose-pipeline/internal/metadata"
	"github.com/livinlefevreloca/glucose-pipeline/internal/record"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrSchemaNotFound is returned when the table has no registered schema.
	ErrSchemaNotFound = errors.New("no schema registered")
	// ErrSchemaMismatch is matched by every *SchemaMismatchError.
	ErrSchemaMismatch = errors.New("schema mismatch")
)

// SchemaMismatchError carries the validation detail for a non-conforming batch.
type SchemaMismatchError struct {
	Table  string
	Detail string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("data for table %s does not match its schema: %s", e.Table, e.Detail)
}

func (e *SchemaMismatchError) Is(target error) bool {
	return target == ErrSchemaMismatch
}

// SchemaValidator validates batches against the registry's schemas.
// Compiled schemas are cached per table.
type SchemaValidator struct {
	registry *metadata.Registry

	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// New creates a validator backed by the given registry
func New(registry *metadata.Registry) *SchemaValidator {
	return &SchemaValidator{
		registry: registry,
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Validate checks data against the schema of tableName. The batch is
// validated as a single JSON array; data is not modified.
func (v *SchemaValidator) Validate(tableName string, data []record.Record) error {
	schema, err := v.schema(tableName)
	if err != nil {
		return err
	}

	doc, err := toJSONValue(data)
	if err != nil {
		return fmt.Errorf("failed to encode data for table %s: %w", tableName, err)
	}

	if err := schema.Validate(doc); err != nil {
		return &SchemaMismatchError{Table: tableName, Detail: err.Error()}
	}

	return nil
}

func (v *SchemaValidator) schema(tableName string) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.compiled[tableName]; ok {
		return s, nil
	}

	table, err := v.registry.Get(tableName)
	if err != nil {
		return nil, err
	}
	if !table.HasSchema() {
		return nil, fmt.Errorf("table %s: %w", tableName, ErrSchemaNotFound)
	}

	raw, err := json.Marshal(table.Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema for table %s: %w", tableName, err)
	}

	url := tableName + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to load schema for table %s: %w", tableName, err)
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for table %s: %w", tableName, err)
	}

	v.compiled[tableName] = s
	return s, nil
}

// toJSONValue round-trips data through encoding/json so the validator sees
// plain []any / map[string]any values with json.Number numerics.
func toJSONValue(data []record.Record) (any, error) {
	if data == nil {
		data = []record.Record{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
