package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/livinlefevreloca/glucose-pipeline/internal/record"
)

// Operator is a comparison operator usable in a Condition.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNe  Operator = "ne"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
	OpIn  Operator = "in"
	OpNin Operator = "nin"
)

// ErrUnsupportedOperator is returned for operators outside the supported set.
var ErrUnsupportedOperator = errors.New("unsupported query operator")

// Condition is one (column, operator, value) filter. Conditions in a query are ANDed.
type Condition struct {
	Column string
	Op     Operator
	Value  any
}

// Where is shorthand for building a Condition.
func Where(column string, op Operator, value any) Condition {
	return Condition{Column: column, Op: op, Value: value}
}

// jsonPath returns the json_extract path for a top-level column.
func jsonPath(column string) (string, error) {
	if column == "" || strings.ContainsAny(column, `"\`) {
		return "", fmt.Errorf("invalid column name %q", column)
	}
	return `$."` + column + `"`, nil
}

// buildWhere translates conditions into a SQL predicate over the doc column.
// ne and nin also match documents where the column is missing.
func buildWhere(query []Condition) (string, []any, error) {
	if len(query) == 0 {
		return "1", nil, nil
	}

	clauses := make([]string, 0, len(query))
	var args []any

	for _, c := range query {
		path, err := jsonPath(c.Column)
		if err != nil {
			return "", nil, err
		}
		field := "json_extract(doc, ?)"

		switch c.Op {
		case OpEq, OpNe:
			v, err := bindValue(c.Value)
			if err != nil {
				return "", nil, fmt.Errorf("column %s: %w", c.Column, err)
			}
			clauses = append(clauses, field+" "+comparison(c.Op)+" ?")
			args = append(args, path, v)

		case OpGt, OpGte, OpLt, OpLte:
			v, err := bindValue(c.Value)
			if err != nil {
				return "", nil, fmt.Errorf("column %s: %w", c.Column, err)
			}
			clause := field + " " + comparison(c.Op) + " ?"
			args = append(args, path, v)
			if types := jsonTypes(c.Value); types != "" {
				clause = "(" + clause + " AND json_type(doc, ?) IN (" + types + "))"
				args = append(args, path)
			}
			clauses = append(clauses, clause)

		case OpIn, OpNin:
			values, err := bindList(c.Value)
			if err != nil {
				return "", nil, fmt.Errorf("column %s: %w", c.Column, err)
			}
			if len(values) == 0 {
				if c.Op == OpIn {
					clauses = append(clauses, "0")
				}
				continue
			}
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
			if c.Op == OpIn {
				clauses = append(clauses, field+" IN ("+placeholders+")")
				args = append(args, path)
			} else {
				clauses = append(clauses, "("+field+" IS NULL OR "+field+" NOT IN ("+placeholders+"))")
				args = append(args, path, path)
			}
			args = append(args, values...)

		default:
			return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedOperator, c.Op)
		}
	}

	if len(clauses) == 0 {
		return "1", args, nil
	}
	return strings.Join(clauses, " AND "), args, nil
}

// jsonTypes lists the json_type values a range bound may be compared
// with. Values of another type never match, as in a document store.
func jsonTypes(v any) string {
	switch v.(type) {
	case string, time.Time:
		return "'text'"
	case int, int32, int64, float32, float64, json.Number:
		return "'integer', 'real'"
	case bool:
		return "'true', 'false'"
	default:
		return ""
	}
}

func comparison(op Operator) string {
	switch op {
	case OpEq:
		return "IS"
	case OpNe:
		return "IS NOT"
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	case OpLt:
		return "<"
	default:
		return "<="
	}
}

// buildOrder returns the ORDER BY clause; insertion order breaks ties.
func buildOrder(sort []string, ascending bool) (string, []any, error) {
	dir := "ASC"
	if !ascending {
		dir = "DESC"
	}

	parts := make([]string, 0, len(sort)+1)
	args := make([]any, 0, len(sort))
	for _, col := range sort {
		path, err := jsonPath(col)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, "json_extract(doc, ?) "+dir)
		args = append(args, path)
	}
	parts = append(parts, "_rowid ASC")

	return strings.Join(parts, ", "), args, nil
}

// bindValue converts a Go value into the SQL value json_extract would
// produce for the same JSON scalar.
func bindValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return x, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		return x.Float64()
	case time.Time:
		return record.FormatTime(x), nil
	default:
		return nil, fmt.Errorf("unsupported query value of type %T", v)
	}
}

func bindList(v any) ([]any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("in/nin expects a list, got %T", v)
	}

	out := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		b, err := bindValue(rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
