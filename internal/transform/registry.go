package transform

import (
	"log/slog"

	"github.com/livinlefevreloca/glucose-pipeline/internal/metadata"
)

// Deps are the collaborators shared by every transformer
type Deps struct {
	Registry  *metadata.Registry
	Ingester  Ingester
	Storage   Storage
	Validator Validator
	Logger    *slog.Logger
}

// All returns every transformer in the order they run. New transformers
// are added here.
func All(deps Deps) ([]Transformer, error) {
	glucose, err := NewGlucoseMeasurementsTransformer(deps.Registry, deps.Ingester, deps.Storage, deps.Validator, deps.Logger)
	if err != nil {
		return nil, err
	}

	return []Transformer{
		glucose,
	}, nil
}
