package orchestrator

import (
	"context"

	"github.com/jkaninda/harness/internal/config"
)

// ModelInfo is one entry of the model catalog.
type ModelInfo struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// ModelLookup resolves model identifiers before submission.
type ModelLookup interface {
	Lookup(ctx context.Context, name string) (ModelInfo, bool)
}

// StaticModels is a fixed model catalog.
type StaticModels map[string]ModelInfo

// NewStaticModels builds a catalog from configuration. Returns nil for an
// empty list, which disables the lookup.
func NewStaticModels(models []config.ModelConfig) StaticModels {
	if len(models) == 0 {
		return nil
	}
	m := make(StaticModels, len(models))
	for _, mc := range models {
		m[mc.Name] = ModelInfo{Name: mc.Name, Available: mc.Available}
	}
	return m
}

func (m StaticModels) Lookup(_ context.Context, name string) (ModelInfo, bool) {
	info, ok := m[name]
	return info, ok
}
