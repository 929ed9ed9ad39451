package detector

import (
	"fmt"
	"strings"

	"deepscan/internal/backend"
)

// ModelType selects which backends score a request.
type ModelType string

// ModelEnsemble fuses every available backend. The other model types name a
// single backend.
const ModelEnsemble ModelType = "ensemble"

// ModelTypes lists every accepted model type.
func ModelTypes() []ModelType {
	out := []ModelType{ModelEnsemble}
	for _, kind := range backend.Kinds() {
		out = append(out, ModelType(kind))
	}
	return out
}

// ParseModelType resolves a model type name. Empty input selects the ensemble.
func ParseModelType(value string) (ModelType, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return ModelEnsemble, nil
	}
	for _, known := range ModelTypes() {
		if ModelType(value) == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown model type %q", value)
}

// Kinds returns the backend kinds the model type uses.
func (m ModelType) Kinds() []backend.Kind {
	if m == ModelEnsemble {
		return backend.Kinds()
	}
	return []backend.Kind{backend.Kind(m)}
}

func (m ModelType) String() string { return string(m) }
