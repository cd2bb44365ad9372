// Package inference defines the model-backend contract and its Ollama
// implementation.
package inference

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "inference")

// ErrBackendUnavailable marks a model server that cannot be reached at all,
// as opposed to a failed generation.
var ErrBackendUnavailable = errors.New("model backend unavailable")

// ModelInfo describes one locally available model.
type ModelInfo struct {
	Name      string  `json:"name"`
	ParamSize float64 `json:"paramSize"` // billions
	SizeBytes int64   `json:"sizeBytes"`
}

// GenerateParams tunes a single generation call.
type GenerateParams struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
}

// ModelBackend is the inference engine the worker consumes. Implementations
// must be safe for concurrent use.
type ModelBackend interface {
	Generate(ctx context.Context, model, prompt string, p GenerateParams) (output string, cpuSeconds float64, err error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
	Health(ctx context.Context) bool
}
