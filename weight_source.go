package sql2nl

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// WeightSource abstracts where checkpoint tensors come from.
// *safetensors.File satisfies it; tests substitute in-memory sources.
type WeightSource interface {
	// GetTensor loads a single tensor by name.
	GetTensor(name string) (*tensors.Tensor, error)

	// ListTensorNames returns all available tensor names.
	ListTensorNames() []string
}

// LoadWeightsFromMapping loads tensors into the context using the mapping
// from checkpoint tensor names to context scope paths. Every mapped tensor
// must exist; a missing tensor is an error.
func LoadWeightsFromMapping(weights WeightSource, mapping map[string]string, ctx *context.Context) error {
	for tensorKey, scopePath := range mapping {
		tensor, err := weights.GetTensor(tensorKey)
		if err != nil {
			return errors.Wrapf(err, "failed to load tensor %q", tensorKey)
		}

		// Navigate to the right scope and create the variable.
		scopeParts := strings.Split(scopePath, "/")
		varCtx := ctx
		for _, part := range scopeParts[:len(scopeParts)-1] {
			varCtx = varCtx.In(part)
		}
		varCtx.VariableWithValue(scopeParts[len(scopeParts)-1], tensor)
	}
	return nil
}

// VerifyEmbeddingRows checks that a checkpoint embedding table has exactly
// the given number of rows. Models call it before binding weights; a row
// count that disagrees with the bound vocabulary is an error.
func VerifyEmbeddingRows(weights WeightSource, name string, want int) error {
	tensor, err := weights.GetTensor(name)
	if err != nil {
		return errors.Wrapf(err, "failed to load embedding %q", name)
	}
	dims := tensor.Shape().Dimensions
	if len(dims) != 2 {
		return errors.Errorf("embedding %q has rank %d, want 2", name, len(dims))
	}
	if dims[0] != want {
		return errors.Errorf("embedding %q has %d rows, vocabulary needs %d", name, dims[0], want)
	}
	return nil
}
