package sql2nl

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"

	"github.com/KaLuLas/SQL2NL-demo/dataset"
)

// BuildModel constructs a fresh architecture instance for the checkpoint
// hyperparameters, bound to the vocabulary its dataset family was built with.
// The tag is resolved through the constructor registry exactly once; the
// returned Model carries no further dispatch.
func BuildModel(params *Hyperparams, vocab *dataset.Vocabulary, backend backends.Backend) (Model, error) {
	if params == nil {
		return nil, errors.Wrap(ErrModelBuild, "nil hyperparameters")
	}
	if vocab == nil {
		return nil, errors.Wrapf(ErrModelBuild, "nil vocabulary for model %s", params.Model)
	}

	constructor, ok := GetArchitecture(params.Model)
	if !ok {
		return nil, errUnsupported(params.Model)
	}

	model, err := constructor(params, vocab, backend)
	if err != nil {
		return nil, errors.Wrapf(ErrModelBuild, "model %s: %v", params.Model, err)
	}
	return model, nil
}
