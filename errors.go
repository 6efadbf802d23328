package sql2nl

import "github.com/pkg/errors"

// Failure taxonomy of the prediction pipeline. Stages wrap these sentinels so
// callers can classify with errors.Is while the message keeps the
// request-specific detail.
var (
	// ErrUnsupportedArchitecture rejects tags outside the registered set.
	ErrUnsupportedArchitecture = errors.New("unsupported architecture")

	// ErrRegistryNotReady marks requests arriving before LoadAll finished.
	ErrRegistryNotReady = errors.New("registry not ready")

	// ErrCheckpointLoad covers unreadable, malformed or mismatched checkpoints.
	ErrCheckpointLoad = errors.New("checkpoint load failed")

	// ErrDatasetBuild covers corpus parsing and per-request record preparation.
	ErrDatasetBuild = errors.New("dataset build failed")

	// ErrModelBuild covers constructor dispatch and model assembly.
	ErrModelBuild = errors.New("model build failed")
)

// errUnsupported builds the rejection for an unknown architecture tag. The
// message names the tag and every supported tag.
func errUnsupported(tag string) error {
	return errors.Wrapf(ErrUnsupportedArchitecture,
		"model %q is not in supported models %v", tag, SupportedArchitectures())
}
