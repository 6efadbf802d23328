package sql2nl

import (
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/KaLuLas/SQL2NL-demo/safetensors"
)

// hyperparamsMetadataKey is the safetensors metadata entry holding the JSON
// hyperparameter record.
const hyperparamsMetadataKey = "hyperparameters"

// Checkpoint is one architecture's trained state: the hyperparameter record
// plus the weight tensors, both read from a single safetensors file.
type Checkpoint struct {
	Arch    string
	Params  *Hyperparams
	Weights *safetensors.File
}

// LoadCheckpoint reads a checkpoint file and parses the embedded
// hyperparameter record. Evaluation defaults are injected after parsing:
// the corpus is always spider and generation runs one example at a time.
func LoadCheckpoint(filePath string) (*Checkpoint, error) {
	weights, err := safetensors.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint %q", filePath)
	}

	record, ok := weights.Metadata[hyperparamsMetadataKey]
	if !ok {
		return nil, errors.Errorf("checkpoint %q has no %q metadata record",
			filePath, hyperparamsMetadataKey)
	}
	params, err := ParseHyperparams([]byte(record))
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %q", filePath)
	}
	if params.Model == "" {
		return nil, errors.Errorf("checkpoint %q does not name its model", filePath)
	}

	params.Source = filePath
	params.Data = corpusName
	params.EvalBatchSize = 1

	return &Checkpoint{Arch: params.Model, Params: params, Weights: weights}, nil
}

// FetchCheckpoints downloads one checkpoint per supported architecture from a
// Hugging Face repository into the local checkpoint layout. Remote files are
// expected under the same relative paths ResolveCheckpointPath uses.
func FetchCheckpoints(repoID, checkpointDir string, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	supported := SupportedArchitectures()
	if len(supported) == 0 {
		return errors.New("no architectures registered")
	}

	repo := hub.New(repoID)
	if err := repo.DownloadInfo(false); err != nil {
		return errors.Wrapf(err, "failed to read repo %q", repoID)
	}

	for _, tag := range supported {
		layout, ok := checkpointLayout[tag]
		if !ok {
			return errors.Errorf("no checkpoint layout for model %s", tag)
		}
		name := layout.stem + ".safetensors"
		remote := path.Join(layout.dir, corpusName, name)

		log.Info("fetching checkpoint", zap.String("model", tag), zap.String("file", remote))
		cached, err := repo.DownloadFile(remote)
		if err != nil {
			return errors.Wrapf(err, "failed to download %q", remote)
		}

		target := filepath.Join(checkpointDir, layout.dir, corpusName, name)
		if err := copyFile(cached, target); err != nil {
			return errors.Wrapf(err, "failed to place checkpoint for model %s", tag)
		}
		log.Info("checkpoint fetched", zap.String("model", tag), zap.String("path", target))
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
