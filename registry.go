package sql2nl

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/KaLuLas/SQL2NL-demo/dataset"
)

// Architecture tags. These are wire-visible: requests name models by tag and
// results echo them back.
const (
	ArchBiLSTM         = "BiLSTM"
	ArchRelTransformer = "Relative-Transformer"
	ArchTransformer    = "Transformer"
	ArchTreeLSTM       = "TreeLSTM"
)

// corpusName is the only corpus the shipped checkpoints were trained on.
const corpusName = "spider"

// Constructor builds an architecture instance bound to checkpoint
// hyperparameters and the training vocabulary.
type Constructor func(params *Hyperparams, vocab *dataset.Vocabulary, backend backends.Backend) (Model, error)

// registry holds all registered architecture constructors.
var (
	registry   = make(map[string]Constructor)
	registryMu sync.RWMutex
)

// RegisterArchitecture registers a constructor for an architecture tag.
// Architecture packages call this from init.
func RegisterArchitecture(tag string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[tag] = constructor
}

// GetArchitecture returns the constructor for an architecture tag.
func GetArchitecture(tag string) (Constructor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	constructor, ok := registry[tag]
	return constructor, ok
}

// SupportedArchitectures returns all registered tags, sorted.
func SupportedArchitectures() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	tags := make([]string, 0, len(registry))
	for tag := range registry {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// IsSupported reports whether an architecture tag is registered.
func IsSupported(tag string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[tag]
	return ok
}

// ArchitectureFamily returns the dataset family an architecture consumes.
// TreeLSTM reads clause trees; the other models read flat token sequences.
func ArchitectureFamily(tag string) dataset.Family {
	if tag == ArchTreeLSTM {
		return dataset.FamilyTree
	}
	return dataset.FamilySeq
}

// checkpointLayout maps a tag to its directory and file stem under the
// checkpoint root.
var checkpointLayout = map[string]struct{ dir, stem string }{
	ArchBiLSTM:         {"BiLSTM", "bilstm_big"},
	ArchRelTransformer: {"RelativeTransformer", "rel_transformer_big"},
	ArchTransformer:    {"Transformer", "transformer_big"},
	ArchTreeLSTM:       {"TreeLSTM", "tree2seq_big"},
}

// RegistryConfig locates the checkpoints and the training corpus.
type RegistryConfig struct {
	// CheckpointDir is the root of the checkpoint directory layout.
	CheckpointDir string

	// Paths overrides the checkpoint location per architecture tag.
	Paths map[string]string

	// TrainFiles and TablesFile describe the training corpus shared by all
	// architectures.
	TrainFiles []string
	TablesFile string
}

// Registry holds the loaded checkpoints and the memoized training datasets.
// LoadAll fills it once at startup; afterwards it is read-only.
type Registry struct {
	cfg      RegistryConfig
	log      *zap.Logger
	datasets *dataset.Builder

	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewRegistry creates an empty registry. A nil logger is replaced by a no-op
// one.
func NewRegistry(cfg RegistryConfig, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	builder := dataset.NewBuilder(dataset.Config{
		TrainFiles: cfg.TrainFiles,
		TablesFile: cfg.TablesFile,
	}, log)
	return &Registry{
		cfg:         cfg,
		log:         log,
		datasets:    builder,
		checkpoints: make(map[string]*Checkpoint),
	}
}

// Datasets exposes the vocabulary-sharing dataset builder.
func (r *Registry) Datasets() *dataset.Builder {
	return r.datasets
}

// ResolveCheckpointPath returns the checkpoint location for a tag, or the
// empty string for tags without a known layout.
func (r *Registry) ResolveCheckpointPath(tag string) string {
	if path, ok := r.cfg.Paths[tag]; ok {
		return path
	}
	layout, ok := checkpointLayout[tag]
	if !ok {
		return ""
	}
	return filepath.Join(r.cfg.CheckpointDir, layout.dir, corpusName, layout.stem+".safetensors")
}

// LoadAll loads one checkpoint per supported architecture, then builds both
// training datasets. The first failure aborts: readiness is all or nothing.
func (r *Registry) LoadAll() error {
	supported := SupportedArchitectures()
	if len(supported) == 0 {
		return errors.Wrap(ErrRegistryNotReady, "no architectures registered")
	}

	for _, tag := range supported {
		path := r.ResolveCheckpointPath(tag)
		if path == "" {
			return errors.Wrapf(ErrCheckpointLoad, "no checkpoint path for model %s", tag)
		}
		r.log.Info("loading checkpoint", zap.String("model", tag), zap.String("path", path))
		ckpt, err := LoadCheckpoint(path)
		if err != nil {
			return errors.Wrapf(ErrCheckpointLoad, "model %s: %v", tag, err)
		}
		if ckpt.Arch != tag {
			return errors.Wrapf(ErrCheckpointLoad,
				"checkpoint %s declares model %q, want %q", path, ckpt.Arch, tag)
		}
		r.mu.Lock()
		r.checkpoints[tag] = ckpt
		r.mu.Unlock()
		r.log.Info("checkpoint loaded", zap.String("model", tag), zap.String("path", path))
	}

	for _, family := range []dataset.Family{dataset.FamilySeq, dataset.FamilyTree} {
		if _, err := r.datasets.EnsureTraining(family); err != nil {
			return errors.Wrapf(ErrDatasetBuild, "training %s dataset: %v", family, err)
		}
	}

	r.log.Info("registry ready", zap.Strings("models", supported))
	return nil
}

// Loaded returns the tags with a loaded checkpoint, sorted.
func (r *Registry) Loaded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.checkpoints))
	for tag := range r.checkpoints {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Ready reports whether every supported architecture has a loaded checkpoint
// and both training datasets are built.
func (r *Registry) Ready() bool {
	supported := SupportedArchitectures()
	if len(supported) == 0 {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tag := range supported {
		if _, ok := r.checkpoints[tag]; !ok {
			return false
		}
	}
	return r.datasets.Ready()
}

// Get returns the loaded checkpoint for a tag.
func (r *Registry) Get(tag string) (*Checkpoint, error) {
	if !IsSupported(tag) {
		return nil, errUnsupported(tag)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	ckpt, ok := r.checkpoints[tag]
	if !ok {
		return nil, errors.Wrapf(ErrRegistryNotReady, "checkpoint for model %s is not loaded yet", tag)
	}
	return ckpt, nil
}
