package sql2nl

import (
	"fmt"
	"runtime/debug"

	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/KaLuLas/SQL2NL-demo/dataset"
)

// Service orchestrates predictions: checkpoint lookup, per-request dataset
// preparation, model construction, generation and scoring. Every failure is
// converted into the returned EvaluationResult; Predict returns no error and
// lets no panic escape.
type Service struct {
	registry *Registry
	datasets *dataset.Builder
	files    Materializer
	backend  backends.Backend
	log      *zap.Logger
}

// NewService wires the orchestrator. A nil logger is replaced by a no-op one.
func NewService(registry *Registry, datasets *dataset.Builder, files Materializer, backend backends.Backend, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		registry: registry,
		datasets: datasets,
		files:    files,
		backend:  backend,
		log:      log,
	}
}

// Ready reports whether the service can answer predictions: every supported
// architecture has a checkpoint and both training datasets are built.
func (s *Service) Ready() bool {
	return s.registry.Ready()
}

// Predict runs one request through the pipeline and reports the outcome.
// goldText is optional; when present the result carries a score against it.
func (s *Service) Predict(arch, dbID, goldText, sourceQuery, requestID string) (result EvaluationResult) {
	result = EvaluationResult{
		ModelName: arch,
		Original:  sourceQuery,
		HasScore:  goldText != "",
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("prediction panicked",
				zap.String("model", arch),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()))
			result.Success = false
			result.Result = ""
			result.Score = 0
			result.FailedReason = fmt.Sprintf("panic during prediction: %v", r)
		}
	}()

	if !IsSupported(arch) {
		return s.fail(s.log, result, errUnsupported(arch))
	}

	identifier := fmt.Sprintf("%s@%s", requestID, arch)
	log := s.log.With(zap.String("identifier", identifier))

	ckpt, err := s.registry.Get(arch)
	if err != nil {
		return s.fail(log, result, err)
	}

	family := ArchitectureFamily(arch)
	train, err := s.datasets.EnsureTraining(family)
	if err != nil {
		return s.fail(log, result, errors.Wrapf(ErrDatasetBuild, "training %s dataset: %v", family, err))
	}

	recordPath, err := s.files.Materialize(dbID, goldText, sourceQuery, identifier)
	if err == nil && recordPath == "" {
		err = errors.New("materializer returned an empty path")
	}
	if err != nil {
		return s.fail(log, result, errors.Wrapf(ErrDatasetBuild,
			"build input record for model %s: %v", arch, err))
	}

	eval, err := s.datasets.BuildEval(family, train.Vocab, recordPath)
	if err != nil {
		return s.fail(log, result, errors.Wrapf(ErrDatasetBuild,
			"build dataset for %s: %v", arch, err))
	}
	ex := eval.Examples[0]

	model, err := BuildModel(ckpt.Params, train.Vocab, s.backend)
	if err != nil {
		return s.fail(log, result, err)
	}
	if err := model.LoadWeights(ckpt.Weights); err != nil {
		return s.fail(log, result, errors.Wrapf(ErrCheckpointLoad,
			"load weights for %s: %v", arch, err))
	}

	log.Info("model ready, starting evaluation", zap.String("model", arch))

	enc, err := model.Encode(ex)
	if err != nil {
		return s.fail(log, result, errors.Wrapf(err, "encode with %s", arch))
	}
	defer enc.Finalize()

	ids, err := GreedyDecode(model, enc, dataset.BosID, int32(train.Vocab.Size()), dataset.UnkID)
	if err != nil {
		return s.fail(log, result, errors.Wrapf(err, "decode with %s", arch))
	}

	result.Result = Detokenize(ids, train.Vocab, ex.IdxToTok)
	if result.HasScore {
		result.Score = Score(result.Result, eval.OriginQuestions[0])
	}
	result.Success = true

	log.Info("prediction complete",
		zap.String("model", arch),
		zap.Bool("scored", result.HasScore),
		zap.Float64("score", result.Score))
	return result
}

func (s *Service) fail(log *zap.Logger, result EvaluationResult, err error) EvaluationResult {
	log.Error("prediction failed",
		zap.String("model", result.ModelName),
		zap.String("reason", fmt.Sprintf("%+v", err)))
	result.FailedReason = err.Error()
	return result
}
