//go:build integration

package sql2nl_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/xla"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KaLuLas/SQL2NL-demo"
	"github.com/KaLuLas/SQL2NL-demo/dataset"
	"github.com/KaLuLas/SQL2NL-demo/safetensors"

	// Import architectures to register them for testing.
	_ "github.com/KaLuLas/SQL2NL-demo/architectures/bilstm"
	_ "github.com/KaLuLas/SQL2NL-demo/architectures/reltransformer"
	_ "github.com/KaLuLas/SQL2NL-demo/architectures/transformer"
	_ "github.com/KaLuLas/SQL2NL-demo/architectures/treelstm"
)

// getBackend returns the XLA backend for testing.
func getBackend() backends.Backend {
	// Auto-install XLA PJRT if not available.
	if err := xla.AutoInstall(); err != nil {
		panic(fmt.Sprintf("failed to auto-install XLA: %v", err))
	}
	backends.DefaultConfig = ""
	return backends.MustNew()
}

// favoredTokenID is the first non-special vocabulary entry. The mock
// generator bias pins every argmax on it, so generation never emits the end
// marker and the copy mass never outweighs the closed-vocabulary pick.
const favoredTokenID = 4

// evalCheckpointTensors builds a complete deterministic weight set for one
// architecture under the test hyperparameters: embed 8, hidden 8, d_model 8,
// d_ff 16, 2 heads, 1 layer, max_dist 4, copy on.
func evalCheckpointTensors(tag string, vocabSize int) map[string]*tensors.Tensor {
	const (
		embedDim = 8
		hidSize  = 8
		dModel   = 8
		dFF      = 16
		maxDist  = 4
	)

	nodesDim := dModel
	switch tag {
	case sql2nl.ArchBiLSTM:
		nodesDim = 2 * hidSize
	case sql2nl.ArchTreeLSTM:
		nodesDim = hidSize
	}

	generatorBias := make([]float32, vocabSize)
	for i := range generatorBias {
		generatorBias[i] = -20
	}
	generatorBias[favoredTokenID] = 20

	values := map[string]*tensors.Tensor{
		"decoder.embedding.weight":            makeTensor2D(vocabSize, embedDim),
		"decoder.cell.weight_ih":              makeTensor2D(4*hidSize, embedDim),
		"decoder.cell.weight_hh":              makeTensor2D(4*hidSize, hidSize),
		"decoder.cell.bias_ih":                makeTensor1D(makeZeros(4 * hidSize)),
		"decoder.cell.bias_hh":                makeTensor1D(makeZeros(4 * hidSize)),
		"decoder.attention.linear_in.weight":  makeTensor2D(nodesDim, hidSize),
		"decoder.attention.linear_out.weight": makeTensor2D(hidSize, nodesDim+hidSize),
		"decoder.attention.linear_out.bias":   makeTensor1D(makeZeros(hidSize)),
		"decoder.generator.weight":            makeTensor2D(vocabSize, hidSize),
		"decoder.generator.bias":              makeTensor1D(generatorBias),

		// Zero gate weights keep the generation share at sigmoid(2) no matter
		// what the readout carries.
		"decoder.copy_gate.weight": tensors.FromFlatDataAndDimensions(makeZeros(nodesDim+hidSize+embedDim), 1, nodesDim+hidSize+embedDim),
		"decoder.copy_gate.bias":   makeTensor1D([]float32{2}),

		"encoder.embedding.weight": makeTensor2D(vocabSize, embedDim),
	}

	switch tag {
	case sql2nl.ArchBiLSTM:
		for _, chain := range []string{"forward", "backward"} {
			values["encoder."+chain+".weight_ih"] = makeTensor2D(4*hidSize, embedDim)
			values["encoder."+chain+".weight_hh"] = makeTensor2D(4*hidSize, hidSize)
			values["encoder."+chain+".bias_ih"] = makeTensor1D(makeZeros(4 * hidSize))
			values["encoder."+chain+".bias_hh"] = makeTensor1D(makeZeros(4 * hidSize))
		}
		values["encoder.bridge.weight"] = makeTensor2D(2*hidSize, 2*hidSize)
		values["encoder.bridge.bias"] = makeTensor1D(makeZeros(2 * hidSize))

	case sql2nl.ArchTransformer, sql2nl.ArchRelTransformer:
		for _, proj := range []string{"query", "key", "value", "output"} {
			values["encoder.layers.0.self_attn."+proj+".weight"] = makeTensor2D(dModel, dModel)
			values["encoder.layers.0.self_attn."+proj+".bias"] = makeTensor1D(makeZeros(dModel))
		}
		values["encoder.layers.0.self_attn_norm.weight"] = makeTensor1D(makeOnes(dModel))
		values["encoder.layers.0.self_attn_norm.bias"] = makeTensor1D(makeZeros(dModel))
		values["encoder.layers.0.ff.w_1.weight"] = makeTensor2D(dFF, dModel)
		values["encoder.layers.0.ff.w_1.bias"] = makeTensor1D(makeZeros(dFF))
		values["encoder.layers.0.ff.w_2.weight"] = makeTensor2D(dModel, dFF)
		values["encoder.layers.0.ff.w_2.bias"] = makeTensor1D(makeZeros(dModel))
		values["encoder.layers.0.ff_norm.weight"] = makeTensor1D(makeOnes(dModel))
		values["encoder.layers.0.ff_norm.bias"] = makeTensor1D(makeZeros(dModel))
		values["encoder.bridge.weight"] = makeTensor2D(2*hidSize, dModel)
		values["encoder.bridge.bias"] = makeTensor1D(makeZeros(2 * hidSize))
		if tag == sql2nl.ArchRelTransformer {
			values["encoder.rel_embeddings.weight"] = makeTensor2D(2*maxDist+1, dModel)
		}

	case sql2nl.ArchTreeLSTM:
		values["encoder.type_embedding.weight"] = makeTensor2D(dataset.NodeTypeCount, embedDim)
		for _, gate := range []string{"input", "forget", "output", "update"} {
			values["encoder.tree."+gate+".x.weight"] = makeTensor2D(hidSize, embedDim)
			values["encoder.tree."+gate+".x.bias"] = makeTensor1D(makeZeros(hidSize))
			values["encoder.tree."+gate+".h.weight"] = makeTensor2D(hidSize, hidSize)
		}
	}

	return values
}

// writeEvalCheckpoint writes a complete runnable checkpoint at the path the
// registry resolves for the tag, and returns that path.
func writeEvalCheckpoint(t *testing.T, reg *sql2nl.Registry, tag string, vocabSize int) string {
	t.Helper()
	path := reg.ResolveCheckpointPath(tag)
	require.NotEmpty(t, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	metadata := map[string]string{"hyperparameters": testHyperparamsJSON(tag)}
	require.NoError(t, safetensors.WriteFile(path, evalCheckpointTensors(tag, vocabSize), metadata))
	return path
}

// makeTensor2D creates a 2D tensor with small deterministic values.
func makeTensor2D(rows, cols int) *tensors.Tensor {
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = float32(i%100) * 0.01
	}
	return tensors.FromFlatDataAndDimensions(data, rows, cols)
}

func makeTensor1D(data []float32) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(data, len(data))
}

func makeOnes(size int) []float32 {
	data := make([]float32, size)
	for i := range data {
		data[i] = 1.0
	}
	return data
}

func makeZeros(size int) []float32 {
	return make([]float32, size)
}

// TestModelEncodeShapes loads every architecture with mock weights and checks
// the encoder output contract on a real prepared example.
func TestModelEncodeShapes(t *testing.T) {
	cfg := testRegistryConfig(t)
	reg := sql2nl.NewRegistry(cfg, zap.NewNop())
	builder := reg.Datasets()

	seqTrain, err := builder.EnsureTraining(dataset.FamilySeq)
	require.NoError(t, err)
	treeTrain, err := builder.EnsureTraining(dataset.FamilyTree)
	require.NoError(t, err)

	files := &sql2nl.FileMaterializer{Dir: t.TempDir()}
	recordPath, err := files.Materialize("concert_singer", "", "SELECT name , age FROM singer WHERE age > 20", "shapes")
	require.NoError(t, err)

	backend := getBackend()

	for _, tag := range sql2nl.SupportedArchitectures() {
		t.Run(tag, func(t *testing.T) {
			family := sql2nl.ArchitectureFamily(tag)
			train := seqTrain
			if family == dataset.FamilyTree {
				train = treeTrain
			}

			path := writeEvalCheckpoint(t, reg, tag, train.Vocab.Size())
			ckpt, err := sql2nl.LoadCheckpoint(path)
			require.NoError(t, err)

			eval, err := builder.BuildEval(family, train.Vocab, recordPath)
			require.NoError(t, err)
			ex := eval.Examples[0]
			srcLen := len(ex.SrcIDs)
			require.Positive(t, srcLen)

			model, err := sql2nl.BuildModel(ckpt.Params, train.Vocab, backend)
			require.NoError(t, err)
			require.NoError(t, model.LoadWeights(ckpt.Weights))

			enc, err := model.Encode(ex)
			require.NoError(t, err)
			defer enc.Finalize()

			nodesDim := 8
			if tag == sql2nl.ArchBiLSTM {
				nodesDim = 16
			}
			assert.Equal(t, []int{1, srcLen, nodesDim}, enc.Nodes.Shape().Dimensions)
			assert.Equal(t, []int{1, 16}, enc.Hidden.Shape().Dimensions)
			assert.Equal(t, []int{1, srcLen}, enc.Mask.Shape().Dimensions)
			assert.Equal(t, []int{1, srcLen}, enc.CopyMask.Shape().Dimensions)

			extVocab := ckpt.Params.ExtendedVocabSize(train.Vocab.Size())
			require.NotNil(t, enc.SrcToTrg)
			assert.Equal(t, []int{srcLen, extVocab}, enc.SrcToTrg.Shape().Dimensions)
		})
	}
}

// TestPredictEndToEnd drives the whole pipeline with mock checkpoints: load,
// dataset build, generation over the full budget, scoring.
func TestPredictEndToEnd(t *testing.T) {
	cfg := testRegistryConfig(t)
	reg := sql2nl.NewRegistry(cfg, zap.NewNop())
	builder := reg.Datasets()

	seqTrain, err := builder.EnsureTraining(dataset.FamilySeq)
	require.NoError(t, err)
	treeTrain, err := builder.EnsureTraining(dataset.FamilyTree)
	require.NoError(t, err)

	for _, tag := range sql2nl.SupportedArchitectures() {
		train := seqTrain
		if sql2nl.ArchitectureFamily(tag) == dataset.FamilyTree {
			train = treeTrain
		}
		writeEvalCheckpoint(t, reg, tag, train.Vocab.Size())
	}
	require.NoError(t, reg.LoadAll())

	service := sql2nl.NewService(reg, reg.Datasets(),
		&sql2nl.FileMaterializer{Dir: t.TempDir()}, getBackend(), zap.NewNop())
	require.True(t, service.Ready())

	const (
		dbID  = "concert_singer"
		query = "SELECT count(*) FROM singer"
		gold  = "How many singers do we have ?"
	)

	for _, tag := range sql2nl.SupportedArchitectures() {
		t.Run(tag, func(t *testing.T) {
			res := service.Predict(tag, dbID, gold, query, "e2e")
			require.True(t, res.Success, "prediction failed: %s", res.FailedReason)
			assert.Equal(t, tag, res.ModelName)
			assert.Equal(t, query, res.Original)
			assert.True(t, res.HasScore)
			assert.Empty(t, res.FailedReason)

			assert.NotEmpty(t, res.Result)
			assert.Len(t, strings.Fields(res.Result), sql2nl.MaxDecodeSteps,
				"generation always runs the full budget")
			assert.GreaterOrEqual(t, res.Score, 0.0)
			assert.LessOrEqual(t, res.Score, 1.0)

			again := service.Predict(tag, dbID, gold, query, "e2e")
			assert.Equal(t, res.Result, again.Result, "generation is deterministic")
			assert.Equal(t, res.Score, again.Score)
		})
	}

	t.Run("unscored", func(t *testing.T) {
		res := service.Predict(sql2nl.ArchBiLSTM, dbID, "", query, "e2e-unscored")
		require.True(t, res.Success, "prediction failed: %s", res.FailedReason)
		assert.NotEmpty(t, res.Result)
		assert.False(t, res.HasScore)
		assert.Zero(t, res.Score)
	})
}
