// Package bilstm implements the bidirectional LSTM encoder variant.
//
// The source sequence is embedded and run through forward and backward LSTM
// chains unrolled at graph build time. The per-position hidden states are
// concatenated into the attention nodes, and a bridge projection of the two
// final states seeds the shared decoder.
package bilstm

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"github.com/KaLuLas/SQL2NL-demo"
	"github.com/KaLuLas/SQL2NL-demo/architectures/common"
	"github.com/KaLuLas/SQL2NL-demo/dataset"
)

func init() {
	sql2nl.RegisterArchitecture(sql2nl.ArchBiLSTM, New)
}

// Model is a per-request instance bound to one vocabulary and one checkpoint.
type Model struct {
	params *sql2nl.Hyperparams
	vocab  *dataset.Vocabulary
	ctx    *context.Context

	encode  *context.Exec
	decoder *common.Decoder
}

// New builds an unweighted model; LoadWeights must run before Encode.
func New(params *sql2nl.Hyperparams, vocab *dataset.Vocabulary, backend backends.Backend) (sql2nl.Model, error) {
	m := &Model{params: params, vocab: vocab, ctx: context.New()}

	var err error
	m.encode, err = context.NewExecAny(backend, m.ctx, func(ctx *context.Context, srcIDs *Node) []*Node {
		nodes, hidden := m.buildEncoder(ctx.Reuse(), srcIDs)
		return []*Node{nodes, hidden}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create encoder executor")
	}

	m.decoder, err = common.NewDecoder(backend, m.ctx, common.DecoderConfig{
		VocabSize: vocab.Size(),
		EmbedDim:  params.EmbedDim,
		HidSize:   params.HidSize,
		Copy:      params.Copy,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Name returns the registered architecture tag.
func (m *Model) Name() string { return sql2nl.ArchBiLSTM }

// LoadWeights binds the checkpoint tensors into the model context.
func (m *Model) LoadWeights(weights sql2nl.WeightSource) error {
	if err := sql2nl.VerifyEmbeddingRows(weights, "encoder.embedding.weight", m.vocab.Size()); err != nil {
		return err
	}
	return sql2nl.LoadWeightsFromMapping(weights, m.WeightMapping(), m.ctx)
}

// WeightMapping returns the mapping from checkpoint tensor names to context
// scope paths.
func (m *Model) WeightMapping() map[string]string {
	mapping := common.DecoderWeightMapping(m.params.Copy)

	mapping["encoder.embedding.weight"] = "encoder/embedding/embeddings"
	for _, chain := range []string{"forward", "backward"} {
		mapping["encoder."+chain+".weight_ih"] = "encoder/" + chain + "/w_ih"
		mapping["encoder."+chain+".weight_hh"] = "encoder/" + chain + "/w_hh"
		mapping["encoder."+chain+".bias_ih"] = "encoder/" + chain + "/b_ih"
		mapping["encoder."+chain+".bias_hh"] = "encoder/" + chain + "/b_hh"
	}
	mapping["encoder.bridge.weight"] = "encoder/bridge/weights"
	mapping["encoder.bridge.bias"] = "encoder/bridge/biases"

	return mapping
}

// Encode runs the bidirectional encoder over the example's source ids.
func (m *Model) Encode(ex *dataset.Example) (*sql2nl.EncoderOutput, error) {
	srcLen := len(ex.SrcIDs)
	if srcLen == 0 {
		return nil, errors.New("example has no source tokens")
	}

	srcIDs := tensors.FromFlatDataAndDimensions(ex.SrcIDs, 1, srcLen)
	defer srcIDs.FinalizeAll()

	outputs, err := m.encode.Exec(srcIDs)
	if err != nil {
		return nil, errors.WithMessage(err, "encoder execution failed")
	}
	if len(outputs) != 2 {
		return nil, errors.Errorf("encoder returned %d outputs, want 2", len(outputs))
	}

	extVocab := m.params.ExtendedVocabSize(m.vocab.Size())
	return sql2nl.FinishEncode(ex, outputs[0], outputs[1], extVocab, m.params.Copy)
}

// Decode advances generation by one step through the shared decoder.
func (m *Model) Decode(in sql2nl.DecodeInputs) (*tensors.Tensor, *tensors.Tensor, error) {
	return m.decoder.Step(in.Input, in.Nodes, in.Hidden, in.Mask, in.CopyMask, in.SrcToTrg)
}

// buildEncoder unrolls the two LSTM chains over the source sequence.
// srcIDs: [1, srcLen]. Returns the attention nodes [1, srcLen, 2*hidSize]
// and the packed initial decoder state [1, 2*hidSize].
func (m *Model) buildEncoder(ctx *context.Context, srcIDs *Node) (*Node, *Node) {
	g := srcIDs.Graph()
	encCtx := ctx.In("encoder")
	hid := m.params.HidSize

	batchSize := srcIDs.Shape().Dimensions[0]
	seqLen := srcIDs.Shape().Dimensions[1]

	embedded := common.Embedding(encCtx.In("embedding"), srcIDs, m.vocab.Size(), m.params.EmbedDim)
	steps := make([]*Node, seqLen)
	for t := 0; t < seqLen; t++ {
		x := Slice(embedded, AxisRange(), AxisElem(t), AxisRange())
		steps[t] = Reshape(x, batchSize, m.params.EmbedDim)
	}

	// Forward chain.
	fwd := make([]*Node, seqLen)
	h := common.ZeroState(g, batchSize, hid)
	c := common.ZeroState(g, batchSize, hid)
	fwdCtx := encCtx.In("forward")
	for t := 0; t < seqLen; t++ {
		h, c = common.LSTMCell(fwdCtx, steps[t], h, c, hid)
		fwd[t] = h
	}
	fwdFinal := h

	// Backward chain.
	bwd := make([]*Node, seqLen)
	h = common.ZeroState(g, batchSize, hid)
	c = common.ZeroState(g, batchSize, hid)
	bwdCtx := encCtx.In("backward")
	for t := seqLen - 1; t >= 0; t-- {
		h, c = common.LSTMCell(bwdCtx, steps[t], h, c, hid)
		bwd[t] = h
	}
	bwdFinal := h

	// Attention nodes: both directions concatenated per position.
	positions := make([]*Node, seqLen)
	for t := 0; t < seqLen; t++ {
		positions[t] = InsertAxes(Concatenate([]*Node{fwd[t], bwd[t]}, -1), 1)
	}
	nodes := Concatenate(positions, 1)

	// Bridge the two final states into the packed decoder state.
	state := Concatenate([]*Node{fwdFinal, bwdFinal}, -1)
	state = Tanh(common.DenseWithBias(encCtx.In("bridge"), state))

	return nodes, state
}
