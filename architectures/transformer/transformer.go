// Package transformer implements the absolute-position transformer encoder
// variant.
//
// The source sequence is embedded, optionally projected to the model width,
// summed with sinusoidal position embeddings, and run through a stack of
// post-norm self-attention layers. The mean-pooled encoder output is bridged
// into the shared decoder's initial state.
package transformer

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"github.com/KaLuLas/SQL2NL-demo"
	"github.com/KaLuLas/SQL2NL-demo/architectures/common"
	"github.com/KaLuLas/SQL2NL-demo/dataset"
)

const layerNormEpsilon = 1e-6

func init() {
	sql2nl.RegisterArchitecture(sql2nl.ArchTransformer, New)
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
func (m *Model) Name() string { return sql2nl.ArchTransformer }

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
	p := m.params
	mapping := common.DecoderWeightMapping(p.Copy)

	mapping["encoder.embedding.weight"] = "encoder/embedding/embeddings"
	if p.EmbedDim != p.DModel {
		mapping["encoder.input_proj.weight"] = "encoder/input_proj/weights"
		mapping["encoder.input_proj.bias"] = "encoder/input_proj/biases"
	}
	for i := 0; i < p.LayerNum; i++ {
		prefix := fmt.Sprintf("encoder.layers.%d", i)
		scope := fmt.Sprintf("encoder/layer/%d", i)

		for _, proj := range []string{"query", "key", "value", "output"} {
			mapping[prefix+".self_attn."+proj+".weight"] = scope + "/self_attn/" + proj + "/weights"
			mapping[prefix+".self_attn."+proj+".bias"] = scope + "/self_attn/" + proj + "/biases"
		}
		mapping[prefix+".self_attn_norm.weight"] = scope + "/self_attn_norm/gain"
		mapping[prefix+".self_attn_norm.bias"] = scope + "/self_attn_norm/offset"
		mapping[prefix+".ff.w_1.weight"] = scope + "/ff/w_1/weights"
		mapping[prefix+".ff.w_1.bias"] = scope + "/ff/w_1/biases"
		mapping[prefix+".ff.w_2.weight"] = scope + "/ff/w_2/weights"
		mapping[prefix+".ff.w_2.bias"] = scope + "/ff/w_2/biases"
		mapping[prefix+".ff_norm.weight"] = scope + "/ff_norm/gain"
		mapping[prefix+".ff_norm.bias"] = scope + "/ff_norm/offset"
	}
	mapping["encoder.bridge.weight"] = "encoder/bridge/weights"
	mapping["encoder.bridge.bias"] = "encoder/bridge/biases"

	return mapping
}

// Encode runs the transformer encoder over the example's source ids.
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

// buildEncoder runs the layer stack. srcIDs: [1, srcLen]. Returns the
// attention nodes [1, srcLen, dModel] and the packed initial decoder state
// [1, 2*hidSize].
func (m *Model) buildEncoder(ctx *context.Context, srcIDs *Node) (*Node, *Node) {
	g := srcIDs.Graph()
	encCtx := ctx.In("encoder")
	p := m.params

	seqLen := srcIDs.Shape().Dimensions[1]

	hidden := common.Embedding(encCtx.In("embedding"), srcIDs, m.vocab.Size(), p.EmbedDim)
	if p.EmbedDim != p.DModel {
		hidden = common.DenseWithBias(encCtx.In("input_proj"), hidden)
	}
	if p.AbsolutePos {
		posEmb := common.CreateSinusoidalPositionEmbedding(g, seqLen, p.DModel, hidden.DType())
		hidden = Add(hidden, posEmb)
	}

	for i := 0; i < p.LayerNum; i++ {
		hidden = m.buildEncoderLayer(encCtx.In("layer").In(itoa(i)), hidden)
	}

	// Bridge the mean-pooled encoding into the packed decoder state.
	pooled := ReduceMean(hidden, 1)
	state := Tanh(common.DenseWithBias(encCtx.In("bridge"), pooled))

	return hidden, state
}

// buildEncoderLayer is one post-norm block: self-attention with a residual
// connection, then the position-wise feed-forward, each followed by layer
// normalization.
func (m *Model) buildEncoderLayer(ctx *context.Context, hidden *Node) *Node {
	p := m.params
	batchSize := hidden.Shape().Dimensions[0]
	seqLen := hidden.Shape().Dimensions[1]
	headDim := p.HeadDim()

	attnCtx := ctx.In("self_attn")
	residual := hidden

	query := common.DenseWithBias(attnCtx.In("query"), hidden)
	key := common.DenseWithBias(attnCtx.In("key"), hidden)
	value := common.DenseWithBias(attnCtx.In("value"), hidden)

	// [batch, seq, dModel] -> [batch, heads, seq, headDim]
	query = Transpose(Reshape(query, batchSize, seqLen, p.HeadNum, headDim), 1, 2)
	key = Transpose(Reshape(key, batchSize, seqLen, p.HeadNum, headDim), 1, 2)
	value = Transpose(Reshape(value, batchSize, seqLen, p.HeadNum, headDim), 1, 2)

	scores := Einsum("bhqd,bhkd->bhqk", query, key)
	scale := ConstAs(scores, 1.0/float64(headDim))
	scores = Mul(scores, Sqrt(scale))

	attnWeights := Softmax(scores, -1)
	attnOutput := Einsum("bhqk,bhkd->bhqd", attnWeights, value)
	attnOutput = Reshape(Transpose(attnOutput, 1, 2), batchSize, seqLen, p.DModel)
	attnOutput = common.DenseWithBias(attnCtx.In("output"), attnOutput)

	hidden = Add(residual, attnOutput)
	hidden = common.LayerNorm(ctx.In("self_attn_norm"), hidden, layerNormEpsilon)

	residual = hidden
	hidden = common.FeedForward(ctx.In("ff"), hidden)
	hidden = Add(residual, hidden)
	hidden = common.LayerNorm(ctx.In("ff_norm"), hidden, layerNormEpsilon)

	return hidden
}

func itoa(i int) string {
	return fmt.Sprintf("%d", i)
}
