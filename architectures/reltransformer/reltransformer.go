// Package reltransformer implements the relative-position transformer
// encoder variant.
//
// Instead of absolute position embeddings, every layer attends over a table
// of bucketed pairwise distance embeddings. The runtime distance matrix is a
// graph input, so one compiled graph serves every sequence of the same
// length. The table is shared across layers when rel_share is set, and the
// key-side projection of the table doubles as the value-side term when
// k_v_share is set.
package reltransformer

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
	sql2nl.RegisterArchitecture(sql2nl.ArchRelTransformer, New)
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
	m.encode, err = context.NewExecAny(backend, m.ctx, func(ctx *context.Context, srcIDs, relDist *Node) []*Node {
		nodes, hidden := m.buildEncoder(ctx.Reuse(), srcIDs, relDist)
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
func (m *Model) Name() string { return sql2nl.ArchRelTransformer }

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
	if p.RelShare {
		mapping["encoder.rel_embeddings.weight"] = "encoder/rel_embeddings/embeddings"
	}
	for i := 0; i < p.LayerNum; i++ {
		prefix := fmt.Sprintf("encoder.layers.%d", i)
		scope := fmt.Sprintf("encoder/layer/%d", i)

		if !p.RelShare {
			mapping[prefix+".rel_embeddings.weight"] = scope + "/rel_embeddings/embeddings"
		}
		for _, proj := range []string{"query", "key", "value", "output"} {
			mapping[prefix+".self_attn."+proj+".weight"] = scope + "/self_attn/" + proj + "/weights"
			mapping[prefix+".self_attn."+proj+".bias"] = scope + "/self_attn/" + proj + "/biases"
		}
		if !p.KVShare {
			mapping[prefix+".self_attn.rel_value.weight"] = scope + "/self_attn/rel_value/weights"
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

// Encode runs the relative-position encoder over the example's source ids
// and bucketed distance matrix.
func (m *Model) Encode(ex *dataset.Example) (*sql2nl.EncoderOutput, error) {
	srcLen := len(ex.SrcIDs)
	if srcLen == 0 {
		return nil, errors.New("example has no source tokens")
	}

	srcIDs := tensors.FromFlatDataAndDimensions(ex.SrcIDs, 1, srcLen)
	relDist := tensors.FromFlatDataAndDimensions(ex.RelDistMatrix(m.params.MaxDist), srcLen, srcLen)
	defer srcIDs.FinalizeAll()
	defer relDist.FinalizeAll()

	outputs, err := m.encode.Exec(srcIDs, relDist)
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

// buildEncoder runs the layer stack. srcIDs: [1, srcLen], relDist:
// [srcLen, srcLen] bucket indices. Returns the attention nodes
// [1, srcLen, dModel] and the packed initial decoder state [1, 2*hidSize].
func (m *Model) buildEncoder(ctx *context.Context, srcIDs, relDist *Node) (*Node, *Node) {
	encCtx := ctx.In("encoder")
	p := m.params

	seqLen := srcIDs.Shape().Dimensions[1]

	hidden := common.Embedding(encCtx.In("embedding"), srcIDs, m.vocab.Size(), p.EmbedDim)
	if p.EmbedDim != p.DModel {
		hidden = common.DenseWithBias(encCtx.In("input_proj"), hidden)
	}

	var relEmb *Node
	if p.RelShare {
		relEmb = relativeEmbeddings(encCtx, relDist, seqLen)
	}
	for i := 0; i < p.LayerNum; i++ {
		layerCtx := encCtx.In("layer").In(itoa(i))
		layerRel := relEmb
		if !p.RelShare {
			layerRel = relativeEmbeddings(layerCtx, relDist, seqLen)
		}
		hidden = m.buildEncoderLayer(layerCtx, hidden, layerRel)
	}

	// Bridge the mean-pooled encoding into the packed decoder state.
	pooled := ReduceMean(hidden, 1)
	state := Tanh(common.DenseWithBias(encCtx.In("bridge"), pooled))

	return hidden, state
}

// relativeEmbeddings gathers the pairwise distance embeddings from the table
// under ctx. Returns [seqLen, seqLen, dModel].
func relativeEmbeddings(ctx *context.Context, relDist *Node, seqLen int) *Node {
	relCtx := ctx.In("rel_embeddings")
	tableVar := relCtx.GetVariableByScopeAndName(relCtx.Scope(), "embeddings")
	if tableVar == nil {
		panic(fmt.Sprintf("missing variable %q in scope %q", "embeddings", relCtx.Scope()))
	}
	table := tableVar.ValueGraph(relDist.Graph())
	return Gather(table, Reshape(relDist, seqLen, seqLen, 1))
}

// buildEncoderLayer is one post-norm block whose attention scores combine
// content-to-content and content-to-position terms.
func (m *Model) buildEncoderLayer(ctx *context.Context, hidden, relEmb *Node) *Node {
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

	// Project the distance embeddings with the key weights and split heads:
	// [seq, seq, dModel] -> [seq, seq, heads, headDim].
	relKey := common.DenseWeightOnly(attnCtx.In("key"), relEmb)
	relKey = Reshape(relKey, seqLen, seqLen, p.HeadNum, headDim)

	c2c := Einsum("bhqd,bhkd->bhqk", query, key)
	c2p := Einsum("bhqd,qkhd->bhqk", query, relKey)
	scores := Add(c2c, c2p)

	// Two additive score components.
	scale := ConstAs(scores, 1.0/float64(2*headDim))
	scores = Mul(scores, Sqrt(scale))

	attnWeights := Softmax(scores, -1)
	attnOutput := Einsum("bhqk,bhkd->bhqd", attnWeights, value)

	relValue := relKey
	if !p.KVShare {
		relValue = common.DenseWeightOnly(attnCtx.In("rel_value"), relEmb)
		relValue = Reshape(relValue, seqLen, seqLen, p.HeadNum, headDim)
	}
	attnOutput = Add(attnOutput, Einsum("bhqk,qkhd->bhqd", attnWeights, relValue))

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
