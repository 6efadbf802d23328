// Package treelstm implements the child-sum tree LSTM encoder variant.
//
// Clause-tree nodes are embedded from their token and type, then updated
// bottom-up in waves: all leaves first, then every node whose children are
// already done. Edges route child states to parents through one-hot selector
// matrices baked into the graph as constants, so the compiled graph is
// specific to one example's tree. Instances are created per request and the
// encoder runs once, so the executable is built inside Encode. The root's
// state seeds the shared decoder directly, without a bridge.
package treelstm

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
	sql2nl.RegisterArchitecture(sql2nl.ArchTreeLSTM, New)
}

// Model is a per-request instance bound to one vocabulary and one checkpoint.
type Model struct {
	params  *sql2nl.Hyperparams
	vocab   *dataset.Vocabulary
	backend backends.Backend
	ctx     *context.Context

	decoder *common.Decoder
}

// New builds an unweighted model; LoadWeights must run before Encode.
func New(params *sql2nl.Hyperparams, vocab *dataset.Vocabulary, backend backends.Backend) (sql2nl.Model, error) {
	m := &Model{params: params, vocab: vocab, backend: backend, ctx: context.New()}

	var err error
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
func (m *Model) Name() string { return sql2nl.ArchTreeLSTM }

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
	mapping["encoder.type_embedding.weight"] = "encoder/type_embedding/embeddings"
	for _, gate := range []string{"input", "forget", "output", "update"} {
		mapping["encoder.tree."+gate+".x.weight"] = "encoder/tree/" + gate + "/x/weights"
		mapping["encoder.tree."+gate+".x.bias"] = "encoder/tree/" + gate + "/x/biases"
		mapping["encoder.tree."+gate+".h.weight"] = "encoder/tree/" + gate + "/h/weights"
	}

	return mapping
}

// Encode runs the bottom-up pass over the example's clause tree. The wave
// selector matrices depend on the tree shape, not just its size, so the
// executable is built here against this example and discarded with the model.
func (m *Model) Encode(ex *dataset.Example) (*sql2nl.EncoderOutput, error) {
	n := len(ex.SrcIDs)
	if n == 0 {
		return nil, errors.New("example has no tree nodes")
	}

	encode, err := context.NewExecAny(m.backend, m.ctx, func(ctx *context.Context, nodeIDs, typeIDs *Node) []*Node {
		nodes, hidden := m.buildEncoder(ctx.Reuse(), ex, nodeIDs, typeIDs)
		return []*Node{nodes, hidden}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create encoder executor")
	}

	nodeIDs := tensors.FromFlatDataAndDimensions(ex.SrcIDs, 1, n)
	typeIDs := tensors.FromFlatDataAndDimensions(ex.NodeTypes, 1, n)
	defer nodeIDs.FinalizeAll()
	defer typeIDs.FinalizeAll()

	outputs, err := encode.Exec(nodeIDs, typeIDs)
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

// buildEncoder computes every node's child-sum LSTM state. nodeIDs and
// typeIDs: [1, n]. Returns the attention nodes [1, n, hidSize] and the
// root's packed state [1, 2*hidSize]. The root is node 0: the tree is
// flattened in preorder.
func (m *Model) buildEncoder(ctx *context.Context, ex *dataset.Example, nodeIDs, typeIDs *Node) (*Node, *Node) {
	g := nodeIDs.Graph()
	encCtx := ctx.In("encoder")
	p := m.params
	n := len(ex.SrcIDs)
	hid := p.HidSize

	tokEmb := common.Embedding(encCtx.In("embedding"), nodeIDs, m.vocab.Size(), p.EmbedDim)
	typEmb := common.Embedding(encCtx.In("type_embedding"), typeIDs, dataset.NodeTypeCount, p.EmbedDim)
	x := Reshape(Add(tokEmb, typEmb), n, p.EmbedDim)

	// Input-side gate terms are position independent, computed once for all
	// nodes: [n, hidSize] each.
	treeCtx := encCtx.In("tree")
	xInput := common.DenseWithBias(treeCtx.In("input").In("x"), x)
	xForget := common.DenseWithBias(treeCtx.In("forget").In("x"), x)
	xOutput := common.DenseWithBias(treeCtx.In("output").In("x"), x)
	xUpdate := common.DenseWithBias(treeCtx.In("update").In("x"), x)

	hAll := common.ZeroState(g, n, hid)
	cAll := common.ZeroState(g, n, hid)

	maxWave := int32(0)
	for _, w := range ex.NodeOrder {
		if w > maxWave {
			maxWave = w
		}
	}

	for wave := int32(0); wave <= maxWave; wave++ {
		hSum := common.ZeroState(g, n, hid)
		fcSum := common.ZeroState(g, n, hid)

		// Edges carry finished child states up to this wave's parents. An
		// edge belongs to the wave of its parent; wave zero is all leaves
		// and has none.
		parentPick, childPick, edges := waveSelectors(g, ex, wave, n)
		if edges > 0 {
			hChild := Einsum("en,nh->eh", childPick, hAll)
			cChild := Einsum("en,nh->eh", childPick, cAll)

			// Per-edge forget gate, conditioned on the parent's input
			// features and the child's state.
			xfEdge := Einsum("en,nh->eh", parentPick, xForget)
			forget := Sigmoid(Add(xfEdge, common.DenseWeightOnly(treeCtx.In("forget").In("h"), hChild)))

			fcSum = Einsum("en,eh->nh", parentPick, Mul(forget, cChild))
			hSum = Einsum("en,eh->nh", parentPick, hChild)
		}

		input := Sigmoid(Add(xInput, common.DenseWeightOnly(treeCtx.In("input").In("h"), hSum)))
		output := Sigmoid(Add(xOutput, common.DenseWeightOnly(treeCtx.In("output").In("h"), hSum)))
		update := Tanh(Add(xUpdate, common.DenseWeightOnly(treeCtx.In("update").In("h"), hSum)))

		cNew := Add(Mul(input, update), fcSum)
		hNew := Mul(output, Tanh(cNew))

		// Fold in only this wave's nodes; earlier waves keep their states.
		mask := waveMask(g, ex, wave, n)
		hAll = Add(hAll, Mul(mask, hNew))
		cAll = Add(cAll, Mul(mask, cNew))
	}

	nodes := InsertAxes(hAll, 0)
	hRoot := Slice(hAll, AxisElem(0), AxisRange())
	cRoot := Slice(cAll, AxisElem(0), AxisRange())
	state := Concatenate([]*Node{hRoot, cRoot}, -1)

	return nodes, state
}

// waveSelectors builds the one-hot edge selector constants for one wave:
// parentPick and childPick are [edges, n] picking each edge's endpoint rows.
func waveSelectors(g *Graph, ex *dataset.Example, wave int32, n int) (parentPick, childPick *Node, edges int) {
	var parents, children []int32
	for e, pc := range ex.Adjacency {
		if ex.EdgeOrder[e] != wave {
			continue
		}
		parents = append(parents, pc[0])
		children = append(children, pc[1])
	}
	edges = len(parents)
	if edges == 0 {
		return nil, nil, 0
	}

	parentData := make([]float32, edges*n)
	childData := make([]float32, edges*n)
	for e := 0; e < edges; e++ {
		parentData[e*n+int(parents[e])] = 1
		childData[e*n+int(children[e])] = 1
	}
	parentPick = Reshape(Const(g, parentData), edges, n)
	childPick = Reshape(Const(g, childData), edges, n)
	return parentPick, childPick, edges
}

// waveMask builds the [n, 1] constant selecting the nodes updated in a wave.
func waveMask(g *Graph, ex *dataset.Example, wave int32, n int) *Node {
	data := make([]float32, n)
	for i, w := range ex.NodeOrder {
		if w == wave {
			data[i] = 1
		}
	}
	return Reshape(Const(g, data), n, 1)
}
