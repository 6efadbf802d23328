// Package common provides the GoMLX graph building blocks shared by the
// generation architectures: dense and normalization helpers over pre-loaded
// checkpoint variables, LSTM cells, Luong attention, and the decoder step
// that every variant reuses for autoregressive generation.
package common

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// DecoderConfig sizes the shared decoder step.
type DecoderConfig struct {
	// VocabSize is the closed target vocabulary.
	VocabSize int
	// EmbedDim is the target-side embedding width.
	EmbedDim int
	// HidSize is the LSTM cell width.
	HidSize int
	// Copy mixes pointer probabilities over the extended vocabulary.
	Copy bool
}

// DecoderStep builds one step of the attention decoder shared by every
// architecture. Weights live under the "decoder" scope:
//
//	decoder/embedding/embeddings                  [vocab, embed]
//	decoder/cell/{w_ih,w_hh,b_ih,b_hh}            LSTM cell
//	decoder/attention/linear_in/weights           [dim, hidden]
//	decoder/attention/linear_out/{weights,biases} [hidden, dim+hidden]
//	decoder/generator/{weights,biases}            [vocab, hidden]
//	decoder/copy_gate/{weights,biases}            [1, dim+hidden+embed]
//
// inputID: [batch, 1] previous output token, already clamped in-vocabulary;
// nodes: [batch, srcLen, dim]; hidden: [batch, 2*hidden] packed h and c;
// mask and copyMask: [batch, srcLen]; srcToTrg: [srcLen, extVocab].
//
// Returns the generation scores and the updated packed hidden state. With
// copy enabled the scores are mixed probabilities over the extended
// vocabulary, otherwise raw logits over the closed one; argmax treats both
// the same.
func DecoderStep(ctx *context.Context, cfg DecoderConfig, inputID, nodes, hidden, mask, copyMask, srcToTrg *Node) (*Node, *Node) {
	ctx = ctx.In("decoder")
	batchSize := inputID.Shape().Dimensions[0]

	embedded := Embedding(ctx.In("embedding"), inputID, cfg.VocabSize, cfg.EmbedDim)
	embedded = Reshape(embedded, batchSize, cfg.EmbedDim)

	h, c := SplitHidden(hidden, cfg.HidSize)
	h, c = LSTMCell(ctx.In("cell"), embedded, h, c, cfg.HidSize)

	attnCtx := ctx.In("attention")
	contextVec, attnWeights := LuongAttention(attnCtx, h, nodes, mask)
	readout := Concatenate([]*Node{contextVec, h}, -1)
	readout = Tanh(DenseWithBias(attnCtx.In("linear_out"), readout))

	scores := DenseWithBias(ctx.In("generator"), readout)
	if cfg.Copy {
		gateIn := Concatenate([]*Node{contextVec, h, embedded}, -1)
		pGen := Sigmoid(DenseWithBias(ctx.In("copy_gate"), gateIn))

		vocabProbs := Mul(Softmax(scores, -1), pGen)
		copyProbs := Mul(Mul(attnWeights, copyMask), Sub(ConstAs(pGen, 1.0), pGen))
		extProbs := Einsum("bl,lv->bv", copyProbs, srcToTrg)

		extVocab := srcToTrg.Shape().Dimensions[1]
		if extVocab > cfg.VocabSize {
			head := Add(Slice(extProbs, AxisRange(), AxisRange(0, cfg.VocabSize)), vocabProbs)
			tail := Slice(extProbs, AxisRange(), AxisRange(cfg.VocabSize, extVocab))
			scores = Concatenate([]*Node{head, tail}, -1)
		} else {
			scores = Add(extProbs, vocabProbs)
		}
	}

	return scores, JoinHidden(h, c)
}

// DecoderWeightMapping returns the checkpoint tensor names of the shared
// decoder mapped to their context scope paths. Architectures merge it into
// their encoder mappings.
func DecoderWeightMapping(withCopy bool) map[string]string {
	mapping := map[string]string{
		"decoder.embedding.weight":            "decoder/embedding/embeddings",
		"decoder.cell.weight_ih":              "decoder/cell/w_ih",
		"decoder.cell.weight_hh":              "decoder/cell/w_hh",
		"decoder.cell.bias_ih":                "decoder/cell/b_ih",
		"decoder.cell.bias_hh":                "decoder/cell/b_hh",
		"decoder.attention.linear_in.weight":  "decoder/attention/linear_in/weights",
		"decoder.attention.linear_out.weight": "decoder/attention/linear_out/weights",
		"decoder.attention.linear_out.bias":   "decoder/attention/linear_out/biases",
		"decoder.generator.weight":            "decoder/generator/weights",
		"decoder.generator.bias":              "decoder/generator/biases",
	}
	if withCopy {
		mapping["decoder.copy_gate.weight"] = "decoder/copy_gate/weights"
		mapping["decoder.copy_gate.bias"] = "decoder/copy_gate/biases"
	}
	return mapping
}

// Decoder caches the compiled decode-step executable. The graph is traced
// per encoder output shape, so one Decoder serves all steps of a request.
type Decoder struct {
	cfg  DecoderConfig
	exec *context.Exec
}

// NewDecoder prepares the decoder executable over ctx. The context must hold
// the decoder variables before the first Step call.
func NewDecoder(backend backends.Backend, ctx *context.Context, cfg DecoderConfig) (*Decoder, error) {
	var graphFn any
	if cfg.Copy {
		graphFn = func(ctx *context.Context, inputID, nodes, hidden, mask, copyMask, srcToTrg *Node) []*Node {
			scores, next := DecoderStep(ctx.Reuse(), cfg, inputID, nodes, hidden, mask, copyMask, srcToTrg)
			return []*Node{scores, next}
		}
	} else {
		graphFn = func(ctx *context.Context, inputID, nodes, hidden, mask *Node) []*Node {
			scores, next := DecoderStep(ctx.Reuse(), cfg, inputID, nodes, hidden, mask, nil, nil)
			return []*Node{scores, next}
		}
	}

	exec, err := context.NewExecAny(backend, ctx, graphFn)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create decoder executor")
	}
	return &Decoder{cfg: cfg, exec: exec}, nil
}

// Step runs one decode step. copyMask and srcToTrg are ignored when the copy
// mechanism is off.
func (d *Decoder) Step(inputID, nodes, hidden, mask, copyMask, srcToTrg *tensors.Tensor) (*tensors.Tensor, *tensors.Tensor, error) {
	inputs := []any{inputID, nodes, hidden, mask}
	if d.cfg.Copy {
		inputs = append(inputs, copyMask, srcToTrg)
	}

	outputs, err := d.exec.Exec(inputs...)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "decoder step execution failed")
	}
	if len(outputs) != 2 {
		return nil, nil, errors.Errorf("decoder step returned %d outputs, want 2", len(outputs))
	}
	return outputs[0], outputs[1], nil
}
