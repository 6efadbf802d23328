package sql2nl

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/KaLuLas/SQL2NL-demo/dataset"
)

// EncoderOutput bundles everything a decode step needs from the encoder pass.
type EncoderOutput struct {
	// Nodes are the encoded source positions: [1, srcLen, dim].
	Nodes *tensors.Tensor

	// Hidden is the initial decoder state, h and c concatenated: [1, 2*hidSize].
	Hidden *tensors.Tensor

	// Mask is 1 for real source positions: [1, srcLen].
	Mask *tensors.Tensor

	// CopyMask is 1 where copying from the source is allowed: [1, srcLen].
	CopyMask *tensors.Tensor

	// SrcToTrg routes copy attention mass from source positions into the
	// extended vocabulary: [srcLen, extVocab] one-hot.
	SrcToTrg *tensors.Tensor
}

// Finalize releases the output tensors.
func (e *EncoderOutput) Finalize() {
	for _, t := range []*tensors.Tensor{e.Nodes, e.Hidden, e.Mask, e.CopyMask, e.SrcToTrg} {
		if t != nil {
			t.FinalizeAll()
		}
	}
}

// DecodeInputs is the uniform six-tensor decode step contract shared by all
// architectures.
type DecodeInputs struct {
	// Input is the previous token id, already clamped into the closed
	// vocabulary: [1, 1].
	Input *tensors.Tensor

	Nodes    *tensors.Tensor
	Hidden   *tensors.Tensor
	Mask     *tensors.Tensor
	CopyMask *tensors.Tensor
	SrcToTrg *tensors.Tensor
}

// FinishEncode assembles the uniform encoder output around the graph results
// of an architecture's encode pass. The mask is all ones (batch size is one,
// nothing is padded) and the copy tensors are prepared from the example's
// alignment; srcToTrg stays nil when the copy mechanism is off.
func FinishEncode(ex *dataset.Example, nodes, hidden *tensors.Tensor, extVocab int, withCopy bool) (*EncoderOutput, error) {
	srcLen := len(ex.SrcIDs)
	mask := make([]float32, srcLen)
	for i := range mask {
		mask[i] = 1
	}
	out := &EncoderOutput{
		Nodes:    nodes,
		Hidden:   hidden,
		Mask:     tensors.FromFlatDataAndDimensions(mask, 1, srcLen),
		CopyMask: tensors.FromFlatDataAndDimensions(ex.CopyMask, 1, srcLen),
	}
	if withCopy {
		scatter, err := ex.CopyScatter(extVocab)
		if err != nil {
			out.Finalize()
			return nil, err
		}
		out.SrcToTrg = tensors.FromFlatDataAndDimensions(scatter, srcLen, extVocab)
	}
	return out, nil
}

// Model is the capability contract every architecture implements. Instances
// are built per request and discarded afterwards.
type Model interface {
	// Name returns the architecture tag.
	Name() string

	// LoadWeights binds checkpoint tensors into the model.
	LoadWeights(weights WeightSource) error

	// Encode consumes the prepared example and produces the encoder nodes,
	// the initial decoder state, the attention mask and the copy tensors.
	Encode(ex *dataset.Example) (*EncoderOutput, error)

	// Decode advances generation by one step, returning logits over the
	// extended vocabulary [1, extVocab] and the next decoder state.
	Decode(in DecodeInputs) (logits, hidden *tensors.Tensor, err error)
}
