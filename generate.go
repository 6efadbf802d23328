package sql2nl

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// MaxDecodeSteps is the fixed number of greedy decode iterations. Generation
// always runs the full budget; the end marker only affects rendering.
const MaxDecodeSteps = 500

// StepState carries the decoder loop state between steps: the token id to
// feed next, already clamped into the closed vocabulary, and the recurrent
// state tensor.
type StepState struct {
	InputID int32
	Hidden  *tensors.Tensor
}

// decodeStep advances generation by one token. It returns the raw emitted id,
// which may address the extended vocabulary, and the state for the next step
// with ids at or above vocabSize replaced by unkID.
func decodeStep(m Model, enc *EncoderOutput, st StepState, vocabSize, unkID int32) (int32, StepState, error) {
	input := tensors.FromFlatDataAndDimensions([]int32{st.InputID}, 1, 1)
	defer input.FinalizeAll()

	logits, hidden, err := m.Decode(DecodeInputs{
		Input:    input,
		Nodes:    enc.Nodes,
		Hidden:   st.Hidden,
		Mask:     enc.Mask,
		CopyMask: enc.CopyMask,
		SrcToTrg: enc.SrcToTrg,
	})
	if err != nil {
		return 0, StepState{}, err
	}
	defer logits.FinalizeAll()

	raw, err := argmax(logits)
	if err != nil {
		return 0, StepState{}, err
	}

	next := raw
	if next >= vocabSize {
		next = unkID
	}
	return raw, StepState{InputID: next, Hidden: hidden}, nil
}

// GreedyDecode folds decodeStep exactly MaxDecodeSteps times from the given
// start token and encoder output. The returned ids are the raw argmax picks:
// copy ids at or above vocabSize stay as emitted. There is no early stop.
func GreedyDecode(m Model, enc *EncoderOutput, startID, vocabSize, unkID int32) ([]int32, error) {
	if enc == nil {
		return nil, errors.New("nil encoder output")
	}

	ids := make([]int32, 0, MaxDecodeSteps)
	st := StepState{InputID: startID, Hidden: enc.Hidden}
	for step := 0; step < MaxDecodeSteps; step++ {
		raw, next, err := decodeStep(m, enc, st, vocabSize, unkID)
		if err != nil {
			return nil, errors.Wrapf(err, "decode step %d", step)
		}
		if st.Hidden != nil && st.Hidden != enc.Hidden && st.Hidden != next.Hidden {
			st.Hidden.FinalizeAll()
		}
		ids = append(ids, raw)
		st = next
	}
	if st.Hidden != nil && st.Hidden != enc.Hidden {
		st.Hidden.FinalizeAll()
	}
	return ids, nil
}

// argmax returns the index of the largest logit, first index on ties.
func argmax(logits *tensors.Tensor) (int32, error) {
	if logits == nil {
		return 0, errors.New("nil logits")
	}
	if logits.DType() != dtypes.Float32 {
		return 0, errors.Errorf("logits have dtype %s, want float32", logits.DType())
	}
	data := tensors.MustCopyFlatData[float32](logits)
	if len(data) == 0 {
		return 0, errors.New("empty logits")
	}

	best := 0
	for i, v := range data {
		if v > data[best] {
			best = i
		}
	}
	return int32(best), nil
}
