package sql2nl_test

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaLuLas/SQL2NL-demo"
	"github.com/KaLuLas/SQL2NL-demo/dataset"
)

// scriptedModel is a host-only Model whose decode step emits the id computed
// by pick from the fed input id. It records every input it is fed.
type scriptedModel struct {
	extVocab int
	pick     func(input int32) int32
	inputs   []int32
	decodes  int
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) LoadWeights(sql2nl.WeightSource) error { return nil }

func (m *scriptedModel) Encode(*dataset.Example) (*sql2nl.EncoderOutput, error) {
	return &sql2nl.EncoderOutput{}, nil
}

func (m *scriptedModel) Decode(in sql2nl.DecodeInputs) (*tensors.Tensor, *tensors.Tensor, error) {
	fed := tensors.MustCopyFlatData[int32](in.Input)
	m.inputs = append(m.inputs, fed[0])
	m.decodes++

	logits := make([]float32, m.extVocab)
	logits[m.pick(fed[0])] = 1
	return tensors.FromFlatDataAndDimensions(logits, 1, m.extVocab), nil, nil
}

func TestGreedyDecodeRunsFullBudget(t *testing.T) {
	// The model emits the end marker immediately; decoding must not stop.
	m := &scriptedModel{extVocab: 16, pick: func(int32) int32 { return dataset.EosID }}
	enc := &sql2nl.EncoderOutput{}

	ids, err := sql2nl.GreedyDecode(m, enc, dataset.BosID, 10, dataset.UnkID)
	require.NoError(t, err)

	require.Len(t, ids, sql2nl.MaxDecodeSteps)
	assert.Equal(t, sql2nl.MaxDecodeSteps, m.decodes)
	for _, id := range ids {
		assert.Equal(t, dataset.EosID, id)
	}
	assert.Equal(t, dataset.BosID, m.inputs[0], "first input is the start marker")
}

func TestGreedyDecodeClampsCopyIds(t *testing.T) {
	// vocabSize 10, extended vocabulary 14: id 12 is a copy id.
	m := &scriptedModel{extVocab: 14, pick: func(int32) int32 { return 12 }}
	enc := &sql2nl.EncoderOutput{}

	ids, err := sql2nl.GreedyDecode(m, enc, dataset.BosID, 10, dataset.UnkID)
	require.NoError(t, err)

	require.Len(t, ids, sql2nl.MaxDecodeSteps)
	for _, id := range ids {
		assert.Equal(t, int32(12), id, "raw copy ids are recorded as emitted")
	}
	assert.Equal(t, dataset.BosID, m.inputs[0])
	for _, fed := range m.inputs[1:] {
		assert.Equal(t, dataset.UnkID, fed, "copy ids are clamped to unk before feeding back")
	}
}

func TestGreedyDecodeDeterministic(t *testing.T) {
	pick := func(input int32) int32 { return (input*7 + 3) % 11 }

	run := func() []int32 {
		m := &scriptedModel{extVocab: 16, pick: pick}
		ids, err := sql2nl.GreedyDecode(m, &sql2nl.EncoderOutput{}, dataset.BosID, 11, dataset.UnkID)
		require.NoError(t, err)
		return ids
	}

	first := run()
	second := run()
	assert.Equal(t, first, second)
}

func TestGreedyDecodeNilEncoderOutput(t *testing.T) {
	m := &scriptedModel{extVocab: 4, pick: func(int32) int32 { return 0 }}
	_, err := sql2nl.GreedyDecode(m, nil, dataset.BosID, 4, dataset.UnkID)
	assert.Error(t, err)
}
