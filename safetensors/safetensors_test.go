package safetensors_test

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaLuLas/SQL2NL-demo/safetensors"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	values := map[string]*tensors.Tensor{
		"embedding.weight": tensors.FromFlatDataAndDimensions([]float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}, 2, 3),
		"decoder.out.bias": tensors.FromFlatDataAndDimensions([]float32{1, -1}, 2),
		"counts":           tensors.FromFlatDataAndDimensions([]int32{7, 8, 9}, 3),
	}
	metadata := map[string]string{"hyperparameters": `{"model":"BiLSTM"}`}

	data, err := safetensors.Serialize(values, metadata)
	require.NoError(t, err)

	f, err := safetensors.Parse(data)
	require.NoError(t, err)

	assert.Equal(t, `{"model":"BiLSTM"}`, f.Metadata["hyperparameters"])
	assert.Equal(t, []string{"counts", "decoder.out.bias", "embedding.weight"}, f.ListTensorNames())

	emb, err := f.GetTensor("embedding.weight")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, emb.Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, emb.DType())
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}, tensors.MustCopyFlatData[float32](emb))

	counts, err := f.GetTensor("counts")
	require.NoError(t, err)
	assert.Equal(t, []int32{7, 8, 9}, tensors.MustCopyFlatData[int32](counts))
}

func TestWriteFileOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.safetensors")
	values := map[string]*tensors.Tensor{
		"w": tensors.FromFlatDataAndDimensions([]float32{3.5}, 1, 1),
	}
	require.NoError(t, safetensors.WriteFile(path, values, nil))

	f, err := safetensors.Open(path)
	require.NoError(t, err)

	w, err := f.GetTensor("w")
	require.NoError(t, err)
	assert.Equal(t, []float32{3.5}, tensors.MustCopyFlatData[float32](w))

	_, err = f.GetTensor("missing")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestParseRejectsTruncated(t *testing.T) {
	_, err := safetensors.Parse([]byte{1, 2, 3})
	assert.Error(t, err)
}
