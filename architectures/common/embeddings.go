package common

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// Embedding retrieves embeddings from the context.
// Uses the GoMLX layers.Embedding which expects "embeddings" variable in scope.
func Embedding(ctx *context.Context, inputIDs *Node, vocabSize, hiddenSize int) *Node {
	embeddings := layers.Embedding(ctx, inputIDs, dtypes.Float32, vocabSize, hiddenSize)

	// Ensure 3D output: [batch, seq, hidden].
	// layers.Embedding may return 2D when seq_len=1.
	if embeddings.Shape().Rank() == 2 {
		embeddings = InsertAxes(embeddings, 1)
	}

	return embeddings
}

// CreateSinusoidalPositionEmbedding creates sinusoidal position embeddings.
// Returns tensor of shape [maxLen, hiddenSize].
func CreateSinusoidalPositionEmbedding(g *Graph, maxLen, hiddenSize int, dtype dtypes.DType) *Node {
	posEmb := make([]float32, maxLen*hiddenSize)

	for pos := 0; pos < maxLen; pos++ {
		for i := 0; i < hiddenSize; i++ {
			if i%2 == 0 {
				// sin(pos / 10000^(2i/d))
				posEmb[pos*hiddenSize+i] = float32(math.Sin(float64(pos) / math.Pow(10000.0, float64(i)/float64(hiddenSize))))
			} else {
				// cos(pos / 10000^(2(i-1)/d))
				posEmb[pos*hiddenSize+i] = float32(math.Cos(float64(pos) / math.Pow(10000.0, float64(i-1)/float64(hiddenSize))))
			}
		}
	}

	embeddings := Const(g, posEmb)
	embeddings = Reshape(embeddings, maxLen, hiddenSize)
	return ConvertDType(embeddings, dtype)
}
