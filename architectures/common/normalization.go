package common

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// LayerNorm applies layer normalization using pre-loaded weights.
// Expects variables "gain" and "offset" in the context scope.
func LayerNorm(ctx *context.Context, x *Node, epsilon float64) *Node {
	g := x.Graph()
	gain := scopeVariable(ctx, g, "gain")
	offset := scopeVariable(ctx, g, "offset")
	return ApplyLayerNormWithParams(x, gain, offset, epsilon)
}

// ApplyLayerNormWithParams applies layer normalization with explicit parameters.
func ApplyLayerNormWithParams(x, gain, offset *Node, epsilon float64) *Node {
	// Normalize over the last axis.
	mean := ReduceAndKeep(x, ReduceMean, -1)
	normalized := Sub(x, mean)
	variance := ReduceAndKeep(Square(normalized), ReduceMean, -1)
	eps := ConstAs(x, epsilon)
	normalized = Div(normalized, Sqrt(Add(variance, eps)))

	// Reshape gain and offset to broadcast with x.
	xRank := x.Shape().Rank()
	broadcastShape := make([]int, xRank)
	for i := range broadcastShape {
		broadcastShape[i] = 1
	}
	broadcastShape[xRank-1] = gain.Shape().Dimensions[0]

	gain = Reshape(gain, broadcastShape...)
	offset = Reshape(offset, broadcastShape...)

	normalized = Mul(normalized, gain)
	normalized = Add(normalized, offset)

	return normalized
}
