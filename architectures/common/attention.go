package common

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// AttentionMaskBias converts a {0,1} validity mask into additive score
// biases: 0 for attendable positions, a large negative value for masked
// ones. The output keeps the input rank.
func AttentionMaskBias(mask *Node, dtype dtypes.DType) *Node {
	mask = ConvertDType(mask, dtype)
	negInf := ConstAs(mask, float64(-1e9))
	one := ConstAs(mask, 1.0)
	return Mul(Sub(one, mask), negInf)
}

// ExpandAttentionMask expands an attention mask for multi-head attention.
// Input mask: [batch, seq_len] (1 for valid, 0 for masked)
// Output: [batch, 1, 1, seq_len] with 0 for valid, large negative for masked.
func ExpandAttentionMask(mask *Node, dtype dtypes.DType) *Node {
	return AttentionMaskBias(InsertAxes(mask, 1, 1), dtype)
}

// LuongAttention scores a single decoder state against the encoder nodes
// with the general (bilinear) form and returns the attention-weighted
// context. Expects scope "linear_in" with variable "weights" [dim, hidden].
// query: [batch, hidden]; nodes: [batch, srcLen, dim]; mask: [batch, srcLen].
// Returns the context vector [batch, dim] and the weights [batch, srcLen].
func LuongAttention(ctx *context.Context, query, nodes, mask *Node) (*Node, *Node) {
	projected := DenseWeightOnly(ctx.In("linear_in"), query)
	scores := Einsum("bd,bld->bl", projected, nodes)
	if mask != nil {
		scores = Add(scores, AttentionMaskBias(mask, scores.DType()))
	}
	weights := Softmax(scores, -1)
	contextVec := Einsum("bl,bld->bd", weights, nodes)
	return contextVec, weights
}
