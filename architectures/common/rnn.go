package common

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// LSTMCell advances an LSTM by one step.
// Expects variables "w_ih" [4*hidden, input], "w_hh" [4*hidden, hidden],
// "b_ih" and "b_hh" [4*hidden] in the context scope, with the gates packed
// in input, forget, cell, output order.
// x: [batch, input]; h, c: [batch, hidden]. Returns the updated h and c.
func LSTMCell(ctx *context.Context, x, h, c *Node, hidSize int) (*Node, *Node) {
	g := x.Graph()

	gates := Add(
		ApplyDenseWeightOnly(x, scopeVariable(ctx, g, "w_ih")),
		ApplyDenseWeightOnly(h, scopeVariable(ctx, g, "w_hh")),
	)
	bias := Add(scopeVariable(ctx, g, "b_ih"), scopeVariable(ctx, g, "b_hh"))
	gates = Add(gates, Reshape(bias, 1, 4*hidSize))

	input := Sigmoid(Slice(gates, AxisRange(), AxisRange(0, hidSize)))
	forget := Sigmoid(Slice(gates, AxisRange(), AxisRange(hidSize, 2*hidSize)))
	cell := Tanh(Slice(gates, AxisRange(), AxisRange(2*hidSize, 3*hidSize)))
	output := Sigmoid(Slice(gates, AxisRange(), AxisRange(3*hidSize, 4*hidSize)))

	cNew := Add(Mul(forget, c), Mul(input, cell))
	hNew := Mul(output, Tanh(cNew))
	return hNew, cNew
}

// SplitHidden unpacks a [batch, 2*hidden] packed decoder state into h and c.
func SplitHidden(hidden *Node, hidSize int) (*Node, *Node) {
	h := Slice(hidden, AxisRange(), AxisRange(0, hidSize))
	c := Slice(hidden, AxisRange(), AxisRange(hidSize, 2*hidSize))
	return h, c
}

// JoinHidden packs h and c back into the [batch, 2*hidden] decoder state.
func JoinHidden(h, c *Node) *Node {
	return Concatenate([]*Node{h, c}, -1)
}

// ZeroState returns an all-zero [batch, dim] state tensor.
func ZeroState(g *Graph, batchSize, dim int) *Node {
	return Reshape(Const(g, make([]float32, batchSize*dim)), batchSize, dim)
}
