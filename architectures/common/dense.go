package common

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// DenseWithBias applies a dense layer using pre-loaded weights.
// Expects variables "weights" and "biases" in the context scope.
// Handles 2D [batch, features] and 3D [batch, seq, features] inputs.
func DenseWithBias(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	weights := scopeVariable(ctx, g, "weights")
	biases := scopeVariable(ctx, g, "biases")
	return ApplyDenseWithBias(x, weights, biases)
}

// ApplyDenseWithBias applies a dense layer with explicit weight and bias
// tensors. weights shape: [out_features, in_features].
func ApplyDenseWithBias(x, weights, biases *Node) *Node {
	var output *Node

	if x.Shape().Rank() == 3 {
		output = Einsum("bsi,oi->bso", x, weights)
		biases = Reshape(biases, 1, 1, biases.Shape().Dimensions[0])
	} else {
		output = Einsum("bi,oi->bo", x, weights)
		biases = Reshape(biases, 1, biases.Shape().Dimensions[0])
	}

	return Add(output, biases)
}

// DenseWeightOnly applies only the weight matrix (no bias).
// Expects variable "weights" in the context scope.
func DenseWeightOnly(ctx *context.Context, x *Node) *Node {
	return ApplyDenseWeightOnly(x, scopeVariable(ctx, x.Graph(), "weights"))
}

// ApplyDenseWeightOnly applies a weight-only dense layer.
func ApplyDenseWeightOnly(x, weights *Node) *Node {
	switch rank := x.Shape().Rank(); rank {
	case 2:
		return Einsum("bi,oi->bo", x, weights)
	case 3:
		return Einsum("bsi,oi->bso", x, weights)
	default:
		panic(fmt.Sprintf("DenseWeightOnly: unsupported input rank %d", rank))
	}
}

// FeedForward applies the position-wise two-layer network of the transformer
// variants: w_1 -> ReLU -> w_2. Expects scopes "w_1" and "w_2" holding dense
// weights and biases.
func FeedForward(ctx *context.Context, x *Node) *Node {
	x = DenseWithBias(ctx.In("w_1"), x)
	x = activations.Relu(x)
	return DenseWithBias(ctx.In("w_2"), x)
}

// scopeVariable fetches a pre-loaded variable from the context scope,
// panicking with the scope path when the checkpoint did not provide it.
func scopeVariable(ctx *context.Context, g *Graph, name string) *Node {
	v := ctx.GetVariableByScopeAndName(ctx.Scope(), name)
	if v == nil {
		panic(fmt.Sprintf("missing variable %q in scope %q", name, ctx.Scope()))
	}
	return v.ValueGraph(g)
}
