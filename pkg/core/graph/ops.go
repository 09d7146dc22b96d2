// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/styletransfer/pkg/core/tensors"
)

// elementwiseMinChunk is the minimum number of elements handled by one worker in elementwise operations.
const elementwiseMinChunk = 1 << 16

// Parameter creates a node holding value, with respect to which gradients can be taken.
// The value is referenced, not copied, and must not be modified while the graph is in use.
func Parameter(g *Graph, name string, value *tensors.Tensor) *Node {
	if value == nil {
		exceptions.Panicf("Parameter(%q): nil value", name)
	}
	return g.newNode(NodeTypeParameter, value, nil).SetName(name)
}

// Constant creates a node holding value. Gradients are not propagated to constants.
// The value is referenced, not copied, and must not be modified while the graph is in use.
func Constant(g *Graph, value *tensors.Tensor) *Node {
	if value == nil {
		exceptions.Panicf("Constant(): nil value")
	}
	return g.newNode(NodeTypeConstant, value, nil)
}

// mapElements returns a new tensor shaped as x, with fn applied to each element.
func mapElements(g *Graph, x *tensors.Tensor, fn func(v float32) float32) *tensors.Tensor {
	out := tensors.FromShape(x.Shape())
	xFlat, outFlat := x.Flat(), out.Flat()
	g.pool.ParallelFor(len(xFlat), elementwiseMinChunk, func(start, end int) {
		for ii := start; ii < end; ii++ {
			outFlat[ii] = fn(xFlat[ii])
		}
	})
	return out
}

// zipElements returns a new tensor shaped as a (and b), with fn applied to each pair of elements.
func zipElements(g *Graph, a, b *tensors.Tensor, fn func(a, b float32) float32) *tensors.Tensor {
	out := tensors.FromShape(a.Shape())
	aFlat, bFlat, outFlat := a.Flat(), b.Flat(), out.Flat()
	g.pool.ParallelFor(len(aFlat), elementwiseMinChunk, func(start, end int) {
		for ii := start; ii < end; ii++ {
			outFlat[ii] = fn(aFlat[ii], bFlat[ii])
		}
	})
	return out
}

func checkSameShape(opName string, lhs, rhs *Node) {
	if !lhs.Shape().Equal(rhs.Shape()) {
		exceptions.Panicf("%s(lhs, rhs): operands must have the same shape, got lhs=%s and rhs=%s",
			opName, lhs.Shape(), rhs.Shape())
	}
}

// Add returns lhs + rhs, elementwise. Both operands must have the same shape.
func Add(lhs, rhs *Node) *Node {
	g := validateBuildingGraphFromInputs(lhs, rhs)
	checkSameShape("Add", lhs, rhs)
	value := zipElements(g, lhs.value, rhs.value, func(a, b float32) float32 { return a + b })
	return g.newNode(NodeTypeAdd, value, nil, lhs, rhs)
}

// Sub returns lhs - rhs, elementwise. Both operands must have the same shape.
func Sub(lhs, rhs *Node) *Node {
	g := validateBuildingGraphFromInputs(lhs, rhs)
	checkSameShape("Sub", lhs, rhs)
	value := zipElements(g, lhs.value, rhs.value, func(a, b float32) float32 { return a - b })
	return g.newNode(NodeTypeSub, value, nil, lhs, rhs)
}

// Mul returns lhs * rhs, elementwise. Both operands must have the same shape.
func Mul(lhs, rhs *Node) *Node {
	g := validateBuildingGraphFromInputs(lhs, rhs)
	checkSameShape("Mul", lhs, rhs)
	value := zipElements(g, lhs.value, rhs.value, func(a, b float32) float32 { return a * b })
	return g.newNode(NodeTypeMul, value, nil, lhs, rhs)
}

// Square returns x², elementwise.
func Square(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	value := mapElements(g, x.value, func(v float32) float32 { return v * v })
	return g.newNode(NodeTypeSquare, value, nil, x)
}

// MulScalar returns x * scalar, elementwise.
func MulScalar(x *Node, scalar float64) *Node {
	g := validateBuildingGraphFromInputs(x)
	c := float32(scalar)
	value := mapElements(g, x.value, func(v float32) float32 { return v * c })
	return g.newNode(NodeTypeMulScalar, value, scalar, x)
}

// Relu returns max(x, 0), elementwise.
func Relu(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	value := mapElements(g, x.value, func(v float32) float32 { return max(v, 0) })
	return g.newNode(NodeTypeRelu, value, nil, x)
}

// Tanh returns the hyperbolic tangent of x, elementwise.
func Tanh(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	value := mapElements(g, x.value, func(v float32) float32 { return float32(math.Tanh(float64(v))) })
	return g.newNode(NodeTypeTanh, value, nil, x)
}

// Reshape x to the given dimensions. The total size must be the same.
func Reshape(x *Node, dimensions ...int) *Node {
	g := validateBuildingGraphFromInputs(x)
	value := x.value.Clone().Reshape(dimensions...)
	return g.newNode(NodeTypeReshape, value, nil, x)
}

// sumAll adds all elements of flat in a fixed order, accumulating in float64.
func sumAll(flat []float32) float64 {
	var sum float64
	for _, v := range flat {
		sum += float64(v)
	}
	return sum
}

// ReduceAllSum returns the scalar sum of all elements of x.
func ReduceAllSum(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	value := tensors.FromScalar(float32(sumAll(x.value.Flat())))
	return g.newNode(NodeTypeReduceAllSum, value, nil, x)
}

// ReduceAllMean returns the scalar mean of all elements of x.
func ReduceAllMean(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	value := tensors.FromScalar(float32(sumAll(x.value.Flat()) / float64(x.value.Size())))
	return g.newNode(NodeTypeReduceAllMean, value, nil, x)
}
