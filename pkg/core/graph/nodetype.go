// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import "fmt"

// NodeType identifies the operation of a Node.
type NodeType int

const (
	NodeTypeInvalid NodeType = iota
	NodeTypeParameter
	NodeTypeConstant
	NodeTypeAdd
	NodeTypeSub
	NodeTypeMul
	NodeTypeSquare
	NodeTypeMulScalar
	NodeTypeRelu
	NodeTypeTanh
	NodeTypeReshape
	NodeTypeReduceAllSum
	NodeTypeReduceAllMean
	NodeTypeConv2D
	NodeTypeAddBias
	NodeTypeMeanPool
	NodeTypeGram
	numNodeTypes
)

var nodeTypeNames = [numNodeTypes]string{
	"Invalid", "Parameter", "Constant", "Add", "Sub", "Mul", "Square", "MulScalar", "Relu", "Tanh",
	"Reshape", "ReduceAllSum", "ReduceAllMean", "Conv2D", "AddBias", "MeanPool", "Gram",
}

// String implements fmt.Stringer.
func (t NodeType) String() string {
	if t < 0 || t >= numNodeTypes {
		return fmt.Sprintf("NodeType(%d)", int(t))
	}
	return nodeTypeNames[t]
}
