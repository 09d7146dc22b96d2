// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/styletransfer/pkg/core/tensors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Gram returns the normalized Gram matrix of the feature map x, shaped [1, height, width, channels]:
// with M the feature map reshaped to [height*width, channels], it returns MᵀM / (height*width*channels),
// shaped [channels, channels].
//
// The result is exactly symmetric: only the upper triangle is computed and then mirrored.
func Gram(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	if x.Rank() != 4 || x.Shape().Dimensions[0] != 1 {
		exceptions.Panicf("Gram(x): x must be shaped [1, height, width, channels], got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	numPositions, channels := dims[1]*dims[2], dims[3]
	scale := 1 / float64(numPositions*channels)

	value := tensors.Zeros(channels, channels)
	gramFlat := value.Flat()
	blas32.Syrk(blas.Trans, float32(scale),
		blas32.General{Rows: numPositions, Cols: channels, Stride: channels, Data: x.value.Flat()},
		0, blas32.Symmetric{Uplo: blas.Upper, N: channels, Stride: channels, Data: gramFlat})
	for i := range channels {
		for j := i + 1; j < channels; j++ {
			gramFlat[j*channels+i] = gramFlat[i*channels+j]
		}
	}
	return g.newNode(NodeTypeGram, value, scale, x)
}

// gramVJP: for G = s·MᵀM, dL/dM = s·M(V + Vᵀ).
func gramVJP(node *Node, v *tensors.Tensor) []*tensors.Tensor {
	scale := node.attr.(float64)
	x := node.inputNodes[0]
	dims := x.Shape().Dimensions
	numPositions, channels := dims[1]*dims[2], dims[3]

	symmetric := tensors.Zeros(channels, channels)
	vFlat, sFlat := v.Flat(), symmetric.Flat()
	for i := range channels {
		for j := range channels {
			sFlat[i*channels+j] = vFlat[i*channels+j] + vFlat[j*channels+i]
		}
	}

	dx := tensors.FromShape(x.Shape())
	blas32.Gemm(blas.NoTrans, blas.NoTrans, float32(scale),
		blas32.General{Rows: numPositions, Cols: channels, Stride: channels, Data: x.value.Flat()},
		blas32.General{Rows: channels, Cols: channels, Stride: channels, Data: sFlat},
		0, blas32.General{Rows: numPositions, Cols: channels, Stride: channels, Data: dx.Flat()})
	return []*tensors.Tensor{dx}
}
