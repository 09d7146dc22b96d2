// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/styletransfer/internal/workerspool"
	"github.com/gomlx/styletransfer/pkg/core/tensors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// maxPatchElements limits the size of the im2col buffer of each worker, in number of float32 elements.
const maxPatchElements = 1 << 22

// FrozenKernel is a convolution kernel shaped [kernelHeight, kernelWidth, inputChannels, outputChannels]
// (HWIO layout), that is not differentiated. It is safe for concurrent use.
//
// The kernel tensor must not be modified after the FrozenKernel is created.
type FrozenKernel struct {
	kernel *tensors.Tensor

	transposeOnce sync.Once
	transposed    *tensors.Tensor
}

// NewFrozenKernel wraps the kernel tensor, shaped [kernelHeight, kernelWidth, inputChannels, outputChannels].
func NewFrozenKernel(kernel *tensors.Tensor) *FrozenKernel {
	if kernel == nil || kernel.Rank() != 4 {
		exceptions.Panicf("NewFrozenKernel(): kernel must be rank-4 [kH, kW, inC, outC], got %s", kernel)
	}
	return &FrozenKernel{kernel: kernel}
}

// Tensor returns the kernel tensor. It must not be modified.
func (k *FrozenKernel) Tensor() *tensors.Tensor { return k.kernel }

// InputChannels the kernel expects.
func (k *FrozenKernel) InputChannels() int { return k.kernel.Shape().Dimensions[2] }

// OutputChannels the kernel generates.
func (k *FrozenKernel) OutputChannels() int { return k.kernel.Shape().Dimensions[3] }

// transposedKernel returns the kernel flipped spatially, with input and output channels swapped:
// transposed[i, j, o, c] = kernel[kH-1-i, kW-1-j, c, o].
// Convolving the output gradient with it yields the input gradient.
func (k *FrozenKernel) transposedKernel() *tensors.Tensor {
	k.transposeOnce.Do(func() {
		dims := k.kernel.Shape().Dimensions
		kh, kw, inC, outC := dims[0], dims[1], dims[2], dims[3]
		k.transposed = tensors.Zeros(kh, kw, outC, inC)
		src, dst := k.kernel.Flat(), k.transposed.Flat()
		for i := range kh {
			for j := range kw {
				srcBase := ((kh-1-i)*kw + (kw - 1 - j)) * inC * outC
				dstBase := (i*kw + j) * outC * inC
				for c := range inC {
					for o := range outC {
						dst[dstBase+o*inC+c] = src[srcBase+c*outC+o]
					}
				}
			}
		}
	})
	return k.transposed
}

// convAttr holds the static inputs of a Conv2D node.
type convAttr struct {
	kernel          *FrozenKernel
	padTop, padLeft int
}

// Conv2D convolves x, shaped [1, height, width, inputChannels], with the frozen kernel, using stride 1
// and "same" zero padding, so the output is shaped [1, height, width, outputChannels].
//
// For even kernel sizes the extra padding goes to the bottom/right.
func Conv2D(x *Node, kernel *FrozenKernel) *Node {
	g := validateBuildingGraphFromInputs(x)
	if x.Rank() != 4 || x.Shape().Dimensions[0] != 1 {
		exceptions.Panicf("Conv2D(x, kernel): x must be shaped [1, height, width, channels], got %s", x.Shape())
	}
	if x.Shape().Dimensions[3] != kernel.InputChannels() {
		exceptions.Panicf("Conv2D(x, kernel): x has %d channels, but kernel %s expects %d input channels",
			x.Shape().Dimensions[3], kernel.kernel.Shape(), kernel.InputChannels())
	}
	kDims := kernel.kernel.Shape().Dimensions
	attr := &convAttr{kernel: kernel, padTop: (kDims[0] - 1) / 2, padLeft: (kDims[1] - 1) / 2}
	value := convolveSame(g.pool, x.value, kernel.kernel, attr.padTop, attr.padLeft)
	return g.newNode(NodeTypeConv2D, value, attr, x)
}

// convolveSame computes a stride 1 convolution of x, shaped [1, height, width, inC], with kernel,
// shaped [kH, kW, inC, outC], producing an output with the same spatial dimensions as x.
// padTop and padLeft are the number of zero rows and columns virtually added above and to the left of x.
//
// It uses im2col: each worker builds the patches for a band of output rows and multiplies them by the
// kernel (reshaped to [kH*kW*inC, outC]) with a single GEMM.
func convolveSame(pool *workerspool.Pool, x, kernel *tensors.Tensor, padTop, padLeft int) *tensors.Tensor {
	xDims, kDims := x.Shape().Dimensions, kernel.Shape().Dimensions
	height, width, inC := xDims[1], xDims[2], xDims[3]
	kh, kw, outC := kDims[0], kDims[1], kDims[3]
	patchSize := kh * kw * inC
	out := tensors.Zeros(1, height, width, outC)
	xFlat, outFlat := x.Flat(), out.Flat()
	kernelMatrix := blas32.General{Rows: patchSize, Cols: outC, Stride: outC, Data: kernel.Flat()}
	rowsPerGemm := max(1, maxPatchElements/(width*patchSize))

	pool.ParallelFor(height, 1, func(start, end int) {
		patches := make([]float32, min(rowsPerGemm, end-start)*width*patchSize)
		for row0 := start; row0 < end; row0 += rowsPerGemm {
			row1 := min(row0+rowsPerGemm, end)
			numPatches := (row1 - row0) * width
			pos := 0
			for y := row0; y < row1; y++ {
				for xCol := range width {
					for i := range kh {
						srcY := y + i - padTop
						for j := range kw {
							srcX := xCol + j - padLeft
							dst := patches[pos : pos+inC]
							pos += inC
							if srcY < 0 || srcY >= height || srcX < 0 || srcX >= width {
								clear(dst)
								continue
							}
							srcPos := (srcY*width + srcX) * inC
							copy(dst, xFlat[srcPos:srcPos+inC])
						}
					}
				}
			}
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
				blas32.General{Rows: numPatches, Cols: patchSize, Stride: patchSize, Data: patches[:numPatches*patchSize]},
				kernelMatrix, 0,
				blas32.General{Rows: numPatches, Cols: outC, Stride: outC, Data: outFlat[row0*width*outC : row1*width*outC]})
		}
	})
	return out
}

// AddBias adds the frozen bias, shaped [channels], to every position of x, shaped [..., channels].
// The bias tensor must not be modified afterwards.
func AddBias(x *Node, bias *tensors.Tensor) *Node {
	g := validateBuildingGraphFromInputs(x)
	if bias == nil || bias.Rank() != 1 || bias.Size() != x.Shape().Dim(-1) {
		exceptions.Panicf("AddBias(x, bias): bias must be shaped [%d] to match x %s, got %s",
			x.Shape().Dim(-1), x.Shape(), bias)
	}
	channels := bias.Size()
	value := tensors.FromShape(x.Shape())
	xFlat, bFlat, outFlat := x.value.Flat(), bias.Flat(), value.Flat()
	numPositions := len(xFlat) / channels
	g.pool.ParallelFor(numPositions, max(1, elementwiseMinChunk/channels), func(start, end int) {
		for pos := start; pos < end; pos++ {
			base := pos * channels
			for c, b := range bFlat {
				outFlat[base+c] = xFlat[base+c] + b
			}
		}
	})
	return g.newNode(NodeTypeAddBias, value, bias, x)
}
