// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/styletransfer/pkg/core/tensors"
)

// PoolBuilder is a helper to build a mean pooling computation.
// Create it with MeanPool, set the desired parameters and when all is set, call Done.
type PoolBuilder struct {
	x              *Node
	window, stride int
}

// MeanPool prepares a spatial average pooling on x, shaped [1, height, width, channels].
// It defaults to a 2x2 window with stride 2 (halving the spatial dimensions).
//
// Padding follows the "same" semantics: the output spatial dimensions are ceil(dim/stride), and
// the windows that extend beyond the input (at the bottom/right for odd dimensions) only average
// the valid positions. Padding is never counted in the mean.
//
// Call Done when finished configuring.
func MeanPool(x *Node) *PoolBuilder {
	return &PoolBuilder{x: x, window: 2, stride: 2}
}

// Window sets the size of the pooling window, for both spatial dimensions. If the stride was not
// set, it is also set to the window size.
func (pool *PoolBuilder) Window(size int) *PoolBuilder {
	if pool.stride == pool.window {
		pool.stride = size
	}
	pool.window = size
	return pool
}

// Strides sets the stride of the pooling, for both spatial dimensions.
func (pool *PoolBuilder) Strides(stride int) *PoolBuilder {
	pool.stride = stride
	return pool
}

// poolAttr holds the static parameters of a MeanPool node.
type poolAttr struct {
	window, stride int
	// padTop and padLeft are the number of virtual rows/columns before the input.
	padTop, padLeft int
}

// samePadding returns the output dimension and the padding before the input, for "same" padding.
func samePadding(inDim, window, stride int) (outDim, padBefore int) {
	outDim = (inDim + stride - 1) / stride
	padTotal := max((outDim-1)*stride+window-inDim, 0)
	return outDim, padTotal / 2
}

// windowRange returns the valid input range [start, end) covered by the output position.
func windowRange(outIdx, window, stride, padBefore, inDim int) (start, end int) {
	start = outIdx*stride - padBefore
	end = min(start+window, inDim)
	start = max(start, 0)
	return
}

// Done builds the pooling node.
func (pool *PoolBuilder) Done() *Node {
	x := pool.x
	g := validateBuildingGraphFromInputs(x)
	if x.Rank() != 4 || x.Shape().Dimensions[0] != 1 {
		exceptions.Panicf("MeanPool(x): x must be shaped [1, height, width, channels], got %s", x.Shape())
	}
	if pool.window <= 0 || pool.stride <= 0 {
		exceptions.Panicf("MeanPool(x): window (%d) and stride (%d) must be > 0", pool.window, pool.stride)
	}
	dims := x.Shape().Dimensions
	height, width, channels := dims[1], dims[2], dims[3]
	outHeight, padTop := samePadding(height, pool.window, pool.stride)
	outWidth, padLeft := samePadding(width, pool.window, pool.stride)
	attr := &poolAttr{window: pool.window, stride: pool.stride, padTop: padTop, padLeft: padLeft}

	value := tensors.Zeros(1, outHeight, outWidth, channels)
	xFlat, outFlat := x.value.Flat(), value.Flat()
	g.pool.ParallelFor(outHeight, 1, func(start, end int) {
		for oy := start; oy < end; oy++ {
			y0, y1 := windowRange(oy, attr.window, attr.stride, attr.padTop, height)
			for ox := range outWidth {
				x0, x1 := windowRange(ox, attr.window, attr.stride, attr.padLeft, width)
				dst := outFlat[(oy*outWidth+ox)*channels : (oy*outWidth+ox+1)*channels]
				for y := y0; y < y1; y++ {
					for xCol := x0; xCol < x1; xCol++ {
						src := xFlat[(y*width+xCol)*channels:]
						for c := range dst {
							dst[c] += src[c]
						}
					}
				}
				ratio := 1 / float32((y1-y0)*(x1-x0))
				for c := range dst {
					dst[c] *= ratio
				}
			}
		}
	})
	return g.newNode(NodeTypeMeanPool, value, attr, x)
}

// meanPoolVJP distributes each output gradient equally among the valid input positions of its window.
// Each worker owns a band of input rows, and gathers the gradients of the windows covering them.
func meanPoolVJP(node *Node, v *tensors.Tensor) []*tensors.Tensor {
	attr := node.attr.(*poolAttr)
	x := node.inputNodes[0]
	dims := x.Shape().Dimensions
	height, width, channels := dims[1], dims[2], dims[3]
	outDims := node.Shape().Dimensions
	outHeight, outWidth := outDims[1], outDims[2]

	// outputRange returns the output positions whose windows include the input position idx.
	outputRange := func(idx, padBefore, outDim int) (start, end int) {
		shifted := idx + padBefore
		start = max(0, (shifted-attr.window+attr.stride)/attr.stride)
		end = min(outDim, shifted/attr.stride+1)
		return
	}

	dx := tensors.FromShape(x.Shape())
	vFlat, dxFlat := v.Flat(), dx.Flat()
	node.graph.pool.ParallelFor(height, 1, func(start, end int) {
		for y := start; y < end; y++ {
			oy0, oy1 := outputRange(y, attr.padTop, outHeight)
			for xCol := range width {
				ox0, ox1 := outputRange(xCol, attr.padLeft, outWidth)
				dst := dxFlat[(y*width+xCol)*channels : (y*width+xCol+1)*channels]
				for oy := oy0; oy < oy1; oy++ {
					wy0, wy1 := windowRange(oy, attr.window, attr.stride, attr.padTop, height)
					for ox := ox0; ox < ox1; ox++ {
						wx0, wx1 := windowRange(ox, attr.window, attr.stride, attr.padLeft, width)
						ratio := 1 / float32((wy1-wy0)*(wx1-wx0))
						src := vFlat[(oy*outWidth+ox)*channels:]
						for c := range dst {
							dst[c] += src[c] * ratio
						}
					}
				}
			}
		}
	})
	return []*tensors.Tensor{dx}
}
