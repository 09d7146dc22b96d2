// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses implements the objectives of the style transfer: the content loss (mean squared error
// between feature maps), the style loss (weighted mean squared error between Gram matrices of several
// layers) and their weighted combination.
//
// Each loss comes in two forms: a graph building function (e.g. ContentLossGraph), differentiable and used
// by the optimization loop, and a function over tensors (e.g. ContentLoss), used to compute targets and for
// reporting. Both compute the same values.
package losses

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/styletransfer/pkg/core/graph"
	"github.com/gomlx/styletransfer/pkg/core/tensors"
	"github.com/gomlx/styletransfer/pkg/support/failures"
)

// GramGraph returns the normalized Gram matrix of the feature map, shaped [1, height, width, channels]:
// the feature map is reshaped to M with shape [height*width, channels], and the result is MᵀM/(height*width*channels),
// shaped [channels, channels].
//
// The normalization makes Gram matrices of layers with different spatial extents comparable.
func GramGraph(featureMap *graph.Node) *graph.Node {
	return graph.Gram(featureMap)
}

// Gram computes the normalized Gram matrix of the feature map, see GramGraph.
// It returns an error if the feature map is not shaped [1, height, width, channels].
func Gram(featureMap *tensors.Tensor) (gram *tensors.Tensor, err error) {
	if featureMap == nil || featureMap.Rank() != 4 || featureMap.Shape().Dim(0) != 1 {
		return nil, failures.Configurationf("Gram(): feature map must be shaped [1, height, width, channels], got %s", featureMap)
	}
	err = exceptions.TryCatch[error](func() {
		g := graph.NewGraph("gram")
		gram = GramGraph(graph.Constant(g, featureMap)).Value()
	})
	return
}

// ContentLossGraph returns the mean squared error between the current and target feature maps.
// It panics if their shapes differ.
func ContentLossGraph(current, target *graph.Node) *graph.Node {
	return graph.ReduceAllMean(graph.Square(graph.Sub(current, target)))
}

// ContentLoss computes the mean squared error between the current and target feature maps.
// It returns an error in the failures.ErrConfiguration category if their shapes differ.
func ContentLoss(current, target *tensors.Tensor) (loss float64, err error) {
	if !current.Shape().Equal(target.Shape()) {
		return 0, failures.Configurationf("ContentLoss(): current feature map shaped %s, but target is shaped %s",
			current.Shape(), target.Shape())
	}
	err = exceptions.TryCatch[error](func() {
		g := graph.NewGraph("content_loss")
		loss = float64(ContentLossGraph(graph.Constant(g, current), graph.Constant(g, target)).Value().Value())
	})
	return
}

// UniformWeights returns the default per-layer weights of the style loss: 1/numLayers for every layer.
func UniformWeights(numLayers int) []float64 {
	weights := make([]float64, numLayers)
	for ii := range weights {
		weights[ii] = 1 / float64(numLayers)
	}
	return weights
}

// checkStyleInputs returns the layer weights to use (uniform if layerWeights is nil), or a
// *LayerCountMismatchError.
func checkStyleInputs(currentDims, targetDims [][]int, layerWeights []float64) ([]float64, error) {
	if len(currentDims) != len(targetDims) {
		return nil, &LayerCountMismatchError{Current: len(currentDims), Target: len(targetDims), Index: -1}
	}
	if len(currentDims) == 0 {
		return nil, &LayerCountMismatchError{Index: -1}
	}
	for ii := range currentDims {
		if !slices.Equal(currentDims[ii], targetDims[ii]) {
			return nil, &LayerCountMismatchError{Current: len(currentDims), Target: len(targetDims), Index: ii,
				CurrentDims: currentDims[ii], TargetDims: targetDims[ii]}
		}
	}
	if layerWeights == nil {
		return UniformWeights(len(currentDims)), nil
	}
	if len(layerWeights) != len(currentDims) {
		return nil, &LayerCountMismatchError{Current: len(currentDims), Target: len(targetDims), Index: -1,
			Weights: len(layerWeights)}
	}
	return layerWeights, nil
}

// StyleLossGraph returns the weighted sum over the style layers of the mean squared error between the
// current and target Gram matrices: Σ layerWeights[i]·MSE(currentGrams[i], targetGrams[i]).
//
// If layerWeights is nil, layers are weighted uniformly with 1/len(currentGrams).
// It panics with a *LayerCountMismatchError if the number of layers (or weights) differ, or if the Gram
// matrices of any layer have different shapes.
func StyleLossGraph(currentGrams, targetGrams []*graph.Node, layerWeights []float64) *graph.Node {
	layerWeights, err := checkStyleInputs(nodesDims(currentGrams), nodesDims(targetGrams), layerWeights)
	if err != nil {
		panic(err)
	}
	var loss *graph.Node
	for ii, current := range currentGrams {
		term := graph.MulScalar(ContentLossGraph(current, targetGrams[ii]), layerWeights[ii])
		if loss == nil {
			loss = term
		} else {
			loss = graph.Add(loss, term)
		}
	}
	return loss
}

// StyleLoss computes the style loss from Gram matrices, see StyleLossGraph.
// It returns a *LayerCountMismatchError if the inputs are inconsistent.
func StyleLoss(currentGrams, targetGrams []*tensors.Tensor, layerWeights []float64) (loss float64, err error) {
	if _, err = checkStyleInputs(tensorsDims(currentGrams), tensorsDims(targetGrams), layerWeights); err != nil {
		return 0, err
	}
	err = exceptions.TryCatch[error](func() {
		g := graph.NewGraph("style_loss")
		currentNodes := make([]*graph.Node, len(currentGrams))
		targetNodes := make([]*graph.Node, len(targetGrams))
		for ii := range currentGrams {
			currentNodes[ii] = graph.Constant(g, currentGrams[ii])
			targetNodes[ii] = graph.Constant(g, targetGrams[ii])
		}
		loss = float64(StyleLossGraph(currentNodes, targetNodes, layerWeights).Value().Value())
	})
	return
}

// TotalLossGraph returns alpha·content + beta·style.
func TotalLossGraph(content, style *graph.Node, alpha, beta float64) *graph.Node {
	return graph.Add(graph.MulScalar(content, alpha), graph.MulScalar(style, beta))
}

// TotalLoss returns alpha·content + beta·style.
func TotalLoss(content, style, alpha, beta float64) float64 {
	return alpha*content + beta*style
}

func nodesDims(nodes []*graph.Node) [][]int {
	dims := make([][]int, len(nodes))
	for ii, node := range nodes {
		dims[ii] = node.Shape().Dimensions
	}
	return dims
}

func tensorsDims(values []*tensors.Tensor) [][]int {
	dims := make([][]int, len(values))
	for ii, t := range values {
		if t != nil {
			dims[ii] = t.Shape().Dimensions
		}
	}
	return dims
}

// LayerCountMismatchError is returned when the current and target Gram matrices of the style loss don't
// correspond: a different number of layers, different shapes for one layer, or a number of layer weights
// that doesn't match. It is in the failures.ErrConfiguration category.
type LayerCountMismatchError struct {
	// Current and Target are the number of layers of each side.
	Current, Target int

	// Index of the first layer whose shapes differ, or -1.
	Index                   int
	CurrentDims, TargetDims []int

	// Weights is the number of layer weights given, if it didn't match the number of layers.
	Weights int
}

// Error implements error.
func (e *LayerCountMismatchError) Error() string {
	switch {
	case e.Index >= 0:
		return fmt.Sprintf("style layer #%d: current Gram matrix is shaped %v, but target is shaped %v",
			e.Index, e.CurrentDims, e.TargetDims)
	case e.Current == e.Target && e.Current > 0:
		return fmt.Sprintf("%d style layer weights given for %d style layers", e.Weights, e.Current)
	case e.Current == 0 && e.Target == 0:
		return "no style layers given"
	}
	return fmt.Sprintf("%d current Gram matrices given for %d target Gram matrices", e.Current, e.Target)
}

// Is reports the error category.
func (e *LayerCountMismatchError) Is(target error) bool { return target == failures.ErrConfiguration }
