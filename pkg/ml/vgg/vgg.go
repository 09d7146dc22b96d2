// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vgg rebuilds the five-block VGG feature hierarchy from a frozen weights.Table, and extracts
// the activations of named layers for an image.
//
// Each block is a sequence of 3x3 convolutions (stride 1, same-size zero padding), each followed by its
// bias and the configured nonlinearity, and is closed by a 2x2 stride 2 average pooling. Layer "convB_I"
// refers to the output of the I-th convolution of block B, after the nonlinearity, and "poolB" to the
// output of the pooling after block B.
//
// Example:
//
//	extractor, err := vgg.New(table, vgg.Config{Height: 384, Width: 512, Activation: activations.TypeRelu,
//		Layers: []string{"conv1_1", "conv2_1", "conv3_1", "conv4_1", "conv4_2", "conv5_1"}})
//	if err != nil { ... }
//	features, err := extractor.Extract(images.Normalize(pixels), "conv4_2")
package vgg

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/styletransfer/pkg/core/graph"
	"github.com/gomlx/styletransfer/pkg/core/tensors"
	"github.com/gomlx/styletransfer/pkg/ml/layers/activations"
	"github.com/gomlx/styletransfer/pkg/ml/weights"
	"github.com/gomlx/styletransfer/pkg/support/failures"
	"k8s.io/klog/v2"
)

// Config of the Extractor.
type Config struct {
	// Height and Width of the images the extractor accepts. Images are shaped [1, Height, Width, 3].
	Height, Width int

	// Activation applied after each convolution.
	Activation activations.Type

	// Layers the extractor must be able to produce. Weights are fetched up to the deepest of them.
	Layers []string

	// StrictHalving rejects image dimensions that are not divisible by 16. Otherwise, odd dimensions are
	// pooled with "same" padding: the output is ceil(dim/2), and the padding is excluded from the averages.
	StrictHalving bool
}

// stage of the feature hierarchy: either a convolution (with its bias and activation) or a pooling.
type stage struct {
	name   string
	kernel *FrozenKernel
	bias   *tensors.Tensor
}

func (s *stage) isPool() bool { return s.kernel == nil }

// Extractor of VGG features. It holds the frozen weights up to the deepest configured layer, and is safe
// for concurrent use.
type Extractor struct {
	config Config
	stages []*stage
}

// CanonicalLayerName accepts the alternative name "avgpoolB" for the pooling after block B, and
// returns the name used by the extractor.
func CanonicalLayerName(name string) string {
	if rest, found := strings.CutPrefix(name, "avgpool"); found {
		return "pool" + rest
	}
	return name
}

// sequence returns the names of all stages of the hierarchy, in evaluation order.
func sequence() []string {
	var names []string
	for block := range weights.NumBlocks {
		for index := range weights.BlockSizes[block] {
			names = append(names, weights.LayerName(block+1, index+1))
		}
		names = append(names, weights.PoolName(block+1))
	}
	return names
}

// New creates an Extractor for the given configuration, fetching from table the weights of every
// convolution up to the deepest configured layer.
//
// It returns a *weights.MissingLayerError or a *weights.ShapeMismatchError if the table lacks or has
// inconsistent weights for one of those convolutions, and a *InvalidShapeError if the configured image
// dimensions are not accepted.
func New(table *weights.Table, config Config) (*Extractor, error) {
	if config.Height <= 0 || config.Width <= 0 {
		return nil, &InvalidShapeError{Got: []int{1, config.Height, config.Width, weights.ImageChannels},
			Reason: "image height and width must be positive"}
	}
	if config.StrictHalving && (config.Height%16 != 0 || config.Width%16 != 0) {
		return nil, &InvalidShapeError{Got: []int{1, config.Height, config.Width, weights.ImageChannels},
			Reason: "image height and width must be divisible by 16 to be halved four times"}
	}
	if len(config.Layers) == 0 {
		return nil, failures.Configurationf("vgg.New(): no layers configured")
	}
	allNames := sequence()
	deepest := -1
	config.Layers = slices.Clone(config.Layers)
	for ii, name := range config.Layers {
		name = CanonicalLayerName(name)
		config.Layers[ii] = name
		position := slices.Index(allNames, name)
		if position < 0 {
			return nil, failures.Configurationf("vgg.New(): unknown layer %q, valid layers are %v", name, allNames)
		}
		deepest = max(deepest, position)
	}

	e := &Extractor{config: config}
	for _, name := range allNames[:deepest+1] {
		s := &stage{name: name}
		if !strings.HasPrefix(name, "pool") {
			kernel, bias, err := table.GetWeights(name)
			if err != nil {
				return nil, err
			}
			s.kernel = NewFrozenKernel(kernel)
			s.bias = bias
		}
		e.stages = append(e.stages, s)
	}
	klog.V(1).Infof("vgg extractor for %dx%d images, %d stages up to %q, activation %s",
		config.Width, config.Height, len(e.stages), allNames[deepest], config.Activation)
	return e, nil
}

// Config returns the configuration of the extractor, with canonical layer names.
func (e *Extractor) Config() Config { return e.config }

// Layers returns the names of all the stages the extractor can produce, in evaluation order.
func (e *Extractor) Layers() []string {
	names := make([]string, len(e.stages))
	for ii, s := range e.stages {
		names[ii] = s.name
	}
	return names
}

// OutputDimensions returns the dimensions of the feature map of the named layer, or nil if the extractor
// can't produce it.
func (e *Extractor) OutputDimensions(layerName string) []int {
	layerName = CanonicalLayerName(layerName)
	height, width, channels := e.config.Height, e.config.Width, weights.ImageChannels
	for _, s := range e.stages {
		if s.isPool() {
			height, width = (height+1)/2, (width+1)/2
		} else {
			channels = s.kernel.OutputChannels()
		}
		if s.name == layerName {
			return []int{1, height, width, channels}
		}
	}
	return nil
}

// checkImageShape panics with an *InvalidShapeError if dims is not [1, Height, Width, 3].
func (e *Extractor) checkImageShape(dims []int) {
	want := []int{1, e.config.Height, e.config.Width, weights.ImageChannels}
	if !slices.Equal(dims, want) {
		panic(&InvalidShapeError{Got: slices.Clone(dims), Want: want,
			Reason: "image must be shaped [1, height, width, 3] with the configured dimensions"})
	}
}

// BuildGraph applies the feature hierarchy to image, a node shaped [1, Height, Width, 3] holding
// mean-centered pixel values, and returns the nodes of the requested layers.
//
// It only evaluates the stages up to the deepest requested layer.
// As a graph building function, it panics (with an error) if image is not properly shaped, or if any of
// the requested layers is not available.
func (e *Extractor) BuildGraph(image *Node, layerNames ...string) map[string]*Node {
	e.checkImageShape(image.Shape().Dimensions)
	wanted := make(map[string]bool, len(layerNames))
	for _, name := range layerNames {
		name = CanonicalLayerName(name)
		if !slices.ContainsFunc(e.stages, func(s *stage) bool { return s.name == name }) {
			panic(failures.Configurationf("layer %q is not available, extractor was configured with layers %v",
				name, e.config.Layers))
		}
		wanted[name] = true
	}

	outputs := make(map[string]*Node, len(wanted))
	x := image
	for _, s := range e.stages {
		if len(outputs) == len(wanted) {
			break
		}
		if s.isPool() {
			x = MeanPool(x).Done()
		} else {
			x = Conv2D(x, s.kernel)
			x = AddBias(x, s.bias)
			x = activations.Apply(e.config.Activation, x)
		}
		if wanted[s.name] {
			outputs[s.name] = x
		}
	}
	return outputs
}

// Extract the feature maps of the requested layers for image, shaped [1, Height, Width, 3].
//
// It returns an *InvalidShapeError if the image is not properly shaped. The returned feature maps are
// keyed by the canonical layer names. Running it twice on the same image yields bit-identical results.
func (e *Extractor) Extract(image *tensors.Tensor, layerNames ...string) (features map[string]*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		g := NewGraph("vgg")
		nodes := e.BuildGraph(Constant(g, image), layerNames...)
		features = make(map[string]*tensors.Tensor, len(nodes))
		for name, node := range nodes {
			features[name] = node.Value()
		}
	})
	if err != nil {
		return nil, err
	}
	return features, nil
}

// InvalidShapeError is returned when an image doesn't have the shape accepted by the extractor.
// It is in the failures.ErrConfiguration category.
type InvalidShapeError struct {
	Got, Want []int
	Reason    string
}

// Error implements error.
func (e *InvalidShapeError) Error() string {
	if e.Want == nil {
		return fmt.Sprintf("invalid image shape %v: %s", e.Got, e.Reason)
	}
	return fmt.Sprintf("invalid image shape %v, wanted %v: %s", e.Got, e.Want, e.Reason)
}

// Is reports the error category.
func (e *InvalidShapeError) Is(target error) bool { return target == failures.ErrConfiguration }
