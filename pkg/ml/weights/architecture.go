// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package weights

import (
	"fmt"
	"slices"
)

const (
	// NumBlocks is the number of convolution blocks of the feature hierarchy.
	NumBlocks = 5

	// KernelSize of every convolution (3x3).
	KernelSize = 3

	// ImageChannels is the number of channels (RGB) of the input of the first convolution.
	ImageChannels = 3
)

// BlockSizes is the number of convolutions of each block.
var BlockSizes = [NumBlocks]int{2, 2, 4, 4, 4}

// Architecture describes the channel widths of a five-block VGG-style feature hierarchy.
// All convolutions of block b output Widths[b] channels.
//
// The topology (BlockSizes, KernelSize) is fixed: narrower widths are only used for testing.
type Architecture struct {
	Widths [NumBlocks]int
}

// VGG19 is the architecture of the pretrained VGG-19 network.
var VGG19 = Architecture{Widths: [NumBlocks]int{64, 128, 256, 512, 512}}

// Layer describes one convolution of an Architecture.
type Layer struct {
	Name string

	// Block and Index are 1-based: conv3_2 has Block=3 and Index=2.
	Block, Index int

	InChannels, OutChannels int
}

// LayerName returns the name of the convolution, e.g. LayerName(4, 2) = "conv4_2".
// Block and index are 1-based.
func LayerName(block, index int) string {
	return fmt.Sprintf("conv%d_%d", block, index)
}

// PoolName returns the name of the downsampling after the given block (1-based), e.g. "pool1".
func PoolName(block int) string {
	return fmt.Sprintf("pool%d", block)
}

// Layers returns the 16 convolutions of the architecture, in evaluation order.
func (a Architecture) Layers() []Layer {
	layers := make([]Layer, 0, 16)
	inChannels := ImageChannels
	for block := range NumBlocks {
		for index := range BlockSizes[block] {
			layers = append(layers, Layer{
				Name:        LayerName(block+1, index+1),
				Block:       block + 1,
				Index:       index + 1,
				InChannels:  inChannels,
				OutChannels: a.Widths[block],
			})
			inChannels = a.Widths[block]
		}
	}
	return layers
}

// Layer returns the description of the named convolution.
func (a Architecture) Layer(name string) (Layer, bool) {
	for _, layer := range a.Layers() {
		if layer.Name == name {
			return layer, true
		}
	}
	return Layer{}, false
}

// NumParameters returns the number of weights (kernels and biases) of the architecture.
func (a Architecture) NumParameters() int {
	var count int
	for _, layer := range a.Layers() {
		count += KernelSize*KernelSize*layer.InChannels*layer.OutChannels + layer.OutChannels
	}
	return count
}

// String implements fmt.Stringer.
func (a Architecture) String() string {
	return fmt.Sprintf("VGG%v", a.Widths)
}

// layerSequence is the flat sequence of layers of the pretrained archives, as laid out by the
// MatConvNet "imagenet-vgg-verydeep-19" archive and by torchvision's vgg19().features.
var layerSequence = func() []string {
	var names []string
	for block := range NumBlocks {
		for index := range BlockSizes[block] {
			names = append(names,
				LayerName(block+1, index+1),
				fmt.Sprintf("relu%d_%d", block+1, index+1))
		}
		names = append(names, PoolName(block+1))
	}
	return append(names, "fc6", "relu6", "fc7", "relu7", "fc8", "prob")
}()

// LayerIndex maps each layer name to its position in a flat pretrained archive:
// conv1_1=0, relu1_1=1, conv1_2=2, relu1_2=3, pool1=4, conv2_1=5, ..., conv5_4=34, relu5_4=35, pool5=36.
var LayerIndex = func() map[string]int {
	index := make(map[string]int, len(layerSequence))
	for ii, name := range layerSequence {
		index[name] = ii
	}
	return index
}()

// LayerAt returns the name of the layer at the given position of a flat pretrained archive,
// or "" if position is out of range.
func LayerAt(position int) string {
	if position < 0 || position >= len(layerSequence) {
		return ""
	}
	return layerSequence[position]
}

// LayerNames returns the names of the convolutions in archive order.
func LayerNames() []string {
	return slices.DeleteFunc(slices.Clone(layerSequence), func(name string) bool {
		_, ok := VGG19.Layer(name)
		return !ok
	})
}
