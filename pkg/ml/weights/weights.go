// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package weights holds the frozen convolution weights of the feature extractor, and loads them from
// pretrained archives.
//
// A Table maps layer names (e.g. "conv4_2") to a kernel, shaped [3, 3, inChannels, outChannels] (HWIO layout),
// and a bias, shaped [outChannels]. Tables are read-only after construction, and safe for concurrent readers.
//
// Supported archives (see Load):
//
//   - ".safetensors": tensors named "<layer>/kernel" and "<layer>/bias" (HWIO layout), or
//     "features.<index>.weight" and "features.<index>.bias" (OIHW layout, as exported from torchvision),
//     where index is the position given by LayerIndex. Dtypes F32, F64, F16 and BF16 are accepted.
//   - ".mat": MatConvNet archives, e.g. "imagenet-vgg-verydeep-19.mat", read with github.com/daniellowtw/matlab.
//     Convolutions are found by name, or by their position given by LayerIndex.
//   - ".gob": the native format written by Save.
package weights

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/styletransfer/pkg/core/tensors"
	"github.com/gomlx/styletransfer/pkg/support/failures"
)

// Entry holds the frozen weights of one convolution layer.
type Entry struct {
	Name string

	// Kernel is shaped [kernelHeight, kernelWidth, inChannels, outChannels].
	Kernel *tensors.Tensor

	// Bias is shaped [outChannels].
	Bias *tensors.Tensor
}

// Table maps layer names to their weights, for a given Architecture.
type Table struct {
	arch    Architecture
	entries map[string]*Entry
}

// NewTable creates a table with the given entries. Entries are not validated until they are
// requested with GetWeights, so tables can be partial.
//
// The entries' tensors are owned by the table afterwards and must not be modified.
func NewTable(arch Architecture, entries ...*Entry) *Table {
	t := &Table{arch: arch, entries: make(map[string]*Entry, len(entries))}
	for _, entry := range entries {
		t.entries[entry.Name] = entry
	}
	return t
}

// Architecture of the table.
func (t *Table) Architecture() Architecture { return t.arch }

// Has returns whether the table has an entry for layerName.
func (t *Table) Has(layerName string) bool {
	_, found := t.entries[layerName]
	return found
}

// Entry returns the entry for layerName, without validation.
func (t *Table) Entry(layerName string) (*Entry, bool) {
	entry, found := t.entries[layerName]
	return entry, found
}

// GetWeights returns the kernel and bias of the named layer.
//
// It returns a *MissingLayerError if the table has no such entry, and a *ShapeMismatchError if the
// kernel or bias shapes are inconsistent with the channels expected by the architecture at that position.
// The returned tensors must not be modified.
func (t *Table) GetWeights(layerName string) (kernel, bias *tensors.Tensor, err error) {
	entry, found := t.entries[layerName]
	if !found {
		return nil, nil, &MissingLayerError{Layer: layerName}
	}
	layer, found := t.arch.Layer(layerName)
	if !found {
		return nil, nil, &MissingLayerError{Layer: layerName, Architecture: t.arch.String()}
	}
	wantKernel := []int{KernelSize, KernelSize, layer.InChannels, layer.OutChannels}
	if entry.Kernel == nil || !slices.Equal(entry.Kernel.Shape().Dimensions, wantKernel) {
		return nil, nil, &ShapeMismatchError{Layer: layerName, Tensor: "kernel", Want: wantKernel, Got: dimensionsOf(entry.Kernel)}
	}
	if entry.Bias == nil || !slices.Equal(entry.Bias.Shape().Dimensions, []int{layer.OutChannels}) {
		return nil, nil, &ShapeMismatchError{Layer: layerName, Tensor: "bias", Want: []int{layer.OutChannels}, Got: dimensionsOf(entry.Bias)}
	}
	return entry.Kernel, entry.Bias, nil
}

func dimensionsOf(t *tensors.Tensor) []int {
	if t == nil {
		return nil
	}
	return t.Shape().Dimensions
}

// Names returns the names of the entries in the table, convolution layers first in archive order,
// followed by any other entries in alphabetical order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		indexA, knownA := LayerIndex[a]
		indexB, knownB := LayerIndex[b]
		switch {
		case knownA && knownB:
			return indexA - indexB
		case knownA:
			return -1
		case knownB:
			return 1
		}
		return strings.Compare(a, b)
	})
	return names
}

// NumParameters returns the total number of weights (kernels and biases) in the table.
func (t *Table) NumParameters() int {
	var count int
	for _, entry := range t.entries {
		if entry.Kernel != nil {
			count += entry.Kernel.Size()
		}
		if entry.Bias != nil {
			count += entry.Bias.Size()
		}
	}
	return count
}

// Validate checks all the convolutions of the architecture, returning the first error found.
func (t *Table) Validate() error {
	for _, layer := range t.arch.Layers() {
		if _, _, err := t.GetWeights(layer.Name); err != nil {
			return err
		}
	}
	return nil
}

// MissingLayerError is returned when a requested layer has no entry in the weight table.
// It is in the failures.ErrConfiguration category.
type MissingLayerError struct {
	Layer string

	// Architecture is set if the layer is not part of the architecture, as opposed to missing from the archive.
	Architecture string
}

// Error implements error.
func (e *MissingLayerError) Error() string {
	if e.Architecture != "" {
		return fmt.Sprintf("layer %q is not a convolution of %s", e.Layer, e.Architecture)
	}
	return fmt.Sprintf("weight table has no entry for layer %q", e.Layer)
}

// Is reports the error category.
func (e *MissingLayerError) Is(target error) bool { return target == failures.ErrConfiguration }

// ShapeMismatchError is returned when the kernel or bias of a layer doesn't have the shape expected
// by the architecture. It is in the failures.ErrConfiguration category.
type ShapeMismatchError struct {
	Layer, Tensor string
	Want, Got     []int
}

// Error implements error.
func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("layer %q: %s is shaped %v, but the architecture expects %v", e.Layer, e.Tensor, e.Got, e.Want)
}

// Is reports the error category.
func (e *ShapeMismatchError) Is(target error) bool { return target == failures.ErrConfiguration }
