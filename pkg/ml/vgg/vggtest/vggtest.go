// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vggtest holds test utilities for packages that depend on the vgg package: small architectures
// and randomly initialized weight tables, so tests don't need the pretrained archive.
package vggtest

import (
	"math"

	"github.com/gomlx/styletransfer/pkg/core/graph/graphtest"
	"github.com/gomlx/styletransfer/pkg/ml/weights"
)

// Tiny is a narrow architecture with the VGG topology, fast enough for unit tests.
var Tiny = weights.Architecture{Widths: [weights.NumBlocks]int{4, 4, 8, 8, 8}}

// RandomTable returns a complete table for arch, with He-uniform initialized kernels and small biases,
// generated deterministically from seed.
func RandomTable(arch weights.Architecture, seed uint64) *weights.Table {
	layers := arch.Layers()
	entries := make([]*weights.Entry, 0, len(layers))
	for ii, layer := range layers {
		fanIn := weights.KernelSize * weights.KernelSize * layer.InChannels
		limit := math.Sqrt(6 / float64(fanIn))
		layerSeed := seed*1000 + uint64(2*ii)
		entries = append(entries, &weights.Entry{
			Name:   layer.Name,
			Kernel: graphtest.RandomTensor(layerSeed, limit, weights.KernelSize, weights.KernelSize, layer.InChannels, layer.OutChannels),
			Bias:   graphtest.RandomTensor(layerSeed+1, 0.05, layer.OutChannels),
		})
	}
	return weights.NewTable(arch, entries...)
}

// WithoutLayers returns a copy of table without the entries of the given layers.
func WithoutLayers(table *weights.Table, layerNames ...string) *weights.Table {
	removed := make(map[string]bool, len(layerNames))
	for _, name := range layerNames {
		removed[name] = true
	}
	var entries []*weights.Entry
	for _, name := range table.Names() {
		if removed[name] {
			continue
		}
		entry, _ := table.Entry(name)
		entries = append(entries, entry)
	}
	return weights.NewTable(table.Architecture(), entries...)
}
