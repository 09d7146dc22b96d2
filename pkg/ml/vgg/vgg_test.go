// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vgg_test

import (
	"testing"

	"github.com/gomlx/styletransfer/internal/workerspool"
	. "github.com/gomlx/styletransfer/pkg/core/graph"
	"github.com/gomlx/styletransfer/pkg/core/graph/graphtest"
	"github.com/gomlx/styletransfer/pkg/ml/layers/activations"
	"github.com/gomlx/styletransfer/pkg/ml/vgg"
	"github.com/gomlx/styletransfer/pkg/ml/vgg/vggtest"
	"github.com/gomlx/styletransfer/pkg/ml/weights"
	"github.com/gomlx/styletransfer/pkg/support/failures"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allBlockOutputs = []string{"conv1_1", "conv1_2", "pool1", "conv2_1", "pool2", "conv3_1", "pool3", "conv4_2", "pool4", "conv5_1", "pool5"}

func TestFeatureDimensions(t *testing.T) {
	table := vggtest.RandomTable(vggtest.Tiny, 1)
	extractor, err := vgg.New(table, vgg.Config{Height: 32, Width: 48, Activation: activations.TypeRelu,
		Layers: []string{"pool5"}})
	require.NoError(t, err)
	assert.Len(t, extractor.Layers(), 21)

	image := graphtest.RandomTensor(2, 100, 1, 32, 48, 3)
	features, err := extractor.Extract(image, allBlockOutputs...)
	require.NoError(t, err)
	require.Len(t, features, len(allBlockOutputs))

	want := map[string][]int{
		"conv1_1": {1, 32, 48, 4},
		"conv1_2": {1, 32, 48, 4},
		"pool1":   {1, 16, 24, 4},
		"conv2_1": {1, 16, 24, 4},
		"pool2":   {1, 8, 12, 4},
		"conv3_1": {1, 8, 12, 8},
		"pool3":   {1, 4, 6, 8},
		"conv4_2": {1, 4, 6, 8},
		"pool4":   {1, 2, 3, 8},
		"conv5_1": {1, 2, 3, 8},
		"pool5":   {1, 1, 2, 8},
	}
	for name, dims := range want {
		assert.Equal(t, dims, features[name].Shape().Dimensions, "layer %q", name)
		assert.Equal(t, dims, extractor.OutputDimensions(name), "layer %q", name)
		assert.True(t, features[name].IsFinite(), "layer %q", name)
	}

	// ReLU outputs are non-negative.
	for _, v := range features["conv3_1"].Flat() {
		require.GreaterOrEqual(t, v, float32(0))
	}

	// "avgpoolB" is an alias.
	aliased, err := extractor.Extract(image, "avgpool2")
	require.NoError(t, err)
	assert.True(t, aliased["pool2"].Equal(features["pool2"]))
}

func TestOddDimensions(t *testing.T) {
	table := vggtest.RandomTable(vggtest.Tiny, 1)
	config := vgg.Config{Height: 21, Width: 30, Activation: activations.TypeTanh, Layers: []string{"conv5_1"}}
	extractor, err := vgg.New(table, config)
	require.NoError(t, err)
	features, err := extractor.Extract(graphtest.RandomTensor(3, 100, 1, 21, 30, 3), "conv2_1", "conv5_1")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 11, 15, 4}, features["conv2_1"].Shape().Dimensions)
	assert.Equal(t, []int{1, 2, 2, 8}, features["conv5_1"].Shape().Dimensions)
	for _, v := range features["conv5_1"].Flat() {
		require.LessOrEqual(t, v, float32(1))
		require.GreaterOrEqual(t, v, float32(-1))
	}

	config.StrictHalving = true
	_, err = vgg.New(table, config)
	var shapeErr *vgg.InvalidShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.ErrorIs(t, err, failures.ErrConfiguration)
}

func TestDeterminism(t *testing.T) {
	table := vggtest.RandomTable(vggtest.Tiny, 7)
	extractor, err := vgg.New(table, vgg.Config{Height: 24, Width: 24, Activation: activations.TypeRelu,
		Layers: []string{"conv4_2"}})
	require.NoError(t, err)
	image := graphtest.RandomTensor(5, 100, 1, 24, 24, 3)
	first, err := extractor.Extract(image, "conv1_1", "conv4_2")
	require.NoError(t, err)
	second, err := extractor.Extract(image, "conv1_1", "conv4_2")
	require.NoError(t, err)
	for name := range first {
		assert.True(t, first[name].Equal(second[name]), "layer %q differs between runs", name)
	}

	// Results don't depend on the parallelism.
	g := NewGraph("serial").WithPool(func() *workerspool.Pool {
		pool := workerspool.New()
		pool.SetMaxParallelism(0)
		return pool
	}())
	nodes := extractor.BuildGraph(Constant(g, image), "conv4_2")
	assert.True(t, first["conv4_2"].Equal(nodes["conv4_2"].Value()))
}

func TestConfigurationErrors(t *testing.T) {
	table := vggtest.RandomTable(vggtest.Tiny, 1)
	config := vgg.Config{Height: 16, Width: 16, Activation: activations.TypeRelu,
		Layers: []string{"conv1_1", "conv2_1", "conv3_1", "conv4_1", "conv5_1"}}

	t.Run("MissingLayer", func(t *testing.T) {
		_, err := vgg.New(vggtest.WithoutLayers(table, "conv3_1"), config)
		var missing *weights.MissingLayerError
		require.True(t, errors.As(err, &missing), "got %v", err)
		assert.Equal(t, "conv3_1", missing.Layer)
		assert.ErrorIs(t, err, failures.ErrConfiguration)

		// Layers deeper than the configured ones are not needed.
		shallow := config
		shallow.Layers = []string{"conv2_1"}
		_, err = vgg.New(vggtest.WithoutLayers(table, "conv3_1"), shallow)
		require.NoError(t, err)
	})

	t.Run("ShapeMismatch", func(t *testing.T) {
		narrower := vggtest.RandomTable(weights.Architecture{Widths: [weights.NumBlocks]int{4, 4, 4, 8, 8}}, 1)
		entries := make([]*weights.Entry, 0, 16)
		for _, name := range narrower.Names() {
			entry, _ := narrower.Entry(name)
			entries = append(entries, entry)
		}
		mixed := weights.NewTable(vggtest.Tiny, entries...)
		_, err := vgg.New(mixed, config)
		var mismatch *weights.ShapeMismatchError
		require.True(t, errors.As(err, &mismatch), "got %v", err)
		assert.Equal(t, "conv3_1", mismatch.Layer)
	})

	t.Run("UnknownLayer", func(t *testing.T) {
		bad := config
		bad.Layers = []string{"conv6_1"}
		_, err := vgg.New(table, bad)
		assert.ErrorIs(t, err, failures.ErrConfiguration)

		bad.Layers = nil
		_, err = vgg.New(table, bad)
		assert.ErrorIs(t, err, failures.ErrConfiguration)
	})

	t.Run("InvalidImage", func(t *testing.T) {
		extractor, err := vgg.New(table, config)
		require.NoError(t, err)
		_, err = extractor.Extract(graphtest.RandomTensor(1, 1, 1, 16, 15, 3), "conv1_1")
		var shapeErr *vgg.InvalidShapeError
		require.True(t, errors.As(err, &shapeErr), "got %v", err)
		assert.Equal(t, []int{1, 16, 15, 3}, shapeErr.Got)
		assert.Equal(t, []int{1, 16, 16, 3}, shapeErr.Want)

		// Layer not configured.
		_, err = extractor.Extract(graphtest.RandomTensor(1, 1, 1, 16, 16, 3), "conv5_2")
		assert.ErrorIs(t, err, failures.ErrConfiguration)

		_, err = vgg.New(table, vgg.Config{Height: 0, Width: 16, Layers: []string{"conv1_1"}})
		assert.ErrorIs(t, err, failures.ErrConfiguration)
	})
}

func TestGradientReachesImage(t *testing.T) {
	table := vggtest.RandomTable(vggtest.Tiny, 3)
	extractor, err := vgg.New(table, vgg.Config{Height: 8, Width: 8, Activation: activations.TypeTanh,
		Layers: []string{"conv2_1"}})
	require.NoError(t, err)
	graphtest.CheckGradient(t, graphtest.RandomTensor(11, 1, 1, 8, 8, 3), func(x *Node) *Node {
		return ReduceAllMean(Square(extractor.BuildGraph(x, "conv2_1")["conv2_1"]))
	}, 1e-2, 2e-2, 12)
}
