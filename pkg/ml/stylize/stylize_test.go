// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stylize

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/styletransfer/pkg/core/graph/graphtest"
	"github.com/gomlx/styletransfer/pkg/core/tensors"
	"github.com/gomlx/styletransfer/pkg/core/tensors/images"
	"github.com/gomlx/styletransfer/pkg/ml/layers/activations"
	"github.com/gomlx/styletransfer/pkg/ml/vgg/vggtest"
	"github.com/gomlx/styletransfer/pkg/ml/weights"
	"github.com/gomlx/styletransfer/pkg/support/failures"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTable = vggtest.RandomTable(vggtest.Tiny, 17)

func testConfig(size int) Config {
	config := DefaultConfig()
	config.ImageWidth, config.ImageHeight = size, size
	config.MaxIterations = 5
	config.Init = InitContent
	return config
}

// solidImage returns a normalized image filled with the given grey level.
func solidImage(size int, level float32) *tensors.Tensor {
	return images.Normalize(tensors.Full(level, size, size, 3))
}

// textureImage returns a normalized image of random pixels.
func textureImage(size int, seed uint64) *tensors.Tensor {
	pixels := graphtest.RandomTensor(seed, 127.5, size, size, 3)
	pixels.MutableFlatData(func(flat []float32) {
		for ii := range flat {
			flat[ii] += 127.5
		}
	})
	return images.Normalize(pixels)
}

func TestGreyScenario(t *testing.T) {
	config := testConfig(64)
	config.ContentWeight, config.StyleWeight, config.LearningRate = 1, 100, 0.01
	loop, err := NewWithTable(testTable, config)
	require.NoError(t, err)
	require.NoError(t, loop.Initialize(solidImage(64, 128), textureImage(64, 3)))
	require.Equal(t, StateInitializing, loop.State())

	var stepped []Metrics
	loop.OnStep("collect", 0, func(_ *Loop, metrics Metrics) error {
		stepped = append(stepped, metrics)
		return nil
	})
	pixels, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateTerminal, loop.State())
	assert.Equal(t, []int{1, 64, 64, 3}, pixels.Shape().Dimensions)

	require.Len(t, loop.History, 5)
	assert.Equal(t, loop.History, stepped)
	for ii, metrics := range loop.History {
		assert.Equal(t, ii, metrics.Iteration)
		assert.InDelta(t, metrics.Content+100*metrics.Style, metrics.Total, 1e-3*math.Abs(metrics.Total))
	}
	// Starting from the content image, the content loss starts at 0.
	assert.Equal(t, 0.0, loop.History[0].Content)
	assert.Greater(t, loop.History[0].Style, 0.0)
	assert.LessOrEqual(t, loop.History[4].Total, loop.History[0].Total)
}

func TestSolidGreyScenario(t *testing.T) {
	grey := solidImage(64, 128)
	for _, initMode := range []InitMode{InitContent, InitNoise, InitBlend} {
		t.Run(string(initMode), func(t *testing.T) {
			config := testConfig(64)
			config.ContentWeight, config.StyleWeight, config.LearningRate = 1, 100, 0.01
			config.Init = initMode
			loop, err := NewWithTable(testTable, config)
			require.NoError(t, err)
			require.NoError(t, loop.Initialize(grey, grey))
			_, err = loop.Run(context.Background())
			require.NoError(t, err)
			require.Len(t, loop.History, 5)

			if initMode == InitContent {
				// The image already matches both targets.
				for _, metrics := range loop.History {
					assert.InDelta(t, 0.0, metrics.Total, 1e-6)
				}
				return
			}
			for ii, metrics := range loop.History {
				require.False(t, math.IsNaN(metrics.Total) || math.IsInf(metrics.Total, 0), "iteration %d", ii)
				if ii > 0 {
					previous := loop.History[ii-1].Total
					assert.LessOrEqual(t, metrics.Total, previous+1e-6*previous,
						"loss increased at iteration %d", ii)
				}
			}
			assert.Greater(t, loop.History[0].Total, 0.0)
		})
	}
}

func TestNoiseSmoke(t *testing.T) {
	config := testConfig(32)
	config.Init = InitNoise
	config.LearningRate = 1
	config.MaxIterations = 20
	loop, err := NewWithTable(testTable, config)
	require.NoError(t, err)
	require.NoError(t, loop.Initialize(solidImage(32, 90), solidImage(32, 200)))
	start := loop.Image()

	pixels, err := loop.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, loop.History, 20)
	var nonIncreasing int
	for ii := 1; ii < len(loop.History); ii++ {
		if loop.History[ii].Total <= loop.History[ii-1].Total {
			nonIncreasing++
		}
	}
	assert.Greater(t, nonIncreasing, len(loop.History)/2, "most iterations should reduce the loss")
	assert.Less(t, loop.History[19].Total, loop.History[0].Total)

	for _, v := range pixels.Flat() {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(255))
	}
	assert.False(t, start.Equal(loop.Image()), "image should have changed")
	assert.True(t, loop.Snapshot().Equal(pixels), "Snapshot must not change the image")
	assert.Greater(t, loop.MedianStepDuration(), time.Duration(0))
}

func TestIdenticalImages(t *testing.T) {
	config := testConfig(16)
	config.MaxIterations = 1
	loop, err := NewWithTable(testTable, config)
	require.NoError(t, err)
	image := textureImage(16, 5)
	require.NoError(t, loop.Initialize(image, image))
	_, err = loop.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, loop.History, 1)
	assert.Equal(t, 0.0, loop.History[0].Content)
	assert.Equal(t, 0.0, loop.History[0].Style)
	assert.Len(t, loop.Targets().StyleGrams, len(DefaultStyleLayers))
}

func TestMissingStyleLayer(t *testing.T) {
	table := vggtest.WithoutLayers(testTable, "conv3_1")
	_, err := NewWithTable(table, testConfig(16))
	var missing *weights.MissingLayerError
	require.True(t, errors.As(err, &missing), "got %v", err)
	assert.Equal(t, "conv3_1", missing.Layer)
	assert.ErrorIs(t, err, failures.ErrConfiguration)
}

func TestNumericInstability(t *testing.T) {
	loop, err := NewWithTable(testTable, testConfig(16))
	require.NoError(t, err)
	content := textureImage(16, 1)
	content.Flat()[7] = float32(math.NaN())
	require.NoError(t, loop.Initialize(content, textureImage(16, 2)))
	var endErr error
	var ended bool
	loop.OnEnd("cleanup", 0, func(loop *Loop, metrics Metrics) error {
		ended = true
		endErr = loop.Err
		assert.Equal(t, Metrics{}, metrics, "no iteration completed")
		return nil
	})
	_, err = loop.Run(context.Background())
	assert.True(t, ended, "OnEnd hooks must run when the optimization fails")
	assert.ErrorIs(t, endErr, failures.ErrNumericInstability)
	var instability *NumericInstabilityError
	require.True(t, errors.As(err, &instability), "got %v", err)
	assert.Equal(t, 0, instability.Iteration)
	assert.Equal(t, "loss", instability.Quantity)
	assert.ErrorIs(t, err, failures.ErrNumericInstability)
	assert.Equal(t, StateTerminal, loop.State())
}

func TestInterruptions(t *testing.T) {
	t.Run("Cancel", func(t *testing.T) {
		loop, err := NewWithTable(testTable, testConfig(16))
		require.NoError(t, err)
		require.NoError(t, loop.Initialize(textureImage(16, 1), textureImage(16, 2)))
		ctx, cancel := context.WithCancel(context.Background())
		loop.OnStep("cancel", 0, func(loop *Loop, _ Metrics) error {
			if loop.Iteration == 1 {
				cancel()
			}
			return nil
		})
		var ended bool
		loop.OnEnd("end", 0, func(*Loop, Metrics) error {
			ended = true
			return nil
		})
		pixels, err := loop.Run(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotNil(t, pixels)
		assert.Len(t, loop.History, 2)
		assert.True(t, ended, "OnEnd hooks must run when interrupted")

		// Terminal state: no transition back.
		_, err = loop.Run(context.Background())
		assert.Error(t, err)
		assert.Error(t, loop.Initialize(textureImage(16, 1), textureImage(16, 2)))
	})

	t.Run("TimeLimit", func(t *testing.T) {
		config := testConfig(16)
		config.MaxIterations = 1000
		config.TimeLimit = time.Nanosecond
		loop, err := NewWithTable(testTable, config)
		require.NoError(t, err)
		require.NoError(t, loop.Initialize(textureImage(16, 1), textureImage(16, 2)))
		pixels, err := loop.Run(context.Background())
		require.NoError(t, err)
		assert.NotNil(t, pixels)
		assert.Less(t, len(loop.History), 1000)
	})

	t.Run("HookError", func(t *testing.T) {
		loop, err := NewWithTable(testTable, testConfig(16))
		require.NoError(t, err)
		require.NoError(t, loop.Initialize(textureImage(16, 1), textureImage(16, 2)))
		loop.OnStep("fail", 0, func(*Loop, Metrics) error { return errors.New("disk full") })
		var endCalls []string
		loop.OnEnd("failingEnd", 0, func(*Loop, Metrics) error {
			endCalls = append(endCalls, "failingEnd")
			return errors.New("can't close")
		})
		loop.OnEnd("lastEnd", 1, func(loop *Loop, metrics Metrics) error {
			endCalls = append(endCalls, "lastEnd")
			assert.Equal(t, 0, metrics.Iteration)
			return nil
		})
		_, err = loop.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), `hook "fail"`)
		assert.Len(t, loop.History, 1)
		// All end hooks run, and the original error is kept.
		assert.Equal(t, []string{"failingEnd", "lastEnd"}, endCalls)
		assert.NotContains(t, err.Error(), "can't close")
		assert.Equal(t, err, loop.Err)

		// A failing end hook is reported when the optimization succeeds.
		loop, err = NewWithTable(testTable, testConfig(16))
		require.NoError(t, err)
		require.NoError(t, loop.Initialize(textureImage(16, 1), textureImage(16, 2)))
		loop.OnEnd("failingEnd", 0, func(*Loop, Metrics) error { return errors.New("can't close") })
		pixels, err := loop.Run(context.Background())
		assert.Nil(t, pixels)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `hook "failingEnd"`)
	})
}

func TestCheckpoint(t *testing.T) {
	checkpointPath := filepath.Join(t.TempDir(), "image.ckpt")
	config := testConfig(16)
	config.MaxIterations = 3
	config.SnapshotEvery = 2
	first, err := NewWithTable(testTable, config)
	require.NoError(t, err)
	require.NoError(t, first.Initialize(textureImage(16, 1), textureImage(16, 2)))
	AttachCheckpoint(first, checkpointPath)
	_, err = first.Run(context.Background())
	require.NoError(t, err)
	saved, err := tensors.Load(checkpointPath)
	require.NoError(t, err)
	assert.True(t, saved.Equal(first.Image()), "checkpoint should hold the final image")

	t.Run("Resume", func(t *testing.T) {
		second, err := NewWithTable(testTable, config)
		require.NoError(t, err)
		require.Error(t, second.Resume(checkpointPath), "resuming requires an initialized loop")
		require.NoError(t, second.Initialize(textureImage(16, 1), textureImage(16, 2)))
		require.NoError(t, second.Resume(checkpointPath))
		assert.True(t, second.Image().Equal(first.Image()))
		_, err = second.Run(context.Background())
		require.NoError(t, err)
		assert.Len(t, second.History, 3)
	})

	t.Run("Errors", func(t *testing.T) {
		loop, err := NewWithTable(testTable, config)
		require.NoError(t, err)
		require.NoError(t, loop.Initialize(textureImage(16, 1), textureImage(16, 2)))
		dir := t.TempDir()

		err = loop.Resume(filepath.Join(dir, "missing.ckpt"))
		assert.ErrorIs(t, err, failures.ErrResource)

		smaller := filepath.Join(dir, "smaller.ckpt")
		require.NoError(t, tensors.Full(0, 1, 8, 8, 3).Save(smaller))
		err = loop.Resume(smaller)
		assert.ErrorIs(t, err, failures.ErrConfiguration)

		nonFinite := filepath.Join(dir, "nan.ckpt")
		image := tensors.Full(0, 1, 16, 16, 3)
		image.Flat()[11] = float32(math.Inf(1))
		require.NoError(t, image.Save(nonFinite))
		err = loop.Resume(nonFinite)
		assert.ErrorIs(t, err, failures.ErrResource)
	})

	t.Run("KeptOnInstability", func(t *testing.T) {
		loop, err := NewWithTable(testTable, config)
		require.NoError(t, err)
		content := textureImage(16, 1)
		content.Flat()[7] = float32(math.NaN())
		require.NoError(t, loop.Initialize(content, textureImage(16, 2)))
		AttachCheckpoint(loop, checkpointPath)
		_, err = loop.Run(context.Background())
		require.ErrorIs(t, err, failures.ErrNumericInstability)
		kept, err := tensors.Load(checkpointPath)
		require.NoError(t, err)
		assert.True(t, kept.Equal(saved), "a failed run must not overwrite the checkpoint")
	})
}

func TestHooks(t *testing.T) {
	config := testConfig(16)
	config.SnapshotEvery = 2
	loop, err := NewWithTable(testTable, config)
	require.NoError(t, err)
	require.NoError(t, loop.Initialize(textureImage(16, 1), textureImage(16, 2)))

	var calls []string
	loop.OnStart("start", 0, func(*Loop) error {
		calls = append(calls, "start")
		return nil
	})
	loop.OnStep("second", 10, func(_ *Loop, m Metrics) error {
		calls = append(calls, "second")
		return nil
	})
	loop.OnStep("first", -1, func(_ *Loop, m Metrics) error {
		calls = append(calls, "first")
		return nil
	})
	var snapshotIterations []int
	loop.OnSnapshot("snapshot", 0, func(loop *Loop, snapshot *tensors.Tensor) error {
		snapshotIterations = append(snapshotIterations, loop.Iteration)
		assert.Equal(t, []int{1, 16, 16, 3}, snapshot.Shape().Dimensions)
		return nil
	})
	var last Metrics
	loop.OnEnd("end", 0, func(_ *Loop, m Metrics) error {
		last = m
		calls = append(calls, "end")
		return nil
	})

	_, err = loop.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, calls, 1+2*5+1)
	assert.Equal(t, []string{"start", "first", "second"}, calls[:3])
	assert.Equal(t, "end", calls[len(calls)-1])
	assert.Equal(t, []int{1, 3}, snapshotIterations)
	assert.Equal(t, 4, last.Iteration)
}

func TestConfig(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())
	assert.Equal(t, []string{"conv4_2", "conv1_1", "conv2_1", "conv3_1", "conv4_1", "conv5_1"}, config.Layers())

	config.StyleLayers = []string{"conv4_2", "avgpool1"}
	assert.Equal(t, []string{"conv4_2", "pool1"}, config.Layers())
	assert.Equal(t, 600, config.ExtractorConfig().Height)

	for name, modify := range map[string]func(c *Config){
		"size":          func(c *Config) { c.ImageWidth = 0 },
		"weights":       func(c *Config) { c.StyleWeight = -1 },
		"learning rate": func(c *Config) { c.LearningRate = 0 },
		"content":       func(c *Config) { c.ContentLayer = "" },
		"style":         func(c *Config) { c.StyleLayers = nil },
		"layer weights": func(c *Config) { c.StyleLayerWeights = []float64{1} },
		"iterations":    func(c *Config) { c.MaxIterations = -1 },
		"noise":         func(c *Config) { c.NoiseRatio = 2 },
		"init":          func(c *Config) { c.Init = "zeros" },
		"optimizer":     func(c *Config) { c.Optimizer = "lbfgs" },
		"snapshots":     func(c *Config) { c.SnapshotEvery = -3 },
		"linear":        func(c *Config) { c.Nonlinearity = activations.TypeNone },
		"nonlinearity":  func(c *Config) { c.Nonlinearity = activations.Type(7) },
	} {
		invalid := DefaultConfig()
		modify(&invalid)
		assert.ErrorIs(t, invalid.Validate(), failures.ErrConfiguration, "case %q", name)
	}
}

func TestLoopErrors(t *testing.T) {
	loop, err := NewWithTable(testTable, testConfig(16))
	require.NoError(t, err)
	_, err = loop.Run(context.Background())
	require.Error(t, err, "Run before Initialize")

	err = loop.Initialize(textureImage(8, 1), textureImage(16, 2))
	assert.ErrorIs(t, err, failures.ErrConfiguration)
	assert.Nil(t, loop.Snapshot())
	assert.Nil(t, loop.Image())

	// Extractor built for another resolution.
	other, err := NewWithTable(testTable, testConfig(32))
	require.NoError(t, err)
	_, err = New(other.extractor, testConfig(16))
	assert.ErrorIs(t, err, failures.ErrConfiguration)

	// Extractor built with another nonlinearity.
	reluLoop, err := NewWithTable(testTable, testConfig(16))
	require.NoError(t, err)
	tanhConfig := testConfig(16)
	tanhConfig.Nonlinearity = activations.TypeTanh
	_, err = New(reluLoop.extractor, tanhConfig)
	assert.ErrorIs(t, err, failures.ErrConfiguration)
	assert.Contains(t, err.Error(), "tanh")

	// Linear feature extractors are not accepted.
	linearConfig := testConfig(16)
	linearConfig.Nonlinearity = activations.TypeNone
	_, err = NewWithTable(testTable, linearConfig)
	assert.ErrorIs(t, err, failures.ErrConfiguration)
}
