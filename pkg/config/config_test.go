// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/styletransfer/pkg/ml/layers/activations"
	"github.com/gomlx/styletransfer/pkg/ml/stylize"
	"github.com/gomlx/styletransfer/pkg/support/failures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSettings(t *testing.T) {
	config := Default()
	paramsSet, err := ParseSettings(&config,
		"style_weight=1e4;max_iterations=1_000;time_limit=2m30s;nonlinearity=tanh;"+
			"style_layers=conv1_1, conv3_1;style_layer_weights=0.25,0.75;init=noise;content_layer=conv5_2;seed=7")
	require.NoError(t, err)
	assert.Equal(t, 1e4, config.StyleWeight)
	assert.Equal(t, 1000, config.MaxIterations)
	assert.Equal(t, 150*time.Second, config.TimeLimit)
	assert.Equal(t, activations.TypeTanh, config.Nonlinearity)
	assert.Equal(t, []string{"conv1_1", "conv3_1"}, config.StyleLayers)
	assert.Equal(t, []float64{0.25, 0.75}, config.StyleLayerWeights)
	assert.Equal(t, stylize.InitNoise, config.Init)
	assert.Equal(t, "conv5_2", config.ContentLayer)
	assert.Equal(t, uint64(7), config.Seed)
	assert.Len(t, paramsSet, 9)
	require.NoError(t, config.Validate())

	// Untouched parameters keep their defaults.
	assert.Equal(t, Default().LearningRate, config.LearningRate)
	assert.Equal(t, Default().ImageWidth, config.ImageWidth)

	// "none" parses, but a linear feature extractor is not a valid configuration.
	_, err = ParseSettings(&config, "nonlinearity=none")
	require.NoError(t, err)
	assert.ErrorIs(t, config.Validate(), failures.ErrConfiguration)
	config.Nonlinearity = activations.TypeTanh

	// Empty settings are a no-op.
	paramsSet, err = ParseSettings(&config, "")
	require.NoError(t, err)
	assert.Empty(t, paramsSet)

	modified := SprintModifiedSettings(&config, []string{"seed", "init", "seed"})
	assert.Equal(t, "\t\"init\": noise\n\t\"seed\": 7", modified)
}

func TestParseSettingsErrors(t *testing.T) {
	for name, settings := range map[string]string{
		"unknown":     "style_wieght=10",
		"format":      "style_weight",
		"int":         "max_iterations=many",
		"duration":    "time_limit=soon",
		"activation":  "nonlinearity=sigmoid",
		"list":        "style_layer_weights=0.5,x",
		"missingFile": "file:/no/such/settings.txt",
	} {
		t.Run(name, func(t *testing.T) {
			config := Default()
			_, err := ParseSettings(&config, settings)
			require.Error(t, err)
			if name == "missingFile" {
				assert.ErrorIs(t, err, failures.ErrResource)
			} else {
				assert.ErrorIs(t, err, failures.ErrConfiguration)
			}
		})
	}
}

func TestSettingsFile(t *testing.T) {
	settingsPath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(settingsPath, []byte(
		"# Quick preview.\nimage_width=128;image_height=96\n\n  learning_rate=5\n"), 0o644))
	config := Default()
	paramsSet, err := ParseSettings(&config, "file:"+settingsPath+";max_iterations=20")
	require.NoError(t, err)
	assert.Equal(t, []string{"image_width", "image_height", "learning_rate", "max_iterations"}, paramsSet)
	assert.Equal(t, 128, config.ImageWidth)
	assert.Equal(t, 96, config.ImageHeight)
	assert.Equal(t, 5.0, config.LearningRate)
	assert.Equal(t, 20, config.MaxIterations)
}

func TestLoadSave(t *testing.T) {
	dir := t.TempDir()
	config := Default()
	config.TimeLimit = 90 * time.Second
	config.Nonlinearity = activations.TypeTanh
	config.StyleLayerWeights = []float64{1, 2, 3, 4, 5}
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, Save(configPath, config))

	loaded, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, config, loaded)

	// Partial files keep the defaults for the missing parameters.
	partialPath := filepath.Join(dir, "partial.yaml")
	require.NoError(t, os.WriteFile(partialPath, []byte("style_weight: 1000\ninit: content\n"), 0o644))
	loaded, err = Load(partialPath)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, loaded.StyleWeight)
	assert.Equal(t, stylize.InitContent, loaded.Init)
	assert.Equal(t, Default().StyleLayers, loaded.StyleLayers)

	// Unknown parameters and invalid values are configuration errors.
	require.NoError(t, os.WriteFile(partialPath, []byte("style_wieght: 1000\n"), 0o644))
	_, err = Load(partialPath)
	assert.ErrorIs(t, err, failures.ErrConfiguration)
	require.NoError(t, os.WriteFile(partialPath, []byte("learning_rate: -1\n"), 0o644))
	_, err = Load(partialPath)
	assert.ErrorIs(t, err, failures.ErrConfiguration)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, failures.ErrResource)
}

func TestKeys(t *testing.T) {
	keys := Keys()
	assert.Equal(t, "image_width", keys[0])
	assert.Contains(t, keys, "snapshot_every")
	assert.Len(t, keys, 16)
	defaults := Default()
	assert.Contains(t, SprintSettings(&defaults), "\t\"time_limit\": none")
}
