// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stylize

import (
	"slices"
	"time"

	"github.com/gomlx/styletransfer/pkg/ml/layers/activations"
	"github.com/gomlx/styletransfer/pkg/ml/optimizers"
	"github.com/gomlx/styletransfer/pkg/ml/vgg"
	"github.com/gomlx/styletransfer/pkg/support/failures"
)

// InitMode selects the starting image of the optimization.
type InitMode string

const (
	// InitContent starts from the content image.
	InitContent InitMode = "content"

	// InitNoise starts from uniform noise in [-NoiseAmplitude, NoiseAmplitude] (mean-centered pixel values).
	InitNoise InitMode = "noise"

	// InitBlend starts from NoiseRatio·noise + (1-NoiseRatio)·content.
	InitBlend InitMode = "blend"
)

// NoiseAmplitude is the range of the uniform noise used by InitNoise and InitBlend.
const NoiseAmplitude = 20.0

// Config of the style transfer optimization.
type Config struct {
	// ImageWidth and ImageHeight of the working resolution: content, style and synthesized images all
	// have these dimensions.
	ImageWidth  int `yaml:"image_width"`
	ImageHeight int `yaml:"image_height"`

	// ContentWeight (alpha) and StyleWeight (beta) of the total loss: alpha·content + beta·style.
	ContentWeight float64 `yaml:"content_weight"`
	StyleWeight   float64 `yaml:"style_weight"`

	LearningRate float64 `yaml:"learning_rate"`

	// Nonlinearity applied after each convolution of the feature extractor.
	Nonlinearity activations.Type `yaml:"nonlinearity"`

	// ContentLayer whose features are matched by the content loss.
	ContentLayer string `yaml:"content_layer"`

	// StyleLayers whose Gram matrices are matched by the style loss.
	StyleLayers []string `yaml:"style_layers"`

	// StyleLayerWeights, one per style layer. If empty, layers are weighted uniformly (1/len(StyleLayers)).
	StyleLayerWeights []float64 `yaml:"style_layer_weights"`

	// MaxIterations of the optimization.
	MaxIterations int `yaml:"max_iterations"`

	// TimeLimit of the optimization, checked at iteration boundaries. 0 means no limit.
	TimeLimit time.Duration `yaml:"time_limit"`

	// Init selects the starting image.
	Init InitMode `yaml:"init"`

	// NoiseRatio used by InitBlend, in [0, 1].
	NoiseRatio float64 `yaml:"noise_ratio"`

	// Seed of the random noise used by InitNoise and InitBlend.
	Seed uint64 `yaml:"seed"`

	// Optimizer name, see optimizers.KnownOptimizers.
	Optimizer string `yaml:"optimizer"`

	// SnapshotEvery calls the OnSnapshot hooks every SnapshotEvery iterations. 0 disables snapshots.
	SnapshotEvery int `yaml:"snapshot_every"`
}

// DefaultStyleLayers are the first convolution of each block.
var DefaultStyleLayers = []string{"conv1_1", "conv2_1", "conv3_1", "conv4_1", "conv5_1"}

// DefaultConfig returns the default configuration: 800x600 images, content matched at conv4_2, style matched
// at DefaultStyleLayers, ReLU nonlinearity and Adam.
func DefaultConfig() Config {
	return Config{
		ImageWidth:    800,
		ImageHeight:   600,
		ContentWeight: 1,
		StyleWeight:   100,
		LearningRate:  2,
		Nonlinearity:  activations.TypeRelu,
		ContentLayer:  "conv4_2",
		StyleLayers:   slices.Clone(DefaultStyleLayers),
		MaxIterations: 500,
		Init:          InitBlend,
		NoiseRatio:    0.6,
		Seed:          42,
		Optimizer:     optimizers.DefaultOptimizer,
	}
}

// Validate the configuration, returning an error in the failures.ErrConfiguration category for the first
// problem found.
func (c *Config) Validate() error {
	switch {
	case c.ImageWidth <= 0 || c.ImageHeight <= 0:
		return failures.Configurationf("image dimensions must be positive, got %dx%d", c.ImageWidth, c.ImageHeight)
	case c.ContentWeight < 0 || c.StyleWeight < 0:
		return failures.Configurationf("loss weights must be non-negative, got content=%g, style=%g",
			c.ContentWeight, c.StyleWeight)
	case c.LearningRate <= 0:
		return failures.Configurationf("learning rate must be positive, got %g", c.LearningRate)
	case c.ContentLayer == "":
		return failures.Configurationf("no content layer configured")
	case len(c.StyleLayers) == 0:
		return failures.Configurationf("no style layers configured")
	case len(c.StyleLayerWeights) > 0 && len(c.StyleLayerWeights) != len(c.StyleLayers):
		return failures.Configurationf("%d style layer weights configured for %d style layers",
			len(c.StyleLayerWeights), len(c.StyleLayers))
	case c.MaxIterations < 0:
		return failures.Configurationf("max iterations must be non-negative, got %d", c.MaxIterations)
	case c.TimeLimit < 0:
		return failures.Configurationf("time limit must be non-negative, got %s", c.TimeLimit)
	case c.NoiseRatio < 0 || c.NoiseRatio > 1:
		return failures.Configurationf("noise ratio must be in [0, 1], got %g", c.NoiseRatio)
	case c.SnapshotEvery < 0:
		return failures.Configurationf("snapshot frequency must be non-negative, got %d", c.SnapshotEvery)
	}
	switch c.Nonlinearity {
	case activations.TypeRelu, activations.TypeTanh:
	default:
		return failures.Configurationf("invalid nonlinearity %q, valid values are %q or %q",
			c.Nonlinearity, activations.TypeRelu, activations.TypeTanh)
	}
	switch c.Init {
	case InitContent, InitNoise, InitBlend:
	default:
		return failures.Configurationf("invalid init mode %q, valid values are %q, %q or %q",
			c.Init, InitContent, InitNoise, InitBlend)
	}
	if _, found := optimizers.KnownOptimizers[c.Optimizer]; !found && c.Optimizer != "" {
		return failures.Configurationf("unknown optimizer %q, valid values are %v", c.Optimizer, optimizers.Names())
	}
	return nil
}

// LossWeights returns the weights of the total loss and the learning rate.
func (c *Config) LossWeights() LossWeights {
	return LossWeights{Alpha: c.ContentWeight, Beta: c.StyleWeight, LearningRate: c.LearningRate}
}

// Layers returns the content layer followed by the style layers, with canonical names, without repetitions.
func (c *Config) Layers() []string {
	layers := []string{vgg.CanonicalLayerName(c.ContentLayer)}
	for _, name := range c.StyleLayers {
		name = vgg.CanonicalLayerName(name)
		if !slices.Contains(layers, name) {
			layers = append(layers, name)
		}
	}
	return layers
}

// ExtractorConfig returns the configuration of the feature extractor needed by the optimization.
func (c *Config) ExtractorConfig() vgg.Config {
	return vgg.Config{
		Height:     c.ImageHeight,
		Width:      c.ImageWidth,
		Activation: c.Nonlinearity,
		Layers:     c.Layers(),
	}
}

// LossWeights of the total objective: Alpha·content + Beta·style, and the LearningRate of the optimizer.
type LossWeights struct {
	Alpha, Beta, LearningRate float64
}
