// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stylize implements the style transfer optimization: the synthesized image is the only free
// variable, and it is updated by gradient descent on the weighted sum of a content loss and a style loss,
// computed on the features of a frozen vgg.Extractor.
//
// Typical use:
//
//	loop, err := stylize.NewWithTable(table, config)
//	if err != nil { ... }
//	loop.OnStep("log", 0, func(loop *stylize.Loop, m stylize.Metrics) error { ...; return nil })
//	if err = loop.Initialize(images.Normalize(content), images.Normalize(style)); err != nil { ... }
//	pixels, err := loop.Run(ctx)
package stylize

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/styletransfer/pkg/core/graph"
	"github.com/gomlx/styletransfer/pkg/core/tensors"
	"github.com/gomlx/styletransfer/pkg/core/tensors/images"
	"github.com/gomlx/styletransfer/pkg/ml/losses"
	"github.com/gomlx/styletransfer/pkg/ml/optimizers"
	"github.com/gomlx/styletransfer/pkg/ml/vgg"
	"github.com/gomlx/styletransfer/pkg/ml/weights"
	"github.com/gomlx/styletransfer/pkg/support/failures"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of the Loop. It only moves forward: StateInitializing -> StateIterating -> StateTerminal.
type State int

const (
	StateInitializing State = iota
	StateIterating
	StateTerminal
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateIterating:
		return "iterating"
	case StateTerminal:
		return "terminal"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// TargetSet holds the targets of the optimization, computed once by Loop.Initialize.
type TargetSet struct {
	// Content is the feature map of the content image at the content layer.
	Content *tensors.Tensor

	// StyleGrams are the Gram matrices of the style image, one per style layer.
	StyleGrams []*tensors.Tensor
}

// Metrics of one iteration, computed on the image before its update.
type Metrics struct {
	Iteration int

	// Total = Alpha·Content + Beta·Style.
	Total, Content, Style float64

	// Duration of the iteration, including the update of the image.
	Duration time.Duration
}

// Loop runs the optimization of an image. Create it with New or NewWithTable, call Initialize
// and then Run.
//
// A Loop is not safe for concurrent use: only the goroutine calling Run mutates the image.
type Loop struct {
	config      Config
	lossWeights LossWeights
	extractor   *vgg.Extractor
	optimizer   optimizers.Interface
	styleLayers []string

	state   State
	targets *TargetSet
	image   *tensors.Tensor

	// Iteration is the index of the current iteration.
	Iteration int

	// StepDurations of each iteration run so far.
	StepDurations []time.Duration

	// History of the metrics of each iteration run so far.
	History []Metrics

	// Err is the error that stopped Run, if any. It is set before the OnEnd hooks are called.
	Err error

	// SharedData allows hooks to store information, keyed by the hook name.
	SharedData map[string]any

	onStart    *priorityHooks[*hookWithName[OnStartFn]]
	onStep     *priorityHooks[*hookWithName[OnStepFn]]
	onSnapshot *priorityHooks[*hookWithName[OnSnapshotFn]]
	onEnd      *priorityHooks[*hookWithName[OnEndFn]]
}

// New creates a Loop that optimizes images with the given extractor, which must have been configured
// with the dimensions and layers of config (see Config.ExtractorConfig).
//
// It returns an error in the failures.ErrConfiguration category if config is invalid or doesn't match
// the extractor.
func New(extractor *vgg.Extractor, config Config) (*Loop, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	extractorConfig := extractor.Config()
	if extractorConfig.Height != config.ImageHeight || extractorConfig.Width != config.ImageWidth {
		return nil, &vgg.InvalidShapeError{
			Got:    []int{1, extractorConfig.Height, extractorConfig.Width, weights.ImageChannels},
			Want:   []int{1, config.ImageHeight, config.ImageWidth, weights.ImageChannels},
			Reason: "feature extractor configured for different image dimensions",
		}
	}
	if extractorConfig.Activation != config.Nonlinearity {
		return nil, failures.Configurationf("feature extractor uses the %q nonlinearity, but %q is configured",
			extractorConfig.Activation, config.Nonlinearity)
	}
	available := extractor.Layers()
	for _, name := range config.Layers() {
		if !slices.Contains(available, name) {
			return nil, failures.Configurationf("layer %q is not available in the feature extractor, configured "+
				"with layers %v", name, extractorConfig.Layers)
		}
	}
	optimizer, err := optimizers.ByName(config.Optimizer, config.LearningRate)
	if err != nil {
		return nil, err
	}

	config.ContentLayer = vgg.CanonicalLayerName(config.ContentLayer)
	styleLayers := make([]string, len(config.StyleLayers))
	for ii, name := range config.StyleLayers {
		styleLayers[ii] = vgg.CanonicalLayerName(name)
	}
	var layerWeights []float64
	if len(config.StyleLayerWeights) > 0 {
		layerWeights = slices.Clone(config.StyleLayerWeights)
	}
	config.StyleLayerWeights = layerWeights
	return &Loop{
		config:      config,
		lossWeights: config.LossWeights(),
		extractor:   extractor,
		optimizer:   optimizer,
		styleLayers: styleLayers,
		SharedData:  make(map[string]any),
		onStart:     newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:      newPriorityHooks[*hookWithName[OnStepFn]](),
		onSnapshot:  newPriorityHooks[*hookWithName[OnSnapshotFn]](),
		onEnd:       newPriorityHooks[*hookWithName[OnEndFn]](),
	}, nil
}

// NewWithTable creates the feature extractor for config from the weights table, and a Loop using it.
//
// It returns a *weights.MissingLayerError if the table lacks the weights of any layer up to the deepest
// content or style layer.
func NewWithTable(table *weights.Table, config Config) (*Loop, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	extractor, err := vgg.New(table, config.ExtractorConfig())
	if err != nil {
		return nil, err
	}
	return New(extractor, config)
}

// Config returns the configuration of the loop.
func (loop *Loop) Config() Config { return loop.config }

// State of the loop.
func (loop *Loop) State() State { return loop.state }

// Targets computed by Initialize, or nil if not initialized yet.
func (loop *Loop) Targets() *TargetSet { return loop.targets }

// Initialize computes the TargetSet from the content and style images, and the starting image selected
// by Config.Init. Both images must be normalized (see images.Normalize) and shaped
// [1, ImageHeight, ImageWidth, 3].
//
// It can only be called before Run.
func (loop *Loop) Initialize(content, style *tensors.Tensor) error {
	if loop.state != StateInitializing {
		return errors.Errorf("stylize.Loop.Initialize() called in state %s", loop.state)
	}
	if content == nil || style == nil {
		return failures.Configurationf("stylize.Loop.Initialize() requires both content and style images")
	}
	contentFeatures, err := loop.extractor.Extract(content, loop.config.ContentLayer)
	if err != nil {
		return errors.WithMessagef(err, "extracting features of content image")
	}
	styleFeatures, err := loop.extractor.Extract(style, loop.styleLayers...)
	if err != nil {
		return errors.WithMessagef(err, "extracting features of style image")
	}
	targets := &TargetSet{
		Content:    contentFeatures[loop.config.ContentLayer],
		StyleGrams: make([]*tensors.Tensor, len(loop.styleLayers)),
	}
	for ii, name := range loop.styleLayers {
		targets.StyleGrams[ii], err = losses.Gram(styleFeatures[name])
		if err != nil {
			return errors.WithMessagef(err, "style Gram matrix of layer %q", name)
		}
	}
	loop.targets = targets
	loop.image = loop.startingImage(content)
	klog.V(1).Infof("stylize: initialized targets (content layer %q, style layers %v), starting from %q",
		loop.config.ContentLayer, loop.styleLayers, loop.config.Init)
	return nil
}

// startingImage returns a new image according to Config.Init.
func (loop *Loop) startingImage(content *tensors.Tensor) *tensors.Tensor {
	if loop.config.Init == InitContent {
		return content.Clone()
	}
	ratio := float32(1)
	if loop.config.Init == InitBlend {
		ratio = float32(loop.config.NoiseRatio)
	}
	rng := rand.New(rand.NewPCG(loop.config.Seed, loop.config.Seed))
	image := content.Clone()
	image.MutableFlatData(func(flat []float32) {
		for ii, v := range flat {
			noise := float32((2*rng.Float64() - 1) * NoiseAmplitude)
			flat[ii] = ratio*noise + (1-ratio)*v
		}
	})
	return image
}

// Run the optimization for Config.MaxIterations iterations, or until Config.TimeLimit is reached, and
// return a snapshot of the final image (see Snapshot).
//
// Cancellation of ctx and the time limit are checked at iteration boundaries. Reaching the time limit is
// not an error, but a cancelled ctx returns the snapshot along with the context error.
// A non-finite loss or gradient stops the optimization with a *NumericInstabilityError.
//
// Once the OnStart hooks are called, the OnEnd hooks are always run, also when the optimization fails:
// Loop.Err holds the error that stopped it, if any.
//
// Run can only be called once, after Initialize. After it returns, the loop is in StateTerminal.
func (loop *Loop) Run(ctx context.Context) (pixels *tensors.Tensor, err error) {
	if loop.state != StateInitializing || loop.image == nil {
		return nil, errors.Errorf("stylize.Loop.Run() requires an initialized loop, state is %s (initialized=%v)",
			loop.state, loop.image != nil)
	}
	loop.state = StateIterating
	var metrics Metrics
	defer func() {
		loop.Err = err
		if endErr := loop.end(metrics); endErr != nil {
			if err == nil {
				pixels = nil
				err = errors.WithMessagef(endErr, "stylize.Loop.Run(): failed end (iteration %d)", loop.Iteration)
			} else {
				klog.Errorf("stylize: failed end of stopped optimization: %+v", endErr)
			}
		}
		loop.state = StateTerminal
	}()

	var deadline time.Time
	if loop.config.TimeLimit > 0 {
		deadline = time.Now().Add(loop.config.TimeLimit)
	}
	if err = loop.start(); err != nil {
		return nil, err
	}
	loop.StepDurations = make([]time.Duration, 0, loop.config.MaxIterations)
	for loop.Iteration = 0; loop.Iteration < loop.config.MaxIterations; loop.Iteration++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			klog.V(1).Infof("stylize: interrupted at iteration %d: %v", loop.Iteration, ctxErr)
			return loop.Snapshot(), errors.Wrapf(ctxErr, "stylize.Loop.Run() interrupted at iteration %d", loop.Iteration)
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			klog.V(1).Infof("stylize: time limit %s reached at iteration %d", loop.config.TimeLimit, loop.Iteration)
			break
		}
		stepMetrics, stepErr := loop.step()
		if stepErr != nil {
			return nil, stepErr
		}
		metrics = stepMetrics
		if err = loop.postStep(metrics); err != nil {
			return nil, errors.WithMessagef(err, "stylize.Loop.Run(): failed iteration %d", loop.Iteration)
		}
	}
	return loop.Snapshot(), nil
}

// step runs one iteration: extracts the features of the current image, computes the total loss and its
// gradient with respect to the image, and applies the optimizer update.
func (loop *Loop) step() (metrics Metrics, err error) {
	startTime := time.Now()
	metrics.Iteration = loop.Iteration
	var grad *tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		g := graph.NewGraph("stylize")
		image := graph.Parameter(g, "image", loop.image)
		features := loop.extractor.BuildGraph(image, loop.config.Layers()...)
		contentLoss := losses.ContentLossGraph(features[loop.config.ContentLayer], graph.Constant(g, loop.targets.Content))
		currentGrams := make([]*graph.Node, len(loop.styleLayers))
		targetGrams := make([]*graph.Node, len(loop.styleLayers))
		for ii, name := range loop.styleLayers {
			currentGrams[ii] = losses.GramGraph(features[name])
			targetGrams[ii] = graph.Constant(g, loop.targets.StyleGrams[ii])
		}
		styleLoss := losses.StyleLossGraph(currentGrams, targetGrams, loop.config.StyleLayerWeights)
		total := losses.TotalLossGraph(contentLoss, styleLoss, loop.lossWeights.Alpha, loop.lossWeights.Beta)
		grad = graph.Gradient(total, image)[0]
		metrics.Total = float64(total.Value().Value())
		metrics.Content = float64(contentLoss.Value().Value())
		metrics.Style = float64(styleLoss.Value().Value())
	})
	if err != nil {
		return metrics, errors.WithMessagef(err, "stylize.Loop: iteration %d", loop.Iteration)
	}
	if math.IsNaN(metrics.Total) || math.IsInf(metrics.Total, 0) {
		return metrics, &NumericInstabilityError{Iteration: loop.Iteration, Quantity: "loss", Value: metrics.Total}
	}
	if !grad.IsFinite() {
		return metrics, &NumericInstabilityError{Iteration: loop.Iteration, Quantity: "gradient", Value: math.NaN()}
	}
	if err = loop.optimizer.Update(loop.image, grad); err != nil {
		return metrics, errors.WithMessagef(err, "stylize.Loop: updating image at iteration %d", loop.Iteration)
	}
	metrics.Duration = time.Since(startTime)
	loop.StepDurations = append(loop.StepDurations, metrics.Duration)
	loop.History = append(loop.History, metrics)
	klog.V(2).Infof("stylize: iteration %d: total=%g content=%g style=%g (%s)",
		metrics.Iteration, metrics.Total, metrics.Content, metrics.Style, metrics.Duration)
	return metrics, nil
}

// Snapshot returns a copy of the current image converted back to pixel values (mean pixel added back)
// and clamped to [0, 255], shaped [1, ImageHeight, ImageWidth, 3]. It doesn't change the loop state.
//
// It returns nil if the loop is not initialized.
func (loop *Loop) Snapshot() *tensors.Tensor {
	if loop.image == nil {
		return nil
	}
	return images.Denormalize(loop.image)
}

// Image returns a copy of the current (normalized) image, or nil if the loop is not initialized.
func (loop *Loop) Image() *tensors.Tensor {
	if loop.image == nil {
		return nil
	}
	return loop.image.Clone()
}

// MedianStepDuration returns the median duration of the iterations. It returns 1 millisecond
// if no iteration was recorded (to avoid potential division by 0).
func (loop *Loop) MedianStepDuration() time.Duration {
	if len(loop.StepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.StepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// NumericInstabilityError is returned when the loss or its gradient becomes non-finite.
// It is in the failures.ErrNumericInstability category.
type NumericInstabilityError struct {
	Iteration int

	// Quantity is either "loss" or "gradient".
	Quantity string
	Value    float64
}

// Error implements error.
func (e *NumericInstabilityError) Error() string {
	return fmt.Sprintf("non-finite %s (%g) at iteration %d, consider a lower learning rate or different loss weights",
		e.Quantity, e.Value, e.Iteration)
}

// Is reports the error category.
func (e *NumericInstabilityError) Is(target error) bool { return target == failures.ErrNumericInstability }
