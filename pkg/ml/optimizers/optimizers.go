// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the gradient based optimizers used to update the synthesized image.
// They all implement optimizers.Interface, and update the free variable in place.
package optimizers

import (
	"slices"

	"github.com/gomlx/styletransfer/internal/workerspool"
	"github.com/gomlx/styletransfer/pkg/core/tensors"
	"github.com/gomlx/styletransfer/pkg/support/failures"
	"golang.org/x/exp/maps"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Update param in place, given the gradient of the loss with respect to it.
	// Optimizers keep state (e.g.: moments) per param, so the same param tensor must be used across steps.
	Update(param, grad *tensors.Tensor) error

	// Clear deletes the optimizer state, so the next Update starts from scratch.
	Clear()
}

// updateMinChunk is the minimum number of elements updated by each worker.
const updateMinChunk = 1 << 16

var (
	// KnownOptimizers is a map of known optimizers by name to their default constructors, given the
	// learning rate.
	KnownOptimizers = map[string]func(learningRate float64) Interface{
		"sgd":    func(learningRate float64) Interface { return StochasticGradientDescent().WithLearningRate(learningRate).Done() },
		"adam":   func(learningRate float64) Interface { return Adam().LearningRate(learningRate).Done() },
		"adamax": func(learningRate float64) Interface { return Adam().Adamax().LearningRate(learningRate).Done() },
	}

	// DefaultOptimizer is the name of the optimizer used if none is configured.
	DefaultOptimizer = "adam"
)

// Names returns the sorted names of the KnownOptimizers.
func Names() []string {
	names := maps.Keys(KnownOptimizers)
	slices.Sort(names)
	return names
}

// ByName returns an optimizer given the name, configured with the learning rate.
// An empty name selects DefaultOptimizer.
//
// It returns an error in the failures.ErrConfiguration category if the name is unknown.
func ByName(optName string, learningRate float64) (Interface, error) {
	if optName == "" {
		optName = DefaultOptimizer
	}
	optBuilder, found := KnownOptimizers[optName]
	if !found {
		return nil, failures.Configurationf("unknown optimizer %q, valid values are %v", optName, Names())
	}
	return optBuilder(learningRate), nil
}

// checkUpdate validates the param and grad given to Update.
func checkUpdate(param, grad *tensors.Tensor) error {
	if param == nil || grad == nil {
		return failures.Configurationf("optimizer update requires a param and its gradient")
	}
	if !param.Shape().Equal(grad.Shape()) {
		return failures.Configurationf("optimizer update: param shaped %s, but gradient is shaped %s",
			param.Shape(), grad.Shape())
	}
	return nil
}

// SGDDefaultLearningRate is the default learning rate used by the StochasticGradientDescent optimizer.
const SGDDefaultLearningRate = 0.1

// SGDConfig holds the configuration of the plain gradient descent optimizer. Create it with
// StochasticGradientDescent.
type SGDConfig struct {
	learningRate float64
}

// StochasticGradientDescent creates an optimizer that updates the param with param -= learningRate * grad.
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{learningRate: SGDDefaultLearningRate}
}

// WithLearningRate sets the learning rate. The default value is SGDDefaultLearningRate.
//
// It returns itself to allow chaining.
func (sgd *SGDConfig) WithLearningRate(learningRate float64) *SGDConfig {
	sgd.learningRate = learningRate
	return sgd
}

// Done returns an optimizer.Interface.
// It's a no-op since SGDConfig is itself implements optimizer.Interface, but it keeps it consistent with
// the builder pattern.
func (sgd *SGDConfig) Done() Interface {
	return sgd
}

// Update implements Interface.
func (sgd *SGDConfig) Update(param, grad *tensors.Tensor) error {
	if err := checkUpdate(param, grad); err != nil {
		return err
	}
	lr := float32(sgd.learningRate)
	paramFlat, gradFlat := param.Flat(), grad.Flat()
	workerspool.Default.ParallelFor(len(paramFlat), updateMinChunk, func(start, end int) {
		for ii := start; ii < end; ii++ {
			paramFlat[ii] -= lr * gradFlat[ii]
		}
	})
	return nil
}

// Clear implements Interface. SGD holds no state.
func (sgd *SGDConfig) Clear() {}
