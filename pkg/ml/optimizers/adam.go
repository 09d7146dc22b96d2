// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/styletransfer/internal/workerspool"
	"github.com/gomlx/styletransfer/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// AdamDefaultLearningRate is used by Adam if no learning rate is set.
const AdamDefaultLearningRate = 0.001

// Adam optimization is a stochastic gradient descent method that is based on adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once configured call Done, and it
// will return an optimizers.Interface.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// AdamConfig holds the configuration for an Adam configuration, create using Adam(), and once configured
// call Done to create an Adam based optimizers.Interface.
type AdamConfig struct {
	learningRate    float64
	beta1, beta2    float64
	epsilon         float64
	adamax          bool // Works as Adamax.
	clipStepByValue float64
}

// LearningRate sets the base learning rate. Default is AdamDefaultLearningRate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability. It defaults to 1e-7.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configure Adam to use a L-infinity (== max, which gives the name) for
// the second moment, instead of L2, as described in the same Adam paper.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// ClipStepByValue clips each value of the step applied (after being scaled by the learning rate) to
// [-clip, +clip]. A value <= 0 (the default) disables clipping.
func (c *AdamConfig) ClipStepByValue(clip float64) *AdamConfig {
	c.clipStepByValue = clip
	return c
}

// Done will finish the configuration and construct an optimizers.Interface that implements Adam to specification.
func (c *AdamConfig) Done() Interface {
	config := *c
	return &adam{config: &config, states: make(map[*tensors.Tensor]*adamState)}
}

// adamState holds the moments of one param.
type adamState struct {
	step             int
	moment1, moment2 []float32
}

// adam implements the Adam algorithm as an optimizers.Interface.
type adam struct {
	config *AdamConfig
	states map[*tensors.Tensor]*adamState
}

// Update implements Interface: it updates the 1st and 2nd order moments of param, and then param.
// If adamax is set, moment2 stores instead the L-infinity (the max) of the gradient.
func (o *adam) Update(param, grad *tensors.Tensor) error {
	if err := checkUpdate(param, grad); err != nil {
		return err
	}
	state, found := o.states[param]
	if !found {
		state = &adamState{moment1: make([]float32, param.Size()), moment2: make([]float32, param.Size())}
		o.states[param] = state
		klog.V(2).Infof("adam: new state for param shaped %s", param.Shape())
	}
	state.step++

	cfg := o.config
	step := float64(state.step)
	debiasTermBeta1 := 1 / (1 - math.Pow(cfg.beta1, step))
	debiasTermBeta2 := 1 / (1 - math.Pow(cfg.beta2, step))
	beta1, beta2 := float32(cfg.beta1), float32(cfg.beta2)
	epsilon, lr := float32(cfg.epsilon), float32(cfg.learningRate)
	clip := float32(cfg.clipStepByValue)

	paramFlat, gradFlat := param.Flat(), grad.Flat()
	moment1, moment2 := state.moment1, state.moment2
	workerspool.Default.ParallelFor(len(paramFlat), updateMinChunk, func(start, end int) {
		for ii := start; ii < end; ii++ {
			g := gradFlat[ii]
			moment1[ii] = beta1*moment1[ii] + (1-beta1)*g
			debiasedMoment1 := float64(moment1[ii]) * debiasTermBeta1
			var denominator float64
			if cfg.adamax {
				moment2[ii] = max(beta2*moment2[ii], float32(math.Abs(float64(g))))
				denominator = float64(moment2[ii] + epsilon)
			} else {
				moment2[ii] = beta2*moment2[ii] + (1-beta2)*g*g
				denominator = math.Sqrt(float64(moment2[ii])*debiasTermBeta2) + float64(epsilon)
			}
			delta := lr * float32(debiasedMoment1/denominator)
			if clip > 0 {
				delta = min(max(delta, -clip), clip)
			}
			paramFlat[ii] -= delta
		}
	})
	return nil
}

// Clear implements Interface.
func (o *adam) Clear() {
	clear(o.states)
}
