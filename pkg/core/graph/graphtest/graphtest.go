// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphtest holds test utilities for packages that depend on the graph package.
package graphtest

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/styletransfer/pkg/core/graph"
	"github.com/gomlx/styletransfer/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

// ScalarFn builds a scalar output from the input x, within x's graph.
type ScalarFn func(x *graph.Node) *graph.Node

// evaluate builds a new graph for fn with x as parameter and returns the scalar result.
func evaluate(x *tensors.Tensor, fn ScalarFn) float64 {
	g := graph.NewGraph("finite-difference")
	return float64(fn(graph.Parameter(g, "x", x)).Value().Value())
}

// RandomTensor returns a tensor with the given dimensions filled with uniform values in [-scale, scale),
// generated deterministically from seed.
func RandomTensor(seed uint64, scale float64, dimensions ...int) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))
	t := tensors.Zeros(dimensions...)
	t.MutableFlatData(func(flat []float32) {
		for ii := range flat {
			flat[ii] = float32((2*rng.Float64() - 1) * scale)
		}
	})
	return t
}

// CheckGradient compares the gradient of fn(x) computed by graph.Gradient with central finite differences,
// perturbing at most maxSamples elements of x evenly spread over its flat data.
//
// The numeric and the analytic gradients must agree within tolerance*(1 + |analytic|).
func CheckGradient(t *testing.T, x *tensors.Tensor, fn ScalarFn, epsilon, tolerance float64, maxSamples int) {
	g := graph.NewGraph("gradient")
	xNode := graph.Parameter(g, "x", x)
	output := fn(xNode)
	require.Truef(t, output.Shape().IsScalar(), "output must be a scalar, got %s", output.Shape())
	grads := graph.Gradient(output, xNode)
	require.Len(t, grads, 1)
	require.True(t, grads[0].Shape().Equal(x.Shape()))
	analytic := grads[0].Flat()

	step := max(1, x.Size()/maxSamples)
	perturbed := x.Clone()
	flat := perturbed.Flat()
	for ii := 0; ii < x.Size(); ii += step {
		original := flat[ii]
		flat[ii] = original + float32(epsilon)
		plus := evaluate(perturbed, fn)
		flat[ii] = original - float32(epsilon)
		minus := evaluate(perturbed, fn)
		flat[ii] = original
		numeric := (plus - minus) / (2 * epsilon)
		want := float64(analytic[ii])
		require.LessOrEqualf(t, math.Abs(numeric-want), tolerance*(1+math.Abs(want)),
			"gradient mismatch at flat index %d: analytic=%g, finite-differences=%g", ii, want, numeric)
	}
}
