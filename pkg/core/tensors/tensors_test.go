// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/styletransfer/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromFlatDataAndDimensions(t *testing.T) {
	x := FromFlatDataAndDimensions([]int{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.True(t, x.Shape().Equal(shapes.Make(dtypes.Float32, 2, 3)))
	assert.Equal(t, float32(6), x.At(1, 2))
	assert.Equal(t, float32(2), x.At(0, 1))
	require.Panics(t, func() { FromFlatDataAndDimensions([]float64{1, 2}, 3) })
	require.Panics(t, func() { x.At(2, 0) })

	y := x.Reshape(3, 2)
	assert.Equal(t, float32(4), y.At(1, 1))
	require.Panics(t, func() { x.Reshape(4) })
}

func TestCloneAndCompare(t *testing.T) {
	x := Full(3, 2, 2)
	y := x.Clone()
	assert.True(t, x.Equal(y))
	y.MutableFlatData(func(flat []float32) { flat[0] += 0.01 })
	assert.False(t, x.Equal(y))
	assert.True(t, x.InDelta(y, 0.02))
	assert.False(t, x.InDelta(y, 0.001))
	assert.Equal(t, float32(3), x.At(0, 0), "Clone must not share data")
	assert.False(t, x.InDelta(Full(3, 4), 1))
}

func TestIsFinite(t *testing.T) {
	x := Zeros(3)
	assert.True(t, x.IsFinite())
	x.Flat()[1] = float32(math.NaN())
	assert.False(t, x.IsFinite())
	x.Flat()[1] = float32(math.Inf(-1))
	assert.False(t, x.IsFinite())
}

func TestSaveLoad(t *testing.T) {
	x := FromFlatDataAndDimensions([]float32{1, -2, 3.5, 0}, 1, 2, 2)
	filePath := filepath.Join(t.TempDir(), "x.bin")
	require.NoError(t, x.Save(filePath))
	loaded, err := Load(filePath)
	require.NoError(t, err)
	assert.True(t, x.Equal(loaded))

	_, err = Load(filepath.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)
}

func TestString(t *testing.T) {
	assert.Equal(t, "(Float32)[2]: [1 2]", FromFlatDataAndDimensions([]float32{1, 2}, 2).String())
	assert.Contains(t, Full(1, 5, 5).String(), "mean=1")
}
