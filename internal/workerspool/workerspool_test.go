// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParallelFor(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		const n = 1001
		out := make([]int, n)
		var calls atomic.Int32
		pool.ParallelFor(n, 10, func(start, end int) {
			calls.Add(1)
			for ii := start; ii < end; ii++ {
				out[ii] += ii
			}
		})
		for ii := range out {
			require.Equalf(t, ii, out[ii], "parallelism=%d, element %d", parallelism, ii)
		}
		if parallelism == 0 {
			assert.Equal(t, int32(1), calls.Load())
		}
	}
}

func TestParallelForSmall(t *testing.T) {
	pool := New()
	var calls atomic.Int32
	pool.ParallelFor(5, 100, func(start, end int) {
		calls.Add(1)
		assert.Equal(t, 0, start)
		assert.Equal(t, 5, end)
	})
	assert.Equal(t, int32(1), calls.Load())
	pool.ParallelFor(0, 1, func(start, end int) { t.Fatal("should not be called") })
}
