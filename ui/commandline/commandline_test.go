// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/styletransfer/pkg/core/tensors"
	"github.com/gomlx/styletransfer/pkg/core/tensors/images"
	"github.com/gomlx/styletransfer/pkg/ml/stylize"
	"github.com/gomlx/styletransfer/pkg/ml/vgg/vggtest"
	"github.com/gomlx/styletransfer/pkg/support/failures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T, iterations int) *stylize.Loop {
	return newTestLoopWithContent(t, iterations, images.Normalize(tensors.Full(100, 16, 16, 3)))
}

func newTestLoopWithContent(t *testing.T, iterations int, content *tensors.Tensor) *stylize.Loop {
	config := stylize.DefaultConfig()
	config.ImageWidth, config.ImageHeight = 16, 16
	config.MaxIterations = iterations
	config.Init = stylize.InitContent
	loop, err := stylize.NewWithTable(vggtest.RandomTable(vggtest.Tiny, 3), config)
	require.NoError(t, err)
	style := images.Normalize(tensors.Full(200, 16, 16, 3))
	style.Flat()[5] = 50
	require.NoError(t, loop.Initialize(content, style))
	return loop
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23ms", FormatDuration(1234567*time.Nanosecond))
	assert.Equal(t, "1.5s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "2m3s", FormatDuration(2*time.Minute+3400*time.Millisecond))
	assert.Equal(t, "0s", FormatDuration(0))
	assert.Equal(t, "999ns", FormatDuration(999))
}

func TestFormatLoss(t *testing.T) {
	assert.Equal(t, "0.1235", FormatLoss(0.123456))
	assert.Equal(t, "1235", FormatLoss(1234.6))
	assert.Equal(t, "1,234,568", FormatLoss(1234567.8))
	assert.Equal(t, "0", FormatLoss(0))
}

func TestSprintWeights(t *testing.T) {
	table := vggtest.RandomTable(vggtest.Tiny, 1)
	listing := SprintWeights(table)
	assert.Contains(t, listing, "conv1_1")
	assert.Contains(t, listing, "[3 3 3 4]")
	assert.Contains(t, listing, "conv5_4")
	assert.Contains(t, listing, "Total (VGG[4 4 8 8 8])")
	// Header, 16 layers and the total, plus the borders.
	assert.Len(t, strings.Split(strings.TrimSpace(listing), "\n"), 1+16+1+3)
}

func TestProgressBar(t *testing.T) {
	t.Run("Plain", func(t *testing.T) {
		loop := newTestLoop(t, 3)
		var buf bytes.Buffer
		attachProgressBar(loop, &buf, true)
		_, err := loop.Run(context.Background())
		require.NoError(t, err)
		output := buf.String()
		assert.Contains(t, output, "[step=0]")
		assert.Contains(t, output, "[step=2]")
		assert.Contains(t, output, "[content=0]")

		history := SprintHistory(loop, 2)
		assert.Contains(t, history, "Style loss")
		// Only the first and last iterations fit in 2 rows.
		assert.Len(t, strings.Split(strings.TrimSpace(history), "\n"), 1+2+3)
	})

	t.Run("Terminal", func(t *testing.T) {
		loop := newTestLoop(t, 2)
		var buf bytes.Buffer
		var extraCalls int
		attachProgressBar(loop, &buf, false, func() (name, value string) {
			extraCalls++
			return "Extra", "value"
		})
		_, err := loop.Run(context.Background())
		require.NoError(t, err)
		output := buf.String()
		assert.Contains(t, output, "Median step duration")
		assert.Contains(t, output, "Extra")
		assert.Greater(t, extraCalls, 0)
	})

	t.Run("Failure", func(t *testing.T) {
		content := images.Normalize(tensors.Full(100, 16, 16, 3))
		content.Flat()[3] = float32(math.NaN())
		loop := newTestLoopWithContent(t, 3, content)
		var buf bytes.Buffer
		attachProgressBar(loop, &buf, false)
		// The asynchronous display is closed by the end hooks, otherwise Run would leave it behind.
		_, err := loop.Run(context.Background())
		assert.ErrorIs(t, err, failures.ErrNumericInstability)
		assert.Empty(t, loop.History)
	})
}
