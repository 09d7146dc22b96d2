// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/styletransfer/pkg/core/tensors"
	"github.com/gomlx/styletransfer/pkg/core/tensors/images"
	"github.com/gomlx/styletransfer/pkg/ml/stylize"
	"github.com/gomlx/styletransfer/pkg/ml/vgg/vggtest"
	"github.com/gomlx/styletransfer/pkg/support/failures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointsFromMetrics(t *testing.T) {
	points := PointsFromMetrics(stylize.Metrics{Iteration: 3, Total: 21, Content: 1, Style: 0.2},
		stylize.LossWeights{Alpha: 1, Beta: 100})
	require.Len(t, points, 3)
	assert.Equal(t, Point{MetricName: TotalLoss, MetricType: "loss", Step: 3, Value: 21}, points[0])
	assert.Equal(t, 1.0, points[1].Value)
	assert.InDelta(t, 20.0, points[2].Value, 1e-9)
}

func TestPoints(t *testing.T) {
	points := NewPoints([]Point{
		{MetricName: "b", Step: 2, Value: 3},
		{MetricName: "a", Step: 1, Value: 1},
		{MetricName: "b", Step: 1, Value: 2},
	})
	assert.Equal(t, []float64{1, 2}, points.Steps())
	assert.Equal(t, []string{"a", "b"}, points.MetricsNames())
	extracted := points.Extract()
	require.Len(t, extracted, 3)
	assert.Equal(t, 2.0, extracted[2].Step)
	table := points.String()
	assert.Contains(t, table, "Step")
	assert.Contains(t, table, "3")
}

func TestOptimizationPlot(t *testing.T) {
	config := stylize.DefaultConfig()
	config.ImageWidth, config.ImageHeight = 16, 16
	config.MaxIterations = 4
	config.Init = stylize.InitContent
	loop, err := stylize.NewWithTable(vggtest.RandomTable(vggtest.Tiny, 5), config)
	require.NoError(t, err)
	style := images.Normalize(tensors.Full(30, 16, 16, 3))
	style.Flat()[11] = 0
	require.NoError(t, loop.Initialize(images.Normalize(tensors.Full(200, 16, 16, 3)), style))

	dir := t.TempDir()
	pointsPath := filepath.Join(dir, "points.json")
	AttachPointsWriter(loop, pointsPath)
	_, err = loop.Run(context.Background())
	require.NoError(t, err)

	loaded, err := LoadPoints(pointsPath)
	require.NoError(t, err)
	assert.Equal(t, PointsFromLoop(loop), loaded)
	assert.Len(t, loaded, 3*4)

	// Content loss is 0 at the first iteration, it is skipped in logarithmic scale.
	plotPath := filepath.Join(dir, "losses.png")
	require.NoError(t, New().Title("test").Save(plotPath, NewPoints(loaded)))
	info, err := os.Stat(plotPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	linearPath := filepath.Join(dir, "losses.svg")
	require.NoError(t, New().LinearScale().Save(linearPath, NewPoints(loaded)))

	_, err = LoadPoints(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, failures.ErrResource)
}

func TestPlotErrors(t *testing.T) {
	// Nothing drawable: non-finite or, in logarithmic scale, non-positive values.
	points := NewPoints([]Point{
		{MetricName: TotalLoss, Step: 0, Value: math.NaN()},
		{MetricName: ContentLoss, Step: 0, Value: 0},
	})
	_, err := New().Plot(points)
	assert.Error(t, err)
	_, err = New().LinearScale().Plot(points)
	assert.NoError(t, err)
}
