// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots collects the losses of a style transfer optimization as plot points, stores them in
// JSON-lines files and draws them as loss curves.
package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/styletransfer/pkg/ml/stylize"
	"github.com/gomlx/styletransfer/pkg/support/failures"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// Names of the metrics generated from the loop metrics.
const (
	TotalLoss   = "Total loss"
	ContentLoss = "Content loss"
	StyleLoss   = "Style loss"
)

// Point represents a plot point. It is used to save/load plots.
type Point struct {
	// MetricName of this point.
	MetricName string

	// MetricType typically will be "loss".
	// It's used in plotting to aggregate similar metric types in the same plot.
	MetricType string

	// Step is the iteration this metric was measured.
	// Usually, this is an int value, stored as a float64.
	Step float64

	// Value is the metric captured.
	Value float64
}

// PointsFromMetrics converts the metrics of one iteration to plot points.
// Content and style losses are weighted by alpha and beta, so the three curves add up.
func PointsFromMetrics(metrics stylize.Metrics, weights stylize.LossWeights) []Point {
	step := float64(metrics.Iteration)
	return []Point{
		{MetricName: TotalLoss, MetricType: "loss", Step: step, Value: metrics.Total},
		{MetricName: ContentLoss, MetricType: "loss", Step: step, Value: weights.Alpha * metrics.Content},
		{MetricName: StyleLoss, MetricType: "loss", Step: step, Value: weights.Beta * metrics.Style},
	}
}

// PointsFromLoop returns the points of all the iterations run so far by the loop.
func PointsFromLoop(loop *stylize.Loop) []Point {
	config := loop.Config()
	weights := config.LossWeights()
	points := make([]Point, 0, 3*len(loop.History))
	for _, metrics := range loop.History {
		points = append(points, PointsFromMetrics(metrics, weights)...)
	}
	return points
}

// LoadPoints parses all plot points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, failures.Resource(err, "failed to read Plots file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	// Read previously stored points.
	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, failures.Resource(err, "error while decoding plots file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// PointsWriterName is the name of the hooks registered by AttachPointsWriter.
const PointsWriterName = "styletransfer.ui.plots.pointsWriter"

// AttachPointsWriter appends the losses of each iteration of the loop to the file in filePath, as JSON lines
// that can be read back with LoadPoints.
//
// The file is opened when the optimization starts and closed at its end. Failing to write it interrupts
// the optimization.
func AttachPointsWriter(loop *stylize.Loop, filePath string) {
	var f *os.File
	var enc *json.Encoder
	weights := loop.Config().LossWeights()
	loop.OnStart(PointsWriterName, 0, func(*stylize.Loop) error {
		var err error
		f, err = os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
		if err != nil {
			return failures.Resource(err, "failed to open Plots file %q for append", filePath)
		}
		enc = json.NewEncoder(f)
		return nil
	})
	loop.OnStep(PointsWriterName, 0, func(_ *stylize.Loop, metrics stylize.Metrics) error {
		for _, point := range PointsFromMetrics(metrics, weights) {
			if err := enc.Encode(point); err != nil {
				return failures.Resource(err, "failed to write point %v to %q", point, filePath)
			}
		}
		return nil
	})
	loop.OnEnd(PointsWriterName, 0, func(*stylize.Loop, stylize.Metrics) error {
		if f == nil {
			// Never opened: the optimization failed to start.
			return nil
		}
		return failures.Resource(f.Close(), "failed to close Plots file %q", filePath)
	})
}

// Points is a collection of Point objects organized by their Step value.
// It's a `map[float64][]Point` with several utility methods.
type Points map[float64][]Point

// NewPoints create a Points object from a collection of individual `Point`.
//
// See LoadPoints if you want to read `rawPoints` from a file.
func NewPoints(rawPoints []Point) (points Points) {
	points = make(map[float64][]Point)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Map executes the given function on all individual points, in `Step` order.
// Note that if `p.Step` change, it is not re-index.
func (points Points) Map(fn func(p *Point)) {
	for _, step := range points.Steps() {
		stepPoints := points[step]
		for ii := range stepPoints {
			fn(&stepPoints[ii])
		}
	}
}

// Steps returns the sorted steps with points.
func (points Points) Steps() []float64 {
	steps := maps.Keys(points)
	slices.Sort(steps)
	return steps
}

// Extract converts the [Points] structure back to a list of individual points.
// The output is sorted by [Point.Step].
func (points Points) Extract() (rawPoints []Point) {
	points.Map(func(p *Point) {
		rawPoints = append(rawPoints, *p)
	})
	return
}

// MetricsNames return the list of metrics names in the whole collection, in the order they first appear.
func (points Points) MetricsNames() []string {
	var names []string
	points.Map(func(p *Point) {
		if !slices.Contains(names, p.MetricName) {
			names = append(names, p.MetricName)
		}
	})
	return names
}

// TableForMetrics returns a table with the first column being the `Step` followed
// by the columns given by the `metrics` names.
// If `metrics` is empty, it will include all metrics in the table.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	// Headers from metric names.
	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	headers := []string{"Step"}
	headers = append(headers, metrics...)
	table.Headers(headers...)

	// Add rows:
	for _, step := range points.Steps() {
		row := make([]string, 1+len(metrics))
		row[0] = fmt.Sprintf("%.0f", step)
		for _, pt := range points[step] {
			idx := slices.Index(metrics, pt.MetricName)
			if idx != -1 {
				row[idx+1] = fmt.Sprintf("%g", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}

// PlotConfig holds the configuration of a loss curve plot, created with New.
type PlotConfig struct {
	title         string
	width, height vg.Length
	logScale      bool
}

// New returns the configuration of a loss curve plot, that can be further configured.
// By default, it uses a logarithmic scale for the losses.
func New() *PlotConfig {
	return &PlotConfig{
		title:    "Style transfer losses",
		width:    8 * vg.Inch,
		height:   5 * vg.Inch,
		logScale: true,
	}
}

// Title of the plot.
func (pc *PlotConfig) Title(title string) *PlotConfig {
	pc.title = title
	return pc
}

// Size of the plot.
func (pc *PlotConfig) Size(width, height vg.Length) *PlotConfig {
	pc.width, pc.height = width, height
	return pc
}

// LinearScale plots the losses in linear scale, instead of the default logarithmic one.
func (pc *PlotConfig) LinearScale() *PlotConfig {
	pc.logScale = false
	return pc
}

// Plot creates the plot with one line per metric in points.
//
// In logarithmic scale, points with non-positive values are not drawn.
func (pc *PlotConfig) Plot(points Points) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = pc.title
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Loss"
	if pc.logScale {
		p.Y.Scale = plot.LogScale{}
		p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	}
	p.Add(plotter.NewGrid())

	var numLines int
	for ii, name := range points.MetricsNames() {
		var xys plotter.XYs
		points.Map(func(pt *Point) {
			if pt.MetricName != name || math.IsNaN(pt.Value) || math.IsInf(pt.Value, 0) {
				return
			}
			if pc.logScale && pt.Value <= 0 {
				return
			}
			xys = append(xys, plotter.XY{X: pt.Step, Y: pt.Value})
		})
		if len(xys) == 0 {
			continue
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create line for metric %q", name)
		}
		line.Color = plotutil.Color(ii)
		line.Dashes = plotutil.Dashes(ii)
		p.Add(line)
		p.Legend.Add(name, line)
		numLines++
	}
	if numLines == 0 {
		return nil, errors.Errorf("no points to plot")
	}
	p.Legend.Top = true
	return p, nil
}

// Save the plot of the points to filePath. The format is given by the file extension, e.g. ".png" or ".svg".
func (pc *PlotConfig) Save(filePath string, points Points) error {
	p, err := pc.Plot(points)
	if err != nil {
		return err
	}
	if err = p.Save(pc.width, pc.height, filePath); err != nil {
		return failures.Resource(err, "failed to save plot to %q", filePath)
	}
	klog.V(1).Infof("saved loss plot to %q", filePath)
	return nil
}
