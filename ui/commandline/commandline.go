// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for the command line: a progress bar with the
// losses of the style transfer, and pretty-printed tables of weights and results.
package commandline

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/styletransfer/pkg/ml/stylize"
	"github.com/gomlx/styletransfer/pkg/ml/weights"
)

var headerStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)

func newTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case col == 0:
				return normalStyle
			}
			return rightAlignedStyle
		}).
		Headers(headers...)
}

// SprintWeights returns a table listing the entries of the weights table: their shapes, number of parameters
// and memory used.
func SprintWeights(table *weights.Table) string {
	t := newTable("Layer", "Kernel", "Bias", "Parameters", "Memory")
	var totalMemory uint64
	for _, name := range table.Names() {
		entry, _ := table.Entry(name)
		row := []string{name, "-", "-", "", ""}
		var params int
		var memory uint64
		if entry.Kernel != nil {
			row[1] = fmt.Sprint(entry.Kernel.Shape().Dimensions)
			params += entry.Kernel.Size()
			memory += uint64(entry.Kernel.Memory())
		}
		if entry.Bias != nil {
			row[2] = fmt.Sprint(entry.Bias.Shape().Dimensions)
			params += entry.Bias.Size()
			memory += uint64(entry.Bias.Memory())
		}
		row[3] = humanize.Comma(int64(params))
		row[4] = humanize.Bytes(memory)
		totalMemory += memory
		t.Row(row...)
	}
	t.Row(fmt.Sprintf("Total (%s)", table.Architecture()), "", "",
		humanize.Comma(int64(table.NumParameters())), humanize.Bytes(totalMemory))
	return t.String()
}

// SprintHistory returns a table with the losses of the iterations run by the loop.
// If there are more than maxRows iterations, only maxRows evenly spaced iterations (including the last)
// are listed. If maxRows <= 0 all iterations are listed.
func SprintHistory(loop *stylize.Loop, maxRows int) string {
	t := newTable("Iteration", "Total loss", "Content loss", "Style loss", "Duration")
	history := loop.History
	stride := 1
	if maxRows > 0 && len(history) > maxRows {
		stride = (len(history) + maxRows - 1) / maxRows
	}
	for ii, metrics := range history {
		if ii%stride != 0 && ii != len(history)-1 {
			continue
		}
		t.Row(humanize.Comma(int64(metrics.Iteration)), FormatLoss(metrics.Total), FormatLoss(metrics.Content),
			FormatLoss(metrics.Style), FormatDuration(metrics.Duration))
	}
	return t.String()
}
