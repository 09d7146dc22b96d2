// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/styletransfer/pkg/ml/stylize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// progressBar holds a progressbar being displayed.
type progressBar struct {
	out              io.Writer
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar
	suffix           string
	plain            bool

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// Write implements io.Writer, and appends the current suffix with metrics to each
// line. It is meant to be used as the default writer for the enclosed progressbar.ProgressBar,
// so the progress bar and its suffix are written in the same write operation.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	n, err = pBar.out.Write(data)
	if err != nil {
		return n, err
	}
	_, err = io.WriteString(pBar.out, pBar.suffix)
	if err != nil {
		return 0, err
	}
	return
}

func (pBar *progressBar) onStart(loop *stylize.Loop) error {
	pBar.lastStepReported = loop.Iteration
	pBar.numSteps = loop.Config().MaxIterations
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(!pBar.plain),
		progressbar.OptionEnableColorCodes(!pBar.plain),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	return nil
}

func (pBar *progressBar) onStep(loop *stylize.Loop, metrics stylize.Metrics) error {
	// Check whether it is finished.
	if pBar.bar.IsFinished() {
		return nil
	}

	// Check whether there is something to update.
	amount := metrics.Iteration + 1 - pBar.lastStepReported // +1 because the current iteration is finished.
	if amount <= 0 {
		return nil
	}

	if pBar.plain {
		// Without a terminal, set a suffix that will be written along with the progressbar in [progressBar.Write].
		pBar.suffix = fmt.Sprintf(" [step=%d] [loss=%s] [content=%s] [style=%s]\n",
			metrics.Iteration, FormatLoss(metrics.Total), FormatLoss(metrics.Content), FormatLoss(metrics.Style))
		_ = pBar.bar.Add(amount) // Triggers print, see [pBar.Write] method.

	} else {
		// Erase to the end of the screen, in case the previous print was longer.
		pBar.suffix = "\033[J"

		// Create and enqueue an update to be asynchronously printed.
		pBar.updates <- progressBarUpdate{
			amount: amount,
			metrics: []string{
				fmt.Sprintf("%s of %s", humanize.Comma(int64(metrics.Iteration+1)), humanize.Comma(int64(pBar.numSteps))),
				FormatDuration(loop.MedianStepDuration()),
				FormatLoss(metrics.Total),
				FormatLoss(metrics.Content),
				FormatLoss(metrics.Style),
			},
		}
	}
	pBar.lastStepReported = metrics.Iteration + 1
	return nil
}

func (pBar *progressBar) onEnd(_ *stylize.Loop, _ stylize.Metrics) error {
	if pBar.updates != nil {
		close(pBar.updates)
	}
	pBar.asyncUpdatesDone.Wait()
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "styletransfer.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// statsRowNames of the fixed rows of the stats table, one per element of progressBarUpdate.metrics.
var statsRowNames = []string{"Iteration", "Median step duration", "Total loss", "Content loss", "Style loss"}

type progressBarUpdate struct {
	amount  int
	metrics []string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// when the Loop is run, it will display a progress bar with the progression and the losses.
//
// If the standard output is not a terminal (or doesn't support colors), the progress bar is printed
// in plain text, one line per iteration.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(loop *stylize.Loop, extraMetrics ...ExtraMetricFn) {
	output := termenv.NewOutput(os.Stdout)
	attachProgressBar(loop, os.Stdout, output.Profile == termenv.Ascii, extraMetrics...)
}

func attachProgressBar(loop *stylize.Loop, out io.Writer, plain bool, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		out:            out,
		plain:          plain,
		extraMetricFns: extraMetrics,
	}
	if !pBar.plain {
		pBar.isFirstOutput = true
		pBar.termenv = termenv.NewOutput(out)
		pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
		pBar.statsTable = lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			})
		pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
		pBar.asyncUpdatesDone.Add(1)
		go func() {
			// Asynchronously draw updates: the optimization of small images is faster than the terminal.
			for update := range pBar.updates {
				// Exhaust the updates in the buffer:
				amount := update.amount
			exhaust:
				for {
					select {
					case newUpdate, ok := <-pBar.updates:
						if !ok {
							break exhaust
						}
						amount += newUpdate.amount
						update = newUpdate
					default:
						break exhaust
					}
				}

				// Create the table to be printed.
				pBar.statsTable.Data(lgtable.NewStringData())
				for ii, name := range statsRowNames {
					pBar.statsTable.Row(name, update.metrics[ii])
				}
				for _, extraMetric := range pBar.extraMetricFns {
					name, value := extraMetric()
					pBar.statsTable.Row(name, value)
				}

				// Clear the previous lines that will be overwritten.
				pBar.termenv.HideCursor()
				if !pBar.isFirstOutput {
					numLinesToBackup := len(update.metrics) + 2 + 1 + len(pBar.extraMetricFns)
					pBar.termenv.CursorPrevLine(numLinesToBackup)
				}
				pBar.isFirstOutput = false

				// Print update.
				_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
				_ = pBar.bar.Add(amount) // Prints progress bar line.
				_, _ = fmt.Fprintln(pBar.out)
				pBar.termenv.ShowCursor()
				time.Sleep(maxUpdateFrequency)
			}
			pBar.asyncUpdatesDone.Done()
		}()
	}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	loop.OnStep(ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}

// FormatLoss pretty-prints a loss value with 4 significant digits, using thousands separators for large values.
func FormatLoss(loss float64) string {
	if math.Abs(loss) >= 1e4 {
		return humanize.Commaf(math.Round(loss))
	}
	return fmt.Sprintf("%.4g", loss)
}
