// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// styletransfer renders the content of one image in the style of another, by optimizing the pixels of
// the output image to match the features of the content image and the Gram matrices of the style image,
// as extracted by a pretrained VGG-19 network.
//
// Example:
//
//	styletransfer -weights=~/models/vgg19.safetensors -content=photo.jpg -style=starry_night.jpg \
//		-output=stylized.png -set="style_weight=1000;max_iterations=300"
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/gomlx/styletransfer/pkg/config"
	"github.com/gomlx/styletransfer/pkg/core/tensors"
	"github.com/gomlx/styletransfer/pkg/core/tensors/images"
	"github.com/gomlx/styletransfer/pkg/ml/stylize"
	"github.com/gomlx/styletransfer/pkg/ml/weights"
	"github.com/gomlx/styletransfer/pkg/support/fsutil"
	"github.com/gomlx/styletransfer/ui/commandline"
	"github.com/gomlx/styletransfer/ui/plots"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagWeights = flag.String("weights", "", "Pretrained VGG-19 weights, in .safetensors, .mat (MatConvNet) or .gob format.")
	flagContent = flag.String("content", "", "Content image.")
	flagStyle   = flag.String("style", "", "Style image.")
	flagOutput  = flag.String("output", "stylized.png", "Output image. The format is given by the extension.")

	flagConfig     = flag.String("config", "", "YAML configuration file. Parameters in -set take precedence.")
	flagSaveConfig = flag.String("save_config", "", "If set, saves the final configuration as YAML to the given file.")

	flagSnapshots = flag.String("snapshots", "", "Directory where to save snapshots of the image, "+
		"every \"snapshot_every\" iterations (see -set).")
	flagPlot       = flag.String("plot", "", "If set, saves a plot of the losses to the given file (.png or .svg).")
	flagPlotPoints = flag.String("plot_points", "", "If set, appends the losses of each iteration as JSON lines "+
		"to the given file.")

	flagCheckpoint = flag.String("checkpoint", "", "If set, saves the image being optimized to the given file at every "+
		"snapshot and at the end, so it can be continued with -resume.")
	flagResume = flag.Bool("resume", false, "Continue from the image saved in -checkpoint, if it exists.")

	flagListWeights = flag.Bool("list_weights", false, "Lists the layers in the weights archive.")
	flagProgress    = flag.Bool("progress", true, "Display a progress bar.")
)

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()
	settings := config.CreateSettingsFlag("")
	flag.Parse()
	must.M(fsutil.ExpandPaths(flagWeights, flagContent, flagStyle, flagOutput, flagSnapshots, flagPlot, flagPlotPoints,
		flagCheckpoint))

	if *flagWeights == "" {
		klog.Errorf("Missing -weights. See 'styletransfer -help'.")
		os.Exit(1)
	}
	table := must.M1(weights.Load(*flagWeights))
	if *flagListWeights {
		fmt.Println(commandline.SprintWeights(table))
		if *flagContent == "" && *flagStyle == "" {
			return
		}
	}
	if *flagContent == "" || *flagStyle == "" {
		klog.Errorf("Missing -content or -style image. See 'styletransfer -help'.")
		os.Exit(1)
	}

	cfg := config.Default()
	if *flagConfig != "" {
		cfg = must.M1(config.Load(*flagConfig))
	}
	paramsSet := must.M1(config.ParseSettings(&cfg, *settings))
	must.M(cfg.Validate())
	if len(paramsSet) > 0 {
		fmt.Printf("Parameters set:\n%s\n", config.SprintModifiedSettings(&cfg, paramsSet))
	}
	if *flagSaveConfig != "" {
		must.M(config.Save(*flagSaveConfig, cfg))
	}

	content := loadImage(*flagContent, cfg)
	style := loadImage(*flagStyle, cfg)
	loop := must.M1(stylize.NewWithTable(table, cfg))
	must.M(loop.Initialize(content, style))
	if *flagResume {
		if *flagCheckpoint == "" {
			klog.Errorf("-resume requires -checkpoint. See 'styletransfer -help'.")
			os.Exit(1)
		}
		if must.M1(fsutil.FileExists(*flagCheckpoint)) {
			must.M(loop.Resume(*flagCheckpoint))
			klog.Infof("Resuming from checkpoint %q", *flagCheckpoint)
		} else {
			klog.Warningf("Checkpoint %q not found, starting from %q", *flagCheckpoint, cfg.Init)
		}
	}

	runID := uuid.NewString()[:8]
	if *flagSnapshots != "" {
		attachSnapshots(loop, *flagSnapshots, runID)
	}
	if *flagCheckpoint != "" {
		stylize.AttachCheckpoint(loop, *flagCheckpoint)
	}
	if *flagPlotPoints != "" {
		plots.AttachPointsWriter(loop, *flagPlotPoints)
	}
	if *flagProgress {
		commandline.AttachProgressBar(loop)
	} else {
		loop.OnStep("log", 0, func(_ *stylize.Loop, metrics stylize.Metrics) error {
			klog.Infof("iteration %d: loss=%s (content=%s, style=%s)", metrics.Iteration,
				commandline.FormatLoss(metrics.Total), commandline.FormatLoss(metrics.Content),
				commandline.FormatLoss(metrics.Style))
			return nil
		})
	}

	// Interrupting (Control+C) stops the optimization, and the current image is still saved.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	start := time.Now()
	pixels, err := loop.Run(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, context.Canceled) || pixels == nil {
			klog.Fatalf("Style transfer failed: %+v", err)
		}
		klog.Warningf("Style transfer interrupted after %d iterations, saving current image.", len(loop.History))
	}
	must.M(images.Save(*flagOutput, pixels))
	klog.Infof("Run %s: %d iterations in %s (median step %s), saved to %q", runID, len(loop.History),
		commandline.FormatDuration(time.Since(start)), commandline.FormatDuration(loop.MedianStepDuration()),
		*flagOutput)
	if len(loop.History) > 0 {
		fmt.Println(commandline.SprintHistory(loop, 10))
	}
	if *flagPlot != "" && len(loop.History) > 0 {
		must.M(plots.New().Title(fmt.Sprintf("Style transfer %s", runID)).
			Save(*flagPlot, plots.NewPoints(plots.PointsFromLoop(loop))))
	}
}

// loadImage and normalize it to the working resolution of the configuration.
func loadImage(filePath string, cfg stylize.Config) *tensors.Tensor {
	pixels := must.M1(images.Load(filePath, cfg.ImageWidth, cfg.ImageHeight))
	return images.Normalize(pixels)
}

// attachSnapshots saves the snapshots of the image in dir, named after the run and the iteration.
func attachSnapshots(loop *stylize.Loop, dir, runID string) {
	if loop.Config().SnapshotEvery <= 0 {
		klog.Warningf("-snapshots=%q given, but snapshot_every is not set: no snapshots will be saved", dir)
		return
	}
	must.M(fsutil.EnsureDir(dir))
	loop.OnSnapshot("save", 0, func(loop *stylize.Loop, snapshot *tensors.Tensor) error {
		filePath := filepath.Join(dir, fmt.Sprintf("%s-%05d.png", runID, loop.Iteration+1))
		klog.V(1).Infof("saving snapshot to %q", filePath)
		return images.Save(filePath, snapshot)
	})
}
