// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stylize

import (
	"math"
	"os"
	"slices"

	"github.com/gomlx/styletransfer/pkg/core/tensors"
	"github.com/gomlx/styletransfer/pkg/support/failures"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CheckpointName is the name of the hooks attached by AttachCheckpoint.
const CheckpointName = "checkpoint"

// AttachCheckpoint saves the current (normalized) image to filePath at every snapshot (see
// Config.SnapshotEvery) and at the end of the optimization, so it can later be continued with
// Loop.Resume.
//
// The image is not saved if the optimization stopped on a numeric instability, so the last good
// checkpoint is kept.
func AttachCheckpoint(loop *Loop, filePath string) {
	loop.OnSnapshot(CheckpointName, 0, func(loop *Loop, _ *tensors.Tensor) error {
		return loop.saveCheckpoint(filePath)
	})
	loop.OnEnd(CheckpointName, 0, func(loop *Loop, _ Metrics) error {
		if loop.image == nil || errors.Is(loop.Err, failures.ErrNumericInstability) {
			return nil
		}
		return loop.saveCheckpoint(filePath)
	})
}

// saveCheckpoint writes to a temporary file first, so an interrupted save never corrupts the previous
// checkpoint.
func (loop *Loop) saveCheckpoint(filePath string) error {
	tmpPath := filePath + ".tmp"
	if err := loop.image.Save(tmpPath); err != nil {
		return failures.Resource(err, "saving checkpoint at iteration %d", loop.Iteration)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return failures.Resource(err, "saving checkpoint to %q", filePath)
	}
	klog.V(1).Infof("stylize: saved checkpoint of iteration %d to %q", loop.Iteration, filePath)
	return nil
}

// Resume replaces the starting image by the one saved by AttachCheckpoint in filePath.
//
// It must be called after Initialize and before Run, with the same image dimensions. Only the image is
// restored: the iteration count and the optimizer state start over.
func (loop *Loop) Resume(filePath string) error {
	if loop.state != StateInitializing || loop.image == nil {
		return errors.Errorf("stylize.Loop.Resume() requires an initialized loop, state is %s (initialized=%v)",
			loop.state, loop.image != nil)
	}
	image, err := tensors.Load(filePath)
	if err != nil {
		return failures.Resource(err, "resuming from checkpoint")
	}
	want := loop.image.Shape().Dimensions
	if got := image.Shape().Dimensions; !slices.Equal(got, want) {
		return failures.Configurationf("checkpoint %q has an image shaped %v, but the configuration requires %v",
			filePath, got, want)
	}
	for _, v := range image.Flat() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return failures.Resourcef("checkpoint %q holds non-finite values", filePath)
		}
	}
	loop.image = image
	klog.V(1).Infof("stylize: resuming from checkpoint %q", filePath)
	return nil
}
