// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package images converts images back and forth from tensors, and loads/saves image files.
//
// Pixel convention: image files and tensors returned by ToTensor hold values in the 0-255 range,
// shaped [height, width, 3]. The feature extractor works on "normalized" tensors, shaped
// [1, height, width, 3], with the VGG mean pixel subtracted (see Normalize and Denormalize).
package images

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/styletransfer/pkg/core/tensors"
	"github.com/gomlx/styletransfer/pkg/support/failures"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"
)

// MaxPixelValue is the value of a fully saturated channel in the 0-255 pixel convention.
const MaxPixelValue = 255.0

// MeanPixel is the per-channel (RGB) mean of the images the VGG networks were trained on.
var MeanPixel = [3]float32{123.68, 116.779, 103.939}

// ToTensorConfig holds the configuration returned by the ToTensor function. Once
// configured, use Single or Batch to actually convert.
type ToTensorConfig struct {
	channels int
	maxValue float64
}

// ToTensor converts an image (or batch) to a tensor.
//
// It returns a configuration object that can be further configured. Once set, use Single or Batch
// methods to convert an image or a batch of images.
func ToTensor() *ToTensorConfig {
	return &ToTensorConfig{channels: 3, maxValue: MaxPixelValue}
}

// WithAlpha configures ToTensorConfig object to include the alpha channel in the conversion,
// so the converted tensor will have 4 channels. The default is dropping the alpha channel.
func (tt *ToTensorConfig) WithAlpha() *ToTensorConfig {
	tt.channels = 4
	return tt
}

// MaxValue sets the value of a saturated channel. It defaults to MaxPixelValue (255).
func (tt *ToTensorConfig) MaxValue(v float64) *ToTensorConfig {
	tt.maxValue = v
	return tt
}

// Single converts the given img to a tensor shaped `[height, width, channels]`.
func (tt *ToTensorConfig) Single(img image.Image) *tensors.Tensor {
	return tt.convert([]image.Image{img}, false)
}

// Batch converts the given images to a tensor shaped `[batch_size, height, width, channels]`.
//
// It panics if the images have different sizes.
func (tt *ToTensorConfig) Batch(images []image.Image) *tensors.Tensor {
	return tt.convert(images, true)
}

func (tt *ToTensorConfig) convert(images []image.Image, batch bool) *tensors.Tensor {
	if len(images) == 0 {
		exceptions.Panicf("images.ToTensor: no images given")
	}
	imgSize := images[0].Bounds().Size()
	var t *tensors.Tensor
	if batch {
		t = tensors.Zeros(len(images), imgSize.Y, imgSize.X, tt.channels)
	} else {
		t = tensors.Zeros(imgSize.Y, imgSize.X, tt.channels)
	}
	scale := float32(tt.maxValue / float64(0xFFFF))
	t.MutableFlatData(func(flat []float32) {
		pos := 0
		for imgIdx, img := range images {
			if !img.Bounds().Size().Eq(imgSize) {
				exceptions.Panicf(
					"image[%d] has size %s, but image[0] has size %s -- they must all be the same",
					imgIdx, img.Bounds().Size(), imgSize)
			}
			minPt := img.Bounds().Min
			for y := 0; y < imgSize.Y; y++ {
				for x := 0; x < imgSize.X; x++ {
					// color.RGBA() returns 16 bits values packaged in uint32.
					r, g, b, a := img.At(minPt.X+x, minPt.Y+y).RGBA()
					flat[pos] = float32(r) * scale
					flat[pos+1] = float32(g) * scale
					flat[pos+2] = float32(b) * scale
					if tt.channels == 4 {
						flat[pos+3] = float32(a) * scale
					}
					pos += tt.channels
				}
			}
		}
	})
	return t
}

// ToImageConfig holds the configuration returned by the ToImage function. Once
// configured, use Single to convert a tensor to an image.
type ToImageConfig struct {
	maxValue float64
}

// ToImage returns a configuration that can be used to convert tensors to images.
// Values are clamped to [0, maxValue] before conversion.
func ToImage() *ToImageConfig {
	return &ToImageConfig{maxValue: MaxPixelValue}
}

// MaxValue sets the value of a saturated channel. It defaults to MaxPixelValue (255).
func (ti *ToImageConfig) MaxValue(v float64) *ToImageConfig {
	ti.maxValue = v
	return ti
}

// Single converts a tensor shaped `[height, width, channels]` or `[1, height, width, channels]`,
// with 3 or 4 channels, to an *image.NRGBA.
//
// It panics in case of error.
func (ti *ToImageConfig) Single(t *tensors.Tensor) *image.NRGBA {
	dims := t.Shape().Dimensions
	if len(dims) == 4 && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) != 3 || (dims[2] != 3 && dims[2] != 4) {
		exceptions.Panicf("images.ToImage: invalid tensor shape %s, expected [height, width, 3 or 4]", t.Shape())
	}
	height, width, channels := dims[0], dims[1], dims[2]
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	scale := MaxPixelValue / ti.maxValue
	t.ConstFlatData(func(flat []float32) {
		pos := 0
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				c := color.NRGBA{A: 255}
				c.R = toUint8(float64(flat[pos]) * scale)
				c.G = toUint8(float64(flat[pos+1]) * scale)
				c.B = toUint8(float64(flat[pos+2]) * scale)
				if channels == 4 {
					c.A = toUint8(float64(flat[pos+3]) * scale)
				}
				img.SetNRGBA(x, y, c)
				pos += channels
			}
		}
	})
	return img
}

func toUint8(v float64) uint8 {
	return uint8(Clamp(v+0.5, 0, MaxPixelValue))
}

// Clamp v to the range [lo, hi].
func Clamp[T constraints.Float | constraints.Integer](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Normalize converts a pixel tensor shaped [height, width, 3] (or already batched [1, height, width, 3]),
// with values in the 0-255 range, to the tensor format used by the feature extractor: shaped
// [1, height, width, 3] with MeanPixel subtracted. It returns a new tensor.
func Normalize(pixels *tensors.Tensor) *tensors.Tensor {
	dims := pixels.Shape().Dimensions
	if len(dims) == 4 && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) != 3 || dims[2] != 3 {
		exceptions.Panicf("images.Normalize: invalid pixels shape %s, expected [height, width, 3]", pixels.Shape())
	}
	normalized := pixels.Clone().Reshape(1, dims[0], dims[1], 3)
	normalized.MutableFlatData(func(flat []float32) {
		for ii := range flat {
			flat[ii] -= MeanPixel[ii%3]
		}
	})
	return normalized
}

// Denormalize is the inverse of Normalize: it adds back MeanPixel and clamps the result to [0, 255].
// The returned tensor is a new tensor with the same shape as normalized.
func Denormalize(normalized *tensors.Tensor) *tensors.Tensor {
	if normalized.Shape().Dim(-1) != 3 {
		exceptions.Panicf("images.Denormalize: invalid shape %s, expected 3 channels", normalized.Shape())
	}
	pixels := normalized.Clone()
	pixels.MutableFlatData(func(flat []float32) {
		for ii := range flat {
			flat[ii] = Clamp(flat[ii]+MeanPixel[ii%3], 0, MaxPixelValue)
		}
	})
	return pixels
}

// Load an image file and convert it to a tensor shaped [height, width, 3] in the 0-255 range.
//
// If width and height are > 0, the image is resized to it (Lanczos filter). If only one of them
// is > 0, the other is derived preserving the aspect ratio.
//
// Failures to read or decode the file are reported as failures.ErrResource.
func Load(filePath string, width, height int) (*tensors.Tensor, error) {
	img, err := imaging.Open(filePath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, failures.Resource(err, "failed to load image %q", filePath)
	}
	size := img.Bounds().Size()
	if (width > 0 || height > 0) && (width != size.X || height != size.Y) {
		klog.V(1).Infof("resizing %q from %dx%d to %dx%d", filePath, size.X, size.Y, width, height)
		img = imaging.Resize(img, width, height, imaging.Lanczos)
	}
	return ToTensor().Single(img), nil
}

// Save a pixel tensor shaped [height, width, 3] or [1, height, width, 3], in the 0-255 range, to
// filePath. The format is taken from the file extension (png, jpg, gif, tif or bmp).
func Save(filePath string, pixels *tensors.Tensor) error {
	var img *image.NRGBA
	err := exceptions.TryCatch[error](func() { img = ToImage().Single(pixels) })
	if err != nil {
		return errors.WithMessagef(err, "saving image to %q", filePath)
	}
	if err = imaging.Save(img, filePath); err != nil {
		return failures.Resource(err, "failed to save image to %q", filePath)
	}
	return nil
}
