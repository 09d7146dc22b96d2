// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a dense, host-resident Tensor of float32 values.
//
// It is the value type exchanged by the weight tables, the feature extractor and the
// optimizer loop. Data is stored flat, in row-major order.
//
// Example:
//
//	image := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 64, 64, 3))
//	image.MutableFlatData(func(flat []float32) {
//		for ii := range flat {
//			flat[ii] = 128
//		}
//	})
package tensors

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/styletransfer/pkg/core/shapes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Tensor holds a shape and the flat float32 data for it.
//
// A Tensor is not safe for concurrent mutation, but any number of goroutines can read it
// concurrently if no one writes to it.
type Tensor struct {
	shape shapes.Shape
	flat  []float32
}

// FromShape returns a zero-initialized Tensor with the given shape.
// Only Float32 shapes are supported, it panics otherwise.
func FromShape(shape shapes.Shape) *Tensor {
	if shape.DType != dtypes.Float32 {
		exceptions.Panicf("tensors.FromShape(%s): only Float32 tensors are supported", shape)
	}
	return &Tensor{shape: shape.Clone(), flat: make([]float32, shape.Size())}
}

// Zeros returns a Float32 tensor with the given dimensions filled with zeros.
func Zeros(dimensions ...int) *Tensor {
	return FromShape(shapes.Make(dtypes.Float32, dimensions...))
}

// Full returns a Float32 tensor with the given dimensions filled with value.
func Full(value float32, dimensions ...int) *Tensor {
	t := Zeros(dimensions...)
	for ii := range t.flat {
		t.flat[ii] = value
	}
	return t
}

// FromScalar returns a scalar (rank 0) tensor.
func FromScalar(value float32) *Tensor {
	return &Tensor{shape: shapes.Scalar(dtypes.Float32), flat: []float32{value}}
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened
// values given in data, converted to float32. The data is copied to the Tensor.
//
// It panics if the size of data is wrong for the shape.
func FromFlatDataAndDimensions[T constraints.Float | constraints.Integer](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.Float32, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf(
			"FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	for ii, v := range data {
		t.flat[ii] = float32(v)
	}
	return t
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor, always dtypes.Float32.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements of the tensor.
func (t *Tensor) Size() int { return len(t.flat) }

// Memory used by the tensor data, in bytes.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// ConstFlatData calls accessFn with the flat data of the tensor. accessFn must not modify it
// nor keep a reference to it after returning.
func (t *Tensor) ConstFlatData(accessFn func(flat []float32)) {
	accessFn(t.flat)
}

// MutableFlatData calls accessFn with the flat data of the tensor, which it may modify in place.
func (t *Tensor) MutableFlatData(accessFn func(flat []float32)) {
	accessFn(t.flat)
}

// Flat returns the underlying flat data, without copying. Callers that modify it own the consequences.
func (t *Tensor) Flat() []float32 { return t.flat }

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), flat: slices.Clone(t.flat)}
}

// Reshape returns a new tensor sharing the same data, with the new dimensions.
// It panics if the number of elements differs.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	shape := shapes.Make(t.shape.DType, dimensions...)
	if shape.Size() != t.Size() {
		exceptions.Panicf("Tensor.Reshape(%v): cannot reshape %s, sizes differ", dimensions, t.shape)
	}
	return &Tensor{shape: shape, flat: t.flat}
}

// At returns the value at the given indices, one per axis.
func (t *Tensor) At(indices ...int) float32 {
	if len(indices) != t.Rank() {
		exceptions.Panicf("Tensor.At(%v): expected %d indices for shape %s", indices, t.Rank(), t.shape)
	}
	pos := 0
	for axis, idx := range indices {
		dim := t.shape.Dimensions[axis]
		if idx < 0 || idx >= dim {
			exceptions.Panicf("Tensor.At(%v): index out-of-bounds for shape %s", indices, t.shape)
		}
		pos = pos*dim + idx
	}
	return t.flat[pos]
}

// Value returns the value of a scalar tensor, or of the first element otherwise.
func (t *Tensor) Value() float32 {
	if len(t.flat) == 0 {
		return 0
	}
	return t.flat[0]
}

// IsFinite returns whether every element is neither NaN nor infinite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.flat {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

// Equal returns whether both tensors have the same shape and exactly the same values.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	return slices.Equal(t.flat, otherTensor.flat)
}

// InDelta checks weather Abs(t - otherTensor) <= delta for every element.
// If the shapes are different, it returns false.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	for ii, v := range t.flat {
		if math.Abs(float64(v)-float64(otherTensor.flat[ii])) > delta {
			return false
		}
	}
	return true
}

// gobTensor is the serialized form of a Tensor.
type gobTensor struct {
	Dimensions []int
	Flat       []float32
}

// GobSerialize tensor using the given encoder.
func (t *Tensor) GobSerialize(encoder *gob.Encoder) error {
	err := encoder.Encode(gobTensor{Dimensions: t.shape.Dimensions, Flat: t.flat})
	if err != nil {
		return errors.Wrapf(err, "failed to serialize Tensor shaped %s", t.shape)
	}
	return nil
}

// GobDeserialize a Tensor from the decoder.
func GobDeserialize(decoder *gob.Decoder) (*Tensor, error) {
	var gt gobTensor
	if err := decoder.Decode(&gt); err != nil {
		return nil, errors.Wrap(err, "failed to deserialize Tensor")
	}
	var t *Tensor
	err := exceptions.TryCatch[error](func() {
		shape := shapes.Make(dtypes.Float32, gt.Dimensions...)
		if shape.Size() != len(gt.Flat) {
			exceptions.Panicf("serialized data has %d elements, but shape %s requires %d",
				len(gt.Flat), shape, shape.Size())
		}
		t = &Tensor{shape: shape, flat: gt.Flat}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to deserialize Tensor")
	}
	return t, nil
}

// Save the tensor to the given file path.
func (t *Tensor) Save(filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save tensor", filePath)
	}
	enc := gob.NewEncoder(f)
	err = t.GobSerialize(enc)
	if err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "saving Tensor to %q", filePath)
	}
	err = f.Close()
	if err != nil {
		return errors.Wrapf(err, "close file %q, where tensor was saved", filePath)
	}
	return nil
}

// Load a tensor from the file path given.
func Load(filePath string) (*Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q to load Tensor", filePath)
	}
	defer func() { _ = f.Close() }()
	t, err := GobDeserialize(gob.NewDecoder(f))
	if err != nil {
		return nil, errors.WithMessagef(err, "loading Tensor from %q", filePath)
	}
	return t, nil
}

// TensorStringMaxElements is the maximum number of elements printed by Tensor.String.
const TensorStringMaxElements = 16

// String prints the shape and, for small tensors, the values. Larger tensors are summarized.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	var sb strings.Builder
	sb.WriteString(t.shape.String())
	if len(t.flat) <= TensorStringMaxElements {
		_, _ = fmt.Fprintf(&sb, ": %v", t.flat)
		return sb.String()
	}
	minV, maxV := t.flat[0], t.flat[0]
	var sum float64
	for _, v := range t.flat {
		minV = min(minV, v)
		maxV = max(maxV, v)
		sum += float64(v)
	}
	_, _ = fmt.Fprintf(&sb, ": min=%.4g max=%.4g mean=%.4g", minV, maxV, sum/float64(len(t.flat)))
	return sb.String()
}
