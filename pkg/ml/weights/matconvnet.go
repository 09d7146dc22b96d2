// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package weights

import (
	"io"
	"os"
	"strings"

	"github.com/daniellowtw/matlab"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/styletransfer/pkg/core/tensors"
	"github.com/gomlx/styletransfer/pkg/support/failures"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// matConvNetLayers is the variable of a MatConvNet archive holding the cell array of layers.
const matConvNetLayers = "layers"

// loadMatConvNet reads the convolutions of a MatConvNet archive (e.g. "imagenet-vgg-verydeep-19.mat").
//
// The archive holds a 1xN cell array "layers" of structs, with fields "name", "type" and, for convolutions,
// "weights": a 1x2 cell array with the kernel, shaped [height, width, inChannels, outChannels], and the bias.
// Layers are found by their "name" field, or by their position (LayerIndex) when the name can't be read.
//
// The whole archive is decoded in memory, fully connected layers included.
func loadMatConvNet(filePath string) (entries []*Entry, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, failures.Resource(err, "opening weights archive %q", filePath)
	}
	defer func() { _ = f.Close() }()

	// The matlab package panics on unsupported content. It also expects reads to return the full
	// amount requested, so the file is not buffered.
	exception := exceptions.Try(func() {
		entries, err = parseMatConvNet(f)
	})
	if exception != nil {
		var ok bool
		if err, ok = exception.(error); !ok {
			err = errors.Errorf("%v", exception)
		}
	}
	if err != nil {
		return nil, failures.Resource(err, "MatConvNet archive %q", filePath)
	}
	return entries, nil
}

func parseMatConvNet(r io.Reader) ([]*Entry, error) {
	matFile, err := matlab.NewFileFromReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading header")
	}
	layersVar, found := matFile.GetVar(matConvNetLayers)
	if !found {
		return nil, errors.Errorf("variable %q not found, is it a MatConvNet model?", matConvNetLayers)
	}
	cells := layersVar.Value()

	byName := make(map[string]map[string]*matlab.Matrix, len(cells))
	byPosition := make([]map[string]*matlab.Matrix, len(cells))
	for ii, cell := range cells {
		layerMatrix, ok := cell.(*matlab.Matrix)
		if !ok {
			continue
		}
		fields, ok := layerMatrix.GetAtLocation(0).(map[string]*matlab.Matrix)
		if !ok {
			continue
		}
		byPosition[ii] = fields
		if name, ok := matString(fields["name"]); ok {
			byName[name] = fields
		}
	}

	var entries []*Entry
	for _, name := range LayerNames() {
		fields, found := byName[name]
		if !found && LayerIndex[name] < len(byPosition) {
			fields = byPosition[LayerIndex[name]]
		}
		if fields == nil || fields["weights"] == nil {
			klog.V(2).Infof("MatConvNet archive has no weights for %q", name)
			continue
		}
		entry, err := matConvNetEntry(name, fields["weights"])
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil, errors.Errorf("no convolution weights found in %d layers", len(cells))
	}
	return entries, nil
}

// matConvNetEntry converts the {kernel, bias} cell array of a convolution layer.
func matConvNetEntry(name string, weights *matlab.Matrix) (*Entry, error) {
	parts := weights.Value()
	if len(parts) != 2 {
		return nil, errors.Errorf("layer %q: weights has %d elements, expected kernel and bias", name, len(parts))
	}
	kernelMatrix, okKernel := parts[0].(*matlab.Matrix)
	biasMatrix, okBias := parts[1].(*matlab.Matrix)
	if !okKernel || !okBias {
		return nil, errors.Errorf("layer %q: weights is not a cell array of matrices", name)
	}

	dims := make([]int, 4)
	for ii := range dims {
		dims[ii] = 1
		if ii < len(kernelMatrix.Dimension) {
			dims[ii] = int(kernelMatrix.Dimension[ii])
		}
	}
	if len(kernelMatrix.Dimension) > 4 {
		return nil, errors.Errorf("layer %q: kernel has dimensions %v, expected 4", name, kernelMatrix.Dimension)
	}
	kernelValues, err := matFloats(kernelMatrix)
	if err != nil {
		return nil, errors.WithMessagef(err, "layer %q kernel", name)
	}
	biasValues, err := matFloats(biasMatrix)
	if err != nil {
		return nil, errors.WithMessagef(err, "layer %q bias", name)
	}
	if len(kernelValues) != dims[0]*dims[1]*dims[2]*dims[3] {
		return nil, errors.Errorf("layer %q: kernel has %d values for dimensions %v", name, len(kernelValues), dims)
	}

	// MATLAB arrays are column-major: [h, w, i, o] is at h + H*(w + W*(i + I*o)).
	height, width, inC, outC := dims[0], dims[1], dims[2], dims[3]
	hwio := make([]float32, len(kernelValues))
	for h := range height {
		for w := range width {
			for i := range inC {
				for o := range outC {
					hwio[((h*width+w)*inC+i)*outC+o] = kernelValues[h+height*(w+width*(i+inC*o))]
				}
			}
		}
	}
	return &Entry{
		Name:   name,
		Kernel: tensors.FromFlatDataAndDimensions(hwio, dims...),
		Bias:   tensors.FromFlatDataAndDimensions(biasValues, len(biasValues)),
	}, nil
}

// matFloats returns the values of a single or double precision matrix.
func matFloats(m *matlab.Matrix) ([]float32, error) {
	values := m.Value()
	flat := make([]float32, len(values))
	for ii, v := range values {
		switch v := v.(type) {
		case float32:
			flat[ii] = v
		case float64:
			flat[ii] = float32(v)
		default:
			return nil, errors.Errorf("%s matrix, expected single or double precision", m.Class)
		}
	}
	return flat, nil
}

// matString returns the contents of a character array.
func matString(m *matlab.Matrix) (string, bool) {
	if m == nil {
		return "", false
	}
	var sb strings.Builder
	for _, v := range m.Value() {
		switch c := v.(type) {
		case uint16:
			sb.WriteRune(rune(c))
		case rune:
			sb.WriteRune(c)
		case uint8:
			sb.WriteByte(c)
		case int8:
			sb.WriteByte(byte(c))
		default:
			return "", false
		}
	}
	return sb.String(), true
}
