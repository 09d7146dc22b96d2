// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package weights

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/styletransfer/pkg/core/tensors"
	"github.com/gomlx/styletransfer/pkg/support/failures"
	"github.com/gomlx/styletransfer/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// maxHeaderLength of a safetensors header, larger headers are considered corrupt.
const maxHeaderLength = 100 << 20

// supportedDTypes of the tensors in a safetensors archive, converted to float32 on load.
var supportedDTypes = []dtypes.DType{dtypes.Float32, dtypes.Float64, dtypes.Float16, dtypes.BFloat16}

// safetensorsInfo is the description of one tensor in a safetensors header.
type safetensorsInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

var (
	// nativeName matches "conv3_2/kernel", with HWIO kernels.
	nativeName = regexp.MustCompile(`^(conv\d_\d)/(kernel|bias)$`)

	// indexedName matches "features.10.weight" (optionally prefixed, e.g. "vgg.features.10.weight"), with
	// OIHW kernels.
	indexedName = regexp.MustCompile(`(?:^|\.)features\.(\d+)\.(weight|bias)$`)
)

func loadSafetensors(filePath string) ([]*Entry, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, failures.Resource(err, "opening weights archive %q", filePath)
	}
	defer func() { _ = f.Close() }()

	var headerLength uint64
	if err = binary.Read(f, binary.LittleEndian, &headerLength); err != nil {
		return nil, failures.Resource(err, "reading header length of %q", filePath)
	}
	if headerLength > maxHeaderLength {
		return nil, failures.Resourcef("safetensors %q: header length %d is too large, file is likely corrupt",
			filePath, headerLength)
	}
	headerBytes := make([]byte, headerLength)
	if _, err = io.ReadFull(f, headerBytes); err != nil {
		return nil, failures.Resource(err, "reading header of %q", filePath)
	}
	var header map[string]json.RawMessage
	if err = json.Unmarshal(headerBytes, &header); err != nil {
		return nil, failures.Resource(err, "parsing header of %q", filePath)
	}
	dataStart := int64(8 + headerLength)
	stat, err := f.Stat()
	if err != nil {
		return nil, failures.Resource(err, "reading size of %q", filePath)
	}
	dataLength := stat.Size() - dataStart

	byLayer := make(map[string]*Entry)
	getEntry := func(layer string) *Entry {
		entry, found := byLayer[layer]
		if !found {
			entry = &Entry{Name: layer}
			byLayer[layer] = entry
		}
		return entry
	}
	for tensorName, raw := range header {
		if tensorName == "__metadata__" {
			continue
		}
		layer, part, oihw := mapTensorName(tensorName)
		if layer == "" {
			klog.V(2).Infof("safetensors %q: ignoring tensor %q", filePath, tensorName)
			continue
		}
		var info safetensorsInfo
		if err = json.Unmarshal(raw, &info); err != nil {
			return nil, failures.Resource(err, "safetensors %q: parsing description of %q", filePath, tensorName)
		}
		t, err := readSafetensor(f, dataStart, dataLength, &info)
		if err != nil {
			return nil, failures.Resource(err, "safetensors %q: reading tensor %q", filePath, tensorName)
		}
		entry := getEntry(layer)
		if part == "bias" {
			entry.Bias = t
			continue
		}
		if oihw {
			if t.Rank() != 4 {
				return nil, failures.Resourcef("safetensors %q: kernel %q has rank %d, expected 4 (OIHW)",
					filePath, tensorName, t.Rank())
			}
			t = oihwToHWIO(t)
		}
		entry.Kernel = t
	}

	entries := make([]*Entry, 0, len(byLayer))
	for _, entry := range byLayer {
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b *Entry) int { return LayerIndex[a.Name] - LayerIndex[b.Name] })
	return entries, nil
}

// mapTensorName returns the layer and part ("kernel" or "bias") a safetensors tensor name refers to,
// and whether the kernel is in OIHW layout. It returns an empty layer for unrelated tensors.
func mapTensorName(tensorName string) (layer, part string, oihw bool) {
	if matches := nativeName.FindStringSubmatch(tensorName); matches != nil {
		return matches[1], matches[2], false
	}
	if matches := indexedName.FindStringSubmatch(tensorName); matches != nil {
		position, err := strconv.Atoi(matches[1])
		if err != nil {
			return "", "", false
		}
		layer = LayerAt(position)
		if !strings.HasPrefix(layer, "conv") {
			return "", "", false
		}
		part = "kernel"
		if matches[2] == "bias" {
			part = "bias"
		}
		return layer, part, true
	}
	return "", "", false
}

func readSafetensor(f *os.File, dataStart, dataLength int64, info *safetensorsInfo) (*tensors.Tensor, error) {
	size := 1
	for _, dim := range info.Shape {
		if dim <= 0 {
			return nil, errors.Errorf("invalid shape %v", info.Shape)
		}
		size *= dim
		if int64(size) > dataLength {
			return nil, errors.Errorf("shape %v larger than the %d bytes of data", info.Shape, dataLength)
		}
	}
	dtype, found := dtypes.MapOfNames[info.DType]
	if !found || !slices.Contains(supportedDTypes, dtype) {
		return nil, errors.Errorf("unsupported dtype %q, expected one of %v", info.DType, supportedDTypes)
	}
	elementBytes := dtype.Size()
	begin, end := info.DataOffsets[0], info.DataOffsets[1]
	if begin < 0 || end < begin || end > dataLength {
		return nil, errors.Errorf("data offsets %v out of the %d bytes of data", info.DataOffsets, dataLength)
	}
	if end-begin != int64(size*elementBytes) {
		return nil, errors.Errorf("data offsets %v don't match shape %v with dtype %s", info.DataOffsets, info.Shape, dtype)
	}
	data := make([]byte, end-begin)
	if _, err := f.ReadAt(data, dataStart+begin); err != nil {
		return nil, errors.Wrapf(err, "reading %d bytes at offset %d", len(data), dataStart+begin)
	}

	flat := make([]float32, size)
	for ii := range flat {
		chunk := data[ii*elementBytes : (ii+1)*elementBytes]
		switch dtype {
		case dtypes.Float32:
			flat[ii] = math.Float32frombits(binary.LittleEndian.Uint32(chunk))
		case dtypes.Float64:
			flat[ii] = float32(math.Float64frombits(binary.LittleEndian.Uint64(chunk)))
		case dtypes.Float16:
			flat[ii] = float16.Frombits(binary.LittleEndian.Uint16(chunk)).Float32()
		case dtypes.BFloat16:
			flat[ii] = bfloat16.BFloat16(binary.LittleEndian.Uint16(chunk)).Float32()
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, info.Shape...), nil
}

// oihwToHWIO transposes a [out, in, height, width] kernel to [height, width, in, out].
func oihwToHWIO(kernel *tensors.Tensor) *tensors.Tensor {
	dims := kernel.Shape().Dimensions
	outC, inC, height, width := dims[0], dims[1], dims[2], dims[3]
	src := kernel.Flat()
	dst := make([]float32, len(src))
	for o := range outC {
		for i := range inC {
			for h := range height {
				for w := range width {
					dst[((h*width+w)*inC+i)*outC+o] = src[((o*inC+i)*height+h)*width+w]
				}
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(dst, height, width, inC, outC)
}

// SaveSafetensors writes the table to filePath in the safetensors format, with F32 tensors named
// "<layer>/kernel" (HWIO layout) and "<layer>/bias".
func SaveSafetensors(filePath string, table *Table) error {
	if err := fsutil.ExpandPaths(&filePath); err != nil {
		return failures.Resource(err, "weights archive %q", filePath)
	}
	header := make(map[string]safetensorsInfo)
	var payload []*tensors.Tensor
	var offset int64
	for _, name := range table.Names() {
		entry := table.entries[name]
		for _, part := range []struct {
			suffix string
			t      *tensors.Tensor
		}{{"kernel", entry.Kernel}, {"bias", entry.Bias}} {
			if part.t == nil {
				continue
			}
			length := int64(part.t.Size() * 4)
			header[name+"/"+part.suffix] = safetensorsInfo{
				DType:       "F32",
				Shape:       part.t.Shape().Dimensions,
				DataOffsets: [2]int64{offset, offset + length},
			}
			payload = append(payload, part.t)
			offset += length
		}
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return failures.Resource(err, "encoding safetensors header for %q", filePath)
	}
	// Data is aligned to 8 bytes, padding the header with spaces.
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, []byte(strings.Repeat(" ", 8-pad))...)
	}

	f, err := os.Create(filePath)
	if err != nil {
		return failures.Resource(err, "creating weights archive %q", filePath)
	}
	err = binary.Write(f, binary.LittleEndian, uint64(len(headerBytes)))
	if err == nil {
		_, err = f.Write(headerBytes)
	}
	for _, t := range payload {
		if err != nil {
			break
		}
		err = binary.Write(f, binary.LittleEndian, t.Flat())
	}
	if err != nil {
		_ = f.Close()
		return failures.Resource(err, "writing weights archive %q", filePath)
	}
	if err = f.Close(); err != nil {
		return failures.Resource(err, "closing weights archive %q", filePath)
	}
	return nil
}
