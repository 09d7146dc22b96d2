// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package weights

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/styletransfer/pkg/core/tensors"
	"github.com/gomlx/styletransfer/pkg/support/failures"
	"github.com/gomlx/styletransfer/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Load a weight table from the archive at filePath, dispatching on its extension (".safetensors", ".mat"
// or ".gob").
//
// The architecture is inferred from the kernel shapes found (see InferArchitecture).
// Unreadable or malformed archives are reported as failures.ErrResource. Except for MatConvNet archives,
// the table is not validated: missing or inconsistent layers are only reported when requested with
// Table.GetWeights.
func Load(filePath string) (*Table, error) {
	if err := fsutil.ExpandPaths(&filePath); err != nil {
		return nil, failures.Resource(err, "weights archive %q", filePath)
	}
	var entries []*Entry
	var err error
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".safetensors":
		entries, err = loadSafetensors(filePath)
	case ".gob":
		entries, err = loadGob(filePath)
	case ".mat":
		entries, err = loadMatConvNet(filePath)
	default:
		err = failures.Resourcef("weight archive %q: unknown format %q, expected .safetensors, .mat or .gob",
			filePath, ext)
	}
	if err != nil {
		return nil, err
	}
	table := NewTable(InferArchitecture(entries), entries...)
	if ext == ".mat" {
		// MatConvNet archives always hold the complete network.
		if err = table.Validate(); err != nil {
			return nil, failures.Resource(err, "MatConvNet archive %q", filePath)
		}
	}
	klog.V(1).Infof("loaded %d weight entries (%d parameters) from %q, architecture %s",
		len(entries), table.NumParameters(), filePath, table.Architecture())
	return table, nil
}

// InferArchitecture returns the architecture matching the output channels of the kernels of the entries.
// Blocks without any kernel take their width from VGG19.
func InferArchitecture(entries []*Entry) Architecture {
	arch := VGG19
	byName := make(map[string]*Entry, len(entries))
	for _, entry := range entries {
		byName[entry.Name] = entry
	}
	for block := range NumBlocks {
		for index := range BlockSizes[block] {
			entry, found := byName[LayerName(block+1, index+1)]
			if !found || entry.Kernel == nil || entry.Kernel.Rank() != 4 {
				continue
			}
			arch.Widths[block] = entry.Kernel.Shape().Dim(-1)
			break
		}
	}
	return arch
}

// gobHeader is the first value of a gob archive, followed by the kernel and bias of each named entry.
type gobHeader struct {
	Names []string
}

// Save writes the table to filePath in the native gob format, readable by Load.
func Save(filePath string, table *Table) error {
	if err := fsutil.ExpandPaths(&filePath); err != nil {
		return failures.Resource(err, "weights archive %q", filePath)
	}
	f, err := os.Create(filePath)
	if err != nil {
		return failures.Resource(err, "creating weights archive %q", filePath)
	}
	enc := gob.NewEncoder(f)
	header := gobHeader{Names: table.Names()}
	err = enc.Encode(header)
	for _, name := range header.Names {
		if err != nil {
			break
		}
		entry := table.entries[name]
		if entry.Kernel == nil || entry.Bias == nil {
			err = errors.Errorf("entry %q has no kernel or bias", name)
			break
		}
		if err = entry.Kernel.GobSerialize(enc); err == nil {
			err = entry.Bias.GobSerialize(enc)
		}
	}
	if err != nil {
		_ = f.Close()
		return failures.Resource(err, "saving weights to %q", filePath)
	}
	if err = f.Close(); err != nil {
		return failures.Resource(err, "closing weights archive %q", filePath)
	}
	return nil
}

func loadGob(filePath string) ([]*Entry, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, failures.Resource(err, "opening weights archive %q", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	var header gobHeader
	if err = dec.Decode(&header); err != nil {
		return nil, failures.Resource(err, "reading header of weights archive %q", filePath)
	}
	entries := make([]*Entry, 0, len(header.Names))
	for _, name := range header.Names {
		entry := &Entry{Name: name}
		if entry.Kernel, err = tensors.GobDeserialize(dec); err == nil {
			entry.Bias, err = tensors.GobDeserialize(dec)
		}
		if err != nil {
			return nil, failures.Resource(err, "reading entry %q of weights archive %q", name, filePath)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
