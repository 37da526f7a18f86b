// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"github.com/ffutop/cmri-gateway/internal/node/model"
)

const (
	sizeInputs  = model.MaxBytes
	sizeOutputs = model.MaxBytes
	totalSize   = sizeInputs + sizeOutputs

	offsetInputs  = 0
	offsetOutputs = offsetInputs + sizeInputs
)

// mapBytesToModel constructs an IOModel backed by the provided data slice.
// Writes through the model land directly in the backing slice, which is
// what makes mmap-backed storage cheap: flush is the only extra work.
func mapBytesToModel(data []byte) *model.IOModel {
	m := &model.IOModel{}

	m.Inputs = data[offsetInputs : offsetInputs+sizeInputs]
	m.Outputs = data[offsetOutputs : offsetOutputs+sizeOutputs]

	return m
}
