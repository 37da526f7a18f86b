// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"github.com/ffutop/cmri-gateway/internal/node/model"
)

// Storage defines the interface for persisting a node's I/O model.
type Storage interface {
	// Load loads the I/O model from storage.
	// If no data exists, it should return a new empty model.
	Load() (*model.IOModel, error)

	// Save saves the current I/O model to storage.
	Save(model *model.IOModel) error

	// OnWrite is a hook called whenever a table is modified.
	// It allows the storage to perform real-time persistence (e.g. sync to disk).
	OnWrite(table model.TableType, offset, quantity int)
}
