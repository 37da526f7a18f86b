// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ffutop/cmri-gateway/internal/node/model"
)

// FileStorage implements persistence using plain file operations.
//
// Layout:
// - Inputs: 256 bytes (Offset 0)
// - Outputs: 256 bytes (Offset 256)
// Total Size: 512 bytes
type FileStorage struct {
	path string
	file *os.File
	data []byte
}

// NewFileStorage creates a new FileStorage.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{
		path: path,
	}
}

// Load loads the I/O model by file operations.
func (fs *FileStorage) Load() (*model.IOModel, error) {
	// Open file, creating if necessary
	f, err := os.OpenFile(fs.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	fs.file = f

	// Ensure file size
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if fi.Size() != int64(totalSize) {
		if err := f.Truncate(int64(totalSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize file: %w", err)
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	fs.data = data

	// Construct the IOModel backed by the file data slice
	return mapBytesToModel(data), nil
}

// Save flushes the data to disk.
func (fs *FileStorage) Save(m *model.IOModel) error {
	return fs.sync()
}

// OnWrite triggers a sync for persistence.
func (fs *FileStorage) OnWrite(table model.TableType, offset, quantity int) {
	if err := fs.sync(); err != nil {
		slog.Error("Failed to sync file", "err", err)
	}
}

func (fs *FileStorage) sync() error {
	if fs.data == nil || fs.file == nil {
		return nil
	}
	if _, err := fs.file.WriteAt(fs.data, 0); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file to disk: %w", err)
	}
	return nil
}

// Close the file.
func (fs *FileStorage) Close() error {
	fs.file.Close()
	return nil
}
