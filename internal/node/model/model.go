// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package model

import (
	"fmt"
	"sync"
)

const (
	// MaxBytes is the largest input or output table a node can carry,
	// matching the maximum C/MRI payload.
	MaxBytes = 256
)

// TableType identifies one of the two node I/O tables.
type TableType int

const (
	TableInputs TableType = iota
	TableOutputs
)

// IOModel holds a node's I/O state in memory.
// Inputs are what the node reports on a poll; outputs are what the
// host sets with a transmit.
type IOModel struct {
	mu sync.RWMutex

	// Inputs holds sensor state, node -> host. One bit per sensor.
	Inputs []byte
	// Outputs holds actuator state, host -> node. One bit per output.
	Outputs []byte
}

// NewIOModel creates a new memory model initialized to zero.
func NewIOModel() *IOModel {
	return &IOModel{
		Inputs:  make([]byte, MaxBytes),
		Outputs: make([]byte, MaxBytes),
	}
}

// ReadInputs copies the first quantity input bytes into a fresh slice.
func (m *IOModel) ReadInputs(quantity int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(0, quantity); err != nil {
		return nil, err
	}

	result := make([]byte, quantity)
	copy(result, m.Inputs[:quantity])
	return result, nil
}

// WriteInputByte sets a single input byte. Used by whatever feeds the
// node its sensor data.
func (m *IOModel) WriteInputByte(index int, value byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= MaxBytes {
		return fmt.Errorf("input byte index out of range")
	}
	m.Inputs[index] = value
	return nil
}

// SetInputBit sets or clears a single input bit. Bit 0 is the low bit
// of byte 0, matching C/MRI card wiring order.
func (m *IOModel) SetInputBit(bit int, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bit < 0 || bit >= MaxBytes*8 {
		return fmt.Errorf("input bit out of range")
	}
	if on {
		m.Inputs[bit/8] |= 1 << uint(bit%8)
	} else {
		m.Inputs[bit/8] &^= 1 << uint(bit%8)
	}
	return nil
}

// WriteOutputs applies a transmit payload to the output table.
func (m *IOModel) WriteOutputs(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(0, len(data)); err != nil {
		return err
	}

	copy(m.Outputs, data)
	return nil
}

// ReadOutputs copies the first quantity output bytes into a fresh slice.
func (m *IOModel) ReadOutputs(quantity int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(0, quantity); err != nil {
		return nil, err
	}

	result := make([]byte, quantity)
	copy(result, m.Outputs[:quantity])
	return result, nil
}

// GetOutputBit reads a single output bit.
func (m *IOModel) GetOutputBit(bit int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bit < 0 || bit >= MaxBytes*8 {
		return false, fmt.Errorf("output bit out of range")
	}
	return m.Outputs[bit/8]&(1<<uint(bit%8)) != 0, nil
}

func validateRange(offset, quantity int) error {
	if quantity < 0 {
		return fmt.Errorf("quantity must not be negative")
	}
	if offset+quantity > MaxBytes {
		return fmt.Errorf("address range out of bounds")
	}
	return nil
}
