// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package cmri

import (
	"errors"
	"fmt"
)

var (
	// ErrPayloadTooLong is returned when a payload exceeds MaxPayloadLen.
	ErrPayloadTooLong = errors.New("cmri: payload exceeds maximum length")
	// ErrBufferTooSmall is returned by Encode when the destination buffer
	// cannot hold the frame.
	ErrBufferTooSmall = errors.New("cmri: destination buffer too small")
	// ErrInvalidAddress is returned for addresses outside 0..127.
	ErrInvalidAddress = errors.New("cmri: node address out of range")
	// ErrInvalidMessageType is returned for a type byte outside I/P/R/T.
	ErrInvalidMessageType = errors.New("cmri: invalid message type")
)

// NodeAddress is the logical address of a node on the bus, 0..127.
type NodeAddress byte

// Unit returns the unit address byte as it appears on the wire.
func (a NodeAddress) Unit() byte {
	return AddressBase + byte(a)
}

// UnitToAddress converts a wire unit address back to a logical address.
func UnitToAddress(unit byte) (NodeAddress, error) {
	if unit < AddressBase || unit > AddressBase+MaxNodeAddress {
		return 0, ErrInvalidAddress
	}
	return NodeAddress(unit - AddressBase), nil
}

// Packet is the in-memory form of one C/MRI protocol unit.
type Packet struct {
	Address NodeAddress
	Type    MessageType
	Payload []byte
}

// needsEscape reports whether a payload byte must be preceded by DLE.
func needsEscape(b byte) bool {
	return b == StartByte || b == StopByte || b == EscapeByte
}

// EncodedLen returns the exact number of bytes Encode will produce.
func (p *Packet) EncodedLen() int {
	n := 6 + len(p.Payload)
	for _, b := range p.Payload {
		if needsEscape(b) {
			n++
		}
	}
	return n
}

// Encode writes the wire frame for p into buf and returns the number of
// bytes written. It performs no allocation; buf must be at least
// EncodedLen() bytes (MaxFrameLen always suffices).
func (p *Packet) Encode(buf []byte) (int, error) {
	if len(p.Payload) > MaxPayloadLen {
		return 0, ErrPayloadTooLong
	}
	if p.Address > MaxNodeAddress {
		return 0, ErrInvalidAddress
	}
	if !p.Type.Valid() {
		return 0, ErrInvalidMessageType
	}
	if len(buf) < p.EncodedLen() {
		return 0, ErrBufferTooSmall
	}

	buf[0] = PreambleByte
	buf[1] = PreambleByte
	buf[2] = StartByte
	buf[3] = p.Address.Unit()
	buf[4] = byte(p.Type)
	n := 5
	for _, b := range p.Payload {
		if needsEscape(b) {
			buf[n] = EscapeByte
			n++
		}
		buf[n] = b
		n++
	}
	buf[n] = StopByte
	n++
	return n, nil
}

// Clone returns a deep copy of p. Packets produced by a Decoder alias the
// decoder's internal buffer; callers that retain a packet past the next
// Feed must clone it first.
func (p *Packet) Clone() *Packet {
	c := &Packet{
		Address: p.Address,
		Type:    p.Type,
	}
	if len(p.Payload) > 0 {
		c.Payload = make([]byte, len(p.Payload))
		copy(c.Payload, p.Payload)
	}
	return c
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s addr=%d len=%d", p.Type, p.Address, len(p.Payload))
}
