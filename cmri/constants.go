// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package cmri

const (
	// PreambleByte is sent twice before the start byte to wake the bus.
	PreambleByte = 0xFF
	// StartByte (STX) opens a frame.
	StartByte = 0x02
	// StopByte (ETX) closes a frame.
	StopByte = 0x03
	// EscapeByte (DLE) precedes any payload byte equal to STX, ETX or DLE.
	EscapeByte = 0x10

	// AddressBase is added to the logical node address to form the unit
	// address byte on the wire ('A' + addr).
	AddressBase = 65

	// MaxNodeAddress is the highest logical node address on a bus.
	MaxNodeAddress = 127

	// MaxPayloadLen is the largest payload a node can produce
	// (64 i/o cards at 32 bits each).
	MaxPayloadLen = 256

	// MaxFrameLen is the worst-case encoded frame size: two preamble
	// bytes, STX, address, type, a fully escaped payload and ETX.
	MaxFrameLen = 6 + 2*MaxPayloadLen
)

// MessageType identifies the kind of a C/MRI packet.
type MessageType byte

const (
	// TypeInit configures a node (host to node, no reply).
	TypeInit MessageType = 'I'
	// TypePoll requests the input state of a node (host to node).
	TypePoll MessageType = 'P'
	// TypeReceive carries input state back to the host (node to host).
	TypeReceive MessageType = 'R'
	// TypeTransmit sets the output state of a node (host to node, no reply).
	TypeTransmit MessageType = 'T'
)

// Valid reports whether t is one of the four defined message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeInit, TypePoll, TypeReceive, TypeTransmit:
		return true
	}
	return false
}

// ExpectsReply reports whether a packet of this type solicits a response
// on the bus. Only a Poll does; the node answers with a Receive.
func (t MessageType) ExpectsReply() bool {
	return t == TypePoll
}

func (t MessageType) String() string {
	switch t {
	case TypeInit:
		return "Init"
	case TypePoll:
		return "Poll"
	case TypeReceive:
		return "Receive"
	case TypeTransmit:
		return "Transmit"
	}
	return "Unknown"
}

// NodeType identifies the hardware family a node declares during Init.
type NodeType byte

const (
	// NodeUsic is the classic USIC, and SUSIC with 24-bit cards.
	NodeUsic NodeType = 'N'
	// NodeSusic is a SUSIC with 32-bit cards.
	NodeSusic NodeType = 'X'
	// NodeSmini is the SMINI with fixed 24 inputs and 48 outputs.
	NodeSmini NodeType = 'M'
	// NodeCpnode is a CPNODE with 16 to 144 i/o using 8-bit cards.
	NodeCpnode NodeType = 'C'
)

// Valid reports whether nt is a known node type.
func (nt NodeType) Valid() bool {
	switch nt {
	case NodeUsic, NodeSusic, NodeSmini, NodeCpnode:
		return true
	}
	return false
}

func (nt NodeType) String() string {
	switch nt {
	case NodeUsic:
		return "USIC"
	case NodeSusic:
		return "SUSIC"
	case NodeSmini:
		return "SMINI"
	case NodeCpnode:
		return "CPNODE"
	}
	return "Unknown"
}
