// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package node

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/ffutop/cmri-gateway/cmri"
	"github.com/ffutop/cmri-gateway/internal/node/model"
	"github.com/ffutop/cmri-gateway/internal/node/persistence"
)

// Node implements the C/MRI protocol logic for one addressable node on
// top of an IOModel. It is single-threaded: Handle and Run must not be
// called concurrently.
type Node struct {
	addr       cmri.NodeAddress
	nodeType   cmri.NodeType
	inputBytes int

	model   *model.IOModel
	storage persistence.Storage

	// From the last Init: host-requested delay before a poll reply,
	// in 10us units. Recorded but not actively throttled on; a TCP or
	// in-process transport has no half-duplex turnaround to respect.
	transmitDelay uint16
	initialized   bool
}

// NewNode creates a node with the given address and hardware identity.
// inputBytes is how many input-table bytes a poll reply carries.
func NewNode(addr cmri.NodeAddress, nodeType cmri.NodeType, inputBytes int, m *model.IOModel, storage persistence.Storage) *Node {
	if inputBytes <= 0 || inputBytes > model.MaxBytes {
		inputBytes = 8
	}
	return &Node{
		addr:       addr,
		nodeType:   nodeType,
		inputBytes: inputBytes,
		model:      m,
		storage:    storage,
	}
}

// Address returns the node's bus address.
func (n *Node) Address() cmri.NodeAddress { return n.addr }

// Model returns the node's I/O model, for whatever feeds sensor state in.
func (n *Node) Model() *model.IOModel { return n.model }

// Handle executes one packet against the node and returns the reply
// packet, or nil when the packet kind solicits none. Packets addressed
// to other nodes are ignored.
func (n *Node) Handle(req *cmri.Packet) (*cmri.Packet, error) {
	if req.Address != n.addr {
		return nil, nil
	}

	switch req.Type {
	case cmri.TypeInit:
		return nil, n.handleInit(req)
	case cmri.TypePoll:
		return n.handlePoll()
	case cmri.TypeTransmit:
		return nil, n.handleTransmit(req)
	default:
		// Receive is node-to-host; a node never answers one.
		return nil, nil
	}
}

// handleInit applies host configuration: declared node type, transmit
// delay and card setup. An Init never gets a reply.
func (n *Node) handleInit(req *cmri.Packet) error {
	if len(req.Payload) < 1 {
		slog.Warn("Init packet with empty payload", "addr", n.addr)
		return nil
	}

	declared := cmri.NodeType(req.Payload[0])
	if !declared.Valid() {
		slog.Warn("Init declares unknown node type", "addr", n.addr, "type", req.Payload[0])
		return nil
	}
	if declared != n.nodeType {
		slog.Warn("Host expects a different node type",
			"addr", n.addr, "declared", declared, "actual", n.nodeType)
	}

	if len(req.Payload) >= 3 {
		n.transmitDelay = uint16(req.Payload[1])<<8 | uint16(req.Payload[2])
	}
	n.initialized = true

	slog.Info("Node initialized",
		"addr", n.addr, "type", declared, "delay", n.transmitDelay)
	return nil
}

// handlePoll snapshots the input table into a Receive packet.
func (n *Node) handlePoll() (*cmri.Packet, error) {
	inputs, err := n.model.ReadInputs(n.inputBytes)
	if err != nil {
		return nil, err
	}
	return &cmri.Packet{
		Address: n.addr,
		Type:    cmri.TypeReceive,
		Payload: inputs,
	}, nil
}

// handleTransmit applies the host's output state. No reply.
func (n *Node) handleTransmit(req *cmri.Packet) error {
	if err := n.model.WriteOutputs(req.Payload); err != nil {
		slog.Warn("Transmit payload rejected", "addr", n.addr, "len", len(req.Payload), "err", err)
		return nil
	}
	n.storage.OnWrite(model.TableOutputs, 0, len(req.Payload))
	return nil
}

// Run services rw as the node's bus endpoint until ctx is cancelled or
// the endpoint fails. One byte is read at a time and fed to a decoder
// filtered to this node's address; a completed poll is answered
// synchronously before the next read, so a reply is never interleaved
// with an incoming frame.
func (n *Node) Run(ctx context.Context, rw io.ReadWriter) error {
	dec := cmri.NewDecoder(nil)
	dec.Filter(n.addr)

	var rxBuf [1]byte
	var txBuf [cmri.MaxFrameLen]byte

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		nr, err := rw.Read(rxBuf[:])
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if nr == 0 {
			continue
		}

		pkt, err := dec.Feed(rxBuf[0])
		if err != nil {
			slog.Debug("Framing error", "addr", n.addr, "err", err)
			continue
		}
		if pkt == nil {
			continue
		}

		reply, err := n.Handle(pkt)
		if err != nil {
			slog.Error("Packet handling failed", "addr", n.addr, "packet", pkt, "err", err)
			continue
		}
		if reply == nil {
			continue
		}

		nw, err := reply.Encode(txBuf[:])
		if err != nil {
			slog.Error("Reply encoding failed", "addr", n.addr, "err", err)
			continue
		}
		if _, err := rw.Write(txBuf[:nw]); err != nil {
			return err
		}
	}
}
