// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package local

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ffutop/cmri-gateway/cmri"
	"github.com/ffutop/cmri-gateway/internal/config"
	"github.com/ffutop/cmri-gateway/internal/node"
	"github.com/ffutop/cmri-gateway/internal/node/persistence"
	"github.com/ffutop/cmri-gateway/transport"
)

// Client implements the Downstream interface with in-process virtual
// nodes instead of a physical bus. Useful for development and for
// soak-testing control software without hardware attached.
type Client struct {
	nodes    map[cmri.NodeAddress]*node.Node
	storages []persistence.Storage
}

// NewClient creates a local client hosting the configured nodes.
func NewClient(cfg config.LocalConfig) *Client {
	c := &Client{
		nodes: make(map[cmri.NodeAddress]*node.Node),
	}

	for _, nc := range cfg.Nodes {
		storage := newStorage(nc.Persistence)

		m, err := storage.Load()
		if err != nil {
			slog.Error("Failed to load persistence data, starting with fresh model", "addr", nc.Address, "err", err)
			if m == nil {
				slog.Warn("Falling back to MemoryStorage", "addr", nc.Address)
				storage = persistence.NewMemoryStorage()
				m, _ = storage.Load()
			}
		}

		addr := cmri.NodeAddress(nc.Address)
		c.nodes[addr] = node.NewNode(addr, parseNodeType(nc.Type), nc.InputBytes, m, storage)
		c.storages = append(c.storages, storage)
	}

	return c
}

func newStorage(cfg config.PersistenceConfig) persistence.Storage {
	switch cfg.Type {
	case "file":
		slog.Info("Initializing virtual node with file persistence", "path", cfg.Path)
		return persistence.NewFileStorage(cfg.Path)
	case "mmap":
		slog.Info("Initializing virtual node with MMAP persistence", "path", cfg.Path)
		return persistence.NewMmapStorage(cfg.Path)
	default:
		slog.Info("Initializing virtual node with memory storage (non-persistent)")
		return persistence.NewMemoryStorage()
	}
}

func parseNodeType(s string) cmri.NodeType {
	switch strings.ToUpper(s) {
	case "USIC":
		return cmri.NodeUsic
	case "SUSIC":
		return cmri.NodeSusic
	case "CPNODE":
		return cmri.NodeCpnode
	default:
		return cmri.NodeSmini
	}
}

// Node returns the virtual node at addr, or nil.
func (c *Client) Node(addr cmri.NodeAddress) *node.Node {
	return c.nodes[addr]
}

// Send processes the packet against the addressed virtual node.
// A poll to an address nobody answers behaves like a silent bus.
func (c *Client) Send(ctx context.Context, pkt *cmri.Packet) (*cmri.Packet, error) {
	n, ok := c.nodes[pkt.Address]
	if !ok {
		if pkt.Type.ExpectsReply() {
			return nil, transport.ErrTimedOut
		}
		return nil, nil
	}
	return n.Handle(pkt)
}

// Connect is a no-op for the local client.
func (c *Client) Connect(ctx context.Context) error {
	return nil
}

// Close closes any storages that need closing.
func (c *Client) Close() error {
	for _, s := range c.storages {
		if closer, ok := s.(interface{ Close() error }); ok {
			closer.Close()
		}
	}
	return nil
}
