// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package local

import (
	"context"
	"errors"
	"testing"

	"github.com/ffutop/cmri-gateway/cmri"
	"github.com/ffutop/cmri-gateway/internal/config"
	"github.com/ffutop/cmri-gateway/transport"
)

func TestSendRoutesToNode(t *testing.T) {
	c := NewClient(config.LocalConfig{
		Nodes: []config.NodeConfig{
			{Address: 2, Type: "SMINI", InputBytes: 2},
		},
	})
	defer c.Close()

	c.Node(2).Model().WriteInputByte(1, 0x40)

	// Outputs land on the node, no reply.
	reply, err := c.Send(context.Background(), &cmri.Packet{
		Address: 2, Type: cmri.TypeTransmit, Payload: []byte{0x01},
	})
	if err != nil || reply != nil {
		t.Fatalf("transmit: reply=%v err=%v", reply, err)
	}

	reply, err = c.Send(context.Background(), &cmri.Packet{Address: 2, Type: cmri.TypePoll})
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if reply == nil || reply.Type != cmri.TypeReceive {
		t.Fatalf("poll reply = %v, want a Receive", reply)
	}
	if len(reply.Payload) != 2 || reply.Payload[1] != 0x40 {
		t.Errorf("poll payload = %x, want [00 40]", reply.Payload)
	}
}

func TestSendUnknownAddress(t *testing.T) {
	c := NewClient(config.LocalConfig{})
	defer c.Close()

	// A poll to an empty bus looks like a silent node.
	_, err := c.Send(context.Background(), &cmri.Packet{Address: 9, Type: cmri.TypePoll})
	if !errors.Is(err, transport.ErrTimedOut) {
		t.Errorf("poll to absent node = %v, want ErrTimedOut", err)
	}

	// A transmit to an empty bus just disappears, like on real RS485.
	reply, err := c.Send(context.Background(), &cmri.Packet{
		Address: 9, Type: cmri.TypeTransmit, Payload: []byte{0xFF},
	})
	if err != nil || reply != nil {
		t.Errorf("transmit to absent node: reply=%v err=%v", reply, err)
	}
}
