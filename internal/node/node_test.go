// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package node

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ffutop/cmri-gateway/cmri"
	"github.com/ffutop/cmri-gateway/internal/node/persistence"
)

func newTestNode(t *testing.T, addr cmri.NodeAddress, inputBytes int) *Node {
	t.Helper()
	storage := persistence.NewMemoryStorage()
	m, err := storage.Load()
	if err != nil {
		t.Fatalf("storage load failed: %v", err)
	}
	return NewNode(addr, cmri.NodeSmini, inputBytes, m, storage)
}

func TestHandlePoll(t *testing.T) {
	n := newTestNode(t, 3, 3)
	n.Model().WriteInputByte(0, 0xAA)
	n.Model().WriteInputByte(2, 0x01)

	reply, err := n.Handle(&cmri.Packet{Address: 3, Type: cmri.TypePoll})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if reply == nil {
		t.Fatal("poll produced no reply")
	}
	if reply.Type != cmri.TypeReceive || reply.Address != 3 {
		t.Errorf("unexpected reply header: %v", reply)
	}
	if diff := cmp.Diff([]byte{0xAA, 0x00, 0x01}, reply.Payload); diff != "" {
		t.Errorf("input snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleTransmit(t *testing.T) {
	n := newTestNode(t, 3, 3)

	reply, err := n.Handle(&cmri.Packet{
		Address: 3,
		Type:    cmri.TypeTransmit,
		Payload: []byte{0x10, 0x02, 0x03},
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if reply != nil {
		t.Errorf("transmit must not produce a reply, got %v", reply)
	}

	out, err := n.Model().ReadOutputs(3)
	if err != nil {
		t.Fatalf("ReadOutputs failed: %v", err)
	}
	if diff := cmp.Diff([]byte{0x10, 0x02, 0x03}, out); diff != "" {
		t.Errorf("output table mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleInit(t *testing.T) {
	n := newTestNode(t, 3, 3)

	// [node type, DH, DL, card config...]
	reply, err := n.Handle(&cmri.Packet{
		Address: 3,
		Type:    cmri.TypeInit,
		Payload: []byte{byte(cmri.NodeSmini), 0x01, 0x2C},
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if reply != nil {
		t.Errorf("init must not produce a reply, got %v", reply)
	}
	if !n.initialized {
		t.Error("node not marked initialized")
	}
	if n.transmitDelay != 0x012C {
		t.Errorf("transmit delay = %#x, want 0x012c", n.transmitDelay)
	}
}

func TestHandleInitBadPayload(t *testing.T) {
	n := newTestNode(t, 3, 3)

	for _, payload := range [][]byte{nil, {0x5A}} {
		reply, err := n.Handle(&cmri.Packet{Address: 3, Type: cmri.TypeInit, Payload: payload})
		if err != nil || reply != nil {
			t.Errorf("bad init payload %x: reply=%v err=%v", payload, reply, err)
		}
		if n.initialized {
			t.Errorf("bad init payload %x must not initialize the node", payload)
		}
	}
}

func TestHandleIgnoresOthers(t *testing.T) {
	n := newTestNode(t, 3, 3)

	cases := []cmri.Packet{
		{Address: 4, Type: cmri.TypePoll},                            // wrong address
		{Address: 3, Type: cmri.TypeReceive, Payload: []byte{0x01}}, // host-bound kind
	}
	for _, pkt := range cases {
		reply, err := n.Handle(&pkt)
		if err != nil {
			t.Errorf("Handle(%v) failed: %v", &pkt, err)
		}
		if reply != nil {
			t.Errorf("Handle(%v) produced unexpected reply %v", &pkt, reply)
		}
	}
}

// scriptEndpoint plays a fixed inbound byte stream and captures writes.
type scriptEndpoint struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func (s *scriptEndpoint) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *scriptEndpoint) Write(p []byte) (int, error) { return s.out.Write(p) }

func TestRunAnswersPoll(t *testing.T) {
	n := newTestNode(t, 5, 2)
	n.Model().WriteInputByte(0, 0xC3)

	var stream bytes.Buffer
	var buf [cmri.MaxFrameLen]byte

	// Outputs for us, a poll for someone else, then our poll.
	frames := []cmri.Packet{
		{Address: 5, Type: cmri.TypeTransmit, Payload: []byte{0x0F}},
		{Address: 9, Type: cmri.TypePoll},
		{Address: 5, Type: cmri.TypePoll},
	}
	for i := range frames {
		nw, err := frames[i].Encode(buf[:])
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		stream.Write(buf[:nw])
	}

	ep := &scriptEndpoint{in: bytes.NewReader(stream.Bytes())}
	if err := n.Run(context.Background(), ep); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The transmit must have landed before the poll was answered.
	out, err := n.Model().ReadOutputs(1)
	if err != nil {
		t.Fatalf("ReadOutputs failed: %v", err)
	}
	if out[0] != 0x0F {
		t.Errorf("output byte = %#x, want 0x0f", out[0])
	}

	// Exactly one reply frame, decodable, carrying the input snapshot.
	dec := cmri.NewDecoder(nil)
	var got *cmri.Packet
	for _, b := range ep.out.Bytes() {
		pkt, err := dec.Feed(b)
		if err != nil {
			t.Fatalf("reply framing error: %v", err)
		}
		if pkt != nil {
			if got != nil {
				t.Fatal("more than one reply frame written")
			}
			got = pkt.Clone()
		}
	}
	if got == nil {
		t.Fatal("no reply frame written")
	}
	if got.Address != 5 || got.Type != cmri.TypeReceive {
		t.Errorf("unexpected reply header: %v", got)
	}
	if diff := cmp.Diff([]byte{0xC3, 0x00}, got.Payload); diff != "" {
		t.Errorf("reply payload mismatch (-want +got):\n%s", diff)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	n := newTestNode(t, 5, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ep := &scriptEndpoint{in: bytes.NewReader([]byte{0xFF, 0xFF})}
	if err := n.Run(ctx, ep); err != context.Canceled {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}
