// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package serial

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	gridserial "github.com/grid-x/serial"

	"github.com/ffutop/cmri-gateway/cmri"
	"github.com/ffutop/cmri-gateway/internal/config"
	"github.com/ffutop/cmri-gateway/transport"
)

// mockPort satisfies io.ReadWriteCloser; reads come from the canned
// response, writes are captured for inspection.
type mockPort struct {
	io.Reader
	io.Writer
}

func (m *mockPort) Close() error { return nil }

// timeoutReader simulates a silent bus: every read times out.
type timeoutReader struct{}

func (timeoutReader) Read(p []byte) (int, error) { return 0, gridserial.ErrTimeout }

func mustEncode(t *testing.T, pkt cmri.Packet) []byte {
	t.Helper()
	buf := make([]byte, cmri.MaxFrameLen)
	n, err := pkt.Encode(buf)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return buf[:n]
}

func newTestClient(t *testing.T, port io.ReadWriteCloser, timeout time.Duration) *Client {
	t.Helper()
	client := NewClient(config.SerialConfig{BaudRate: 19200}, timeout)
	// Pre-setting the port makes connect() skip serial.Open.
	client.serialPort.port = port
	return client
}

func TestClient_Send_Poll(t *testing.T) {
	reply := mustEncode(t, cmri.Packet{Address: 3, Type: cmri.TypeReceive, Payload: []byte{0xAA, 0x10}})
	// Line noise and a foreign node's frame precede the reply.
	stream := append([]byte{0x00, 0xF7}, mustEncode(t, cmri.Packet{Address: 9, Type: cmri.TypeReceive})...)
	stream = append(stream, reply...)

	writer := &bytes.Buffer{}
	client := newTestClient(t, &mockPort{Reader: bytes.NewReader(stream), Writer: writer}, time.Second)

	req := &cmri.Packet{Address: 3, Type: cmri.TypePoll}
	resp, err := client.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if want := mustEncode(t, *req); !bytes.Equal(writer.Bytes(), want) {
		t.Errorf("request mismatch.\nWant: % X\nGot:  % X", want, writer.Bytes())
	}
	if resp == nil || resp.Address != 3 || resp.Type != cmri.TypeReceive {
		t.Fatalf("unexpected reply: %v", resp)
	}
	if !bytes.Equal(resp.Payload, []byte{0xAA, 0x10}) {
		t.Errorf("reply payload = % X", resp.Payload)
	}
}

func TestClient_Send_TransmitHasNoReply(t *testing.T) {
	writer := &bytes.Buffer{}
	// Reader would block forever; Transmit must not read at all.
	client := newTestClient(t, &mockPort{Reader: timeoutReader{}, Writer: writer}, 50*time.Millisecond)

	resp, err := client.Send(context.Background(), &cmri.Packet{Address: 1, Type: cmri.TypeTransmit, Payload: []byte{0x01}})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp != nil {
		t.Errorf("Transmit returned a reply: %v", resp)
	}
	if writer.Len() == 0 {
		t.Error("nothing written to the bus")
	}
}

func TestClient_Send_Timeout(t *testing.T) {
	client := newTestClient(t, &mockPort{Reader: timeoutReader{}, Writer: io.Discard}, 30*time.Millisecond)

	start := time.Now()
	_, err := client.Send(context.Background(), &cmri.Packet{Address: 2, Type: cmri.TypePoll})
	if err != transport.ErrTimedOut {
		t.Fatalf("Send error = %v, want %v", err, transport.ErrTimedOut)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestClient_Send_ContextCancelled(t *testing.T) {
	client := newTestClient(t, &mockPort{Reader: timeoutReader{}, Writer: io.Discard}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.Send(ctx, &cmri.Packet{Address: 2, Type: cmri.TypePoll})
	if err != context.Canceled {
		t.Fatalf("Send error = %v, want %v", err, context.Canceled)
	}
}
