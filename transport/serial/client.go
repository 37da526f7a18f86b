// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package serial

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	gridserial "github.com/grid-x/serial"

	"github.com/ffutop/cmri-gateway/cmri"
	"github.com/ffutop/cmri-gateway/internal/config"
	"github.com/ffutop/cmri-gateway/transport"
)

// Client drives the RS485 bus as the C/MRI host (Downstream). All
// transactions are serialized behind the port mutex: the bus is
// half-duplex and only ever carries one exchange at a time.
type Client struct {
	serialPort

	// ResponseTimeout bounds the wait for a node's reply to a Poll.
	ResponseTimeout time.Duration

	txBuf [cmri.MaxFrameLen]byte
}

// NewClient allocates and initializes a bus Client.
func NewClient(cfg config.SerialConfig, responseTimeout time.Duration) *Client {
	client := &Client{ResponseTimeout: responseTimeout}

	client.serialPort.Config.Address = cfg.Device
	client.serialPort.Config.BaudRate = cfg.BaudRate
	client.serialPort.Config.DataBits = cfg.DataBits
	client.serialPort.Config.StopBits = cfg.StopBits
	client.serialPort.Config.Parity = cfg.Parity
	// Per-read timeout; the overall reply deadline is enforced above it.
	client.serialPort.Config.Timeout = cfg.Timeout

	client.IdleTimeout = serialIdleTimeout
	return client
}

// Send writes one frame to the bus. For a Poll it then reads until the
// matching Receive arrives or the response timeout elapses
// (transport.ErrTimedOut); Init and Transmit complete on write.
func (c *Client) Send(ctx context.Context, pkt *cmri.Packet) (*cmri.Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	c.lastActivity = time.Now()
	c.startCloseTimer()

	n, err := pkt.Encode(c.txBuf[:])
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	slog.Debug("send to cmri node", "request", hex.EncodeToString(c.txBuf[:n]))
	if _, err := c.port.Write(c.txBuf[:n]); err != nil {
		c.close()
		return nil, err
	}

	// Hold off until the UART has drained onto the wire; the node may
	// start answering immediately after the stop byte and the RS485
	// driver must have released the line by then.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.drainDelay(n)):
	}

	if !pkt.Type.ExpectsReply() {
		return nil, nil
	}

	reply, err := c.readReply(ctx, pkt.Address, time.Now().Add(c.ResponseTimeout))
	if err != nil {
		return nil, err
	}
	slog.Debug("recv from cmri node", "response", reply.String())
	return reply, nil
}

// readReply scans the inbound byte stream through a fresh decoder until a
// Receive from addr completes or the deadline passes. Frames from other
// nodes and framing errors are skipped; resynchronization is the
// decoder's job.
func (c *Client) readReply(ctx context.Context, addr cmri.NodeAddress, deadline time.Time) (*cmri.Packet, error) {
	dec := cmri.NewDecoder(nil)
	dec.Filter(addr)

	buf := make([]byte, 1)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			return nil, transport.ErrTimedOut
		}

		n, err := c.port.Read(buf)
		if err != nil {
			if err == gridserial.ErrTimeout {
				continue
			}
			c.close()
			return nil, err
		}
		if n == 0 {
			continue
		}

		pkt, err := dec.Feed(buf[0])
		if err != nil {
			slog.Debug("framing error on bus", "err", err, "total", dec.FramingErrors())
			continue
		}
		if pkt == nil {
			continue
		}
		if pkt.Type != cmri.TypeReceive {
			slog.Debug("unexpected frame while awaiting reply", "packet", pkt.String())
			continue
		}
		return pkt.Clone(), nil
	}
}

// drainDelay is the time the frame needs to leave the UART, plus two
// byte times of slack for driver turnaround.
func (c *Client) drainDelay(frameLen int) time.Duration {
	baud := c.BaudRate
	if baud <= 0 {
		baud = 19200
	}
	byteTime := time.Duration(10 * int64(time.Second) / int64(baud))
	return time.Duration(frameLen+2) * byteTime
}
