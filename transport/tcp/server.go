// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/ffutop/cmri-gateway/cmri"
	"github.com/ffutop/cmri-gateway/transport"
)

// sessionBacklog bounds how many submitted requests a single session may
// have awaiting replies; a session filling it is slowed down, not the bus.
const sessionBacklog = 64

// Server accepts C/MRI-speaking TCP clients (Upstream). Each connection
// is one session carrying raw C/MRI frames, the same byte format as the
// serial bus; the server re-routes frames, it does not re-encode
// semantics.
type Server struct {
	Address string

	listener net.Listener
}

// NewServer creates a new TCP Server.
func NewServer(address string) *Server {
	return &Server{
		Address: address,
	}
}

// Start starts the TCP server.
func (s *Server) Start(ctx context.Context, submit transport.SubmitFunc) error {
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	s.listener = listener
	slog.Info("C/MRI TCP server listening", "addr", s.Address)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				slog.Error("Failed to accept connection", "err", err)
				continue
			}
		}
		go s.handleConnection(ctx, conn, submit)
	}
}

// Close closes the server listener.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// handleConnection runs one session. The reader decodes frames and
// submits them in arrival order; the writer delivers replies in that same
// order, so requests pipeline without reordering. Closing the connection
// cancels the session context, which purges its not-yet-sent queue
// entries; an already-sent transaction still completes on the bus and its
// result is discarded here.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn, submit transport.SubmitFunc) {
	defer conn.Close()
	session := conn.RemoteAddr().String()
	slog.Info("New TCP client connected", "addr", session)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	backlog := make(chan transport.Pending, sessionBacklog)
	go s.writeLoop(connCtx, cancel, conn, backlog)

	dec := cmri.NewDecoder(nil)
	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if err == io.EOF {
				slog.Info("TCP client disconnected gracefully", "addr", session)
			} else if connCtx.Err() == nil {
				slog.Error("Failed to read from connection", "addr", session, "err", err)
			}
			return
		}

		for _, b := range buf[:n] {
			pkt, err := dec.Feed(b)
			if err != nil {
				slog.Warn("framing error from TCP client", "addr", session, "err", err)
				continue
			}
			if pkt == nil {
				continue
			}

			pending, err := submit(connCtx, session, pkt)
			if err != nil {
				// C/MRI has no exception frame; the session simply
				// gets no reply for this request.
				slog.Warn("request rejected", "addr", session, "packet", pkt.String(), "err", err)
				continue
			}
			select {
			case backlog <- pending:
			case <-connCtx.Done():
				return
			}
		}
	}
}

// writeLoop delivers completed replies back to the session in FIFO order.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn net.Conn, backlog <-chan transport.Pending) {
	txBuf := make([]byte, cmri.MaxFrameLen)
	for {
		var pending transport.Pending
		select {
		case <-ctx.Done():
			return
		case pending = <-backlog:
		}

		var res transport.Result
		select {
		case <-ctx.Done():
			return
		case res = <-pending.Done():
		}

		if res.Err != nil {
			// Already logged at the point of failure; nothing to put
			// on the wire.
			continue
		}
		if res.Reply == nil {
			continue
		}

		n, err := res.Reply.Encode(txBuf)
		if err != nil {
			slog.Error("Failed to encode reply", "err", err)
			continue
		}
		if _, err := conn.Write(txBuf[:n]); err != nil {
			slog.Error("Failed to write reply to connection", "addr", conn.RemoteAddr(), "err", err)
			cancel()
			return
		}
	}
}
