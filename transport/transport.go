// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"errors"

	"github.com/ffutop/cmri-gateway/cmri"
)

// ErrTimedOut is returned when a polled node does not answer within the
// response deadline. It is a result, not a failure of the transport: a
// silent bus must never stall the poll cycle.
var ErrTimedOut = errors.New("transport: node did not respond within deadline")

// Result completes one bus transaction. Reply is nil for request types
// that solicit none (Init, Transmit) and on error.
type Result struct {
	Reply *cmri.Packet
	Err   error
}

// Pending is a handle to a submitted but not yet completed transaction.
// Done delivers exactly one Result.
type Pending interface {
	Done() <-chan Result
}

// SubmitFunc enqueues one request for the bus on behalf of session. It
// must not block: when the bus arbiter cannot accept the request it
// fails immediately (backpressure). sessionCtx is the lifetime of the
// submitting session; ending it purges the entry if it has not yet been
// written to the bus.
type SubmitFunc func(sessionCtx context.Context, session string, pkt *cmri.Packet) (Pending, error)

// Upstream is a source of requests: control software connected to us.
// It acts as a server.
type Upstream interface {
	// Start starts the server and blocks. It should be called in a goroutine.
	Start(ctx context.Context, submit SubmitFunc) error
	Close() error
}

// Downstream is the bus of nodes we drive. It acts as a client.
// Implementations must serialize Send internally: the bus is half-duplex
// and carries at most one transaction at a time.
type Downstream interface {
	// Send writes pkt to the bus and, for packet types that expect a
	// reply, reads the matching response or returns ErrTimedOut. Other
	// errors indicate the transport itself failed.
	Send(ctx context.Context, pkt *cmri.Packet) (*cmri.Packet, error)
	Connect(ctx context.Context) error
	Close() error
}
