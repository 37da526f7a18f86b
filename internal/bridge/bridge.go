// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ffutop/cmri-gateway/cmri"
	"github.com/ffutop/cmri-gateway/transport"
)

var (
	// ErrQueueFull signals backpressure to a submitting session; the
	// caller decides whether to retry.
	ErrQueueFull = errors.New("bridge: request queue full")
	// ErrBusUnavailable completes transactions that were queued or in
	// flight when the bus transport failed.
	ErrBusUnavailable = errors.New("bridge: bus unavailable")
	// ErrSessionClosed completes queued transactions whose session went
	// away before they were written to the bus.
	ErrSessionClosed = errors.New("bridge: session closed")
)

// Transaction states. At most one transaction is in StateSent or
// StateAwaitingResponse at any instant: RS485 has no collision detection,
// so this serialization is the only thing keeping frames from
// interleaving on the wire.
const (
	StateQueued int32 = iota
	StateSent
	StateAwaitingResponse
	StateCompleted
	StateTimedOut
)

// Transaction is one request/response cycle on the bus. Owned exclusively
// by the Bridge; sessions only ever see the Result channel.
type Transaction struct {
	id       uint64
	session  string
	request  *cmri.Packet
	ctx      context.Context // session lifetime; done means "purge if unsent"
	queuedAt time.Time
	state    atomic.Int32
	done     chan transport.Result
}

// State returns the transaction's current state.
func (tx *Transaction) State() int32 { return tx.state.Load() }

// Config holds the bridge's deployment parameters.
type Config struct {
	// QueueDepth bounds the pending request queue shared by all sessions.
	QueueDepth int
	// ResponseTimeout bounds how long a Sent poll may await its reply.
	ResponseTimeout time.Duration
	// RequestPause separates consecutive transactions on the bus.
	RequestPause time.Duration
	// ReconnectBackoff is the initial delay between bus reopen attempts;
	// it doubles up to ReconnectBackoffMax.
	ReconnectBackoff    time.Duration
	ReconnectBackoffMax time.Duration
}

func (c *Config) fixup() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 100
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 500 * time.Millisecond
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = time.Second
	}
	if c.ReconnectBackoffMax <= 0 {
		c.ReconnectBackoffMax = 30 * time.Second
	}
}

// Bridge owns the single bus transport and arbitrates access to it.
// Sessions submit requests concurrently; a single worker goroutine writes
// them to the bus one at a time in strict arrival order.
type Bridge struct {
	Name string

	bus   transport.Downstream
	cfg   Config
	queue chan *Transaction

	nextID   atomic.Uint64
	inflight atomic.Int32
	down     atomic.Bool
}

// New creates a Bridge over the given bus transport.
func New(name string, bus transport.Downstream, cfg Config) *Bridge {
	cfg.fixup()
	return &Bridge{
		Name:  name,
		bus:   bus,
		cfg:   cfg,
		queue: make(chan *Transaction, cfg.QueueDepth),
	}
}

// Inflight reports how many transactions are currently on the bus.
// It can only ever read 0 or 1.
func (b *Bridge) Inflight() int32 { return b.inflight.Load() }

// Submit enqueues a request for the bus. It never blocks: when the queue
// is at capacity it fails immediately with ErrQueueFull, and when the bus
// transport is down it fails with ErrBusUnavailable. sessionCtx is the
// lifetime of the submitting session; if it ends before the request is
// written to the bus the entry is purged. The returned channel delivers
// exactly one Result.
func (b *Bridge) Submit(sessionCtx context.Context, session string, pkt *cmri.Packet) (*Transaction, error) {
	if b.down.Load() {
		return nil, ErrBusUnavailable
	}
	tx := &Transaction{
		id:       b.nextID.Add(1),
		session:  session,
		request:  pkt.Clone(),
		ctx:      sessionCtx,
		queuedAt: time.Now(),
		done:     make(chan transport.Result, 1),
	}
	select {
	case b.queue <- tx:
		return tx, nil
	default:
		return nil, ErrQueueFull
	}
}

// Wait blocks until the transaction completes or ctx ends.
func (tx *Transaction) Wait(ctx context.Context) (transport.Result, error) {
	select {
	case res := <-tx.done:
		return res, nil
	case <-ctx.Done():
		return transport.Result{}, ctx.Err()
	}
}

// Done exposes the completion channel for callers multiplexing several
// transactions.
func (tx *Transaction) Done() <-chan transport.Result { return tx.done }

// Run connects the bus and processes the queue until ctx ends. It is the
// only goroutine that touches the bus, which is what enforces the
// one-outstanding-transaction rule.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.bus.Close()

	if err := b.connectWithBackoff(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case tx := <-b.queue:
			if tx.ctx.Err() != nil {
				// Session went away before the request reached the
				// bus; it never had physical effect, so drop it.
				tx.deliver(transport.Result{Err: ErrSessionClosed})
				continue
			}
			b.dispatch(ctx, tx)

			if b.cfg.RequestPause > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(b.cfg.RequestPause):
				}
			}
		}
	}
}

// dispatch writes one transaction to the bus and completes it. A session
// disconnecting at this point no longer cancels the transaction: the
// frame is on the wire and must run to completion or timeout.
func (b *Bridge) dispatch(ctx context.Context, tx *Transaction) {
	b.inflight.Add(1)
	defer b.inflight.Add(-1)

	tx.state.Store(StateSent)
	if tx.request.Type.ExpectsReply() {
		tx.state.Store(StateAwaitingResponse)
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.cfg.ResponseTimeout+time.Second)
	defer cancel()

	reply, err := b.bus.Send(sendCtx, tx.request)
	switch {
	case err == nil:
		tx.state.Store(StateCompleted)
		tx.deliver(transport.Result{Reply: reply})
	case errors.Is(err, transport.ErrTimedOut) || errors.Is(err, context.DeadlineExceeded):
		tx.state.Store(StateTimedOut)
		slog.Warn("node not responding", "bridge", b.Name, "addr", tx.request.Address, "session", tx.session)
		tx.deliver(transport.Result{Err: transport.ErrTimedOut})
	default:
		// The transport itself failed. Refuse new submissions before
		// completing this transaction: a session reacting to the
		// failure result must not slip a retry into the queue while
		// the reconnect is still draining it.
		slog.Error("bus transport failed", "bridge", b.Name, "err", err)
		b.down.Store(true)
		tx.deliver(transport.Result{Err: ErrBusUnavailable})
		b.bus.Close()
		b.connectWithBackoff(ctx)
	}
}

// connectWithBackoff (re)opens the bus, failing all queued and incoming
// transactions with ErrBusUnavailable until it succeeds.
func (b *Bridge) connectWithBackoff(ctx context.Context) error {
	b.down.Store(true)
	defer b.down.Store(false)

	backoff := b.cfg.ReconnectBackoff
	for {
		b.failPending()

		err := b.bus.Connect(ctx)
		if err == nil {
			slog.Info("bus connected", "bridge", b.Name)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("bus connect failed, retrying", "bridge", b.Name, "err", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > b.cfg.ReconnectBackoffMax {
			backoff = b.cfg.ReconnectBackoffMax
		}
	}
}

// failPending drains the queue, completing every entry with
// ErrBusUnavailable.
func (b *Bridge) failPending() {
	for {
		select {
		case tx := <-b.queue:
			tx.deliver(transport.Result{Err: ErrBusUnavailable})
		default:
			return
		}
	}
}

func (tx *Transaction) deliver(res transport.Result) {
	// done is buffered and written exactly once; if the session has
	// already gone the result is simply discarded.
	tx.done <- res
}
