// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package cmri

import "errors"

var (
	// ErrMissingStop is returned when a frame with a known payload length
	// is not terminated by the stop byte where one was expected.
	ErrMissingStop = errors.New("cmri: expected stop byte")
	// ErrShortFrame is returned when a frame with a known payload length
	// ends before all of it arrived.
	ErrShortFrame = errors.New("cmri: frame ended before expected payload length")
)

// LengthResolver supplies the expected payload length for a frame, which
// depends on node hardware configuration the protocol header does not
// carry. Returning a negative value means "unknown": the decoder then
// reads payload bytes until an unescaped stop byte.
type LengthResolver func(addr NodeAddress, t MessageType) int

type decodeState uint8

const (
	stateIdle decodeState = iota
	stateAttn
	stateStart
	stateAddr
	stateType
	stateData
	stateEscape
	stateStop
)

// Decoder is an incremental, resynchronizing parser for C/MRI frames. It
// is fed one byte at a time and never blocks; a desynchronized stream
// recovers on the next preamble without outside help. The zero value is
// ready to use.
//
// Decoder is not safe for concurrent use.
type Decoder struct {
	// Lengths, if set, resolves the expected payload length per frame.
	Lengths LengthResolver

	state  decodeState
	packet Packet
	buf    [MaxPayloadLen]byte
	n      int
	expect int

	filter    *NodeAddress
	errCount  uint64
	completed uint64
}

// NewDecoder returns a decoder with an optional length resolver.
func NewDecoder(lengths LengthResolver) *Decoder {
	return &Decoder{Lengths: lengths}
}

// Filter restricts the decoder to frames addressed to addr; frames for
// other nodes are discarded without error. Used by the node runtime.
func (d *Decoder) Filter(addr NodeAddress) {
	a := addr
	d.filter = &a
}

// FramingErrors returns the number of framing errors seen so far.
func (d *Decoder) FramingErrors() uint64 { return d.errCount }

// Completed returns the number of frames decoded so far.
func (d *Decoder) Completed() uint64 { return d.completed }

// Reset discards any frame in progress.
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.n = 0
	d.expect = -1
}

// Feed consumes one byte from the stream. It returns (nil, nil) while a
// frame is incomplete, a completed packet, or a framing error. After an
// error the decoder has already resynchronized: the offending byte is
// re-scanned as a possible new preamble, so no data vanishes across a
// resync boundary. The returned packet aliases the decoder's internal
// buffer and is only valid until the next call to Feed.
func (d *Decoder) Feed(b byte) (*Packet, error) {
	switch d.state {
	case stateIdle:
		if b == PreambleByte {
			d.n = 0
			d.expect = -1
			d.state = stateAttn
		}
		// Anything else is inter-frame noise.

	case stateAttn:
		if b == PreambleByte {
			d.state = stateStart
		} else {
			d.state = stateIdle
		}

	case stateStart:
		switch b {
		case StartByte:
			d.state = stateAddr
		case PreambleByte:
			// Still in a preamble run; stay armed.
		default:
			d.state = stateIdle
		}

	case stateAddr:
		addr, err := UnitToAddress(b)
		if err != nil {
			return nil, d.fail(b, err)
		}
		if d.filter != nil && addr != *d.filter {
			// Not our frame; discard quietly.
			d.state = stateIdle
			return nil, nil
		}
		d.packet.Address = addr
		d.state = stateType

	case stateType:
		t := MessageType(b)
		if !t.Valid() {
			return nil, d.fail(b, ErrInvalidMessageType)
		}
		d.packet.Type = t
		d.expect = -1
		if d.Lengths != nil {
			if n := d.Lengths(d.packet.Address, t); n >= 0 && n <= MaxPayloadLen {
				d.expect = n
			}
		}
		if d.expect == 0 {
			d.state = stateStop
		} else {
			d.state = stateData
		}

	case stateData:
		switch b {
		case EscapeByte:
			d.state = stateEscape
		case StopByte:
			// With a resolved length the decoder leaves stateData only
			// through push; a raw stop byte here means the frame is
			// short of the promised payload.
			if d.expect >= 0 {
				return nil, d.fail(b, ErrShortFrame)
			}
			return d.complete(), nil
		default:
			if err := d.push(b); err != nil {
				return nil, d.fail(b, err)
			}
		}

	case stateEscape:
		// The escaped byte is always literal data.
		if err := d.push(b); err != nil {
			return nil, d.fail(b, err)
		}
		if d.state == stateEscape {
			d.state = stateData
		}

	case stateStop:
		if b == StopByte {
			return d.complete(), nil
		}
		return nil, d.fail(b, ErrMissingStop)
	}
	return nil, nil
}

func (d *Decoder) push(b byte) error {
	if d.n == MaxPayloadLen {
		return ErrPayloadTooLong
	}
	d.buf[d.n] = b
	d.n++
	if d.n == d.expect {
		d.state = stateStop
	}
	return nil
}

func (d *Decoder) complete() *Packet {
	d.packet.Payload = d.buf[:d.n]
	d.completed++
	d.Reset()
	return &d.packet
}

// fail records a framing error and re-scans the offending byte so a
// preamble in that position still starts a new frame.
func (d *Decoder) fail(b byte, err error) error {
	d.errCount++
	d.Reset()
	if b == PreambleByte {
		d.state = stateAttn
	}
	return err
}
