package wire

import (
	"encoding/binary"
	"fmt"
)

// phase tracks which part of the current frame the Decoder is accumulating.
type phase int

const (
	phaseOpcode phase = iota
	phaseLength
	phaseBody
)

// Decoder is a pull-style, non-blocking state machine: Feed never blocks and
// yields a Message only once its body has fully arrived. Partial state
// (opcode read, length read, N of L body bytes accumulated) survives across
// calls to Feed, so callers can hand it bytes as they arrive off the wire.
type Decoder struct {
	phase  phase
	opcode Opcode
	length uint32
	body   []byte

	compound    bool
	compoundHdr Message
	sink        *CompoundSink
}

// NewDecoder creates a Decoder with no compound-transfer sink configured.
// Use NewDecoderWithSink to stream FileTransfer payloads to a temp file.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// NewDecoderWithSink creates a Decoder that streams TransmitData payloads
// for an open FileTransfer to sink.
func NewDecoderWithSink(sink *CompoundSink) *Decoder {
	return &Decoder{sink: sink}
}

// Feed appends bytes to the decoder and returns every message completed by
// this call, in arrival order. Bytes past the end of the last completed
// message remain buffered internally for the next call.
func (d *Decoder) Feed(data []byte) ([]Message, error) {
	var out []Message
	for len(data) > 0 {
		var msg *Message
		var err error
		msg, data, err = d.step(data)
		if err != nil {
			return out, err
		}
		if msg != nil {
			out = append(out, *msg)
		}
	}
	return out, nil
}

// step consumes as much of data as is needed to advance one phase (or
// complete one message) and returns the remainder.
func (d *Decoder) step(data []byte) (*Message, []byte, error) {
	switch d.phase {
	case phaseOpcode:
		d.opcode = Opcode(data[0])
		d.phase = phaseLength
		d.length = 0
		d.body = nil
		return nil, data[1:], nil

	case phaseLength:
		// Accumulate the 4-byte length across calls, one byte at a time,
		// using d.body as scratch space before it becomes the real body.
		need := 4 - len(d.body)
		n := need
		if n > len(data) {
			n = len(data)
		}
		d.body = append(d.body, data[:n]...)
		data = data[n:]
		if len(d.body) < 4 {
			return nil, data, nil
		}
		d.length = binary.LittleEndian.Uint32(d.body)
		d.body = make([]byte, 0, d.length)
		d.phase = phaseBody
		if d.length == 0 {
			return d.completeFrame(data)
		}
		return nil, data, nil

	case phaseBody:
		remaining := int(d.length) - len(d.body)
		n := remaining
		if n > len(data) {
			n = len(data)
		}
		d.body = append(d.body, data[:n]...)
		data = data[n:]
		if len(d.body) < int(d.length) {
			return nil, data, nil
		}
		return d.completeFrame(data)

	default:
		return nil, data, fmt.Errorf("wire: decoder in unknown phase")
	}
}

// completeFrame finalises the current frame, resets phase state for the
// next frame, and applies compound-message bookkeeping.
func (d *Decoder) completeFrame(rest []byte) (*Message, []byte, error) {
	msg := Message{Opcode: d.opcode, Body: d.body}
	d.phase = phaseOpcode
	d.length = 0
	d.body = nil

	out, err := d.applyCompound(msg)
	return out, rest, err
}

// applyCompound folds a FileTransfer/TransmitData/Finished sequence into a
// single delivered Message (the FileTransfer header, delivered on Finished),
// per spec.md §4.1. Non-compound messages pass through untouched.
func (d *Decoder) applyCompound(msg Message) (*Message, error) {
	switch {
	case msg.Opcode == OpFileTransfer && !d.compound:
		d.compound = true
		d.compoundHdr = msg
		if d.sink != nil {
			if err := d.sink.Open(string(msg.Body)); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case msg.Opcode == OpTransmitData && d.compound:
		if d.sink != nil {
			if err := d.sink.Write(msg.Body); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case msg.Opcode == OpFinished && d.compound:
		d.compound = false
		hdr := d.compoundHdr
		if d.sink != nil {
			if err := d.sink.Close(); err != nil {
				return nil, err
			}
		}
		return &hdr, nil

	case d.compound:
		// Any other opcode while a compound is open is a framing error.
		return nil, fmt.Errorf("wire: unexpected opcode %s while FileTransfer is open", msg.Opcode)

	default:
		return &msg, nil
	}
}
