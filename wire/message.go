// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package wire implements the bit-exact framing for the four message kinds
// exchanged between Peer and Controller: a 4-byte header followed by a
// type-specific payload.
package wire

import "github.com/pkg/errors"

// MessageType identifies the kind of a framed message.
type MessageType uint8

const (
	MessageNegotiationRequest  MessageType = 0x01 // Peer -> Controller
	MessageNegotiationResponse MessageType = 0x02 // Controller -> Peer
	MessageSampleUp            MessageType = 0x03 // Peer -> Controller
	MessageSampleDown          MessageType = 0x04 // Controller -> Peer
)

// HeaderSize is the fixed size, in bytes, of every message header.
const HeaderSize = 4

// Header is the 4-byte frame prefix common to all message kinds.
type Header struct {
	Type          MessageType
	PayloadLength uint16
}

// Frame prepends a header to payload and returns the full datagram.
func Frame(typ MessageType, payload []byte) []byte {
	w := NewBitWriter()
	w.WriteU8(uint8(typ))
	w.WriteU8(0) // reserved
	w.WriteU16(uint16(len(payload)))
	return append(w.Bytes(), payload...)
}

// ParseFrame decodes the header from the full datagram, then slices out the
// payload. This two-pass shape (decode header first, only then trust
// payloadLength to size the body) ensures truncated datagrams are rejected
// before any body parsing is attempted.
func ParseFrame(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, errors.New("wire: short header")
	}

	r := NewBitReader(buf[:HeaderSize])
	typ, _ := r.ReadU8()
	r.Skip(8) // reserved
	payloadLength, _ := r.ReadU16()

	hdr := Header{Type: MessageType(typ), PayloadLength: payloadLength}
	end := HeaderSize + int(payloadLength)
	if len(buf) < end {
		return Header{}, nil, errors.New("wire: short payload")
	}
	return hdr, buf[HeaderSize:end], nil
}

// NegotiationMessage is the shared payload shape for NegotiationRequest and
// NegotiationResponse: sessionId (may be 0) followed by peerId.
type NegotiationMessage struct {
	SessionID uint16
	PeerID    uint16
}

// Marshal encodes the negotiation payload (4 bytes).
func (m NegotiationMessage) Marshal() []byte {
	w := NewBitWriter()
	w.WriteU16(m.SessionID)
	w.WriteU16(m.PeerID)
	return w.Bytes()
}

// UnmarshalNegotiation decodes a negotiation payload.
func UnmarshalNegotiation(payload []byte) (NegotiationMessage, error) {
	r := NewBitReader(payload)
	sessionID, err := r.ReadU16()
	if err != nil {
		return NegotiationMessage{}, err
	}
	peerID, err := r.ReadU16()
	if err != nil {
		return NegotiationMessage{}, err
	}
	return NegotiationMessage{SessionID: sessionID, PeerID: peerID}, nil
}

// CommandType is the SampleUp "kind" field.
type CommandType uint8

const (
	CommandNone   CommandType = 0
	CommandStart  CommandType = 1
	CommandStop   CommandType = 2
	CommandReset  CommandType = 3
	CommandQuery  CommandType = 4
	CommandUpdate CommandType = 5
)

// StatusType is the SampleDown "kind" field.
type StatusType uint8

const (
	StatusUnknown  StatusType = 0
	StatusReady    StatusType = 1
	StatusRunning  StatusType = 2
	StatusPaused   StatusType = 3
	StatusError    StatusType = 4
	StatusComplete StatusType = 5
)

// SampleUpMessage is the Peer -> Controller payload: a command, a saturating
// signed value, a sequence number, and a fixed-point position.
type SampleUpMessage struct {
	SessionID   uint16
	PeerID      uint16
	Command     CommandType
	SignedValue int // logical range [-255, 255], saturates on Marshal
	Sequence    uint16
	Position    float64 // 16.16 fixed point
}

// Marshal encodes the SampleUp payload (12 bytes).
func (m SampleUpMessage) Marshal() []byte {
	sm := encodeSigned9(m.SignedValue)
	w := NewBitWriter()
	w.WriteU16(m.SessionID)
	w.WriteU16(m.PeerID)
	w.WriteBits(uint32(m.Command)&0x7, 3)
	w.WriteBool(sm.sign)
	w.WriteBits(uint32(sm.magnitude), 8)
	w.WriteBits(0, 4) // reserved
	w.WriteU16(m.Sequence)
	w.WriteFixed16_16(m.Position)
	return w.Bytes()
}

// UnmarshalSampleUp decodes a SampleUp payload.
func UnmarshalSampleUp(payload []byte) (SampleUpMessage, error) {
	r := NewBitReader(payload)
	var m SampleUpMessage
	var err error

	if m.SessionID, err = r.ReadU16(); err != nil {
		return m, err
	}
	if m.PeerID, err = r.ReadU16(); err != nil {
		return m, err
	}
	kind, err := r.ReadBits(3)
	if err != nil {
		return m, err
	}
	m.Command = CommandType(kind)
	sign, err := r.ReadBool()
	if err != nil {
		return m, err
	}
	magnitude, err := r.ReadBits(8)
	if err != nil {
		return m, err
	}
	m.SignedValue = decodeSigned9(sign, uint8(magnitude))
	if err = r.Skip(4); err != nil { // reserved
		return m, err
	}
	if m.Sequence, err = r.ReadU16(); err != nil {
		return m, err
	}
	if m.Position, err = r.ReadFixed16_16(); err != nil {
		return m, err
	}
	return m, nil
}

// SampleDownMessage is the Controller -> Peer payload: a status, a
// saturating signed value, a timestamp, and a fixed-point velocity.
type SampleDownMessage struct {
	SessionID   uint16
	PeerID      uint16
	Status      StatusType
	SignedValue int // logical range [-255, 255], saturates on Marshal
	Timestamp   uint16
	Velocity    float64 // 16.16 fixed point
}

// Marshal encodes the SampleDown payload (12 bytes).
func (m SampleDownMessage) Marshal() []byte {
	sm := encodeSigned9(m.SignedValue)
	w := NewBitWriter()
	w.WriteU16(m.SessionID)
	w.WriteU16(m.PeerID)
	w.WriteBits(uint32(m.Status)&0x7, 3)
	w.WriteBool(sm.sign)
	w.WriteBits(uint32(sm.magnitude), 8)
	w.WriteBits(0, 4) // reserved
	w.WriteU16(m.Timestamp)
	w.WriteFixed16_16(m.Velocity)
	return w.Bytes()
}

// UnmarshalSampleDown decodes a SampleDown payload.
func UnmarshalSampleDown(payload []byte) (SampleDownMessage, error) {
	r := NewBitReader(payload)
	var m SampleDownMessage
	var err error

	if m.SessionID, err = r.ReadU16(); err != nil {
		return m, err
	}
	if m.PeerID, err = r.ReadU16(); err != nil {
		return m, err
	}
	kind, err := r.ReadBits(3)
	if err != nil {
		return m, err
	}
	m.Status = StatusType(kind)
	sign, err := r.ReadBool()
	if err != nil {
		return m, err
	}
	magnitude, err := r.ReadBits(8)
	if err != nil {
		return m, err
	}
	m.SignedValue = decodeSigned9(sign, uint8(magnitude))
	if err = r.Skip(4); err != nil { // reserved
		return m, err
	}
	if m.Timestamp, err = r.ReadU16(); err != nil {
		return m, err
	}
	if m.Velocity, err = r.ReadFixed16_16(); err != nil {
		return m, err
	}
	return m, nil
}
