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

package wire

import "github.com/pkg/errors"

// ErrOutOfRange is returned by the bit codec when a write requests a bit
// count outside [1,32], or a read asks for more bits than remain.
var ErrOutOfRange = errors.New("wire: out of range")

// BitWriter packs values MSB-first into a growable byte buffer. Bits fill
// each byte from bit 7 down to bit 0, and multi-byte integers are written in
// big-endian order one bit-group at a time.
type BitWriter struct {
	buf    []byte
	bitPos uint // number of bits already used in the last byte of buf
}

// NewBitWriter returns an empty BitWriter.
func NewBitWriter() *BitWriter {
	return &BitWriter{}
}

// WriteBits writes the low n bits of value, MSB first. n must be in [1,32].
func (w *BitWriter) WriteBits(value uint32, n int) error {
	if n < 1 || n > 32 {
		return errors.Wrapf(ErrOutOfRange, "writeBits: n=%d", n)
	}

	for i := n - 1; i >= 0; i-- {
		bit := byte((value >> uint(i)) & 1)
		w.writeBit(bit)
	}
	return nil
}

func (w *BitWriter) writeBit(bit byte) {
	if w.bitPos == 0 {
		w.buf = append(w.buf, 0)
	}
	last := len(w.buf) - 1
	shift := 7 - w.bitPos
	w.buf[last] |= bit << shift

	w.bitPos++
	if w.bitPos == 8 {
		w.bitPos = 0
	}
}

// WriteBool writes a single bit: 1 for true, 0 for false.
func (w *BitWriter) WriteBool(v bool) error {
	if v {
		return w.WriteBits(1, 1)
	}
	return w.WriteBits(0, 1)
}

// WriteU8 writes an unsigned 8-bit value.
func (w *BitWriter) WriteU8(v uint8) error {
	return w.WriteBits(uint32(v), 8)
}

// WriteU16 writes an unsigned 16-bit value, big-endian.
func (w *BitWriter) WriteU16(v uint16) error {
	return w.WriteBits(uint32(v), 16)
}

// WriteU32 writes an unsigned 32-bit value, big-endian.
func (w *BitWriter) WriteU32(v uint32) error {
	return w.WriteBits(v, 32)
}

// WriteI32 writes a signed 32-bit value as its two's-complement bit pattern.
func (w *BitWriter) WriteI32(v int32) error {
	return w.WriteBits(uint32(v), 32)
}

// WriteFixed16_16 encodes x as a saturating signed 16.16 fixed-point value.
func (w *BitWriter) WriteFixed16_16(x float64) error {
	return w.WriteI32(ToFixed16_16(x))
}

// Bytes returns the packed buffer. The final byte is zero-padded if the
// written bit count is not a multiple of 8.
func (w *BitWriter) Bytes() []byte {
	return w.buf
}

// Len returns the number of whole bytes produced so far, rounding up.
func (w *BitWriter) Len() int {
	return len(w.buf)
}

// BitReader reads MSB-first bit-packed values out of a fixed byte slice.
type BitReader struct {
	buf    []byte
	bitPos uint // bit offset from the start of buf, 0..len(buf)*8
}

// NewBitReader wraps buf for bit-level reading.
func NewBitReader(buf []byte) *BitReader {
	return &BitReader{buf: buf}
}

// RemainingBits reports how many bits are left to read.
func (r *BitReader) RemainingBits() int {
	return len(r.buf)*8 - int(r.bitPos)
}

// Skip advances the read position by n bits without decoding them.
func (r *BitReader) Skip(n int) error {
	if n < 0 || n > r.RemainingBits() {
		return errors.Wrapf(ErrOutOfRange, "skip: n=%d remaining=%d", n, r.RemainingBits())
	}
	r.bitPos += uint(n)
	return nil
}

// ReadBits reads n bits, MSB first, and returns them right-aligned in the
// low n bits of the result. n must be in [1,32].
func (r *BitReader) ReadBits(n int) (uint32, error) {
	if n < 1 || n > 32 {
		return 0, errors.Wrapf(ErrOutOfRange, "readBits: n=%d", n)
	}
	if n > r.RemainingBits() {
		return 0, errors.Wrapf(ErrOutOfRange, "readBits: n=%d remaining=%d", n, r.RemainingBits())
	}

	var out uint32
	for i := 0; i < n; i++ {
		byteIdx := r.bitPos / 8
		shift := 7 - (r.bitPos % 8)
		bit := (r.buf[byteIdx] >> shift) & 1
		out = (out << 1) | uint32(bit)
		r.bitPos++
	}
	return out, nil
}

// ReadBool reads a single bit as a bool.
func (r *BitReader) ReadBool() (bool, error) {
	v, err := r.ReadBits(1)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ReadU8 reads an unsigned 8-bit value.
func (r *BitReader) ReadU8() (uint8, error) {
	v, err := r.ReadBits(8)
	return uint8(v), err
}

// ReadU16 reads an unsigned 16-bit value, big-endian.
func (r *BitReader) ReadU16() (uint16, error) {
	v, err := r.ReadBits(16)
	return uint16(v), err
}

// ReadU32 reads an unsigned 32-bit value, big-endian.
func (r *BitReader) ReadU32() (uint32, error) {
	return r.ReadBits(32)
}

// ReadI32 reads a signed 32-bit value from its two's-complement bit pattern.
func (r *BitReader) ReadI32() (int32, error) {
	v, err := r.ReadBits(32)
	return int32(v), err
}

// ReadFixed16_16 reads a signed 16.16 fixed-point value and converts it to
// a float64.
func (r *BitReader) ReadFixed16_16() (float64, error) {
	v, err := r.ReadI32()
	if err != nil {
		return 0, err
	}
	return FromFixed16_16(v), nil
}
