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

package logging

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// CaptureSink writes a compressed, length-prefixed trace of every datagram
// it is shown to an underlying io.Writer, so a Debug-level hex-dump capture
// can run for a long session without the file growing at raw hex-dump
// volumes. Each record is snappy.Encode(hexDumpBytes), length-prefixed with
// a big-endian uint32.
type CaptureSink struct {
	mu   sync.Mutex
	w    io.Writer
	next Sink // optional: also forward to a live sink, e.g. a TextSink to stderr
}

// NewCaptureSink wraps w. If next is non-nil, every call is also forwarded
// to it after the capture record is written.
func NewCaptureSink(w io.Writer, next Sink) *CaptureSink {
	return &CaptureSink{w: w, next: next}
}

// Enabled always reports true for Debug so LogFrame captures are never
// skipped; other levels defer to next, if set.
func (c *CaptureSink) Enabled(level Level) bool {
	if level == Debug {
		return true
	}
	if c.next != nil {
		return c.next.Enabled(level)
	}
	return false
}

// Log forwards to next, if configured; captures happen via LogFrame.
func (c *CaptureSink) Log(level Level, message string) {
	if c.next != nil {
		c.next.Log(level, message)
	}
}

// LogFrame hex-dumps data, snappy-compresses the dump, and appends it as a
// length-prefixed record to the capture file. Write failures are reported to
// next, if configured, rather than returned, so LogFrame satisfies the same
// signature as TextSink.LogFrame.
func (c *CaptureSink) LogFrame(label string, data []byte) {
	rendered := []byte(label + "\n" + HexDump(data))
	compressed := snappy.Encode(nil, rendered)

	c.mu.Lock()
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(compressed)))
	_, lenErr := c.w.Write(lenPrefix[:])
	var recErr error
	if lenErr == nil {
		_, recErr = c.w.Write(compressed)
	}
	c.mu.Unlock()

	if c.next != nil {
		if err := lenErr; err != nil {
			c.next.Log(Error, errors.Wrap(err, "CaptureSink: write length prefix").Error())
		} else if recErr != nil {
			c.next.Log(Error, errors.Wrap(recErr, "CaptureSink: write record").Error())
		}
		c.next.Log(Debug, label+"\n"+HexDump(data))
	}
}

// ReadCaptureRecord reads one length-prefixed, snappy-compressed record
// from r and returns the decompressed hex-dump text it contains. Returns
// io.EOF when r is exhausted between records.
func ReadCaptureRecord(r io.Reader) (string, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	compressed := make([]byte, n)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return "", errors.Wrap(err, "ReadCaptureRecord: short record")
	}
	decompressed, err := snappy.Decode(nil, compressed)
	if err != nil {
		return "", errors.Wrap(err, "ReadCaptureRecord: snappy decode")
	}
	return string(decompressed), nil
}
