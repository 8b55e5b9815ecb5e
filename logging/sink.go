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

// Package logging is the write-only diagnostic sink consumed by the
// transport and engine packages. The application owns the sink; the core
// never reads logs back or depends on a particular backend.
package logging

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Level orders the severities a Sink can filter on.
type Level int

const (
	Debug Level = iota
	Information
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Information:
		return "INFO"
	case Warning:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Sink is the logging interface consumed by the core. Implementations
// decide their own formatting and destination; the core calls Enabled and
// Log, and additionally LogFrame(label, data) on sinks that provide it.
type Sink interface {
	// Enabled reports whether a message at level would be emitted, letting
	// callers skip building expensive messages (like hex dumps) up front.
	Enabled(level Level) bool
	Log(level Level, message string)
}

// TextSink writes level-filtered lines to an io.Writer. Debug-level calls to
// LogFrame additionally render a 16-byte-per-row hex dump, with a blank
// column between bytes 8 and 9 of each row.
type TextSink struct {
	mu        sync.Mutex
	w         io.Writer
	threshold Level
}

// NewTextSink returns a TextSink writing to w, emitting only messages at or
// above threshold.
func NewTextSink(w io.Writer, threshold Level) *TextSink {
	return &TextSink{w: w, threshold: threshold}
}

// Enabled reports whether level passes the configured threshold.
func (s *TextSink) Enabled(level Level) bool {
	return level >= s.threshold
}

// Log writes a single level-prefixed line.
func (s *TextSink) Log(level Level, message string) {
	if !s.Enabled(level) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "[%s] %s\n", level, message)
}

// LogFrame logs a datagram at Debug level, prefixed by label and followed by
// its hex dump.
func (s *TextSink) LogFrame(label string, data []byte) {
	if !s.Enabled(Debug) {
		return
	}
	s.Log(Debug, label+"\n"+HexDump(data))
}

// HexDump renders data as 16-byte rows, offset-prefixed, with a separating
// space between columns 8 and 9.
func HexDump(data []byte) string {
	var b strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		end := offset + 16
		if end > len(data) {
			end = len(data)
		}
		row := data[offset:end]

		fmt.Fprintf(&b, "%08x  ", offset)
		for i := 0; i < 16; i++ {
			if i == 8 {
				b.WriteByte(' ')
			}
			if i < len(row) {
				fmt.Fprintf(&b, "%02x ", row[i])
			} else {
				b.WriteString("   ")
			}
		}
		b.WriteString(" |")
		for _, c := range row {
			if c >= 0x20 && c < 0x7f {
				b.WriteByte(c)
			} else {
				b.WriteByte('.')
			}
		}
		b.WriteString("|")
		if offset+16 < len(data) {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Discard is a Sink that drops every message; useful as a default when the
// caller does not want diagnostics.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Enabled(Level) bool { return false }
func (discardSink) Log(Level, string)  {}
