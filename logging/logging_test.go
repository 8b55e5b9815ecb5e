package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestTextSinkThreshold(t *testing.T) {
	var buf bytes.Buffer
	sink := NewTextSink(&buf, Warning)

	sink.Log(Information, "should be filtered")
	if buf.Len() != 0 {
		t.Fatalf("expected Information to be filtered out, got %q", buf.String())
	}

	sink.Log(Error, "should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected message to be logged, got %q", buf.String())
	}
}

func TestHexDumpColumns(t *testing.T) {
	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i)
	}
	dump := HexDump(data)
	lines := strings.Split(dump, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 rows for 20 bytes, got %d: %q", len(lines), dump)
	}
	if !strings.Contains(lines[0], "06 07") {
		t.Fatalf("expected adjacent low columns rendered without gap: %q", lines[0])
	}
}

func TestCaptureSinkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cap := NewCaptureSink(&buf, nil)

	cap.LogFrame("frame-1", []byte{0xDE, 0xAD, 0xBE, 0xEF})
	cap.LogFrame("frame-2", []byte{0x01})

	rec1, err := ReadCaptureRecord(&buf)
	if err != nil {
		t.Fatalf("ReadCaptureRecord 1: %v", err)
	}
	if !strings.Contains(rec1, "frame-1") {
		t.Fatalf("record 1 missing label: %q", rec1)
	}

	rec2, err := ReadCaptureRecord(&buf)
	if err != nil {
		t.Fatalf("ReadCaptureRecord 2: %v", err)
	}
	if !strings.Contains(rec2, "frame-2") {
		t.Fatalf("record 2 missing label: %q", rec2)
	}
}

func TestDiscardSink(t *testing.T) {
	if Discard.Enabled(Error) {
		t.Fatalf("Discard should never be enabled")
	}
	Discard.Log(Error, "dropped") // must not panic
}
