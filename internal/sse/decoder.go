// Package sse decodes the engine's text event stream into discrete frames.
//
// Frames are blank-line delimited. Within a frame each line is a tagged
// field ("event:", "id:", "data:"); unrecognized tags are ignored. A frame
// is only emitted once a data field is present.
package sse

import (
	"bytes"
	"strings"
)

// Frame is one complete wire frame.
type Frame struct {
	Event string
	ID    string
	Data  []byte
}

// HasData reports whether the frame carried a data field. Frames without
// data are incomplete and must not be dispatched.
func (f Frame) HasData() bool { return f.Data != nil }

// Decoder accumulates stream chunks and yields complete frames. Chunk
// boundaries may fall anywhere, including mid-field; the trailing partial
// frame is retained for the next Write.
type Decoder struct {
	pending []byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder { return &Decoder{} }

// Write appends chunk to the internal buffer and returns all frames that
// became complete. Frames missing a data field are dropped here; payload
// validation is the caller's concern.
func (d *Decoder) Write(chunk []byte) []Frame {
	d.pending = append(d.pending, chunk...)

	var frames []Frame
	for {
		idx := bytes.Index(d.pending, []byte("\n\n"))
		if idx < 0 {
			break
		}
		block := d.pending[:idx]
		d.pending = d.pending[idx+2:]

		if f, ok := parseFrame(block); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

// Pending returns the number of buffered bytes awaiting a frame terminator.
func (d *Decoder) Pending() int { return len(d.pending) }

// Reset discards any buffered partial frame. Used when a connection is
// replaced so a torn frame from the old stream cannot prefix the new one.
func (d *Decoder) Reset() { d.pending = nil }

func parseFrame(block []byte) (Frame, bool) {
	var f Frame
	for _, raw := range bytes.Split(block, []byte("\n")) {
		line := strings.TrimSuffix(string(raw), "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			f.Event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "id:"):
			f.ID = strings.TrimSpace(line[len("id:"):])
		case strings.HasPrefix(line, "data:"):
			f.Data = []byte(strings.TrimSpace(line[len("data:"):]))
		default:
			// Unknown tags and stray lines are ignored, never fatal.
		}
	}
	if !f.HasData() {
		return Frame{}, false
	}
	return f, true
}
