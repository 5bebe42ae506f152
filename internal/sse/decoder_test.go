package sse

import (
	"testing"
)

const sampleStream = "event: job.progress\nid: 10\ndata: {\"a\":1}\n\n" +
	"event: job.log\nid: 11\ndata: {\"b\":2}\n\n"

func collect(d *Decoder, chunks ...string) []Frame {
	var frames []Frame
	for _, c := range chunks {
		frames = append(frames, d.Write([]byte(c))...)
	}
	return frames
}

func TestDecodeWholeFrames(t *testing.T) {
	frames := collect(NewDecoder(), sampleStream)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Event != "job.progress" || frames[0].ID != "10" || string(frames[0].Data) != `{"a":1}` {
		t.Fatalf("unexpected first frame: %+v", frames[0])
	}
	if frames[1].Event != "job.log" || frames[1].ID != "11" {
		t.Fatalf("unexpected second frame: %+v", frames[1])
	}
}

// Chunk boundaries must never change the decoded frames, wherever they fall.
func TestChunkSplitEquivalence(t *testing.T) {
	want := collect(NewDecoder(), sampleStream)
	for cut := 1; cut < len(sampleStream); cut++ {
		got := collect(NewDecoder(), sampleStream[:cut], sampleStream[cut:])
		if len(got) != len(want) {
			t.Fatalf("cut %d: got %d frames, want %d", cut, len(got), len(want))
		}
		for i := range want {
			if got[i].Event != want[i].Event || got[i].ID != want[i].ID || string(got[i].Data) != string(want[i].Data) {
				t.Fatalf("cut %d frame %d: got %+v want %+v", cut, i, got[i], want[i])
			}
		}
	}
}

func TestByteAtATime(t *testing.T) {
	d := NewDecoder()
	var frames []Frame
	for i := 0; i < len(sampleStream); i++ {
		frames = append(frames, d.Write([]byte{sampleStream[i]})...)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
}

func TestFrameWithoutDataDropped(t *testing.T) {
	frames := collect(NewDecoder(), "event: noop\nid: 5\n\n")
	if len(frames) != 0 {
		t.Fatalf("frame without data must be dropped, got %d", len(frames))
	}
}

func TestUnknownLinesIgnored(t *testing.T) {
	frames := collect(NewDecoder(), "retry: 3000\n: comment\nevent: x\ndata: {}\n\n")
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Event != "x" || string(frames[0].Data) != "{}" {
		t.Fatalf("unexpected frame: %+v", frames[0])
	}
}

func TestCRLFLines(t *testing.T) {
	frames := collect(NewDecoder(), "event: x\r\nid: 1\r\ndata: {}\r\n\n")
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].ID != "1" {
		t.Fatalf("CR not stripped: %+v", frames[0])
	}
}

func TestPartialFrameRetained(t *testing.T) {
	d := NewDecoder()
	frames := d.Write([]byte("event: x\ndata: {\"part\""))
	if len(frames) != 0 {
		t.Fatalf("partial frame must not be emitted")
	}
	if d.Pending() == 0 {
		t.Fatalf("partial bytes should be buffered")
	}
	frames = d.Write([]byte(":1}\n\n"))
	if len(frames) != 1 || string(frames[0].Data) != `{"part":1}` {
		t.Fatalf("unexpected completion: %+v", frames)
	}
	if d.Pending() != 0 {
		t.Fatalf("buffer should be drained")
	}
}

func TestReset(t *testing.T) {
	d := NewDecoder()
	d.Write([]byte("data: torn"))
	d.Reset()
	if d.Pending() != 0 {
		t.Fatalf("reset should drop pending bytes")
	}
	frames := d.Write([]byte("data: {}\n\n"))
	if len(frames) != 1 || string(frames[0].Data) != "{}" {
		t.Fatalf("decoder unusable after reset: %+v", frames)
	}
}
