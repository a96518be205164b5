package providers

import "testing"

func TestSSEParser_SplitAcrossChunks(t *testing.T) {
	p := NewSSEParser()

	frames := p.Feed("event: message_start\nda")
	if len(frames) != 0 {
		t.Fatalf("expected no frames yet, got %d", len(frames))
	}

	frames = p.Feed("ta: {\"a\":1}\n\n")
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Event != "message_start" {
		t.Errorf("event = %q", frames[0].Event)
	}
	if frames[0].Data != `{"a":1}` {
		t.Errorf("data = %q", frames[0].Data)
	}
}

func TestSSEParser_MultiDataLines(t *testing.T) {
	p := NewSSEParser()
	frames := p.Feed("data: one\ndata: two\n\n")
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Data != "one\ntwo" {
		t.Errorf("data lines not joined with newline: %q", frames[0].Data)
	}
}

func TestSSEParser_CommentsAndCRLF(t *testing.T) {
	p := NewSSEParser()
	frames := p.Feed(": keepalive\r\ndata: x\r\n\r\ndata: y\n\n")
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Data != "x" || frames[1].Data != "y" {
		t.Errorf("frames = %+v", frames)
	}
}

func TestSSEParser_BlankLinesBetweenFrames(t *testing.T) {
	p := NewSSEParser()
	frames := p.Feed("data: a\n\n\n\ndata: b\n\n")
	if len(frames) != 2 {
		t.Fatalf("empty frames should be dropped, got %d frames", len(frames))
	}
}

func TestSSEParser_Reset(t *testing.T) {
	p := NewSSEParser()
	p.Feed("data: stale partial")
	p.Reset()

	frames := p.Feed("data: fresh\n\n")
	if len(frames) != 1 || frames[0].Data != "fresh" {
		t.Fatalf("reset did not clear buffered state: %+v", frames)
	}
}

func TestSSEParser_NoSpaceAfterColon(t *testing.T) {
	p := NewSSEParser()
	frames := p.Feed("data:[DONE]\n\n")
	if len(frames) != 1 || frames[0].Data != "[DONE]" {
		t.Fatalf("frames = %+v", frames)
	}
}
