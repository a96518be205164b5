package providers

import "strings"

// Frame is one decoded event-stream frame: an optional event name and the
// data lines joined with newline.
type Frame struct {
	Event string
	Data  string
}

// SSEParser is a protocol-agnostic line-oriented event-stream decoder. Feed
// it raw text chunks as they arrive off the wire; it returns complete frames
// and buffers partial trailing lines across calls.
//
// Not safe for concurrent use; one parser serves one stream.
type SSEParser struct {
	partial string   // trailing line fragment carried between Feed calls
	event   string   // event: field of the frame being accumulated
	data    []string // data: lines of the frame being accumulated
}

// NewSSEParser returns a parser ready for a fresh stream.
func NewSSEParser() *SSEParser {
	return &SSEParser{}
}

// Feed consumes one raw chunk and returns all frames completed by it.
// Frames are delimited by blank lines; comment lines (leading ':') are
// ignored.
func (p *SSEParser) Feed(chunk string) []Frame {
	var frames []Frame

	buf := p.partial + chunk
	for {
		idx := strings.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSuffix(buf[:idx], "\r")
		buf = buf[idx+1:]

		if line == "" {
			if frame, ok := p.flush(); ok {
				frames = append(frames, frame)
			}
			continue
		}
		p.feedLine(line)
	}
	p.partial = buf

	return frames
}

// Reset clears all buffered partial state. Required whenever a new logical
// stream begins on the same parser instance.
func (p *SSEParser) Reset() {
	p.partial = ""
	p.event = ""
	p.data = nil
}

// flush closes the frame under accumulation. Frames with neither an event
// name nor data (e.g. consecutive blank lines) are dropped.
func (p *SSEParser) flush() (Frame, bool) {
	if p.event == "" && p.data == nil {
		return Frame{}, false
	}
	frame := Frame{Event: p.event, Data: strings.Join(p.data, "\n")}
	p.event = ""
	p.data = nil
	return frame, true
}

func (p *SSEParser) feedLine(line string) {
	if strings.HasPrefix(line, ":") {
		return // comment
	}

	field, value := line, ""
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		field = line[:idx]
		value = strings.TrimPrefix(line[idx+1:], " ")
	}

	switch field {
	case "event":
		p.event = value
	case "data":
		p.data = append(p.data, value)
	}
}
