package claude

import (
	"bytes"
	"encoding/json"
	"log/slog"
)

// StreamParser incrementally parses the agent CLI's newline-delimited JSON
// stdout. It is stateful across chunks: a partial trailing line is carried
// over and completed by the next chunk, so events come out order-preserving
// and bit-for-bit identical to the stream's valid JSON lines regardless of
// chunk boundaries. Malformed lines are dropped and never block the pipeline.
type StreamParser struct {
	carry  []byte
	logger *slog.Logger
}

// NewStreamParser creates a parser. The logger may be nil.
func NewStreamParser(logger *slog.Logger) *StreamParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamParser{logger: logger}
}

// Feed consumes one chunk and returns the events completed by it, in order.
func (p *StreamParser) Feed(chunk []byte) []json.RawMessage {
	buf := append(p.carry, chunk...)
	lines := bytes.Split(buf, []byte("\n"))

	// The last element is a partial line (or empty); it becomes the new carry.
	last := lines[len(lines)-1]
	p.carry = append([]byte(nil), last...)
	lines = lines[:len(lines)-1]

	var events []json.RawMessage
	for _, line := range lines {
		if ev, ok := p.parseLine(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Flush parses whatever remains in the carry buffer as a final line. Call it
// once after the stream ends; streams that end with a newline flush nothing.
func (p *StreamParser) Flush() []json.RawMessage {
	line := p.carry
	p.carry = nil
	if ev, ok := p.parseLine(line); ok {
		return []json.RawMessage{ev}
	}
	return nil
}

func (p *StreamParser) parseLine(line []byte) (json.RawMessage, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	if !json.Valid(line) {
		p.logger.Debug("discarding malformed stream line", "bytes", len(line))
		return nil, false
	}
	cp := make([]byte, len(line))
	copy(cp, line)
	return json.RawMessage(cp), true
}
