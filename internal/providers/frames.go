package providers

import (
	"bytes"
	"encoding/json"

	"relay-api/internal/metrics"

	"go.uber.org/zap"
)

// FrameParser reassembles discrete stream events from an arbitrarily-chunked
// byte stream using line-delimited "data:" framing. A single event's JSON
// payload may span several network chunks, so complete lines are only emitted
// once their terminating newline has been seen; the remainder is carried over
// to the next Feed. It never blocks and never fails the stream: unparseable
// lines are logged and dropped.
type FrameParser struct {
	buf      []byte
	provider string
	log      *zap.SugaredLogger
}

func NewFrameParser(provider string, log *zap.SugaredLogger) *FrameParser {
	return &FrameParser{provider: provider, log: log}
}

// Feed appends one raw chunk and returns every event completed by it, in
// arrival order.
func (p *FrameParser) Feed(chunk []byte) []streamChunk {
	p.buf = append(p.buf, chunk...)

	boundary := bytes.LastIndexByte(p.buf, '\n')
	if boundary == -1 {
		return nil
	}

	complete := p.buf[:boundary]
	p.buf = append([]byte(nil), p.buf[boundary+1:]...)

	var out []streamChunk
	for _, line := range bytes.Split(complete, []byte("\n")) {
		if ev, ok := p.parseLine(line); ok {
			out = append(out, ev)
		}
	}
	return out
}

// Flush drains whatever is still buffered at stream end as a final candidate
// event.
func (p *FrameParser) Flush() []streamChunk {
	line := p.buf
	p.buf = nil
	if ev, ok := p.parseLine(line); ok {
		return []streamChunk{ev}
	}
	return nil
}

func (p *FrameParser) parseLine(line []byte) (streamChunk, bool) {
	line = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
	if len(line) == 0 || bytes.Equal(line, []byte("[DONE]")) {
		return streamChunk{}, false
	}

	var ev streamChunk
	if err := json.Unmarshal(line, &ev); err != nil {
		metrics.MalformedFrames.WithLabelValues(p.provider).Inc()
		p.log.Debugw("Dropping malformed stream frame", "provider", p.provider, "error", err, "frame", string(line))
		return streamChunk{}, false
	}
	return ev, true
}
