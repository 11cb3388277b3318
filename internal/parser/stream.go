package parser

import "strings"

// Default bounds for a StreamParser.
const (
	DefaultMaxBuffer = 256 << 10
	DefaultMaxSeen   = 1024
)

// StreamParser incrementally parses text that arrives in chunks. Text up
// to the end of the last complete block is discarded after parsing, so the
// retained buffer only holds a possibly unfinished block. Directives are
// reported once per Key.
type StreamParser struct {
	buf       string
	maxBuffer int

	seen     map[string]struct{}
	seenFIFO []string
	maxSeen  int
}

// NewStreamParser creates a parser with default bounds.
func NewStreamParser() *StreamParser {
	return &StreamParser{
		maxBuffer: DefaultMaxBuffer,
		seen:      make(map[string]struct{}),
		maxSeen:   DefaultMaxSeen,
	}
}

// Feed appends chunk and returns the directives not reported before.
func (p *StreamParser) Feed(chunk string) []Directive {
	p.buf += chunk

	var out []Directive
	consumed := 0
	for _, b := range findBlocks(p.buf) {
		if b.end > consumed {
			consumed = b.end
		}
		d, err := Decode(b.body)
		if err != nil {
			continue
		}
		if p.markSeen(d.Key()) {
			out = append(out, d)
		}
	}

	p.buf = p.buf[consumed:]
	p.trim()
	return out
}

// trim bounds the buffer, keeping the most recent block opening when it
// fits.
func (p *StreamParser) trim() {
	if len(p.buf) <= p.maxBuffer {
		return
	}
	open := strings.LastIndex(p.buf, "```")
	if tag := strings.LastIndex(p.buf, "<directive>"); tag > open {
		open = tag
	}
	if open >= 0 && len(p.buf)-open <= p.maxBuffer {
		p.buf = p.buf[open:]
		return
	}
	p.buf = p.buf[len(p.buf)-p.maxBuffer:]
}

func (p *StreamParser) markSeen(key string) bool {
	if _, ok := p.seen[key]; ok {
		return false
	}
	p.seen[key] = struct{}{}
	p.seenFIFO = append(p.seenFIFO, key)
	if len(p.seenFIFO) > p.maxSeen {
		oldest := p.seenFIFO[0]
		p.seenFIFO = p.seenFIFO[1:]
		delete(p.seen, oldest)
	}
	return true
}
