package http

import (
	"bytes"
	"errors"
	"strconv"
	"time"

	"github.com/searchktools/nio-server/core/pools"
)

var (
	ErrMalformedRequestLine = errors.New("http: malformed request line")
	ErrMalformedHeader      = errors.New("http: malformed header line")
	ErrInvalidContentLength = errors.New("http: invalid Content-Length")
	ErrHeaderTooLarge       = errors.New("http: header section too large")
	ErrBodyTooLarge         = errors.New("http: body too large")
)

var (
	crlf       = []byte("\r\n")
	headerTerm = []byte("\r\n\r\n")
)

// State is the parser's position within the current frame
type State uint8

const (
	StateIdle State = iota
	StateReadingHeaders
	StateReadingBody
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReadingHeaders:
		return "reading-headers"
	case StateReadingBody:
		return "reading-body"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// BodyFraming decides where a body ends when Content-Length is absent
type BodyFraming uint8

const (
	// FramingContentLength treats a missing Content-Length as an empty body
	FramingContentLength BodyFraming = iota
	// FramingLegacyTerminator takes everything up to the next blank line
	// as the body. The blank line itself stays buffered.
	FramingLegacyTerminator
)

// ParseFraming maps a config value to a BodyFraming
func ParseFraming(s string) (BodyFraming, error) {
	switch s {
	case "", "content-length":
		return FramingContentLength, nil
	case "legacy", "legacy-terminator":
		return FramingLegacyTerminator, nil
	}
	return 0, errors.New("http: unknown body framing " + strconv.Quote(s))
}

func (f BodyFraming) String() string {
	if f == FramingLegacyTerminator {
		return "legacy-terminator"
	}
	return "content-length"
}

// Parser incrementally frames requests out of a connection buffer.
// Partial input never changes state: bytes stay buffered until the
// terminator for the current step arrives.
type Parser struct {
	Framing BodyFraming

	// MaxHeaderBytes bounds request line plus header block (0 = unlimited)
	MaxHeaderBytes int
	// MaxBodyBytes bounds a single body (0 = unlimited)
	MaxBodyBytes int

	// NewFrame supplies frames; NewFrame() from this package when nil
	NewFrame func() *Frame

	state       State
	frame       *Frame
	headerBytes int
}

// State returns the current state
func (p *Parser) State() State {
	return p.state
}

// Frame returns the frame under construction, or the completed one
func (p *Parser) Frame() *Frame {
	return p.frame
}

// Reset returns the parser to Idle. The completed frame, if any, is no
// longer referenced and belongs to the caller.
func (p *Parser) Reset() {
	p.state = StateIdle
	p.frame = nil
	p.headerBytes = 0
}

// Advance consumes as much of buf as the current state allows. It
// returns a frame once one is complete; the parser then stays in
// StateComplete until Reset. A nil frame and nil error means more bytes
// are needed.
func (p *Parser) Advance(buf *pools.ByteBuffer) (*Frame, error) {
	for {
		var progressed bool
		var err error

		switch p.state {
		case StateIdle:
			progressed, err = p.readRequestLine(buf)
		case StateReadingHeaders:
			progressed, err = p.readHeaders(buf)
		case StateReadingBody:
			progressed, err = p.readBody(buf)
		case StateComplete:
			return p.frame, nil
		}

		if err != nil {
			return nil, err
		}
		if !progressed {
			return nil, nil
		}
	}
}

func (p *Parser) readRequestLine(buf *pools.ByteBuffer) (bool, error) {
	// Stray CRLF left from a previous body
	for data := buf.Bytes(); bytes.HasPrefix(data, crlf); data = buf.Bytes() {
		buf.Consume(len(crlf))
	}

	data := buf.Bytes()
	end := bytes.Index(data, crlf)
	if end < 0 {
		if p.MaxHeaderBytes > 0 && len(data) > p.MaxHeaderBytes {
			return false, ErrHeaderTooLarge
		}
		return false, nil
	}

	line := data[:end]
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return false, ErrMalformedRequestLine
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 <= 0 {
		return false, ErrMalformedRequestLine
	}
	sp2 += sp1 + 1
	proto := line[sp2+1:]
	if len(proto) == 0 || bytes.IndexByte(proto, ' ') >= 0 {
		return false, ErrMalformedRequestLine
	}

	f := p.newFrame()
	f.Method = string(line[:sp1])
	f.Target = string(line[sp1+1 : sp2])
	f.Proto = string(proto)
	p.frame = f

	p.headerBytes = end + len(crlf)
	buf.Consume(end + len(crlf))
	p.state = StateReadingHeaders
	return true, nil
}

func (p *Parser) readHeaders(buf *pools.ByteBuffer) (bool, error) {
	data := buf.Bytes()

	// Empty header block
	if bytes.HasPrefix(data, crlf) {
		buf.Consume(len(crlf))
		return p.headersDone()
	}

	end := bytes.Index(data, headerTerm)
	if end < 0 {
		if p.MaxHeaderBytes > 0 && p.headerBytes+len(data) > p.MaxHeaderBytes {
			return false, ErrHeaderTooLarge
		}
		return false, nil
	}
	if p.MaxHeaderBytes > 0 && p.headerBytes+end+len(headerTerm) > p.MaxHeaderBytes {
		return false, ErrHeaderTooLarge
	}

	if err := p.parseHeaderLines(data[:end]); err != nil {
		return false, err
	}
	buf.Consume(end + len(headerTerm))
	return p.headersDone()
}

func (p *Parser) parseHeaderLines(block []byte) error {
	f := p.frame
	for len(block) > 0 {
		line := block
		if i := bytes.Index(block, crlf); i >= 0 {
			line, block = block[:i], block[i+len(crlf):]
		} else {
			block = nil
		}

		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return ErrMalformedHeader
		}
		name := bytes.TrimSpace(line[:colon])
		if len(name) == 0 {
			return ErrMalformedHeader
		}
		f.Headers = append(f.Headers, Header{
			Name:  string(name),
			Value: string(bytes.TrimSpace(line[colon+1:])),
		})
	}
	return nil
}

func (p *Parser) headersDone() (bool, error) {
	f := p.frame
	f.ContentLength = -1
	for _, h := range f.Headers {
		if !equalFoldASCII(h.Name, "Content-Length") {
			continue
		}
		n, ok := parseContentLength(h.Value)
		if !ok {
			return false, ErrInvalidContentLength
		}
		if f.ContentLength >= 0 && f.ContentLength != n {
			return false, ErrInvalidContentLength
		}
		f.ContentLength = n
	}
	if p.MaxBodyBytes > 0 && f.ContentLength > p.MaxBodyBytes {
		return false, ErrBodyTooLarge
	}

	p.state = StateReadingBody
	return true, nil
}

// parseContentLength accepts only a plain run of decimal digits
func parseContentLength(v string) (int, bool) {
	if v == "" {
		return 0, false
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func (p *Parser) readBody(buf *pools.ByteBuffer) (bool, error) {
	f := p.frame
	data := buf.Bytes()

	switch {
	case f.ContentLength >= 0:
		if len(data) < f.ContentLength {
			return false, nil
		}
		f.Body = append(f.Body[:0], data[:f.ContentLength]...)
		buf.Consume(f.ContentLength)

	case p.Framing == FramingLegacyTerminator:
		end := bytes.Index(data, headerTerm)
		if end < 0 {
			if p.MaxBodyBytes > 0 && len(data) > p.MaxBodyBytes {
				return false, ErrBodyTooLarge
			}
			return false, nil
		}
		f.Body = append(f.Body[:0], data[:end]...)
		buf.Consume(end)

	default:
		f.Body = f.Body[:0]
	}

	f.Received = time.Now()
	p.state = StateComplete
	return true, nil
}

func (p *Parser) newFrame() *Frame {
	if p.NewFrame != nil {
		return p.NewFrame()
	}
	return NewFrame()
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
