package http

import (
	"strings"
	"time"
)

// Header is one request header line, in arrival order
type Header struct {
	Name  string
	Value string
}

// Frame is one complete request extracted from a connection's byte
// stream: request line, header block and body.
type Frame struct {
	Method string
	Target string
	Proto  string

	Headers []Header

	// ContentLength is -1 when the header is absent
	ContentLength int

	Body []byte

	// Received is when the last byte of the frame was parsed
	Received time.Time
}

// NewFrame returns an empty frame
func NewFrame() *Frame {
	return &Frame{
		Headers:       make([]Header, 0, 8),
		ContentLength: -1,
	}
}

// Header returns the first value of the named header (case-insensitive)
func (f *Frame) Header(name string) string {
	for i := range f.Headers {
		if strings.EqualFold(f.Headers[i].Name, name) {
			return f.Headers[i].Value
		}
	}
	return ""
}

// ProtoVersion parses "HTTP/major.minor"
func (f *Frame) ProtoVersion() (major, minor int, ok bool) {
	return parseVersion(f.Proto)
}

func parseVersion(proto string) (major, minor int, ok bool) {
	const prefix = "HTTP/"
	if len(proto) != len(prefix)+3 || !strings.EqualFold(proto[:len(prefix)], prefix) {
		return 0, 0, false
	}
	v := proto[len(prefix):]
	if v[1] != '.' || !isDigit(v[0]) || !isDigit(v[2]) {
		return 0, 0, false
	}
	return int(v[0] - '0'), int(v[2] - '0'), true
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// KeepAlive reports whether the connection should stay open after this
// frame's response: an explicit "Connection: close" always closes, and
// HTTP/1.0 or older needs an explicit "Connection: keep-alive".
func (f *Frame) KeepAlive() bool {
	conn := f.Header("Connection")
	if hasToken(conn, "close") {
		return false
	}

	major, minor, ok := f.ProtoVersion()
	if !ok || major < 1 || (major == 1 && minor == 0) {
		return hasToken(conn, "keep-alive")
	}
	return true
}

// hasToken reports whether the comma-separated list v contains token
func hasToken(v, token string) bool {
	for v != "" {
		var item string
		item, v, _ = strings.Cut(v, ",")
		if strings.EqualFold(strings.TrimSpace(item), token) {
			return true
		}
	}
	return false
}

// Reset clears the frame for reuse (memory not freed, just reset)
func (f *Frame) Reset() {
	f.Method = ""
	f.Target = ""
	f.Proto = ""
	clear(f.Headers)
	f.Headers = f.Headers[:0]
	f.ContentLength = -1
	f.Body = f.Body[:0]
	f.Received = time.Time{}
}
