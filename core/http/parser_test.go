package http

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/searchktools/nio-server/core/pools"
)

// feed appends each chunk and advances, collecting completed frames
func feed(t *testing.T, p *Parser, buf *pools.ByteBuffer, chunks ...[]byte) []*Frame {
	t.Helper()
	var frames []*Frame
	for _, c := range chunks {
		buf.Append(c)
		for {
			f, err := p.Advance(buf)
			if err != nil {
				t.Fatalf("Advance: %v", err)
			}
			if f == nil {
				break
			}
			frames = append(frames, f)
			p.Reset()
		}
	}
	return frames
}

func TestParser_SimpleGet(t *testing.T) {
	var p Parser
	var buf pools.ByteBuffer

	frames := feed(t, &p, &buf, []byte("GET /x HTTP/1.1\r\nHost: a\r\n\r\n"))
	if len(frames) != 1 {
		t.Fatalf("Expected 1 frame, got %d", len(frames))
	}

	f := frames[0]
	if f.Method != "GET" || f.Target != "/x" || f.Proto != "HTTP/1.1" {
		t.Errorf("Request line = %q %q %q", f.Method, f.Target, f.Proto)
	}
	if !reflect.DeepEqual(f.Headers, []Header{{Name: "Host", Value: "a"}}) {
		t.Errorf("Headers = %+v", f.Headers)
	}
	if len(f.Body) != 0 {
		t.Errorf("Expected empty body, got %q", f.Body)
	}
	if f.ContentLength != -1 {
		t.Errorf("ContentLength = %d, want -1", f.ContentLength)
	}
	if buf.Len() != 0 {
		t.Errorf("Expected empty buffer, %d bytes left", buf.Len())
	}
}

func TestParser_BodyRemainderStaysBuffered(t *testing.T) {
	var p Parser
	var buf pools.ByteBuffer

	buf.Append([]byte("POST /y HTTP/1.1\r\nContent-Length: 3\r\n\r\nabcXYZ"))
	f, err := p.Advance(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if f == nil {
		t.Fatal("Expected a complete frame")
	}
	if string(f.Body) != "abc" {
		t.Errorf("Body = %q, want abc", f.Body)
	}
	if got := string(buf.Bytes()); got != "XYZ" {
		t.Errorf("Buffered = %q, want XYZ", got)
	}
	if p.State() != StateComplete {
		t.Errorf("State = %v, want complete", p.State())
	}

	p.Reset()
	f, err = p.Advance(&buf)
	if err != nil || f != nil {
		t.Fatalf("Partial request line should wait, got %v, %v", f, err)
	}
	if p.State() != StateIdle {
		t.Errorf("State = %v, want idle", p.State())
	}
}

func TestParser_ContentLengthEnforcement(t *testing.T) {
	var p Parser
	var buf pools.ByteBuffer

	buf.Append([]byte("POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\nabcd"))
	if f, _ := p.Advance(&buf); f != nil {
		t.Fatal("Frame completed with 4 of 5 body bytes")
	}
	if p.State() != StateReadingBody {
		t.Fatalf("State = %v, want reading-body", p.State())
	}

	buf.Append([]byte("e"))
	f, err := p.Advance(&buf)
	if err != nil || f == nil {
		t.Fatalf("Expected frame after 5th byte, got %v, %v", f, err)
	}
	if string(f.Body) != "abcde" {
		t.Errorf("Body = %q", f.Body)
	}
}

func TestParser_FragmentationIndependence(t *testing.T) {
	raw := []byte("POST /upload?id=7 HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Length: 11\r\n" +
		"\r\n" +
		"hello world" +
		"GET /next HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")

	var p Parser
	var buf pools.ByteBuffer
	want := feed(t, &p, &buf, raw)
	if len(want) != 2 {
		t.Fatalf("Expected 2 frames from whole input, got %d", len(want))
	}

	for _, size := range []int{1, 2, 3, 5, 7, 13, 64} {
		var p Parser
		var buf pools.ByteBuffer
		var chunks [][]byte
		for i := 0; i < len(raw); i += size {
			end := min(i+size, len(raw))
			chunks = append(chunks, raw[i:end])
		}

		got := feed(t, &p, &buf, chunks...)
		if len(got) != len(want) {
			t.Fatalf("chunk %d: got %d frames, want %d", size, len(got), len(want))
		}
		for i := range got {
			if !sameFrame(got[i], want[i]) {
				t.Errorf("chunk %d frame %d:\n got %+v\nwant %+v", size, i, got[i], want[i])
			}
		}
	}
}

func sameFrame(a, b *Frame) bool {
	return a.Method == b.Method &&
		a.Target == b.Target &&
		a.Proto == b.Proto &&
		reflect.DeepEqual(a.Headers, b.Headers) &&
		a.ContentLength == b.ContentLength &&
		bytes.Equal(a.Body, b.Body)
}

func TestParser_PipelinedInOneBuffer(t *testing.T) {
	var p Parser
	var buf pools.ByteBuffer

	frames := feed(t, &p, &buf, []byte(
		"GET /a HTTP/1.1\r\n\r\n"+
			"POST /b HTTP/1.1\r\nContent-Length: 2\r\n\r\nok"+
			"GET /c HTTP/1.1\r\nHost: z\r\n\r\n"))

	var targets []string
	for _, f := range frames {
		targets = append(targets, f.Target)
	}
	if !reflect.DeepEqual(targets, []string{"/a", "/b", "/c"}) {
		t.Errorf("Targets = %v", targets)
	}
}

func TestParser_SkipsStrayCRLF(t *testing.T) {
	var p Parser
	var buf pools.ByteBuffer

	frames := feed(t, &p, &buf, []byte("\r\n\r\nGET / HTTP/1.1\r\n\r\n"))
	if len(frames) != 1 || frames[0].Method != "GET" {
		t.Fatalf("Expected one GET frame, got %+v", frames)
	}
}

func TestParser_LegacyTerminatorFraming(t *testing.T) {
	p := Parser{Framing: FramingLegacyTerminator}
	var buf pools.ByteBuffer

	buf.Append([]byte("POST /l HTTP/1.1\r\nHost: a\r\n\r\nbody-bytes"))
	if f, _ := p.Advance(&buf); f != nil {
		t.Fatal("Legacy framing completed without a terminator")
	}

	// Without Content-Length the next request would itself wait for a blank line
	buf.Append([]byte("\r\n\r\nGET /n HTTP/1.1\r\nContent-Length: 0\r\n\r\n"))
	f, err := p.Advance(&buf)
	if err != nil || f == nil {
		t.Fatalf("Expected frame, got %v, %v", f, err)
	}
	if string(f.Body) != "body-bytes" {
		t.Errorf("Body = %q", f.Body)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("\r\n\r\n")) {
		t.Errorf("Terminator should stay buffered, got %q", buf.Bytes())
	}

	p.Reset()
	next, err := p.Advance(&buf)
	if err != nil || next == nil || next.Target != "/n" {
		t.Fatalf("Expected /n after terminator, got %+v, %v", next, err)
	}
}

func TestParser_NoContentLengthIsEmptyBodyByDefault(t *testing.T) {
	var p Parser
	var buf pools.ByteBuffer

	buf.Append([]byte("DELETE /r HTTP/1.1\r\nHost: a\r\n\r\nleftover"))
	f, err := p.Advance(&buf)
	if err != nil || f == nil {
		t.Fatalf("Expected frame, got %v, %v", f, err)
	}
	if len(f.Body) != 0 {
		t.Errorf("Body = %q, want empty", f.Body)
	}
	if string(buf.Bytes()) != "leftover" {
		t.Errorf("Buffered = %q", buf.Bytes())
	}
}

func TestParser_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		max   int
		want  error
	}{
		{"one token", "GET\r\n\r\n", 0, ErrMalformedRequestLine},
		{"two tokens", "GET /\r\n\r\n", 0, ErrMalformedRequestLine},
		{"empty method", " / HTTP/1.1\r\n\r\n", 0, ErrMalformedRequestLine},
		{"four tokens", "GET / HTTP/1.1 x\r\n\r\n", 0, ErrMalformedRequestLine},
		{"no colon", "GET / HTTP/1.1\r\nHost a\r\n\r\n", 0, ErrMalformedHeader},
		{"empty name", "GET / HTTP/1.1\r\n: v\r\n\r\n", 0, ErrMalformedHeader},
		{"bad length", "GET / HTTP/1.1\r\nContent-Length: x\r\n\r\n", 0, ErrInvalidContentLength},
		{"negative length", "GET / HTTP/1.1\r\nContent-Length: -1\r\n\r\n", 0, ErrInvalidContentLength},
		{"signed length", "GET / HTTP/1.1\r\nContent-Length: +5\r\n\r\nhello", 0, ErrInvalidContentLength},
		{"empty length", "GET / HTTP/1.1\r\nContent-Length:\r\n\r\n", 0, ErrInvalidContentLength},
		{"hex length", "GET / HTTP/1.1\r\nContent-Length: 0x5\r\n\r\nhello", 0, ErrInvalidContentLength},
		{"overflowing length", "GET / HTTP/1.1\r\nContent-Length: 99999999999999999999\r\n\r\n", 0, ErrInvalidContentLength},
		{"conflicting lengths", "GET / HTTP/1.1\r\nContent-Length: 1\r\ncontent-length: 2\r\n\r\n", 0, ErrInvalidContentLength},
		{"line too large", "GET /aaaaaaaaaaaaaaaaaaaaaaaa", 16, ErrHeaderTooLarge},
		{"headers too large", "GET / HTTP/1.1\r\nX-Long: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 32, ErrHeaderTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Parser{MaxHeaderBytes: tt.max}
			var buf pools.ByteBuffer
			buf.Append([]byte(tt.input))

			_, err := p.Advance(&buf)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParser_BodyTooLarge(t *testing.T) {
	p := Parser{MaxBodyBytes: 4}
	var buf pools.ByteBuffer
	buf.Append([]byte("PUT / HTTP/1.1\r\nContent-Length: 5\r\n\r\n"))

	if _, err := p.Advance(&buf); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("err = %v, want ErrBodyTooLarge", err)
	}
}

func TestParser_UsesFrameFactory(t *testing.T) {
	recycled := NewFrame()
	recycled.Body = make([]byte, 0, 64)
	p := Parser{NewFrame: func() *Frame { return recycled }}
	var buf pools.ByteBuffer
	buf.Append([]byte("POST / HTTP/1.1\r\nContent-Length: 2\r\n\r\nhi"))

	f, err := p.Advance(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if f != recycled {
		t.Error("Parser did not use the supplied frame")
	}
	if cap(f.Body) != 64 {
		t.Errorf("Body capacity not reused: %d", cap(f.Body))
	}
}

func BenchmarkParser_Pipelined(b *testing.B) {
	req := []byte("GET /bench HTTP/1.1\r\nHost: localhost\r\nUser-Agent: bench\r\n\r\n")
	frame := NewFrame()
	p := Parser{NewFrame: func() *Frame { frame.Reset(); return frame }}
	var buf pools.ByteBuffer

	b.ReportAllocs()
	b.SetBytes(int64(len(req)))
	for i := 0; i < b.N; i++ {
		buf.Append(req)
		if f, _ := p.Advance(&buf); f == nil {
			b.Fatal("no frame")
		}
		p.Reset()
	}
}
