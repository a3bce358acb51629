package core

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/nio-server/core/http"
	"github.com/searchktools/nio-server/core/observability"
	"github.com/searchktools/nio-server/core/pools"
)

// ReadOutcome is the result of draining a readable socket
type ReadOutcome uint8

const (
	ReadOpen ReadOutcome = iota
	ReadPeerClosed
	ReadError
)

func (o ReadOutcome) String() string {
	switch o {
	case ReadOpen:
		return "open"
	case ReadPeerClosed:
		return "peer-closed"
	default:
		return "error"
	}
}

// afterSend tells the loop what a completed response requires next
type afterSend uint8

const (
	afterNothing afterSend = iota
	afterResume
	afterClose
)

// sessionOwner is the worker loop side of a session
type sessionOwner interface {
	watchWritable(s *Session) error
	unwatchWritable(s *Session)
	requestClose(s *Session, gen uint64)
	requestResume(s *Session, gen uint64)
}

// sessionEnv is shared by every session of one server
type sessionEnv struct {
	handler  RequestHandler
	stats    *observability.Statistics
	frames   *pools.ObjectPool[*http.Frame]
	writes   *pools.ObjectPool[*DelayedWrite]
	sessions *pools.ObjectPool[*Session]

	framing     http.BodyFraming
	maxHeader   int
	maxBody     int
	maxBuffered int
}

func newSessionEnv(handler RequestHandler, stats *observability.Statistics, opts Options) *sessionEnv {
	env := &sessionEnv{
		handler:     handler,
		stats:       stats,
		framing:     opts.Framing,
		maxHeader:   opts.MaxHeaderBytes,
		maxBody:     opts.MaxBodyBytes,
		maxBuffered: opts.MaxBufferedBytes,
	}

	env.frames = pools.NewObjectPool(pools.ObjectPoolConfig[*http.Frame]{
		New:        http.NewFrame,
		Reset:      (*http.Frame).Reset,
		WarmupSize: 256,
	})
	env.writes = pools.NewObjectPool(pools.ObjectPoolConfig[*DelayedWrite]{
		New:   func() *DelayedWrite { return &DelayedWrite{} },
		Reset: (*DelayedWrite).reset,
	})
	env.sessions = pools.NewObjectPool(pools.ObjectPoolConfig[*Session]{
		New:        func() *Session { return newSession(env) },
		Reset:      (*Session).reset,
		WarmupSize: 256,
	})
	return env
}

// DelayedWrite is the unflushed tail of a response waiting for the socket
// to become writable again
type DelayedWrite struct {
	session *Session
	data    []byte
	off     int
	status  int
}

// Remaining returns the bytes still to be written
func (w *DelayedWrite) Remaining() int {
	return len(w.data) - w.off
}

func (w *DelayedWrite) reset() {
	w.session = nil
	if cap(w.data) > delayedWriteRetain {
		w.data = nil
	} else {
		w.data = w.data[:0]
	}
	w.off = 0
	w.status = 0
}

// Session is the per-connection state: input buffer, parser and the
// response path. Read-side state is touched only by the owning loop;
// mu guards what Send may reach from other goroutines.
type Session struct {
	env       *sessionEnv
	owner     sessionOwner
	sock      Socket
	transform SocketTransform
	handle    pools.Handle

	buf    pools.ByteBuffer
	parser http.Parser

	gen        atomic.Uint64
	closing    atomic.Bool
	lastActive atomic.Int64

	mu          sync.Mutex
	inflight    *http.Frame
	pending     *DelayedWrite
	dispatching bool
	fdClosed    bool
}

func newSession(env *sessionEnv) *Session {
	s := &Session{env: env}
	s.parser.NewFrame = env.frames.Acquire
	return s
}

// attach binds a pooled session to a freshly registered socket
func (s *Session) attach(owner sessionOwner, handle pools.Handle, sock Socket, transform SocketTransform) {
	s.mu.Lock()
	s.owner = owner
	s.mu.Unlock()
	s.handle = handle
	s.sock = sock
	s.transform = transform
	s.parser.Framing = s.env.framing
	s.parser.MaxHeaderBytes = s.env.maxHeader
	s.parser.MaxBodyBytes = s.env.maxBody
	s.touch()
}

// reset prepares the session for the pool. The generation bump makes
// every Sender handed out so far stale.
func (s *Session) reset() {
	s.mu.Lock()
	s.gen.Add(1)
	s.inflight = nil
	if s.pending != nil {
		s.env.writes.Release(s.pending)
		s.pending = nil
	}
	s.dispatching = false
	s.fdClosed = false
	s.closing.Store(false)
	s.owner = nil
	s.mu.Unlock()

	if f := s.parser.Frame(); f != nil {
		s.env.frames.Release(f)
	}
	s.parser.Reset()
	s.buf.Release(sessionBufferRetain)

	s.sock = nil
	s.transform = nil
	s.handle = 0
	s.lastActive.Store(0)
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// idleSince reports whether the session has been quiet since before t and
// has no request in progress
func (s *Session) idleSince(t time.Time) bool {
	if s.lastActive.Load() >= t.UnixNano() {
		return false
	}
	s.mu.Lock()
	busy := s.inflight != nil || s.pending != nil
	s.mu.Unlock()
	return !busy && s.parser.State() == http.StateIdle
}

// read drains the socket into the buffer, parsing after every increment.
func (s *Session) read(scratch []byte) ReadOutcome {
	for {
		n, err := s.sock.Read(scratch)
		if n > 0 {
			s.touch()
			plain, uerr := s.transform.Unwrap(scratch[:n])
			if uerr != nil {
				logDebugf("unwrap %s: %v", s.sock.RemoteAddr(), uerr)
				return ReadError
			}
			s.buf.Append(plain)
			if perr := s.parseAndDispatch(); perr != nil {
				logDebugf("parse %s: %v", s.sock.RemoteAddr(), perr)
				return ReadError
			}
		}

		if err != nil {
			switch {
			case errors.Is(err, ErrWouldBlock):
				return ReadOpen
			case errors.Is(err, io.EOF):
				return ReadPeerClosed
			default:
				logDebugf("read %s: %v", s.sock.RemoteAddr(), err)
				return ReadError
			}
		}

		if n < len(scratch) {
			return ReadOpen
		}
	}
}

// parseAndDispatch hands out complete frames, one at a time, until the
// buffer runs dry or a frame is waiting for its response.
func (s *Session) parseAndDispatch() error {
	busy := false
	for !s.closing.Load() {
		s.mu.Lock()
		busy = s.inflight != nil
		s.mu.Unlock()
		if busy {
			break
		}

		frame, err := s.parser.Advance(&s.buf)
		if err != nil {
			return err
		}
		if frame == nil {
			break
		}
		s.parser.Reset()
		s.dispatch(frame)
	}

	// Bytes queued behind an in-flight frame are parsed once it completes
	if busy {
		return nil
	}
	if limit := s.bufferLimit(); limit > 0 && s.buf.Len() > limit {
		return fmt.Errorf("%d bytes buffered without a complete frame", s.buf.Len())
	}
	return nil
}

// bufferLimit is how much the session may buffer for the frame being
// parsed. A declared Content-Length, already checked against the body
// limit, is owed on top of maxBuffered.
func (s *Session) bufferLimit() int {
	limit := s.env.maxBuffered
	if limit <= 0 {
		return 0
	}
	if s.parser.State() == http.StateReadingBody {
		if f := s.parser.Frame(); f != nil && f.ContentLength > 0 {
			limit += min(f.ContentLength, math.MaxInt-limit)
		}
	}
	return limit
}

func (s *Session) dispatch(frame *http.Frame) {
	gen := s.gen.Load()

	s.mu.Lock()
	s.inflight = frame
	s.dispatching = true
	s.mu.Unlock()

	s.env.stats.RequestDispatched()
	s.invoke(frame, sender{s: s, gen: gen})

	s.mu.Lock()
	s.dispatching = false
	s.mu.Unlock()
}

func (s *Session) invoke(frame *http.Frame, snd sender) {
	// The frame may be recycled by Send before a panic surfaces
	method, target := frame.Method, frame.Target
	defer func() {
		if r := recover(); r != nil {
			logErrorf("handler panic on %s %s from %s: %v", method, target, s.sock.RemoteAddr(), r)
			s.Close()
		}
	}()
	s.env.handler.Handle(frame, snd)
}

// send writes resp directly and falls back to a DelayedWrite for
// whatever the kernel does not take.
func (s *Session) send(gen uint64, resp []byte) error {
	s.mu.Lock()
	if gen != s.gen.Load() || s.fdClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.inflight == nil {
		s.mu.Unlock()
		return ErrNoFrameInFlight
	}
	if s.pending != nil {
		s.mu.Unlock()
		return ErrWritePending
	}

	out, err := s.transform.Wrap(resp)
	if err != nil {
		s.mu.Unlock()
		s.Close()
		return fmt.Errorf("wrap response: %w", err)
	}
	status := http.StatusCode(resp)

	n, err := writeSome(s.sock, out)
	if err != nil {
		s.mu.Unlock()
		s.Close()
		return fmt.Errorf("write response: %w", err)
	}

	if n < len(out) {
		w := s.env.writes.Acquire()
		w.session = s
		w.status = status
		w.data = append(w.data[:0], out[n:]...)
		s.pending = w

		if err := s.owner.watchWritable(s); err != nil {
			s.pending = nil
			s.env.writes.Release(w)
			s.mu.Unlock()
			s.Close()
			return fmt.Errorf("watch writable: %w", err)
		}
		s.mu.Unlock()
		return nil
	}

	next := s.completeLocked(status)
	s.mu.Unlock()

	switch next {
	case afterClose:
		s.Close()
	case afterResume:
		s.owner.requestResume(s, gen)
	}
	return nil
}

// flush continues a DelayedWrite once the socket is writable. It runs on
// the owning loop.
func (s *Session) flush() (afterSend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.pending
	if w == nil || s.fdClosed {
		return afterNothing, nil
	}

	n, err := writeSome(s.sock, w.data[w.off:])
	w.off += n
	if err != nil {
		return afterClose, err
	}
	if w.Remaining() > 0 {
		return afterNothing, nil
	}

	s.pending = nil
	s.owner.unwatchWritable(s)
	status := w.status
	s.env.writes.Release(w)

	return s.completeLocked(status), nil
}

// completeLocked records a fully written response and applies the
// keep-alive policy. s.mu must be held.
func (s *Session) completeLocked(status int) afterSend {
	frame := s.inflight
	s.inflight = nil
	s.touch()

	s.env.stats.RecordResponse(time.Since(frame.Received), status >= 400)
	keepAlive := frame.KeepAlive()
	s.env.frames.Release(frame)

	if !keepAlive {
		return afterClose
	}
	if s.dispatching {
		// Handler is still on the loop; parsing resumes when it returns
		return afterNothing
	}
	return afterResume
}

// Close asks the owning loop to tear the connection down. Safe to call
// more than once and from any goroutine.
func (s *Session) Close() error {
	return s.closeGen(s.gen.Load())
}

func (s *Session) closeGen(gen uint64) error {
	s.mu.Lock()
	if gen != s.gen.Load() || s.owner == nil {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.closing.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return nil
	}
	owner := s.owner
	s.mu.Unlock()

	owner.requestClose(s, gen)
	return nil
}

// shutdown closes the socket. Only the owning loop calls it.
func (s *Session) shutdown() {
	s.mu.Lock()
	s.fdClosed = true
	if s.pending != nil {
		s.owner.unwatchWritable(s)
		s.env.writes.Release(s.pending)
		s.pending = nil
	}
	// A frame still held by an asynchronous handler is left to it
	s.inflight = nil
	s.sock.Close()
	s.mu.Unlock()

	s.transform.OnClose(s.sock)
}

// sender is the generation-checked Sender handed to the handler
type sender struct {
	s   *Session
	gen uint64
}

func (snd sender) Send(resp []byte) error {
	return snd.s.send(snd.gen, resp)
}

// Close closes the connection if the session has not been recycled
func (snd sender) Close() error {
	return snd.s.closeGen(snd.gen)
}
