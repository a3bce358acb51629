package middleware

import (
	"log"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/searchktools/nio-server/core"
	"github.com/searchktools/nio-server/core/http"
)

// Middleware wraps a handler. It may answer the frame itself instead of
// calling next.
type Middleware func(next core.RequestHandler) core.RequestHandler

// Pipeline is an ordered list of middlewares
type Pipeline struct {
	handlers []Middleware
}

// NewPipeline creates a new middleware pipeline
func NewPipeline() *Pipeline {
	return &Pipeline{
		handlers: make([]Middleware, 0, 4),
	}
}

// Use adds a middleware to the pipeline
func (p *Pipeline) Use(m Middleware) *Pipeline {
	p.handlers = append(p.handlers, m)
	return p
}

// Len returns the number of middlewares
func (p *Pipeline) Len() int {
	return len(p.handlers)
}

// Then builds the handler chain. The first middleware added sees the
// frame first.
func (p *Pipeline) Then(final core.RequestHandler) core.RequestHandler {
	h := final
	for i := len(p.handlers) - 1; i >= 0; i-- {
		h = p.handlers[i](h)
	}
	return h
}

// statusSender observes the response on its way to the connection
type statusSender struct {
	core.Sender
	done func(status int)
}

func (s statusSender) Send(resp []byte) error {
	err := s.Sender.Send(resp)
	if err == nil {
		s.done(http.StatusCode(resp))
	}
	return err
}

// Close forwards to the wrapped sender so async panics still close
func (s statusSender) Close() error {
	if c, ok := s.Sender.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Logger logs every response with its status and latency
func Logger() Middleware {
	return func(next core.RequestHandler) core.RequestHandler {
		return core.HandlerFunc(func(f *http.Frame, s core.Sender) {
			// The frame is recycled once Send returns
			method, target, received := f.Method, f.Target, f.Received
			next.Handle(f, statusSender{Sender: s, done: func(status int) {
				logRequest(method, target, status, time.Since(received))
			}})
		})
	}
}

func logRequest(method, target string, status int, latency time.Duration) {
	switch {
	case status >= 500:
		log.Print(color.RedString("%s %s %d %v", method, target, status, latency))
	case status >= 400:
		log.Print(color.YellowString("%s %s %d %v", method, target, status, latency))
	default:
		log.Print(color.GreenString("%s %s %d %v", method, target, status, latency))
	}
}

// RateLimiter answers 429 once more than requestsPerSecond frames arrive
// within one second, across all connections.
func RateLimiter(requestsPerSecond int) Middleware {
	var (
		tokens     = requestsPerSecond
		lastRefill = time.Now()
		mu         sync.Mutex
	)

	allow := func() bool {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		if now.Sub(lastRefill) >= time.Second {
			tokens = requestsPerSecond
			lastRefill = now
		}
		if tokens > 0 {
			tokens--
			return true
		}
		return false
	}

	return func(next core.RequestHandler) core.RequestHandler {
		return core.HandlerFunc(func(f *http.Frame, s core.Sender) {
			if allow() {
				next.Handle(f, s)
				return
			}
			s.Send(http.AppendResponse(nil, 429, "text/plain", []byte("Too Many Requests"), f.KeepAlive()))
		})
	}
}
