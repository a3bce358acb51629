package core

import (
	"github.com/searchktools/nio-server/core/http"
	"github.com/searchktools/nio-server/core/pools"
)

// Sender delivers the response for one frame. Send must be called exactly
// once per frame and may be called from any goroutine. The frame passed to
// the handler must not be used after Send returns.
type Sender interface {
	Send(resp []byte) error
}

// RequestHandler is invoked once per complete frame, on the worker loop
// that owns the connection.
type RequestHandler interface {
	Handle(frame *http.Frame, sender Sender)
}

// HandlerFunc adapts a function to RequestHandler
type HandlerFunc func(frame *http.Frame, sender Sender)

func (f HandlerFunc) Handle(frame *http.Frame, sender Sender) {
	f(frame, sender)
}

// AsyncHandler runs h on the work-stealing pool instead of the worker
// loop. A panic in h closes the connection.
func AsyncHandler(pool *pools.WorkerPool, h RequestHandler) RequestHandler {
	return HandlerFunc(func(frame *http.Frame, sender Sender) {
		task := func() {
			defer func() {
				if r := recover(); r != nil {
					logErrorf("async handler panic: %v", r)
					if c, ok := sender.(interface{ Close() error }); ok {
						c.Close()
					}
				}
			}()
			h.Handle(frame, sender)
		}

		if !pool.Submit(task) {
			// Pool closed
			task()
		}
	})
}
