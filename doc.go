/*
Package nioserver provides a non-blocking connection dispatch engine for HTTP/1.x style
request/response traffic.

An acceptor hands connected sockets to a fixed set of worker loops. Each loop owns its
connections for their whole life and runs their I/O on one OS thread over epoll (Linux)
or kqueue (BSD/macOS). Requests are parsed incrementally, handed to a handler one at a
time per connection, and responses that do not fit the socket buffer are finished later
from a write-readiness poller without blocking the loop.

Features

  - Worker loops: one epoll/kqueue poller per loop, woken through an eventfd or pipe
  - Bounded lock-free handoff from the acceptor to the loops
  - Incremental frame parser: request line, headers, Content-Length bodies, pipelining
  - Backpressured writes: partial writes resume on write readiness
  - Pooling: sessions, frames and pending writes are recycled; async handlers run on a
    work-stealing pool
  - Statistics: striped counters, rolling response time, latency buckets, served as JSON
    or protobuf over h2c

Quick Start

package main

import (
    "github.com/searchktools/nio-server/app"
    "github.com/searchktools/nio-server/config"
    "github.com/searchktools/nio-server/core"
    "github.com/searchktools/nio-server/core/http"
)

func main() {
    cfg := config.New()
    application, err := app.New(cfg, core.HandlerFunc(func(f *http.Frame, s core.Sender) {
        s.Send(http.AppendResponse(nil, 200, "text/plain", []byte("Hello, World!"), f.KeepAlive()))
    }))
    if err != nil {
        panic(err)
    }
    application.Exit()
}

Modules

  - app: Application lifecycle and graceful shutdown
  - config: Configuration from flags, JSON files and NIO_* variables
  - core: Acceptor, worker loops, sessions and the Server
  - core/http: Frame parser and response helpers
  - core/poller: epoll/kqueue pollers and wakers
  - core/pools: Object pools, slab, byte buffers, worker pool, GC tuning
  - core/observability: Server statistics
  - core/admin: Statistics endpoint
  - core/codec: JSON and protobuf codecs for the statistics endpoint
*/
package nioserver
