package core

import (
	"errors"
	"time"
)

// Defaults applied by NewServer when an option is left zero
const (
	DefaultHandoffQueue     = 1024
	DefaultReadBuffer       = 16 * 1024
	DefaultMaxBufferedBytes = 1 << 20
	DefaultMaxHeaderBytes   = 64 * 1024
	DefaultIdleTimeout      = 60 * time.Second

	// Buffers larger than this are returned to the byte pool when a
	// session is recycled
	sessionBufferRetain = 64 * 1024

	// DelayedWrite payloads larger than this are not kept across reuse
	delayedWriteRetain = 64 * 1024

	sweepInterval = time.Second

	// Assign gives up on a full handoff queue after this long
	handoffWait = time.Second

	// First and largest pause between retries on a full handoff queue
	handoffBackoffMin = 50 * time.Microsecond
	handoffBackoffMax = 5 * time.Millisecond
)

// Error definitions
var (
	ErrSessionClosed   = errors.New("session closed")
	ErrNoFrameInFlight = errors.New("no frame awaiting a response")
	ErrWritePending    = errors.New("previous response still being written")
	ErrLoopStopped     = errors.New("worker loop stopped")
	ErrHandoffFull     = errors.New("worker loop handoff queue full")
	ErrServerStarted   = errors.New("server already started")
	ErrNoAddresses     = errors.New("no listen addresses configured")
)
