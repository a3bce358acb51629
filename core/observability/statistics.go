// Package observability holds the server-wide statistics shared by all
// worker loops.
package observability

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// ewmaAlpha weights the newest sample of the rolling response time
const ewmaAlpha = 0.1

// bucketBounds are the upper bounds (exclusive) of the latency buckets;
// the last bucket is open-ended.
var bucketBounds = [...]time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	5 * time.Second,
	10 * time.Second,
}

// BucketLabels names the latency buckets in Snapshot order
var BucketLabels = [len(bucketBounds) + 1]string{
	"<1ms", "<5ms", "<10ms", "<50ms", "<100ms", "<500ms", "<1s", "<5s", "<10s", ">=10s",
}

// Statistics is updated concurrently by every worker loop. Counters are
// striped so loops on different cores do not contend on one cache line.
type Statistics struct {
	connections *xsync.Counter
	requests    *xsync.Counter
	errors      *xsync.Counter
	alive       atomic.Int64

	avgBits  atomic.Uint64 // float64 nanoseconds; 0 = no sample yet
	minNanos atomic.Int64
	maxNanos atomic.Int64
	buckets  [len(bucketBounds) + 1]atomic.Uint64

	started time.Time
}

// NewStatistics creates an empty Statistics
func NewStatistics() *Statistics {
	return &Statistics{
		connections: xsync.NewCounter(),
		requests:    xsync.NewCounter(),
		errors:      xsync.NewCounter(),
		started:     time.Now(),
	}
}

// ConnectionOpened counts an accepted connection and raises the alive gauge
func (s *Statistics) ConnectionOpened() {
	s.connections.Inc()
	s.alive.Add(1)
}

// ConnectionClosed lowers the alive gauge
func (s *Statistics) ConnectionClosed() {
	s.alive.Add(-1)
}

// RequestDispatched counts a frame handed to the request handler
func (s *Statistics) RequestDispatched() {
	s.requests.Inc()
}

// RecordResponse records a fully flushed response
func (s *Statistics) RecordResponse(latency time.Duration, isError bool) {
	if isError {
		s.errors.Inc()
	}
	if latency < 0 {
		latency = 0
	}

	ns := latency.Nanoseconds()
	s.updateAverage(float64(ns))
	s.updateMinMax(ns)
	s.buckets[bucketIndex(latency)].Add(1)
}

func (s *Statistics) updateAverage(sample float64) {
	for {
		oldBits := s.avgBits.Load()
		next := sample
		if oldBits != 0 {
			old := math.Float64frombits(oldBits)
			next = old + ewmaAlpha*(sample-old)
		}
		newBits := math.Float64bits(next)
		if newBits == 0 {
			// keep 0 reserved for "no sample"
			newBits = math.Float64bits(math.SmallestNonzeroFloat64)
		}
		if s.avgBits.CompareAndSwap(oldBits, newBits) {
			return
		}
	}
}

func (s *Statistics) updateMinMax(ns int64) {
	for {
		min := s.minNanos.Load()
		if min != 0 && ns >= min {
			break
		}
		if s.minNanos.CompareAndSwap(min, max(ns, 1)) {
			break
		}
	}
	for {
		max := s.maxNanos.Load()
		if ns <= max {
			break
		}
		if s.maxNanos.CompareAndSwap(max, ns) {
			break
		}
	}
}

func bucketIndex(d time.Duration) int {
	for i, bound := range bucketBounds {
		if d < bound {
			return i
		}
	}
	return len(bucketBounds)
}

func (s *Statistics) TotalConnections() int64 { return s.connections.Value() }
func (s *Statistics) TotalRequests() int64    { return s.requests.Value() }
func (s *Statistics) TotalErrors() int64      { return s.errors.Value() }
func (s *Statistics) AliveConnections() int64 { return s.alive.Load() }

// AverageResponseTime returns the rolling average response time
func (s *Statistics) AverageResponseTime() time.Duration {
	bits := s.avgBits.Load()
	if bits == 0 {
		return 0
	}
	return time.Duration(math.Float64frombits(bits))
}

func (s *Statistics) ResetConnections() { s.connections.Reset() }
func (s *Statistics) ResetRequests()    { s.requests.Reset() }
func (s *Statistics) ResetErrors()      { s.errors.Reset() }

// ResetLatency clears the rolling average, min/max and buckets
func (s *Statistics) ResetLatency() {
	s.avgBits.Store(0)
	s.minNanos.Store(0)
	s.maxNanos.Store(0)
	for i := range s.buckets {
		s.buckets[i].Store(0)
	}
}

// Snapshot is a point-in-time copy of Statistics
type Snapshot struct {
	TotalConnections int64             `json:"total_connections"`
	AliveConnections int64             `json:"alive_connections"`
	TotalRequests    int64             `json:"total_requests"`
	TotalErrors      int64             `json:"total_errors"`
	AvgResponseTime  time.Duration     `json:"avg_response_time_ns"`
	MinResponseTime  time.Duration     `json:"min_response_time_ns"`
	MaxResponseTime  time.Duration     `json:"max_response_time_ns"`
	LatencyBuckets   map[string]uint64 `json:"latency_buckets"`
	Uptime           time.Duration     `json:"uptime_ns"`
}

// Snapshot reads every field. Fields are read independently, so a
// snapshot taken under load is not a single consistent cut.
func (s *Statistics) Snapshot() Snapshot {
	snap := Snapshot{
		TotalConnections: s.TotalConnections(),
		AliveConnections: s.AliveConnections(),
		TotalRequests:    s.TotalRequests(),
		TotalErrors:      s.TotalErrors(),
		AvgResponseTime:  s.AverageResponseTime(),
		MinResponseTime:  time.Duration(s.minNanos.Load()),
		MaxResponseTime:  time.Duration(s.maxNanos.Load()),
		LatencyBuckets:   make(map[string]uint64, len(s.buckets)),
		Uptime:           time.Since(s.started),
	}
	for i := range s.buckets {
		snap.LatencyBuckets[BucketLabels[i]] = s.buckets[i].Load()
	}
	return snap
}

// AsMap flattens the snapshot into plain values, durations in
// milliseconds, for generic encoders.
func (snap Snapshot) AsMap() map[string]any {
	buckets := make(map[string]any, len(snap.LatencyBuckets))
	for k, v := range snap.LatencyBuckets {
		buckets[k] = float64(v)
	}
	return map[string]any{
		"total_connections":    float64(snap.TotalConnections),
		"alive_connections":    float64(snap.AliveConnections),
		"total_requests":       float64(snap.TotalRequests),
		"total_errors":         float64(snap.TotalErrors),
		"avg_response_time_ms": durationMillis(snap.AvgResponseTime),
		"min_response_time_ms": durationMillis(snap.MinResponseTime),
		"max_response_time_ms": durationMillis(snap.MaxResponseTime),
		"latency_buckets":      buckets,
		"uptime_seconds":       snap.Uptime.Seconds(),
	}
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
