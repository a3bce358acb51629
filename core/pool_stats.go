package core

import (
	"fmt"
	"strings"

	"github.com/searchktools/nio-server/core/pools"
)

// PoolStats represents statistics for all pools
type PoolStats struct {
	Session      ObjectPoolStats `json:"session"`
	Frame        ObjectPoolStats `json:"frame"`
	DelayedWrite ObjectPoolStats `json:"delayed_write"`
	BytePool     BytePoolStats   `json:"byte_pool"`

	// Handlers is set when Options.HandlerPool is
	Handlers *pools.WorkerPoolStats `json:"handlers,omitempty"`
}

type ObjectPoolStats struct {
	Gets    uint64  `json:"gets"`
	Puts    uint64  `json:"puts"`
	News    uint64  `json:"news"`
	Idle    int     `json:"idle"`
	HitRate float64 `json:"hit_rate"`
}

type BytePoolStats struct {
	Gets      uint64 `json:"gets"`
	Puts      uint64 `json:"puts"`
	Oversized uint64 `json:"oversized"`
}

func objectPoolStats(st pools.ObjectPoolStats) ObjectPoolStats {
	return ObjectPoolStats{
		Gets:    st.Gets,
		Puts:    st.Puts,
		News:    st.News,
		Idle:    st.Idle,
		HitRate: st.HitRate,
	}
}

// PoolStats returns statistics for all memory pools
func (s *Server) PoolStats() PoolStats {
	bp := pools.GlobalBytePoolStats()
	st := PoolStats{
		Session:      objectPoolStats(s.env.sessions.Stats()),
		Frame:        objectPoolStats(s.env.frames.Stats()),
		DelayedWrite: objectPoolStats(s.env.writes.Stats()),
		BytePool: BytePoolStats{
			Gets:      bp.TotalGets,
			Puts:      bp.TotalPuts,
			Oversized: bp.Oversized,
		},
	}
	if s.opts.HandlerPool != nil {
		wp := s.opts.HandlerPool.Stats()
		st.Handlers = &wp
	}
	return st
}

// PoolStatsText returns pool statistics as human-readable text
func (s *Server) PoolStatsText() string {
	stats := s.PoolStats()
	var b strings.Builder
	fmt.Fprintf(&b, `Memory Pool Statistics
======================

Session Pool:
  Gets:     %d
  Puts:     %d
  Idle:     %d
  Hit Rate: %.2f%%

Frame Pool:
  Gets:     %d
  Puts:     %d
  Idle:     %d
  Hit Rate: %.2f%%

Delayed Write Pool:
  Gets:     %d
  Puts:     %d
  Hit Rate: %.2f%%

Byte Pool:
  Gets:      %d
  Puts:      %d
  Oversized: %d

Target: Hit Rate > 95%% for optimal performance
`,
		stats.Session.Gets, stats.Session.Puts, stats.Session.Idle, stats.Session.HitRate*100,
		stats.Frame.Gets, stats.Frame.Puts, stats.Frame.Idle, stats.Frame.HitRate*100,
		stats.DelayedWrite.Gets, stats.DelayedWrite.Puts, stats.DelayedWrite.HitRate*100,
		stats.BytePool.Gets, stats.BytePool.Puts, stats.BytePool.Oversized,
	)

	if h := stats.Handlers; h != nil {
		fmt.Fprintf(&b, `
Handler Pool:
  Workers:   %d
  Submitted: %d
  Completed: %d
  Pending:   %d
  Inline:    %d
  Steals:    %d
`, h.NumWorkers, h.TasksSubmitted, h.TasksCompleted, h.TasksPending, h.TasksInline, h.StealsSuccess)
	}
	return b.String()
}
