package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide peer/session/traffic counter.
var Stats = &stats{}

type stats struct {
	TotalConns    atomic.Int64 // cumulative count of peers that joined
	ClosedConns   atomic.Int64 // cumulative count of peers that left
	OpenedSession atomic.Int64 // cumulative count of accepted transfers
	ClosedSession atomic.Int64 // cumulative count of finished or cancelled transfers
	Chunks        atomic.Int64 // cumulative chunks forwarded by the relay
	BytesSent     atomic.Int64 // cumulative payload bytes written
	BytesRecv     atomic.Int64 // cumulative payload bytes read
}

func (s *stats) AddConn()        { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()     { s.ClosedConns.Add(1) }
func (s *stats) OpenSession()    { s.OpenedSession.Add(1) }
func (s *stats) CloseSession()   { s.ClosedSession.Add(1) }
func (s *stats) AddChunk()       { s.Chunks.Add(1) }
func (s *stats) AddSent(n int)   { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)   { s.BytesRecv.Add(int64(n)) }
func (s *stats) Online() int64   { return s.TotalConns.Load() - s.ClosedConns.Load() }
func (s *stats) InFlight() int64 { return s.OpenedSession.Load() - s.ClosedSession.Load() }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs relay statistics every
// interval, skipping quiet periods. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevRecv, prevChunks, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalConns.Load()
				closed := Stats.ClosedConns.Load()
				recv := Stats.BytesRecv.Load()
				chunks := Stats.Chunks.Load()

				rate := float64(recv-prevRecv) / interval.Seconds()
				joined := total - prevTotal
				left := closed - prevClosed

				if joined > 0 || left > 0 || chunks > prevChunks {
					pterm.DefaultLogger.Info(formatStats(rate, joined, left, Stats.Online(), Stats.InFlight()))
				}

				prevRecv = recv
				prevChunks = chunks
				prevTotal = total
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// FormatBytes renders a byte count for display, e.g. "1.5 MiB".
func FormatBytes(b int64) string {
	if b < 0 {
		return "-" + humanize.IBytes(uint64(-b))
	}
	return humanize.IBytes(uint64(b))
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(rate float64, joined, left, online, sessions int64) string {
	return fmt.Sprintf("Relay: %s/s | Peers: %2d↑ %2d↓ (%d online) | Transfers: %d",
		humanize.IBytes(uint64(rate)),
		joined,
		left,
		online,
		sessions,
	)
}
