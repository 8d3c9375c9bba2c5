package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide tunnel traffic counter. The adapter feeds it on
// every frame; the reporter surfaces it periodically during a session.
var Stats = &stats{}

type stats struct {
	StreamsOpened atomic.Int64 // cumulative count of logical streams opened
	StreamsClosed atomic.Int64 // cumulative count of logical streams closed
	BytesSent     atomic.Int64 // cumulative frame bytes written to the tunnel
	BytesRecv     atomic.Int64 // cumulative frame bytes read from the tunnel
}

func (s *stats) AddStream()    { s.StreamsOpened.Add(1) }
func (s *stats) RemoveStream() { s.StreamsClosed.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// reportInterval is how often the reporter samples the counters.
const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs tunnel statistics every
// interval while traffic is flowing. It stays quiet on an idle session and
// stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevOpened, prevClosed int64
		for {
			select {
			case <-ticker.C:
				opened := Stats.StreamsOpened.Load()
				closed := Stats.StreamsClosed.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				secs := reportInterval.Seconds()
				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				dOpened := opened - prevOpened
				dClosed := closed - prevClosed

				if dOpened > 0 || dClosed > 0 || outS > 10 || inS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, dOpened, dClosed))
				}

				prevSent = sent
				prevRecv = recv
				prevOpened = opened
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, opened, closed int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Streams: %2d↑ %2d↓",
		formatBytes(inS),
		formatBytes(outS),
		opened,
		closed,
	)
}
