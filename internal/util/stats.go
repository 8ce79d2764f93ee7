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

// Stats is the process-wide traffic/connection counter.
var Stats = &stats{}

type stats struct {
	TotalConns     atomic.Int64 // cumulative count of upgraded WebSockets since process start
	ActiveConns    atomic.Int64 // currently open WebSockets
	TCPSessions    atomic.Int64 // cumulative TCP relays
	DNSSessions    atomic.Int64 // cumulative DNS-over-HTTPS sub-sessions
	VoIPSessions   atomic.Int64 // cumulative VoIP sub-sessions
	HighPriority   atomic.Int64 // scheduler items sent at VoIP priority
	NormalPriority atomic.Int64 // scheduler items sent at any lower priority
	BytesSent      atomic.Int64 // cumulative bytes written to WebSockets
	BytesRecv      atomic.Int64 // cumulative bytes read from WebSockets
}

func (s *stats) AddConn() {
	s.TotalConns.Add(1)
	s.ActiveConns.Add(1)
}

func (s *stats) RemoveConn()   { s.ActiveConns.Add(-1) }
func (s *stats) AddTCP()       { s.TCPSessions.Add(1) }
func (s *stats) AddDNS()       { s.DNSSessions.Add(1) }
func (s *stats) AddVoIP()      { s.VoIPSessions.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// AddProcessed counts one scheduler item; high marks the VoIP level.
func (s *stats) AddProcessed(high bool) {
	if high {
		s.HighPriority.Add(1)
	} else {
		s.NormalPriority.Add(1)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs relay statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalConns.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				newC := total - prevTotal

				if newC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, newC, Stats.ActiveConns.Load()))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total

			case <-ctx.Done():
				return
			}
		}
	}()
}

// LogSummary prints the cumulative session and priority counters.
func LogSummary() {
	pterm.DefaultLogger.Info(fmt.Sprintf("Sessions: %d total | tcp %d | dns %d | voip %d | Queue: %d high, %d normal",
		Stats.TotalConns.Load(),
		Stats.TCPSessions.Load(),
		Stats.DNSSessions.Load(),
		Stats.VoIPSessions.Load(),
		Stats.HighPriority.Load(),
		Stats.NormalPriority.Load(),
	))
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
func formatStats(inS, outS float64, newC, active int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Conn: %2d new %2d open",
		formatBytes(inS),
		formatBytes(outS),
		newC,
		active,
	)
}
