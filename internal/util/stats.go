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

// Stats is the process-wide signaling traffic counter.
var Stats = &stats{}

type stats struct {
	MsgsSent     atomic.Int64 // cumulative signaling messages sent via the transport
	MsgsRecv     atomic.Int64 // cumulative signaling messages delivered to handlers
	CallsStarted atomic.Int64 // cumulative calls initialized (as caller or callee)
	CallsEnded   atomic.Int64 // cumulative calls torn down
}

func (s *stats) AddSent()      { s.MsgsSent.Add(1) }
func (s *stats) AddRecv()      { s.MsgsRecv.Add(1) }
func (s *stats) AddCall()      { s.CallsStarted.Add(1) }
func (s *stats) AddCallEnded() { s.CallsEnded.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs signaling statistics
// every 10 seconds. Quiet intervals produce no output. It stops when ctx is
// cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevStarted, prevEnded int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.MsgsSent.Load()
				recv := Stats.MsgsRecv.Load()
				started := Stats.CallsStarted.Load()
				ended := Stats.CallsEnded.Load()

				dSent := sent - prevSent
				dRecv := recv - prevRecv
				dStarted := started - prevStarted
				dEnded := ended - prevEnded

				if dSent > 0 || dRecv > 0 || dStarted > 0 || dEnded > 0 {
					pterm.DefaultLogger.Info(fmt.Sprintf(
						"Signaling: %3d↑ %3d↓ | Calls: %2d started %2d ended",
						dSent, dRecv, dStarted, dEnded,
					))
				}

				prevSent = sent
				prevRecv = recv
				prevStarted = started
				prevEnded = ended

			case <-ctx.Done():
				return
			}
		}
	}()
}
