package tcp

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// StatsSnapshot is a copy of the relay counters at one instant.
type StatsSnapshot struct {
	ActivePeers   int64     `json:"active_peers"`
	TotalConns    int64     `json:"total_conns"`
	ClosedConns   int64     `json:"closed_conns"`
	MessagesIn    int64     `json:"messages_in"`
	BytesIn       int64     `json:"bytes_in"`
	MessagesOut   int64     `json:"messages_out"`
	BytesOut      int64     `json:"bytes_out"`
	FailedWrites  int64     `json:"failed_writes"`
	ProbesSent    int64     `json:"probes_sent"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`

	// Dropped holds events lost by each tracked queue, keyed by its name.
	Dropped map[string]int64 `json:"dropped,omitempty"`
}

// DropCounter is a bounded queue that discards events when full.
type DropCounter interface {
	Dropped() int64
}

// Stats counts relay traffic. It is an Observer, so the server feeds it the
// same events as every other sink.
type Stats struct {
	totalConns   atomic.Int64 // cumulative since start
	closedConns  atomic.Int64
	messagesIn   atomic.Int64
	bytesIn      atomic.Int64
	messagesOut  atomic.Int64 // one per successful recipient write
	bytesOut     atomic.Int64
	failedWrites atomic.Int64
	probesSent   atomic.Int64

	startedAt time.Time

	mu    sync.Mutex
	drops map[string]DropCounter
}

func NewStats() *Stats {
	return &Stats{startedAt: time.Now()}
}

// TrackDrops adds the loss counter of a queue to every snapshot under name.
func (s *Stats) TrackDrops(name string, c DropCounter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drops == nil {
		s.drops = make(map[string]DropCounter)
	}
	s.drops[name] = c
}

func (s *Stats) PeerConnected(PeerInfo) { s.totalConns.Add(1) }

func (s *Stats) PeerDisconnected(SessionSummary) { s.closedConns.Add(1) }

func (s *Stats) MessageRelayed(ev RelayEvent) {
	s.messagesIn.Add(1)
	s.bytesIn.Add(int64(ev.Size))
	s.messagesOut.Add(int64(ev.Report.Delivered))
	s.bytesOut.Add(int64(ev.Report.Bytes))
	s.failedWrites.Add(int64(ev.Report.Failed))
}

func (s *Stats) ProbeSent(PeerInfo) { s.probesSent.Add(1) }

func (s *Stats) Snapshot() StatsSnapshot {
	total := s.totalConns.Load()
	closed := s.closedConns.Load()
	snap := StatsSnapshot{
		ActivePeers:   total - closed,
		TotalConns:    total,
		ClosedConns:   closed,
		MessagesIn:    s.messagesIn.Load(),
		BytesIn:       s.bytesIn.Load(),
		MessagesOut:   s.messagesOut.Load(),
		BytesOut:      s.bytesOut.Load(),
		FailedWrites:  s.failedWrites.Load(),
		ProbesSent:    s.probesSent.Load(),
		StartedAt:     s.startedAt,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}

	s.mu.Lock()
	if len(s.drops) > 0 {
		snap.Dropped = make(map[string]int64, len(s.drops))
		for name, c := range s.drops {
			snap.Dropped[name] = c.Dropped()
		}
	}
	s.mu.Unlock()
	return snap
}

// StartReporter logs throughput every interval until ctx is cancelled.
// Quiet intervals (no new connections, closes or messages) are skipped.
func (s *Stats) StartReporter(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := s.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := s.Snapshot()
				if cur.TotalConns == prev.TotalConns &&
					cur.ClosedConns == prev.ClosedConns &&
					cur.MessagesIn == prev.MessagesIn {
					continue
				}

				secs := interval.Seconds()
				logger.Info("relay_stats",
					"active_peers", cur.ActivePeers,
					"conns_opened", cur.TotalConns-prev.TotalConns,
					"conns_closed", cur.ClosedConns-prev.ClosedConns,
					"messages_in", cur.MessagesIn-prev.MessagesIn,
					"in_bytes_per_sec", float64(cur.BytesIn-prev.BytesIn)/secs,
					"out_bytes_per_sec", float64(cur.BytesOut-prev.BytesOut)/secs,
					"failed_writes", cur.FailedWrites-prev.FailedWrites,
				)
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}
