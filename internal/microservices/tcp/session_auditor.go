package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// SessionWriter persists closed sessions in bulk.
type SessionWriter interface {
	BatchInsert(ctx context.Context, sessions []SessionSummary) (int, error)
}

// SessionAuditor records every closed peer session. Summaries are queued from
// the connection goroutines and written in batches by StartBatchWriter, so a
// slow database never holds up the relay.
type SessionAuditor struct {
	NopObserver

	writer        SessionWriter
	writeChan     chan SessionSummary
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	closed        atomic.Bool
	dropped       atomic.Int64
}

// NewSessionAuditor creates an auditor; zero values pick 500 rows and 30s.
func NewSessionAuditor(writer SessionWriter, batchSize int, flushInterval time.Duration) *SessionAuditor {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}
	return &SessionAuditor{
		writer:        writer,
		writeChan:     make(chan SessionSummary, batchSize*4),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        slog.Default(),
	}
}

// PeerDisconnected queues the summary. When the queue is full the session is
// dropped rather than blocking the connection goroutine.
func (a *SessionAuditor) PeerDisconnected(summary SessionSummary) {
	if err := a.Enqueue(summary); err != nil {
		a.dropped.Add(1)
		a.logger.Warn("session_audit_dropped",
			"session_id", summary.SessionID,
			"error", err.Error(),
		)
	}
}

// Enqueue adds one summary to the pending batch.
func (a *SessionAuditor) Enqueue(summary SessionSummary) error {
	if a.closed.Load() {
		return fmt.Errorf("auditor is closed")
	}

	// Monitor write channel depth
	if depth := len(a.writeChan); depth > cap(a.writeChan)/2 {
		a.logger.Warn("write_queue_high_watermark", "queue_depth", depth)
	}

	select {
	case a.writeChan <- summary:
		return nil
	default:
		return fmt.Errorf("write queue full (%d)", cap(a.writeChan))
	}
}

// Dropped returns how many sessions were lost to a full queue.
func (a *SessionAuditor) Dropped() int64 {
	return a.dropped.Load()
}

// StartBatchWriter flushes queued sessions every flushInterval or whenever
// batchSize is reached. It blocks until ctx is cancelled, then writes what is
// left; run it in its own goroutine.
func (a *SessionAuditor) StartBatchWriter(ctx context.Context) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	batch := make([]SessionSummary, 0, a.batchSize)

	a.logger.Info("batch_writer_started",
		"interval", a.flushInterval.String(),
		"batch_size", a.batchSize,
	)

	for {
		select {
		case <-ctx.Done():
			a.closed.Store(true)
			// drain what the connection goroutines managed to queue
			for {
				select {
				case s := <-a.writeChan:
					batch = append(batch, s)
					continue
				default:
				}
				break
			}
			a.logger.Info("batch_writer_shutting_down", "remaining", len(batch))
			if len(batch) > 0 {
				a.flushBatch(batch)
			}
			return

		case s := <-a.writeChan:
			batch = append(batch, s)
			if len(batch) >= a.batchSize {
				a.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				a.logger.Debug("periodic_batch_flush", "count", len(batch))
				a.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

// flushBatch writes one batch with its own timeout, independent of the
// writer's context so the final flush still runs during shutdown.
func (a *SessionAuditor) flushBatch(batch []SessionSummary) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	n, err := a.writer.BatchInsert(ctx, batch)
	if err != nil {
		a.logger.Error("batch_insert_failed",
			"count", len(batch),
			"inserted", n,
			"error", err.Error(),
		)
		return
	}
	a.logger.Info("batch_insert_success",
		"count", len(batch),
		"inserted", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
