package tcp

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/smartobjectoriented/soo/internal/protocol"
)

// DeliveryReport summarises one broadcast.
type DeliveryReport struct {
	Recipients int `json:"recipients"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
	Bytes      int `json:"bytes"` // bytes written across all recipients
}

type Broadcaster struct {
	manager *ConnectionManager
	logger  *slog.Logger
}

func NewBroadcaster(manager *ConnectionManager, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		manager: manager,
		logger:  logger,
	}
}

// Publish sends msg, unchanged, to every registered peer except sender.
// Writes to different recipients run concurrently; Publish returns once all
// of them have finished so a sender's messages leave in the order they came
// in. A recipient whose write fails is closed by Send and its read loop
// unregisters it.
func (b *Broadcaster) Publish(sender PeerID, msg protocol.Message) DeliveryReport {
	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
		failed    atomic.Int64
		total     int
	)

	b.manager.ForEachOtherThan(sender, func(p *PeerConnection) {
		total++
		wg.Add(1)
		go func(p *PeerConnection) {
			defer wg.Done()
			if err := p.Send(msg); err != nil {
				failed.Add(1)
				b.logger.Warn("failed_to_send_broadcast",
					"peer_id", p.ID.String(),
					"from", sender.String(),
					"error", err.Error(),
				)
				return
			}
			delivered.Add(1)
			b.logger.Debug("message_forwarded",
				"peer_id", p.ID.String(),
				"from", sender.String(),
				"size", len(msg),
			)
		}(p)
	})

	wg.Wait()

	report := DeliveryReport{
		Recipients: total,
		Delivered:  int(delivered.Load()),
		Failed:     int(failed.Load()),
	}
	report.Bytes = report.Delivered * len(msg)
	return report
}
