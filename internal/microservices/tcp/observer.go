package tcp

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// PeerInfo is a point-in-time view of one peer connection.
type PeerInfo struct {
	ID          PeerID    `json:"-"`
	Remote      string    `json:"remote"`
	SessionID   string    `json:"session_id"`
	ConnectedAt time.Time `json:"connected_at"`
	MessagesIn  int64     `json:"messages_in"`
	BytesIn     int64     `json:"bytes_in"`
	ProbesSent  int64     `json:"probes_sent"`
}

// SessionSummary describes a connection once it has been closed.
type SessionSummary struct {
	PeerInfo
	DisconnectedAt time.Time `json:"disconnected_at"`
	Reason         string    `json:"reason"`
}

// RelayEvent describes one completed message and its fan-out.
type RelayEvent struct {
	From      PeerID
	SessionID string
	Size      int
	Report    DeliveryReport
	At        time.Time
}

// Observer receives relay lifecycle events. Implementations are called from
// connection goroutines and must return quickly; wrap slow ones with
// NewAsyncObserver.
type Observer interface {
	PeerConnected(info PeerInfo)
	PeerDisconnected(summary SessionSummary)
	MessageRelayed(event RelayEvent)
	ProbeSent(info PeerInfo)
}

// NopObserver implements Observer with no-ops. Embed it to pick only the
// events an observer cares about.
type NopObserver struct{}

func (NopObserver) PeerConnected(PeerInfo)          {}
func (NopObserver) PeerDisconnected(SessionSummary) {}
func (NopObserver) MessageRelayed(RelayEvent)       {}
func (NopObserver) ProbeSent(PeerInfo)              {}

// observers fans every event out to each member in order.
type observers []Observer

func (o observers) PeerConnected(info PeerInfo) {
	for _, ob := range o {
		ob.PeerConnected(info)
	}
}

func (o observers) PeerDisconnected(summary SessionSummary) {
	for _, ob := range o {
		ob.PeerDisconnected(summary)
	}
}

func (o observers) MessageRelayed(event RelayEvent) {
	for _, ob := range o {
		ob.MessageRelayed(event)
	}
}

func (o observers) ProbeSent(info PeerInfo) {
	for _, ob := range o {
		ob.ProbeSent(info)
	}
}

// AsyncObserver decouples a slow observer (network stores) from the relay
// path. Events are queued and delivered by a single goroutine; when the queue
// is full the event is dropped and logged.
type AsyncObserver struct {
	next    Observer
	events  chan func()
	name    string
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewAsyncObserver wraps next with a queue of the given depth.
func NewAsyncObserver(name string, next Observer, depth int) *AsyncObserver {
	if depth <= 0 {
		depth = 1024
	}
	return &AsyncObserver{
		next:   next,
		events: make(chan func(), depth),
		name:   name,
		logger: slog.Default(),
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is left.
func (a *AsyncObserver) Run(ctx context.Context) {
	for {
		select {
		case fn := <-a.events:
			fn()
		case <-ctx.Done():
			for {
				select {
				case fn := <-a.events:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (a *AsyncObserver) enqueue(event string, fn func()) {
	select {
	case a.events <- fn:
	default:
		a.dropped.Add(1)
		a.logger.Warn("observer_queue_full",
			"observer", a.name,
			"event", event,
		)
	}
}

// Dropped returns how many events were lost to a full queue.
func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

func (a *AsyncObserver) PeerConnected(info PeerInfo) {
	a.enqueue("peer_connected", func() { a.next.PeerConnected(info) })
}

func (a *AsyncObserver) PeerDisconnected(summary SessionSummary) {
	a.enqueue("peer_disconnected", func() { a.next.PeerDisconnected(summary) })
}

func (a *AsyncObserver) MessageRelayed(event RelayEvent) {
	a.enqueue("message_relayed", func() { a.next.MessageRelayed(event) })
}

func (a *AsyncObserver) ProbeSent(info PeerInfo) {
	a.enqueue("probe_sent", func() { a.next.ProbeSent(info) })
}
