package websocket

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/smartobjectoriented/soo/internal/microservices/tcp"
)

// Central hub fanning relay events out to monitor clients.
// Each WebSocket connection runs in its own goroutines, but client
// bookkeeping only happens inside Run, driven by channels.
type Hub struct {
	Register   chan *Client
	Unregister chan *Client

	clients map[*Client]bool
	events  chan *Event
	done    chan struct{}
	count   atomic.Int64
	dropped atomic.Int64
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		events:     make(chan *Event, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run owns the client set until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.Register:
			h.clients[c] = true
			h.count.Store(int64(len(h.clients)))
			h.logger.Info("monitor_client_registered", "client_id", c.ID, "username", c.Username)

		case c := <-h.Unregister:
			h.remove(c)

		case ev := <-h.events:
			if len(h.clients) == 0 {
				continue
			}
			data, err := ev.ToJSON()
			if err != nil {
				continue
			}
			for c := range h.clients {
				if !c.wants(ev) {
					continue
				}
				select {
				case c.SendChannel <- data:
				default:
					// a client that cannot keep up is cut off, the relay never waits
					h.logger.Warn("monitor_client_too_slow", "client_id", c.ID)
					h.remove(c)
				}
			}

		case <-ctx.Done():
			for c := range h.clients {
				h.remove(c)
			}
			return
		}
	}
}

func (h *Hub) remove(c *Client) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	close(c.SendChannel)
	h.count.Store(int64(len(h.clients)))
	h.logger.Info("monitor_client_unregistered", "client_id", c.ID)
}

// ClientCount returns the number of connected monitor clients.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// Dropped returns how many events were discarded because the hub was backed up.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) register(c *Client) bool {
	select {
	case h.Register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) publish(ev *Event) {
	if h.count.Load() == 0 {
		return
	}
	select {
	case h.events <- ev:
	default:
		h.dropped.Add(1)
	}
}

// tcp.Observer

func (h *Hub) PeerConnected(info tcp.PeerInfo) {
	h.publish(newEvent(TypePeerConnected, info.Remote, info.SessionID))
}

func (h *Hub) PeerDisconnected(s tcp.SessionSummary) {
	ev := newEvent(TypePeerDisconnected, s.Remote, s.SessionID)
	ev.Reason = s.Reason
	h.publish(ev)
}

func (h *Hub) MessageRelayed(e tcp.RelayEvent) {
	ev := newEvent(TypeMessageRelayed, e.From.String(), e.SessionID)
	ev.Size = e.Size
	report := e.Report
	ev.Report = &report
	h.publish(ev)
}

func (h *Hub) ProbeSent(info tcp.PeerInfo) {
	h.publish(newEvent(TypeProbeSent, info.Remote, info.SessionID))
}
