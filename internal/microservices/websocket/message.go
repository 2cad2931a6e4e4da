package websocket

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/smartobjectoriented/soo/internal/microservices/tcp"
)

// Monitor event definitions

type EventType string

const (
	TypePeerConnected    EventType = "peer_connected"
	TypePeerDisconnected EventType = "peer_disconnected"
	TypeMessageRelayed   EventType = "message_relayed"
	TypeProbeSent        EventType = "probe_sent"
)

// Event is one relay event as streamed to monitor clients.
type Event struct {
	Type      EventType           `json:"type"`
	Peer      string              `json:"peer"`                 // remote address:port
	SessionID string              `json:"session_id,omitempty"` // relay session of that peer
	Size      int                 `json:"size,omitempty"`       // message bytes, prefix included
	Report    *tcp.DeliveryReport `json:"report,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Timestamp time.Time           `json:"timestamp"` // UTC
}

func newEvent(t EventType, peer, sessionID string) *Event {
	return &Event{
		Type:      t,
		Peer:      peer,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON: marshal Event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("Failed to marshal monitor event", "error", err)
		return nil, err
	}
	return data, nil
}

// EventFromJSON: unmarshal JSON data to Event
func EventFromJSON(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
