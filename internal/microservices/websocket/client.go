package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// One monitor connection. Monitor clients only listen; anything they send
// besides control frames is ignored.

const ( // ping pong(2-way heartbeat) to keep connection alive
	WriteWait      = 10 * time.Second    // max time write a message to the peer
	PongWait       = 60 * time.Second    // max time to wait for pong from peer => no pong = no connection
	PingPeriod     = (PongWait * 9) / 10 // send pings before pong wait expires, 10% slack for jitter
	MaxMessageSize = 512                 // maximum message size allowed from peer
	SendBuffer     = 256                 // queued events per client before it counts as too slow
)

type Client struct {
	ID          string          // unique client ID
	Username    string          // operator name from JWT claims
	PeerFilter  string          // only events for this peer address; empty = all
	Conn        *websocket.Conn // WebSocket connection
	SendChannel chan []byte     // outbound events, closed by the hub
	Hub         *Hub
}

// constructor new client
func NewClient(id, username, peerFilter string, conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		ID:          id,
		Username:    username,
		PeerFilter:  peerFilter,
		Conn:        conn,
		SendChannel: make(chan []byte, SendBuffer),
		Hub:         hub,
	}
}

func (c *Client) wants(ev *Event) bool {
	return c.PeerFilter == "" || c.PeerFilter == ev.Peer
}

// ReadPump keeps the read side alive so pongs and close frames are
// processed, and unregisters the client when the connection ends.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(PongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(PongWait))
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.Hub.logger.Warn("monitor_client_read_error", "client_id", c.ID, "error", err.Error())
			}
			return
		}
	}
}

// WritePump sends queued events and pings until the hub closes SendChannel
// or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(PingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.SendChannel:
			c.Conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if !ok {
				// hub closed the channel
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
