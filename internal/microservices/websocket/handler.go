package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/smartobjectoriented/soo/internal/microservices/http-api/service"
)

// HTTP upgrade handler for the relay monitor

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the route is behind JWT auth, so any origin holding a token may connect
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler: upgrade GET /api/v1/monitor to a WebSocket streaming relay
// events. ?peer=<addr:port> limits the stream to one peer.
func WSHandler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		username := "unknown"
		if claims, ok := c.Get("claims"); ok {
			if cl, ok := claims.(*service.Claims); ok {
				username = cl.Username
			}
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade has already written an HTTP error
			hub.logger.Warn("monitor_upgrade_failed", "error", err.Error())
			return
		}

		client := NewClient(uuid.NewString(), username, c.Query("peer"), conn, hub)
		if !hub.register(client) {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"))
			conn.Close()
			return
		}

		go client.ReadPump()
		go client.WritePump()
	}
}
