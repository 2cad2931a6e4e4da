package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/smartobjectoriented/soo/internal/microservices/http-api/dto"
	"github.com/smartobjectoriented/soo/internal/microservices/http-api/models"
	"github.com/smartobjectoriented/soo/internal/microservices/http-api/service"
)

type RelayHandler struct {
	relayService service.RelayService
}

func NewRelayHandler(relayService service.RelayService) *RelayHandler {
	return &RelayHandler{relayService: relayService}
}

// Health: GET /health
func (h *RelayHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, dto.HealthResponse{
		Status: "ok",
		Peers:  h.relayService.PeerCount(),
	})
}

// ListPeers: GET /api/v1/peers
func (h *RelayHandler) ListPeers(c *gin.Context) {
	peers := h.relayService.Peers()

	resp := dto.PeersResponse{
		Count: len(peers),
		Peers: make([]dto.PeerResponse, 0, len(peers)),
	}
	for _, p := range peers {
		resp.Peers = append(resp.Peers, dto.PeerResponse{
			Remote:      p.Remote,
			SessionID:   p.SessionID,
			ConnectedAt: p.ConnectedAt,
			MessagesIn:  p.MessagesIn,
			BytesIn:     p.BytesIn,
			ProbesSent:  p.ProbesSent,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// GetStats: GET /api/v1/stats
func (h *RelayHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.relayService.Stats())
}

// ListPresence: GET /api/v1/presence
func (h *RelayHandler) ListPresence(c *gin.Context) {
	records, err := h.relayService.Presence(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "presence store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records), "peers": records})
}

// ListSessions: GET /api/v1/sessions?limit=&peer=
func (h *RelayHandler) ListSessions(c *gin.Context) {
	limit := service.DefaultSessionLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, service.MaxSessionLimit)
	}

	sessions, total, err := h.relayService.RecentSessions(c.Request.Context(), c.Query("peer"), limit)
	if errors.Is(err, service.ErrAuditDisabled) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sessions"})
		return
	}

	resp := dto.SessionsResponse{
		Total:    total,
		Limit:    limit,
		Sessions: make([]dto.SessionResponse, 0, len(sessions)),
	}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, toSessionResponse(s))
	}
	c.JSON(http.StatusOK, resp)
}

// GetSession: GET /api/v1/sessions/:id
func (h *RelayHandler) GetSession(c *gin.Context) {
	session, err := h.relayService.Session(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, service.ErrAuditDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case errors.Is(err, service.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(*session))
}

func toSessionResponse(s models.RelaySession) dto.SessionResponse {
	return dto.SessionResponse{
		SessionID:       s.SessionID,
		PeerAddr:        s.PeerAddr,
		ConnectedAt:     s.ConnectedAt,
		DisconnectedAt:  s.DisconnectedAt,
		DurationSeconds: s.Duration().Seconds(),
		MessagesIn:      s.MessagesIn,
		BytesIn:         s.BytesIn,
		ProbesSent:      s.ProbesSent,
		Reason:          s.Reason,
	}
}
