package dto

import "time"

// HealthResponse: unauthenticated liveness probe
type HealthResponse struct {
	Status string `json:"status"`
	Peers  int    `json:"peers"`
}

// PeerResponse: one live relay connection
type PeerResponse struct {
	Remote      string    `json:"remote"`
	SessionID   string    `json:"session_id"`
	ConnectedAt time.Time `json:"connected_at"`
	MessagesIn  int64     `json:"messages_in"`
	BytesIn     int64     `json:"bytes_in"`
	ProbesSent  int64     `json:"probes_sent"`
}

// PeersResponse: registry snapshot in connect order
type PeersResponse struct {
	Count int            `json:"count"`
	Peers []PeerResponse `json:"peers"`
}

// SessionResponse: one closed connection from the audit table
type SessionResponse struct {
	SessionID       string    `json:"session_id"`
	PeerAddr        string    `json:"peer_addr"`
	ConnectedAt     time.Time `json:"connected_at"`
	DisconnectedAt  time.Time `json:"disconnected_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	MessagesIn      int64     `json:"messages_in"`
	BytesIn         int64     `json:"bytes_in"`
	ProbesSent      int64     `json:"probes_sent"`
	Reason          string    `json:"reason"`
}

// SessionsResponse: paginated audit listing
type SessionsResponse struct {
	Total    int64             `json:"total"`
	Limit    int               `json:"limit"`
	Sessions []SessionResponse `json:"sessions"`
}
