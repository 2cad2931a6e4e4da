package models

import "time"

// RelaySession is one closed relay connection, written by the relay's session
// auditor and read back by the admin API.
type RelaySession struct {
	SessionID      string    `gorm:"type:uuid;primaryKey" json:"session_id"`
	PeerAddr       string    `gorm:"not null;index" json:"peer_addr"`
	ConnectedAt    time.Time `gorm:"not null" json:"connected_at"`
	DisconnectedAt time.Time `gorm:"not null;index" json:"disconnected_at"`
	MessagesIn     int64     `gorm:"not null;default:0" json:"messages_in"`
	BytesIn        int64     `gorm:"not null;default:0" json:"bytes_in"`
	ProbesSent     int64     `gorm:"not null;default:0" json:"probes_sent"`
	Reason         string    `json:"reason"`
}

func (RelaySession) TableName() string {
	return "relay_sessions"
}

// Duration is how long the peer stayed connected.
func (s RelaySession) Duration() time.Duration {
	return s.DisconnectedAt.Sub(s.ConnectedAt)
}
