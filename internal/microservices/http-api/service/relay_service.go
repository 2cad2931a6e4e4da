package service

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/smartobjectoriented/soo/internal/microservices/http-api/models"
	"github.com/smartobjectoriented/soo/internal/microservices/http-api/repository"
	"github.com/smartobjectoriented/soo/internal/microservices/tcp"
)

// ErrAuditDisabled is returned by session queries when no database is configured.
var ErrAuditDisabled = errors.New("session audit is not enabled")

// ErrSessionNotFound is returned by Session for an unknown session ID.
var ErrSessionNotFound = errors.New("session not found")

const (
	DefaultSessionLimit = 50
	MaxSessionLimit     = 1000
)

// RelayService is the read side of the relay used by the admin API.
type RelayService interface {
	PeerCount() int
	Peers() []tcp.PeerInfo
	Stats() tcp.StatsSnapshot
	Presence(ctx context.Context) ([]tcp.PresenceRecord, error)
	RecentSessions(ctx context.Context, peerAddr string, limit int) ([]models.RelaySession, int64, error)
	Session(ctx context.Context, sessionID string) (*models.RelaySession, error)
}

// PeerSource is the part of the relay server the admin API reads.
type PeerSource interface {
	Peers() []tcp.PeerInfo
	Count() int
}

// StatsSource exposes the relay counters.
type StatsSource interface {
	Snapshot() tcp.StatsSnapshot
}

// PresenceSource lists peers published in Redis.
type PresenceSource interface {
	ListPresence(ctx context.Context) ([]tcp.PresenceRecord, error)
}

type relayService struct {
	peers    PeerSource
	stats    StatsSource
	presence PresenceSource              // nil when Redis is off
	sessions repository.SessionRepository // nil when Postgres is off
}

func NewRelayService(
	peers PeerSource,
	stats StatsSource,
	presence PresenceSource,
	sessions repository.SessionRepository,
) RelayService {
	return &relayService{
		peers:    peers,
		stats:    stats,
		presence: presence,
		sessions: sessions,
	}
}

func (s *relayService) PeerCount() int {
	return s.peers.Count()
}

func (s *relayService) Peers() []tcp.PeerInfo {
	return s.peers.Peers()
}

func (s *relayService) Stats() tcp.StatsSnapshot {
	return s.stats.Snapshot()
}

func (s *relayService) Presence(ctx context.Context) ([]tcp.PresenceRecord, error) {
	if s.presence == nil {
		return []tcp.PresenceRecord{}, nil
	}
	return s.presence.ListPresence(ctx)
}

// RecentSessions returns the latest closed sessions, newest first, optionally
// for one peer address, plus the total number stored under the same filter.
func (s *relayService) RecentSessions(ctx context.Context, peerAddr string, limit int) ([]models.RelaySession, int64, error) {
	if s.sessions == nil {
		return nil, 0, ErrAuditDisabled
	}
	if limit <= 0 {
		limit = DefaultSessionLimit
	}
	if limit > MaxSessionLimit {
		limit = MaxSessionLimit
	}

	var (
		list []models.RelaySession
		err  error
	)
	if peerAddr != "" {
		list, err = s.sessions.ListByPeer(ctx, peerAddr, limit)
	} else {
		list, err = s.sessions.ListRecent(ctx, limit)
	}
	if err != nil {
		return nil, 0, err
	}

	total, err := s.sessions.Count(ctx, peerAddr)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func (s *relayService) Session(ctx context.Context, sessionID string) (*models.RelaySession, error) {
	if s.sessions == nil {
		return nil, ErrAuditDisabled
	}
	session, err := s.sessions.FindByID(ctx, sessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}
