package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/smartobjectoriented/soo/internal/microservices/http-api/models"
)

type SessionRepository interface {
	ListRecent(ctx context.Context, limit int) ([]models.RelaySession, error)
	ListByPeer(ctx context.Context, peerAddr string, limit int) ([]models.RelaySession, error)
	FindByID(ctx context.Context, sessionID string) (*models.RelaySession, error)
	Count(ctx context.Context, peerAddr string) (int64, error)
}

type sessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

func (r *sessionRepository) ListRecent(ctx context.Context, limit int) ([]models.RelaySession, error) {
	var sessions []models.RelaySession
	err := r.db.WithContext(ctx).
		Order("disconnected_at DESC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

func (r *sessionRepository) ListByPeer(ctx context.Context, peerAddr string, limit int) ([]models.RelaySession, error) {
	var sessions []models.RelaySession
	err := r.db.WithContext(ctx).
		Where("peer_addr = ?", peerAddr).
		Order("disconnected_at DESC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

func (r *sessionRepository) FindByID(ctx context.Context, sessionID string) (*models.RelaySession, error) {
	var session models.RelaySession
	if err := r.db.WithContext(ctx).First(&session, "session_id = ?", sessionID).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// Count returns how many sessions are stored, only those of peerAddr when it
// is not empty.
func (r *sessionRepository) Count(ctx context.Context, peerAddr string) (int64, error) {
	var n int64
	q := r.db.WithContext(ctx).Model(&models.RelaySession{})
	if peerAddr != "" {
		q = q.Where("peer_addr = ?", peerAddr)
	}
	err := q.Count(&n).Error
	return n, err
}
