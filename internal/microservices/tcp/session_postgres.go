package tcp

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionPostgresRepo writes closed peer sessions to the relay_sessions table.
// The table itself is created by database.ConnectDB (gorm AutoMigrate).
type SessionPostgresRepo struct {
	db *pgxpool.Pool
}

func NewSessionPostgresRepo(db *pgxpool.Pool) *SessionPostgresRepo {
	return &SessionPostgresRepo{db: db}
}

const insertSessionSQL = `
	INSERT INTO relay_sessions (session_id, peer_addr, connected_at, disconnected_at, messages_in, bytes_in, probes_sent, reason)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (session_id) DO NOTHING
`

// BatchInsert queues every summary into one pgx.Batch. Sessions already stored
// are skipped; the returned count only includes new rows.
func (r *SessionPostgresRepo) BatchInsert(ctx context.Context, sessions []SessionSummary) (int, error) {
	if len(sessions) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, s := range sessions {
		batch.Queue(insertSessionSQL,
			s.SessionID,
			s.Remote,
			s.ConnectedAt,
			s.DisconnectedAt,
			s.MessagesIn,
			s.BytesIn,
			s.ProbesSent,
			s.Reason,
		)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range sessions {
		ct, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("failed to insert session: %w", err)
		}
		inserted += int(ct.RowsAffected())
	}
	return inserted, nil
}

// Close closes the pool.
func (r *SessionPostgresRepo) Close() error {
	r.db.Close()
	return nil
}
