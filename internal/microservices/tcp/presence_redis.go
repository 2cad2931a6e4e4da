package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix = "relay:peer:"
	presenceSetKey    = "relay:peers"
)

// PresenceTTL is how long a presence hash survives without activity for a
// relay probing idle peers every idle. It outlives one probe interval so a
// quiet but live peer stays listed. With probes disabled nothing refreshes a
// quiet peer, so the hash never expires and only a disconnect removes it.
func PresenceTTL(idle time.Duration) time.Duration {
	if idle <= 0 {
		return 0
	}
	return 2 * idle
}

// Activity updates only touch a hash that still exists. A hash that expired
// under a live peer stays gone rather than coming back without its identity.
var (
	touchMessage = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HINCRBY", KEYS[1], "messages_in", 1)
redis.call("HINCRBY", KEYS[1], "bytes_in", ARGV[1])
redis.call("HSET", KEYS[1], "last_seen", ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`)

	touchIdle = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HINCRBY", KEYS[1], "probes_sent", 1)
if tonumber(ARGV[1]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return 1
`)
)

// PresenceRecord is what the relay publishes in Redis for one live peer.
type PresenceRecord struct {
	PeerID      string    `json:"peer_id"`
	SessionID   string    `json:"session_id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	MessagesIn  int64     `json:"messages_in"`
	BytesIn     int64     `json:"bytes_in"`
	ProbesSent  int64     `json:"probes_sent"`
}

// PresenceRedisRepo mirrors the connection registry into Redis so other
// processes can see who is connected. It is an Observer; a nil client turns
// every call into a no-op.
type PresenceRedisRepo struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// constructor for PresenceRedisRepo. redisURL is either a redis:// URL or a
// bare host:port. ttl is the idle lifetime of a hash, 0 for none; see
// PresenceTTL.
func NewPresenceRedisRepo(redisURL, password string, ttl time.Duration) (*PresenceRedisRepo, error) {
	opts := &redis.Options{
		Addr:         redisURL,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	if strings.Contains(redisURL, "://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		if password != "" {
			parsed.Password = password
		}
		opts = parsed
	}
	rdb := redis.NewClient(opts)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewPresenceRedisRepoFromClient(rdb, ttl), nil
}

// NewPresenceRedisRepoFromClient wraps an existing client. A ttl <= 0 keeps
// hashes until the peer disconnects.
func NewPresenceRedisRepoFromClient(client *redis.Client, ttl time.Duration) *PresenceRedisRepo {
	if ttl < 0 {
		ttl = 0
	}
	return &PresenceRedisRepo{
		client: client,
		ttl:    ttl,
		logger: slog.Default(),
	}
}

func presenceKey(id string) string {
	return presenceKeyPrefix + id
}

func (r *PresenceRedisRepo) enabled() bool {
	return r != nil && r.client != nil
}

func (r *PresenceRedisRepo) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 3*time.Second)
}

func (r *PresenceRedisRepo) PeerConnected(info PeerInfo) {
	if !r.enabled() {
		return
	}
	ctx, cancel := r.opContext()
	defer cancel()

	key := presenceKey(info.Remote)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"peer_id":      info.Remote,
			"session_id":   info.SessionID,
			"connected_at": info.ConnectedAt.Format(time.RFC3339Nano),
			"last_seen":    time.Now().Format(time.RFC3339Nano),
			"messages_in":  0,
			"bytes_in":     0,
			"probes_sent":  0,
		})
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		} else {
			pipe.Persist(ctx, key)
		}
		pipe.SAdd(ctx, presenceSetKey, info.Remote)
		return nil
	})
	if err != nil {
		r.logger.Warn("presence_update_failed", "peer_id", info.Remote, "event", "connect", "error", err.Error())
	}
}

func (r *PresenceRedisRepo) PeerDisconnected(summary SessionSummary) {
	if !r.enabled() {
		return
	}
	ctx, cancel := r.opContext()
	defer cancel()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, presenceKey(summary.Remote))
		pipe.SRem(ctx, presenceSetKey, summary.Remote)
		return nil
	})
	if err != nil {
		r.logger.Warn("presence_update_failed", "peer_id", summary.Remote, "event", "disconnect", "error", err.Error())
	}
}

func (r *PresenceRedisRepo) MessageRelayed(ev RelayEvent) {
	if !r.enabled() {
		return
	}
	ctx, cancel := r.opContext()
	defer cancel()

	id := ev.From.String()
	key := presenceKey(id)
	err := touchMessage.Run(ctx, r.client, []string{key},
		ev.Size, ev.At.Format(time.RFC3339Nano), r.ttl.Milliseconds()).Err()
	if err != nil {
		r.logger.Warn("presence_update_failed", "peer_id", id, "event", "message", "error", err.Error())
	}
}

func (r *PresenceRedisRepo) ProbeSent(info PeerInfo) {
	if !r.enabled() {
		return
	}
	ctx, cancel := r.opContext()
	defer cancel()

	key := presenceKey(info.Remote)
	err := touchIdle.Run(ctx, r.client, []string{key}, r.ttl.Milliseconds()).Err()
	if err != nil {
		r.logger.Warn("presence_update_failed", "peer_id", info.Remote, "event", "probe", "error", err.Error())
	}
}

// ListPresence returns every peer currently published. Members whose hash has
// expired, or lost its identity fields, are pruned from the set on the way.
func (r *PresenceRedisRepo) ListPresence(ctx context.Context) ([]PresenceRecord, error) {
	if !r.enabled() {
		return []PresenceRecord{}, nil
	}

	ids, err := r.client.SMembers(ctx, presenceSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence: %w", err)
	}

	results := make([]PresenceRecord, 0, len(ids))
	for _, id := range ids {
		fields, err := r.client.HGetAll(ctx, presenceKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read presence of %s: %w", id, err)
		}
		if fields["peer_id"] == "" {
			r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, presenceKey(id))
				pipe.SRem(ctx, presenceSetKey, id)
				return nil
			})
			continue
		}
		results = append(results, parsePresence(fields))
	}
	return results, nil
}

func parsePresence(fields map[string]string) PresenceRecord {
	rec := PresenceRecord{
		PeerID:    fields["peer_id"],
		SessionID: fields["session_id"],
	}
	rec.ConnectedAt, _ = time.Parse(time.RFC3339Nano, fields["connected_at"])
	rec.LastSeen, _ = time.Parse(time.RFC3339Nano, fields["last_seen"])
	rec.MessagesIn, _ = strconv.ParseInt(fields["messages_in"], 10, 64)
	rec.BytesIn, _ = strconv.ParseInt(fields["bytes_in"], 10, 64)
	rec.ProbesSent, _ = strconv.ParseInt(fields["probes_sent"], 10, 64)
	return rec
}

func (r *PresenceRedisRepo) Close() error {
	if !r.enabled() {
		return nil
	}
	return r.client.Close()
}
