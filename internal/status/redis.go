// Package status fans session snapshots out over Redis: each change is
// published on <prefix>.<session_id> and mirrored into a hash at
// <prefix>:<session_id> for readers that poll.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/session"
	redis "github.com/redis/go-redis/v9"
)

// hashTTL bounds how long a session hash outlives its last update.
const hashTTL = 24 * time.Hour

// conn is the subset of *redis.Client the publisher uses.
type conn interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Close() error
}

type Publisher struct {
	rdb    conn
	prefix string
	log    *slog.Logger
}

// NewPublisher connects to cfg.RedisAddr. It returns nil when no address is
// configured; a nil Publisher is a valid no-op.
func NewPublisher(ctx context.Context, cfg config.StatusConfig, log *slog.Logger) (*Publisher, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	return newPublisher(rdb, cfg.ChannelPrefix, log), nil
}

func newPublisher(rdb conn, prefix string, log *slog.Logger) *Publisher {
	return &Publisher{
		rdb:    rdb,
		prefix: prefix,
		log:    log.With(slog.String("component", "status")),
	}
}

func (p *Publisher) Channel(sessionID string) string { return p.prefix + "." + sessionID }

func (p *Publisher) Key(sessionID string) string { return p.prefix + ":" + sessionID }

// Publish announces snap to subscribers and updates the session hash.
func (p *Publisher) Publish(ctx context.Context, snap session.Snapshot) error {
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.Channel(snap.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH %s: %w", p.Channel(snap.SessionID), err)
	}
	key := p.Key(snap.SessionID)
	if err := p.rdb.HSet(ctx, key,
		"status", string(snap.Status),
		"transport", string(snap.Transport),
		"capturing", snap.Capturing,
		"error", snap.Error,
		"updated_at", snap.UpdatedAt.Format(time.RFC3339Nano),
	).Err(); err != nil {
		return fmt.Errorf("redis HSET %s: %w", key, err)
	}
	if err := p.rdb.Expire(ctx, key, hashTTL).Err(); err != nil {
		p.log.Debug("failed to set status ttl", slog.String("key", key), slog.String("error", err.Error()))
	}
	return nil
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.rdb.Close()
}
