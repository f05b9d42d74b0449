// Package redis provides a shared-cache presence registry for multi-process
// relay deployments. The in-memory registry remains the default; this one is
// selected when a Redis URL is configured.
package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	connsKeyPrefix    = "chat:conns:"
	onlineKey         = "chat:online"
	lastSeenKeyPrefix = "chat:lastseen:"
)

// PresenceRegistry implements relay.Registry on Redis sets so several relay
// processes agree on who is online.
type PresenceRegistry struct {
	rdb *redis.Client
}

// NewPresenceRegistry creates a registry over an established client.
func NewPresenceRegistry(rdb *redis.Client) *PresenceRegistry {
	return &PresenceRegistry{rdb: rdb}
}

// MarkOnline adds the connection to the user's set and reports whether it was
// the first.
func (p *PresenceRegistry) MarkOnline(ctx context.Context, userID, connID string) (bool, error) {
	key := connsKeyPrefix + userID

	pipe := p.rdb.TxPipeline()
	pipe.SAdd(ctx, key, connID)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to mark online: %w", err)
	}

	first := card.Val() == 1
	if first {
		if err := p.rdb.SAdd(ctx, onlineKey, userID).Err(); err != nil {
			return false, fmt.Errorf("failed to add to online set: %w", err)
		}
	}
	return first, nil
}

// MarkOffline removes the connection and reports whether the user is now
// fully offline, stamping lastSeen when they are.
func (p *PresenceRegistry) MarkOffline(ctx context.Context, userID, connID string) (bool, error) {
	key := connsKeyPrefix + userID

	pipe := p.rdb.TxPipeline()
	removed := pipe.SRem(ctx, key, connID)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to mark offline: %w", err)
	}
	if removed.Val() == 0 || card.Val() > 0 {
		return false, nil
	}

	now := time.Now().Unix()
	pipe = p.rdb.TxPipeline()
	pipe.SRem(ctx, onlineKey, userID)
	pipe.Set(ctx, lastSeenKeyPrefix+userID, strconv.FormatInt(now, 10), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("failed to record last seen: %w", err)
	}
	return true, nil
}

// ListOnline returns all users with at least one connection.
func (p *PresenceRegistry) ListOnline(ctx context.Context) ([]string, error) {
	users, err := p.rdb.SMembers(ctx, onlineKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online users: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

// IsOnline reports whether the user has at least one connection.
func (p *PresenceRegistry) IsOnline(ctx context.Context, userID string) (bool, error) {
	card, err := p.rdb.SCard(ctx, connsKeyPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return card > 0, nil
}

// LastSeen returns when the user last went fully offline.
func (p *PresenceRegistry) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	val, err := p.rdb.Get(ctx, lastSeenKeyPrefix+userID).Result()
	if err != nil {
		if err == redis.Nil {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to read last seen: %w", err)
	}
	unix, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed last seen value: %w", err)
	}
	return time.Unix(unix, 0), nil
}
