// Package session provides Redis-backed state shared by API replicas that
// serve the same editing sessions.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLeaseTTL bounds how long a crashed holder can block a session.
const DefaultLeaseTTL = 60 * time.Second

// releaseScript deletes the lease only while it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LeaseStore hands out short-lived completion leases keyed by session id.
type LeaseStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewLeaseStore connects to redisURL and verifies the connection.
func NewLeaseStore(redisURL string, ttl time.Duration) (*LeaseStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewLeaseStoreWithClient(client, ttl), nil
}

func NewLeaseStoreWithClient(client *redis.Client, ttl time.Duration) *LeaseStore {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &LeaseStore{
		client: client,
		prefix: "completion:",
		ttl:    ttl,
	}
}

func (s *LeaseStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Acquire takes the session's lease. ok is false when another holder has it.
func (s *LeaseStore) Acquire(ctx context.Context, sessionID string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.key(sessionID), token, s.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire completion lease: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops the lease if token still owns it. A lease that expired and
// was taken by someone else is left alone.
func (s *LeaseStore) Release(ctx context.Context, sessionID, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(sessionID)}, token).Err(); err != nil {
		return fmt.Errorf("release completion lease: %w", err)
	}
	return nil
}

func (s *LeaseStore) Close() error {
	return s.client.Close()
}

func (s *LeaseStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
