// Package redisstore persists circuit breaker state in Redis so breaker
// decisions survive process restarts. The store is strictly best-effort: the
// breaker treats every error here as "no persisted state" and falls back to
// in-memory operation.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dskow/findata-core/circuitbreaker"
)

const keyPrefix = "findata:breaker:"

// Store implements circuitbreaker.StateStore on top of Redis.
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// Options configure the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection with a ping. A failed
// ping returns an error so the caller can decide to run without persistence.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", opts.Addr, err)
	}
	return &Store{client: client, logger: logger}, nil
}

// NewWithClient wraps an existing Redis client. Used by tests with miniredis.
func NewWithClient(client *redis.Client, logger *slog.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// Load fetches the persisted breaker state for a service. A missing key is
// not an error: (nil, nil) means "nothing stored".
func (s *Store) Load(ctx context.Context, service string) (*circuitbreaker.PersistedState, error) {
	data, err := s.client.Get(ctx, keyPrefix+service).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading breaker state for %s: %w", service, err)
	}

	var st circuitbreaker.PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		// Corrupt entry: drop it rather than poisoning every future load.
		s.logger.Warn("discarding corrupt breaker state", "service", service, "error", err)
		s.client.Del(ctx, keyPrefix+service)
		return nil, nil
	}
	return &st, nil
}

// Save writes the breaker state with the given TTL.
func (s *Store) Save(ctx context.Context, service string, st circuitbreaker.PersistedState, ttl time.Duration) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding breaker state for %s: %w", service, err)
	}
	if err := s.client.Set(ctx, keyPrefix+service, data, ttl).Err(); err != nil {
		return fmt.Errorf("saving breaker state for %s: %w", service, err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
