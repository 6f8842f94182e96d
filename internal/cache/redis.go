package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ward-net/alertfeed/pkg/types"
)

const (
	// Cache key prefixes
	keyPrefix        = "alertfeed:cache:"
	metricsKeyPrefix = "alertfeed:metrics:"
)

// Redis is a redis-backed Store: one hash per scope, one field per
// alert. Per-alert write serialization comes from the event queue, so
// Patch does a plain read-modify-write of the field.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis connects to redis and verifies the connection.
func NewRedis(redisURL string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Redis{
		client: client,
		logger: logger.With("component", "cache"),
	}, nil
}

// Close releases the redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func scopeKey(scopeID string) string   { return keyPrefix + "scope:" + scopeID }
func metricsKey(scopeID string) string { return metricsKeyPrefix + "scope:" + scopeID }

func (r *Redis) Get(ctx context.Context, scopeID, alertID string) (*types.AlertSnapshot, error) {
	data, err := r.client.HGet(ctx, scopeKey(scopeID), alertID).Bytes()
	if err == redis.Nil {
		return nil, nil // Cache miss
	}
	if err != nil {
		return nil, err
	}
	var snap types.AlertSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding cached snapshot: %w", err)
	}
	return &snap, nil
}

func (r *Redis) List(ctx context.Context, scopeID string) ([]types.AlertSnapshot, error) {
	fields, err := r.client.HGetAll(ctx, scopeKey(scopeID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]types.AlertSnapshot, 0, len(fields))
	for alertID, data := range fields {
		var snap types.AlertSnapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			r.logger.Warn("dropping undecodable cache entry",
				"scope_id", scopeID, "alert_id", alertID, "error", err)
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

func (r *Redis) Patch(ctx context.Context, scopeID, alertID string, fn PatchFunc) error {
	current, err := r.Get(ctx, scopeID, alertID)
	if err != nil {
		return err
	}
	next := fn(current)
	if next == nil {
		return r.client.HDel(ctx, scopeKey(scopeID), alertID).Err()
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	return r.client.HSet(ctx, scopeKey(scopeID), alertID, data).Err()
}

func (r *Redis) Invalidate(ctx context.Context, scopeID string) error {
	return r.client.Del(ctx, scopeKey(scopeID)).Err()
}

func (r *Redis) PutMetrics(ctx context.Context, m *types.ScopeMetrics) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding metrics: %w", err)
	}
	return r.client.Set(ctx, metricsKey(m.ScopeID), data, 0).Err()
}

func (r *Redis) GetMetrics(ctx context.Context, scopeID string) (*types.ScopeMetrics, error) {
	data, err := r.client.Get(ctx, metricsKey(scopeID)).Bytes()
	if err == redis.Nil {
		return nil, nil // Cache miss
	}
	if err != nil {
		return nil, err
	}
	var m types.ScopeMetrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding cached metrics: %w", err)
	}
	return &m, nil
}
