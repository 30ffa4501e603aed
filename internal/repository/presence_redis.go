package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/iago/pdfqueue-back/internal/domain"
	"github.com/redis/go-redis/v9"
)

type RedisPresenceConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisPresenceStore keeps worker presence in Redis hashes so several API
// instances share one view of the worker fleet. Each worker is one hash;
// a set indexes the known worker ids.
type RedisPresenceStore struct {
	client *redis.Client
	prefix string
}

func NewRedisPresenceStore(ctx context.Context, cfg RedisPresenceConfig) (*RedisPresenceStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "pdfqueue:presence"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisPresenceStore{client: client, prefix: cfg.Prefix}, nil
}

func (s *RedisPresenceStore) Close() error {
	return s.client.Close()
}

func (s *RedisPresenceStore) UpsertPresence(ctx context.Context, presence domain.WorkerPresence) error {
	pipeline := s.client.TxPipeline()
	pipeline.HSet(ctx, s.workerKey(presence.WorkerID), map[string]any{
		"worker_id":      presence.WorkerID,
		"last_heartbeat": presence.LastHeartbeat.UTC().Format(time.RFC3339Nano),
		"status":         presence.Status,
	})
	pipeline.SAdd(ctx, s.indexKey(), presence.WorkerID)
	if _, err := pipeline.Exec(ctx); err != nil {
		return persistenceError("upsert presence", err)
	}
	return nil
}

func (s *RedisPresenceStore) ListPresence(ctx context.Context) ([]domain.WorkerPresence, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, persistenceError("list presence ids", err)
	}
	sort.Strings(ids)

	pipeline := s.client.Pipeline()
	commands := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		commands = append(commands, pipeline.HGetAll(ctx, s.workerKey(id)))
	}
	if len(commands) > 0 {
		if _, err := pipeline.Exec(ctx); err != nil {
			return nil, persistenceError("load presence", err)
		}
	}

	items := make([]domain.WorkerPresence, 0, len(ids))
	for i, command := range commands {
		values := command.Val()
		if len(values) == 0 {
			continue
		}
		lastHeartbeat, err := time.Parse(time.RFC3339Nano, values["last_heartbeat"])
		if err != nil {
			return nil, persistenceError("parse heartbeat of "+ids[i], err)
		}
		items = append(items, domain.WorkerPresence{
			WorkerID:      ids[i],
			LastHeartbeat: lastHeartbeat,
			Status:        values["status"],
		})
	}
	return items, nil
}

func (s *RedisPresenceStore) workerKey(workerID string) string {
	return s.prefix + ":worker:" + workerID
}

func (s *RedisPresenceStore) indexKey() string {
	return s.prefix + ":workers"
}
