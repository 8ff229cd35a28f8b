package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ppgtriage/config"
	"ppgtriage/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrSnapshotNotFound is returned when no live snapshot is cached.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// RedisSnapshotStore caches the latest snapshot of every patient, waveform
// included, for dashboards. Keys expire after SnapshotTTL so a stopped
// monitor does not leave stale vitals behind.
type RedisSnapshotStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewRedisClient builds a client for cfg.RedisAddr and pings it.
func NewRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

func NewRedisSnapshotStore(cfg *config.Config, client *redis.Client, logger *zap.Logger) *RedisSnapshotStore {
	return &RedisSnapshotStore{
		client:    client,
		keyPrefix: cfg.RedisKeyPrefix,
		ttl:       cfg.SnapshotTTL,
		logger:    logger,
	}
}

func (s *RedisSnapshotStore) Name() string {
	return "redis"
}

func (s *RedisSnapshotStore) key(patientID string) string {
	return s.keyPrefix + patientID + ":snapshot"
}

// WriteSnapshots stores the batch in one pipeline.
func (s *RedisSnapshotStore) WriteSnapshots(ctx context.Context, snapshots []*models.PatientSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, snap := range snapshots {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot for %s: %w", snap.PatientID, err)
		}
		pipe.Set(ctx, s.key(snap.PatientID), data, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write snapshots: %w", err)
	}

	s.logger.Debug("Cached snapshots in Redis", zap.Int("count", len(snapshots)))
	return nil
}

// GetSnapshot returns the cached snapshot of patientID.
func (s *RedisSnapshotStore) GetSnapshot(ctx context.Context, patientID string) (*models.PatientSnapshot, error) {
	data, err := s.client.Get(ctx, s.key(patientID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, patientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot for %s: %w", patientID, err)
	}

	var snap models.PatientSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot for %s: %w", patientID, err)
	}
	return &snap, nil
}
