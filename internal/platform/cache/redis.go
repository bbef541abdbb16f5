// Package cache provides a best-effort Redis mirror of the latest progress
// snapshots so external dashboards can poll without going through the API.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pathflow-ai/pathflow/internal/platform/logger"
	"github.com/pathflow-ai/pathflow/internal/scheduler/domain/model"
)

// ProgressMirror writes the newest job and workflow progress snapshots to
// Redis. All writes are best-effort; delivery failures are logged and never
// propagate to the publisher. A nil mirror is a no-op.
type ProgressMirror struct {
	client *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

// Config holds Redis connection settings
type Config struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewProgressMirror connects to Redis and returns a mirror
func NewProgressMirror(cfg Config, log logger.Logger) (*ProgressMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &ProgressMirror{
		client: client,
		ttl:    24 * time.Hour,
		logger: log,
	}, nil
}

// SetJobProgress mirrors the latest job progress update
func (m *ProgressMirror) SetJobProgress(ctx context.Context, update model.ProgressUpdate) {
	if m == nil {
		return
	}
	m.set(ctx, "pathflow:job:"+update.JobID, update)
}

// SetWorkflowProgress mirrors the latest workflow progress update
func (m *ProgressMirror) SetWorkflowProgress(ctx context.Context, update model.WorkflowProgressUpdate) {
	if m == nil {
		return
	}
	m.set(ctx, "pathflow:workflow:"+update.WorkflowID, update)
}

func (m *ProgressMirror) set(ctx context.Context, key string, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		m.logger.Warn("progress mirror marshal failed", "key", key, "error", err)
		return
	}
	if err := m.client.Set(ctx, key, data, m.ttl).Err(); err != nil {
		m.logger.Warn("progress mirror write failed", "key", key, "error", err)
	}
}

// Ping reports connectivity, used as a health check
func (m *ProgressMirror) Ping(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.client.Ping(ctx).Err()
}

// Close releases the connection
func (m *ProgressMirror) Close() error {
	if m == nil {
		return nil
	}
	return m.client.Close()
}
