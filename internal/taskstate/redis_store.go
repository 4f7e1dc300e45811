// Package taskstate keeps agreement task progress, cancel flags and finished reports in Redis.
package taskstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("task not found or expired")

type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateDone      State = "done"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Progress is the polled status of one task.
type Progress struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Mode      string    `json:"mode"`
	State     State     `json:"state"`
	Done      int       `json:"done"`
	Total     int       `json:"total"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RedisStore holds task records under per-task keys with a shared TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, ttl), nil
}

func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: "task:", ttl: ttl}
}

func (s *RedisStore) key(taskID, kind string) string {
	return s.prefix + taskID + ":" + kind
}

func (s *RedisStore) SaveProgress(ctx context.Context, p Progress) error {
	p.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := s.client.Set(ctx, s.key(p.ID, "progress"), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadProgress(ctx context.Context, taskID string) (Progress, error) {
	data, err := s.client.Get(ctx, s.key(taskID, "progress")).Result()
	if err == redis.Nil {
		return Progress{}, ErrNotFound
	}
	if err != nil {
		return Progress{}, fmt.Errorf("load progress: %w", err)
	}
	var p Progress
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return Progress{}, fmt.Errorf("unmarshal progress: %w", err)
	}
	return p, nil
}

// Cancel raises the cancel flag. The running task notices it before its next document.
func (s *RedisStore) Cancel(ctx context.Context, taskID string) error {
	if _, err := s.LoadProgress(ctx, taskID); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(taskID, "cancel"), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	return nil
}

func (s *RedisStore) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(taskID, "cancel")).Result()
	if err != nil {
		return false, fmt.Errorf("check cancel flag: %w", err)
	}
	return n > 0, nil
}

// SaveResult stores a finished report as JSON.
func (s *RedisStore) SaveResult(ctx context.Context, taskID string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := s.client.Set(ctx, s.key(taskID, "result"), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadResult(ctx context.Context, taskID string, dest any) error {
	data, err := s.client.Get(ctx, s.key(taskID, "result")).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load result: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Monitor adapts one task's records to the agreement runner. Redis failures are logged and
// never stop the task.
type Monitor struct {
	ctx      context.Context
	store    *RedisStore
	progress Progress
	log      logrus.FieldLogger
}

func (s *RedisStore) Monitor(ctx context.Context, p Progress, log logrus.FieldLogger) *Monitor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Monitor{ctx: ctx, store: s, progress: p, log: log.WithField("task", p.ID)}
}

func (m *Monitor) IsCancelled() bool {
	cancelled, err := m.store.IsCancelled(m.ctx, m.progress.ID)
	if err != nil {
		m.log.WithError(err).Warn("cancel flag unavailable")
		return false
	}
	return cancelled
}

func (m *Monitor) SetProgress(done, total int, message string) {
	m.progress.State = StateRunning
	m.progress.Done, m.progress.Total, m.progress.Message = done, total, message
	if err := m.store.SaveProgress(m.ctx, m.progress); err != nil {
		m.log.WithError(err).Warn("progress update failed")
	}
}

// Finish records the terminal state.
func (m *Monitor) Finish(state State, taskErr error) error {
	m.progress.State = state
	if taskErr != nil {
		m.progress.Error = taskErr.Error()
	}
	return m.store.SaveProgress(m.ctx, m.progress)
}
