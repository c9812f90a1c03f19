package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const resultKeyPrefix = "task-meta-"

// Task outcomes.
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// Result records how a task finished.
type Result struct {
	TaskID     string    `json:"task_id"`
	Task       string    `json:"task"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"date_done"`
}

// ResultStore keeps task results in Redis for ttl.
type ResultStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewResultStore wraps client. Close closes the client.
func NewResultStore(client redis.UniversalClient, ttl time.Duration) *ResultStore {
	return &ResultStore{client: client, ttl: ttl}
}

// DialResultStore connects lazily to the result backend addressed by url.
func DialResultStore(url string, ttl time.Duration) (*ResultStore, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse result backend URL: %w", err)
	}
	return NewResultStore(redis.NewClient(options), ttl), nil
}

func (s *ResultStore) Store(ctx context.Context, r Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := s.client.Set(ctx, resultKeyPrefix+r.TaskID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store result %s: %w", r.TaskID, err)
	}
	return nil
}

// Fetch returns the stored result of a task, if any.
func (s *ResultStore) Fetch(ctx context.Context, taskID string) (Result, bool, error) {
	data, err := s.client.Get(ctx, resultKeyPrefix+taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("fetch result %s: %w", taskID, err)
	}

	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, false, fmt.Errorf("decode result %s: %w", taskID, err)
	}
	return r, true, nil
}

func (s *ResultStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *ResultStore) Close() error {
	return s.client.Close()
}
