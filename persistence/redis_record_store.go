package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// RedisRecordStore is a Redis-based implementation of RecordStore.
// Suitable for distributed production deployments. Each record is stored as
// a JSON value under its own key, with a set index of known task ids.
type RedisRecordStore struct {
	client    *redis.Client
	keyPrefix string

	mu     sync.RWMutex
	closed bool
}

// NewRedisRecordStore creates a new Redis-backed record store.
func NewRedisRecordStore(config RedisStoreConfig) (*RedisRecordStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "swarmgrid:"
	}
	return &RedisRecordStore{
		client:    client,
		keyPrefix: keyPrefix + "task:",
	}, nil
}

func (s *RedisRecordStore) recordKey(taskID string) string {
	return s.keyPrefix + "data:" + taskID
}

func (s *RedisRecordStore) indexKey() string {
	return s.keyPrefix + "all"
}

// Close closes the store.
func (s *RedisRecordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Ping checks if the store is healthy.
func (s *RedisRecordStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.client.Ping(ctx).Err()
}

// Upsert records the current snapshot of a task record.
func (s *RedisRecordStore) Upsert(ctx context.Context, record *TaskRecord) error {
	if record == nil || record.TaskID == "" {
		return ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(record.TaskID), data, 0)
	pipe.SAdd(ctx, s.indexKey(), record.TaskID)
	_, err = pipe.Exec(ctx)
	return err
}

// Delete removes a record.
func (s *RedisRecordStore) Delete(ctx context.Context, taskID string) error {
	if taskID == "" {
		return ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.recordKey(taskID))
	pipe.SRem(ctx, s.indexKey(), taskID)
	_, err := pipe.Exec(ctx)
	return err
}

// LoadRecords fetches every indexed record concurrently and returns the
// latest snapshot per task id.
func (s *RedisRecordStore) LoadRecords(ctx context.Context) ([]*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	taskIDs, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}

	records := make([]*TaskRecord, len(taskIDs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(16)
	for i, taskID := range taskIDs {
		group.Go(func() error {
			data, err := s.client.Get(groupCtx, s.recordKey(taskID)).Bytes()
			if err == redis.Nil {
				// Index entry without a record: treat as deleted.
				return nil
			}
			if err != nil {
				return err
			}
			var record TaskRecord
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}
			records[i] = &record
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	out := make([]*TaskRecord, 0, len(records))
	for _, record := range records {
		if record != nil {
			out = append(out, record)
		}
	}
	return out, nil
}

// Flush is a no-op; redis writes are durable once acknowledged.
func (s *RedisRecordStore) Flush(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

var _ RecordStore = (*RedisRecordStore)(nil)
