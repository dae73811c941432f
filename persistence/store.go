package persistence

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType represents the type of storage backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
)

// StoreConfig is the base configuration for all store implementations.
type StoreConfig struct {
	// Type is the storage backend type.
	Type StoreType `json:"type" yaml:"type"`

	// FilePath is the journal file for file-based storage.
	FilePath string `json:"file_path" yaml:"file_path"`

	// Redis configuration (only used when Type is "redis").
	Redis RedisStoreConfig `json:"redis" yaml:"redis"`
}

// RedisStoreConfig contains Redis-specific configuration.
type RedisStoreConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `json:"addr" yaml:"addr"`

	// Password is the Redis password (optional).
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number.
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size.
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix is the prefix for all Redis keys.
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultStoreConfig returns the default store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:     StoreTypeMemory,
		FilePath: "./data/tasks.jsonl",
		Redis: RedisStoreConfig{
			Addr:      "localhost:6379",
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "swarmgrid:",
		},
	}
}

// Store is the base interface for all persistent stores.
type Store interface {
	// Close closes the store and releases resources.
	Close() error

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error
}

// RecordStore is the durable journal of task records. The last write per
// task id is authoritative; LoadRecords returns the latest snapshot per id.
type RecordStore interface {
	Store

	// Upsert durably records the current snapshot of a task record.
	Upsert(ctx context.Context, record *TaskRecord) error

	// Delete removes a record. The orchestrator only calls this when the
	// very first send attempt fails, so no orphaned record survives a
	// failed dispatch.
	Delete(ctx context.Context, taskID string) error

	// LoadRecords returns the latest snapshot per task id.
	LoadRecords(ctx context.Context) ([]*TaskRecord, error)

	// Flush guarantees all pending writes are durable before returning.
	Flush(ctx context.Context) error
}
