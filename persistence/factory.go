package persistence

import (
	"fmt"

	"go.uber.org/zap"
)

// NewRecordStore creates a record store for the configured backend.
func NewRecordStore(config StoreConfig, logger *zap.Logger) (RecordStore, error) {
	switch config.Type {
	case "", StoreTypeMemory:
		return NewMemoryRecordStore(), nil
	case StoreTypeFile:
		return NewFileRecordStore(config.FilePath, logger)
	case StoreTypeRedis:
		return NewRedisRecordStore(config.Redis)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
