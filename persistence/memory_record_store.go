package persistence

import (
	"context"
	"sync"
)

// MemoryRecordStore is an in-memory implementation of RecordStore.
// Suitable for development and tests.
type MemoryRecordStore struct {
	records map[string]*TaskRecord
	mu      sync.RWMutex
	closed  bool
}

// NewMemoryRecordStore creates a new in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: make(map[string]*TaskRecord),
	}
}

// Close closes the store.
func (s *MemoryRecordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy.
func (s *MemoryRecordStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Upsert records the current snapshot of a task record.
func (s *MemoryRecordStore) Upsert(ctx context.Context, record *TaskRecord) error {
	if record == nil || record.TaskID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.records[record.TaskID] = record.Clone()
	return nil
}

// Delete removes a record.
func (s *MemoryRecordStore) Delete(ctx context.Context, taskID string) error {
	if taskID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.records, taskID)
	return nil
}

// LoadRecords returns the latest snapshot per task id.
func (s *MemoryRecordStore) LoadRecords(ctx context.Context) ([]*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]*TaskRecord, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record.Clone())
	}
	return out, nil
}

// Flush is a no-op; memory writes are immediately visible.
func (s *MemoryRecordStore) Flush(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

var _ RecordStore = (*MemoryRecordStore)(nil)
