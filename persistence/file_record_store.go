package persistence

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	eventUpsert   = "upsert"
	eventDelete   = "delete"
	eventSnapshot = "snapshot"
)

// journalEvent is one line of the JSON-lines task journal.
type journalEvent struct {
	Type    string                 `json:"type"`
	TaskID  string                 `json:"taskId,omitempty"`
	At      int64                  `json:"at"`
	Record  *TaskRecord            `json:"record,omitempty"`
	Records map[string]*TaskRecord `json:"records,omitempty"`
}

// FileRecordStore is a JSON-lines journal implementation of RecordStore.
// Every Upsert/Delete appends an event; replay applies events in order so
// the last write per task id wins. Suitable for single-node production
// deployments; an external export tool consumes the same journal.
type FileRecordStore struct {
	filePath string
	now      func() int64
	logger   *zap.Logger

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	closed bool
}

// NewFileRecordStore creates a journal-backed record store at filePath.
func NewFileRecordStore(filePath string, logger *zap.Logger) (*FileRecordStore, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file record store: %w: file path is required", ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileRecordStore{
		filePath: filePath,
		now:      func() int64 { return time.Now().UnixMilli() },
		logger:   logger.With(zap.String("component", "file_record_store")),
	}, nil
}

func (s *FileRecordStore) ensureOpen() error {
	if s.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	file, err := os.OpenFile(s.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	s.file = file
	s.writer = bufio.NewWriter(file)
	return nil
}

func (s *FileRecordStore) appendEvent(event journalEvent) error {
	if s.closed {
		return ErrStoreClosed
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// Close flushes pending writes and closes the journal.
func (s *FileRecordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file == nil {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

// Ping checks if the store is healthy.
func (s *FileRecordStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Upsert appends an upsert event for the record snapshot.
func (s *FileRecordStore) Upsert(ctx context.Context, record *TaskRecord) error {
	if record == nil || record.TaskID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEvent(journalEvent{
		Type:   eventUpsert,
		TaskID: record.TaskID,
		At:     s.now(),
		Record: record.Clone(),
	})
}

// Delete appends a delete event for the task id.
func (s *FileRecordStore) Delete(ctx context.Context, taskID string) error {
	if taskID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEvent(journalEvent{
		Type:   eventDelete,
		TaskID: taskID,
		At:     s.now(),
	})
}

// Flush writes buffered events through to disk and syncs the file.
func (s *FileRecordStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if s.file == nil {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

// LoadRecords replays the journal and returns the latest snapshot per task
// id. Malformed lines are skipped so partial corruption does not block
// recovery.
func (s *FileRecordStore) LoadRecords(ctx context.Context) ([]*TaskRecord, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.filePath)
	if os.IsNotExist(err) {
		return []*TaskRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	state := make(map[string]*TaskRecord)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event journalEvent
		if err := json.Unmarshal(line, &event); err != nil {
			s.logger.Warn("skipping malformed journal event",
				zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		applyJournalEvent(state, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	out := make([]*TaskRecord, 0, len(state))
	for _, record := range state {
		out = append(out, record)
	}
	return out, nil
}

func applyJournalEvent(state map[string]*TaskRecord, event *journalEvent) {
	switch event.Type {
	case eventSnapshot:
		for id := range state {
			delete(state, id)
		}
		for taskID, record := range event.Records {
			if taskID == "" || record == nil {
				continue
			}
			state[taskID] = record
		}
	case eventUpsert:
		if event.TaskID != "" && event.Record != nil {
			state[event.TaskID] = event.Record
		}
	case eventDelete:
		if event.TaskID != "" {
			delete(state, event.TaskID)
		}
	}
}

// Compact rewrites the journal as a single snapshot event, dropping
// superseded history. Uses a temp-file write plus rename so a crash never
// leaves a half-written journal.
func (s *FileRecordStore) Compact(ctx context.Context) error {
	records, err := s.LoadRecords(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	snapshot := make(map[string]*TaskRecord, len(records))
	for _, record := range records {
		snapshot[record.TaskID] = record
	}
	data, err := json.Marshal(journalEvent{
		Type:    eventSnapshot,
		At:      s.now(),
		Records: snapshot,
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return err
	}
	tempPath := s.filePath + ".tmp"
	if err := os.WriteFile(tempPath, append(data, '\n'), 0o644); err != nil {
		return err
	}

	// Swap the journal and reopen the append handle.
	if s.file != nil {
		if err := s.writer.Flush(); err != nil {
			return err
		}
		if err := s.file.Close(); err != nil {
			return err
		}
		s.file = nil
		s.writer = nil
	}
	if err := os.Rename(tempPath, s.filePath); err != nil {
		return err
	}
	return s.ensureOpen()
}

var _ RecordStore = (*FileRecordStore)(nil)
