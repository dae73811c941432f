package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// FileAuditStore persists audit entries as JSON lines, one entry per line.
// Appends are open-write-close so the file is always flushed; loads skip
// malformed lines so partial corruption doesn't block incident review.
type FileAuditStore struct {
	filePath string
	logger   *zap.Logger
}

// NewFileAuditStore creates an audit store writing to filePath.
func NewFileAuditStore(filePath string, logger *zap.Logger) (*FileAuditStore, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file audit store: file path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileAuditStore{
		filePath: filePath,
		logger:   logger.With(zap.String("component", "file_audit_store")),
	}, nil
}

// Append writes one entry to the end of the file.
func (s *FileAuditStore) Append(entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("file audit store: entry is required")
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(s.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return err
	}
	return file.Sync()
}

// LoadEntries reads the persisted chain in append order.
func (s *FileAuditStore) LoadEntries() ([]*Entry, error) {
	file, err := os.Open(s.filePath)
	if os.IsNotExist(err) {
		return []*Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []*Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			s.logger.Warn("skipping malformed audit entry",
				zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
