// Package persistence writes the durable per-session dialogue log. The
// orchestrator treats the store as fire-and-forget: write failures are
// logged and never abort an otherwise-successful turn.
package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is one line of a session log file.
type Record struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"` // "message" or "stage"
	Role      string    `json:"role,omitempty"`
	Text      string    `json:"text,omitempty"`
	StageID   string    `json:"stage_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Record kinds.
const (
	KindMessage = "message"
	KindStage   = "stage"
)

// Store is the durable session log.
type Store interface {
	// AppendMessage records one committed message.
	AppendMessage(sessionID, role, text string) error

	// UpdateStage records a stage change.
	UpdateStage(sessionID, stageID string) error

	// ReadLog returns all records for a session, oldest first.
	ReadLog(sessionID string) ([]Record, error)
}

// FileStore persists each session as a JSONL file under a base directory.
type FileStore struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the base directory if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session log directory: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// AppendMessage records one committed message.
func (s *FileStore) AppendMessage(sessionID, role, text string) error {
	return s.append(Record{
		SessionID: sessionID,
		Kind:      KindMessage,
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	})
}

// UpdateStage records a stage change.
func (s *FileStore) UpdateStage(sessionID, stageID string) error {
	return s.append(Record{
		SessionID: sessionID,
		Kind:      KindStage,
		StageID:   stageID,
		Timestamp: time.Now(),
	})
}

func (s *FileStore) append(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(r.SessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open session log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to session log: %w", err)
	}
	return nil
}

// ReadLog returns all records for a session, oldest first. Malformed lines
// are skipped with a warning so one corrupt line never hides the rest of the
// log. A missing file means an empty log, not an error.
func (s *FileStore) ReadLog(sessionID string) ([]Record, error) {
	f, err := os.Open(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			s.logger.Warn("skipping malformed session log line",
				zap.String("session_id", sessionID),
				zap.Int("line", lineNum),
				zap.Error(err),
			)
			continue
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session log: %w", err)
	}
	return records, nil
}

func (s *FileStore) path(sessionID string) string {
	// Session IDs are UUIDs; sanitize anyway so a hostile ID cannot escape
	// the log directory.
	safe := strings.ReplaceAll(sessionID, string(filepath.Separator), "_")
	return filepath.Join(s.dir, safe+".jsonl")
}

// NopStore discards everything. Used when persistence is disabled.
type NopStore struct{}

var _ Store = NopStore{}

func (NopStore) AppendMessage(sessionID, role, text string) error { return nil }
func (NopStore) UpdateStage(sessionID, stageID string) error      { return nil }
func (NopStore) ReadLog(sessionID string) ([]Record, error)       { return nil, nil }
