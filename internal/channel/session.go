package channel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Session is the identity persisted between runs.
type Session struct {
	SessionID string    `json:"session_id"`
	BotNumber string    `json:"bot_number"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SessionStore struct {
	path string
}

func NewSessionStore(path string) *SessionStore {
	return &SessionStore{path: path}
}

// Load returns an error wrapping fs.ErrNotExist when nothing was saved yet.
func (s *SessionStore) Load() (Session, error) {
	var sess Session
	b, err := os.ReadFile(s.path)
	if err != nil {
		return sess, fmt.Errorf("read session file: %w", err)
	}
	if err := json.Unmarshal(b, &sess); err != nil {
		return sess, fmt.Errorf("decode session file %s: %w", s.path, err)
	}
	return sess, nil
}

// Save replaces the file atomically.
func (s *SessionStore) Save(sess Session) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create session dir: %w", err)
		}
	}

	b, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}
