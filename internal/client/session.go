package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joescharf/bugtrack/internal/models"
)

// ErrNoSession is returned when no one is logged in.
var ErrNoSession = errors.New("not logged in: run 'bugtrack login' first")

// Session is the locally stored login. Role and identity are read from here
// for client-side gating instead of being decoded from the token.
type Session struct {
	ServerURL string      `yaml:"server_url"`
	Token     string      `yaml:"token"`
	UserID    string      `yaml:"user_id"`
	Username  string      `yaml:"username"`
	Role      models.Role `yaml:"role"`
	ExpiresAt time.Time   `yaml:"expires_at,omitempty"`
}

// Valid reports whether s holds an unexpired token.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.Token == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// Ref returns the session user as a reference.
func (s *Session) Ref() *models.UserRef {
	return &models.UserRef{ID: s.UserID, Username: s.Username, Role: s.Role}
}

// LoadSession reads the session file at path. A missing file yields
// ErrNoSession.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var s Session
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", path, err)
	}
	if s.Token == "" {
		return nil, ErrNoSession
	}
	return &s, nil
}

// Save writes the session to path, readable only by the owner.
func (s *Session) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// ClearSession removes the session file. Removing a missing file is not an
// error.
func ClearSession(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}
