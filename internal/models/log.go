package models

import "time"

// LogEntry is one append-only timeline event of a bug or task.
type LogEntry struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entityId"`
	User      *UserRef  `json:"user"`
	Status    string    `json:"status"` // bug or task status at the time of the entry
	Text      string    `json:"text,omitempty"`
	ImageKey  string    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// HasImage reports whether the entry carries an attached image.
func (l *LogEntry) HasImage() bool { return l.ImageKey != "" }
