// Package storage keeps uploaded images outside the database, on the local
// filesystem or in S3.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
)

// ErrNotFound is returned when a requested key does not exist in storage.
var ErrNotFound = errors.New("not found")

// Storage is a flat key/value blob store.
type Storage interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// BugImageKey is where an image attached to a bug is stored. The suffix
// distinguishes uploads made at different lifecycle steps.
func BugImageKey(bugID, suffix string) string {
	return path.Join("bugs", bugID, suffix)
}

// TaskImageKey is where an image attached to a task is stored.
func TaskImageKey(taskID, suffix string) string {
	return path.Join("tasks", taskID, suffix)
}

// Config selects and configures a backend.
type Config struct {
	Type   string // local or s3
	Dir    string
	Bucket string
	Prefix string
	Region string
}

// New builds the backend named by cfg.Type.
func New(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalStorage(cfg.Dir)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("storage: s3 bucket is required")
		}
		return NewS3Storage(ctx, cfg.Bucket, cfg.Prefix, cfg.Region)
	}
	return nil, fmt.Errorf("unknown storage type: %q (use: local, s3)", cfg.Type)
}
