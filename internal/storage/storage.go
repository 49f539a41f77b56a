// Package storage provides the durable key-value collaborators the session
// store persists into.
package storage

import (
	"context"
	"fmt"
)

// Store is a small string key-value store. Get reports ok=false for missing keys.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

// Driver identifies a concrete storage backend.
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverFile   Driver = "file"
	DriverSQLite Driver = "sqlite"
	DriverS3     Driver = "s3"
)

// Config selects and parameterises a backend.
type Config struct {
	Driver Driver
	// Path is the directory for DriverFile and the database file for DriverSQLite.
	Path string
	S3   S3Config
}

// Open returns the Store selected by cfg.Driver (default file).
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverFile
	}
	switch driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverFile:
		return NewFile(cfg.Path)
	case DriverSQLite:
		return NewSQLite(ctx, cfg.Path)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
