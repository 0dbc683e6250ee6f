package persistence

import (
	"errors"
	"fmt"

	"github.com/tcriess/lightspeed-course-chat/config"
	"github.com/tcriess/lightspeed-course-chat/types"
)

var (
	ErrNotFound = errors.New("snapshot not found")
	ErrLocked   = errors.New("cache is locked by another process")
)

// Persister stores the last known message list per course. Implementations only need to be as durable as a cache,
// nothing in them is ever trusted over server data.
type Persister interface {
	StoreSnapshot(types.Snapshot) error
	GetSnapshot(courseId string) (types.Snapshot, error)
	GetSnapshots() ([]*types.Snapshot, error) // newest first
	DeleteSnapshot(courseId string) error
	Close() error
}

// NewPersister returns the persister for the configured cache type. The memory type has no persister, nil is
// returned without an error.
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.CacheConfig.Type {
	case "", "memory":
		return nil, nil

	case "buntdb":
		return NewBuntPersister(cfg)

	case "sqlite", "postgres":
		return NewGormPersister(cfg)
	}
	return nil, fmt.Errorf("invalid cache type %q", cfg.CacheConfig.Type)
}
