// Package checkpoint persists the per-stream server timestamps through which
// sync progress has been incorporated.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Stream names one logical checkpoint series.
type Stream string

const (
	// StreamPull tracks the server timestamp through which pulled changes
	// have been applied.
	StreamPull Stream = "_pull"
	// StreamAll tracks the time of the last push attempt. It advances on
	// every push cycle whether or not anything synced.
	StreamAll Stream = "_all"
)

var errMissingDatabase = errors.New("database handle is required")

type record struct {
	Stream      string `gorm:"column:stream;primaryKey;size:32;not null"`
	TimestampMs int64  `gorm:"column:timestamp_ms;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
}

func (record) TableName() string {
	return "sync_checkpoints"
}

// Model exposes the checkpoint schema for migration.
func Model() interface{} {
	return &record{}
}

// StoreConfig carries the dependencies of the checkpoint store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store reads and advances checkpoint timestamps.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("checkpoint: %w", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, clock: clock}, nil
}

// Get returns the stored timestamp for the stream, or zero when the stream
// has never advanced.
func (s *Store) Get(ctx context.Context, stream Stream) (int64, error) {
	var row record
	err := s.db.WithContext(ctx).Where("stream = ?", string(stream)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.TimestampMs, nil
}

// Set advances the stream to the provided timestamp.
func (s *Store) Set(ctx context.Context, stream Stream, timestampMs int64) error {
	row := record{
		Stream:      string(stream),
		TimestampMs: timestampMs,
		UpdatedAtMs: s.clock().UTC().UnixMilli(),
	}
	return s.db.WithContext(ctx).Save(&row).Error
}
