// Package pull fetches server-side deltas and folds them into the local
// replica. The conflict rule is fixed: the server always wins, and the most
// recent pull takes precedence for a record's fields.
package pull

import (
	"context"
	"errors"
	"fmt"

	"github.com/scuteapp/scute/internal/api"
	"github.com/scuteapp/scute/internal/checkpoint"
	"github.com/scuteapp/scute/internal/connectivity"
	"github.com/scuteapp/scute/internal/replica"
	"go.uber.org/zap"
)

var (
	errMissingStore       = errors.New("replica store is required")
	errMissingTransport   = errors.New("api transport is required")
	errMissingOracle      = errors.New("connectivity oracle is required")
	errMissingCheckpoints = errors.New("checkpoint store is required")
	noOpLogger            = zap.NewNop()
)

// Transport is the slice of the API client the synchronizer uses.
type Transport interface {
	PullChanges(ctx context.Context, sinceMs int64) (api.PullResponse, error)
}

// Result reports what one pull applied.
type Result struct {
	// Applied counts records put into the replica.
	Applied int
	// Deleted counts tombstones propagated into row removals.
	Deleted int
	// Skipped is true when the oracle reported offline and no network
	// call was made.
	Skipped bool
}

// SynchronizerConfig carries the dependencies of the pull synchronizer.
type SynchronizerConfig struct {
	Store       *replica.Store
	Transport   Transport
	Oracle      connectivity.Oracle
	Checkpoints *checkpoint.Store
	Logger      *zap.Logger
}

// Synchronizer applies remote deltas to the local replica.
type Synchronizer struct {
	store       *replica.Store
	transport   Transport
	oracle      connectivity.Oracle
	checkpoints *checkpoint.Store
	logger      *zap.Logger
}

// NewSynchronizer validates the configuration and returns a Synchronizer.
func NewSynchronizer(cfg SynchronizerConfig) (*Synchronizer, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("pull: %w", errMissingStore)
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("pull: %w", errMissingTransport)
	}
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("pull: %w", errMissingOracle)
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("pull: %w", errMissingCheckpoints)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Synchronizer{
		store:       cfg.Store,
		transport:   cfg.Transport,
		oracle:      cfg.Oracle,
		checkpoints: cfg.Checkpoints,
		logger:      logger,
	}, nil
}

// PullServerData fetches changes since the provided server timestamp and
// applies them. Offline is a no-op, not an error, and leaves the checkpoint
// untouched. On success the pull checkpoint advances to the response's
// serverTimestamp, not the local clock, so progress stays monotonic under
// client clock skew.
func (s *Synchronizer) PullServerData(ctx context.Context, sinceMs int64) (Result, error) {
	if !s.oracle.Online() {
		s.logger.Debug("skipping pull, offline")
		return Result{Skipped: true}, nil
	}

	response, err := s.transport.PullChanges(ctx, sinceMs)
	if err != nil {
		s.logger.Error("pull request failed",
			zap.String("operation", "pull.server_data"),
			zap.String("reason", "request_failed"),
			zap.Int64("since_ms", sinceMs),
			zap.Error(err))
		return Result{}, fmt.Errorf("pull: fetch since %d: %w", sinceMs, err)
	}

	var result Result
	for _, table := range replica.AllEntityTables() {
		for _, record := range response.Bundle(table) {
			if record.DeletedAt != nil {
				if err := s.store.DeleteRecord(ctx, table, record.ID); err != nil {
					return result, err
				}
				result.Deleted++
				continue
			}
			modifiedAtMs := record.UpdatedAt.UTC().UnixMilli()
			if err := s.store.ApplyServerRecord(ctx, table, record.ID, record.Payload, modifiedAtMs); err != nil {
				return result, err
			}
			result.Applied++
		}
	}

	if err := s.checkpoints.Set(ctx, checkpoint.StreamPull, response.ServerTimestamp); err != nil {
		return result, fmt.Errorf("pull: advance checkpoint: %w", err)
	}

	if result.Applied > 0 || result.Deleted > 0 {
		s.logger.Info("pull cycle finished",
			zap.Int("applied", result.Applied),
			zap.Int("deleted", result.Deleted),
			zap.Int64("server_timestamp", response.ServerTimestamp))
	}
	return result, nil
}

// PullSinceCheckpoint pulls using the stored pull checkpoint.
func (s *Synchronizer) PullSinceCheckpoint(ctx context.Context) (Result, error) {
	sinceMs, err := s.checkpoints.Get(ctx, checkpoint.StreamPull)
	if err != nil {
		return Result{}, fmt.Errorf("pull: read checkpoint: %w", err)
	}
	return s.PullServerData(ctx, sinceMs)
}

// PerformInitialSync resynchronizes the full replica from timestamp zero,
// used on first load or re-authentication.
func (s *Synchronizer) PerformInitialSync(ctx context.Context) (Result, error) {
	return s.PullServerData(ctx, 0)
}
