// Package push replays queued mutation intents against the remote API, one
// at a time, with per-item failure isolation.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scuteapp/scute/internal/api"
	"github.com/scuteapp/scute/internal/checkpoint"
	"github.com/scuteapp/scute/internal/connectivity"
	"github.com/scuteapp/scute/internal/replica"
	"github.com/scuteapp/scute/internal/syncqueue"
	"go.uber.org/zap"
)

var (
	errMissingQueue       = errors.New("sync queue is required")
	errMissingStore       = errors.New("replica store is required")
	errMissingTransport   = errors.New("api transport is required")
	errMissingOracle      = errors.New("connectivity oracle is required")
	errMissingCheckpoints = errors.New("checkpoint store is required")
	noOpLogger            = zap.NewNop()
)

// Transport is the slice of the API client the synchronizer uses.
type Transport interface {
	PushOperation(ctx context.Context, table replica.EntityTable, request api.PushRequest) error
}

// Result reports per-cycle outcome counts for observability. Expected
// network failures are folded into Failed, never surfaced as errors.
type Result struct {
	Synced int
	Failed int
}

// SynchronizerConfig carries the dependencies of the push synchronizer.
type SynchronizerConfig struct {
	Queue       *syncqueue.Queue
	Store       *replica.Store
	Transport   Transport
	Oracle      connectivity.Oracle
	Checkpoints *checkpoint.Store
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Synchronizer drains the sync queue against the remote API.
type Synchronizer struct {
	queue       *syncqueue.Queue
	store       *replica.Store
	transport   Transport
	oracle      connectivity.Oracle
	checkpoints *checkpoint.Store
	clock       func() time.Time
	logger      *zap.Logger
}

// NewSynchronizer validates the configuration and returns a Synchronizer.
func NewSynchronizer(cfg SynchronizerConfig) (*Synchronizer, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("push: %w", errMissingQueue)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("push: %w", errMissingStore)
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("push: %w", errMissingTransport)
	}
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("push: %w", errMissingOracle)
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("push: %w", errMissingCheckpoints)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Synchronizer{
		queue:       cfg.Queue,
		store:       cfg.Store,
		transport:   cfg.Transport,
		oracle:      cfg.Oracle,
		checkpoints: cfg.Checkpoints,
		clock:       clock,
		logger:      logger,
	}, nil
}

// SyncPendingChanges replays all PENDING queue items in creation order.
// A failure in one item never aborts the rest: each item is retried on a
// later cycle until its retry ceiling. The returned error covers only local
// storage faults, never remote rejections.
//
// After the loop the "_all" checkpoint advances to the current time whether
// or not anything synced; it records the last push attempt, not the last
// success.
func (s *Synchronizer) SyncPendingChanges(ctx context.Context) (Result, error) {
	if !s.oracle.Online() {
		s.logger.Debug("skipping push, offline")
		return Result{}, nil
	}

	items, err := s.queue.ListPending(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("push: list pending: %w", err)
	}

	var result Result
	for _, item := range items {
		if err := s.pushItem(ctx, item); err != nil {
			result.Failed++
			continue
		}
		result.Synced++
	}

	attemptedAt := s.clock().UTC().UnixMilli()
	if err := s.checkpoints.Set(ctx, checkpoint.StreamAll, attemptedAt); err != nil {
		s.logger.Error("push attempt checkpoint update failed",
			zap.String("operation", "push.sync_pending"),
			zap.String("reason", "checkpoint_set_failed"),
			zap.Error(err))
	}

	if result.Synced > 0 || result.Failed > 0 {
		s.logger.Info("push cycle finished",
			zap.Int("synced", result.Synced),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

func (s *Synchronizer) pushItem(ctx context.Context, item syncqueue.Item) error {
	table, err := item.EntityTable()
	if err != nil {
		s.failItem(ctx, item, err)
		return err
	}

	if err := s.queue.MarkSyncing(ctx, item.ID); err != nil {
		s.logError("mark_syncing_failed", err, item)
		return err
	}

	request := api.PushRequest{
		Operation: string(item.Operation),
		RecordID:  item.RecordID,
	}
	if item.PayloadJSON != "" {
		request.Payload = json.RawMessage(item.PayloadJSON)
	}

	if err := s.transport.PushOperation(ctx, table, request); err != nil {
		s.failItem(ctx, item, err)
		return err
	}

	if err := s.queue.MarkSynced(ctx, item.ID, true); err != nil {
		s.logError("mark_synced_failed", err, item)
		return err
	}
	if item.Operation != syncqueue.OperationDelete {
		if err := s.store.MarkSynced(ctx, table, item.RecordID); err != nil {
			s.logError("record_mark_synced_failed", err, item)
		}
	}
	return nil
}

// failItem books one failed attempt. When the attempt exhausts the retry
// ceiling the replica row is tagged failed as well, so the UI can surface
// the terminal state per record.
func (s *Synchronizer) failItem(ctx context.Context, item syncqueue.Item, cause error) {
	s.logError("request_failed", cause, item)

	status, err := s.queue.MarkFailed(ctx, item.ID, cause.Error())
	if err != nil {
		s.logError("mark_failed_failed", err, item)
		return
	}
	if status != syncqueue.StatusFailed {
		return
	}

	table, err := item.EntityTable()
	if err != nil {
		return
	}
	if err := s.store.MarkFailed(ctx, table, item.RecordID); err != nil {
		s.logError("record_mark_failed_failed", err, item)
	}
}

func (s *Synchronizer) logError(reason string, err error, item syncqueue.Item) {
	s.logger.Error("push synchronizer error",
		zap.String("operation", "push.sync_pending"),
		zap.String("reason", reason),
		zap.String("intent", string(item.Operation)),
		zap.String("table", item.Table),
		zap.String("record_id", item.RecordID),
		zap.Error(err))
}
