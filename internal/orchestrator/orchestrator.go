// Package orchestrator composes push and pull into full sync cycles and
// drives the periodic background loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scuteapp/scute/internal/connectivity"
	"github.com/scuteapp/scute/internal/pull"
	"github.com/scuteapp/scute/internal/push"
	"go.uber.org/zap"
)

// DefaultInterval is the background sync cadence when none is configured.
const DefaultInterval = 30 * time.Second

var (
	errMissingPush   = errors.New("push synchronizer is required")
	errMissingPull   = errors.New("pull synchronizer is required")
	errMissingOracle = errors.New("connectivity oracle is required")
	noOpLogger       = zap.NewNop()
)

// FullSyncResult reports both halves of one full cycle. A pull failure is
// recorded here, not raised: the push that preceded it is already durable
// server-side and must not be rolled back.
type FullSyncResult struct {
	Push       push.Result
	Pull       pull.Result
	PullFailed bool
}

// OrchestratorConfig carries the dependencies of the orchestrator.
type OrchestratorConfig struct {
	Push     *push.Synchronizer
	Pull     *pull.Synchronizer
	Oracle   connectivity.Oracle
	Interval time.Duration
	Logger   *zap.Logger
}

// Orchestrator sequences push and pull. All cycles from one instance run
// strictly in sequence; the background loop reschedules only after the
// previous cycle finished, so cycles never overlap.
type Orchestrator struct {
	push     *push.Synchronizer
	pull     *pull.Synchronizer
	oracle   connectivity.Oracle
	interval time.Duration
	logger   *zap.Logger
}

// NewOrchestrator validates the configuration and returns an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Push == nil {
		return nil, fmt.Errorf("orchestrator: %w", errMissingPush)
	}
	if cfg.Pull == nil {
		return nil, fmt.Errorf("orchestrator: %w", errMissingPull)
	}
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("orchestrator: %w", errMissingOracle)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Orchestrator{
		push:     cfg.Push,
		pull:     cfg.Pull,
		oracle:   cfg.Oracle,
		interval: interval,
		logger:   logger,
	}, nil
}

// SyncPendingChanges runs the push half only.
func (o *Orchestrator) SyncPendingChanges(ctx context.Context) (push.Result, error) {
	return o.push.SyncPendingChanges(ctx)
}

// PerformFullSync runs push to completion, then one pull from the stored
// pull checkpoint. The pull's failure is logged and swallowed: the next
// cycle retries the same window because the checkpoint did not advance.
func (o *Orchestrator) PerformFullSync(ctx context.Context) (FullSyncResult, error) {
	pushResult, err := o.push.SyncPendingChanges(ctx)
	if err != nil {
		return FullSyncResult{}, err
	}

	result := FullSyncResult{Push: pushResult}
	pullResult, err := o.pull.PullSinceCheckpoint(ctx)
	if err != nil {
		o.logger.Warn("pull phase failed, continuing",
			zap.String("operation", "orchestrator.full_sync"),
			zap.String("reason", "pull_failed"),
			zap.Error(err))
		result.PullFailed = true
		return result, nil
	}
	result.Pull = pullResult
	return result, nil
}

// StartBackgroundSync launches the periodic loop and returns its stop
// function. Each tick runs a push-only cycle when the oracle reports
// online; an offline-to-online transition additionally triggers one full
// sync so the replica catches up promptly after a gap. The timer is re-armed
// only after a cycle completes, and stopping cancels future scheduling
// without aborting an in-flight cycle.
func (o *Orchestrator) StartBackgroundSync(ctx context.Context) (stop func()) {
	loopCtx, cancel := context.WithCancel(ctx)
	transitions, unsubscribe := o.oracle.Subscribe(loopCtx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		timer := time.NewTimer(o.interval)
		defer timer.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case transition := <-transitions:
				if !transition.Online {
					continue
				}
				o.logger.Info("connectivity restored, running full sync")
				if _, err := o.PerformFullSync(loopCtx); err != nil {
					o.logger.Error("reconnect sync failed",
						zap.String("operation", "orchestrator.background"),
						zap.String("reason", "full_sync_failed"),
						zap.Error(err))
				}
			case <-timer.C:
				if o.oracle.Online() {
					if _, err := o.SyncPendingChanges(loopCtx); err != nil {
						o.logger.Error("background push failed",
							zap.String("operation", "orchestrator.background"),
							zap.String("reason", "push_failed"),
							zap.Error(err))
					}
				}
				timer.Reset(o.interval)
			}
		}
	}()

	return func() {
		unsubscribe()
		cancel()
		<-done
	}
}
