// Package syncqueue holds the durable, ordered log of mutation intents that
// have not yet been confirmed by the server. The queue only ever mutates its
// own table; it never talks to the network.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scuteapp/scute/internal/replica"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OperationType enumerates replayable mutation intents.
type OperationType string

const (
	OperationCreate OperationType = "CREATE"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
)

// ItemStatus tracks a queue item through its push lifecycle.
type ItemStatus string

const (
	StatusPending ItemStatus = "PENDING"
	StatusSyncing ItemStatus = "SYNCING"
	StatusSynced  ItemStatus = "SYNCED"
	StatusFailed  ItemStatus = "FAILED"
)

// DefaultMaxRetries is the retry ceiling before an item turns terminal.
const DefaultMaxRetries = 5

var (
	// ErrItemNotFound indicates the queue item id does not exist.
	ErrItemNotFound = errors.New("syncqueue: item not found")
	// ErrInvalidOperation indicates an operation outside the replayable set.
	ErrInvalidOperation = errors.New("syncqueue: invalid operation")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// Item is one durable mutation intent awaiting replay.
type Item struct {
	ID          int64         `gorm:"column:id;primaryKey;autoIncrement"`
	Operation   OperationType `gorm:"column:operation;size:16;not null"`
	Table       string        `gorm:"column:entity_table;size:32;not null"`
	RecordID    string        `gorm:"column:record_id;size:190;not null;index"`
	PayloadJSON string        `gorm:"column:payload_json;type:text"`
	Status      ItemStatus    `gorm:"column:status;size:16;not null;default:'PENDING';index"`
	RetryCount  int           `gorm:"column:retry_count;not null;default:0"`
	Error       string        `gorm:"column:last_error;type:text"`
	CreatedAtMs int64         `gorm:"column:created_at_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "sync_queue"
}

// EntityTable returns the parsed target table of the intent.
func (i Item) EntityTable() (replica.EntityTable, error) {
	return replica.ParseEntityTable(i.Table)
}

// Stats summarizes queue occupancy per status.
type Stats struct {
	Pending int64
	Syncing int64
	Failed  int64
}

// QueueConfig carries the dependencies of the queue.
type QueueConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	MaxRetries int
	Logger     *zap.Logger
}

// Queue is the append-only intent log backed by the local database.
type Queue struct {
	db         *gorm.DB
	clock      func() time.Time
	maxRetries int
	logger     *zap.Logger
}

// NewQueue validates the configuration and returns a Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("syncqueue: %w", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Queue{db: cfg.Database, clock: clock, maxRetries: maxRetries, logger: logger}, nil
}

// Enqueue appends a PENDING intent. There is no deduplication: multiple
// intents for the same record coexist and replay in creation order.
func (q *Queue) Enqueue(ctx context.Context, operation OperationType, table replica.EntityTable, recordID string, payloadJSON string) (Item, error) {
	switch operation {
	case OperationCreate, OperationUpdate, OperationDelete:
	default:
		return Item{}, fmt.Errorf("%w: %q", ErrInvalidOperation, operation)
	}

	item := Item{
		Operation:   operation,
		Table:       table.String(),
		RecordID:    recordID,
		PayloadJSON: payloadJSON,
		Status:      StatusPending,
		CreatedAtMs: q.clock().UTC().UnixMilli(),
	}
	if err := q.db.WithContext(ctx).Create(&item).Error; err != nil {
		q.logError("syncqueue.enqueue", err, item)
		return Item{}, err
	}

	q.logger.Debug("queued sync intent",
		zap.Int64("item_id", item.ID),
		zap.String("operation", string(operation)),
		zap.String("table", table.String()),
		zap.String("record_id", recordID))
	return item, nil
}

// ListPending returns all PENDING items in creation order.
func (q *Queue) ListPending(ctx context.Context) ([]Item, error) {
	var items []Item
	err := q.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("created_at_ms ASC, id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// MarkSyncing tags the item as in flight.
func (q *Queue) MarkSyncing(ctx context.Context, itemID int64) error {
	return q.setStatus(ctx, itemID, StatusSyncing)
}

// MarkSynced finishes a successfully replayed item. With remove set the item
// is deleted outright; otherwise it is retained as SYNCED for auditing.
func (q *Queue) MarkSynced(ctx context.Context, itemID int64, remove bool) error {
	if remove {
		result := q.db.WithContext(ctx).Where("id = ?", itemID).Delete(&Item{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %d", ErrItemNotFound, itemID)
		}
		return nil
	}
	return q.setStatus(ctx, itemID, StatusSynced)
}

// MarkFailed increments the retry count and returns the item's resulting
// status. Reaching the retry ceiling turns the item FAILED, a terminal state
// cleared only by RetryFailedOperations; otherwise the item reverts to
// PENDING for a later cycle.
func (q *Queue) MarkFailed(ctx context.Context, itemID int64, errorMessage string) (ItemStatus, error) {
	var item Item
	if err := q.db.WithContext(ctx).Where("id = ?", itemID).Take(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: %d", ErrItemNotFound, itemID)
		}
		return "", err
	}

	item.RetryCount++
	item.Error = errorMessage
	if item.RetryCount >= q.maxRetries {
		item.Status = StatusFailed
	} else {
		item.Status = StatusPending
	}

	updates := map[string]interface{}{
		"retry_count": item.RetryCount,
		"last_error":  item.Error,
		"status":      item.Status,
	}
	if err := q.db.WithContext(ctx).Model(&Item{}).Where("id = ?", itemID).Updates(updates).Error; err != nil {
		q.logError("syncqueue.mark_failed", err, item)
		return "", err
	}

	if item.Status == StatusFailed {
		q.logger.Warn("sync intent exhausted retries",
			zap.Int64("item_id", item.ID),
			zap.String("operation", string(item.Operation)),
			zap.String("table", item.Table),
			zap.String("record_id", item.RecordID),
			zap.Int("retry_count", item.RetryCount),
			zap.String("reason", errorMessage))
	}
	return item.Status, nil
}

// RetryFailedOperations resets every FAILED item back to PENDING with a
// cleared retry count and error. It returns the number of items reset.
func (q *Queue) RetryFailedOperations(ctx context.Context) (int64, error) {
	result := q.db.WithContext(ctx).Model(&Item{}).
		Where("status = ?", StatusFailed).
		Updates(map[string]interface{}{
			"status":      StatusPending,
			"retry_count": 0,
			"last_error":  "",
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		q.logger.Info("reset failed sync intents", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// Stats counts queue items per live status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	counts := []struct {
		status ItemStatus
		target *int64
	}{
		{StatusPending, &stats.Pending},
		{StatusSyncing, &stats.Syncing},
		{StatusFailed, &stats.Failed},
	}
	for _, entry := range counts {
		err := q.db.WithContext(ctx).Model(&Item{}).
			Where("status = ?", entry.status).
			Count(entry.target).Error
		if err != nil {
			return Stats{}, err
		}
	}
	return stats, nil
}

func (q *Queue) setStatus(ctx context.Context, itemID int64, status ItemStatus) error {
	result := q.db.WithContext(ctx).Model(&Item{}).
		Where("id = ?", itemID).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrItemNotFound, itemID)
	}
	return nil
}

func (q *Queue) logError(operation string, err error, item Item) {
	q.logger.Error("sync queue error",
		zap.String("operation", operation),
		zap.String("table", item.Table),
		zap.String("record_id", item.RecordID),
		zap.Error(err))
}
