package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingRecordID = errors.New("record identifier is required")
	noOpLogger         = zap.NewNop()
)

// StoreError wraps store failures with a dotted operation code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew     = "replica.store.new"
	opSaveLocal    = "replica.save_local"
	opGet          = "replica.get"
	opApplyServer  = "replica.apply_server_record"
	opDeleteRecord = "replica.delete_record"
	opMarkSynced   = "replica.mark_synced"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// StoreConfig carries the dependencies of the replica store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the local persistent replica of the server-owned collection.
// Every mutation of replica rows flows through this type.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// SaveLocal writes a locally mutated record, tagging it pending until the
// server acknowledges it.
func (s *Store) SaveLocal(ctx context.Context, record Record) error {
	if record.RecordID() == "" {
		return newStoreError(opSaveLocal, "missing_record_id", errMissingRecordID)
	}

	meta := record.Meta()
	meta.SyncStatus = SyncStatusPending
	meta.LastModifiedMs = s.clock().UTC().UnixMilli()

	if err := s.db.WithContext(ctx).Save(record).Error; err != nil {
		s.logError(opSaveLocal, "save_failed", err, record.EntityTable(), record.RecordID())
		return newStoreError(opSaveLocal, "save_failed", err)
	}
	return nil
}

// Get loads one replica row. It returns gorm.ErrRecordNotFound wrapped in a
// StoreError when the row does not exist.
func (s *Store) Get(ctx context.Context, table EntityTable, recordID string) (Record, error) {
	record, err := newModel(table)
	if err != nil {
		return nil, newStoreError(opGet, "unknown_table", err)
	}

	err = s.db.WithContext(ctx).Where("id = ?", recordID).Take(record).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opGet, "query_failed", err, table, recordID)
		}
		return nil, newStoreError(opGet, "query_failed", err)
	}
	return record, nil
}

// ApplyServerRecord folds one pulled server record into the replica. The
// write is a full overwrite: the server's field values replace whatever the
// replica holds for that id, including a locally pending edit. The row comes
// out tagged synced.
func (s *Store) ApplyServerRecord(ctx context.Context, table EntityTable, recordID string, payload []byte, modifiedAtMs int64) error {
	if recordID == "" {
		return newStoreError(opApplyServer, "missing_record_id", errMissingRecordID)
	}

	record, err := newModel(table)
	if err != nil {
		return newStoreError(opApplyServer, "unknown_table", err)
	}
	if err := json.Unmarshal(payload, record); err != nil {
		s.logError(opApplyServer, "decode_failed", err, table, recordID)
		return newStoreError(opApplyServer, "decode_failed", err)
	}
	if record.RecordID() == "" {
		return newStoreError(opApplyServer, "missing_record_id", errMissingRecordID)
	}

	meta := record.Meta()
	meta.SyncStatus = SyncStatusSynced
	meta.LastModifiedMs = modifiedAtMs
	meta.DeletedAtMs = nil

	if err := s.db.WithContext(ctx).Save(record).Error; err != nil {
		s.logError(opApplyServer, "save_failed", err, table, recordID)
		return newStoreError(opApplyServer, "save_failed", err)
	}
	return nil
}

// DeleteRecord removes a replica row outright. Pull uses it to propagate
// server tombstones; a locally pending row for the same id is discarded.
func (s *Store) DeleteRecord(ctx context.Context, table EntityTable, recordID string) error {
	record, err := newModel(table)
	if err != nil {
		return newStoreError(opDeleteRecord, "unknown_table", err)
	}

	if err := s.db.WithContext(ctx).Where("id = ?", recordID).Delete(record).Error; err != nil {
		s.logError(opDeleteRecord, "delete_failed", err, table, recordID)
		return newStoreError(opDeleteRecord, "delete_failed", err)
	}
	return nil
}

// MarkSynced flips a row to synced after the server acknowledged its push.
// A row deleted in the meantime is not an error.
func (s *Store) MarkSynced(ctx context.Context, table EntityTable, recordID string) error {
	record, err := newModel(table)
	if err != nil {
		return newStoreError(opMarkSynced, "unknown_table", err)
	}

	updates := map[string]interface{}{
		"sync_status":      SyncStatusSynced,
		"last_modified_ms": s.clock().UTC().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Model(record).Where("id = ?", recordID).Updates(updates).Error; err != nil {
		s.logError(opMarkSynced, "update_failed", err, table, recordID)
		return newStoreError(opMarkSynced, "update_failed", err)
	}
	return nil
}

// MarkFailed tags a row failed once push retries for it are exhausted.
func (s *Store) MarkFailed(ctx context.Context, table EntityTable, recordID string) error {
	record, err := newModel(table)
	if err != nil {
		return newStoreError(opMarkSynced, "unknown_table", err)
	}

	err = s.db.WithContext(ctx).Model(record).Where("id = ?", recordID).
		Update("sync_status", SyncStatusFailed).Error
	if err != nil {
		s.logError(opMarkSynced, "update_failed", err, table, recordID)
		return newStoreError(opMarkSynced, "update_failed", err)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, table EntityTable, recordID string) {
	s.logger.Error("replica store error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("table", table.String()),
		zap.String("record_id", recordID),
		zap.Error(err))
}
