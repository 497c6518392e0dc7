// Package remote is the server half of the sync protocol: the authoritative
// record table behind the harness's push and pull endpoints.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scuteapp/scute/internal/replica"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	errMissingRecordID = errors.New("record identifier is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError wraps remote service failures with a dotted operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "remote.service.new"
	opApplyOperation = "remote.apply_operation"
	opChangesSince   = "remote.changes_since"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig carries the dependencies of the remote record service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service applies pushed operations and serves pull deltas. Repeated
// identical operations are idempotent by record id: a client that crashed
// between server acknowledgement and queue removal can safely replay.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// ApplyOperation folds one pushed mutation into the authoritative table.
// CREATE and UPDATE upsert; an UPDATE diff is merged over the stored
// payload, or taken whole when the record is unknown. DELETE writes a
// tombstone and keeps the row.
func (s *Service) ApplyOperation(ctx context.Context, userID string, table replica.EntityTable, operation Operation, recordID string, payload json.RawMessage) error {
	if userID == "" {
		return newServiceError(opApplyOperation, "missing_user_id", errMissingUserID)
	}
	if recordID == "" {
		return newServiceError(opApplyOperation, "missing_record_id", errMissingRecordID)
	}

	appliedAtMs := s.clock().UTC().UnixMilli()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ServerRecord
		var existingPtr *ServerRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND entity_table = ? AND record_id = ?", userID, table.String(), recordID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			existingPtr = nil
		} else if err != nil {
			s.logError(opApplyOperation, "record_select_failed", err, userID, table, recordID)
			return newServiceError(opApplyOperation, "record_select_failed", err)
		} else {
			existingPtr = &existing
		}

		updated, err := resolveOperation(existingPtr, operation, userID, table, recordID, payload, appliedAtMs)
		if err != nil {
			s.logError(opApplyOperation, "resolve_failed", err, userID, table, recordID)
			return newServiceError(opApplyOperation, "resolve_failed", err)
		}

		if err := tx.Save(updated).Error; err != nil {
			s.logError(opApplyOperation, "record_save_failed", err, userID, table, recordID)
			return newServiceError(opApplyOperation, "record_save_failed", err)
		}
		return nil
	})
	return txErr
}

// resolveOperation computes the row a pushed operation leaves behind.
func resolveOperation(existing *ServerRecord, operation Operation, userID string, table replica.EntityTable, recordID string, payload json.RawMessage, appliedAtMs int64) (*ServerRecord, error) {
	record := ServerRecord{
		UserID:      userID,
		Table:       table.String(),
		RecordID:    recordID,
		PayloadJSON: "{}",
	}
	if existing != nil {
		record = *existing
	}
	record.UpdatedAtMs = appliedAtMs

	switch operation {
	case OperationCreate:
		normalized, err := normalizePayload(payload, recordID)
		if err != nil {
			return nil, err
		}
		record.PayloadJSON = normalized
		record.DeletedAtMs = nil
	case OperationUpdate:
		if existing == nil || existing.DeletedAtMs != nil {
			normalized, err := normalizePayload(payload, recordID)
			if err != nil {
				return nil, err
			}
			record.PayloadJSON = normalized
			record.DeletedAtMs = nil
			break
		}
		merged, err := mergePayload(existing.PayloadJSON, payload, recordID)
		if err != nil {
			return nil, err
		}
		record.PayloadJSON = merged
	case OperationDelete:
		record.DeletedAtMs = &appliedAtMs
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, operation)
	}

	return &record, nil
}

// ChangesSince returns every record of the user touched at or after
// sinceMs, grouped by entity table and rendered in the pull wire shape,
// plus the server timestamp of the snapshot. The boundary is inclusive: a
// record written in the same millisecond as a previous snapshot is
// redelivered rather than lost, and redelivery is harmless because client
// puts are idempotent.
func (s *Service) ChangesSince(ctx context.Context, userID string, sinceMs int64) (map[replica.EntityTable][]json.RawMessage, int64, error) {
	if userID == "" {
		return nil, 0, newServiceError(opChangesSince, "missing_user_id", errMissingUserID)
	}

	var rows []ServerRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND updated_at_ms >= ?", userID, sinceMs).
		Order("updated_at_ms ASC").
		Find(&rows).Error
	if err != nil {
		s.logError(opChangesSince, "query_failed", err, userID, "", "")
		return nil, 0, newServiceError(opChangesSince, "query_failed", err)
	}

	bundles := make(map[replica.EntityTable][]json.RawMessage)
	for _, row := range rows {
		table, err := replica.ParseEntityTable(row.Table)
		if err != nil {
			s.logError(opChangesSince, "unknown_table", err, userID, replica.EntityTable(row.Table), row.RecordID)
			continue
		}
		rendered, err := renderWireRecord(row)
		if err != nil {
			s.logError(opChangesSince, "render_failed", err, userID, table, row.RecordID)
			continue
		}
		bundles[table] = append(bundles[table], rendered)
	}

	return bundles, s.clock().UTC().UnixMilli(), nil
}

// normalizePayload ensures the stored object carries the record id.
func normalizePayload(payload json.RawMessage, recordID string) (string, error) {
	fields := map[string]interface{}{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return "", fmt.Errorf("remote: decode payload: %w", err)
		}
	}
	fields["id"] = recordID
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// mergePayload overlays a partial diff onto the stored object.
func mergePayload(storedJSON string, diff json.RawMessage, recordID string) (string, error) {
	fields := map[string]interface{}{}
	if err := json.Unmarshal([]byte(storedJSON), &fields); err != nil {
		return "", fmt.Errorf("remote: decode stored payload: %w", err)
	}
	patch := map[string]interface{}{}
	if len(diff) > 0 {
		if err := json.Unmarshal(diff, &patch); err != nil {
			return "", fmt.Errorf("remote: decode diff: %w", err)
		}
	}
	for key, value := range patch {
		fields[key] = value
	}
	fields["id"] = recordID
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// renderWireRecord overlays the sync envelope (updatedAt, deletedAt as ISO
// strings) onto the stored payload object.
func renderWireRecord(row ServerRecord) (json.RawMessage, error) {
	fields := map[string]interface{}{}
	if err := json.Unmarshal([]byte(row.PayloadJSON), &fields); err != nil {
		return nil, err
	}
	fields["id"] = row.RecordID
	fields["updatedAt"] = time.UnixMilli(row.UpdatedAtMs).UTC().Format(time.RFC3339Nano)
	if row.DeletedAtMs != nil {
		fields["deletedAt"] = time.UnixMilli(*row.DeletedAtMs).UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(fields)
}

func (s *Service) logError(operation, reason string, err error, userID string, table replica.EntityTable, recordID string) {
	s.logger.Error("remote service error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("user_id", userID),
		zap.String("table", table.String()),
		zap.String("record_id", recordID),
		zap.Error(err))
}
