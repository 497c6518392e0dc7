// Package records is the user-facing mutation surface of the replica. Every
// local write lands in the replica store tagged pending and appends the
// matching intent to the sync queue in the same call.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scuteapp/scute/internal/replica"
	"github.com/scuteapp/scute/internal/syncqueue"
	"go.uber.org/zap"
)

var (
	errMissingStore      = errors.New("replica store is required")
	errMissingQueue      = errors.New("sync queue is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError wraps record mutation failures with a dotted operation code.
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
	opServiceNew = "records.service.new"
	opCreate     = "records.create"
	opPatch      = "records.patch"
	opDelete     = "records.delete"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues collision-resistant record identifiers. Identifiers are
// assigned client-side so no record is ever re-keyed after sync.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig carries the dependencies of the records service.
type ServiceConfig struct {
	Store      *replica.Store
	Queue      *syncqueue.Queue
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service performs local record mutations and queues their replay intents.
type Service struct {
	store      *replica.Store
	queue      *syncqueue.Queue
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Queue == nil {
		return nil, newServiceError(opServiceNew, "missing_queue", errMissingQueue)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:      cfg.Store,
		queue:      cfg.Queue,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create persists a new record and queues a CREATE intent carrying the full
// object. A missing id is assigned from the provider; a caller-supplied id
// is kept as is.
func (s *Service) Create(ctx context.Context, record replica.Record) (string, error) {
	assignID, err := s.recordIDFor(record)
	if err != nil {
		return "", newServiceError(opCreate, "id_generation_failed", err)
	}

	if err := s.store.SaveLocal(ctx, record); err != nil {
		s.logError(opCreate, "save_failed", err, record.EntityTable(), assignID)
		return "", newServiceError(opCreate, "save_failed", err)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return "", newServiceError(opCreate, "encode_failed", err)
	}
	_, err = s.queue.Enqueue(ctx, syncqueue.OperationCreate, record.EntityTable(), assignID, string(payload))
	if err != nil {
		s.logError(opCreate, "enqueue_failed", err, record.EntityTable(), assignID)
		return "", newServiceError(opCreate, "enqueue_failed", err)
	}
	return assignID, nil
}

// Patch applies a partial update to a stored record and queues an UPDATE
// intent carrying only the diff. Patch keys use the wire field names. The
// "id" key is discarded: record identifiers are immutable once assigned.
func (s *Service) Patch(ctx context.Context, table replica.EntityTable, recordID string, patch map[string]interface{}) error {
	patch = withoutIdentifier(patch)
	if len(patch) == 0 {
		return nil
	}

	existing, err := s.store.Get(ctx, table, recordID)
	if err != nil {
		s.logError(opPatch, "record_lookup_failed", err, table, recordID)
		return newServiceError(opPatch, "record_lookup_failed", err)
	}

	patched, err := applyPatch(existing, patch)
	if err != nil {
		return newServiceError(opPatch, "patch_failed", err)
	}
	if err := s.store.SaveLocal(ctx, patched); err != nil {
		s.logError(opPatch, "save_failed", err, table, recordID)
		return newServiceError(opPatch, "save_failed", err)
	}

	diff, err := json.Marshal(patch)
	if err != nil {
		return newServiceError(opPatch, "encode_failed", err)
	}
	_, err = s.queue.Enqueue(ctx, syncqueue.OperationUpdate, table, recordID, string(diff))
	if err != nil {
		s.logError(opPatch, "enqueue_failed", err, table, recordID)
		return newServiceError(opPatch, "enqueue_failed", err)
	}
	return nil
}

// Delete tombstones a record locally and queues a DELETE intent. The row
// stays in the replica until the server echoes the tombstone back through a
// pull, at which point it is physically removed.
func (s *Service) Delete(ctx context.Context, table replica.EntityTable, recordID string) error {
	existing, err := s.store.Get(ctx, table, recordID)
	if err != nil {
		s.logError(opDelete, "record_lookup_failed", err, table, recordID)
		return newServiceError(opDelete, "record_lookup_failed", err)
	}

	deletedAtMs := s.clock().UTC().UnixMilli()
	existing.Meta().DeletedAtMs = &deletedAtMs
	if err := s.store.SaveLocal(ctx, existing); err != nil {
		s.logError(opDelete, "save_failed", err, table, recordID)
		return newServiceError(opDelete, "save_failed", err)
	}

	_, err = s.queue.Enqueue(ctx, syncqueue.OperationDelete, table, recordID, "")
	if err != nil {
		s.logError(opDelete, "enqueue_failed", err, table, recordID)
		return newServiceError(opDelete, "enqueue_failed", err)
	}
	return nil
}

func (s *Service) recordIDFor(record replica.Record) (string, error) {
	if record.RecordID() != "" {
		return record.RecordID(), nil
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return "", err
	}
	if err := setRecordID(record, id); err != nil {
		return "", err
	}
	return id, nil
}

// withoutIdentifier drops the "id" key from a patch map. Applying it would
// re-key the replica row while the queued intent still targets the old id.
func withoutIdentifier(patch map[string]interface{}) map[string]interface{} {
	if _, found := patch["id"]; !found {
		return patch
	}
	cleaned := make(map[string]interface{}, len(patch))
	for key, value := range patch {
		if key == "id" {
			continue
		}
		cleaned[key] = value
	}
	return cleaned
}

// applyPatch overlays wire-named patch keys onto the stored record through
// a JSON round trip, yielding a fresh record of the same concrete type.
func applyPatch(existing replica.Record, patch map[string]interface{}) (replica.Record, error) {
	encoded, err := json.Marshal(existing)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, err
	}
	for key, value := range patch {
		fields[key] = value
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(merged, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

func (s *Service) logError(operation, reason string, err error, table replica.EntityTable, recordID string) {
	s.logger.Error("records service error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("table", table.String()),
		zap.String("record_id", recordID),
		zap.Error(err))
}
