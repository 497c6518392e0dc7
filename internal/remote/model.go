package remote

import (
	"errors"
	"fmt"
	"strings"
)

// Operation enumerates the replayable mutations a client may push.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// ErrInvalidOperation indicates an operation outside the replayable set.
var ErrInvalidOperation = errors.New("remote: invalid operation")

// ParseOperation validates raw input and returns an Operation.
func ParseOperation(rawInput string) (Operation, error) {
	switch strings.ToUpper(strings.TrimSpace(rawInput)) {
	case string(OperationCreate):
		return OperationCreate, nil
	case string(OperationUpdate):
		return OperationUpdate, nil
	case string(OperationDelete):
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, rawInput)
	}
}

// ServerRecord is the authoritative copy of one synced record. Deletes are
// tombstones: the row survives with deleted_at_ms set so clients that pull
// later still observe the removal.
type ServerRecord struct {
	UserID      string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_records_user_updated,priority:1"`
	Table       string `gorm:"column:entity_table;primaryKey;size:32;not null"`
	RecordID    string `gorm:"column:record_id;primaryKey;size:190;not null"`
	PayloadJSON string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null;index:idx_records_user_updated,priority:2"`
	DeletedAtMs *int64 `gorm:"column:deleted_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (ServerRecord) TableName() string {
	return "server_records"
}
