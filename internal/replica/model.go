package replica

import (
	"errors"
	"fmt"
	"strings"
)

// SyncStatus tracks whether the server has acknowledged a replica row.
type SyncStatus string

const (
	// SyncStatusSynced means the server has acknowledged this exact state.
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusPending means a local mutation has not been confirmed yet.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusFailed means push attempts for this row exhausted retries.
	SyncStatusFailed SyncStatus = "failed"
)

// EntityTable enumerates the syncable entity types. Dispatch on this type is
// an exhaustive switch so a new entity type cannot be half-wired.
type EntityTable string

const (
	TableAnimals      EntityTable = "animals"
	TableFeedings     EntityTable = "feedings"
	TableSheds        EntityTable = "sheds"
	TableMeasurements EntityTable = "measurements"
	TableEnvironments EntityTable = "environments"
	TablePhotos       EntityTable = "photos"
)

// ErrUnknownEntityTable indicates a table name outside the syncable set.
var ErrUnknownEntityTable = errors.New("replica: unknown entity table")

// AllEntityTables returns every syncable entity type in the fixed order used
// by pull application.
func AllEntityTables() []EntityTable {
	return []EntityTable{
		TableAnimals,
		TableFeedings,
		TableSheds,
		TableMeasurements,
		TableEnvironments,
		TablePhotos,
	}
}

// ParseEntityTable validates raw input and returns an EntityTable.
func ParseEntityTable(rawInput string) (EntityTable, error) {
	trimmed := strings.TrimSpace(rawInput)
	for _, table := range AllEntityTables() {
		if trimmed == string(table) {
			return table, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntityTable, rawInput)
}

// String returns the wire name of the table.
func (t EntityTable) String() string {
	return string(t)
}

// SyncMeta carries the sync bookkeeping columns shared by every replica
// table. The columns never travel on the wire.
type SyncMeta struct {
	SyncStatus     SyncStatus `gorm:"column:sync_status;size:16;not null;default:'pending';index" json:"-"`
	LastModifiedMs int64      `gorm:"column:last_modified_ms;not null;default:0" json:"-"`
	DeletedAtMs    *int64     `gorm:"column:deleted_at_ms" json:"-"`
}

// Record is implemented by every replica model. Meta exposes the embedded
// sync columns for mutation by the store.
type Record interface {
	RecordID() string
	EntityTable() EntityTable
	Meta() *SyncMeta
}

// CollectionItem is an animal in the keeper's collection.
type CollectionItem struct {
	ID           string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Name         string `gorm:"column:name;size:190;not null" json:"name"`
	Species      string `gorm:"column:species;size:190" json:"species"`
	Morph        string `gorm:"column:morph;size:190" json:"morph"`
	Sex          string `gorm:"column:sex;size:16" json:"sex"`
	HatchDateMs  int64  `gorm:"column:hatch_date_ms" json:"hatchDate"`
	AcquiredAtMs int64  `gorm:"column:acquired_at_ms" json:"acquiredAt"`
	Notes        string `gorm:"column:notes;type:text" json:"notes"`
	SyncMeta
}

func (CollectionItem) TableName() string { return "animals" }

func (r *CollectionItem) RecordID() string         { return r.ID }
func (r *CollectionItem) EntityTable() EntityTable { return TableAnimals }
func (r *CollectionItem) Meta() *SyncMeta          { return &r.SyncMeta }

// FeedingEvent records one feeding attempt for an animal.
type FeedingEvent struct {
	ID       string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	AnimalID string `gorm:"column:animal_id;size:190;not null;index" json:"animalId"`
	FedAtMs  int64  `gorm:"column:fed_at_ms;not null;index" json:"fedAt"`
	PreyType string `gorm:"column:prey_type;size:190" json:"preyType"`
	PreySize string `gorm:"column:prey_size;size:190" json:"preySize"`
	Quantity int    `gorm:"column:quantity;not null;default:1" json:"quantity"`
	Refused  bool   `gorm:"column:refused;not null;default:false" json:"refused"`
	Notes    string `gorm:"column:notes;type:text" json:"notes"`
	SyncMeta
}

func (FeedingEvent) TableName() string { return "feedings" }

func (r *FeedingEvent) RecordID() string         { return r.ID }
func (r *FeedingEvent) EntityTable() EntityTable { return TableFeedings }
func (r *FeedingEvent) Meta() *SyncMeta          { return &r.SyncMeta }

// ShedEvent records a shed cycle completion.
type ShedEvent struct {
	ID       string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	AnimalID string `gorm:"column:animal_id;size:190;not null;index" json:"animalId"`
	ShedAtMs int64  `gorm:"column:shed_at_ms;not null;index" json:"shedAt"`
	Complete bool   `gorm:"column:complete;not null;default:true" json:"complete"`
	Notes    string `gorm:"column:notes;type:text" json:"notes"`
	SyncMeta
}

func (ShedEvent) TableName() string { return "sheds" }

func (r *ShedEvent) RecordID() string         { return r.ID }
func (r *ShedEvent) EntityTable() EntityTable { return TableSheds }
func (r *ShedEvent) Meta() *SyncMeta          { return &r.SyncMeta }

// Measurement records weight and length readings.
type Measurement struct {
	ID           string  `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	AnimalID     string  `gorm:"column:animal_id;size:190;not null;index" json:"animalId"`
	MeasuredAtMs int64   `gorm:"column:measured_at_ms;not null;index" json:"measuredAt"`
	WeightGrams  float64 `gorm:"column:weight_grams" json:"weightGrams"`
	LengthCm     float64 `gorm:"column:length_cm" json:"lengthCm"`
	Notes        string  `gorm:"column:notes;type:text" json:"notes"`
	SyncMeta
}

func (Measurement) TableName() string { return "measurements" }

func (r *Measurement) RecordID() string         { return r.ID }
func (r *Measurement) EntityTable() EntityTable { return TableMeasurements }
func (r *Measurement) Meta() *SyncMeta          { return &r.SyncMeta }

// EnvironmentLog records an enclosure temperature and humidity reading.
type EnvironmentLog struct {
	ID           string  `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	AnimalID     string  `gorm:"column:animal_id;size:190;not null;index" json:"animalId"`
	LoggedAtMs   int64   `gorm:"column:logged_at_ms;not null;index" json:"loggedAt"`
	TemperatureC float64 `gorm:"column:temperature_c" json:"temperatureC"`
	HumidityPct  float64 `gorm:"column:humidity_pct" json:"humidityPct"`
	Notes        string  `gorm:"column:notes;type:text" json:"notes"`
	SyncMeta
}

func (EnvironmentLog) TableName() string { return "environments" }

func (r *EnvironmentLog) RecordID() string         { return r.ID }
func (r *EnvironmentLog) EntityTable() EntityTable { return TableEnvironments }
func (r *EnvironmentLog) Meta() *SyncMeta          { return &r.SyncMeta }

// Photo references an image of an animal stored outside the replica.
type Photo struct {
	ID        string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	AnimalID  string `gorm:"column:animal_id;size:190;not null;index" json:"animalId"`
	TakenAtMs int64  `gorm:"column:taken_at_ms" json:"takenAt"`
	ObjectKey string `gorm:"column:object_key;size:512" json:"objectKey"`
	Caption   string `gorm:"column:caption;type:text" json:"caption"`
	SyncMeta
}

func (Photo) TableName() string { return "photos" }

func (r *Photo) RecordID() string         { return r.ID }
func (r *Photo) EntityTable() EntityTable { return TablePhotos }
func (r *Photo) Meta() *SyncMeta          { return &r.SyncMeta }

// Models lists one zero value per replica table for schema migration.
func Models() []interface{} {
	return []interface{}{
		&CollectionItem{},
		&FeedingEvent{},
		&ShedEvent{},
		&Measurement{},
		&EnvironmentLog{},
		&Photo{},
	}
}

// newModel returns an empty record for the given table. The switch is
// exhaustive over AllEntityTables.
func newModel(table EntityTable) (Record, error) {
	switch table {
	case TableAnimals:
		return &CollectionItem{}, nil
	case TableFeedings:
		return &FeedingEvent{}, nil
	case TableSheds:
		return &ShedEvent{}, nil
	case TableMeasurements:
		return &Measurement{}, nil
	case TableEnvironments:
		return &EnvironmentLog{}, nil
	case TablePhotos:
		return &Photo{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityTable, table)
	}
}
