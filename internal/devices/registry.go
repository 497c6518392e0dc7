// Package devices tracks the sync devices seen by the harness server, one
// row per user and device, for operator visibility into replica freshness.
package devices

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Device captures the last observed sync activity of one client device.
type Device struct {
	UserID       string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DeviceID     string    `gorm:"column:device_id;primaryKey;size:190;not null"`
	LastSeenAt   time.Time `gorm:"column:last_seen_at;not null"`
	LastPushAt   time.Time `gorm:"column:last_push_at"`
	LastPullAt   time.Time `gorm:"column:last_pull_at"`
	FirstSeenAt  time.Time `gorm:"column:first_seen_at;not null"`
	RequestCount int64     `gorm:"column:request_count;not null;default:0"`
}

// TableName exposes the table backing the device registry.
func (Device) TableName() string {
	return "sync_devices"
}

// Activity names the request kind being recorded.
type Activity string

const (
	ActivityPush Activity = "push"
	ActivityPull Activity = "pull"
)

// RegistryConfig describes the dependencies required for device tracking.
type RegistryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Registry upserts device liveness rows as sync requests arrive.
type Registry struct {
	db    *gorm.DB
	now   func() time.Time
	known sync.Map
}

// NewRegistry constructs the registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("devices: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{db: cfg.Database, now: clock}, nil
}

// Touch records one authorized sync request from a device. An empty device
// id (tokens minted without one) is ignored.
func (r *Registry) Touch(userID, deviceID string, activity Activity) error {
	if userID == "" || deviceID == "" {
		return nil
	}

	now := r.now().UTC()
	cacheKey := userID + ":" + deviceID

	updates := map[string]interface{}{
		"last_seen_at":  now,
		"request_count": gorm.Expr("request_count + 1"),
	}
	switch activity {
	case ActivityPush:
		updates["last_push_at"] = now
	case ActivityPull:
		updates["last_pull_at"] = now
	}

	if _, seen := r.known.Load(cacheKey); seen {
		return r.db.Model(&Device{}).
			Where("user_id = ? AND device_id = ?", userID, deviceID).
			Updates(updates).Error
	}

	var device Device
	err := r.db.Where("user_id = ? AND device_id = ?", userID, deviceID).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		device = Device{
			UserID:       userID,
			DeviceID:     deviceID,
			LastSeenAt:   now,
			FirstSeenAt:  now,
			RequestCount: 1,
		}
		switch activity {
		case ActivityPush:
			device.LastPushAt = now
		case ActivityPull:
			device.LastPullAt = now
		}
		if err := r.db.Create(&device).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		if err := r.db.Model(&Device{}).
			Where("user_id = ? AND device_id = ?", userID, deviceID).
			Updates(updates).Error; err != nil {
			return err
		}
	}

	r.known.Store(cacheKey, struct{}{})
	return nil
}

// List returns the devices registered for a user, most recently seen first.
func (r *Registry) List(userID string) ([]Device, error) {
	var rows []Device
	err := r.db.Where("user_id = ?", userID).
		Order("last_seen_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
