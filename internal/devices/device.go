package devices

import (
	"strings"
	"time"
)

// LocalIdentity is the single row naming this device to its peers.
type LocalIdentity struct {
	DeviceID    string `gorm:"column:device_id;primaryKey;size:64;not null"`
	Name        string `gorm:"column:name;size:190;not null"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
}

// TableName exposes the table backing the local identity.
func (LocalIdentity) TableName() string {
	return "local_identity"
}

// Device is a paired peer. SyncedAtMs is the last successful sync pass
// timestamp against it, zero when it has never synced. ObservedAtMs is the
// start of the last companion session the device completed against this one,
// zero when it has never pulled from here.
type Device struct {
	ID           string `gorm:"column:id;primaryKey;size:64;not null"`
	Name         string `gorm:"column:name;size:190;not null"`
	Address      string `gorm:"column:address;size:512;not null"`
	SyncEnabled  bool   `gorm:"column:sync_enabled;not null;index"`
	SyncedAtMs   int64  `gorm:"column:synced_at_ms;not null"`
	ObservedAtMs int64  `gorm:"column:observed_at_ms;not null;default:0"`
	CreatedAtMs  int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs  int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName exposes the table backing paired devices.
func (Device) TableName() string {
	return "devices"
}

// HasSynced reports whether at least one sync pass against the device succeeded.
func (d Device) HasSynced() bool {
	return d.SyncedAtMs > 0
}

// SyncedAt returns the watermark as a time, zero when the device never synced.
func (d Device) SyncedAt() time.Time {
	if !d.HasSynced() {
		return time.Time{}
	}
	return time.UnixMilli(d.SyncedAtMs).UTC()
}

// HasObserved reports whether the device ever completed a pass against this one.
func (d Device) HasObserved() bool {
	return d.ObservedAtMs > 0
}

// ObservedAt returns the observation mark as a time, zero when unset.
func (d Device) ObservedAt() time.Time {
	if !d.HasObserved() {
		return time.Time{}
	}
	return time.UnixMilli(d.ObservedAtMs).UTC()
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
