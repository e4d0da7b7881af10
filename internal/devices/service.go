package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/bluenote/internal/notes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrDeviceNotFound indicates that no paired device has the given id.
	ErrDeviceNotFound = errors.New("devices: device not found")
	// ErrInvalidDevice indicates a pairing request without an id or address.
	ErrInvalidDevice = errors.New("devices: invalid device")
	// ErrSelfPairing indicates an attempt to pair the device with itself.
	ErrSelfPairing = errors.New("devices: cannot pair with self")
)

const selfCacheKey = "self"

// ServiceConfig describes the dependencies required for device bookkeeping.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	// DeviceName names this device when its identity is first created.
	DeviceName string
	NewID      func() (string, error)
}

// Service manages the local identity and the list of paired devices.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	newID      func() (string, error)
	deviceName string
	cache      sync.Map
	selfMu     sync.Mutex
}

// NewService constructs the device service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("devices: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = notes.NewUUIDProvider().NewID
	}
	name := normalize(cfg.DeviceName)
	if name == "" {
		name = "bluenote"
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		newID:      newID,
		deviceName: name,
	}, nil
}

// Self returns this device's identity, creating it on first use.
func (s *Service) Self(ctx context.Context) (LocalIdentity, error) {
	if cached, ok := s.cache.Load(selfCacheKey); ok {
		if identity, ok := cached.(LocalIdentity); ok {
			return identity, nil
		}
	}

	s.selfMu.Lock()
	defer s.selfMu.Unlock()

	var identity LocalIdentity
	err := s.db.WithContext(ctx).Order("created_at_ms ASC").First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		id, idErr := s.newID()
		if idErr != nil {
			return LocalIdentity{}, idErr
		}
		identity = LocalIdentity{
			DeviceID:    id,
			Name:        s.deviceName,
			CreatedAtMs: s.now().UTC().UnixMilli(),
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return LocalIdentity{}, err
		}
	} else if err != nil {
		return LocalIdentity{}, err
	}

	s.cache.Store(selfCacheKey, identity)
	return identity, nil
}

// Find returns the paired device or nil when it is unknown.
func (s *Service) Find(ctx context.Context, id string) (*Device, error) {
	var device Device
	err := s.db.WithContext(ctx).Where("id = ?", normalize(id)).Take(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// List returns every known device, paired or not.
func (s *Service) List(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := s.db.WithContext(ctx).Order("created_at_ms ASC, id ASC").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// ListSyncEnabled returns the devices this device reconciles with.
func (s *Service) ListSyncEnabled(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := s.db.WithContext(ctx).
		Where("sync_enabled = ?", true).
		Order("created_at_ms ASC, id ASC").
		Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// IsSyncEnabled reports whether the device is paired and enabled.
func (s *Service) IsSyncEnabled(ctx context.Context, id string) (bool, error) {
	device, err := s.Find(ctx, id)
	if err != nil {
		return false, err
	}
	return device != nil && device.SyncEnabled, nil
}

// EnableSync pairs with a device, or re-enables and renames a known one.
// The watermark of a known device is kept.
func (s *Service) EnableSync(ctx context.Context, id, name, address string) (Device, error) {
	id = normalize(id)
	address = normalize(address)
	if id == "" || address == "" {
		return Device{}, ErrInvalidDevice
	}
	self, err := s.Self(ctx)
	if err != nil {
		return Device{}, err
	}
	if self.DeviceID == id {
		return Device{}, ErrSelfPairing
	}

	now := s.now().UTC().UnixMilli()
	device := Device{
		ID:          id,
		Name:        normalize(name),
		Address:     address,
		SyncEnabled: true,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "address", "sync_enabled", "updated_at_ms"}),
	}).Create(&device).Error
	if err != nil {
		return Device{}, err
	}

	stored, err := s.Find(ctx, id)
	if err != nil {
		return Device{}, err
	}
	if stored == nil {
		return Device{}, ErrDeviceNotFound
	}
	return *stored, nil
}

// DisableSync stops reconciling with a device without forgetting its watermark.
func (s *Service) DisableSync(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&Device{}).
		Where("id = ?", normalize(id)).
		Updates(map[string]any{"sync_enabled": false, "updated_at_ms": s.now().UTC().UnixMilli()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// UpdateSyncedAt records the pass timestamp of a successful sync with the device.
func (s *Service) UpdateSyncedAt(ctx context.Context, id string, syncedAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&Device{}).
		Where("id = ?", normalize(id)).
		Updates(map[string]any{"synced_at_ms": syncedAt.UTC().UnixMilli(), "updated_at_ms": s.now().UTC().UnixMilli()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// RecordObserved marks that the device completed a companion session started
// at observedAt. The mark only moves forward.
func (s *Service) RecordObserved(ctx context.Context, id string, observedAt time.Time) error {
	id = normalize(id)
	mark := observedAt.UTC().UnixMilli()
	result := s.db.WithContext(ctx).Model(&Device{}).
		Where("id = ? AND observed_at_ms < ?", id, mark).
		Updates(map[string]any{"observed_at_ms": mark, "updated_at_ms": s.now().UTC().UnixMilli()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	device, err := s.Find(ctx, id)
	if err != nil {
		return err
	}
	if device == nil {
		return ErrDeviceNotFound
	}
	return nil
}
