package repository

import (
	"context"
	"errors"
	"time"

	"github.com/edutap-eu/esc-native-wallet/internal/domain"
)

// ErrNotFound is returned when a device, pass registration or card does not exist.
var ErrNotFound = errors.New("not found")

// Registry is the durable store of devices and pass registrations. Every
// method is atomic per key; implementations never hold a lock across calls.
type Registry interface {
	FindDevice(ctx context.Context, deviceLibraryID string) (*domain.Device, error)
	UpsertDevice(ctx context.Context, device *domain.Device) error

	FindPass(ctx context.Context, key domain.PassKey) (*domain.PassRegistration, error)
	// CreatePass stores reg unless a registration already exists for its key,
	// and returns the stored registration. At most one caller observes created == true.
	CreatePass(ctx context.Context, reg *domain.PassRegistration) (stored *domain.PassRegistration, created bool, err error)
	// AddDevice adds the device to the pass; added is false when it was already a member.
	AddDevice(ctx context.Context, key domain.PassKey, deviceLibraryID string) (added bool, err error)
	// RemoveDevice removes the device from the pass; removed is false when it was not a member.
	RemoveDevice(ctx context.Context, key domain.PassKey, deviceLibraryID string) (removed bool, err error)
	// TouchPass advances LastUpdated to at, never moving it backwards.
	TouchPass(ctx context.Context, key domain.PassKey, at time.Time) (*domain.PassRegistration, error)

	ListPassesForDevice(ctx context.Context, deviceLibraryID string) ([]*domain.PassRegistration, error)
	ListPassesBySerial(ctx context.Context, serialNumber string) ([]*domain.PassRegistration, error)
	ListDevicesForPass(ctx context.Context, key domain.PassKey) ([]*domain.Device, error)
}

// CardRepository stores the credential records passes are rendered from.
type CardRepository interface {
	FindCard(ctx context.Context, escn string) (*domain.StudentCard, error)
	SaveCard(ctx context.Context, card *domain.StudentCard) error
}

// Store is a backend that serves both contracts.
type Store interface {
	Registry
	CardRepository
	Close() error
}

func clonePass(p *domain.PassRegistration) *domain.PassRegistration {
	c := *p
	c.DeviceLibraryIDs = append([]string(nil), p.DeviceLibraryIDs...)
	return &c
}
