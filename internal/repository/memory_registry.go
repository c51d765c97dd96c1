package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/edutap-eu/esc-native-wallet/internal/domain"
)

type memoryStore struct {
	mu      sync.RWMutex
	devices map[string]*domain.Device
	passes  map[domain.PassKey]*domain.PassRegistration
	cards   map[string]*domain.StudentCard
}

// NewMemoryStore returns a process-local store for development and tests.
func NewMemoryStore() Store {
	return &memoryStore{
		devices: make(map[string]*domain.Device),
		passes:  make(map[domain.PassKey]*domain.PassRegistration),
		cards:   make(map[string]*domain.StudentCard),
	}
}

func (s *memoryStore) FindDevice(_ context.Context, deviceLibraryID string) (*domain.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[deviceLibraryID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *d
	return &c, nil
}

func (s *memoryStore) UpsertDevice(_ context.Context, device *domain.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *device
	s.devices[device.LibraryID] = &c
	return nil
}

func (s *memoryStore) FindPass(_ context.Context, key domain.PassKey) (*domain.PassRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.passes[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePass(p), nil
}

func (s *memoryStore) CreatePass(_ context.Context, reg *domain.PassRegistration) (*domain.PassRegistration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.passes[reg.Key()]; ok {
		return clonePass(existing), false, nil
	}
	stored := clonePass(reg)
	s.passes[reg.Key()] = stored
	return clonePass(stored), true, nil
}

func (s *memoryStore) AddDevice(_ context.Context, key domain.PassKey, deviceLibraryID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.passes[key]
	if !ok {
		return false, ErrNotFound
	}
	if p.HasDevice(deviceLibraryID) {
		return false, nil
	}
	p.DeviceLibraryIDs = append(p.DeviceLibraryIDs, deviceLibraryID)
	return true, nil
}

func (s *memoryStore) RemoveDevice(_ context.Context, key domain.PassKey, deviceLibraryID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.passes[key]
	if !ok {
		return false, ErrNotFound
	}
	idx := slices.Index(p.DeviceLibraryIDs, deviceLibraryID)
	if idx < 0 {
		return false, nil
	}
	p.DeviceLibraryIDs = slices.Delete(p.DeviceLibraryIDs, idx, idx+1)
	return true, nil
}

func (s *memoryStore) TouchPass(_ context.Context, key domain.PassKey, at time.Time) (*domain.PassRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.passes[key]
	if !ok {
		return nil, ErrNotFound
	}
	if at.After(p.LastUpdated) {
		p.LastUpdated = at
	}
	return clonePass(p), nil
}

func (s *memoryStore) ListPassesForDevice(_ context.Context, deviceLibraryID string) ([]*domain.PassRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var passes []*domain.PassRegistration
	for _, p := range s.passes {
		if p.HasDevice(deviceLibraryID) {
			passes = append(passes, clonePass(p))
		}
	}
	return passes, nil
}

func (s *memoryStore) ListPassesBySerial(_ context.Context, serialNumber string) ([]*domain.PassRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var passes []*domain.PassRegistration
	for key, p := range s.passes {
		if key.SerialNumber == serialNumber {
			passes = append(passes, clonePass(p))
		}
	}
	return passes, nil
}

func (s *memoryStore) ListDevicesForPass(_ context.Context, key domain.PassKey) ([]*domain.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.passes[key]
	if !ok {
		return nil, nil
	}
	devices := make([]*domain.Device, 0, len(p.DeviceLibraryIDs))
	for _, id := range p.DeviceLibraryIDs {
		if d, ok := s.devices[id]; ok {
			c := *d
			devices = append(devices, &c)
		}
	}
	return devices, nil
}

func (s *memoryStore) FindCard(_ context.Context, escn string) (*domain.StudentCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cards[escn]
	if !ok {
		return nil, ErrNotFound
	}
	card := *c
	return &card, nil
}

func (s *memoryStore) SaveCard(_ context.Context, card *domain.StudentCard) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *card
	s.cards[card.ESCN] = &c
	return nil
}

func (s *memoryStore) Close() error { return nil }
