package service

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/edutap-eu/esc-native-wallet/internal/domain"
	"github.com/edutap-eu/esc-native-wallet/internal/passbuilder"
	"github.com/edutap-eu/esc-native-wallet/internal/repository"
)

type mockRegistry struct {
	mu      sync.Mutex
	devices map[string]*domain.Device
	passes  map[domain.PassKey]*domain.PassRegistration
	fail    error
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{
		devices: make(map[string]*domain.Device),
		passes:  make(map[domain.PassKey]*domain.PassRegistration),
	}
}

func (m *mockRegistry) FindDevice(ctx context.Context, id string) (*domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	if d, exists := m.devices[id]; exists {
		c := *d
		return &c, nil
	}
	return nil, repository.ErrNotFound
}

func (m *mockRegistry) UpsertDevice(ctx context.Context, device *domain.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	c := *device
	m.devices[device.LibraryID] = &c
	return nil
}

func (m *mockRegistry) FindPass(ctx context.Context, key domain.PassKey) (*domain.PassRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	if p, exists := m.passes[key]; exists {
		return copyPass(p), nil
	}
	return nil, repository.ErrNotFound
}

func (m *mockRegistry) CreatePass(ctx context.Context, reg *domain.PassRegistration) (*domain.PassRegistration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, false, m.fail
	}
	if p, exists := m.passes[reg.Key()]; exists {
		return copyPass(p), false, nil
	}
	m.passes[reg.Key()] = copyPass(reg)
	return copyPass(reg), true, nil
}

func (m *mockRegistry) AddDevice(ctx context.Context, key domain.PassKey, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	p, exists := m.passes[key]
	if !exists {
		return false, repository.ErrNotFound
	}
	if p.HasDevice(id) {
		return false, nil
	}
	p.DeviceLibraryIDs = append(p.DeviceLibraryIDs, id)
	return true, nil
}

func (m *mockRegistry) RemoveDevice(ctx context.Context, key domain.PassKey, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	p, exists := m.passes[key]
	if !exists {
		return false, repository.ErrNotFound
	}
	idx := slices.Index(p.DeviceLibraryIDs, id)
	if idx < 0 {
		return false, nil
	}
	p.DeviceLibraryIDs = slices.Delete(p.DeviceLibraryIDs, idx, idx+1)
	return true, nil
}

func (m *mockRegistry) TouchPass(ctx context.Context, key domain.PassKey, at time.Time) (*domain.PassRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	p, exists := m.passes[key]
	if !exists {
		return nil, repository.ErrNotFound
	}
	if at.After(p.LastUpdated) {
		p.LastUpdated = at
	}
	return copyPass(p), nil
}

func (m *mockRegistry) ListPassesForDevice(ctx context.Context, id string) ([]*domain.PassRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var passes []*domain.PassRegistration
	for _, p := range m.passes {
		if p.HasDevice(id) {
			passes = append(passes, copyPass(p))
		}
	}
	return passes, nil
}

func (m *mockRegistry) ListPassesBySerial(ctx context.Context, serial string) ([]*domain.PassRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var passes []*domain.PassRegistration
	for _, p := range m.passes {
		if p.SerialNumber == serial {
			passes = append(passes, copyPass(p))
		}
	}
	return passes, nil
}

func (m *mockRegistry) ListDevicesForPass(ctx context.Context, key domain.PassKey) ([]*domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	p, exists := m.passes[key]
	if !exists {
		return nil, nil
	}
	var devices []*domain.Device
	for _, id := range p.DeviceLibraryIDs {
		if d, ok := m.devices[id]; ok {
			devices = append(devices, d)
		}
	}
	return devices, nil
}

func (m *mockRegistry) setLastUpdated(key domain.PassKey, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passes[key].LastUpdated = at
}

func copyPass(p *domain.PassRegistration) *domain.PassRegistration {
	c := *p
	c.DeviceLibraryIDs = append([]string(nil), p.DeviceLibraryIDs...)
	return &c
}

type mockCardRepo struct {
	cards map[string]*domain.StudentCard
	fail  error
}

func newMockCardRepo() *mockCardRepo {
	return &mockCardRepo{cards: make(map[string]*domain.StudentCard)}
}

func (m *mockCardRepo) FindCard(ctx context.Context, escn string) (*domain.StudentCard, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	if c, exists := m.cards[escn]; exists {
		return c, nil
	}
	return nil, repository.ErrNotFound
}

func (m *mockCardRepo) SaveCard(ctx context.Context, card *domain.StudentCard) error {
	if m.fail != nil {
		return m.fail
	}
	m.cards[card.ESCN] = card
	return nil
}

type mockBuilder struct {
	mu    sync.Mutex
	calls []passbuilder.Options
	fail  error
}

func (m *mockBuilder) Build(ctx context.Context, card *domain.StudentCard, opts passbuilder.Options) (*domain.SignedPass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, opts)
	if m.fail != nil {
		return nil, m.fail
	}
	return &domain.SignedPass{
		Data:        []byte("pkpass:" + card.ESCN),
		ContentType: domain.PassContentType,
		FileName:    card.ESCN + ".pkpass",
	}, nil
}

func (m *mockBuilder) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockNotifier struct {
	calls  []domain.PassKey
	report *domain.DeliveryReport
}

func (m *mockNotifier) NotifyHolders(ctx context.Context, key domain.PassKey) (*domain.DeliveryReport, error) {
	m.calls = append(m.calls, key)
	if m.report != nil {
		return m.report, nil
	}
	return &domain.DeliveryReport{Pass: key}, nil
}

type mockQueue struct {
	keys     []domain.PassKey
	capacity int
}

func (m *mockQueue) Enqueue(key domain.PassKey) bool {
	if len(m.keys) >= m.capacity {
		return false
	}
	m.keys = append(m.keys, key)
	return true
}
