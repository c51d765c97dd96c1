package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/edutap-eu/esc-native-wallet/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

// Document revisions make every write conditional; a 409 means another
// writer got there first and the read-modify-write is replayed.
const maxConflictRetries = 5

const (
	docTypeDevice = "device"
	docTypePass   = "pass"
	docTypeCard   = "card"
)

type deviceDoc struct {
	ID   string `json:"_id"`
	Rev  string `json:"_rev,omitempty"`
	Type string `json:"type"`
	domain.Device
}

type passDoc struct {
	ID   string `json:"_id"`
	Rev  string `json:"_rev,omitempty"`
	Type string `json:"type"`
	domain.PassRegistration
}

type cardDoc struct {
	ID   string `json:"_id"`
	Rev  string `json:"_rev,omitempty"`
	Type string `json:"type"`
	domain.StudentCard
}

type couchStore struct {
	client *kivik.Client
	dbName string
}

// NewCouchStore returns a store backed by one CouchDB database.
func NewCouchStore(client *kivik.Client, dbName string) Store {
	return &couchStore{
		client: client,
		dbName: dbName,
	}
}

func deviceDocID(deviceLibraryID string) string {
	return fmt.Sprintf("device:%s", deviceLibraryID)
}

func passDocID(key domain.PassKey) string {
	return fmt.Sprintf("pass:%s:%s", key.PassTypeID, key.SerialNumber)
}

func cardDocID(escn string) string {
	return fmt.Sprintf("card:%s", escn)
}

func isConflict(err error) bool {
	return kivik.HTTPStatus(err) == http.StatusConflict
}

func isNotFound(err error) bool {
	return kivik.HTTPStatus(err) == http.StatusNotFound
}

func (r *couchStore) Close() error {
	return r.client.Close()
}

func (r *couchStore) getDevice(ctx context.Context, deviceLibraryID string) (*deviceDoc, error) {
	db := r.client.DB(r.dbName)

	var doc deviceDoc
	if err := db.Get(ctx, deviceDocID(deviceLibraryID)).ScanDoc(&doc); err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find device: %w", err)
	}
	return &doc, nil
}

func (r *couchStore) FindDevice(ctx context.Context, deviceLibraryID string) (*domain.Device, error) {
	doc, err := r.getDevice(ctx, deviceLibraryID)
	if err != nil {
		return nil, err
	}
	return &doc.Device, nil
}

func (r *couchStore) UpsertDevice(ctx context.Context, device *domain.Device) error {
	db := r.client.DB(r.dbName)

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		doc := deviceDoc{ID: deviceDocID(device.LibraryID), Type: docTypeDevice, Device: *device}

		existing, err := r.getDevice(ctx, device.LibraryID)
		switch {
		case err == nil:
			doc.Rev = existing.Rev
		case !errors.Is(err, ErrNotFound):
			return err
		}

		_, err = db.Put(ctx, doc.ID, doc)
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return fmt.Errorf("failed to upsert device: %w", err)
		}
	}
	return fmt.Errorf("failed to upsert device: too many concurrent updates")
}

func (r *couchStore) getPass(ctx context.Context, key domain.PassKey) (*passDoc, error) {
	db := r.client.DB(r.dbName)

	var doc passDoc
	if err := db.Get(ctx, passDocID(key)).ScanDoc(&doc); err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find pass: %w", err)
	}
	return &doc, nil
}

func (r *couchStore) FindPass(ctx context.Context, key domain.PassKey) (*domain.PassRegistration, error) {
	doc, err := r.getPass(ctx, key)
	if err != nil {
		return nil, err
	}
	return &doc.PassRegistration, nil
}

func (r *couchStore) CreatePass(ctx context.Context, reg *domain.PassRegistration) (*domain.PassRegistration, bool, error) {
	db := r.client.DB(r.dbName)

	doc := passDoc{ID: passDocID(reg.Key()), Type: docTypePass, PassRegistration: *clonePass(reg)}
	if doc.DeviceLibraryIDs == nil {
		doc.DeviceLibraryIDs = []string{}
	}

	// A put without a revision only succeeds for the first writer of the id.
	_, err := db.Put(ctx, doc.ID, doc)
	if err == nil {
		return &doc.PassRegistration, true, nil
	}
	if !isConflict(err) {
		return nil, false, fmt.Errorf("failed to create pass: %w", err)
	}

	stored, err := r.FindPass(ctx, reg.Key())
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

// updatePass replays mutate against the latest revision until the write is
// accepted. mutate returns false when there is nothing to write.
func (r *couchStore) updatePass(ctx context.Context, key domain.PassKey, mutate func(*domain.PassRegistration) bool) (*domain.PassRegistration, bool, error) {
	db := r.client.DB(r.dbName)

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		doc, err := r.getPass(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if !mutate(&doc.PassRegistration) {
			return &doc.PassRegistration, false, nil
		}

		_, err = db.Put(ctx, doc.ID, doc)
		if err == nil {
			return &doc.PassRegistration, true, nil
		}
		if !isConflict(err) {
			return nil, false, fmt.Errorf("failed to update pass: %w", err)
		}
	}
	return nil, false, fmt.Errorf("failed to update pass: too many concurrent updates")
}

func (r *couchStore) AddDevice(ctx context.Context, key domain.PassKey, deviceLibraryID string) (bool, error) {
	_, added, err := r.updatePass(ctx, key, func(p *domain.PassRegistration) bool {
		if p.HasDevice(deviceLibraryID) {
			return false
		}
		p.DeviceLibraryIDs = append(p.DeviceLibraryIDs, deviceLibraryID)
		return true
	})
	return added, err
}

func (r *couchStore) RemoveDevice(ctx context.Context, key domain.PassKey, deviceLibraryID string) (bool, error) {
	_, removed, err := r.updatePass(ctx, key, func(p *domain.PassRegistration) bool {
		idx := slices.Index(p.DeviceLibraryIDs, deviceLibraryID)
		if idx < 0 {
			return false
		}
		p.DeviceLibraryIDs = slices.Delete(p.DeviceLibraryIDs, idx, idx+1)
		return true
	})
	return removed, err
}

func (r *couchStore) TouchPass(ctx context.Context, key domain.PassKey, at time.Time) (*domain.PassRegistration, error) {
	pass, _, err := r.updatePass(ctx, key, func(p *domain.PassRegistration) bool {
		if !at.After(p.LastUpdated) {
			return false
		}
		p.LastUpdated = at
		return true
	})
	return pass, err
}

func (r *couchStore) findPasses(ctx context.Context, selector map[string]interface{}) ([]*domain.PassRegistration, error) {
	db := r.client.DB(r.dbName)

	selector["type"] = docTypePass
	rows := db.Find(ctx, map[string]interface{}{"selector": selector})
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list passes: %w", err)
	}
	defer rows.Close()

	var passes []*domain.PassRegistration
	for rows.Next() {
		var doc passDoc
		if err := rows.ScanDoc(&doc); err != nil {
			continue // Skip malformed docs
		}
		passes = append(passes, &doc.PassRegistration)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list passes: %w", err)
	}
	return passes, nil
}

func (r *couchStore) ListPassesForDevice(ctx context.Context, deviceLibraryID string) ([]*domain.PassRegistration, error) {
	return r.findPasses(ctx, map[string]interface{}{
		"device_library_ids": map[string]interface{}{
			"$elemMatch": map[string]interface{}{"$eq": deviceLibraryID},
		},
	})
}

func (r *couchStore) ListPassesBySerial(ctx context.Context, serialNumber string) ([]*domain.PassRegistration, error) {
	return r.findPasses(ctx, map[string]interface{}{
		"serial_number": serialNumber,
	})
}

func (r *couchStore) ListDevicesForPass(ctx context.Context, key domain.PassKey) ([]*domain.Device, error) {
	pass, err := r.FindPass(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	devices := make([]*domain.Device, 0, len(pass.DeviceLibraryIDs))
	for _, id := range pass.DeviceLibraryIDs {
		device, err := r.FindDevice(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, nil
}

func (r *couchStore) FindCard(ctx context.Context, escn string) (*domain.StudentCard, error) {
	db := r.client.DB(r.dbName)

	var doc cardDoc
	if err := db.Get(ctx, cardDocID(escn)).ScanDoc(&doc); err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find card: %w", err)
	}
	return &doc.StudentCard, nil
}

func (r *couchStore) SaveCard(ctx context.Context, card *domain.StudentCard) error {
	db := r.client.DB(r.dbName)

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		doc := cardDoc{ID: cardDocID(card.ESCN), Type: docTypeCard, StudentCard: *card}

		var existing cardDoc
		err := db.Get(ctx, doc.ID).ScanDoc(&existing)
		switch {
		case err == nil:
			doc.Rev = existing.Rev
		case !isNotFound(err):
			return fmt.Errorf("failed to save card: %w", err)
		}

		_, err = db.Put(ctx, doc.ID, doc)
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return fmt.Errorf("failed to save card: %w", err)
		}
	}
	return fmt.Errorf("failed to save card: too many concurrent updates")
}
