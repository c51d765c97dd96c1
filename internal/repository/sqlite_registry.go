package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/edutap-eu/esc-native-wallet/internal/domain"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS devices (
	device_library_id TEXT PRIMARY KEY,
	push_token        TEXT NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS passes (
	pass_type_id         TEXT NOT NULL,
	serial_number        TEXT NOT NULL,
	authentication_token TEXT NOT NULL,
	last_updated         INTEGER NOT NULL,
	PRIMARY KEY (pass_type_id, serial_number)
);
CREATE TABLE IF NOT EXISTS pass_devices (
	pass_type_id      TEXT NOT NULL,
	serial_number     TEXT NOT NULL,
	device_library_id TEXT NOT NULL,
	created_at        INTEGER NOT NULL,
	PRIMARY KEY (pass_type_id, serial_number, device_library_id),
	FOREIGN KEY (pass_type_id, serial_number) REFERENCES passes (pass_type_id, serial_number) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS pass_devices_by_device ON pass_devices (device_library_id);
CREATE TABLE IF NOT EXISTS cards (
	escn       TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

type sqliteStore struct {
	db *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens (and migrates) a registry database at path. ":memory:"
// opens a private in-memory database.
func OpenSQLite(path string) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := ":memory:?_pragma=foreign_keys(1)"
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps read-then-write sequences on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) FindDevice(ctx context.Context, deviceLibraryID string) (*domain.Device, error) {
	var (
		device    domain.Device
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT device_library_id, push_token, updated_at FROM devices WHERE device_library_id = ?`,
		deviceLibraryID,
	).Scan(&device.LibraryID, &device.PushToken, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find device: %w", err)
	}
	device.UpdatedAt = fromMillis(updatedAt)
	return &device, nil
}

func (s *sqliteStore) UpsertDevice(ctx context.Context, device *domain.Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_library_id, push_token, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (device_library_id) DO UPDATE SET push_token = excluded.push_token, updated_at = excluded.updated_at`,
		device.LibraryID, device.PushToken, toMillis(device.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

func (s *sqliteStore) FindPass(ctx context.Context, key domain.PassKey) (*domain.PassRegistration, error) {
	var (
		pass        domain.PassRegistration
		lastUpdated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT pass_type_id, serial_number, authentication_token, last_updated
		FROM passes WHERE pass_type_id = ? AND serial_number = ?`,
		key.PassTypeID, key.SerialNumber,
	).Scan(&pass.PassTypeID, &pass.SerialNumber, &pass.AuthenticationToken, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pass: %w", err)
	}
	pass.LastUpdated = fromMillis(lastUpdated)

	if pass.DeviceLibraryIDs, err = s.passDeviceIDs(ctx, key); err != nil {
		return nil, err
	}
	return &pass, nil
}

func (s *sqliteStore) passDeviceIDs(ctx context.Context, key domain.PassKey) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_library_id FROM pass_devices
		WHERE pass_type_id = ? AND serial_number = ?
		ORDER BY created_at, device_library_id`,
		key.PassTypeID, key.SerialNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pass devices: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan pass device: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) CreatePass(ctx context.Context, reg *domain.PassRegistration) (*domain.PassRegistration, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO passes (pass_type_id, serial_number, authentication_token, last_updated)
		VALUES (?, ?, ?, ?) ON CONFLICT (pass_type_id, serial_number) DO NOTHING`,
		reg.PassTypeID, reg.SerialNumber, reg.AuthenticationToken, toMillis(reg.LastUpdated),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create pass: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to create pass: %w", err)
	}

	stored, err := s.FindPass(ctx, reg.Key())
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

func (s *sqliteStore) passExists(ctx context.Context, key domain.PassKey) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM passes WHERE pass_type_id = ? AND serial_number = ?`,
		key.PassTypeID, key.SerialNumber,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check pass: %w", err)
	}
	return true, nil
}

func (s *sqliteStore) AddDevice(ctx context.Context, key domain.PassKey, deviceLibraryID string) (bool, error) {
	exists, err := s.passExists(ctx, key)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pass_devices (pass_type_id, serial_number, device_library_id, created_at)
		VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		key.PassTypeID, key.SerialNumber, deviceLibraryID, toMillis(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("failed to add pass device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to add pass device: %w", err)
	}
	return n == 1, nil
}

func (s *sqliteStore) RemoveDevice(ctx context.Context, key domain.PassKey, deviceLibraryID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pass_devices WHERE pass_type_id = ? AND serial_number = ? AND device_library_id = ?`,
		key.PassTypeID, key.SerialNumber, deviceLibraryID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to remove pass device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to remove pass device: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	exists, err := s.passExists(ctx, key)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *sqliteStore) TouchPass(ctx context.Context, key domain.PassKey, at time.Time) (*domain.PassRegistration, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE passes SET last_updated = MAX(last_updated, ?)
		WHERE pass_type_id = ? AND serial_number = ?`,
		toMillis(at), key.PassTypeID, key.SerialNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to touch pass: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to touch pass: %w", err)
	} else if n == 0 {
		return nil, ErrNotFound
	}
	return s.FindPass(ctx, key)
}

func (s *sqliteStore) listPasses(ctx context.Context, query string, args ...any) ([]*domain.PassRegistration, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list passes: %w", err)
	}

	var passes []*domain.PassRegistration
	for rows.Next() {
		var (
			pass        domain.PassRegistration
			lastUpdated int64
		)
		if err := rows.Scan(&pass.PassTypeID, &pass.SerialNumber, &pass.AuthenticationToken, &lastUpdated); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan pass: %w", err)
		}
		pass.LastUpdated = fromMillis(lastUpdated)
		passes = append(passes, &pass)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to list passes: %w", err)
	}

	// Device lists are loaded after the cursor is closed: the pool holds a single connection.
	for _, pass := range passes {
		if pass.DeviceLibraryIDs, err = s.passDeviceIDs(ctx, pass.Key()); err != nil {
			return nil, err
		}
	}
	return passes, nil
}

func (s *sqliteStore) ListPassesForDevice(ctx context.Context, deviceLibraryID string) ([]*domain.PassRegistration, error) {
	return s.listPasses(ctx, `
		SELECT p.pass_type_id, p.serial_number, p.authentication_token, p.last_updated
		FROM passes p
		JOIN pass_devices d ON d.pass_type_id = p.pass_type_id AND d.serial_number = p.serial_number
		WHERE d.device_library_id = ?
		ORDER BY p.pass_type_id, p.serial_number`,
		deviceLibraryID,
	)
}

func (s *sqliteStore) ListPassesBySerial(ctx context.Context, serialNumber string) ([]*domain.PassRegistration, error) {
	return s.listPasses(ctx, `
		SELECT pass_type_id, serial_number, authentication_token, last_updated
		FROM passes WHERE serial_number = ?
		ORDER BY pass_type_id`,
		serialNumber,
	)
}

func (s *sqliteStore) ListDevicesForPass(ctx context.Context, key domain.PassKey) ([]*domain.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dv.device_library_id, dv.push_token, dv.updated_at
		FROM pass_devices pd
		JOIN devices dv ON dv.device_library_id = pd.device_library_id
		WHERE pd.pass_type_id = ? AND pd.serial_number = ?
		ORDER BY pd.created_at, pd.device_library_id`,
		key.PassTypeID, key.SerialNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*domain.Device
	for rows.Next() {
		var (
			device    domain.Device
			updatedAt int64
		)
		if err := rows.Scan(&device.LibraryID, &device.PushToken, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		device.UpdatedAt = fromMillis(updatedAt)
		devices = append(devices, &device)
	}
	return devices, rows.Err()
}

func (s *sqliteStore) FindCard(ctx context.Context, escn string) (*domain.StudentCard, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM cards WHERE escn = ?`, escn).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find card: %w", err)
	}

	var card domain.StudentCard
	if err := json.Unmarshal([]byte(payload), &card); err != nil {
		return nil, fmt.Errorf("failed to decode card: %w", err)
	}
	return &card, nil
}

func (s *sqliteStore) SaveCard(ctx context.Context, card *domain.StudentCard) error {
	payload, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("failed to encode card: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cards (escn, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (escn) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		card.ESCN, string(payload), toMillis(card.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save card: %w", err)
	}
	return nil
}
