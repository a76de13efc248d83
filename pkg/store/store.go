// Package store implements the Inventory Store: a durable, transactional
// SQLite record of the work queue and the devices a crawl has fully
// processed, and the primary authority for dedup.
package store

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/netwatch/cdpcrawl/pkg/discovery"
	"github.com/netwatch/cdpcrawl/pkg/util"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hostname TEXT UNIQUE NOT NULL,
	ip_address TEXT UNIQUE NOT NULL,
	platform TEXT DEFAULT '',
	serial_number TEXT DEFAULT '',
	device_type TEXT DEFAULT '',
	discovered_at DATETIME,
	last_updated DATETIME
);

CREATE TABLE IF NOT EXISTS queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hostname TEXT UNIQUE NOT NULL,
	ip_address TEXT UNIQUE NOT NULL,
	is_processing INTEGER NOT NULL DEFAULT 0,
	is_processed INTEGER NOT NULL DEFAULT 0,
	added_at DATETIME NOT NULL,
	processed_at DATETIME
);
`

// Store is a single SQLite-backed Inventory Store. mu serializes every
// operation so the composite "exists, then admit" the worker loop relies
// on for dedup never splits across two callers — SQLite itself allows
// only one writer at a time, so this is making explicit a constraint that
// already exists, not adding contention of its own.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates (or reuses) the SQLite database at path and ensures its
// schema exists. Safe to call against an existing file from a prior run —
// CREATE TABLE IF NOT EXISTS makes this idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &StoreError{Op: "open", Cause: err}
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &StoreError{Op: "migrate", Cause: err}
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Admit inserts a QueueEntry for (hostname, ip) iff neither the queue nor
// the devices table already contains that hostname or that IP, returning
// whether it newly admitted the pair. The existence check and the insert
// run under the same lock, so two workers racing to admit the same
// neighbor can't both succeed — exactly one observes admitted=true.
func (s *Store) Admit(hostname, ipAddress string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.existsLocked(hostname, ipAddress)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	_, err = s.db.Exec(
		`INSERT INTO queue (hostname, ip_address, is_processing, is_processed, added_at) VALUES (?, ?, 0, 0, ?)`,
		hostname, ipAddress, time.Now().UTC(),
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return false, nil
		}
		return false, &StoreError{Op: "admit", Cause: err}
	}
	return true, nil
}

// Exists reports whether hostname or ipAddress already appears in either
// table. It is the dedup authority; the Frontier only ever carries
// candidates and cannot answer this question itself.
func (s *Store) Exists(hostname, ipAddress string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existsLocked(hostname, ipAddress)
}

func (s *Store) existsLocked(hostname, ipAddress string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM queue WHERE hostname = ?`, hostname).Scan(&count)
	if err != nil {
		return false, &StoreError{Op: "exists", Cause: err}
	}
	if count > 0 {
		return true, nil
	}
	if ipAddress != "" {
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM queue WHERE ip_address = ?`, ipAddress).Scan(&count); err != nil {
			return false, &StoreError{Op: "exists", Cause: err}
		}
		if count > 0 {
			return true, nil
		}
	}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM devices WHERE hostname = ?`, hostname).Scan(&count); err != nil {
		return false, &StoreError{Op: "exists", Cause: err}
	}
	if count > 0 {
		return true, nil
	}
	if ipAddress != "" {
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM devices WHERE ip_address = ?`, ipAddress).Scan(&count); err != nil {
			return false, &StoreError{Op: "exists", Cause: err}
		}
		if count > 0 {
			return true, nil
		}
	}
	return false, nil
}

// MarkProcessing flips is_processing on the matching QueueEntry. A
// missing entry is a no-op, not an error — the caller may race a restart
// that already resumed and re-admitted the same pair.
func (s *Store) MarkProcessing(hostname, ipAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE queue SET is_processing = 1 WHERE hostname = ? OR ip_address = ?`,
		hostname, ipAddress,
	)
	if err != nil {
		return &StoreError{Op: "mark_processing", Cause: err}
	}
	return nil
}

// MarkProcessed flips is_processed, clears is_processing, and stamps
// processed_at. Idempotent: calling it twice on the same entry leaves it
// in the same terminal state.
func (s *Store) MarkProcessed(hostname, ipAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE queue SET is_processing = 0, is_processed = 1, processed_at = ? WHERE hostname = ? OR ip_address = ?`,
		time.Now().UTC(), hostname, ipAddress,
	)
	if err != nil {
		return &StoreError{Op: "mark_processed", Cause: err}
	}
	return nil
}

// SaveDevice inserts a new Device row. A uniqueness conflict — most often
// two logical devices sharing a management IP across VRFs — is reported
// as a StoreError wrapping util.ErrAlreadyExists rather than silently
// overwriting the existing row; the caller is expected to skip the
// conflicting device.
func (s *Store) SaveDevice(d discovery.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO devices (hostname, ip_address, platform, serial_number, device_type, discovered_at, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.Hostname, d.IPAddress, d.Platform, d.SerialNumber, d.DeviceType, d.DiscoveredAt, d.LastUpdated,
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return &StoreError{Op: "save_device", Cause: util.ErrAlreadyExists}
		}
		return &StoreError{Op: "save_device", Cause: err}
	}
	return nil
}

// ListDevices returns every Device row, for the Exporter.
func (s *Store) ListDevices() ([]discovery.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT hostname, ip_address, platform, serial_number, device_type, discovered_at, last_updated FROM devices ORDER BY hostname`,
	)
	if err != nil {
		return nil, &StoreError{Op: "list_devices", Cause: err}
	}
	defer rows.Close()

	var devices []discovery.Device
	for rows.Next() {
		var d discovery.Device
		if err := rows.Scan(&d.Hostname, &d.IPAddress, &d.Platform, &d.SerialNumber, &d.DeviceType, &d.DiscoveredAt, &d.LastUpdated); err != nil {
			return nil, &StoreError{Op: "list_devices", Cause: err}
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list_devices", Cause: err}
	}
	return devices, nil
}

// ResumeQueue clears any stale is_processing flag left by a prior crash
// and returns a Seed for every QueueEntry not yet processed, so the
// caller can re-seed the Frontier and pick up where the last run left
// off.
func (s *Store) ResumeQueue() ([]discovery.Seed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE queue SET is_processing = 0 WHERE is_processing = 1 AND is_processed = 0`); err != nil {
		return nil, &StoreError{Op: "resume_queue", Cause: err}
	}

	rows, err := s.db.Query(`SELECT hostname, ip_address FROM queue WHERE is_processed = 0`)
	if err != nil {
		return nil, &StoreError{Op: "resume_queue", Cause: err}
	}
	defer rows.Close()

	var seeds []discovery.Seed
	for rows.Next() {
		var seed discovery.Seed
		if err := rows.Scan(&seed.Hostname, &seed.IPAddress); err != nil {
			return nil, &StoreError{Op: "resume_queue", Cause: err}
		}
		seeds = append(seeds, seed)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "resume_queue", Cause: err}
	}
	return seeds, nil
}

func isUniqueConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
