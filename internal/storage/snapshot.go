package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Snapshot is the last known state of one device, persisted so a restarted
// session can show stale-but-visible positions before the first poll.
type Snapshot struct {
	Device     string    `json:"device"`
	Name       string    `json:"name,omitempty"`
	Position   *int      `json:"position,omitempty"`
	BatteryRaw *float64  `json:"battery_raw,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SnapshotStore keeps one JSON snapshot per (hub, device).
type SnapshotStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSnapshotStore creates a new snapshot store.
func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save stores the snapshot, replacing any previous one.
func (s *SnapshotStore) Save(hub string, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO device_snapshot (hub, device, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(hub, device) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, hub, snap.Device, string(payload), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	log.Trace().Str("hub", hub).Str("device", snap.Device).Msg("Snapshot saved")
	return nil
}

// Load returns every snapshot of a hub keyed by device id.
func (s *SnapshotStore) Load(hub string) (map[string]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT device, payload FROM device_snapshot WHERE hub = ?`, hub)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snaps := make(map[string]Snapshot)
	for rows.Next() {
		var device, payload string
		if err := rows.Scan(&device, &payload); err != nil {
			return nil, err
		}

		var snap Snapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			log.Warn().Err(err).Str("hub", hub).Str("device", device).Msg("Skipping unreadable snapshot")
			continue
		}
		snap.Device = device
		snaps[device] = snap
	}

	return snaps, rows.Err()
}

// Delete removes the snapshot of one device.
func (s *SnapshotStore) Delete(hub, device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM device_snapshot WHERE hub = ? AND device = ?`, hub, device)
	return err
}

// Clear removes every snapshot of a hub, or of all hubs when hub is empty.
func (s *SnapshotStore) Clear(hub string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		res sql.Result
		err error
	)
	if hub == "" {
		res, err = s.db.Exec(`DELETE FROM device_snapshot`)
	} else {
		res, err = s.db.Exec(`DELETE FROM device_snapshot WHERE hub = ?`, hub)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to clear snapshots: %w", err)
	}
	return res.RowsAffected()
}
