// Package ledger provides an append-only history of shade commands and their
// outcomes.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Kind represents the type of entry in the ledger
type Kind string

const (
	KindCommandIssued     Kind = "command_issued"
	KindCommandSent       Kind = "command_sent"
	KindCommandFailed     Kind = "command_failed"
	KindRetrySent         Kind = "retry_sent"
	KindSettled           Kind = "settled"
	KindFailsafe          Kind = "failsafe"
	KindVerifyUnconfirmed Kind = "verify_unconfirmed"
)

// Entry represents a single record in the ledger
type Entry struct {
	ID        int64          `json:"id"`
	Kind      Kind           `json:"kind"`
	Hub       string         `json:"hub"`
	Device    string         `json:"device"`
	CommandID uint64         `json:"command_id,omitempty"`
	Target    *int           `json:"target,omitempty"`
	Position  *int           `json:"position,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Ledger provides append-only command logging
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Append adds a new entry to the ledger. A zero Timestamp means now.
func (l *Ledger) Append(entry Entry) error {
	var payloadJSON []byte
	if entry.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(entry.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	var commandID sql.NullInt64
	if entry.CommandID != 0 {
		commandID = sql.NullInt64{Int64: int64(entry.CommandID), Valid: true}
	}

	_, err := l.db.Exec(`
		INSERT INTO command_ledger (kind, hub, device, command_id, target, position, timestamp, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(entry.Kind), entry.Hub, entry.Device, commandID,
		nullInt(entry.Target), nullInt(entry.Position), ts.UTC().UnixMilli(), nullString(payloadJSON))
	if err != nil {
		return fmt.Errorf("failed to append %s entry: %w", entry.Kind, err)
	}
	return nil
}

// Recent returns the newest entries for a device, newest first.
// An empty device returns entries for the whole hub.
func (l *Ledger) Recent(hub, device string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, kind, hub, device, command_id, target, position, timestamp, payload
		FROM command_ledger
		WHERE hub = ?`
	args := []any{hub}
	if device != "" {
		query += ` AND device = ?`
		args = append(args, device)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := l.now().Add(-retention).UTC().UnixMilli()
	result, err := l.db.Exec(`DELETE FROM command_ledger WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var (
			entry      Entry
			commandID  sql.NullInt64
			target     sql.NullInt64
			position   sql.NullInt64
			timestamp  int64
			payloadStr sql.NullString
		)

		err := rows.Scan(
			&entry.ID, &entry.Kind, &entry.Hub, &entry.Device,
			&commandID, &target, &position, &timestamp, &payloadStr,
		)
		if err != nil {
			return nil, err
		}

		entry.Timestamp = time.UnixMilli(timestamp).UTC()
		if commandID.Valid {
			entry.CommandID = uint64(commandID.Int64)
		}
		if target.Valid {
			v := int(target.Int64)
			entry.Target = &v
		}
		if position.Valid {
			v := int(position.Int64)
			entry.Position = &v
		}
		if payloadStr.Valid && payloadStr.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payloadStr.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
