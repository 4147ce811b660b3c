// Package formstore persists non-temporary form records. It stands in for the
// platform's key-value persistence service.
package formstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/formbroker/internal/form"
)

// DefaultMaxRecordBytes caps one serialized record, content included.
const DefaultMaxRecordBytes = 1 << 20 // 1 MiB

// ErrTempRecord is returned when a caller tries to persist a temporary form.
var ErrTempRecord = errors.New("temporary forms are never persisted")

type Store struct {
	db       *sql.DB
	maxBytes int
}

func New(db *sql.DB) *Store {
	return &Store{
		db:       db,
		maxBytes: DefaultMaxRecordBytes,
	}
}

// Save upserts rec. Temporary records are refused.
func (s *Store) Save(ctx context.Context, rec *form.Record) error {
	if rec == nil || rec.ID == 0 {
		return fmt.Errorf("record id is empty")
	}
	if rec.Temp {
		return fmt.Errorf("save form %d: %w", rec.ID, ErrTempRecord)
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal form record: %w", err)
	}
	if len(raw) > s.maxBytes {
		return fmt.Errorf("form record exceeds max size (%d bytes)", s.maxBytes)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO form_records(form_id, bundle_name, ability_name, user_id, record, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(form_id) DO UPDATE SET
  bundle_name = excluded.bundle_name,
  ability_name = excluded.ability_name,
  user_id = excluded.user_id,
  record = excluded.record,
  updated_at = excluded.updated_at;
`, rec.ID, rec.BundleName, rec.AbilityName, rec.UserID, string(raw), now)
	if err != nil {
		return fmt.Errorf("upsert form record: %w", err)
	}
	return nil
}

// Get loads one record. A missing record returns (nil, nil).
func (s *Store) Get(ctx context.Context, formID int64) (*form.Record, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT record FROM form_records WHERE form_id = ?;", formID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read form record: %w", err)
	}
	return decodeRecord(formID, raw)
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, formID int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM form_records WHERE form_id = ?;", formID); err != nil {
		return fmt.Errorf("delete form record: %w", err)
	}
	return nil
}

// LoadAll returns every persisted record ordered by id.
func (s *Store) LoadAll(ctx context.Context) ([]*form.Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT form_id, record FROM form_records ORDER BY form_id ASC;")
	if err != nil {
		return nil, fmt.Errorf("list form records: %w", err)
	}
	defer rows.Close()

	var out []*form.Record
	for rows.Next() {
		var (
			id  int64
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan form record: %w", err)
		}
		rec, err := decodeRecord(id, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate form records: %w", err)
	}
	return out, nil
}

// DeleteByBundle removes every record of a provider bundle and returns how many went.
func (s *Store) DeleteByBundle(ctx context.Context, bundle string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM form_records WHERE bundle_name = ?;", bundle)
	if err != nil {
		return 0, fmt.Errorf("delete bundle records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func decodeRecord(formID int64, raw string) (*form.Record, error) {
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("stored record is invalid JSON for form=%d", formID)
	}
	var rec form.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode form record %d: %w", formID, err)
	}
	return &rec, nil
}
