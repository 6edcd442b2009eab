package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var errMissingUpdateID = errors.New("update_id is required")

// MarkUpdateSeen records updateID as applied at the given time (now when
// zero) and reports whether it was new. A repeated id keeps its first time.
func (s *Store) MarkUpdateSeen(updateID string, at time.Time) (bool, error) {
	if updateID == "" {
		return false, errMissingUpdateID
	}
	if at.IsZero() {
		at = time.Now()
	}

	res, err := s.db.Exec(
		`INSERT INTO seen_update_ids (update_id, received_at) VALUES (?, ?)
		ON CONFLICT(update_id) DO NOTHING`,
		updateID, at.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("mark update %q seen: %w", updateID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark update %q seen: %w", updateID, err)
	}
	return n == 1, nil
}

// UpdateSeen reports whether updateID was marked and not yet pruned.
func (s *Store) UpdateSeen(updateID string) (bool, error) {
	if updateID == "" {
		return false, errMissingUpdateID
	}

	var receivedAt int64
	err := s.db.QueryRow(`SELECT received_at FROM seen_update_ids WHERE update_id = ?`, updateID).Scan(&receivedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("look up update %q: %w", updateID, err)
	}
	return true, nil
}

// PruneSeenUpdates forgets ids marked before the cutoff and returns how many.
func (s *Store) PruneSeenUpdates(before time.Time) (int64, error) {
	if before.IsZero() {
		return 0, errors.New("prune cutoff is required")
	}

	res, err := s.db.Exec(`DELETE FROM seen_update_ids WHERE received_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune seen updates: %w", err)
	}
	return res.RowsAffected()
}
