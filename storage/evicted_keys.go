package storage

import (
	"errors"
	"fmt"
)

// InsertEvictedKey records that a transfer was evicted so the key stays
// tombstoned across restarts.
func (s *Store) InsertEvictedKey(transactionKey string, evictedAt int64) error {
	if transactionKey == "" {
		return errors.New("transaction_key is required")
	}
	if evictedAt == 0 {
		evictedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO evicted_keys (transaction_key, evicted_at)
		VALUES (?, ?)
		ON CONFLICT(transaction_key) DO UPDATE SET evicted_at = excluded.evicted_at`,
		transactionKey,
		evictedAt,
	)
	if err != nil {
		return fmt.Errorf("insert evicted key %q: %w", transactionKey, err)
	}
	return nil
}

// HasEvictedKey reports whether a key has been recorded as evicted.
func (s *Store) HasEvictedKey(transactionKey string) (bool, error) {
	if transactionKey == "" {
		return false, errors.New("transaction_key is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM evicted_keys WHERE transaction_key = ?)`,
		transactionKey,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check evicted key %q: %w", transactionKey, err)
	}
	return exists == 1, nil
}

// ListEvictedKeys returns keys evicted at or after since, oldest first.
func (s *Store) ListEvictedKeys(since int64) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT transaction_key FROM evicted_keys WHERE evicted_at >= ? ORDER BY evicted_at ASC, transaction_key ASC`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("list evicted keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan evicted key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evicted keys: %w", err)
	}
	return keys, nil
}

// PruneEvictedKeys removes evicted_keys rows older than cutoff.
func (s *Store) PruneEvictedKeys(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM evicted_keys WHERE evicted_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune evicted keys: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for evicted key prune: %w", err)
	}
	return rowsAffected, nil
}
