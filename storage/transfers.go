package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const transferColumns = `
			transaction_key,
			direction,
			origin_peer_id,
			origin_peer_name,
			payload_name,
			payload_kind,
			total_blocks,
			block_size,
			payload_size,
			blocks_done,
			percent_done,
			caption,
			storage_location,
			status,
			error_text,
			created_at,
			updated_at`

// SaveTransfer inserts a transfer row or overwrites the mutable fields of an
// existing one. created_at is kept from the first insert.
func (s *Store) SaveTransfer(t Transfer) error {
	if t.TransactionKey == "" {
		return errors.New("transaction_key is required")
	}
	if err := validateTransferDirection(t.Direction); err != nil {
		return err
	}
	if t.OriginPeerID == "" {
		return errors.New("origin_peer_id is required")
	}
	if t.TotalBlocks <= 0 || t.BlockSize <= 0 || t.PayloadSize < 0 {
		return fmt.Errorf("invalid transfer shape: %d blocks of %d bytes, %d total", t.TotalBlocks, t.BlockSize, t.PayloadSize)
	}
	if t.PayloadKind == "" {
		t.PayloadKind = PayloadKindFile
	}
	if err := validatePayloadKind(t.PayloadKind); err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = TransferStatusCollecting
	}
	if err := validateTransferStatus(t.Status); err != nil {
		return err
	}
	now := nowUnixMilli()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	if t.UpdatedAt == 0 {
		t.UpdatedAt = now
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_key, direction) DO UPDATE SET
			origin_peer_name = excluded.origin_peer_name,
			payload_name = excluded.payload_name,
			blocks_done = excluded.blocks_done,
			percent_done = excluded.percent_done,
			caption = excluded.caption,
			storage_location = excluded.storage_location,
			status = excluded.status,
			error_text = excluded.error_text,
			updated_at = excluded.updated_at`,
		t.TransactionKey,
		t.Direction,
		t.OriginPeerID,
		t.OriginPeerName,
		t.PayloadName,
		t.PayloadKind,
		t.TotalBlocks,
		t.BlockSize,
		t.PayloadSize,
		t.BlocksDone,
		t.PercentDone,
		t.Caption,
		t.StorageLocation,
		t.Status,
		t.ErrorText,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transfer %q: %w", t.TransactionKey, err)
	}

	return nil
}

// UpdateTransferProgress records the block count and percentage of a transfer.
func (s *Store) UpdateTransferProgress(transactionKey, direction string, blocksDone, percentDone int) error {
	if transactionKey == "" {
		return errors.New("transaction_key is required")
	}
	if err := validateTransferDirection(direction); err != nil {
		return err
	}
	if blocksDone < 0 || percentDone < 0 || percentDone > 100 {
		return fmt.Errorf("invalid progress %d blocks, %d%%", blocksDone, percentDone)
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET blocks_done = ?,
		    percent_done = ?,
		    updated_at = ?
		WHERE transaction_key = ? AND direction = ?`,
		blocksDone,
		percentDone,
		nowUnixMilli(),
		transactionKey,
		direction,
	)
	if err != nil {
		return fmt.Errorf("update transfer progress %q: %w", transactionKey, err)
	}

	return requireAffected(res, "transfer progress", transactionKey)
}

// UpdateTransferStatus moves a transfer to status. Empty storageLocation keeps
// the stored value.
func (s *Store) UpdateTransferStatus(transactionKey, direction, status, storageLocation, errorText string) error {
	if transactionKey == "" {
		return errors.New("transaction_key is required")
	}
	if err := validateTransferDirection(direction); err != nil {
		return err
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?,
		    storage_location = CASE
				WHEN ? <> '' THEN ?
				ELSE storage_location
			END,
		    error_text = ?,
		    updated_at = ?
		WHERE transaction_key = ? AND direction = ?`,
		status,
		storageLocation,
		storageLocation,
		errorText,
		nowUnixMilli(),
		transactionKey,
		direction,
	)
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", transactionKey, err)
	}

	return requireAffected(res, "transfer status", transactionKey)
}

// GetTransfer fetches one transfer row.
func (s *Store) GetTransfer(transactionKey, direction string) (*Transfer, error) {
	row := s.db.QueryRow(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE transaction_key = ? AND direction = ?`,
		transactionKey,
		direction,
	)

	t, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transactionKey, err)
	}

	return t, nil
}

// ListTransfers returns transfers, most recently updated first.
func (s *Store) ListTransfers(filter TransferFilter) ([]Transfer, error) {
	var (
		where []string
		args  []any
	)
	if filter.Direction != "" {
		if err := validateTransferDirection(filter.Direction); err != nil {
			return nil, err
		}
		where = append(where, "direction = ?")
		args = append(args, filter.Direction)
	}
	if filter.Status != "" {
		if err := validateTransferStatus(filter.Status); err != nil {
			return nil, err
		}
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT` + transferColumns + `
		FROM transfers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, transaction_key"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return transfers, nil
}

func requireAffected(res sql.Result, what, key string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s %q: %w", what, key, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTransfer(row scanner) (*Transfer, error) {
	var t Transfer
	if err := row.Scan(
		&t.TransactionKey,
		&t.Direction,
		&t.OriginPeerID,
		&t.OriginPeerName,
		&t.PayloadName,
		&t.PayloadKind,
		&t.TotalBlocks,
		&t.BlockSize,
		&t.PayloadSize,
		&t.BlocksDone,
		&t.PercentDone,
		&t.Caption,
		&t.StorageLocation,
		&t.Status,
		&t.ErrorText,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}
