package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// UpsertPeer inserts a peer or refreshes name, status and endpoint of a known
// one. Nil endpoint and last-seen fields keep their stored values.
func (s *Store) UpsertPeer(peer Peer) error {
	if peer.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if strings.TrimSpace(peer.PeerName) == "" {
		return errors.New("peer_name is required")
	}
	if peer.Status == "" {
		peer.Status = PeerStatusOffline
	}
	if err := validatePeerStatus(peer.Status); err != nil {
		return err
	}
	if peer.AddedTimestamp == 0 {
		peer.AddedTimestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (
			peer_id,
			peer_name,
			status,
			added_timestamp,
			last_seen_timestamp,
			last_known_ip,
			last_known_port
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			peer_name = excluded.peer_name,
			status = excluded.status,
			last_seen_timestamp = COALESCE(excluded.last_seen_timestamp, peers.last_seen_timestamp),
			last_known_ip = COALESCE(excluded.last_known_ip, peers.last_known_ip),
			last_known_port = COALESCE(excluded.last_known_port, peers.last_known_port)`,
		peer.PeerID,
		peer.PeerName,
		peer.Status,
		peer.AddedTimestamp,
		nullInt64(peer.LastSeenTimestamp),
		nullString(peer.LastKnownIP),
		nullInt64FromInt(peer.LastKnownPort),
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.PeerID, err)
	}

	return nil
}

// GetPeer fetches a peer by peer ID.
func (s *Store) GetPeer(peerID string) (*Peer, error) {
	row := s.db.QueryRow(
		`SELECT
			peer_id,
			peer_name,
			status,
			added_timestamp,
			last_seen_timestamp,
			last_known_ip,
			last_known_port
		FROM peers
		WHERE peer_id = ?`,
		peerID,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", peerID, err)
	}

	return peer, nil
}

// ListPeers returns all peers sorted by peer name.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(
		`SELECT
			peer_id,
			peer_name,
			status,
			added_timestamp,
			last_seen_timestamp,
			last_known_ip,
			last_known_port
		FROM peers
		ORDER BY peer_name, peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}

	return peers, nil
}

// UpdatePeerStatus updates status and optionally last seen timestamp (when > 0).
func (s *Store) UpdatePeerStatus(peerID, status string, lastSeenTimestamp int64) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}
	if err := validatePeerStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE peers
		SET status = ?,
		    last_seen_timestamp = CASE
				WHEN ? > 0 THEN ?
				ELSE last_seen_timestamp
			END
		WHERE peer_id = ?`,
		status,
		lastSeenTimestamp,
		lastSeenTimestamp,
		peerID,
	)
	if err != nil {
		return fmt.Errorf("update peer status %q: %w", peerID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for peer status update %q: %w", peerID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// RemovePeer deletes a peer by peer ID.
func (s *Store) RemovePeer(peerID string) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM peers WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("remove peer %q: %w", peerID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove peer %q: %w", peerID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func scanPeer(row scanner) (*Peer, error) {
	var (
		peer          Peer
		lastSeen      sql.NullInt64
		lastKnownIP   sql.NullString
		lastKnownPort sql.NullInt64
	)

	if err := row.Scan(
		&peer.PeerID,
		&peer.PeerName,
		&peer.Status,
		&peer.AddedTimestamp,
		&lastSeen,
		&lastKnownIP,
		&lastKnownPort,
	); err != nil {
		return nil, err
	}

	peer.LastSeenTimestamp = int64Ptr(lastSeen)
	peer.LastKnownIP = stringPtr(lastKnownIP)
	peer.LastKnownPort = intPtrFromNullInt64(lastKnownPort)

	return &peer, nil
}
