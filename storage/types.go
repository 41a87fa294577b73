package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	PeerStatusOnline  = "online"
	PeerStatusOffline = "offline"
)

const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

const (
	TransferStatusCollecting = "collecting"
	TransferStatusComplete   = "complete"
	TransferStatusEvicted    = "evicted"
	TransferStatusFailed     = "failed"
)

const (
	PayloadKindFile   = "file"
	PayloadKindObject = "object"
)

// Peer is the SQLite representation of a known mesh member.
type Peer struct {
	PeerID            string
	PeerName          string
	Status            string
	AddedTimestamp    int64
	LastSeenTimestamp *int64
	LastKnownIP       *string
	LastKnownPort     *int
}

// Transfer is one row of the transfer ledger, keyed by transaction key and
// direction.
type Transfer struct {
	TransactionKey  string
	Direction       string
	OriginPeerID    string
	OriginPeerName  string
	PayloadName     string
	PayloadKind     string
	TotalBlocks     int
	BlockSize       int
	PayloadSize     int64
	BlocksDone      int
	PercentDone     int
	Caption         string
	StorageLocation string
	Status          string
	ErrorText       string
	CreatedAt       int64
	UpdatedAt       int64
}

// TransferFilter narrows ListTransfers results.
type TransferFilter struct {
	Direction string
	Status    string
	Limit     int
}

type scanner interface {
	Scan(dest ...any) error
}

func validatePeerStatus(status string) error {
	switch status {
	case PeerStatusOnline, PeerStatusOffline:
		return nil
	default:
		return fmt.Errorf("invalid peer status %q", status)
	}
}

func validateTransferDirection(direction string) error {
	switch direction {
	case DirectionSend, DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusCollecting, TransferStatusComplete, TransferStatusEvicted, TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validatePayloadKind(kind string) error {
	switch kind {
	case PayloadKindFile, PayloadKindObject:
		return nil
	default:
		return fmt.Errorf("invalid payload kind %q", kind)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func nullInt64FromInt(ptr *int) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*ptr), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func intPtrFromNullInt64(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
