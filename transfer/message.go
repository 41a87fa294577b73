package transfer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType identifies the role of a transfer message on the wire.
type MessageType string

const (
	TypeTransfer        MessageType = "TRANSFER"
	TypeAck             MessageType = "ACK"
	TypeRequest         MessageType = "REQUEST"
	TypeRequestResponse MessageType = "REQUEST_RESPONSE"
)

// AnyPeer is the REQTOPEER value that lets every peer holding the block answer.
const AnyPeer = "*ANY*"

// AnonymousSender is reported on events when a message carries no sender name.
const AnonymousSender = "anonymous"

// PayloadKind selects the completion path of a received payload.
type PayloadKind string

const (
	KindFile   PayloadKind = "file"
	KindObject PayloadKind = "object"
)

// Message is one transfer protocol message. Every message emitted by this
// package carries the full transfer header so any of them can bootstrap a
// receiver on a peer that has not seen the transfer yet.
type Message struct {
	Type           MessageType `json:"MESSAGETYPE"`
	SenderName     string      `json:"SENDERNAME"`
	SenderID       string      `json:"SENDERID"`
	TransactionKey string      `json:"TRANSACTION_KEY"`
	FileName       string      `json:"FILENAME"`
	TotalBlocks    int         `json:"TOTALBLOCKS"`
	BlockSize      int         `json:"BLOCKSIZE"`
	FileSize       int64       `json:"FILESIZE"`
	BlockNum       int         `json:"BLOCKNUM"`
	Caption        string      `json:"CAPTION,omitempty"`
	ReqToPeer      string      `json:"REQTOPEER,omitempty"`
	OriginID       string      `json:"ORIGINID,omitempty"`
	OriginName     string      `json:"ORIGINNAME,omitempty"`
	PayloadKind    PayloadKind `json:"PAYLOADKIND,omitempty"`
	Checksum       string      `json:"CHECKSUM,omitempty"`
	Payload        []byte      `json:"PAYLOAD,omitempty"`
}

// IsData reports whether the message carries block bytes.
func (m *Message) IsData() bool {
	return m.Type == TypeTransfer || m.Type == TypeRequestResponse
}

// Origin returns the origin peer of the transfer, falling back to the sender
// for messages that predate the ORIGIN fields.
func (m *Message) Origin() (id, name string) {
	id, name = m.OriginID, m.OriginName
	if id == "" {
		id, name = m.SenderID, m.SenderName
	}
	if strings.TrimSpace(name) == "" {
		name = AnonymousSender
	}
	return id, name
}

// Kind returns the payload kind, defaulting to KindFile.
func (m *Message) Kind() PayloadKind {
	if m.PayloadKind == "" {
		return KindFile
	}
	return m.PayloadKind
}

// Target returns the addressee of a REQUEST, defaulting to AnyPeer.
func (m *Message) Target() string {
	if strings.TrimSpace(m.ReqToPeer) == "" {
		return AnyPeer
	}
	return m.ReqToPeer
}

// Validate checks the header shape, the block index and, for data messages,
// the payload length.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrMalformedMessage)
	}
	switch m.Type {
	case TypeTransfer, TypeAck, TypeRequest, TypeRequestResponse:
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrMalformedMessage, m.Type)
	}
	if strings.TrimSpace(m.TransactionKey) == "" {
		return fmt.Errorf("%w: transaction key is required", ErrMalformedMessage)
	}
	if !ValidKey(m.TransactionKey) {
		return fmt.Errorf("%w: invalid transaction key %q", ErrMalformedMessage, m.TransactionKey)
	}
	if strings.TrimSpace(m.SenderID) == "" {
		return fmt.Errorf("%w: sender id is required", ErrMalformedMessage)
	}
	switch m.Kind() {
	case KindFile, KindObject:
	default:
		return fmt.Errorf("%w: unknown payload kind %q", ErrMalformedMessage, m.PayloadKind)
	}
	if m.BlockSize <= 0 || m.FileSize < 0 {
		return fmt.Errorf("%w: block size %d, file size %d", ErrShapeMismatch, m.BlockSize, m.FileSize)
	}
	if want := BlockCount(m.FileSize, m.BlockSize); m.TotalBlocks != want {
		return fmt.Errorf("%w: total blocks %d, expected %d", ErrShapeMismatch, m.TotalBlocks, want)
	}
	if m.BlockNum < 0 || m.BlockNum >= m.TotalBlocks {
		return fmt.Errorf("%w: block %d of %d", ErrBlockOutOfRange, m.BlockNum, m.TotalBlocks)
	}
	if m.IsData() {
		start, end := blockBounds(m.BlockNum, m.BlockSize, m.FileSize)
		if len(m.Payload) != end-start {
			return fmt.Errorf("%w: block %d carries %d bytes, expected %d", ErrShapeMismatch, m.BlockNum, len(m.Payload), end-start)
		}
	}
	return nil
}

// MaxKeyLength bounds a transaction key.
const MaxKeyLength = 128

// ValidKey reports whether key is usable as a transaction key: ASCII letters,
// digits, '-', '_' and '.', not starting with '.'. Keys end up in file names,
// so separators and parent references are refused.
func ValidKey(key string) bool {
	if key == "" || len(key) > MaxKeyLength || key[0] == '.' {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

// sameShape reports whether msg describes the same transfer layout as rec.
func (m *Message) sameShape(rec *Record) bool {
	return m.TotalBlocks == rec.TotalBlocks && m.BlockSize == rec.BlockSize && m.FileSize == rec.PayloadSize
}

// Encode marshals the message to its JSON wire form.
func Encode(msg *Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode transfer message: %w", err)
	}
	return raw, nil
}

// Decode parses and validates a JSON wire message.
func Decode(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// BlockCount returns the number of blocks a payload of size bytes splits
// into. An empty payload is one empty block.
func BlockCount(size int64, blockSize int) int {
	if blockSize <= 0 {
		return 0
	}
	n := (size + int64(blockSize) - 1) / int64(blockSize)
	if n < 1 {
		n = 1
	}
	return int(n)
}

func blockBounds(index, blockSize int, size int64) (int, int) {
	start := int64(index) * int64(blockSize)
	end := start + int64(blockSize)
	if end > size {
		end = size
	}
	if start > end {
		start = end
	}
	return int(start), int(end)
}
