package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"blockcast/transfer"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial/handshake duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
	// DefaultSendQueueSize is the number of frames buffered per connection.
	DefaultSendQueueSize = 256
)

const (
	TypeHello         = "hello"
	TypeHelloResponse = "hello_response"
	TypeDisconnect    = "disconnect"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeBlock         = "block"
	TypeError         = "error"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// LocalIdentity describes this node to its peers.
type LocalIdentity struct {
	PeerID     string
	PeerName   string
	ListenPort int
}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// HelloMessage opens a session. The dialer sends it first.
type HelloMessage struct {
	Type            string `json:"type"`
	PeerID          string `json:"peer_id"`
	PeerName        string `json:"peer_name"`
	ListenPort      int    `json:"listen_port,omitempty"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// HelloResponse is returned by the accepting side.
type HelloResponse struct {
	Type            string `json:"type"`
	PeerID          string `json:"peer_id"`
	PeerName        string `json:"peer_name"`
	ListenPort      int    `json:"listen_port,omitempty"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// Disconnect signals graceful disconnect.
type Disconnect struct {
	Type       string `json:"type"`
	FromPeerID string `json:"from_peer_id"`
	Timestamp  int64  `json:"timestamp"`
}

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type       string `json:"type"`
	FromPeerID string `json:"from_peer_id"`
	Timestamp  int64  `json:"timestamp"`
}

// PongMessage is a keep-alive pong response.
type PongMessage struct {
	Type       string `json:"type"`
	FromPeerID string `json:"from_peer_id"`
	Timestamp  int64  `json:"timestamp"`
}

// BlockFrame carries one transfer message.
type BlockFrame struct {
	Type    string            `json:"type"`
	Message *transfer.Message `json:"message"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// EncodeBlock wraps a transfer message in a block frame.
func EncodeBlock(msg *transfer.Message) ([]byte, error) {
	return EncodeJSON(BlockFrame{Type: TypeBlock, Message: msg})
}

// DecodeBlock unwraps a block frame.
func DecodeBlock(payload []byte) (*transfer.Message, error) {
	var frame BlockFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, fmt.Errorf("decode block frame: %w", err)
	}
	if frame.Type != TypeBlock || frame.Message == nil {
		return nil, ErrInvalidMessageType
	}
	return frame.Message, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

func newHello(identity LocalIdentity) HelloMessage {
	return HelloMessage{
		Type:            TypeHello,
		PeerID:          identity.PeerID,
		PeerName:        identity.PeerName,
		ListenPort:      identity.ListenPort,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}
}

func newHelloResponse(identity LocalIdentity) HelloResponse {
	return HelloResponse{
		Type:            TypeHelloResponse,
		PeerID:          identity.PeerID,
		PeerName:        identity.PeerName,
		ListenPort:      identity.ListenPort,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}
}

func decodeHello(payload []byte) (HelloMessage, error) {
	var msg HelloMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return HelloMessage{}, fmt.Errorf("decode hello: %w", err)
	}
	if msg.PeerID == "" {
		return HelloMessage{}, errors.New("hello is missing peer_id")
	}
	return msg, nil
}

func decodeHelloResponse(payload []byte) (HelloResponse, error) {
	var msg HelloResponse
	if err := json.Unmarshal(payload, &msg); err != nil {
		return HelloResponse{}, fmt.Errorf("decode hello response: %w", err)
	}
	if msg.PeerID == "" {
		return HelloResponse{}, errors.New("hello response is missing peer_id")
	}
	return msg, nil
}

func decodeRemoteError(payload []byte) error {
	var remoteErr ErrorMessage
	if err := json.Unmarshal(payload, &remoteErr); err != nil {
		return fmt.Errorf("decode remote error response: %w", err)
	}
	if remoteErr.Code == "version_mismatch" {
		return fmt.Errorf("%w: %s", ErrUnsupportedVersion, remoteErr.Message)
	}
	return fmt.Errorf("remote error [%s]: %s", remoteErr.Code, remoteErr.Message)
}
