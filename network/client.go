package network

import (
	"fmt"
	"net"
	"time"
)

// Dial connects to a peer, exchanges hellos, and returns a ready PeerConnection.
func Dial(address string, options HandshakeOptions) (*PeerConnection, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", address, opts.ConnectionTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	payload, err := EncodeJSON(newHello(opts.Identity))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	responsePayload, err := ReadFrameWithTimeout(conn, opts.ConnectionTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read hello response: %w", err)
	}

	msgType, err := DecodeMessageType(responsePayload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if msgType == TypeError {
		_ = conn.Close()
		return nil, decodeRemoteError(responsePayload)
	}
	if msgType != TypeHelloResponse {
		_ = conn.Close()
		return nil, fmt.Errorf("expected %q, got %q", TypeHelloResponse, msgType)
	}

	response, err := decodeHelloResponse(responsePayload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if response.ProtocolVersion != ProtocolVersion {
		_ = conn.Close()
		return nil, ErrUnsupportedVersion
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newPeerConnection(conn, opts.connectionOptions(response.PeerID, response.PeerName, response.ListenPort, true)), nil
}
