package network

import (
	"errors"
	"fmt"
	"time"
)

// HandshakeOptions configures the hello exchange and connection behavior.
type HandshakeOptions struct {
	Identity LocalIdentity

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	SendQueueSize     int
	AutoRespondPing   *bool
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if out.SendQueueSize <= 0 {
		out.SendQueueSize = DefaultSendQueueSize
	}
	return out
}

func (o HandshakeOptions) validateIdentity() error {
	if o.Identity.PeerID == "" {
		return errors.New("local peer ID is required")
	}
	if o.Identity.PeerName == "" {
		return errors.New("local peer name is required")
	}
	return nil
}

func (o HandshakeOptions) autoRespondPingEnabled() bool {
	if o.AutoRespondPing == nil {
		return true
	}
	return *o.AutoRespondPing
}

func (o HandshakeOptions) connectionOptions(peerID, peerName string, peerListenPort int, outbound bool) ConnectionOptions {
	return ConnectionOptions{
		LocalPeerID:       o.Identity.PeerID,
		PeerID:            peerID,
		PeerName:          peerName,
		PeerListenPort:    peerListenPort,
		Outbound:          outbound,
		KeepAliveInterval: o.KeepAliveInterval,
		KeepAliveTimeout:  o.KeepAliveTimeout,
		FrameReadTimeout:  o.FrameReadTimeout,
		SendQueueSize:     o.SendQueueSize,
		AutoRespondPing:   o.autoRespondPingEnabled(),
	}
}

func makeVersionMismatchError(got int64) ErrorMessage {
	return ErrorMessage{
		Type:              TypeError,
		Code:              "version_mismatch",
		Message:           fmt.Sprintf("Unsupported protocol version. Expected %d, got %d.", ProtocolVersion, got),
		SupportedVersions: []int{ProtocolVersion},
		Timestamp:         time.Now().UnixMilli(),
	}
}
