package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
	// ErrSendQueueFull indicates a frame was dropped because the peer is not
	// draining its connection.
	ErrSendQueueFull = errors.New("network: send queue full")
)

// ConnectionState represents the lifecycle state of one peer connection.
type ConnectionState string

const (
	StateConnecting    ConnectionState = "CONNECTING"
	StateReady         ConnectionState = "READY"
	StateIdle          ConnectionState = "IDLE"
	StateDisconnecting ConnectionState = "DISCONNECTING"
	StateDisconnected  ConnectionState = "DISCONNECTED"
)

// ConnectionOptions controls runtime behavior of PeerConnection.
type ConnectionOptions struct {
	LocalPeerID       string
	PeerID            string
	PeerName          string
	PeerListenPort    int
	Outbound          bool
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	SendQueueSize     int
	AutoRespondPing   bool
}

// PeerConnection manages a stateful framed TCP session.
type PeerConnection struct {
	conn net.Conn

	localPeerID    string
	peerID         string
	peerName       string
	peerListenPort int
	outbound       bool

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnectionState

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration
	autoRespondPing   bool

	inbound  chan []byte
	outgoing chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newPeerConnection(conn net.Conn, options ConnectionOptions) *PeerConnection {
	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	timeout := options.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}

	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}

	queueSize := options.SendQueueSize
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}

	pc := &PeerConnection{
		conn:              conn,
		localPeerID:       options.LocalPeerID,
		peerID:            options.PeerID,
		peerName:          options.PeerName,
		peerListenPort:    options.PeerListenPort,
		outbound:          options.Outbound,
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		frameReadTimeout:  readTimeout,
		autoRespondPing:   options.AutoRespondPing,
		inbound:           make(chan []byte, 64),
		outgoing:          make(chan []byte, queueSize),
		closed:            make(chan struct{}),
		state:             StateConnecting,
	}

	pc.touchActivity()
	pc.setState(StateReady)
	go pc.readLoop()
	go pc.writeLoop()
	go pc.keepAliveLoop()

	return pc
}

func (pc *PeerConnection) PeerID() string { return pc.peerID }

func (pc *PeerConnection) PeerName() string { return pc.peerName }

// PeerListenPort is the port the peer accepts connections on, as announced in
// its hello. Zero when unknown.
func (pc *PeerConnection) PeerListenPort() int { return pc.peerListenPort }

// Outbound reports whether this side dialed the connection.
func (pc *PeerConnection) Outbound() bool { return pc.outbound }

func (pc *PeerConnection) RemoteAddr() net.Addr { return pc.conn.RemoteAddr() }

// State returns the current connection state.
func (pc *PeerConnection) State() ConnectionState {
	pc.stateMu.RLock()
	defer pc.stateMu.RUnlock()
	return pc.state
}

// Done is closed when the connection is fully disconnected.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.closed
}

// LastError returns the terminal connection error, if any.
func (pc *PeerConnection) LastError() error {
	pc.errMu.RLock()
	defer pc.errMu.RUnlock()
	return pc.closeErr
}

// SendMessage marshals a protocol message and writes it as one frame.
func (pc *PeerConnection) SendMessage(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return pc.SendRaw(payload)
}

// SendRaw writes a pre-marshaled payload as one frame.
func (pc *PeerConnection) SendRaw(payload []byte) error {
	if pc.State() == StateDisconnected {
		if err := pc.LastError(); err != nil {
			return err
		}
		return io.EOF
	}

	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()
	if err := WriteFrame(pc.conn, payload); err != nil {
		pc.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}

	pc.touchActivity()
	if msgType, err := DecodeMessageType(payload); err == nil && msgType != TypePing && msgType != TypePong {
		pc.setState(StateReady)
	}
	return nil
}

// Enqueue hands a frame to the writer goroutine without blocking. The frame
// is dropped with ErrSendQueueFull when the queue is full.
func (pc *PeerConnection) Enqueue(payload []byte) error {
	select {
	case <-pc.closed:
		if err := pc.LastError(); err != nil {
			return err
		}
		return io.EOF
	default:
	}
	select {
	case pc.outgoing <- payload:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// ReceiveMessage waits for the next non-keepalive inbound protocol frame.
func (pc *PeerConnection) ReceiveMessage(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-pc.inbound:
		return payload, nil
	case <-pc.closed:
		if err := pc.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect sends a disconnect frame and closes the connection.
func (pc *PeerConnection) Disconnect() error {
	pc.setState(StateDisconnecting)

	_ = pc.SendMessage(Disconnect{
		Type:       TypeDisconnect,
		FromPeerID: pc.localPeerID,
		Timestamp:  time.Now().UnixMilli(),
	})

	return pc.Close()
}

// Close terminates the connection.
func (pc *PeerConnection) Close() error {
	pc.closeWithError(nil)
	return nil
}

func (pc *PeerConnection) readLoop() {
	for {
		select {
		case <-pc.closed:
			return
		default:
		}

		payload, err := ReadFrameWithTimeout(pc.conn, pc.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				pc.closeWithError(nil)
				return
			}

			pc.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		pc.touchActivity()
		if len(payload) == 0 {
			continue
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			continue
		}

		switch msgType {
		case TypePing:
			pc.setState(StateIdle)
			if pc.autoRespondPing {
				_ = pc.SendMessage(PongMessage{
					Type:       TypePong,
					FromPeerID: pc.localPeerID,
					Timestamp:  time.Now().UnixMilli(),
				})
			}
		case TypePong:
			pc.ackPong()
			pc.setState(StateIdle)
		case TypeDisconnect:
			pc.setState(StateDisconnecting)
			pc.closeWithError(nil)
			return
		default:
			pc.setState(StateReady)
			select {
			case pc.inbound <- payload:
			case <-pc.closed:
				return
			}
		}
	}
}

func (pc *PeerConnection) writeLoop() {
	for {
		select {
		case payload := <-pc.outgoing:
			if err := pc.SendRaw(payload); err != nil {
				return
			}
		case <-pc.closed:
			return
		}
	}
}

func (pc *PeerConnection) keepAliveLoop() {
	checkEvery := pc.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = pc.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if pc.State() == StateDisconnected {
				return
			}

			if pc.waitingPongExpired() {
				pc.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, pc.lastActivity.Load()))
			if idleFor < pc.keepAliveInterval {
				continue
			}

			if pc.isWaitingPong() {
				continue
			}

			if err := pc.SendMessage(PingMessage{
				Type:       TypePing,
				FromPeerID: pc.localPeerID,
				Timestamp:  time.Now().UnixMilli(),
			}); err != nil {
				return
			}
			pc.setWaitingPong(time.Now().Add(pc.keepAliveTimeout))
			pc.setState(StateIdle)
		case <-pc.closed:
			return
		}
	}
}

func (pc *PeerConnection) setState(state ConnectionState) {
	pc.stateMu.Lock()
	defer pc.stateMu.Unlock()
	pc.state = state
}

func (pc *PeerConnection) touchActivity() {
	pc.lastActivity.Store(time.Now().UnixNano())
}

func (pc *PeerConnection) setWaitingPong(deadline time.Time) {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	pc.waitingPong = true
	pc.pongDeadline = deadline
}

func (pc *PeerConnection) ackPong() {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	pc.waitingPong = false
	pc.pongDeadline = time.Time{}
}

func (pc *PeerConnection) isWaitingPong() bool {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	return pc.waitingPong
}

func (pc *PeerConnection) waitingPongExpired() bool {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	return pc.waitingPong && time.Now().After(pc.pongDeadline)
}

func (pc *PeerConnection) closeWithError(err error) {
	pc.closeOnce.Do(func() {
		pc.errMu.Lock()
		pc.closeErr = err
		pc.errMu.Unlock()

		pc.setState(StateDisconnected)
		_ = pc.conn.Close()
		close(pc.closed)
	})
}
