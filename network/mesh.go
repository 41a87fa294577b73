package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"blockcast/storage"
	"blockcast/transfer"
)

var defaultReconnectBackoff = []time.Duration{
	0,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

// Handler receives transfer messages from peers. It runs on the connection's
// goroutine and must not block for long.
type Handler func(msg *transfer.Message)

// MeshOptions configures the TCP mesh.
type MeshOptions struct {
	Identity LocalIdentity
	Store    *storage.Store
	Logger   zerolog.Logger

	ListenAddress string
	// Peers are static addresses dialed on start and redialed until the mesh
	// stops.
	Peers []string

	ReconnectBackoff  []time.Duration
	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	SendQueueSize     int
	AutoRespondPing   *bool
}

// Mesh keeps one connection per peer and broadcasts transfer messages to all
// of them.
type Mesh struct {
	options MeshOptions
	logger  zerolog.Logger
	handler Handler

	server *Server

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	connMu      sync.RWMutex
	connections map[string]*PeerConnection

	reconnectMu      sync.Mutex
	reconnectWorkers map[string]context.CancelFunc
}

var _ transfer.Mesh = (*Mesh)(nil)

// NewMesh creates a mesh with validated configuration.
func NewMesh(options MeshOptions) (*Mesh, error) {
	if options.Identity.PeerID == "" {
		return nil, errors.New("identity.peer_id is required")
	}
	if options.Identity.PeerName == "" {
		return nil, errors.New("identity.peer_name is required")
	}
	if len(options.ReconnectBackoff) == 0 {
		options.ReconnectBackoff = append([]time.Duration(nil), defaultReconnectBackoff...)
	}

	return &Mesh{
		options:          options,
		logger:           options.Logger.With().Str("component", "mesh").Logger(),
		connections:      make(map[string]*PeerConnection),
		reconnectWorkers: make(map[string]context.CancelFunc),
	}, nil
}

// LocalPeer returns this node's identity.
func (m *Mesh) LocalPeer() transfer.Peer {
	return transfer.Peer{ID: m.options.Identity.PeerID, Name: m.options.Identity.PeerName}
}

// Start listens for inbound connections, dials static peers and reconnects
// peers recorded online in the store. Inbound transfer messages go to handler.
func (m *Mesh) Start(ctx context.Context, handler Handler) error {
	if m.ctx != nil {
		return nil
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	m.handler = handler
	m.ctx, m.cancel = context.WithCancel(ctx)

	server, err := Listen(m.options.ListenAddress, m.handshakeOptions())
	if err != nil {
		m.cancel()
		return err
	}
	m.server = server
	if m.options.Identity.ListenPort == 0 {
		if tcpAddr, ok := server.Addr().(*net.TCPAddr); ok {
			m.options.Identity.ListenPort = tcpAddr.Port
		}
	}

	m.wg.Add(1)
	go m.serverLoop()

	for _, address := range m.options.Peers {
		address := address
		m.startReconnect("addr:"+address, func() (string, error) { return address, nil })
	}

	if m.options.Store != nil {
		peers, err := m.options.Store.ListPeers()
		if err != nil {
			m.logger.Warn().Err(err).Msg("list known peers")
		}
		for _, peer := range peers {
			if peer.PeerID == m.options.Identity.PeerID {
				continue
			}
			if peer.Status == storage.PeerStatusOnline {
				m.startPeerReconnect(peer.PeerID)
			}
		}
	}

	m.logger.Info().Str("addr", server.Addr().String()).Msg("mesh listening")
	return nil
}

// Stop stops the listener, reconnect workers, and active connections.
func (m *Mesh) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			return
		}

		m.cancel()
		if m.server != nil {
			_ = m.server.Close()
		}

		m.reconnectMu.Lock()
		for _, cancel := range m.reconnectWorkers {
			cancel()
		}
		m.reconnectWorkers = make(map[string]context.CancelFunc)
		m.reconnectMu.Unlock()

		m.connMu.Lock()
		conns := m.connections
		m.connections = make(map[string]*PeerConnection)
		m.connMu.Unlock()
		for _, conn := range conns {
			_ = conn.Disconnect()
		}

		m.wg.Wait()
	})
}

// Addr returns the listening address.
func (m *Mesh) Addr() net.Addr {
	if m.server == nil {
		return nil
	}
	return m.server.Addr()
}

// Connect dials and registers an outbound connection.
func (m *Mesh) Connect(address string) (*PeerConnection, error) {
	if m.ctx == nil {
		return nil, errors.New("mesh is not started")
	}
	return m.dialAndRegister(address)
}

// ConnectedPeers returns the IDs of peers with a live connection, sorted.
func (m *Mesh) ConnectedPeers() []string {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	ids := make([]string, 0, len(m.connections))
	for id, conn := range m.connections {
		if conn.State() != StateDisconnected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// WaitForPeers blocks until at least n peers are connected.
func (m *Mesh) WaitForPeers(ctx context.Context, n int) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(m.ConnectedPeers()) >= n {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Broadcast queues msg on every live connection. Frames for peers that are
// not draining their queue are dropped; the transfer protocol recovers them.
func (m *Mesh) Broadcast(msg *transfer.Message) error {
	payload, err := EncodeBlock(msg)
	if err != nil {
		return err
	}

	m.connMu.RLock()
	conns := make([]*PeerConnection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.connMu.RUnlock()

	for _, conn := range conns {
		if err := conn.Enqueue(payload); err != nil {
			m.logger.Debug().
				Err(err).
				Str("peer", conn.PeerID()).
				Str("type", string(msg.Type)).
				Int("block", msg.BlockNum).
				Msg("frame dropped")
		}
	}
	return nil
}

// NotifyPeerDiscovered records a discovered endpoint and dials the peer when
// it is not connected.
func (m *Mesh) NotifyPeerDiscovered(peerID, peerName, ip string, port int) {
	if peerID == "" || peerID == m.options.Identity.PeerID {
		return
	}
	if m.options.Store != nil && ip != "" && port > 0 {
		status := storage.PeerStatusOffline
		if m.isConnected(peerID) {
			status = storage.PeerStatusOnline
		}
		if peerName == "" {
			peerName = peerID
		}
		if err := m.options.Store.UpsertPeer(storage.Peer{
			PeerID:        peerID,
			PeerName:      peerName,
			Status:        status,
			LastKnownIP:   &ip,
			LastKnownPort: &port,
		}); err != nil {
			m.reportError(err)
		}
	}

	if m.isConnected(peerID) || m.ctx == nil {
		return
	}
	if m.options.Store != nil {
		m.startPeerReconnect(peerID)
		return
	}
	address := net.JoinHostPort(ip, strconv.Itoa(port))
	m.startReconnect(peerID, func() (string, error) { return address, nil })
}

func (m *Mesh) serverLoop() {
	defer m.wg.Done()
	for {
		select {
		case conn, ok := <-m.server.Incoming():
			if !ok {
				return
			}
			m.registerConnection(conn)
		case err, ok := <-m.server.Errors():
			if !ok {
				return
			}
			m.reportError(err)
		case <-m.ctx.Done():
			return
		}
	}
}

// registerConnection keeps one connection per peer. When both sides dial at
// once, the connection dialed by the peer with the smaller ID wins on both
// ends.
func (m *Mesh) registerConnection(conn *PeerConnection) bool {
	peerID := conn.PeerID()
	if peerID == "" {
		_ = conn.Close()
		return false
	}

	m.connMu.Lock()
	if existing, exists := m.connections[peerID]; exists && existing != conn {
		if existing.State() != StateDisconnected && !m.prefer(conn, existing) {
			m.connMu.Unlock()
			_ = conn.Close()
			return false
		}
		_ = existing.Close()
	}
	m.connections[peerID] = conn
	m.connMu.Unlock()

	m.stopReconnect(peerID)
	m.persistPeerConnection(conn, storage.PeerStatusOnline)
	m.logger.Info().Str("peer", peerID).Str("name", conn.PeerName()).Bool("outbound", conn.Outbound()).Msg("peer connected")

	m.wg.Add(1)
	go m.connectionLoop(conn)
	return true
}

func (m *Mesh) prefer(candidate, existing *PeerConnection) bool {
	return m.dialerOf(candidate) < m.dialerOf(existing)
}

func (m *Mesh) dialerOf(conn *PeerConnection) string {
	if conn.Outbound() {
		return m.options.Identity.PeerID
	}
	return conn.PeerID()
}

func (m *Mesh) connectionLoop(conn *PeerConnection) {
	defer m.wg.Done()

	peerID := conn.PeerID()
	for {
		payload, err := conn.ReceiveMessage(m.ctx)
		if err != nil {
			break
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			continue
		}

		switch msgType {
		case TypeBlock:
			msg, err := DecodeBlock(payload)
			if err != nil {
				m.reportError(fmt.Errorf("peer %s: %w", peerID, err))
				continue
			}
			m.handler(msg)
		case TypeError:
			m.reportError(fmt.Errorf("peer %s: %w", peerID, decodeRemoteError(payload)))
		}
	}

	_ = conn.Close()

	m.connMu.Lock()
	current := m.connections[peerID]
	if current == conn {
		delete(m.connections, peerID)
	}
	m.connMu.Unlock()
	if current != conn {
		return
	}

	m.logger.Info().Str("peer", peerID).Err(conn.LastError()).Msg("peer disconnected")
	if m.options.Store != nil {
		if err := m.options.Store.UpdatePeerStatus(peerID, storage.PeerStatusOffline, time.Now().UnixMilli()); err != nil && !errors.Is(err, storage.ErrNotFound) {
			m.reportError(err)
		}
	}
	if m.ctx.Err() != nil {
		return
	}
	if m.options.Store != nil {
		m.startPeerReconnect(peerID)
	}
}

func (m *Mesh) startPeerReconnect(peerID string) {
	m.startReconnect(peerID, func() (string, error) { return m.resolvePeerAddress(peerID) })
}

// startReconnect runs one dial worker per key until a dial succeeds or the
// mesh stops. Static address workers keep running so the address is redialed
// after every disconnect.
func (m *Mesh) startReconnect(key string, resolve func() (string, error)) {
	if key == "" {
		return
	}

	m.reconnectMu.Lock()
	if _, exists := m.reconnectWorkers[key]; exists {
		m.reconnectMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.reconnectWorkers[key] = cancel
	m.reconnectMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.reconnectMu.Lock()
			delete(m.reconnectWorkers, key)
			m.reconnectMu.Unlock()
		}()

		attempt := 0
		for {
			delay := m.backoffForAttempt(attempt)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}

			address, err := resolve()
			if err != nil {
				attempt++
				continue
			}
			conn, err := m.dialAndRegister(address)
			if err != nil {
				m.logger.Debug().Err(err).Str("addr", address).Int("attempt", attempt).Msg("dial failed")
				attempt++
				continue
			}
			if key != conn.PeerID() {
				// Static address: wait for this session to end, then redial.
				select {
				case <-conn.Done():
					attempt = 0
					continue
				case <-ctx.Done():
					return
				}
			}
			return
		}
	}()
}

func (m *Mesh) stopReconnect(peerID string) {
	m.reconnectMu.Lock()
	cancel, exists := m.reconnectWorkers[peerID]
	if exists {
		delete(m.reconnectWorkers, peerID)
	}
	m.reconnectMu.Unlock()
	if exists {
		cancel()
	}
}

func (m *Mesh) backoffForAttempt(attempt int) time.Duration {
	backoff := m.options.ReconnectBackoff
	if len(backoff) == 0 {
		return 0
	}
	if attempt < len(backoff) {
		return backoff[attempt]
	}
	return backoff[len(backoff)-1]
}

func (m *Mesh) resolvePeerAddress(peerID string) (string, error) {
	if m.options.Store == nil {
		return "", fmt.Errorf("peer %q has no known endpoint", peerID)
	}
	peer, err := m.options.Store.GetPeer(peerID)
	if err != nil {
		return "", err
	}
	if peer.LastKnownIP == nil || peer.LastKnownPort == nil {
		return "", fmt.Errorf("peer %q has no known endpoint", peerID)
	}
	return net.JoinHostPort(*peer.LastKnownIP, strconv.Itoa(*peer.LastKnownPort)), nil
}

func (m *Mesh) dialAndRegister(address string) (*PeerConnection, error) {
	conn, err := Dial(address, m.handshakeOptions())
	if err != nil {
		return nil, err
	}

	if !m.registerConnection(conn) {
		if existing := m.getConnection(conn.PeerID()); existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("connection to %q was superseded", address)
	}
	return conn, nil
}

func (m *Mesh) handshakeOptions() HandshakeOptions {
	return HandshakeOptions{
		Identity:          m.options.Identity,
		ConnectionTimeout: m.options.ConnectionTimeout,
		KeepAliveInterval: m.options.KeepAliveInterval,
		KeepAliveTimeout:  m.options.KeepAliveTimeout,
		FrameReadTimeout:  m.options.FrameReadTimeout,
		SendQueueSize:     m.options.SendQueueSize,
		AutoRespondPing:   m.options.AutoRespondPing,
	}
}

// persistPeerConnection records the peer and the endpoint it accepts
// connections on.
func (m *Mesh) persistPeerConnection(conn *PeerConnection, status string) {
	if m.options.Store == nil {
		return
	}
	now := time.Now().UnixMilli()
	peer := storage.Peer{
		PeerID:            conn.PeerID(),
		PeerName:          conn.PeerName(),
		Status:            status,
		LastSeenTimestamp: &now,
	}
	if peer.PeerName == "" {
		peer.PeerName = peer.PeerID
	}
	ip, port := remoteEndpoint(conn.RemoteAddr())
	if !conn.Outbound() {
		port = conn.PeerListenPort()
	}
	if ip != "" && port > 0 {
		peer.LastKnownIP = &ip
		peer.LastKnownPort = &port
	}
	if err := m.options.Store.UpsertPeer(peer); err != nil {
		m.reportError(err)
	}
}

func (m *Mesh) getConnection(peerID string) *PeerConnection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connections[peerID]
}

func (m *Mesh) isConnected(peerID string) bool {
	conn := m.getConnection(peerID)
	return conn != nil && conn.State() != StateDisconnected
}

func (m *Mesh) reportError(err error) {
	if err == nil {
		return
	}
	m.logger.Warn().Err(err).Msg("mesh error")
}

func remoteEndpoint(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, portText, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", 0
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return "", 0
	}
	return host, port
}
