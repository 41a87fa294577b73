package discovery

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// EventType identifies peer discovery updates.
type EventType string

const (
	// EventPeerUpserted is emitted when a peer appears or its endpoint changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted once a peer has missed enough rounds.
	EventPeerRemoved EventType = "peer_removed"
)

type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is a dialable endpoint of a node speaking our protocol
// version.
type DiscoveredPeer struct {
	PeerID   string
	PeerName string
	IP       string
	Port     int
	LastSeen time.Time
}

func (p DiscoveredPeer) Address() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

func (p DiscoveredPeer) sameEndpoint(o DiscoveredPeer) bool {
	return p.PeerID == o.PeerID && p.PeerName == o.PeerName && p.IP == o.IP && p.Port == o.Port
}

type trackedPeer struct {
	peer   DiscoveredPeer
	missed int
}

// PeerScanner browses in rounds and reports peers whose endpoint changed.
// A peer absent from MissedScans consecutive rounds is reported removed.
type PeerScanner struct {
	cfg    Config
	browse browseFunc

	// peers is owned by the loop goroutine.
	peers  map[string]*trackedPeer
	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(false); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:    cfg,
		browse: browse,
		peers:  make(map[string]*trackedPeer),
		events: make(chan Event, 128),
	}, nil
}

func (s *PeerScanner) Start() {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.wg.Add(1)
		go s.loop(ctx)
	})
}

// Stop ends browsing and closes the event channel.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

func (s *PeerScanner) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		if seen, err := s.scan(ctx); err == nil {
			s.apply(seen)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// scan runs one browse round and returns the peers it saw by id.
func (s *PeerScanner) scan(ctx context.Context) (map[string]DiscoveredPeer, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	seen := make(map[string]DiscoveredPeer)
	collected := make(chan struct{})
	go func(in <-chan *zeroconf.ServiceEntry) {
		defer close(collected)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				if peer, ok := parseEntry(entry, s.cfg); ok {
					peer.LastSeen = time.Now()
					seen[peer.PeerID] = peer
				}
			}
		}
	}(entries)

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil && scanCtx.Err() == nil {
		cancel()
		<-collected
		return nil, err
	}
	<-scanCtx.Done()
	<-collected
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return seen, nil
}

func (s *PeerScanner) apply(seen map[string]DiscoveredPeer) {
	for id, peer := range seen {
		cur, known := s.peers[id]
		if !known || !cur.peer.sameEndpoint(peer) {
			s.emit(Event{Type: EventPeerUpserted, Peer: peer})
		}
		s.peers[id] = &trackedPeer{peer: peer}
	}
	for id, cur := range s.peers {
		if _, ok := seen[id]; ok {
			continue
		}
		cur.missed++
		if cur.missed >= s.cfg.MissedScans {
			delete(s.peers, id)
			s.emit(Event{Type: EventPeerRemoved, Peer: cur.peer})
		}
	}
}

func (s *PeerScanner) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

// parseEntry turns an mDNS answer into a dialable peer. Entries from
// ourselves, from other protocol versions or without a usable address are
// skipped.
func parseEntry(entry *zeroconf.ServiceEntry, cfg Config) (DiscoveredPeer, bool) {
	if entry == nil || entry.Port <= 0 {
		return DiscoveredPeer{}, false
	}
	txt := txtToMap(entry.Text)

	peerID := txt[txtPeerID]
	if peerID == "" || peerID == cfg.SelfPeerID {
		return DiscoveredPeer{}, false
	}
	if version, err := strconv.Atoi(txt[txtVersion]); err != nil || version != cfg.Version {
		return DiscoveredPeer{}, false
	}
	ip := pickAddress(entry.AddrIPv4, entry.AddrIPv6)
	if ip == "" {
		return DiscoveredPeer{}, false
	}

	name := txt[txtName]
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = strings.TrimSuffix(strings.TrimSpace(entry.HostName), ".")
	}
	if name == "" {
		name = peerID
	}

	return DiscoveredPeer{
		PeerID:   peerID,
		PeerName: name,
		IP:       ip,
		Port:     entry.Port,
	}, true
}

// pickAddress prefers IPv4 and skips addresses a plain TCP dial cannot use.
// The smallest candidate wins so answers in any order give the same result.
func pickAddress(v4, v6 []net.IP) string {
	for _, family := range [][]net.IP{v4, v6} {
		var candidates []string
		for _, ip := range family {
			if ip == nil || ip.IsUnspecified() || ip.IsMulticast() {
				continue
			}
			if ip.To4() == nil && ip.IsLinkLocalUnicast() {
				continue
			}
			candidates = append(candidates, ip.String())
		}
		if len(candidates) > 0 {
			sort.Strings(candidates)
			return candidates[0]
		}
	}
	return ""
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
