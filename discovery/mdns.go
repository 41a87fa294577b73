package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_blockcast._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the protocol version announced and accepted.
	DefaultVersion = 1
	// DefaultRefreshInterval is the pause between browse rounds.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse round.
	DefaultScanTimeout = 3 * time.Second
	// DefaultMissedScans is how many rounds a peer may be absent before it
	// is reported gone.
	DefaultMissedScans = 2

	txtPeerID  = "peer_id"
	txtName    = "name"
	txtVersion = "version"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls announcing and browsing.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	MissedScans     int

	SelfPeerID    string
	PeerName      string
	ListeningPort int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.MissedScans <= 0 {
		out.MissedScans = DefaultMissedScans
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validate(announce bool) error {
	if strings.TrimSpace(c.SelfPeerID) == "" {
		return errors.New("self peer ID is required")
	}
	if !announce {
		return nil
	}
	if strings.TrimSpace(c.PeerName) == "" {
		return errors.New("peer name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

// txtRecords is what a node announces. The name travels in TXT as well since
// instance names get escaped and truncated by some responders.
func (c Config) txtRecords() []string {
	return []string{
		txtPeerID + "=" + c.SelfPeerID,
		txtName + "=" + c.PeerName,
		txtVersion + "=" + strconv.Itoa(c.Version),
	}
}

// Announcer advertises the local node via mDNS.
type Announcer struct {
	server *zeroconf.Server
}

// Announce registers the local node.
func Announce(config Config) (*Announcer, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(true); err != nil {
		return nil, err
	}
	server, err := cfg.registerFn(cfg.PeerName, cfg.Service, cfg.Domain, cfg.ListeningPort, cfg.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Announcer{server: server}, nil
}

func (a *Announcer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Service announces the node and browses for compatible peers.
type Service struct {
	Announcer *Announcer
	Scanner   *PeerScanner
}

// Start announces and starts browsing with one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	announcer, err := Announce(cfg)
	if err != nil {
		return nil, err
	}
	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		announcer.Stop()
		return nil, err
	}
	scanner.Start()

	return &Service{Announcer: announcer, Scanner: scanner}, nil
}

// Relay hands discovered peers to n until ctx is done or the service stops.
func (s *Service) Relay(ctx context.Context, n Notifier, logger zerolog.Logger) {
	Relay(ctx, s.Scanner.Events(), n, logger)
}

func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.Scanner.Stop()
	s.Announcer.Stop()
}
