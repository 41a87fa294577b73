package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

func TestAnnounceRegistersPeerRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		SelfPeerID:    "peer-123",
		PeerName:      "Alice Laptop",
		ListeningPort: 9999,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	announcer, err := Announce(cfg)
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	announcer.Stop()

	if gotInstance != "Alice Laptop" || gotService != "_blockcast._tcp" || gotPort != 9999 {
		t.Fatalf("unexpected registration %q %q %d", gotInstance, gotService, gotPort)
	}
	txt := txtToMap(gotTXT)
	if txt["peer_id"] != "peer-123" || txt["name"] != "Alice Laptop" || txt["version"] != "1" {
		t.Fatalf("unexpected TXT records %v", gotTXT)
	}
}

func TestAnnounceValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing peer id", Config{PeerName: "A", ListeningPort: 1}},
		{"missing name", Config{SelfPeerID: "a", ListeningPort: 1}},
		{"missing port", Config{SelfPeerID: "a", PeerName: "A"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Announce(tt.cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	if _, err := NewPeerScanner(Config{}); err == nil {
		t.Fatalf("scanner without self peer id should fail")
	}
}

func TestAnnounceRegisterError(t *testing.T) {
	cfg := Config{
		SelfPeerID:    "a",
		PeerName:      "A",
		ListeningPort: 1,
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, errors.New("no multicast interface")
		},
	}
	if _, err := Start(cfg); err == nil {
		t.Fatalf("expected register error to stop Start")
	}
}

func TestServiceRelaysDiscoveredPeers(t *testing.T) {
	cfg := Config{
		SelfPeerID:      "self",
		PeerName:        "Self",
		ListeningPort:   9999,
		RefreshInterval: time.Hour,
		ScanTimeout:     20 * time.Millisecond,
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			return nil
		},
	}

	svc, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer svc.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := &recordingNotifier{}
	go svc.Relay(ctx, n, zerolog.Nop())

	waitForCondition(t, time.Second, func() bool {
		calls := n.snapshot()
		return len(calls) == 1 && calls[0] == notification{"peer-1", "Bob", "10.0.0.2", 9998}
	})
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Service != DefaultService || cfg.Domain != DefaultDomain {
		t.Fatalf("unexpected service/domain %q/%q", cfg.Service, cfg.Domain)
	}
	if cfg.Version != DefaultVersion || cfg.MissedScans != DefaultMissedScans {
		t.Fatalf("unexpected version/missed scans %d/%d", cfg.Version, cfg.MissedScans)
	}
	if cfg.RefreshInterval != DefaultRefreshInterval || cfg.ScanTimeout != DefaultScanTimeout {
		t.Fatalf("unexpected intervals %s/%s", cfg.RefreshInterval, cfg.ScanTimeout)
	}
	if cfg.registerFn == nil {
		t.Fatalf("expected default register function")
	}

	custom := Config{RefreshInterval: time.Second, MissedScans: 5}.withDefaults()
	if custom.RefreshInterval != time.Second || custom.MissedScans != 5 {
		t.Fatalf("explicit values should be kept")
	}
}
