package discovery

import (
	"context"

	"github.com/rs/zerolog"
)

// Notifier is told about reachable peers.
type Notifier interface {
	NotifyPeerDiscovered(peerID, peerName, ip string, port int)
}

// Relay forwards upserted peers to n until ctx is done or events is closed.
func Relay(ctx context.Context, events <-chan Event, n Notifier, logger zerolog.Logger) {
	logger = logger.With().Str("component", "discovery").Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == EventPeerRemoved {
				logger.Debug().Str("peer", ev.Peer.PeerID).Msg("peer left the network")
				continue
			}
			logger.Debug().
				Str("peer", ev.Peer.PeerID).
				Str("name", ev.Peer.PeerName).
				Str("addr", ev.Peer.Address()).
				Msg("peer discovered")
			n.NotifyPeerDiscovered(ev.Peer.PeerID, ev.Peer.PeerName, ev.Peer.IP, ev.Peer.Port)
		}
	}
}
