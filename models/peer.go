package models

// Peer represents a known mesh member.
type Peer struct {
	PeerID            string `json:"peer_id"`
	PeerName          string `json:"peer_name"`
	Status            string `json:"status"`
	AddedTimestamp    int64  `json:"added_timestamp"`
	LastSeenTimestamp int64  `json:"last_seen_timestamp,omitempty"`
	LastKnownIP       string `json:"last_known_ip,omitempty"`
	LastKnownPort     int    `json:"last_known_port,omitempty"`
}
