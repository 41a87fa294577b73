package models

// Transfer is the JSON view of one ledger row.
type Transfer struct {
	TransactionKey  string `json:"transaction_key"`
	Direction       string `json:"direction"`
	OriginPeerID    string `json:"origin_peer_id"`
	OriginPeerName  string `json:"origin_peer_name"`
	PayloadName     string `json:"payload_name"`
	PayloadKind     string `json:"payload_kind"`
	PayloadSize     int64  `json:"payload_size"`
	TotalBlocks     int    `json:"total_blocks"`
	BlockSize       int    `json:"block_size"`
	BlocksDone      int    `json:"blocks_done"`
	PercentDone     int    `json:"percent_done"`
	Caption         string `json:"caption,omitempty"`
	StorageLocation string `json:"storage_location,omitempty"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
}
