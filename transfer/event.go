package transfer

import "time"

// Direction tells whether a wrangler is sending or receiving.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Event is a progress or completion notification.
type Event struct {
	Direction       Direction
	TransactionKey  string
	PayloadName     string
	PayloadKind     PayloadKind
	PayloadSize     int64
	StorageLocation string
	SenderID        string
	SenderName      string
	Caption         string
	TotalBlocks     int
	BlockSize       int
	BlocksDone      int
	PercentDone     int
	Complete        bool
	Value           any
	Err             error
}

// Summary is a point-in-time view of a wrangler.
type Summary struct {
	Direction      Direction
	TransactionKey string
	PayloadName    string
	PayloadKind    PayloadKind
	OriginID       string
	OriginName     string
	Caption        string
	TotalBlocks    int
	BlockSize      int
	PayloadSize    int64
	BlocksDone     int
	PercentDone    int
	Complete       bool
	CreatedAt      time.Time
	LastActivity   time.Time
}

func percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	return 100 * done / total
}
