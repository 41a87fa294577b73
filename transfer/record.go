package transfer

import "time"

// BlockState is the per-block bookkeeping of a receiving transfer.
type BlockState struct {
	Received bool
	// LastAckFrom is the most recent peer that acknowledged holding the block.
	LastAckFrom string
	// AskedOrigin is set once the origin peer has been asked for the block.
	AskedOrigin bool
}

// Record is the state of one transfer, owned by its wrangler.
type Record struct {
	TransactionKey string
	OriginID       string
	OriginName     string
	PayloadName    string
	PayloadKind    PayloadKind
	Checksum       string
	Caption        string

	TotalBlocks int
	BlockSize   int
	PayloadSize int64

	Buffer         []byte
	Blocks         []BlockState
	BlocksReceived int

	CreatedAt     time.Time
	FirstBlockAt  time.Time
	LatestBlockAt time.Time
	LastRequestAt time.Time
	MinWait       time.Duration

	NextRequestCursor int
}

func newRecordFromHeader(msg *Message, now time.Time, floor time.Duration) *Record {
	originID, originName := msg.Origin()
	return &Record{
		TransactionKey: msg.TransactionKey,
		OriginID:       originID,
		OriginName:     originName,
		PayloadName:    msg.FileName,
		PayloadKind:    msg.Kind(),
		Checksum:       msg.Checksum,
		TotalBlocks:    msg.TotalBlocks,
		BlockSize:      msg.BlockSize,
		PayloadSize:    msg.FileSize,
		Buffer:         make([]byte, msg.FileSize),
		Blocks:         make([]BlockState, msg.TotalBlocks),
		CreatedAt:      now,
		MinWait:        floor,
	}
}

// Complete reports whether every block has been received.
func (r *Record) Complete() bool {
	return r.BlocksReceived == r.TotalBlocks
}

// PercentDone is 100*received/total, rounded down.
func (r *Record) PercentDone() int {
	return percent(r.BlocksReceived, r.TotalBlocks)
}

// Block returns the bytes of block i within the buffer.
func (r *Record) Block(i int) []byte {
	start, end := blockBounds(i, r.BlockSize, r.PayloadSize)
	return r.Buffer[start:end]
}

func (r *Record) store(i int, data []byte) {
	start, _ := blockBounds(i, r.BlockSize, r.PayloadSize)
	copy(r.Buffer[start:], data)
}

// lastActivity is the last block arrival, or creation when none arrived.
func (r *Record) lastActivity() time.Time {
	if r.LatestBlockAt.IsZero() {
		return r.CreatedAt
	}
	return r.LatestBlockAt
}

// adaptiveThreshold shrinks base to twice the average inter-arrival gap when
// blocks arrive faster than a third of base, and never goes below minWait.
func adaptiveThreshold(base, minWait time.Duration, first, latest time.Time, arrivals int) time.Duration {
	threshold := base
	if arrivals >= 2 {
		avg := latest.Sub(first) / time.Duration(arrivals-1)
		if 3*avg < base {
			threshold = 2 * avg
		}
	}
	if threshold < minWait {
		threshold = minWait
	}
	return threshold
}
