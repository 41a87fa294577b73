package sink

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"blockcast/storage"
	"blockcast/transfer"
)

// Multi fans events out to every sink in order.
type Multi []transfer.EventSink

func (m Multi) TransferProgress(ev transfer.Event) {
	for _, s := range m {
		if s != nil {
			s.TransferProgress(ev)
		}
	}
}

// Log reports progress through a zerolog logger.
type Log struct {
	logger zerolog.Logger
}

func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "events").Logger()}
}

func (l *Log) TransferProgress(ev transfer.Event) {
	switch {
	case ev.Err != nil:
		l.logger.Warn().
			Err(ev.Err).
			Str("key", ev.TransactionKey).
			Str("direction", string(ev.Direction)).
			Str("name", ev.PayloadName).
			Msg("transfer completed with error")
	case ev.Complete:
		l.logger.Info().
			Str("key", ev.TransactionKey).
			Str("direction", string(ev.Direction)).
			Str("name", ev.PayloadName).
			Str("from", ev.SenderName).
			Str("caption", ev.Caption).
			Str("location", ev.StorageLocation).
			Int64("bytes", ev.PayloadSize).
			Msg("transfer complete")
	default:
		l.logger.Debug().
			Str("key", ev.TransactionKey).
			Str("direction", string(ev.Direction)).
			Int("blocks", ev.BlocksDone).
			Int("total", ev.TotalBlocks).
			Int("percent", ev.PercentDone).
			Msg("transfer progress")
	}
}

// Channel forwards events to a buffered channel. Events are dropped while
// the buffer is full so a slow reader never stalls a transfer.
type Channel struct {
	events chan transfer.Event
}

func NewChannel(buffer int) *Channel {
	if buffer <= 0 {
		buffer = 64
	}
	return &Channel{events: make(chan transfer.Event, buffer)}
}

func (c *Channel) Events() <-chan transfer.Event { return c.events }

func (c *Channel) TransferProgress(ev transfer.Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// Ledger records transfers in the SQLite store.
type Ledger struct {
	store  *storage.Store
	logger zerolog.Logger
}

func NewLedger(store *storage.Store, logger zerolog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger.With().Str("component", "ledger").Logger()}
}

func (l *Ledger) TransferProgress(ev transfer.Event) {
	row := storage.Transfer{
		TransactionKey:  ev.TransactionKey,
		Direction:       string(ev.Direction),
		OriginPeerID:    ev.SenderID,
		OriginPeerName:  ev.SenderName,
		PayloadName:     ev.PayloadName,
		PayloadKind:     string(ev.PayloadKind),
		TotalBlocks:     ev.TotalBlocks,
		BlockSize:       ev.BlockSize,
		PayloadSize:     ev.PayloadSize,
		BlocksDone:      ev.BlocksDone,
		PercentDone:     ev.PercentDone,
		Caption:         ev.Caption,
		StorageLocation: ev.StorageLocation,
		Status:          storage.TransferStatusCollecting,
	}
	switch {
	case ev.Err != nil:
		row.Status = storage.TransferStatusFailed
		row.ErrorText = ev.Err.Error()
	case ev.Complete:
		row.Status = storage.TransferStatusComplete
	}
	if err := l.store.SaveTransfer(row); err != nil {
		l.logger.Error().Err(err).Str("key", ev.TransactionKey).Msg("record transfer progress")
	}
}

// TransferEvicted remembers the evicted key and marks the transfer evicted.
// Completed and failed transfers keep their final status.
func (l *Ledger) TransferEvicted(s transfer.Summary) {
	if err := l.store.InsertEvictedKey(s.TransactionKey, 0); err != nil {
		l.logger.Error().Err(err).Str("key", s.TransactionKey).Msg("record evicted key")
	}
	if s.Complete {
		return
	}
	existing, err := l.store.GetTransfer(s.TransactionKey, string(s.Direction))
	switch {
	case err == nil:
		if existing.Status == storage.TransferStatusFailed {
			return
		}
		err = l.store.UpdateTransferStatus(s.TransactionKey, string(s.Direction), storage.TransferStatusEvicted, "", "")
	case errors.Is(err, storage.ErrNotFound):
		err = l.store.SaveTransfer(storage.Transfer{
			TransactionKey: s.TransactionKey,
			Direction:      string(s.Direction),
			OriginPeerID:   s.OriginID,
			OriginPeerName: s.OriginName,
			PayloadName:    s.PayloadName,
			PayloadKind:    string(s.PayloadKind),
			TotalBlocks:    s.TotalBlocks,
			BlockSize:      s.BlockSize,
			PayloadSize:    s.PayloadSize,
			BlocksDone:     s.BlocksDone,
			PercentDone:    s.PercentDone,
			Caption:        s.Caption,
			Status:         storage.TransferStatusEvicted,
		})
	}
	if err != nil {
		l.logger.Error().Err(err).Str("key", s.TransactionKey).Msg("record transfer eviction")
	}
}

// EvictedKeys prunes keys evicted longer than retention ago and returns the
// rest, ready to seed the dispatcher's tombstones.
func (l *Ledger) EvictedKeys(now time.Time, retention time.Duration) ([]string, error) {
	cutoff := now.Add(-retention).UnixMilli()
	if cutoff > 0 {
		if _, err := l.store.PruneEvictedKeys(cutoff); err != nil {
			return nil, err
		}
	}
	return l.store.ListEvictedKeys(cutoff)
}
