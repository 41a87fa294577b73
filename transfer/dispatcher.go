package transfer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	defaultTombstoneCapacity = 100000
	defaultTombstoneFPRate   = 0.0001

	dropSelf       = "self_originated"
	dropTombstoned = "evicted_key"
	dropMalformed  = "malformed"
)

// Options configures a Dispatcher.
type Options struct {
	Config    Config
	Clock     clockwork.Clock
	Mesh      Mesh
	Sink      EventSink
	Finishers map[PayloadKind]Finisher
	Metrics   *Metrics
	Logger    zerolog.Logger

	// TombstoneCapacity and TombstoneFPRate size the filter of evicted keys.
	TombstoneCapacity uint
	TombstoneFPRate   float64
}

// Dispatcher owns the transaction key to wrangler map and routes inbound
// messages to it.
type Dispatcher struct {
	env    Env
	logger zerolog.Logger

	mu        sync.RWMutex
	wranglers map[string]Wrangler

	tombMu     sync.Mutex
	tombstones *bloom.BloomFilter
}

func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Mesh == nil {
		return nil, ErrNoMesh
	}
	if opts.TombstoneCapacity == 0 {
		opts.TombstoneCapacity = defaultTombstoneCapacity
	}
	if opts.TombstoneFPRate <= 0 || opts.TombstoneFPRate >= 1 {
		opts.TombstoneFPRate = defaultTombstoneFPRate
	}
	env := Env{
		Config:    opts.Config,
		Clock:     opts.Clock,
		Mesh:      opts.Mesh,
		Sink:      opts.Sink,
		Finishers: opts.Finishers,
		Metrics:   opts.Metrics,
	}.withDefaults()
	return &Dispatcher{
		env:        env,
		logger:     opts.Logger.With().Str("component", "dispatcher").Logger(),
		wranglers:  make(map[string]Wrangler),
		tombstones: bloom.NewWithEstimates(opts.TombstoneCapacity, opts.TombstoneFPRate),
	}, nil
}

// Config returns the effective tuning.
func (d *Dispatcher) Config() Config { return d.env.Config }

// Clock returns the clock wranglers are driven by.
func (d *Dispatcher) Clock() clockwork.Clock { return d.env.Clock }

// HandleMessage dispatches msg and logs any error. It is the inbound hook
// handed to the mesh.
func (d *Dispatcher) HandleMessage(msg *Message) {
	if err := d.Dispatch(msg); err != nil {
		level := zerolog.ErrorLevel
		if IsProtocolError(err) {
			level = zerolog.WarnLevel
		}
		ev := d.logger.WithLevel(level).Err(err)
		if msg != nil {
			ev = ev.Str("key", msg.TransactionKey).
				Str("type", string(msg.Type)).
				Int("block", msg.BlockNum).
				Str("from", msg.SenderID)
		}
		ev.Msg("transfer message dropped")
	}
}

// Dispatch forwards msg to the wrangler for its key, creating a receiver
// from the message header when the key is unknown.
func (d *Dispatcher) Dispatch(msg *Message) error {
	if err := msg.Validate(); err != nil {
		d.env.Metrics.dropped(dropMalformed)
		return err
	}
	if w, ok := d.Lookup(msg.TransactionKey); ok {
		return w.ProcessMessage(msg)
	}
	if msg.SenderID == d.env.Mesh.LocalPeer().ID {
		d.env.Metrics.dropped(dropSelf)
		return nil
	}
	if msg.Type != TypeTransfer && d.wasEvicted(msg.TransactionKey) {
		d.env.Metrics.dropped(dropTombstoned)
		return nil
	}

	r, err := NewReceiver(msg, d.env)
	if err != nil {
		return fmt.Errorf("bootstrap receiver: %w", err)
	}
	w, created := d.insert(r)
	if created {
		d.logger.Debug().
			Str("key", msg.TransactionKey).
			Str("name", msg.FileName).
			Int("blocks", msg.TotalBlocks).
			Str("origin", r.rec.OriginID).
			Msg("new incoming transfer")
	}
	return w.ProcessMessage(msg)
}

// Broadcast registers and starts a sender for data and returns its key.
func (d *Dispatcher) Broadcast(name string, kind PayloadKind, caption, checksum string, data []byte) (string, error) {
	s, err := NewSender(Outgoing{
		TransactionKey: uuid.NewString(),
		Name:           name,
		Kind:           kind,
		Caption:        caption,
		Checksum:       checksum,
		Data:           data,
	}, d.env)
	if err != nil {
		return "", err
	}
	if _, created := d.insert(s); !created {
		return "", fmt.Errorf("%w: %s", ErrDuplicateKey, s.Key())
	}
	d.logger.Info().
		Str("key", s.Key()).
		Str("name", name).
		Int("blocks", s.rec.TotalBlocks).
		Int("bytes", len(data)).
		Msg("broadcast started")
	if err := s.Start(); err != nil {
		return s.Key(), fmt.Errorf("start broadcast: %w", err)
	}
	return s.Key(), nil
}

// insert registers w unless its key is already present, in which case the
// existing wrangler is returned.
func (d *Dispatcher) insert(w Wrangler) (Wrangler, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.wranglers[w.Key()]; ok {
		return existing, false
	}
	d.wranglers[w.Key()] = w
	d.env.Metrics.liveAdd(w.Direction(), 1)
	return w, true
}

func (d *Dispatcher) Lookup(key string) (Wrangler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.wranglers[key]
	return w, ok
}

// Remove unregisters w if it is still the wrangler mapped to its key and
// remembers the key as evicted.
func (d *Dispatcher) Remove(w Wrangler) bool {
	d.mu.Lock()
	current, ok := d.wranglers[w.Key()]
	if !ok || current != w {
		d.mu.Unlock()
		return false
	}
	delete(d.wranglers, w.Key())
	d.mu.Unlock()

	d.env.Metrics.liveAdd(w.Direction(), -1)
	d.tombMu.Lock()
	d.tombstones.AddString(w.Key())
	d.tombMu.Unlock()
	return true
}

// Tombstone marks keys as evicted without a live wrangler, typically keys
// restored from a previous run.
func (d *Dispatcher) Tombstone(keys ...string) {
	d.tombMu.Lock()
	defer d.tombMu.Unlock()
	for _, key := range keys {
		d.tombstones.AddString(key)
	}
}

// Snapshot returns the currently registered wranglers.
func (d *Dispatcher) Snapshot() []Wrangler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Wrangler, 0, len(d.wranglers))
	for _, w := range d.wranglers {
		out = append(out, w)
	}
	return out
}

func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.wranglers)
}

func (d *Dispatcher) wasEvicted(key string) bool {
	d.tombMu.Lock()
	defer d.tombMu.Unlock()
	return d.tombstones.TestString(key)
}

// IsProtocolError reports whether err was caused by a bad inbound message
// rather than by the local side.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrMalformedMessage) ||
		errors.Is(err, ErrShapeMismatch) ||
		errors.Is(err, ErrBlockOutOfRange) ||
		errors.Is(err, ErrPayloadTooLarge)
}
