package transfer

import (
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultBlockSize         = 16 * 1024
	DefaultTickInterval      = 2 * time.Second
	DefaultRequestInterval   = 5 * time.Second
	DefaultMinWaitFloor      = 500 * time.Millisecond
	DefaultMinWaitIncrement  = 250 * time.Millisecond
	DefaultLifetime          = 10 * time.Minute
	DefaultMaxPayloadSize    = 1 << 30
	DefaultMaxResendsPerTick = 32
)

// Config holds the tuning shared by every wrangler.
type Config struct {
	BlockSize         int
	TickInterval      time.Duration
	RequestInterval   time.Duration
	MinWaitFloor      time.Duration
	MinWaitIncrement  time.Duration
	Lifetime          time.Duration
	MaxPayloadSize    int64
	MaxResendsPerTick int

	// ServeBlockZero lets receivers answer REQUESTs for block 0. Senders
	// always serve it.
	ServeBlockZero bool
}

func (c Config) withDefaults() Config {
	out := c
	if out.BlockSize <= 0 {
		out.BlockSize = DefaultBlockSize
	}
	if out.TickInterval <= 0 {
		out.TickInterval = DefaultTickInterval
	}
	if out.RequestInterval <= 0 {
		out.RequestInterval = DefaultRequestInterval
	}
	if out.MinWaitFloor <= 0 {
		out.MinWaitFloor = DefaultMinWaitFloor
	}
	if out.MinWaitIncrement <= 0 {
		out.MinWaitIncrement = DefaultMinWaitIncrement
	}
	if out.Lifetime <= 0 {
		out.Lifetime = DefaultLifetime
	}
	if out.MaxPayloadSize <= 0 {
		out.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if out.MaxResendsPerTick <= 0 {
		out.MaxResendsPerTick = DefaultMaxResendsPerTick
	}
	return out
}

// Peer identifies a mesh member.
type Peer struct {
	ID   string
	Name string
}

// Mesh is the peer group a node broadcasts transfer messages into.
type Mesh interface {
	LocalPeer() Peer
	Broadcast(msg *Message) error
}

// EventSink receives progress and completion notifications.
type EventSink interface {
	TransferProgress(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev Event)

func (f EventSinkFunc) TransferProgress(ev Event) { f(ev) }

// Payload is a fully reassembled transfer handed to a Finisher.
type Payload struct {
	TransactionKey string
	Name           string
	Kind           PayloadKind
	Checksum       string
	OriginID       string
	OriginName     string
	Data           []byte
}

// Outcome is what a Finisher reports back on the completion event.
type Outcome struct {
	StorageLocation string
	Value           any
}

// Finisher consumes a completed payload.
type Finisher interface {
	Finish(p Payload) (Outcome, error)
}

// FinisherFunc adapts a function to Finisher.
type FinisherFunc func(p Payload) (Outcome, error)

func (f FinisherFunc) Finish(p Payload) (Outcome, error) { return f(p) }

// Env is everything a wrangler needs besides its own record.
type Env struct {
	Config    Config
	Clock     clockwork.Clock
	Mesh      Mesh
	Sink      EventSink
	Finishers map[PayloadKind]Finisher
	Metrics   *Metrics
}

func (e Env) withDefaults() Env {
	out := e
	out.Config = e.Config.withDefaults()
	if out.Clock == nil {
		out.Clock = clockwork.NewRealClock()
	}
	if out.Sink == nil {
		out.Sink = EventSinkFunc(func(Event) {})
	}
	return out
}

func (e Env) finisher(kind PayloadKind) Finisher {
	if e.Finishers == nil {
		return nil
	}
	return e.Finishers[kind]
}
