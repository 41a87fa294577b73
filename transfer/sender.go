package transfer

import (
	"fmt"
	"strings"
	"time"
)

// Outgoing describes a payload to broadcast.
type Outgoing struct {
	TransactionKey string
	Name           string
	Kind           PayloadKind
	Caption        string
	Checksum       string
	Data           []byte
}

// Sender owns a full payload and pushes it into the mesh. In its record,
// BlockState.Received marks a block acknowledged by at least one peer and
// the block timestamps track acknowledgement arrivals.
type Sender struct {
	serializer
	env          Env
	self         Peer
	rec          *Record
	lastSent     []time.Time
	lastServedAt time.Time
	resendCursor int
}

var _ Wrangler = (*Sender)(nil)

func NewSender(o Outgoing, env Env) (*Sender, error) {
	if env.Mesh == nil {
		return nil, ErrNoMesh
	}
	if !ValidKey(o.TransactionKey) {
		return nil, fmt.Errorf("%w: invalid transaction key %q", ErrMalformedMessage, o.TransactionKey)
	}
	env = env.withDefaults()
	size := int64(len(o.Data))
	if size > env.Config.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, size)
	}
	kind := o.Kind
	if kind == "" {
		kind = KindFile
	}
	self := env.Mesh.LocalPeer()
	originName := self.Name
	if strings.TrimSpace(originName) == "" {
		originName = AnonymousSender
	}
	total := BlockCount(size, env.Config.BlockSize)
	return &Sender{
		env:  env,
		self: self,
		rec: &Record{
			TransactionKey: o.TransactionKey,
			OriginID:       self.ID,
			OriginName:     originName,
			PayloadName:    o.Name,
			PayloadKind:    kind,
			Checksum:       o.Checksum,
			Caption:        o.Caption,
			TotalBlocks:    total,
			BlockSize:      env.Config.BlockSize,
			PayloadSize:    size,
			Buffer:         o.Data,
			Blocks:         make([]BlockState, total),
			CreatedAt:      env.Clock.Now(),
			MinWait:        env.Config.MinWaitFloor,
		},
		lastSent: make([]time.Time, total),
	}, nil
}

func (s *Sender) Key() string { return s.rec.TransactionKey }

func (s *Sender) Direction() Direction { return DirectionSend }

// Start broadcasts every block in order, block 0 (with the caption) first.
func (s *Sender) Start() error {
	return s.run(s.env, func(out *outbox) error {
		now := s.env.Clock.Now()
		for i := 0; i < s.rec.TotalBlocks; i++ {
			out.send(s.block(TypeTransfer, i))
			s.lastSent[i] = now
		}
		return nil
	})
}

func (s *Sender) ProcessMessage(msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.TransactionKey != s.rec.TransactionKey {
		return fmt.Errorf("%w: %s", ErrKeyMismatch, msg.TransactionKey)
	}
	return s.run(s.env, func(out *outbox) error {
		if !msg.sameShape(s.rec) {
			return fmt.Errorf("%w: %s block %d from %s", ErrShapeMismatch, msg.Type, msg.BlockNum, msg.SenderID)
		}
		if msg.SenderID == s.self.ID {
			return nil
		}
		switch msg.Type {
		case TypeAck:
			s.acknowledge(msg, out)
		case TypeRequest:
			if target := msg.Target(); target != AnyPeer && target != s.self.ID {
				return nil
			}
			out.send(s.block(TypeRequestResponse, msg.BlockNum))
			s.lastServedAt = s.env.Clock.Now()
			s.env.Metrics.responseServed()
		}
		return nil
	})
}

func (s *Sender) acknowledge(msg *Message, out *outbox) {
	rec := s.rec
	blk := &rec.Blocks[msg.BlockNum]
	if blk.Received {
		return
	}
	now := s.env.Clock.Now()
	if rec.BlocksReceived == 0 {
		rec.FirstBlockAt = now
	}
	rec.LatestBlockAt = now
	rec.MinWait = s.env.Config.MinWaitFloor
	blk.Received = true
	rec.BlocksReceived++

	ev := s.event()
	if rec.Complete() {
		ev.Complete = true
		s.env.Metrics.transferCompleted(DirectionSend)
	}
	out.emit(ev)
}

// MaintenanceTick re-broadcasts unacknowledged blocks whose last broadcast
// is older than the adaptive threshold, at most MaxResendsPerTick per tick,
// resuming where the previous round stopped.
func (s *Sender) MaintenanceTick() (bool, error) {
	evict := false
	err := s.run(s.env, func(out *outbox) error {
		rec := s.rec
		now := s.env.Clock.Now()
		idle := now.Sub(s.lastActivity())
		if idle > s.env.Config.Lifetime {
			evict = true
			return nil
		}
		if rec.Complete() {
			return nil
		}
		threshold := adaptiveThreshold(s.env.Config.RequestInterval, rec.MinWait, rec.FirstBlockAt, rec.LatestBlockAt, rec.BlocksReceived)
		if now.Sub(rec.LastRequestAt) <= threshold || idle <= threshold {
			return nil
		}
		resent, start := 0, s.resendCursor
		for n := 0; n < rec.TotalBlocks && resent < s.env.Config.MaxResendsPerTick; n++ {
			i := (start + n) % rec.TotalBlocks
			if rec.Blocks[i].Received || now.Sub(s.lastSent[i]) <= threshold {
				continue
			}
			out.send(s.block(TypeTransfer, i))
			s.lastSent[i] = now
			s.resendCursor = (i + 1) % rec.TotalBlocks
			resent++
		}
		if resent > 0 {
			rec.LastRequestAt = now
			rec.MinWait += s.env.Config.MinWaitIncrement
			s.env.Metrics.blocksResent(resent)
		}
		return nil
	})
	return evict, err
}

func (s *Sender) lastActivity() time.Time {
	last := s.rec.lastActivity()
	if s.lastServedAt.After(last) {
		last = s.lastServedAt
	}
	return last
}

func (s *Sender) block(typ MessageType, i int) *Message {
	rec := s.rec
	msg := &Message{
		Type:           typ,
		SenderName:     s.self.Name,
		SenderID:       s.self.ID,
		TransactionKey: rec.TransactionKey,
		FileName:       rec.PayloadName,
		TotalBlocks:    rec.TotalBlocks,
		BlockSize:      rec.BlockSize,
		FileSize:       rec.PayloadSize,
		BlockNum:       i,
		OriginID:       rec.OriginID,
		OriginName:     rec.OriginName,
		PayloadKind:    rec.PayloadKind,
		Checksum:       rec.Checksum,
		Payload:        rec.Block(i),
	}
	if i == 0 {
		msg.Caption = rec.Caption
	}
	return msg
}

func (s *Sender) event() Event {
	rec := s.rec
	return Event{
		Direction:      DirectionSend,
		TransactionKey: rec.TransactionKey,
		PayloadName:    rec.PayloadName,
		PayloadKind:    rec.PayloadKind,
		PayloadSize:    rec.PayloadSize,
		SenderID:       rec.OriginID,
		SenderName:     rec.OriginName,
		Caption:        rec.Caption,
		TotalBlocks:    rec.TotalBlocks,
		BlockSize:      rec.BlockSize,
		BlocksDone:     rec.BlocksReceived,
		PercentDone:    rec.PercentDone(),
	}
}

func (s *Sender) Summary() Summary {
	var out Summary
	s.view(func() {
		rec := s.rec
		out = Summary{
			Direction:      DirectionSend,
			TransactionKey: rec.TransactionKey,
			PayloadName:    rec.PayloadName,
			PayloadKind:    rec.PayloadKind,
			OriginID:       rec.OriginID,
			OriginName:     rec.OriginName,
			Caption:        rec.Caption,
			TotalBlocks:    rec.TotalBlocks,
			BlockSize:      rec.BlockSize,
			PayloadSize:    rec.PayloadSize,
			BlocksDone:     rec.BlocksReceived,
			PercentDone:    rec.PercentDone(),
			Complete:       rec.Complete(),
			CreatedAt:      rec.CreatedAt,
			LastActivity:   s.lastActivity(),
		}
	})
	return out
}
