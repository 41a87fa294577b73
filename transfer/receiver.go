package transfer

import (
	"fmt"
	"time"
)

// Receiver reassembles one incoming transfer. It is Collecting until every
// block has arrived and keeps serving block requests after completion until
// it is evicted.
type Receiver struct {
	serializer
	env  Env
	self Peer
	rec  *Record
}

var _ Wrangler = (*Receiver)(nil)

// NewReceiver builds a receiver from the header fields of any message of
// the transfer.
func NewReceiver(header *Message, env Env) (*Receiver, error) {
	if env.Mesh == nil {
		return nil, ErrNoMesh
	}
	if err := header.Validate(); err != nil {
		return nil, err
	}
	env = env.withDefaults()
	if header.FileSize > env.Config.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, header.FileSize)
	}
	return &Receiver{
		env:  env,
		self: env.Mesh.LocalPeer(),
		rec:  newRecordFromHeader(header, env.Clock.Now(), env.Config.MinWaitFloor),
	}, nil
}

func (r *Receiver) Key() string { return r.rec.TransactionKey }

func (r *Receiver) Direction() Direction { return DirectionReceive }

// ProcessMessage applies one inbound message to the record.
func (r *Receiver) ProcessMessage(msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.TransactionKey != r.rec.TransactionKey {
		return fmt.Errorf("%w: %s", ErrKeyMismatch, msg.TransactionKey)
	}
	return r.run(r.env, func(out *outbox) error {
		if !msg.sameShape(r.rec) {
			return fmt.Errorf("%w: %s block %d from %s", ErrShapeMismatch, msg.Type, msg.BlockNum, msg.SenderID)
		}
		switch msg.Type {
		case TypeTransfer, TypeRequestResponse:
			r.acceptBlock(msg, out)
		case TypeAck:
			if msg.SenderID != r.self.ID {
				r.rec.Blocks[msg.BlockNum].LastAckFrom = msg.SenderID
			}
		case TypeRequest:
			r.serveRequest(msg, out)
		}
		return nil
	})
}

func (r *Receiver) acceptBlock(msg *Message, out *outbox) {
	rec := r.rec
	i := msg.BlockNum
	if rec.Blocks[i].Received {
		r.env.Metrics.duplicateBlock()
		return
	}
	now := r.env.Clock.Now()
	if rec.BlocksReceived == 0 {
		rec.FirstBlockAt = now
	}
	rec.LatestBlockAt = now
	rec.MinWait = r.env.Config.MinWaitFloor
	if i == 0 {
		rec.Caption = msg.Caption
	}
	rec.store(i, msg.Payload)
	rec.Blocks[i].Received = true
	rec.BlocksReceived++
	r.env.Metrics.blockReceived()

	out.send(r.header(TypeAck, i))
	if msg.Type == TypeRequestResponse {
		r.requestNextMissingBlock(out, now)
	}

	ev := r.event()
	if !rec.Complete() {
		out.emit(ev)
		return
	}
	ev.Complete = true
	r.env.Metrics.transferCompleted(DirectionReceive)
	out.done = &completion{
		finisher: r.env.finisher(rec.PayloadKind),
		payload: Payload{
			TransactionKey: rec.TransactionKey,
			Name:           rec.PayloadName,
			Kind:           rec.PayloadKind,
			Checksum:       rec.Checksum,
			OriginID:       rec.OriginID,
			OriginName:     rec.OriginName,
			Data:           rec.Buffer,
		},
		event: ev,
	}
}

func (r *Receiver) serveRequest(msg *Message, out *outbox) {
	if msg.SenderID == r.self.ID {
		return
	}
	if target := msg.Target(); target != AnyPeer && target != r.self.ID {
		return
	}
	i := msg.BlockNum
	if !r.rec.Blocks[i].Received {
		return
	}
	if i == 0 && !r.env.Config.ServeBlockZero {
		return
	}
	resp := r.header(TypeRequestResponse, i)
	resp.Payload = r.rec.Block(i)
	out.send(resp)
	r.env.Metrics.responseServed()
}

// MaintenanceTick requests the next missing block once both the last request
// and the last block arrival are older than the adaptive threshold. An
// evicting tick sends nothing.
func (r *Receiver) MaintenanceTick() (bool, error) {
	evict := false
	err := r.run(r.env, func(out *outbox) error {
		rec := r.rec
		now := r.env.Clock.Now()
		idle := now.Sub(rec.lastActivity())
		if idle > r.env.Config.Lifetime {
			evict = true
			return nil
		}
		if rec.Complete() {
			return nil
		}
		threshold := adaptiveThreshold(r.env.Config.RequestInterval, rec.MinWait, rec.FirstBlockAt, rec.LatestBlockAt, rec.BlocksReceived)
		if now.Sub(rec.LastRequestAt) > threshold && idle > threshold {
			r.requestNextMissingBlock(out, now)
		}
		return nil
	})
	return evict, err
}

// requestNextMissingBlock requests the first missing block at or after the
// cursor. A scan that reaches the end without sending wraps the cursor to 0.
func (r *Receiver) requestNextMissingBlock(out *outbox, now time.Time) {
	rec := r.rec
	for i := rec.NextRequestCursor; i < rec.TotalBlocks; i++ {
		if rec.Blocks[i].Received {
			continue
		}
		r.sendRequest(out, i, now)
		rec.NextRequestCursor = (i + 1) % rec.TotalBlocks
		return
	}
	rec.NextRequestCursor = 0
}

func (r *Receiver) sendRequest(out *outbox, i int, now time.Time) {
	rec := r.rec
	blk := &rec.Blocks[i]
	target, class := AnyPeer, targetAny
	switch {
	case blk.LastAckFrom != "":
		target, class = blk.LastAckFrom, targetLastAcker
		blk.LastAckFrom = ""
	case !blk.AskedOrigin && rec.OriginID != "" && rec.OriginID != r.self.ID:
		target, class = rec.OriginID, targetOrigin
		blk.AskedOrigin = true
	}
	req := r.header(TypeRequest, i)
	req.ReqToPeer = target
	out.send(req)
	rec.LastRequestAt = now
	rec.MinWait += r.env.Config.MinWaitIncrement
	r.env.Metrics.requestSent(class)
}

func (r *Receiver) header(typ MessageType, i int) *Message {
	rec := r.rec
	msg := &Message{
		Type:           typ,
		SenderName:     r.self.Name,
		SenderID:       r.self.ID,
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
	}
	if i == 0 {
		msg.Caption = rec.Caption
	}
	return msg
}

func (r *Receiver) event() Event {
	rec := r.rec
	return Event{
		Direction:      DirectionReceive,
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

func (r *Receiver) Summary() Summary {
	var s Summary
	r.view(func() {
		rec := r.rec
		s = Summary{
			Direction:      DirectionReceive,
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
			LastActivity:   rec.lastActivity(),
		}
	})
	return s
}
