package transfer

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeMesh struct {
	mu   sync.Mutex
	self Peer
	sent []*Message
	err  error
}

func newFakeMesh(id string) *fakeMesh {
	return &fakeMesh{self: Peer{ID: id, Name: "peer-" + id}}
}

func (m *fakeMesh) LocalPeer() Peer { return m.self }

func (m *fakeMesh) Broadcast(msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.err
}

// take returns and clears everything broadcast so far.
func (m *fakeMesh) take() []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sent
	m.sent = nil
	return out
}

func ofType(msgs []*Message, typ MessageType) []*Message {
	var out []*Message
	for _, msg := range msgs {
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) TransferProgress(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) completions() []Event {
	var out []Event
	for _, ev := range l.all() {
		if ev.Complete {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	env   Env
	mesh  *fakeMesh
	log   *eventLog
	clock clockwork.FakeClock
}

func newHarness(t *testing.T, self string) *harness {
	t.Helper()
	h := &harness{
		mesh:  newFakeMesh(self),
		log:   &eventLog{},
		clock: clockwork.NewFakeClockAt(epoch),
	}
	h.env = Env{
		Config: Config{
			BlockSize:        1024,
			RequestInterval:  5 * time.Second,
			MinWaitFloor:     500 * time.Millisecond,
			MinWaitIncrement: 250 * time.Millisecond,
			Lifetime:         time.Minute,
		},
		Clock: h.clock,
		Mesh:  h.mesh,
		Sink:  h.log,
	}
	return h
}

func payload(size int) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = byte(i*7 + i/251)
	}
	return out
}

// blocksOf splits data into TRANSFER messages as origin would broadcast them.
func blocksOf(key, origin string, data []byte, blockSize int, caption string) []*Message {
	total := BlockCount(int64(len(data)), blockSize)
	out := make([]*Message, total)
	for i := 0; i < total; i++ {
		start, end := blockBounds(i, blockSize, int64(len(data)))
		out[i] = &Message{
			Type:           TypeTransfer,
			SenderName:     "peer-" + origin,
			SenderID:       origin,
			TransactionKey: key,
			FileName:       "report.bin",
			TotalBlocks:    total,
			BlockSize:      blockSize,
			FileSize:       int64(len(data)),
			BlockNum:       i,
			OriginID:       origin,
			OriginName:     "peer-" + origin,
			Payload:        data[start:end],
		}
		if i == 0 {
			out[i].Caption = caption
		}
	}
	return out
}

// as returns a copy of msg re-typed and re-sent by from.
func as(msg *Message, typ MessageType, from string) *Message {
	cp := *msg
	cp.Type = typ
	cp.SenderID = from
	cp.SenderName = "peer-" + from
	if typ == TypeAck || typ == TypeRequest {
		cp.Payload = nil
	}
	return &cp
}

func requestNext(r *Receiver) []*Message {
	var out outbox
	r.view(func() { r.requestNextMissingBlock(&out, r.env.Clock.Now()) })
	return out.messages
}

func cloneRecord(rec *Record) Record {
	cp := *rec
	cp.Buffer = append([]byte(nil), rec.Buffer...)
	cp.Blocks = append([]BlockState(nil), rec.Blocks...)
	return cp
}
