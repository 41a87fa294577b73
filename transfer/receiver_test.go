package transfer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReceiverOutOfOrderScenario(t *testing.T) {
	h := newHarness(t, "A")
	var finished []Payload
	h.env.Finishers = map[PayloadKind]Finisher{
		KindFile: FinisherFunc(func(p Payload) (Outcome, error) {
			finished = append(finished, p)
			return Outcome{StorageLocation: "/tmp/" + p.Name}, nil
		}),
	}
	data := payload(3500)
	blocks := blocksOf("tx-1", "B", data, 1024, "quarterly numbers")
	require.Len(t, blocks, 4)

	r, err := NewReceiver(blocks[2], h.env)
	require.NoError(t, err)
	for _, i := range []int{2, 0, 3, 1} {
		h.clock.Advance(10 * time.Millisecond)
		require.NoError(t, r.ProcessMessage(blocks[i]))
	}

	require.Equal(t, "quarterly numbers", r.rec.Caption)
	require.Len(t, r.rec.Buffer, 3500)
	require.Equal(t, data, r.rec.Buffer)
	require.Equal(t, 4, r.rec.BlocksReceived)

	events := h.log.all()
	require.Len(t, events, 4)
	percents := make([]int, 0, len(events))
	for _, ev := range events {
		percents = append(percents, ev.PercentDone)
		require.Equal(t, "B", ev.SenderID)
		require.Equal(t, DirectionReceive, ev.Direction)
	}
	require.Equal(t, []int{25, 50, 75, 100}, percents)

	done := h.log.completions()
	require.Len(t, done, 1)
	require.Equal(t, 100, done[0].PercentDone)
	require.Equal(t, "/tmp/report.bin", done[0].StorageLocation)
	require.Equal(t, "quarterly numbers", done[0].Caption)
	require.Len(t, finished, 1)
	require.Equal(t, data, finished[0].Data)

	acks := ofType(h.mesh.take(), TypeAck)
	require.Len(t, acks, 4)
	for _, ack := range acks {
		require.Equal(t, "A", ack.SenderID)
		require.Equal(t, "B", ack.OriginID)
		require.Empty(t, ack.Payload)
	}
}

func TestReceiverDuplicateBlockIsIdempotent(t *testing.T) {
	h := newHarness(t, "A")
	blocks := blocksOf("tx-dup", "B", payload(3000), 1024, "")

	r, err := NewReceiver(blocks[1], h.env)
	require.NoError(t, err)
	require.NoError(t, r.ProcessMessage(blocks[1]))
	before := cloneRecord(r.rec)
	h.mesh.take()

	h.clock.Advance(time.Second)
	require.NoError(t, r.ProcessMessage(blocks[1]))
	require.NoError(t, r.ProcessMessage(as(blocks[1], TypeRequestResponse, "C")))

	require.Equal(t, before, cloneRecord(r.rec))
	require.Equal(t, 1, r.rec.BlocksReceived)
	require.Empty(t, h.mesh.take())
	require.Len(t, h.log.all(), 1)
}

func TestReceiverAnyDeliveryOrderCompletesOnce(t *testing.T) {
	data := payload(3500)
	for _, order := range permutations([]int{0, 1, 2, 3}) {
		h := newHarness(t, "A")
		blocks := blocksOf("tx-perm", "B", data, 1024, "cap")
		r, err := NewReceiver(blocks[order[0]], h.env)
		require.NoError(t, err)
		for _, i := range order {
			require.NoError(t, r.ProcessMessage(blocks[i]))
			// duplicates interleaved with fresh blocks change nothing
			require.NoError(t, r.ProcessMessage(blocks[order[0]]))
		}
		require.Equal(t, data, r.rec.Buffer, "order %v", order)
		require.Len(t, h.log.completions(), 1, "order %v", order)

		last := -1
		for _, ev := range h.log.all() {
			require.GreaterOrEqual(t, ev.PercentDone, last)
			last = ev.PercentDone
		}
	}
}

func permutations(in []int) [][]int {
	if len(in) <= 1 {
		return [][]int{append([]int(nil), in...)}
	}
	var out [][]int
	for i := range in {
		rest := make([]int, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]int{in[i]}, p...))
		}
	}
	return out
}

func TestRequestTargetPriority(t *testing.T) {
	h := newHarness(t, "A")
	blocks := blocksOf("tx-target", "B", payload(100), 1024, "")
	require.Len(t, blocks, 1)

	ackFromC := as(blocks[0], TypeAck, "C")
	r, err := NewReceiver(ackFromC, h.env)
	require.NoError(t, err)
	require.NoError(t, r.ProcessMessage(ackFromC))
	require.Equal(t, "C", r.rec.Blocks[0].LastAckFrom)

	targets := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		sent := requestNext(r)
		require.Len(t, sent, 1)
		require.Equal(t, TypeRequest, sent[0].Type)
		require.Equal(t, 0, sent[0].BlockNum)
		targets = append(targets, sent[0].ReqToPeer)
	}
	require.Equal(t, []string{"C", "B", AnyPeer, AnyPeer}, targets)
	require.Empty(t, r.rec.Blocks[0].LastAckFrom)
	require.True(t, r.rec.Blocks[0].AskedOrigin)

	// a fresh ACK puts the acker back in front
	require.NoError(t, r.ProcessMessage(as(blocks[0], TypeAck, "D")))
	sent := requestNext(r)
	require.Len(t, sent, 1)
	require.Equal(t, "D", sent[0].ReqToPeer)
}

func TestReceiverIgnoresOwnAck(t *testing.T) {
	h := newHarness(t, "A")
	blocks := blocksOf("tx-own", "B", payload(100), 1024, "")
	r, err := NewReceiver(blocks[0], h.env)
	require.NoError(t, err)

	require.NoError(t, r.ProcessMessage(as(blocks[0], TypeAck, "A")))
	require.Empty(t, r.rec.Blocks[0].LastAckFrom)
}

func TestMinWaitBacksOffAndResets(t *testing.T) {
	h := newHarness(t, "A")
	blocks := blocksOf("tx-wait", "B", payload(4096), 1024, "")
	r, err := NewReceiver(blocks[3], h.env)
	require.NoError(t, err)
	floor := h.env.Config.MinWaitFloor
	require.Equal(t, floor, r.rec.MinWait)

	prev := r.rec.MinWait
	for i := 0; i < 5; i++ {
		require.NotEmpty(t, requestNext(r))
		require.Greater(t, r.rec.MinWait, prev)
		prev = r.rec.MinWait
	}
	require.Equal(t, floor+5*h.env.Config.MinWaitIncrement, r.rec.MinWait)

	require.NoError(t, r.ProcessMessage(blocks[1]))
	require.Equal(t, floor, r.rec.MinWait)

	// a duplicate is not a new block
	requestNext(r)
	require.NoError(t, r.ProcessMessage(blocks[1]))
	require.Equal(t, floor+h.env.Config.MinWaitIncrement, r.rec.MinWait)
}

func TestRequestCursorRotatesAndWraps(t *testing.T) {
	h := newHarness(t, "A")
	blocks := blocksOf("tx-cursor", "B", payload(4096), 1024, "")
	r, err := NewReceiver(blocks[3], h.env)
	require.NoError(t, err)
	require.NoError(t, r.ProcessMessage(blocks[3]))
	h.mesh.take()

	var picked []int
	for i := 0; i < 3; i++ {
		sent := requestNext(r)
		require.Len(t, sent, 1)
		picked = append(picked, sent[0].BlockNum)
	}
	require.Equal(t, []int{0, 1, 2}, picked)
	require.Equal(t, 3, r.rec.NextRequestCursor)

	// only block 3 remains ahead of the cursor and it is present
	require.Empty(t, requestNext(r))
	require.Equal(t, 0, r.rec.NextRequestCursor)

	sent := requestNext(r)
	require.Len(t, sent, 1)
	require.Equal(t, 0, sent[0].BlockNum)
}

func TestRequestCursorWrapsAfterLastBlock(t *testing.T) {
	h := newHarness(t, "A")
	blocks := blocksOf("tx-wrap", "B", payload(2048), 1024, "")
	r, err := NewReceiver(blocks[0], h.env)
	require.NoError(t, err)

	require.Equal(t, 0, requestNext(r)[0].BlockNum)
	require.Equal(t, 1, requestNext(r)[0].BlockNum)
	require.Equal(t, 0, r.rec.NextRequestCursor)
	require.Equal(t, 0, requestNext(r)[0].BlockNum)
}

func TestRequestResponsePullsNextMissingBlock(t *testing.T) {
	h := newHarness(t, "A")
	blocks := blocksOf("tx-pull", "B", payload(3000), 1024, "")
	r, err := NewReceiver(blocks[1], h.env)
	require.NoError(t, err)

	require.NoError(t, r.ProcessMessage(as(blocks[1], TypeRequestResponse, "C")))
	sent := h.mesh.take()
	require.Len(t, sent, 2)
	require.Equal(t, TypeAck, sent[0].Type)
	require.Equal(t, 1, sent[0].BlockNum)
	require.Equal(t, TypeRequest, sent[1].Type)
	require.Equal(t, 0, sent[1].BlockNum)
	require.Equal(t, "B", sent[1].ReqToPeer)

	// a plain TRANSFER does not pull
	require.NoError(t, r.ProcessMessage(blocks[2]))
	require.Len(t, ofType(h.mesh.take(), TypeRequest), 0)
}

func TestReceiverServesRequests(t *testing.T) {
	blocks := blocksOf("tx-serve", "B", payload(2048), 1024, "hi")

	for _, tc := range []struct {
		name       string
		serveZero  bool
		request    *Message
		wantServed bool
	}{
		{name: "any peer", request: reqFor(blocks[1], "C", AnyPeer), wantServed: true},
		{name: "addressed to self", request: reqFor(blocks[1], "C", "A"), wantServed: true},
		{name: "addressed elsewhere", request: reqFor(blocks[1], "C", "D")},
		{name: "from self", request: reqFor(blocks[1], "A", AnyPeer)},
		{name: "block zero withheld", request: reqFor(blocks[0], "C", AnyPeer)},
		{name: "block zero served", serveZero: true, request: reqFor(blocks[0], "C", AnyPeer), wantServed: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, "A")
			h.env.Config.ServeBlockZero = tc.serveZero
			r, err := NewReceiver(blocks[0], h.env)
			require.NoError(t, err)
			require.NoError(t, r.ProcessMessage(blocks[0]))
			require.NoError(t, r.ProcessMessage(blocks[1]))
			h.mesh.take()

			require.NoError(t, r.ProcessMessage(tc.request))
			sent := h.mesh.take()
			if !tc.wantServed {
				require.Empty(t, sent)
				return
			}
			require.Len(t, sent, 1)
			require.Equal(t, TypeRequestResponse, sent[0].Type)
			require.Equal(t, tc.request.BlockNum, sent[0].BlockNum)
			require.Equal(t, blocks[tc.request.BlockNum].Payload, sent[0].Payload)
			require.NoError(t, sent[0].Validate())
			if tc.request.BlockNum == 0 {
				require.Equal(t, "hi", sent[0].Caption)
			}
		})
	}
}

func TestReceiverDoesNotServeMissingBlock(t *testing.T) {
	h := newHarness(t, "A")
	blocks := blocksOf("tx-missing", "B", payload(2048), 1024, "")
	r, err := NewReceiver(blocks[0], h.env)
	require.NoError(t, err)

	require.NoError(t, r.ProcessMessage(reqFor(blocks[1], "C", AnyPeer)))
	require.Empty(t, h.mesh.take())
}

func reqFor(block *Message, from, to string) *Message {
	req := as(block, TypeRequest, from)
	req.ReqToPeer = to
	return req
}

func TestReceiverTickRequestsAfterThreshold(t *testing.T) {
	h := newHarness(t, "A")
	blocks := blocksOf("tx-tick", "B", payload(4096), 1024, "")
	r, err := NewReceiver(blocks[0], h.env)
	require.NoError(t, err)

	evict, err := r.MaintenanceTick()
	require.NoError(t, err)
	require.False(t, evict)
	require.Empty(t, h.mesh.take())

	h.clock.Advance(h.env.Config.RequestInterval + time.Second)
	evict, err = r.MaintenanceTick()
	require.NoError(t, err)
	require.False(t, evict)
	sent := h.mesh.take()
	require.Len(t, sent, 1)
	require.Equal(t, TypeRequest, sent[0].Type)
	require.Equal(t, "B", sent[0].ReqToPeer)

	// the request just sent holds the next one back
	_, err = r.MaintenanceTick()
	require.NoError(t, err)
	require.Empty(t, h.mesh.take())
}

func TestReceiverTickUsesFastArrivalRate(t *testing.T) {
	h := newHarness(t, "A")
	blocks := blocksOf("tx-fast", "B", payload(4096), 1024, "")
	r, err := NewReceiver(blocks[0], h.env)
	require.NoError(t, err)
	for _, i := range []int{0, 1} {
		require.NoError(t, r.ProcessMessage(blocks[i]))
		h.clock.Advance(100 * time.Millisecond)
	}
	h.mesh.take()

	// average gap 100ms shrinks the threshold to the 500ms floor
	h.clock.Advance(time.Second)
	_, err = r.MaintenanceTick()
	require.NoError(t, err)
	require.Len(t, ofType(h.mesh.take(), TypeRequest), 1)
}

func TestIdleReceiverIsEvictedWithoutRequests(t *testing.T) {
	h := newHarness(t, "A")
	blocks := blocksOf("tx-idle", "B", payload(4096), 1024, "")
	r, err := NewReceiver(as(blocks[2], TypeAck, "C"), h.env)
	require.NoError(t, err)

	h.clock.Advance(h.env.Config.Lifetime + time.Second)
	evict, err := r.MaintenanceTick()
	require.NoError(t, err)
	require.True(t, evict)
	require.Empty(t, h.mesh.take())
	require.Empty(t, h.log.all())
}

func TestCompleteReceiverStaysUntilIdle(t *testing.T) {
	h := newHarness(t, "A")
	blocks := blocksOf("tx-done", "B", payload(100), 1024, "")
	r, err := NewReceiver(blocks[0], h.env)
	require.NoError(t, err)
	require.NoError(t, r.ProcessMessage(blocks[0]))
	h.mesh.take()

	h.clock.Advance(h.env.Config.Lifetime / 2)
	evict, err := r.MaintenanceTick()
	require.NoError(t, err)
	require.False(t, evict)
	require.Empty(t, h.mesh.take())

	h.clock.Advance(h.env.Config.Lifetime)
	evict, err = r.MaintenanceTick()
	require.NoError(t, err)
	require.True(t, evict)
	require.True(t, r.Summary().Complete)
}

func TestReceiverRejectsBadMessages(t *testing.T) {
	h := newHarness(t, "A")
	blocks := blocksOf("tx-bad", "B", payload(3500), 1024, "")
	r, err := NewReceiver(blocks[0], h.env)
	require.NoError(t, err)

	short := *blocks[1]
	short.Payload = short.Payload[:10]
	require.ErrorIs(t, r.ProcessMessage(&short), ErrShapeMismatch)

	outOfRange := *blocks[1]
	outOfRange.BlockNum = 9
	require.ErrorIs(t, r.ProcessMessage(&outOfRange), ErrBlockOutOfRange)

	other := blocksOf("tx-other", "B", payload(3500), 1024, "")[1]
	require.ErrorIs(t, r.ProcessMessage(other), ErrKeyMismatch)

	reshaped := blocksOf("tx-bad", "B", payload(5000), 1024, "")[1]
	require.ErrorIs(t, r.ProcessMessage(reshaped), ErrShapeMismatch)

	require.Equal(t, 0, r.rec.BlocksReceived)
	require.NoError(t, r.ProcessMessage(blocks[1]))
	require.Equal(t, 1, r.rec.BlocksReceived)
}

func TestReceiverRejectsOversizedPayload(t *testing.T) {
	h := newHarness(t, "A")
	h.env.Config.MaxPayloadSize = 1000
	blocks := blocksOf("tx-big", "B", payload(3500), 1024, "")
	_, err := NewReceiver(blocks[0], h.env)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestFinisherFailureLandsOnCompletionEvent(t *testing.T) {
	h := newHarness(t, "A")
	decodeErr := errors.New("not a valid document")
	h.env.Finishers = map[PayloadKind]Finisher{
		KindObject: FinisherFunc(func(Payload) (Outcome, error) { return Outcome{}, decodeErr }),
	}
	msg := blocksOf("tx-obj", "B", payload(10), 1024, "")[0]
	msg.PayloadKind = KindObject

	r, err := NewReceiver(msg, h.env)
	require.NoError(t, err)
	err = r.ProcessMessage(msg)
	require.ErrorIs(t, err, decodeErr)

	done := h.log.completions()
	require.Len(t, done, 1)
	require.ErrorIs(t, done[0].Err, decodeErr)
	require.Nil(t, done[0].Value)
	require.Equal(t, KindObject, done[0].PayloadKind)
}

func TestEmptyPayloadIsOneBlock(t *testing.T) {
	h := newHarness(t, "A")
	blocks := blocksOf("tx-empty", "B", nil, 1024, "nothing")
	require.Len(t, blocks, 1)

	r, err := NewReceiver(blocks[0], h.env)
	require.NoError(t, err)
	require.NoError(t, r.ProcessMessage(blocks[0]))
	require.Len(t, h.log.completions(), 1)
	require.Equal(t, "nothing", r.Summary().Caption)
}

func TestAnonymousOriginName(t *testing.T) {
	h := newHarness(t, "A")
	msg := blocksOf("tx-anon", "B", payload(10), 1024, "")[0]
	msg.OriginName = ""
	msg.SenderName = ""

	r, err := NewReceiver(msg, h.env)
	require.NoError(t, err)
	require.NoError(t, r.ProcessMessage(msg))
	require.Equal(t, AnonymousSender, h.log.completions()[0].SenderName)
}
