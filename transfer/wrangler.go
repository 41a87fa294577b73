package transfer

import (
	"errors"
	"fmt"
	"sync"
)

// Wrangler drives one transfer. ProcessMessage and MaintenanceTick are
// serialized per wrangler.
type Wrangler interface {
	Key() string
	Direction() Direction
	ProcessMessage(msg *Message) error
	// MaintenanceTick runs timer-driven work and reports whether the
	// wrangler is idle past its lifetime and should be removed.
	MaintenanceTick() (evict bool, err error)
	Summary() Summary
}

type completion struct {
	finisher Finisher
	payload  Payload
	event    Event
}

// outbox collects side effects produced while the record lock is held. They
// are flushed after the lock is released, in the order they were produced.
type outbox struct {
	messages []*Message
	events   []Event
	done     *completion
}

func (o *outbox) send(msg *Message) { o.messages = append(o.messages, msg) }

func (o *outbox) emit(ev Event) { o.events = append(o.events, ev) }

func (o *outbox) flush(env Env) error {
	var errs []error
	for _, msg := range o.messages {
		if err := env.Mesh.Broadcast(msg); err != nil {
			errs = append(errs, fmt.Errorf("broadcast %s block %d: %w", msg.Type, msg.BlockNum, err))
		}
	}
	for _, ev := range o.events {
		env.Sink.TransferProgress(ev)
	}
	if o.done != nil {
		ev := o.done.event
		if o.done.finisher != nil {
			outcome, err := o.done.finisher.Finish(o.done.payload)
			ev.StorageLocation = outcome.StorageLocation
			ev.Value = outcome.Value
			if err != nil {
				ev.Err = err
				errs = append(errs, fmt.Errorf("finish %s: %w", o.done.payload.TransactionKey, err))
			}
		}
		env.Sink.TransferProgress(ev)
	}
	return errors.Join(errs...)
}

// serializer holds the record lock for state changes and hands over to
// flushMu before flushing, so flushes of one wrangler never interleave.
type serializer struct {
	mu      sync.Mutex
	flushMu sync.Mutex
}

func (s *serializer) run(env Env, fn func(out *outbox) error) error {
	s.mu.Lock()
	var out outbox
	err := fn(&out)
	s.flushMu.Lock()
	s.mu.Unlock()
	defer s.flushMu.Unlock()
	return errors.Join(err, out.flush(env))
}

func (s *serializer) view(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}
