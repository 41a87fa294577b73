package transfer

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// TrailBossOptions configures the maintenance sweeper.
type TrailBossOptions struct {
	// Interval defaults to the dispatcher's TickInterval.
	Interval time.Duration
	Logger   zerolog.Logger
	// OnEvict is called once per removed wrangler with its final summary.
	OnEvict func(Summary)
}

// TrailBoss periodically ticks every live wrangler and evicts idle ones.
type TrailBoss struct {
	dispatcher *Dispatcher
	clock      clockwork.Clock
	interval   time.Duration
	logger     zerolog.Logger
	onEvict    func(Summary)
}

func NewTrailBoss(d *Dispatcher, opts TrailBossOptions) *TrailBoss {
	interval := opts.Interval
	if interval <= 0 {
		interval = d.Config().TickInterval
	}
	return &TrailBoss{
		dispatcher: d,
		clock:      d.Clock(),
		interval:   interval,
		logger:     opts.Logger.With().Str("component", "trailboss").Logger(),
		onEvict:    opts.OnEvict,
	}
}

// Run sweeps every interval until ctx is done.
func (t *TrailBoss) Run(ctx context.Context) error {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			t.Sweep()
		}
	}
}

// Sweep ticks a snapshot of the live wranglers and removes the ones that
// report eviction. It returns the number removed.
func (t *TrailBoss) Sweep() int {
	removed := 0
	for _, w := range t.dispatcher.Snapshot() {
		evict, err := w.MaintenanceTick()
		if err != nil {
			t.logger.Warn().Err(err).Str("key", w.Key()).Msg("maintenance tick failed")
		}
		if !evict || !t.dispatcher.Remove(w) {
			continue
		}
		removed++
		summary := w.Summary()
		t.dispatcher.env.Metrics.evicted(summary)
		t.logger.Debug().
			Str("key", summary.TransactionKey).
			Str("direction", string(summary.Direction)).
			Int("percent", summary.PercentDone).
			Bool("complete", summary.Complete).
			Msg("evicted idle transfer")
		if t.onEvict != nil {
			t.onEvict(summary)
		}
	}
	return removed
}
