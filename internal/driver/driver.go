package driver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/weiawesome/meeting-sync/internal/broadcast"
	"github.com/weiawesome/meeting-sync/internal/domain"
	"github.com/weiawesome/meeting-sync/internal/metrics"
	"github.com/weiawesome/meeting-sync/internal/store"
	pkglog "github.com/weiawesome/meeting-sync/pkg/log"
)

// DefaultPeriod is the nominal tick interval.
const DefaultPeriod = 250 * time.Millisecond

// Clock is the subset of clockwork.Clock the driver needs.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) clockwork.Timer
}

// Driver advances a room's playback clock and broadcasts it every period.
// One Driver value serves any number of rooms; each Run call is one loop.
type Driver struct {
	store   store.StateStore
	sender  broadcast.Sender
	clock   Clock
	period  time.Duration
	metrics *metrics.Metrics
}

// New creates a driver. clock and m may be nil.
func New(st store.StateStore, sender broadcast.Sender, clock Clock, period time.Duration, m *metrics.Metrics) *Driver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Driver{
		store:   st,
		sender:  sender,
		clock:   clock,
		period:  period,
		metrics: m,
	}
}

// Period returns the nominal tick interval.
func (d *Driver) Period() time.Duration {
	return d.period
}

// Run ticks until ctx is cancelled. Cancellation is the normal way out and
// is reported as a nil error. Each tick sleeps first, so a loop cancelled
// during its sleep never touches the store.
func (d *Driver) Run(ctx context.Context, room domain.Room) error {
	l := pkglog.Ctx(ctx).With().Str(pkglog.FieldRoom, room.Name).Logger()
	l.Debug().Dur("period", d.period).Msg("driver started")

	timer := d.clock.NewTimer(d.period)
	defer stopAndDrainTimer(timer)

	for {
		select {
		case <-ctx.Done():
			l.Debug().Msg("driver stopped")
			return nil
		case <-timer.Chan():
		}

		if err := d.Tick(ctx, room); err != nil {
			l.Warn().Err(err).Msg("tick failed")
		}
		timer.Reset(d.period)
	}
}

// Tick performs one iteration: read, advance when running, write back,
// broadcast sync_update. Nothing is written or sent once ctx is done.
func (d *Driver) Tick(ctx context.Context, room domain.Room) error {
	if ctx.Err() != nil {
		return nil
	}
	start := d.clock.Now()

	state, err := store.LoadState(ctx, d.store, room.Name)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		d.metrics.TickFailed("read")
		return err
	}

	if !state.Stopped {
		next := state.Advance(d.period)
		if ctx.Err() != nil {
			return nil
		}
		if err := d.store.SetState(ctx, room.Name, next); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.metrics.TickFailed("write")
			return err
		}
		state = next
	}

	if ctx.Err() != nil {
		return nil
	}

	data, err := json.Marshal(domain.NewSyncUpdateMessage(state, d.clock.Now()))
	if err != nil {
		return err
	}
	if err := d.sender.Send(ctx, room.Group, data); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		d.metrics.TickFailed("broadcast")
		return err
	}

	d.metrics.TickDone(d.clock.Now().Sub(start))
	return nil
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
