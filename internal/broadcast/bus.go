package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/weiawesome/meeting-sync/internal/hub"
	"github.com/weiawesome/meeting-sync/internal/metrics"
	pkglog "github.com/weiawesome/meeting-sync/pkg/log"
	"github.com/weiawesome/meeting-sync/pkg/pubsub"
)

// Sender delivers an encoded frame to every member of a group, on every
// instance.
type Sender interface {
	Send(ctx context.Context, group string, message []byte) error
}

// Broadcaster is group membership plus group delivery.
type Broadcaster interface {
	Sender
	Join(group string, c *hub.Client)
	Leave(group string, c *hub.Client)
}

// ControlHandler receives driver coordination events published by other
// instances. Events published by this instance are filtered out.
type ControlHandler func(ctx context.Context, ev *pubsub.Event)

const resubscribeDelay = time.Second

// Bus fans group messages out through a PubSub so members connected to
// other instances receive them too. Frames sent on this instance come back
// through the subscription like everyone else's and are then handed to the
// local hub.
type Bus struct {
	hub        *hub.Hub
	ps         pubsub.PubSub
	instanceID string
	metrics    *metrics.Metrics

	mu      sync.RWMutex
	control ControlHandler

	wg sync.WaitGroup
}

var _ Broadcaster = (*Bus)(nil)

// NewBus creates a bus. m may be nil.
func NewBus(h *hub.Hub, ps pubsub.PubSub, instanceID string, m *metrics.Metrics) *Bus {
	return &Bus{
		hub:        h,
		ps:         ps,
		instanceID: instanceID,
		metrics:    m,
	}
}

// SetControlHandler installs the handler for control events.
func (b *Bus) SetControlHandler(fn ControlHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.control = fn
}

// InstanceID identifies this process on the bus.
func (b *Bus) InstanceID() string {
	return b.instanceID
}

func (b *Bus) Join(group string, c *hub.Client) {
	b.hub.Join(group, c)
}

func (b *Bus) Leave(group string, c *hub.Client) {
	b.hub.Leave(group, c)
}

// Send publishes message for every member of group.
func (b *Bus) Send(ctx context.Context, group string, message []byte) error {
	ev, err := pubsub.NewEvent(pubsub.EventGroupMessage, group, pubsub.GroupMessagePayload{Message: message})
	if err != nil {
		return err
	}
	if err := b.ps.Publish(ctx, pubsub.SyncChannel(group), ev.WithOrigin(b.instanceID)); err != nil {
		b.metrics.BusPublishFailed(pubsub.EventGroupMessage)
		return fmt.Errorf("publish to %s: %w", group, err)
	}
	return nil
}

// SendJSON encodes v and sends it to group.
func (b *Bus) SendJSON(ctx context.Context, group string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Send(ctx, group, data)
}

// PublishControl publishes a coordination event for group.
func (b *Bus) PublishControl(ctx context.Context, group, eventType string, payload interface{}) error {
	ev, err := pubsub.NewEvent(eventType, group, payload)
	if err != nil {
		return err
	}
	if err := b.ps.Publish(ctx, pubsub.ControlChannel(group), ev.WithOrigin(b.instanceID)); err != nil {
		b.metrics.BusPublishFailed(eventType)
		return fmt.Errorf("publish %s to %s: %w", eventType, group, err)
	}
	return nil
}

// Start subscribes to the sync and control patterns and consumes them until
// ctx is done. The subscriptions are in place when Start returns.
func (b *Bus) Start(ctx context.Context) error {
	syncCh, err := b.ps.SubscribePattern(ctx, pubsub.PatternGroupSync)
	if err != nil {
		return fmt.Errorf("subscribe sync: %w", err)
	}
	ctrlCh, err := b.ps.SubscribePattern(ctx, pubsub.PatternGroupControl)
	if err != nil {
		b.ps.Unsubscribe(ctx, pubsub.PatternGroupSync)
		return fmt.Errorf("subscribe control: %w", err)
	}

	b.wg.Add(2)
	go b.consume(ctx, pubsub.PatternGroupSync, syncCh, b.handleSync)
	go b.consume(ctx, pubsub.PatternGroupControl, ctrlCh, b.handleControl)
	return nil
}

// Wait blocks until both consumers returned.
func (b *Bus) Wait() {
	b.wg.Wait()
}

func (b *Bus) consume(ctx context.Context, pattern string, ch <-chan *pubsub.Event, handle func(context.Context, *pubsub.Event)) {
	defer b.wg.Done()
	l := pkglog.Component("bus").With().Str("pattern", pattern).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if ok {
				b.metrics.BusEvent(ev.Type)
				handle(ctx, ev)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			l.Error().Msg("subscription closed, resubscribing")
			ch = b.resubscribe(ctx, pattern)
			if ch == nil {
				return
			}
		}
	}
}

func (b *Bus) resubscribe(ctx context.Context, pattern string) <-chan *pubsub.Event {
	l := pkglog.Component("bus")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(resubscribeDelay):
		}
		ch, err := b.ps.SubscribePattern(ctx, pattern)
		if err == nil {
			l.Info().Str("pattern", pattern).Msg("resubscribed")
			return ch
		}
		l.Error().Err(err).Str("pattern", pattern).Msg("resubscribe failed")
	}
}

func (b *Bus) handleSync(ctx context.Context, ev *pubsub.Event) {
	if ev.Type != pubsub.EventGroupMessage {
		return
	}
	var p pubsub.GroupMessagePayload
	if err := ev.UnmarshalPayload(&p); err != nil {
		l := pkglog.Component("bus")
		l.Warn().Err(err).Str(pkglog.FieldGroup, ev.RoomID).Msg("dropping malformed group message")
		return
	}
	b.hub.BroadcastRaw(ev.RoomID, p.Message)
}

func (b *Bus) handleControl(ctx context.Context, ev *pubsub.Event) {
	if ev.Origin == b.instanceID {
		return
	}
	b.mu.RLock()
	fn := b.control
	b.mu.RUnlock()
	if fn != nil {
		fn(ctx, ev)
	}
}
