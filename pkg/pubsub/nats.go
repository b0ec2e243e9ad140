package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	pkglog "github.com/weiawesome/meeting-sync/pkg/log"
)

// channelToSubject maps a channel or pattern onto a NATS subject.
// The ':' separator becomes '.', and '*' already is the single-token wildcard.
//
//	"meeting:room:meeting_a:sync" → "meeting.room.meeting_a.sync"
//	"meeting:room:*:sync"         → "meeting.room.*.sync"
func channelToSubject(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

type natsSubscription struct {
	sub  *nats.Subscription
	stop chan struct{}
	once sync.Once
}

func (s *natsSubscription) close() {
	s.once.Do(func() {
		s.sub.Unsubscribe()
		close(s.stop)
	})
}

// NATSPubSub implements PubSub over core NATS subjects.
type NATSPubSub struct {
	nc            *nats.Conn
	subscriptions map[string]*natsSubscription
	mu            sync.Mutex
}

// NewNATSPubSub connects to NATS and returns a PubSub over it.
func NewNATSPubSub(cfg NATSConfig) (*NATSPubSub, error) {
	l := pkglog.Component("pubsub.nats")

	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			l.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			l.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return NewNATSPubSubFromConn(nc), nil
}

// NewNATSPubSubFromConn wraps an established connection.
func NewNATSPubSubFromConn(nc *nats.Conn) *NATSPubSub {
	return &NATSPubSub{
		nc:            nc,
		subscriptions: make(map[string]*natsSubscription),
	}
}

// Publish publishes an event on the channel's subject.
func (n *NATSPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := n.nc.Publish(channelToSubject(channel), data); err != nil {
		return fmt.Errorf("publish to NATS: %w", err)
	}
	return nil
}

// Subscribe subscribes to a specific channel.
func (n *NATSPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return n.subscribe(ctx, channel)
}

// SubscribePattern subscribes to a '*' pattern. Subject wildcards cover it.
func (n *NATSPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	return n.subscribe(ctx, pattern)
}

func (n *NATSPubSub) subscribe(ctx context.Context, key string) (<-chan *Event, error) {
	msgCh := make(chan *nats.Msg, subscriptionBuffer)
	sub, err := n.nc.ChanSubscribe(channelToSubject(key), msgCh)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	// Make sure the server registered the interest before returning.
	if err := n.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription %s: %w", key, err)
	}

	s := &natsSubscription{sub: sub, stop: make(chan struct{})}

	n.mu.Lock()
	if existing, ok := n.subscriptions[key]; ok {
		existing.close()
	}
	n.subscriptions[key] = s
	n.mu.Unlock()

	eventCh := make(chan *Event, subscriptionBuffer)
	go n.processMessages(ctx, s, msgCh, eventCh)

	return eventCh, nil
}

func (n *NATSPubSub) processMessages(ctx context.Context, s *natsSubscription, msgCh <-chan *nats.Msg, eventCh chan<- *Event) {
	defer close(eventCh)

	l := pkglog.Component("pubsub.nats")

	for {
		select {
		case <-ctx.Done():
			s.close()
			return
		case <-s.stop:
			return
		case msg := <-msgCh:
			var event Event
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				l.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable event")
				continue
			}

			select {
			case eventCh <- &event:
			case <-ctx.Done():
				s.close()
				return
			default:
				l.Warn().Str("subject", msg.Subject).Str("type", event.Type).Msg("subscriber buffer full, event dropped")
			}
		}
	}
}

// Unsubscribe removes a channel or pattern subscription.
func (n *NATSPubSub) Unsubscribe(ctx context.Context, channel string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if s, ok := n.subscriptions[channel]; ok {
		s.close()
		delete(n.subscriptions, channel)
	}
	return nil
}

// Close drops every subscription and drains the connection.
func (n *NATSPubSub) Close() error {
	n.mu.Lock()
	for key, s := range n.subscriptions {
		s.close()
		delete(n.subscriptions, key)
	}
	n.mu.Unlock()

	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
