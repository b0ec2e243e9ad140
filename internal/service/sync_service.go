package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/meeting-sync/internal/domain"
	"github.com/weiawesome/meeting-sync/internal/hub"
	"github.com/weiawesome/meeting-sync/internal/metrics"
	"github.com/weiawesome/meeting-sync/internal/registry"
	"github.com/weiawesome/meeting-sync/internal/store"
	pkglog "github.com/weiawesome/meeting-sync/pkg/log"
	"github.com/weiawesome/meeting-sync/pkg/pubsub"
)

type syncService struct {
	hub      *hub.Hub
	store    store.StateStore
	fanout   Fanout
	registry *registry.Registry
	metrics  *metrics.Metrics
	reads    singleflight.Group
}

// NewSyncService creates a new SyncService instance. m may be nil.
func NewSyncService(
	h *hub.Hub,
	st store.StateStore,
	fanout Fanout,
	reg *registry.Registry,
	m *metrics.Metrics,
) SyncService {
	return &syncService{
		hub:      h,
		store:    st,
		fanout:   fanout,
		registry: reg,
		metrics:  m,
	}
}

func (s *syncService) HandleConnect(ctx context.Context, c *hub.Client) error {
	room := c.Session.Room
	l := pkglog.Ctx(ctx)

	s.fanout.Join(room.Group, c)
	s.metrics.SessionOpened()

	count, err := s.store.IncrPresence(ctx, room.Name)
	if err != nil {
		return fmt.Errorf("increment presence: %w", err)
	}
	c.Session.MarkCounted()

	state, err := store.LoadState(ctx, s.store, room.Name)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	if err := c.SendMessage(domain.NewInitialStateMessage(state)); err != nil {
		s.metrics.SendFailed()
		l.Warn().Err(err).Msg("failed to send initial state")
	}

	l.Info().Int64("client_count", count).Msg("client connected")
	return nil
}

func (s *syncService) HandleMessage(ctx context.Context, c *hub.Client, raw []byte) {
	room := c.Session.Room
	l := pkglog.Ctx(ctx)

	msg, err := domain.ParseInbound(raw)
	if err != nil {
		s.metrics.Dropped("invalid_json")
		l.Warn().Err(err).Int("size", len(raw)).Msg("dropping malformed message")
		return
	}

	switch msg.Type {
	case domain.MsgTypeStartMeeting:
		s.metrics.Inbound(msg.Type)
		s.startMeeting(ctx, room)

	case domain.MsgTypeUpdateState:
		s.metrics.Inbound(msg.Type)
		if err := s.updateState(ctx, room, msg); err != nil {
			l.Warn().Err(err).Msg("update_state failed")
			return
		}
		// Peers see the seek right away instead of at the next tick.
		s.relay(ctx, room, msg)

	default:
		s.metrics.Inbound("relay")
		s.relay(ctx, room, msg)
	}
}

func (s *syncService) startMeeting(ctx context.Context, room domain.Room) {
	l := pkglog.Ctx(ctx)

	h, err := s.registry.StartOrRestart(room)
	if err != nil {
		l.Error().Err(err).Msg("failed to start driver")
		return
	}
	l.Info().Str(pkglog.FieldDriverID, h.ID).Msg("meeting started")

	payload := pubsub.DriverStartedPayload{DriverID: h.ID, StartedAt: h.StartedAt}
	if err := s.fanout.PublishControl(ctx, room.Group, pubsub.EventDriverStarted, payload); err != nil {
		l.Warn().Err(err).Msg("failed to announce driver")
	}

	data, err := json.Marshal(domain.NewMeetingStartedMessage())
	if err != nil {
		return
	}
	if err := s.fanout.Send(ctx, room.Group, data); err != nil {
		l.Warn().Err(err).Msg("failed to broadcast meeting_started")
	}
}

func (s *syncService) updateState(ctx context.Context, room domain.Room, msg *domain.InboundMessage) error {
	update, err := msg.StateUpdate()
	if err != nil {
		s.metrics.Dropped("invalid_update")
		return fmt.Errorf("decode update: %w", err)
	}
	if update.Empty() {
		return nil
	}

	// Plain read-modify-write: a driver tick landing in between may be lost.
	current, err := store.LoadState(ctx, s.store, room.Name)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if err := s.store.SetState(ctx, room.Name, current.Merge(update)); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *syncService) relay(ctx context.Context, room domain.Room, msg *domain.InboundMessage) {
	if err := s.fanout.Send(ctx, room.Group, msg.Raw); err != nil {
		l := pkglog.Ctx(ctx)
		l.Warn().Err(err).Str(pkglog.FieldMsgType, msg.Type).Msg("failed to relay message")
		return
	}
	s.metrics.RelayedMessage()
}

func (s *syncService) HandleDisconnect(ctx context.Context, c *hub.Client) error {
	room := c.Session.Room
	l := pkglog.Ctx(ctx)

	s.fanout.Leave(room.Group, c)
	s.metrics.SessionClosed()

	if !c.Session.TakeCounted() {
		return nil
	}

	// Captured before the decrement so that a driver started after this
	// point is never the one we stop.
	observed := s.registry.Current(room.Group)

	count, err := s.store.DecrPresence(ctx, room.Name)
	if err != nil {
		return fmt.Errorf("decrement presence: %w", err)
	}
	l.Info().Int64("client_count", count).Msg("client disconnected")
	if count > 0 {
		return nil
	}

	if s.registry.Stop(room.Group, observed) {
		l.Info().Str(pkglog.FieldDriverID, observed.ID).Msg("room empty, driver stopped")
	}
	if err := s.fanout.PublishControl(ctx, room.Group, pubsub.EventRoomEmpty, pubsub.RoomEmptyPayload{Count: count}); err != nil {
		l.Warn().Err(err).Msg("failed to announce empty room")
	}
	return nil
}

func (s *syncService) HandleControl(ctx context.Context, ev *pubsub.Event) {
	room, err := domain.RoomFromGroup(ev.RoomID)
	if err != nil {
		return
	}
	l := pkglog.Ctx(pkglog.WithRoom(ctx, room.Name, room.Group)).With().
		Str("origin", ev.Origin).Str("event", ev.Type).Logger()

	cur := s.registry.Current(room.Group)
	if cur == nil {
		return
	}

	switch ev.Type {
	case pubsub.EventDriverStarted:
		var p pubsub.DriverStartedPayload
		if err := ev.UnmarshalPayload(&p); err != nil {
			l.Warn().Err(err).Msg("malformed driver_started")
			return
		}
		if !s.remoteWins(p, ev.Origin, cur) {
			return
		}
		if s.registry.Stop(room.Group, cur) {
			l.Info().Str(pkglog.FieldDriverID, cur.ID).Str("remote_driver_id", p.DriverID).
				Msg("newer driver started elsewhere, local driver stopped")
		}

	case pubsub.EventRoomEmpty:
		// A late event must not stop a driver of a room that filled up again.
		count, err := s.store.GetPresence(ctx, room.Name)
		if err != nil {
			l.Warn().Err(err).Msg("presence re-check failed")
			return
		}
		if count > 0 {
			return
		}
		if s.registry.Stop(room.Group, cur) {
			l.Info().Str(pkglog.FieldDriverID, cur.ID).Msg("room empty elsewhere, driver stopped")
		}
	}
}

// remoteWins decides which of two drivers for the same room survives: the
// most recently started, ties broken by instance ID.
func (s *syncService) remoteWins(p pubsub.DriverStartedPayload, origin string, local *registry.Handle) bool {
	if p.StartedAt.Equal(local.StartedAt) {
		return origin > s.fanout.InstanceID()
	}
	return p.StartedAt.After(local.StartedAt)
}

func (s *syncService) GetRoomInfo(ctx context.Context, room domain.Room) (*domain.RoomInfo, error) {
	v, err, _ := s.reads.Do("info:"+room.Name, func() (interface{}, error) {
		info := &domain.RoomInfo{
			Room:         room.Name,
			Group:        room.Group,
			LocalClients: s.hub.GroupSize(room.Group),
			InstanceID:   s.fanout.InstanceID(),
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			n, err := s.store.GetPresence(gctx, room.Name)
			if err != nil {
				return err
			}
			info.ClientCount = n
			return nil
		})
		g.Go(func() error {
			st, err := s.readState(gctx, room)
			if err != nil {
				return err
			}
			info.State = st
			return nil
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}

		if h := s.registry.Current(room.Group); h != nil {
			started := h.StartedAt
			info.DriverRunning = true
			info.DriverStartedAt = &started
		}
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.RoomInfo), nil
}

func (s *syncService) GetState(ctx context.Context, room domain.Room) (domain.PlaybackState, error) {
	v, err, _ := s.reads.Do("state:"+room.Name, func() (interface{}, error) {
		return s.readState(ctx, room)
	})
	if err != nil {
		return domain.PlaybackState{}, err
	}
	return v.(domain.PlaybackState), nil
}

// readState reports an untouched room as the default state without storing it.
func (s *syncService) readState(ctx context.Context, room domain.Room) (domain.PlaybackState, error) {
	st, err := s.store.GetState(ctx, room.Name)
	if errors.Is(err, store.ErrNotFound) {
		return domain.DefaultState(), nil
	}
	return st, err
}

func (s *syncService) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}
