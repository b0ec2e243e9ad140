package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/weiawesome/meeting-sync/internal/broadcast"
	"github.com/weiawesome/meeting-sync/internal/config"
	"github.com/weiawesome/meeting-sync/internal/domain"
	"github.com/weiawesome/meeting-sync/internal/driver"
	"github.com/weiawesome/meeting-sync/internal/hub"
	"github.com/weiawesome/meeting-sync/internal/registry"
	"github.com/weiawesome/meeting-sync/internal/store"
	"github.com/weiawesome/meeting-sync/pkg/pubsub"
)

const defaultStateFrame = `{"type":"initial_state","state":{"stopped":true,"current_time":0,"speed":1}}`

type env struct {
	ctx      context.Context
	hub      *hub.Hub
	store    *store.MemoryStore
	registry *registry.Registry
	clock    *clockwork.FakeClock
	svc      SyncService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	h := hub.NewHub(config.WebSocketConfig{SendBuffer: 64}, nil)
	go h.Run()

	ps := pubsub.NewMemoryPubSub()
	st := store.NewMemoryStore()
	bus := broadcast.NewBus(h, ps, "inst-a", nil)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := registry.New(ctx, driver.New(st, bus, clock, driver.DefaultPeriod, nil), clock, nil)

	svc := NewSyncService(h, st, bus, reg, nil)
	bus.SetControlHandler(svc.HandleControl)
	if err := bus.Start(ctx); err != nil {
		t.Fatalf("bus.Start: %v", err)
	}

	t.Cleanup(func() {
		reg.StopAll()
		cancel()
		bus.Wait()
		ps.Close()
		h.Stop()
	})
	return &env{ctx: ctx, hub: h, store: st, registry: reg, clock: clock, svc: svc}
}

func (e *env) client(t *testing.T, id, roomName string) *hub.Client {
	t.Helper()
	room, err := domain.NewRoom(roomName)
	if err != nil {
		t.Fatalf("NewRoom: %v", err)
	}
	c := hub.NewClient(id, e.hub, nil, domain.NewSession(id, room, domain.AnonymousIdentity()))
	e.hub.Register(c)
	return c
}

func (e *env) connect(t *testing.T, id, roomName string) *hub.Client {
	t.Helper()
	c := e.client(t, id, roomName)
	if err := e.svc.HandleConnect(e.ctx, c); err != nil {
		t.Fatalf("HandleConnect(%s): %v", id, err)
	}
	expect(t, c, defaultStateFrame)
	return c
}

func expect(t *testing.T, c *hub.Client, want string) {
	t.Helper()
	select {
	case got := <-c.Send:
		if string(got) != want {
			t.Errorf("%s got %s, want %s", c.ID, got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: no frame, want %s", c.ID, want)
	}
}

func expectNothing(t *testing.T, c *hub.Client) {
	t.Helper()
	select {
	case got := <-c.Send:
		t.Errorf("%s got unexpected frame %s", c.ID, got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectSendsDefaultStateToNewRoom(t *testing.T) {
	e := newEnv(t)
	first := e.connect(t, "c1", "room1")

	n, err := e.store.GetPresence(e.ctx, "room1")
	if err != nil || n != 1 {
		t.Fatalf("presence = %d, %v; want 1", n, err)
	}
	if _, ok := e.store.Raw("video_state:meeting_room1"); !ok {
		t.Error("connect did not initialise the stored state")
	}

	// The second client only gets its own initial_state.
	e.connect(t, "c2", "room1")
	expectNothing(t, first)
}

func TestConnectsAndDisconnectsRestorePresence(t *testing.T) {
	e := newEnv(t)
	const k = 8

	clients := make([]*hub.Client, k)
	var wg sync.WaitGroup
	for i := range clients {
		clients[i] = e.client(t, fmt.Sprintf("c%d", i), "room1")
		wg.Add(1)
		go func(c *hub.Client) {
			defer wg.Done()
			if err := e.svc.HandleConnect(e.ctx, c); err != nil {
				t.Errorf("HandleConnect: %v", err)
			}
		}(clients[i])
	}
	wg.Wait()

	if n, _ := e.store.GetPresence(e.ctx, "room1"); n != k {
		t.Fatalf("presence = %d, want %d", n, k)
	}

	e.svc.HandleMessage(e.ctx, clients[0], []byte(`{"type":"start_meeting"}`))
	if e.registry.Current("meeting_room1") == nil {
		t.Fatal("start_meeting did not start a driver")
	}

	for i := range clients {
		wg.Add(1)
		go func(c *hub.Client) {
			defer wg.Done()
			if err := e.svc.HandleDisconnect(e.ctx, c); err != nil {
				t.Errorf("HandleDisconnect: %v", err)
			}
		}(clients[i])
	}
	wg.Wait()

	if n, _ := e.store.GetPresence(e.ctx, "room1"); n != 0 {
		t.Errorf("presence = %d, want 0", n)
	}
	if e.registry.Len() != 0 {
		t.Errorf("registry holds %d drivers after the room emptied", e.registry.Len())
	}
}

func TestDisconnectWithoutIncrementDoesNotDecrement(t *testing.T) {
	e := newEnv(t)
	c := e.client(t, "c1", "room1")

	if err := e.svc.HandleDisconnect(e.ctx, c); err != nil {
		t.Fatalf("HandleDisconnect: %v", err)
	}
	if n, _ := e.store.GetPresence(e.ctx, "room1"); n != 0 {
		t.Errorf("presence = %d, want 0", n)
	}
}

func TestDisconnectTwiceDecrementsOnce(t *testing.T) {
	e := newEnv(t)
	e.connect(t, "c1", "room1")
	c := e.connect(t, "c2", "room1")

	e.svc.HandleDisconnect(e.ctx, c)
	e.svc.HandleDisconnect(e.ctx, c)

	if n, _ := e.store.GetPresence(e.ctx, "room1"); n != 1 {
		t.Errorf("presence = %d, want 1", n)
	}
}

func TestStartMeetingBroadcastsToRoom(t *testing.T) {
	e := newEnv(t)
	a := e.connect(t, "a", "room1")
	b := e.connect(t, "b", "room1")
	other := e.connect(t, "other", "room2")

	e.svc.HandleMessage(e.ctx, a, []byte(`{"type":"start_meeting"}`))

	want := `{"type":"meeting_started","started":true}`
	expect(t, a, want)
	expect(t, b, want)
	expectNothing(t, other)

	first := e.registry.Current("meeting_room1")
	e.svc.HandleMessage(e.ctx, b, []byte(`{"type":"start_meeting"}`))
	second := e.registry.Current("meeting_room1")
	if second == nil || second == first {
		t.Fatal("restart did not replace the driver")
	}
	select {
	case <-first.Done():
	default:
		t.Error("previous driver still running after restart")
	}
}

func TestUpdateStateMergesPresentFields(t *testing.T) {
	e := newEnv(t)
	c := e.connect(t, "c1", "room1")
	if err := e.store.SetState(e.ctx, "room1", domain.PlaybackState{Stopped: false, CurrentTime: 10, Speed: 2}); err != nil {
		t.Fatal(err)
	}

	frame := `{"type":"update_state","current_time":42}`
	e.svc.HandleMessage(e.ctx, c, []byte(frame))

	got, err := e.store.GetState(e.ctx, "room1")
	if err != nil {
		t.Fatal(err)
	}
	want := domain.PlaybackState{Stopped: false, CurrentTime: 42, Speed: 2}
	if got != want {
		t.Errorf("state = %+v, want %+v", got, want)
	}
	expect(t, c, frame)
}

type countingStore struct {
	*store.MemoryStore
	mu   sync.Mutex
	sets int
}

func (c *countingStore) SetState(ctx context.Context, room string, state domain.PlaybackState) error {
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
	return c.MemoryStore.SetState(ctx, room, state)
}

func (c *countingStore) setCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}

func TestUpdateStateWithoutFieldsSkipsWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := hub.NewHub(config.WebSocketConfig{SendBuffer: 64}, nil)
	go h.Run()
	defer h.Stop()
	ps := pubsub.NewMemoryPubSub()
	defer ps.Close()
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	bus := broadcast.NewBus(h, ps, "inst-a", nil)
	clock := clockwork.NewFakeClock()
	reg := registry.New(ctx, driver.New(st, bus, clock, driver.DefaultPeriod, nil), clock, nil)
	defer reg.StopAll()
	svc := NewSyncService(h, st, bus, reg, nil)
	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}

	room, _ := domain.NewRoom("room1")
	c := hub.NewClient("c1", h, nil, domain.NewSession("c1", room, domain.AnonymousIdentity()))
	h.Register(c)
	if err := svc.HandleConnect(ctx, c); err != nil {
		t.Fatal(err)
	}
	expect(t, c, defaultStateFrame)
	before := st.setCount()

	frame := `{"type":"update_state","note":"nothing to merge"}`
	svc.HandleMessage(ctx, c, []byte(frame))
	expect(t, c, frame)

	if got := st.setCount(); got != before {
		t.Errorf("SetState called %d times for an empty update", got-before)
	}
}

func TestUpdateStateWithWrongTypesIsDropped(t *testing.T) {
	e := newEnv(t)
	c := e.connect(t, "c1", "room1")

	e.svc.HandleMessage(e.ctx, c, []byte(`{"type":"update_state","speed":"fast"}`))

	got, _ := e.store.GetState(e.ctx, "room1")
	if got != domain.DefaultState() {
		t.Errorf("state = %+v, want default", got)
	}
	expectNothing(t, c)
}

func TestUnknownTypeRelayedVerbatim(t *testing.T) {
	e := newEnv(t)
	a := e.connect(t, "a", "room1")
	b := e.connect(t, "b", "room1")

	frames := []string{
		`{"type":"cursor_move","x":1,"y":2}`,
		`{"x":1,  "note":"no type"}`,
		`{"type":7}`,
	}
	for _, f := range frames {
		e.svc.HandleMessage(e.ctx, a, []byte(f))
		expect(t, a, f)
		expect(t, b, f)
	}
}

func TestMalformedInputDropped(t *testing.T) {
	e := newEnv(t)
	a := e.connect(t, "a", "room1")
	b := e.connect(t, "b", "room1")

	for _, f := range []string{`not json`, `[1,2]`, `"start_meeting"`, `null`} {
		e.svc.HandleMessage(e.ctx, a, []byte(f))
	}
	expectNothing(t, a)
	expectNothing(t, b)
	if e.registry.Len() != 0 {
		t.Error("malformed input started a driver")
	}
}

func controlEvent(t *testing.T, eventType, group, origin string, payload interface{}) *pubsub.Event {
	t.Helper()
	ev, err := pubsub.NewEvent(eventType, group, payload)
	if err != nil {
		t.Fatal(err)
	}
	return ev.WithOrigin(origin)
}

func TestRemoteDriverStartedStopsOlderLocalDriver(t *testing.T) {
	e := newEnv(t)
	c := e.connect(t, "c1", "room1")
	e.svc.HandleMessage(e.ctx, c, []byte(`{"type":"start_meeting"}`))
	local := e.registry.Current("meeting_room1")
	if local == nil {
		t.Fatal("no local driver")
	}

	older := pubsub.DriverStartedPayload{DriverID: "remote-1", StartedAt: local.StartedAt.Add(-time.Second)}
	e.svc.HandleControl(e.ctx, controlEvent(t, pubsub.EventDriverStarted, "meeting_room1", "inst-b", older))
	if e.registry.Current("meeting_room1") != local {
		t.Fatal("older remote driver stopped the local one")
	}

	tie := pubsub.DriverStartedPayload{DriverID: "remote-2", StartedAt: local.StartedAt}
	e.svc.HandleControl(e.ctx, controlEvent(t, pubsub.EventDriverStarted, "meeting_room1", "inst-0", tie))
	if e.registry.Current("meeting_room1") != local {
		t.Fatal("tie with a lower instance ID stopped the local driver")
	}

	newer := pubsub.DriverStartedPayload{DriverID: "remote-3", StartedAt: local.StartedAt.Add(time.Second)}
	e.svc.HandleControl(e.ctx, controlEvent(t, pubsub.EventDriverStarted, "meeting_room1", "inst-b", newer))
	if e.registry.Current("meeting_room1") != nil {
		t.Fatal("newer remote driver did not stop the local one")
	}
}

func TestRoomEmptyRechecksPresence(t *testing.T) {
	e := newEnv(t)
	c := e.connect(t, "c1", "room1")
	e.svc.HandleMessage(e.ctx, c, []byte(`{"type":"start_meeting"}`))

	ev := controlEvent(t, pubsub.EventRoomEmpty, "meeting_room1", "inst-b", pubsub.RoomEmptyPayload{})
	e.svc.HandleControl(e.ctx, ev)
	if e.registry.Current("meeting_room1") == nil {
		t.Fatal("room_empty stopped the driver of a populated room")
	}

	if _, err := e.store.DecrPresence(e.ctx, "room1"); err != nil {
		t.Fatal(err)
	}
	e.svc.HandleControl(e.ctx, ev)
	if e.registry.Current("meeting_room1") != nil {
		t.Fatal("room_empty did not stop the driver")
	}
}

func TestGetRoomInfo(t *testing.T) {
	e := newEnv(t)
	room, _ := domain.NewRoom("room1")

	info, err := e.svc.GetRoomInfo(e.ctx, room)
	if err != nil {
		t.Fatalf("GetRoomInfo: %v", err)
	}
	if info.ClientCount != 0 || info.DriverRunning || info.State != domain.DefaultState() {
		t.Errorf("unexpected info for untouched room: %+v", info)
	}
	if _, ok := e.store.Raw("video_state:meeting_room1"); ok {
		t.Error("reading room info created state")
	}

	c := e.connect(t, "c1", "room1")
	e.svc.HandleMessage(e.ctx, c, []byte(`{"type":"start_meeting"}`))

	info, err = e.svc.GetRoomInfo(e.ctx, room)
	if err != nil {
		t.Fatalf("GetRoomInfo: %v", err)
	}
	if info.ClientCount != 1 || info.LocalClients != 1 {
		t.Errorf("counts = %d/%d, want 1/1", info.ClientCount, info.LocalClients)
	}
	if !info.DriverRunning || info.DriverStartedAt == nil || !info.DriverStartedAt.Equal(e.clock.Now()) {
		t.Errorf("driver status = %v %v", info.DriverRunning, info.DriverStartedAt)
	}
	if info.InstanceID != "inst-a" {
		t.Errorf("InstanceID = %q", info.InstanceID)
	}

	st, err := e.svc.GetState(e.ctx, room)
	if err != nil || st != domain.DefaultState() {
		t.Errorf("GetState = %+v, %v", st, err)
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	if err := e.svc.Health(e.ctx); err != nil {
		t.Errorf("Health: %v", err)
	}
}
