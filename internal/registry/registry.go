package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/weiawesome/meeting-sync/internal/domain"
	"github.com/weiawesome/meeting-sync/internal/metrics"
	pkglog "github.com/weiawesome/meeting-sync/pkg/log"
)

// ErrClosed is returned by StartOrRestart after StopAll.
var ErrClosed = errors.New("registry closed")

// Runner runs one room's driver loop until ctx is cancelled.
type Runner interface {
	Run(ctx context.Context, room domain.Room) error
}

// Handle is a running driver. It is cancelled and then awaited before it
// leaves the registry.
type Handle struct {
	ID        string
	Room      domain.Room
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed once the driver loop returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) stop() {
	h.cancel()
	<-h.done
}

// keyLock is a refcounted per-group mutex, removed once nobody holds or
// waits for it.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Registry maps broadcast groups to their driver on this process. Operations
// on one group are serialised; different groups never wait on each other.
type Registry struct {
	runner  Runner
	clock   clockwork.Clock
	metrics *metrics.Metrics

	base       context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	handles map[string]*Handle
	locks   map[string]*keyLock
	closed  bool

	wg sync.WaitGroup
}

// New creates a registry whose drivers run with runner. Driver contexts
// derive from ctx, so cancelling it stops every driver. clock and m may be nil.
func New(ctx context.Context, runner Runner, clock clockwork.Clock, m *metrics.Metrics) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	base, cancel := context.WithCancel(ctx)
	return &Registry{
		runner:     runner,
		clock:      clock,
		metrics:    m,
		base:       base,
		baseCancel: cancel,
		handles:    make(map[string]*Handle),
		locks:      make(map[string]*keyLock),
	}
}

func (r *Registry) lock(group string) func() {
	r.mu.Lock()
	kl, ok := r.locks[group]
	if !ok {
		kl = &keyLock{}
		r.locks[group] = kl
	}
	kl.refs++
	r.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		r.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(r.locks, group)
		}
		r.mu.Unlock()
	}
}

// StartOrRestart stops the room's current driver, waits for it, then starts
// and registers a fresh one.
func (r *Registry) StartOrRestart(room domain.Room) (*Handle, error) {
	unlock := r.lock(room.Group)
	defer unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	old := r.handles[room.Group]
	r.mu.Unlock()

	if old != nil {
		old.stop()
	}

	h := r.spawn(room)

	r.mu.Lock()
	r.handles[room.Group] = h
	r.mu.Unlock()

	return h, nil
}

func (r *Registry) spawn(room domain.Room) *Handle {
	ctx, cancel := context.WithCancel(pkglog.WithRoom(r.base, room.Name, room.Group))
	h := &Handle{
		ID:        uuid.NewString(),
		Room:      room,
		StartedAt: r.clock.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	r.wg.Add(1)
	r.metrics.DriverStarted()
	go func() {
		defer r.wg.Done()
		defer close(h.done)
		defer r.metrics.DriverStopped()

		if err := r.runner.Run(ctx, room); err != nil && !errors.Is(err, context.Canceled) {
			l := pkglog.Ctx(ctx)
			l.Error().Err(err).Str(pkglog.FieldDriverID, h.ID).Msg("driver exited")
		}
	}()
	return h
}

// Current returns the group's live driver, or nil.
func (r *Registry) Current(group string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[group]
	if h == nil || h.finished() {
		return nil
	}
	return h
}

// Stop cancels and awaits observed if it is still the group's registered
// driver. A nil observed, or one that has since been replaced, makes Stop a
// no-op. It reports whether a driver was stopped.
func (r *Registry) Stop(group string, observed *Handle) bool {
	if observed == nil {
		return false
	}

	unlock := r.lock(group)
	defer unlock()

	r.mu.Lock()
	cur := r.handles[group]
	r.mu.Unlock()
	if cur != observed {
		return false
	}

	cur.stop()

	r.mu.Lock()
	if r.handles[group] == cur {
		delete(r.handles, group)
	}
	r.mu.Unlock()
	return true
}

// StopAll stops every driver and refuses new ones.
func (r *Registry) StopAll() {
	r.mu.Lock()
	r.closed = true
	groups := make([]string, 0, len(r.handles))
	for g := range r.handles {
		groups = append(groups, g)
	}
	r.mu.Unlock()

	for _, g := range groups {
		unlock := r.lock(g)
		r.mu.Lock()
		h := r.handles[g]
		delete(r.handles, g)
		r.mu.Unlock()
		if h != nil {
			h.stop()
		}
		unlock()
	}

	r.baseCancel()
	r.wg.Wait()
}

// Len returns the number of registered drivers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
