package hub

import (
	"sync"
	"time"

	"github.com/weiawesome/meeting-sync/internal/config"
	"github.com/weiawesome/meeting-sync/internal/metrics"
	pkglog "github.com/weiawesome/meeting-sync/pkg/log"
)

// Hub manages the websocket clients connected to this instance and the
// broadcast groups they belong to.
type Hub struct {
	clients    map[string]*Client
	groups     map[string]map[string]*Client // group -> clientID -> client
	register   chan *Client
	unregister chan *Client
	broadcast  chan *GroupMessage
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	config     config.WebSocketConfig
	metrics    *metrics.Metrics
}

// GroupMessage is an encoded frame to be delivered to every member of a group.
type GroupMessage struct {
	Group   string
	Message []byte
}

// NewHub creates a new Hub. m may be nil.
func NewHub(cfg config.WebSocketConfig, m *metrics.Metrics) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	return &Hub{
		clients:    make(map[string]*Client),
		groups:     make(map[string]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *GroupMessage, 256),
		done:       make(chan struct{}),
		config:     cfg,
		metrics:    m,
	}
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	l := pkglog.Component("hub")
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			l.Debug().Str(pkglog.FieldClientID, client.ID).Msg("client registered")

		case client := <-h.unregister:
			h.drop(client)
			l.Debug().Str(pkglog.FieldClientID, client.ID).Msg("client unregistered")

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				client.closeSend()
				delete(h.clients, id)
			}
			h.groups = make(map[string]map[string]*Client)
			h.mu.Unlock()
			return
		}
	}
}

// Stop ends Run and closes every client's send channel, which makes the
// write pumps close their connections.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) deliver(msg *GroupMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.groups[msg.Group] {
		if client.trySend(msg.Message) {
			continue
		}
		// Slow or gone recipient: drop it, the others still get the frame.
		h.metrics.SendFailed()
		l := pkglog.Component("hub")
		l.Warn().
			Str(pkglog.FieldClientID, client.ID).
			Str(pkglog.FieldGroup, msg.Group).
			Msg("send buffer full, dropping client")
		go h.removeClient(client)
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	for group, members := range h.groups {
		delete(members, client.ID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	delete(h.clients, client.ID)
	client.closeSend()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.closeSend()
	}
}

// Unregister removes a client from the hub and from all its groups.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) removeClient(client *Client) {
	h.Unregister(client)
}

// Join adds a client to a group.
func (h *Hub) Join(group string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.groups[group]; !ok {
		h.groups[group] = make(map[string]*Client)
	}
	h.groups[group][client.ID] = client
}

// Leave removes a client from a group.
func (h *Hub) Leave(group string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.groups[group]; ok {
		delete(members, client.ID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
}

// BroadcastRaw queues an encoded frame for every local member of group.
func (h *Hub) BroadcastRaw(group string, message []byte) {
	select {
	case h.broadcast <- &GroupMessage{Group: group, Message: message}:
	case <-h.done:
	}
}

// GroupSize returns the number of local members of group.
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
