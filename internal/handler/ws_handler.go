package handler

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/meeting-sync/internal/auth"
	"github.com/weiawesome/meeting-sync/internal/domain"
	"github.com/weiawesome/meeting-sync/internal/hub"
	"github.com/weiawesome/meeting-sync/internal/meeting"
	"github.com/weiawesome/meeting-sync/internal/metrics"
	"github.com/weiawesome/meeting-sync/internal/service"
	pkglog "github.com/weiawesome/meeting-sync/pkg/log"
	"github.com/weiawesome/meeting-sync/pkg/response"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSHandler struct {
	hub       *hub.Hub
	service   service.SyncService
	verifier  auth.Verifier
	directory meeting.Directory
	metrics   *metrics.Metrics

	// sessions counts upgraded connections whose disconnect has not run yet.
	sessions sync.WaitGroup
	mu       sync.Mutex
	draining bool
}

// NewWSHandler creates the meeting websocket handler. verifier and directory
// default to anonymous access to every room.
func NewWSHandler(
	h *hub.Hub,
	svc service.SyncService,
	verifier auth.Verifier,
	directory meeting.Directory,
	m *metrics.Metrics,
) *WSHandler {
	if verifier == nil {
		verifier = auth.Anonymous{}
	}
	if directory == nil {
		directory = meeting.AllowAll{}
	}
	return &WSHandler{
		hub:       h,
		service:   svc,
		verifier:  verifier,
		directory: directory,
		metrics:   m,
	}
}

// Drain refuses new sessions and blocks until every open session has run its
// disconnect, or ctx is done. Sockets are closed by stopping the hub first.
func (h *WSHandler) Drain(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *WSHandler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.sessions.Add(1)
	return true
}

func (h *WSHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws/meeting/:room_name", h.HandleWebSocket)
	r.GET("/ws/meeting/:room_name/", h.HandleWebSocket)
}

// HandleWebSocket admits the request, upgrades it and runs the session until
// the socket closes. Rejections happen before the upgrade as plain HTTP errors.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	room, err := domain.NewRoom(c.Param("room_name"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	c.Set(pkglog.FieldRoom, room.Name)

	ctx := c.Request.Context()
	identity, err := h.verifier.Verify(ctx, auth.TokenFromRequest(c.Request))
	if err != nil {
		h.metrics.ConnectFailed()
		response.Unauthorized(c, "invalid or missing token")
		return
	}
	c.Set(pkglog.FieldUserID, identity.UserID)

	allowed, err := h.directory.CanJoin(ctx, room.Name, identity)
	switch {
	case errors.Is(err, meeting.ErrNotFound):
		h.metrics.ConnectFailed()
		response.NotFound(c, "meeting not found")
		return
	case err != nil:
		h.metrics.ConnectFailed()
		l := pkglog.Ctx(ctx)
		l.Error().Err(err).Str(pkglog.FieldRoom, room.Name).Msg("meeting access check failed")
		response.InternalError(c, "access check failed")
		return
	case !allowed:
		h.metrics.ConnectFailed()
		response.Forbidden(c, "no access to this meeting")
		return
	}

	if !h.track() {
		response.ServiceUnavailable(c, "shutting down")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.sessions.Done()
		l := pkglog.L()
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	clientID := uuid.NewString()
	client := hub.NewClient(clientID, h.hub, conn, domain.NewSession(clientID, room, identity))

	// The session outlives the request, so its context starts from Background.
	logger := pkglog.L().With().
		Str(pkglog.FieldClientID, clientID).
		Str(pkglog.FieldUserID, identity.UserID).
		Logger()
	sessCtx := pkglog.WithRoom(pkglog.WithLogger(context.Background(), logger), room.Name, room.Group)

	client.SetDisconnectHandler(func(cl *hub.Client) {
		defer h.sessions.Done()
		if err := h.service.HandleDisconnect(sessCtx, cl); err != nil {
			l := pkglog.Ctx(sessCtx)
			l.Error().Err(err).Msg("disconnect failed")
		}
	})

	h.hub.Register(client)
	go client.WritePump()

	if err := h.service.HandleConnect(sessCtx, client); err != nil {
		h.metrics.ConnectFailed()
		l := pkglog.Ctx(sessCtx)
		l.Error().Err(err).Msg("connect failed, closing connection")
		if err := h.service.HandleDisconnect(sessCtx, client); err != nil {
			l.Error().Err(err).Msg("disconnect failed")
		}
		h.sessions.Done()
		// Closing the send channel makes the write pump send a close frame.
		h.hub.Unregister(client)
		return
	}

	go client.ReadPump(func(cl *hub.Client, message []byte) {
		h.service.HandleMessage(sessCtx, cl, message)
	})
}
