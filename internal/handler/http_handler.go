package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/weiawesome/meeting-sync/internal/domain"
	"github.com/weiawesome/meeting-sync/internal/metrics"
	"github.com/weiawesome/meeting-sync/internal/service"
	pkglog "github.com/weiawesome/meeting-sync/pkg/log"
	"github.com/weiawesome/meeting-sync/pkg/response"
)

const version = "1.0.0"

// HTTPHandler serves the room inspection API and health checks.
type HTTPHandler struct {
	service service.SyncService
	metrics *metrics.Metrics
}

// NewHTTPHandler creates a new HTTP handler. m may be nil, in which case no
// metrics route is registered.
func NewHTTPHandler(svc service.SyncService, m *metrics.Metrics) *HTTPHandler {
	return &HTTPHandler{service: svc, metrics: m}
}

// RegisterRoutes registers the HTTP routes. metricsPath is ignored without metrics.
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine, metricsPath string) {
	r.GET("/health", h.Health)
	r.GET("/healthz", h.Health)

	if h.metrics != nil && metricsPath != "" {
		r.GET(metricsPath, gin.WrapH(h.metrics.Handler()))
	}

	v1 := r.Group("/api/v1")
	{
		rooms := v1.Group("/rooms")
		rooms.GET("/:room_name", h.GetRoom)
		rooms.GET("/:room_name/state", h.GetState)
	}
}

func (h *HTTPHandler) Health(c *gin.Context) {
	if err := h.service.Health(c.Request.Context()); err != nil {
		l := pkglog.Ctx(c.Request.Context())
		l.Warn().Err(err).Msg("health check failed")
		response.ServiceUnavailable(c, "state store unavailable")
		return
	}
	response.Success(c, gin.H{
		"status":  "ok",
		"service": "meeting-sync",
		"version": version,
	})
}

func (h *HTTPHandler) GetRoom(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}

	info, err := h.service.GetRoomInfo(c.Request.Context(), room)
	if err != nil {
		l := pkglog.Ctx(c.Request.Context())
		l.Error().Err(err).Str(pkglog.FieldRoom, room.Name).Msg("failed to get room info")
		response.InternalError(c, "failed to get room info")
		return
	}
	response.Success(c, info)
}

func (h *HTTPHandler) GetState(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}

	state, err := h.service.GetState(c.Request.Context(), room)
	if err != nil {
		l := pkglog.Ctx(c.Request.Context())
		l.Error().Err(err).Str(pkglog.FieldRoom, room.Name).Msg("failed to get state")
		response.InternalError(c, "failed to get state")
		return
	}
	response.Success(c, state)
}

func roomParam(c *gin.Context) (domain.Room, bool) {
	room, err := domain.NewRoom(c.Param("room_name"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return domain.Room{}, false
	}
	c.Set(pkglog.FieldRoom, room.Name)
	return room, true
}
