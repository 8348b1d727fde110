package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/qinjingliuan/berryllm-studio/internal/ai"
	"github.com/qinjingliuan/berryllm-studio/internal/chat"
	"github.com/qinjingliuan/berryllm-studio/internal/common"
	"github.com/qinjingliuan/berryllm-studio/internal/config"
	"github.com/qinjingliuan/berryllm-studio/internal/httpapi/middleware"
	"github.com/qinjingliuan/berryllm-studio/internal/mux"
	"gorm.io/gorm"
)

// JobPublisher enqueues asynchronous jobs; *rabbitmq.Publisher implements it.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Handler struct {
	Cfg      config.Config
	ChatSvc  *chat.Service
	Mux      *mux.Multiplexer
	Registry *ai.Registry
	// Rabbit is nil when async jobs are disabled.
	Rabbit   JobPublisher
	upgrader websocket.Upgrader
}

func NewHandler(cfg config.Config, svc *chat.Service, m *mux.Multiplexer, reg *ai.Registry, rabbit JobPublisher) *Handler {
	h := &Handler{Cfg: cfg, ChatSvc: svc, Mux: m, Registry: reg, Rabbit: rabbit}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true, "in_flight": h.Mux.InFlight()})
}

// refresh reloads the session when a worker process may have written to it.
func (h *Handler) refresh(c *gin.Context, sessionID string) {
	if h.Rabbit == nil {
		return
	}
	if _, err := h.ChatSvc.Refresh(c.Request.Context(), sessionID); err != nil && !errors.Is(err, chat.ErrSessionNotFound) {
		log.Printf("[http] refresh session=%s err=%v", sessionID, err)
	}
}

// failErr maps domain errors onto the response envelope.
func failErr(c *gin.Context, where string, err error) {
	var ce *ai.ConfigurationError
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "session not found")
	case errors.Is(err, gorm.ErrRecordNotFound):
		common.Fail(c, http.StatusNotFound, 40402, "not found")
	case errors.Is(err, ai.ErrUnknownProvider):
		common.Fail(c, http.StatusBadRequest, 40002, err.Error())
	case errors.As(err, &ce):
		common.Fail(c, http.StatusBadRequest, 40003, err.Error())
	case errors.Is(err, mux.ErrCancelled):
		common.Fail(c, http.StatusConflict, 40901, "request cancelled")
	case errors.Is(err, context.Canceled):
		common.Fail(c, 499, 49900, "client closed request")
	default:
		if te, ok := ai.AsTransportError(err); ok {
			status := http.StatusBadGateway
			if te.Kind == ai.KindTimeout {
				status = http.StatusGatewayTimeout
			}
			common.Fail(c, status, 50201, te.Error())
			return
		}
		log.Printf("[%s] request_id=%s err=%v", where, middleware.RequestIDFrom(c), err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
