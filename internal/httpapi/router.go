package httpapi

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/qinjingliuan/berryllm-studio/internal/common"
	"github.com/qinjingliuan/berryllm-studio/internal/config"
	"github.com/qinjingliuan/berryllm-studio/internal/httpapi/handlers"
	"github.com/qinjingliuan/berryllm-studio/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler, cfg config.Config) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	if len(cfg.CORSOrigins) > 0 {
		r.Use(corsMiddleware(cfg.CORSOrigins))
	}

	r.GET("/ping", h.Ping)

	api := r.Group("/")
	if cfg.JWTSecret != "" {
		api.Use(middleware.AuthRequired(cfg.JWTSecret))
	}

	api.GET("/providers", h.ListProviders)
	api.POST("/providers/:provider/test", h.TestProvider)

	api.POST("/chat/sessions", h.CreateChatSession)
	api.GET("/chat/sessions", h.ListChatSessions)
	api.GET("/chat/sessions/:session_id", h.GetChatSession)
	api.PATCH("/chat/sessions/:session_id", h.RenameChatSession)
	api.DELETE("/chat/sessions/:session_id", h.DeleteChatSession)
	api.POST("/chat/sessions/:session_id/copy", h.CopyChatSession)
	api.POST("/chat/sessions/:session_id/cancel", h.CancelChatSession)
	api.DELETE("/chat/sessions/:session_id/messages", h.ClearChatHistory)
	api.GET("/chat/sessions/:session_id/messages", h.ListChatMessages)

	api.POST("/chat/messages", h.SendChatMessage)
	api.POST("/chat/messages/stream", h.SendChatMessageStream)
	api.POST("/chat/messages/async", h.SendChatMessageAsync)
	api.GET("/chat/jobs/:job_id", h.GetChatJob)

	api.GET("/chat/events", h.ChatEvents)
	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Idempotency-Key", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if slices.Contains(origins, "*") {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
		cc.AllowCredentials = true
	}
	return cors.New(cc)
}
