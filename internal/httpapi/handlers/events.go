package handlers

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/qinjingliuan/berryllm-studio/internal/httpapi/middleware"
	"github.com/qinjingliuan/berryllm-studio/internal/mux"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsWriteWait  = 10 * time.Second
)

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.Cfg.CORSOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.Cfg.CORSOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// ChatEvents streams multiplexer events over a websocket: those of one session
// when ?session_id= is given, otherwise every session the caller owns.
// all_idle carries no session, so only the unfiltered form receives it.
func (h *Handler) ChatEvents(c *gin.Context) {
	owner := middleware.Owner(c)
	sessionID := c.Query("session_id")
	if sessionID != "" {
		h.refresh(c, sessionID)
		if err := h.ChatSvc.ValidateSessionOwner(owner, sessionID); err != nil {
			failErr(c, "ChatEvents", err)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := h.Mux.Subscribe(sessionID, 512)
	defer unsubscribe()

	log.Printf("[websocket] subscribed session=%q request_id=%s", sessionID, middleware.RequestIDFrom(c))

	// the read side only serves pongs and close frames
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("[websocket] read error: %v", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !h.visible(owner, sessionID, ev) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Printf("[websocket] write error: %v", err)
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}

		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// visible reports whether owner may see ev.
func (h *Handler) visible(owner, sessionID string, ev mux.Event) bool {
	if ev.Type == mux.EventAllIdle || sessionID != "" {
		return true
	}
	return h.ChatSvc.ValidateSessionOwner(owner, ev.SessionID) == nil
}
