package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/qinjingliuan/berryllm-studio/internal/common"
	"github.com/qinjingliuan/berryllm-studio/internal/httpapi/middleware"
)

type createSessionReq struct {
	Provider string `json:"provider" binding:"required"`
	Model    string `json:"model"`
	Name     string `json:"name"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	var req createSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	snap, err := h.ChatSvc.CreateSession(c.Request.Context(), middleware.Owner(c), req.Provider, req.Model, req.Name)
	if err != nil {
		failErr(c, "CreateChatSession", err)
		return
	}
	common.OK(c, snap)
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	sessions := h.ChatSvc.ListSessions(middleware.Owner(c))
	out := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, gin.H{
			"session_id": s.SessionID,
			"name":       s.Name,
			"provider":   s.Provider,
			"model":      s.Model,
			"created_at": s.CreatedAt,
			"active":     h.Mux.Active(s.SessionID),
		})
	}
	common.OK(c, gin.H{"sessions": out})
}

func (h *Handler) GetChatSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	h.refresh(c, sessionID)
	snap, err := h.ChatSvc.GetSession(middleware.Owner(c), sessionID)
	if err != nil {
		failErr(c, "GetChatSession", err)
		return
	}
	common.OK(c, gin.H{
		"session": snap,
		"active":  h.Mux.Active(sessionID),
	})
}

type renameSessionReq struct {
	Name string `json:"name" binding:"required"`
}

func (h *Handler) RenameChatSession(c *gin.Context) {
	var req renameSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	sessionID := c.Param("session_id")
	if err := h.ChatSvc.RenameSession(c.Request.Context(), middleware.Owner(c), sessionID, req.Name); err != nil {
		failErr(c, "RenameChatSession", err)
		return
	}
	common.OK(c, gin.H{"session_id": sessionID, "name": req.Name})
}

func (h *Handler) CopyChatSession(c *gin.Context) {
	snap, err := h.ChatSvc.CopySession(c.Request.Context(), middleware.Owner(c), c.Param("session_id"))
	if err != nil {
		failErr(c, "CopyChatSession", err)
		return
	}
	common.OK(c, snap)
}

func (h *Handler) DeleteChatSession(c *gin.Context) {
	owner, sessionID := middleware.Owner(c), c.Param("session_id")
	if err := h.ChatSvc.ValidateSessionOwner(owner, sessionID); err != nil {
		failErr(c, "DeleteChatSession", err)
		return
	}
	h.Mux.Forget(sessionID)
	if err := h.ChatSvc.RemoveSession(c.Request.Context(), owner, sessionID); err != nil {
		failErr(c, "DeleteChatSession", err)
		return
	}
	common.OK(c, gin.H{"session_id": sessionID})
}

func (h *Handler) ClearChatHistory(c *gin.Context) {
	owner, sessionID := middleware.Owner(c), c.Param("session_id")
	if err := h.ChatSvc.ValidateSessionOwner(owner, sessionID); err != nil {
		failErr(c, "ClearChatHistory", err)
		return
	}
	h.Mux.Cancel(sessionID)
	if err := h.ChatSvc.ClearHistory(owner, sessionID); err != nil {
		failErr(c, "ClearChatHistory", err)
		return
	}
	common.OK(c, gin.H{"session_id": sessionID})
}

func (h *Handler) CancelChatSession(c *gin.Context) {
	owner, sessionID := middleware.Owner(c), c.Param("session_id")
	if err := h.ChatSvc.ValidateSessionOwner(owner, sessionID); err != nil {
		failErr(c, "CancelChatSession", err)
		return
	}
	wasActive := h.Mux.Active(sessionID)
	h.Mux.Cancel(sessionID)
	common.OK(c, gin.H{"session_id": sessionID, "cancelled": wasActive})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	sessionID := c.Param("session_id")

	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint64
	if v := c.Query("before_id"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), middleware.Owner(c), sessionID, limit, beforeID)
	if err != nil {
		failErr(c, "ListChatMessages", err)
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}
	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}
