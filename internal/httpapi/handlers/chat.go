package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qinjingliuan/berryllm-studio/internal/chat"
	"github.com/qinjingliuan/berryllm-studio/internal/common"
	"github.com/qinjingliuan/berryllm-studio/internal/httpapi/middleware"
	"github.com/qinjingliuan/berryllm-studio/internal/mux"
)

const heartbeatInterval = 15 * time.Second

type sendMessageReq struct {
	SessionID string `json:"session_id" binding:"required"`
	Message   string `json:"message" binding:"required"`
}

func (h *Handler) bindSend(c *gin.Context) (sendMessageReq, bool) {
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return req, false
	}
	if strings.TrimSpace(req.Message) == "" {
		common.Fail(c, http.StatusBadRequest, 10004, "message is empty")
		return req, false
	}
	h.refresh(c, req.SessionID)
	if err := h.ChatSvc.ValidateSessionOwner(middleware.Owner(c), req.SessionID); err != nil {
		failErr(c, "SendChatMessage", err)
		return req, false
	}
	return req, true
}

// SendChatMessage sends and waits for the whole reply.
func (h *Handler) SendChatMessage(c *gin.Context) {
	req, ok := h.bindSend(c)
	if !ok {
		return
	}

	reply, err := h.Mux.Do(c.Request.Context(), req.SessionID, req.Message)
	if err != nil {
		failErr(c, "SendChatMessage", err)
		return
	}
	common.OK(c, gin.H{
		"session_id": req.SessionID,
		"reply":      reply,
	})
}

// SendChatMessageStream relays the request's events as server-sent events.
// The request is cancelled when the client goes away.
func (h *Handler) SendChatMessageStream(c *gin.Context) {
	req, ok := h.bindSend(c)
	if !ok {
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, 50003, "streaming unsupported")
		return
	}

	// subscribe first so the started event cannot be missed
	events, unsubscribe := h.Mux.Subscribe(req.SessionID, 512)
	defer unsubscribe()

	ctx := c.Request.Context()
	handle, err := h.Mux.Start(ctx, req.SessionID, req.Message)
	if err != nil {
		failErr(c, "SendChatMessageStream", err)
		return
	}
	defer h.Mux.CancelAttempt(req.SessionID, handle.ID())

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\n", event)
		fmt.Fprintf(c.Writer, "data: %s\n\n", b)
		flusher.Flush()
	}
	// relay reports whether ev ended the attempt.
	relay := func(ev mux.Event) bool {
		if ev.Attempt != handle.ID() {
			return false
		}
		writeJSON(string(ev.Type), ev)
		return ev.Type == mux.EventFinished || ev.Type == mux.EventError
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if relay(ev) {
				return
			}

		case <-handle.Done():
			// the terminal event is already queued unless it was dropped
		drain:
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						break drain
					}
					if relay(ev) {
						return
					}
				default:
					break drain
				}
			}
			reply, err := handle.Result()
			switch {
			case err == nil:
				writeJSON(string(mux.EventFinished), mux.Event{
					Type: mux.EventFinished, SessionID: req.SessionID, Attempt: handle.ID(), Text: reply, At: time.Now(),
				})
			case errors.Is(err, mux.ErrCancelled):
				writeJSON("cancelled", gin.H{
					"type":       "cancelled",
					"session_id": req.SessionID,
					"attempt":    handle.ID(),
				})
			default:
				writeJSON(string(mux.EventError), mux.Event{
					Type: mux.EventError, SessionID: req.SessionID, Attempt: handle.ID(), Error: err.Error(), At: time.Now(),
				})
			}
			return

		case <-ticker.C:
			writeJSON("ping", gin.H{
				"type": "ping",
				"ts":   time.Now().Unix(),
			})

		case <-ctx.Done():
			log.Printf("[http] stream client gone session=%s attempt=%s", req.SessionID, handle.ID())
			return
		}
	}
}

const maxIdempotencyKeyLen = 128

// SendChatMessageAsync queues the send as a job for the worker.
func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	if h.Rabbit == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "async jobs disabled")
		return
	}
	req, ok := h.bindSend(c)
	if !ok {
		return
	}
	owner := middleware.Owner(c)

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > maxIdempotencyKeyLen {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	jobID, err := common.NewULID()
	if err != nil {
		failErr(c, "SendChatMessageAsync", err)
		return
	}
	j := &chat.Job{
		ID:             jobID,
		Owner:          owner,
		SessionID:      req.SessionID,
		Prompt:         req.Message,
		IdempotencyKey: idempoKeyPtr,
		Status:         chat.JobQueued,
	}

	job, created, err := h.ChatSvc.CreateJobOrGetExisting(c.Request.Context(), j)
	if err != nil {
		failErr(c, "SendChatMessageAsync", err)
		return
	}

	// enqueue only when a new job was created
	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), job.ID); err != nil {
			log.Printf("[SendChatMessageAsync] PublishJob failed session_id=%s job_id=%s err=%v", req.SessionID, job.ID, err)
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{"job_id": job.ID, "created": created})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), middleware.Owner(c), jobID)
	if err != nil {
		failErr(c, "GetChatJob", err)
		return
	}
	common.OK(c, gin.H{"job": j})
}
