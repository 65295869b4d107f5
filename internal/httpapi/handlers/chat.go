package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"chatrelay/internal/chat"
	"chatrelay/internal/common"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

func failChatError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrChatNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "chat not found")
	case errors.Is(err, chat.ErrChatNotOwned):
		common.Fail(c, http.StatusForbidden, 40301, "chat does not belong to the user")
	case errors.Is(err, chat.ErrModelUnavailable):
		common.Fail(c, http.StatusBadRequest, 40010, "ai model not available")
	default:
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

func (h *Handler) CreateChat(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	chatRow, err := h.ChatSvc.CreateChat(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create chat")
		return
	}

	common.Ok(c, http.StatusCreated, gin.H{
		"chat_id":    chatRow.ID,
		"label":      chatRow.Label,
		"created_at": chatRow.CreatedAt,
	})
}

func (h *Handler) ListChats(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	offset, _ := strconv.Atoi(c.Query("offset"))
	limit, _ := strconv.Atoi(c.Query("limit"))

	chats, err := h.ChatSvc.ListChats(c.Request.Context(), uid, offset, limit)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list chats")
		return
	}
	common.Ok(c, http.StatusOK, gin.H{"chats": chats})
}

func (h *Handler) DeleteChat(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	if err := h.ChatSvc.DeleteChat(c.Request.Context(), uid, c.Param("chat_id")); err != nil {
		failChatError(c, err)
		return
	}
	common.Ok(c, http.StatusOK, nil)
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, c.Param("chat_id"))
	if err != nil {
		failChatError(c, err)
		return
	}
	common.Ok(c, http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) ListModels(c *gin.Context) {
	models, err := h.ChatSvc.ListModels(c.Request.Context())
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list models")
		return
	}
	common.Ok(c, http.StatusOK, gin.H{"models": models})
}

type askReq struct {
	Prompt string `json:"prompt" binding:"required"`
	Model  string `json:"model" binding:"required"`
}

// Ask accepts a prompt and dispatches one generation for the chat. It
// answers as soon as generation is kicked off; the response itself arrives
// over the stream endpoint.
func (h *Handler) Ask(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req askReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	result, err := h.ChatSvc.Ask(c.Request.Context(), uid, c.Param("chat_id"), req.Prompt, req.Model)
	if err != nil {
		failChatError(c, err)
		return
	}
	common.Ok(c, http.StatusOK, result)
}

// StreamChat serves the long-lived SSE feed for a chat's in-flight
// response. Attaching mid-generation replays every chunk published so far;
// the feed ends after the final chunk or when the relay idles the topic
// out.
func (h *Handler) StreamChat(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	chatID := c.Param("chat_id")
	if err := h.ChatSvc.ValidateChatOwner(c.Request.Context(), uid, chatID); err != nil {
		failChatError(c, err)
		return
	}

	sub, err := h.Relay.Attach(c.Request.Context(), chatID)
	if err != nil {
		log.Error().Err(err).Str("chat_id", chatID).Msg("stream: attach failed")
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to attach stream")
		return
	}
	defer sub.Close()

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case chunk, ok := <-sub.C:
			if !ok {
				// topic completed or idled out; either way the feed is done
				return
			}
			b, err := json.Marshal(chunk)
			if err != nil {
				log.Error().Err(err).Str("chat_id", chatID).Msg("stream: marshal chunk")
				continue
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", b)
			flusher.Flush()
			if chunk.IsFinal {
				return
			}

		case <-ticker.C:
			// comment frame, ignored by EventSource parsers
			fmt.Fprint(c.Writer, ": ping\n\n")
			flusher.Flush()

		case <-ctx.Done():
			return
		}
	}
}
