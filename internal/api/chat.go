package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"turodesk/internal/models"
	"turodesk/internal/worker"
)

func (h *Handler) listSessions(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessions, err := h.assistant.ListSessions(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) createSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	// body is optional
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	session, err := h.workers.InitSession(worker.SessionRequest{
		Context: c.Request.Context(),
		UserID:  userID,
		Title:   req.Title,
	})
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handler) renameSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	session, err := h.assistant.RenameSession(c.Request.Context(), userID, c.Param("id"), req.Title)
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) deleteSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID := c.Param("id")
	if err := h.assistant.DeleteSession(c.Request.Context(), userID, sessionID); err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	h.workers.Purge(userID, sessionID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) getSessionMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	session, err := h.assistant.GetSession(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	messages, err := h.assistant.GetMessages(c.Request.Context(), userID, session.ID)
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":  session,
		"messages": messages,
	})
}

// User input interface
type inputRequest struct {
	Content  string `json:"content"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// bindInput validates the message body and that the session exists, so that
// failures are reported with a status code before any streaming starts.
func (h *Handler) bindInput(c *gin.Context) (string, *inputRequest, bool) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return "", nil, false
	}
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return "", nil, false
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return "", nil, false
	}
	if _, err := h.assistant.GetSession(c.Request.Context(), userID, c.Param("id")); err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return "", nil, false
	}
	return userID, &req, true
}

func (h *Handler) streamRequest(ctx context.Context, userID, sessionID string, req *inputRequest) worker.StreamRequest {
	return worker.StreamRequest{
		SessionRequest: worker.SessionRequest{
			Context:   ctx,
			UserID:    userID,
			SessionID: sessionID,
			Provider:  strings.ToLower(strings.TrimSpace(req.Provider)),
			Model:     strings.TrimSpace(req.Model),
			Message:   &models.Message{Role: models.RoleUser, Content: req.Content},
		},
	}
}

func (h *Handler) sendMessage(c *gin.Context) {
	userID, req, ok := h.bindInput(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.requestTimeout)
	defer cancel()

	reply, title, err := h.workers.Stream(h.streamRequest(ctx, userID, c.Param("id"), req))
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	payload := gin.H{"message": reply}
	if title != "" {
		payload["title"] = title
	}
	c.JSON(http.StatusOK, payload)
}

// streamMessage answers with server-sent events: token for every content
// delta, then done with the stored reply, or error.
func (h *Handler) streamMessage(c *gin.Context) {
	userID, req, ok := h.bindInput(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.requestTimeout)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload any) error {
		c.SSEvent(event, payload)
		c.Writer.Flush()
		return ctx.Err()
	}

	streamReq := h.streamRequest(ctx, userID, c.Param("id"), req)
	streamReq.ChunkFn = func(chunk string) error {
		return sendEvent("token", gin.H{"content": chunk})
	}
	reply, title, err := h.workers.Stream(streamReq)
	if err != nil {
		msg := err.Error()
		if statusFor(err, 0) == http.StatusTooManyRequests {
			msg = "server is busy, please retry"
		}
		_ = sendEvent("error", gin.H{"error": msg})
		return
	}
	payload := gin.H{"message": reply}
	if title != "" {
		payload["title"] = title
	}
	_ = sendEvent("done", payload)
}
