package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

type factRequest struct {
	Key     string   `json:"key"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

func bindFact(c *gin.Context) (*factRequest, bool) {
	var req factRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return nil, false
	}
	req.Key = strings.TrimSpace(req.Key)
	req.Content = strings.TrimSpace(req.Content)
	if req.Key == "" || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key and content are required"})
		return nil, false
	}
	return &req, true
}

func queryInt(c *gin.Context, name string) int {
	n, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return n
}

func (h *Handler) listFacts(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	docs, err := h.memory.ListUserFacts(c.Request.Context(), userID, queryInt(c, "limit"))
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"facts": docs})
}

// mergeFact folds the fact into the profile summary.
func (h *Handler) mergeFact(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	req, ok := bindFact(c)
	if !ok {
		return
	}
	summary, err := h.memory.UpdateProfileFromFact(c.Request.Context(), userID, req.Key, req.Content, req.Tags)
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// storeFact keeps the fact as its own document, replacing one with the same
// key.
func (h *Handler) storeFact(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	req, ok := bindFact(c)
	if !ok {
		return
	}
	doc, err := h.memory.UpsertUserFact(c.Request.Context(), userID, req.Key, req.Content, req.Tags)
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"fact": doc})
}

// deleteFact removes the key from the profile and any standalone fact
// stored under it.
func (h *Handler) deleteFact(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	key := c.Param("key")
	fromProfile, err := h.memory.RemoveProfileFact(ctx, userID, key)
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	standalone, err := h.memory.DeleteUserFactByKey(ctx, userID, key)
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	if fromProfile+standalone == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "fact not found"})
		return
	}
	summary, err := h.memory.ProfileSummary(ctx, userID)
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": fromProfile + standalone, "summary": summary})
}

func (h *Handler) getProfile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	summary, err := h.memory.ProfileSummary(ctx, userID)
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	keys, err := h.memory.ProfileKeys(ctx, userID)
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary, "keys": keys})
}

func (h *Handler) searchMemories(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	docs, err := h.memory.Search(c.Request.Context(), userID, query, queryInt(c, "top_k"))
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": docs})
}

// forgetMemories deletes one category of memories, or all of them when no
// category is given.
func (h *Handler) forgetMemories(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	removed, err := h.memory.DeleteByCategory(c.Request.Context(), userID, c.Query("category"))
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
