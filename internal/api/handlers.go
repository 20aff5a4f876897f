package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"turodesk/internal/auth"
	"turodesk/internal/models"
	"turodesk/internal/service/assistant"
	"turodesk/internal/service/memory"
	"turodesk/internal/worker"
)

const defaultRequestTimeout = 2 * time.Minute

type WorkerManager interface {
	InitSession(worker.SessionRequest) (*models.Session, error)
	Stream(worker.StreamRequest) (*models.Message, string, error)
	ResetUser(userID string)
	Purge(userID, sessionID string)
}

// Handler wires HTTP routes to the assistant, memory, and worker services.
type Handler struct {
	assistant      *assistant.Service
	auth           *auth.Service
	memory         *memory.Service
	workers        WorkerManager
	requestTimeout time.Duration
}

// NewHandler constructs a Handler. mem may be nil when long-term memory is
// disabled.
func NewHandler(service *assistant.Service, authService *auth.Service, mem *memory.Service, workers WorkerManager, requestTimeout time.Duration) *Handler {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return &Handler{
		assistant:      service,
		auth:           authService,
		memory:         mem,
		workers:        workers,
		requestTimeout: requestTimeout,
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (string, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	authed := api.Group("")
	authed.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	authed.POST("/users/logout", h.logoutUser)
	authed.GET("/users/me", h.currentUser)
	authed.DELETE("/users/me", h.deleteUser)

	authed.GET("/sessions", h.listSessions)
	authed.POST("/sessions", h.createSession)
	authed.PATCH("/sessions/:id", h.renameSession)
	authed.DELETE("/sessions/:id", h.deleteSession)
	authed.GET("/sessions/:id/messages", h.getSessionMessages)
	authed.POST("/sessions/:id/messages", h.sendMessage)
	authed.POST("/sessions/:id/stream", h.streamMessage)

	authed.GET("/memory/facts", h.listFacts)
	authed.PUT("/memory/facts", h.mergeFact)
	authed.POST("/memory/facts", h.storeFact)
	authed.DELETE("/memory/facts/:key", h.deleteFact)
	authed.GET("/memory/profile", h.getProfile)
	authed.GET("/memory/search", h.searchMemories)
	authed.DELETE("/memory", h.forgetMemories)

	authed.GET("/providers/keys", h.listProviderKeys)
	authed.PUT("/providers/keys/:provider", h.setProviderKey)
	authed.DELETE("/providers/keys/:provider", h.deleteProviderKey)
}

// statusFor maps service errors to HTTP statuses; unknown errors get
// fallback.
func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, assistant.ErrSessionNotFound),
		errors.Is(err, memory.ErrNotFound),
		errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, worker.ErrDispatcherClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, assistant.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, assistant.ErrUserExists),
		errors.Is(err, assistant.ErrAPIKeyMissing),
		errors.Is(err, assistant.ErrKeyEncryptionDisabled),
		errors.Is(err, memory.ErrInvalidKey),
		errors.Is(err, memory.ErrEmptyContent),
		errors.Is(err, memory.ErrMemoryDisabled):
		return http.StatusBadRequest
	default:
		return fallback
	}
}

func respondError(c *gin.Context, err error, fallback int) {
	status := statusFor(err, fallback)
	msg := err.Error()
	if status == http.StatusTooManyRequests {
		msg = "server is busy, please retry"
	}
	c.JSON(status, gin.H{"error": msg})
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respondError(c, err, http.StatusBadRequest)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respondError(c, err, http.StatusUnauthorized)
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
		"csrf_token": csrfToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	h.workers.ResetUser(userID)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) currentUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	user, err := h.assistant.GetUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"local_mode": h.auth.LocalUserID() == user.ID,
		"memory":     h.memory.Enabled(),
	})
}

func (h *Handler) deleteUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	// every credential-less request maps onto the local user
	if local := h.auth.LocalUserID(); local != "" && local == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "the local user cannot be deleted"})
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.workers.ResetUser(userID)
	if h.memory.Enabled() {
		if _, err := h.memory.DeleteByCategory(c.Request.Context(), userID, ""); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	if err := h.assistant.DeleteUser(c.Request.Context(), userID); err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

// handle provider keys
func (h *Handler) listProviderKeys(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	keys, err := h.assistant.ListUserTokens(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (h *Handler) setProviderKey(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Key string `json:"key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	if err := h.assistant.SetUserToken(c.Request.Context(), userID, provider, req.Key); err != nil {
		respondError(c, err, http.StatusBadRequest)
		return
	}
	// cached chat resources still hold the old key
	h.workers.ResetUser(userID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteProviderKey(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	if err := h.assistant.DeleteUserToken(c.Request.Context(), userID, provider); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
			return
		}
		respondError(c, err, http.StatusBadRequest)
		return
	}
	h.workers.ResetUser(userID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}
