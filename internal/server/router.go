package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ledger/internal/auth"
	"github.com/MarcoPoloResearchLab/ledger/internal/offline"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "ledger_user_id"
	tokenContextKey  = "ledger_session_token"
	roleContextKey   = "ledger_session_role"
	accessTokenQuery = "access_token"

	// DefaultConnectivityRole is the session role allowed to report connectivity.
	DefaultConnectivityRole = "service_role"
)

var (
	errMissingAccess     = errors.New("offline access dependency required")
	errMissingScheduler  = errors.New("sync scheduler dependency required")
	errMissingReporter   = errors.New("connectivity reporter dependency required")
	errMissingTables     = errors.New("table client dependency required")
	errMissingSessions   = errors.New("session validator dependency required")
	errMissingDispatcher = errors.New("status dispatcher dependency required")
)

// SessionValidator authenticates API callers.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, string, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// TableClient reads and writes backend tables.
type TableClient interface {
	offline.Backend
	Select(ctx context.Context, table string) ([]offline.Record, error)
}

// SessionTokenRecorder keeps the latest session token per user so writes
// queued under that session replay as the same user.
type SessionTokenRecorder interface {
	Remember(userID, token string, expiresAt time.Time)
	Forget(userID string)
}

// ConnectivityReporter accepts platform online/offline signals.
type ConnectivityReporter interface {
	SetOnline(online bool) bool
}

type Dependencies struct {
	Access            *offline.Access
	Scheduler         *offline.Scheduler
	Connectivity      ConnectivityReporter
	Tables            TableClient
	Sessions          SessionValidator
	Events            *StatusDispatcher
	Tokens            SessionTokenRecorder
	// ConnectivityRole is the session role allowed to POST /connectivity.
	ConnectivityRole  string
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Access == nil:
		return nil, errMissingAccess
	case deps.Scheduler == nil:
		return nil, errMissingScheduler
	case deps.Connectivity == nil:
		return nil, errMissingReporter
	case deps.Tables == nil:
		return nil, errMissingTables
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Events == nil:
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatEvery * time.Second
	}
	connectivityRole := strings.TrimSpace(deps.ConnectivityRole)
	if connectivityRole == "" {
		connectivityRole = DefaultConnectivityRole
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		access:       deps.Access,
		scheduler:    deps.Scheduler,
		connectivity: deps.Connectivity,
		tables:       deps.Tables,
		sessions:     deps.Sessions,
		events:       deps.Events,
		tokens:       deps.Tokens,
		reporterRole: connectivityRole,
		heartbeat:    heartbeat,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/sync/status", handler.handleSyncStatus)
	protected.POST("/sync", handler.handleSync)
	protected.GET("/sync/pending", handler.handlePendingChanges)
	protected.GET("/sync/stream", handler.handleSyncStream)
	protected.POST("/connectivity", handler.requireReporterRole, handler.handleConnectivity)
	protected.GET("/tables/:table", handler.handleListRows)
	protected.POST("/tables/:table", handler.handleInsertRow)
	protected.PATCH("/tables/:table/:id", handler.handleUpdateRow)
	protected.DELETE("/tables/:table/:id", handler.handleDeleteRow)
	protected.DELETE("/cache", handler.handleClearCache)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	access       *offline.Access
	scheduler    *offline.Scheduler
	connectivity ConnectivityReporter
	tables       TableClient
	sessions     SessionValidator
	events       *StatusDispatcher
	tokens       SessionTokenRecorder
	reporterRole string
	heartbeat    time.Duration
	logger       *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeRequest accepts a bearer header or session cookie, and the
// access_token query parameter for EventSource clients that cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, token, err := h.sessions.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingSessionToken) {
		if queryToken := c.Query(accessTokenQuery); queryToken != "" {
			token = queryToken
			claims, err = h.sessions.ValidateToken(queryToken)
		}
	}
	if err != nil {
		if errors.Is(err, auth.ErrMissingSessionToken) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}
		h.logger.Warn("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.Subject)
	c.Set(tokenContextKey, token)
	c.Set(roleContextKey, claims.Role)
	if h.tokens != nil {
		var expiresAt time.Time
		if claims.ExpiresAt != nil {
			expiresAt = claims.ExpiresAt.Time
		}
		h.tokens.Remember(claims.Subject, token, expiresAt)
	}
	c.Next()
}

// requireReporterRole limits connectivity reports to the trusted platform caller.
func (h *httpHandler) requireReporterRole(c *gin.Context) {
	if c.GetString(roleContextKey) != h.reporterRole {
		h.logger.Warn("connectivity report rejected",
			zap.String("user_id", c.GetString(userIDContextKey)),
			zap.String("role", c.GetString(roleContextKey)))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.currentStatus(c.Request.Context()))
}

func (h *httpHandler) handleSync(c *gin.Context) {
	result := h.scheduler.SyncNow(c.Request.Context(), offline.TriggerManual)
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handlePendingChanges(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"changes": h.access.PendingChangesFor(c.Request.Context(), c.GetString(userIDContextKey))})
}

type connectivityPayload struct {
	Online *bool `json:"online"`
}

func (h *httpHandler) handleConnectivity(c *gin.Context) {
	var request connectivityPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Online == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	changed := h.connectivity.SetOnline(*request.Online)
	if changed {
		h.logger.Info("connectivity reported", zap.Bool("online", *request.Online))
	}
	c.JSON(http.StatusOK, gin.H{"is_online": h.access.IsOnline(), "changed": changed})
}

func (h *httpHandler) handleClearCache(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	removed, err := h.access.ClearUserCache(c.Request.Context(), userID)
	if h.tokens != nil {
		h.tokens.Forget(userID)
	}
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *httpHandler) currentStatus(ctx context.Context) offline.SyncStatus {
	status := h.access.GetSyncStatus(ctx)
	if h.scheduler.IsSyncing() {
		status.IsSyncing = true
	}
	return status
}

func (h *httpHandler) handleSyncStream(c *gin.Context) {
	ctx := c.Request.Context()
	events, cleanup := h.events.Subscribe(ctx)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(string(offline.EventStatus), h.currentStatus(ctx))
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch {
			case event.Status != nil:
				c.SSEvent(string(event.Type), event.Status)
			case event.Report != nil:
				c.SSEvent(string(event.Type), event.Report)
			default:
				continue
			}
			c.Writer.Flush()
		case tick := <-heartbeat.C:
			c.SSEvent(sseEventHeartbeat, gin.H{"ts": tick.UnixMilli()})
			c.Writer.Flush()
		}
	}
}

func decodeRecord(c *gin.Context) (offline.Record, bool) {
	decoder := json.NewDecoder(c.Request.Body)
	decoder.UseNumber()
	var data offline.Record
	if err := decoder.Decode(&data); err != nil || data == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return nil, false
	}
	return data, true
}
