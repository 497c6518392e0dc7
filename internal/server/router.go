// Package server exposes the sync protocol over HTTP: the push and pull
// endpoints a scute client replays against, plus health and device
// observability. It backs the self-hosted harness started by "scute serve".
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/scuteapp/scute/internal/auth"
	"github.com/scuteapp/scute/internal/devices"
	"github.com/scuteapp/scute/internal/remote"
	"github.com/scuteapp/scute/internal/replica"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "scute_user_id"
	deviceIDContextKey = "scute_device_id"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingRemoteService  = errors.New("remote service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks bearer tokens and returns the claims behind them.
type TokenValidator interface {
	ValidateToken(token string) (auth.DeviceClaims, error)
}

// Dependencies wires the handler's collaborators.
type Dependencies struct {
	TokenValidator TokenValidator
	RemoteService  *remote.Service
	Devices        *devices.Registry
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router for the sync server.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.RemoteService == nil {
		return nil, errMissingRemoteService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:  deps.TokenValidator,
		remote:  deps.RemoteService,
		devices: deps.Devices,
		logger:  logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/:table", handler.handlePush)
	protected.GET("/sync/pull", handler.handlePull)
	protected.GET("/devices", handler.handleListDevices)

	return router, nil
}

type httpHandler struct {
	tokens  TokenValidator
	remote  *remote.Service
	devices *devices.Registry
	logger  *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type pushRequestPayload struct {
	Operation string          `json:"operation"`
	RecordID  string          `json:"recordId"`
	Payload   json.RawMessage `json:"payload"`
}

func (h *httpHandler) handlePush(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	table, err := replica.ParseEntityTable(c.Param("table"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_table"})
		return
	}

	var request pushRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.RecordID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	operation, err := remote.ParseOperation(request.Operation)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
		return
	}

	err = h.remote.ApplyOperation(c.Request.Context(), userID, table, operation, request.RecordID, request.Payload)
	if err != nil {
		h.logger.Error("failed to apply pushed operation",
			zap.String("table", table.String()),
			zap.String("record_id", request.RecordID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "apply_failed"})
		return
	}

	h.touchDevice(c, devices.ActivityPush)
	c.JSON(http.StatusOK, gin.H{"status": "applied"})
}

func (h *httpHandler) handlePull(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	sinceMs := int64(0)
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		sinceMs = parsed
	}

	bundles, serverTimestamp, err := h.remote.ChangesSince(c.Request.Context(), userID, sinceMs)
	if err != nil {
		h.logger.Error("failed to collect pull changes",
			zap.Int64("since_ms", sinceMs),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pull_failed"})
		return
	}

	response := gin.H{"serverTimestamp": serverTimestamp}
	for _, table := range replica.AllEntityTables() {
		records := bundles[table]
		if records == nil {
			records = []json.RawMessage{}
		}
		response[table.String()] = records
	}

	h.touchDevice(c, devices.ActivityPull)
	c.JSON(http.StatusOK, response)
}

type devicePayload struct {
	DeviceID     string `json:"device_id"`
	LastSeenAt   string `json:"last_seen_at"`
	RequestCount int64  `json:"request_count"`
}

func (h *httpHandler) handleListDevices(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" || h.devices == nil {
		c.JSON(http.StatusOK, gin.H{"devices": []devicePayload{}})
		return
	}

	rows, err := h.devices.List(userID)
	if err != nil {
		h.logger.Error("failed to list devices", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	payload := make([]devicePayload, 0, len(rows))
	for _, row := range rows {
		payload = append(payload, devicePayload{
			DeviceID:     row.DeviceID,
			LastSeenAt:   row.LastSeenAt.UTC().Format(time.RFC3339),
			RequestCount: row.RequestCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": payload})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(deviceIDContextKey, claims.DeviceID)
	c.Next()
}

func (h *httpHandler) touchDevice(c *gin.Context, activity devices.Activity) {
	if h.devices == nil {
		return
	}
	err := h.devices.Touch(c.GetString(userIDContextKey), c.GetString(deviceIDContextKey), activity)
	if err != nil {
		h.logger.Warn("device registry update failed", zap.Error(err))
	}
}
