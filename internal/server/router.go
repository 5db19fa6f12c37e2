package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	syncengine "github.com/tidemark-labs/tidemark/backend/internal/sync"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "tidemark_user_id"
	heartbeatPeriod  = 25 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingMemberships    = errors.New("membership service dependency required")
	errMissingSyncService    = errors.New("sync service dependency required")
	errMissingDispatcher     = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks a bearer token and returns the authenticated subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// MembershipVerifier answers whether a user belongs to a workspace.
type MembershipVerifier interface {
	IsMember(ctx context.Context, workspaceID, userID string) (bool, error)
}

// Dependencies lists the collaborators required by the HTTP surface.
type Dependencies struct {
	TokenValidator TokenValidator
	Memberships    MembershipVerifier
	SyncService    *syncengine.Service
	Dispatcher     *RealtimeDispatcher
	Logger         *zap.Logger
}

// NewHTTPHandler wires the sync API routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Memberships == nil {
		return nil, errMissingMemberships
	}
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
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
		tokens:      deps.TokenValidator,
		memberships: deps.Memberships,
		syncService: deps.SyncService,
		dispatcher:  deps.Dispatcher,
		logger:      logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/push", handler.handlePush)
	protected.POST("/sync/pull", handler.handlePull)
	protected.POST("/sync/cursor", handler.handleCursorUpdate)
	protected.POST("/sync/gc", handler.handleRetentionGC)
	protected.GET("/sync/subscribe", handler.handleSubscribe)

	return router, nil
}

type httpHandler struct {
	tokens      TokenValidator
	memberships MembershipVerifier
	syncService *syncengine.Service
	dispatcher  *RealtimeDispatcher
	logger      *zap.Logger
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
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// requireMembership resolves the authenticated user and verifies workspace
// membership. It writes the error response itself and reports success.
func (h *httpHandler) requireMembership(c *gin.Context, workspaceID string) bool {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return false
	}
	member, err := h.memberships.IsMember(c.Request.Context(), workspaceID, userID)
	if err != nil {
		h.logger.Error("membership lookup failed", zap.Error(err), zap.String("workspace_id", workspaceID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership_check_failed"})
		return false
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return false
	}
	return true
}

type pushOperationPayload struct {
	OpID      string          `json:"op_id"`
	Table     string          `json:"table"`
	Operation string          `json:"operation"`
	RecordKey string          `json:"record_key"`
	Payload   json.RawMessage `json:"payload"`
	Clock     int64           `json:"clock"`
	HLC       string          `json:"hlc"`
	DeviceID  string          `json:"device_id"`
}

type pushRequestPayload struct {
	WorkspaceID string                 `json:"workspace_id"`
	Ops         []pushOperationPayload `json:"ops"`
}

type pushResultPayload struct {
	OpID          string `json:"op_id"`
	Success       bool   `json:"success"`
	ServerVersion int64  `json:"server_version,omitempty"`
	Error         string `json:"error,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
}

type pushResponsePayload struct {
	Results       []pushResultPayload `json:"results"`
	ServerVersion int64               `json:"server_version"`
}

func (h *httpHandler) handlePush(c *gin.Context) {
	var request pushRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Ops) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	workspaceID, err := syncengine.NewWorkspaceID(request.WorkspaceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_workspace_id"})
		return
	}
	if !h.requireMembership(c, workspaceID.String()) {
		return
	}

	configs := make([]syncengine.OperationConfig, 0, len(request.Ops))
	for _, op := range request.Ops {
		payloadJSON := ""
		if len(op.Payload) > 0 {
			payloadJSON = string(op.Payload)
		}
		configs = append(configs, syncengine.OperationConfig{
			OpID:        syncengine.OpID(op.OpID),
			Table:       syncengine.TableKind(op.Table),
			Type:        syncengine.OperationType(op.Operation),
			RecordKey:   syncengine.RecordKey(op.RecordKey),
			PayloadJSON: payloadJSON,
			Clock:       op.Clock,
			HLC:         syncengine.HLC(op.HLC),
			DeviceID:    syncengine.DeviceID(op.DeviceID),
		})
	}

	result, err := h.syncService.Push(c.Request.Context(), workspaceID, configs)
	if err != nil {
		h.writeServiceError(c, "push_failed", err)
		return
	}

	response := pushResponsePayload{
		Results:       make([]pushResultPayload, 0, len(result.Results)),
		ServerVersion: result.ServerVersion,
	}
	for _, opResult := range result.Results {
		response.Results = append(response.Results, pushResultPayload{
			OpID:          opResult.OpID,
			Success:       opResult.Success,
			ServerVersion: opResult.ServerVersion,
			Error:         opResult.ErrorMessage,
			ErrorCode:     string(opResult.ErrorCode),
		})
	}
	c.JSON(http.StatusOK, response)
}

type pullRequestPayload struct {
	WorkspaceID string   `json:"workspace_id"`
	Cursor      int64    `json:"cursor"`
	Limit       int      `json:"limit"`
	Tables      []string `json:"tables"`
}

type changeStampPayload struct {
	Clock    int64  `json:"clock"`
	HLC      string `json:"hlc"`
	DeviceID string `json:"device_id"`
	OpID     string `json:"op_id"`
}

type changePayload struct {
	ServerVersion int64              `json:"server_version"`
	Table         string             `json:"table"`
	RecordKey     string             `json:"record_key"`
	Op            string             `json:"op"`
	Payload       json.RawMessage    `json:"payload,omitempty"`
	Stamp         changeStampPayload `json:"stamp"`
}

type pullResponsePayload struct {
	Changes    []changePayload `json:"changes"`
	NextCursor int64           `json:"next_cursor"`
	HasMore    bool            `json:"has_more"`
}

func (h *httpHandler) handlePull(c *gin.Context) {
	var request pullRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	workspaceID, err := syncengine.NewWorkspaceID(request.WorkspaceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_workspace_id"})
		return
	}
	if !h.requireMembership(c, workspaceID.String()) {
		return
	}

	tables := make([]syncengine.TableKind, 0, len(request.Tables))
	for _, raw := range request.Tables {
		table, parseErr := syncengine.ParseTableKind(raw)
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_table"})
			return
		}
		tables = append(tables, table)
	}

	result, err := h.syncService.Pull(c.Request.Context(), workspaceID, syncengine.PullRequest{
		Cursor: request.Cursor,
		Limit:  request.Limit,
		Tables: tables,
	})
	if err != nil {
		h.writeServiceError(c, "pull_failed", err)
		return
	}

	c.JSON(http.StatusOK, buildPullResponse(result))
}

func buildPullResponse(result syncengine.PullResult) pullResponsePayload {
	response := pullResponsePayload{
		Changes:    make([]changePayload, 0, len(result.Changes)),
		NextCursor: result.NextCursor,
		HasMore:    result.HasMore,
	}
	for _, change := range result.Changes {
		payload := json.RawMessage(nil)
		if change.PayloadJSON != "" {
			payload = json.RawMessage(change.PayloadJSON)
		}
		response.Changes = append(response.Changes, changePayload{
			ServerVersion: change.ServerVersion,
			Table:         change.TableName,
			RecordKey:     change.RecordKey,
			Op:            string(change.Op),
			Payload:       payload,
			Stamp: changeStampPayload{
				Clock:    change.Clock,
				HLC:      change.HLC,
				DeviceID: change.DeviceID,
				OpID:     change.OpID,
			},
		})
	}
	return response
}

type cursorRequestPayload struct {
	WorkspaceID     string `json:"workspace_id"`
	DeviceID        string `json:"device_id"`
	LastSeenVersion int64  `json:"last_seen_version"`
}

func (h *httpHandler) handleCursorUpdate(c *gin.Context) {
	var request cursorRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	workspaceID, err := syncengine.NewWorkspaceID(request.WorkspaceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_workspace_id"})
		return
	}
	deviceID, err := syncengine.NewDeviceID(request.DeviceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device_id"})
		return
	}
	if request.LastSeenVersion < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version"})
		return
	}
	if !h.requireMembership(c, workspaceID.String()) {
		return
	}

	if err := h.syncService.UpdateCursor(c.Request.Context(), workspaceID, deviceID, request.LastSeenVersion); err != nil {
		h.writeServiceError(c, "cursor_update_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type gcRequestPayload struct {
	WorkspaceID      string `json:"workspace_id"`
	RetentionSeconds int64  `json:"retention_seconds"`
	BatchSize        int    `json:"batch_size"`
	TombstoneCursor  int64  `json:"tombstone_cursor"`
	ChangeLogCursor  int64  `json:"change_log_cursor"`
}

type gcPassPayload struct {
	Purged     int   `json:"purged"`
	HasMore    bool  `json:"has_more"`
	NextCursor int64 `json:"next_cursor"`
}

type gcResponsePayload struct {
	Purged     int           `json:"purged"`
	HasMore    bool          `json:"has_more"`
	Tombstones gcPassPayload `json:"tombstones"`
	ChangeLog  gcPassPayload `json:"change_log"`
}

func (h *httpHandler) handleRetentionGC(c *gin.Context) {
	var request gcRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	workspaceID, err := syncengine.NewWorkspaceID(request.WorkspaceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_workspace_id"})
		return
	}
	if !h.requireMembership(c, workspaceID.String()) {
		return
	}

	result, err := h.syncService.RunRetentionWithContinuation(c.Request.Context(), workspaceID, syncengine.GCRequest{
		RetentionSeconds: request.RetentionSeconds,
		BatchSize:        request.BatchSize,
		TombstoneCursor:  request.TombstoneCursor,
		ChangeLogCursor:  request.ChangeLogCursor,
	})
	if err != nil {
		h.writeServiceError(c, "gc_failed", err)
		return
	}

	c.JSON(http.StatusOK, gcResponsePayload{
		Purged:  result.Purged(),
		HasMore: result.HasMore(),
		Tombstones: gcPassPayload{
			Purged:     result.Tombstones.Purged,
			HasMore:    result.Tombstones.HasMore,
			NextCursor: result.Tombstones.NextCursor,
		},
		ChangeLog: gcPassPayload{
			Purged:     result.ChangeLog.Purged,
			HasMore:    result.ChangeLog.HasMore,
			NextCursor: result.ChangeLog.NextCursor,
		},
	})
}

func (h *httpHandler) handleSubscribe(c *gin.Context) {
	workspaceID, err := syncengine.NewWorkspaceID(c.Query("workspace_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_workspace_id"})
		return
	}
	cursor, err := strconv.ParseInt(c.DefaultQuery("cursor", "0"), 10, 64)
	if err != nil || cursor < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	}
	if !h.requireMembership(c, workspaceID.String()) {
		return
	}

	messages, cancel := h.dispatcher.Subscribe(c.Request.Context(), workspaceID.String())
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// Replay changes committed before the subscription was registered, then
	// follow dispatcher nudges. The stream never persists the device cursor:
	// acknowledging consumption stays the subscriber's responsibility.
	cursor, err = h.streamChangesAfter(c, workspaceID, cursor)
	if err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case _, ok := <-messages:
			if !ok {
				return false
			}
			next, streamErr := h.streamChangesAfter(c, workspaceID, cursor)
			if streamErr != nil {
				return false
			}
			cursor = next
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"cursor": cursor})
			return true
		}
	})
}

// streamChangesAfter pages through the change log after the cursor and
// writes one SSE event per non-empty page. It returns the advanced cursor.
func (h *httpHandler) streamChangesAfter(c *gin.Context, workspaceID syncengine.WorkspaceID, cursor int64) (int64, error) {
	for {
		result, err := h.syncService.Pull(c.Request.Context(), workspaceID, syncengine.PullRequest{Cursor: cursor})
		if err != nil {
			h.logger.Error("subscription pull failed", zap.Error(err),
				zap.String("workspace_id", workspaceID.String()))
			return cursor, err
		}
		if len(result.Changes) > 0 {
			c.SSEvent(realtimeEventChanges, buildPullResponse(result))
			c.Writer.Flush()
		}
		cursor = result.NextCursor
		if !result.HasMore {
			return cursor, nil
		}
	}
}

func (h *httpHandler) writeServiceError(c *gin.Context, fallback string, err error) {
	var serviceErr *syncengine.ServiceError
	if errors.As(err, &serviceErr) {
		status := http.StatusInternalServerError
		if strings.HasSuffix(serviceErr.Code(), "batch_too_large") ||
			strings.HasSuffix(serviceErr.Code(), "invalid_version") {
			status = http.StatusBadRequest
		}
		h.logger.Error("sync request failed", zap.Error(err))
		c.JSON(status, gin.H{"error": fallback, "code": serviceErr.Code()})
		return
	}
	h.logger.Error("sync request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
}
