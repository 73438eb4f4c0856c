package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	calsync "github.com/coup-hq/coup-api/internal/sync"

	"github.com/coup-hq/coup-api/internal/gcal"
	"github.com/coup-hq/coup-api/internal/schedule"
)

const memberIDContextKey = "coup_member_id"

var (
	errMissingCalendarClient = errors.New("calendar client dependency required")
	errMissingEngine         = errors.New("sync engine dependency required")
	errMissingStore          = errors.New("schedule store dependency required")
	errMissingTokenManager   = errors.New("token manager dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// BackendTokenValidator validates backend session tokens and returns the
// member they belong to.
type BackendTokenValidator interface {
	ValidateToken(token string) (string, error)
}

// BackendTokenIssuer mints backend session tokens for a resolved member id.
type BackendTokenIssuer interface {
	IssueToken(memberID string) (string, int64, error)
}

// Dependencies wires the HTTP layer.
type Dependencies struct {
	Calendar gcal.Client
	Engine   *calsync.Engine
	Store    *schedule.Service
	Tokens   BackendTokenValidator
	// Issuer and InternalSecret together enable the token exchange route
	// used by the upstream login service. Leaving either unset disables it.
	Issuer         BackendTokenIssuer
	InternalSecret string
	Logger         *zap.Logger
	Clock          func() time.Time
	// ChunkPause overrides the backfill inter-chunk pause; zero keeps the default.
	ChunkPause time.Duration
}

// NewHTTPHandler builds the gin route tree for the calendar sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Calendar == nil {
		return nil, errMissingCalendarClient
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		calendar:       deps.Calendar,
		engine:         deps.Engine,
		store:          deps.Store,
		tokens:         deps.Tokens,
		issuer:         deps.Issuer,
		internalSecret: deps.InternalSecret,
		logger:         logger,
		clock:          clock,
		chunkPause:     deps.ChunkPause,
		orchestrators:  make(map[string]*calsync.Orchestrator),
	}

	if deps.Issuer != nil && deps.InternalSecret != "" {
		router.POST("/auth/token", handler.handleIssueToken)
	}

	protected := router.Group("/calendar")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync", handler.handleSync)
	protected.POST("/sync/history", handler.handleHistorySync)
	protected.GET("/sync/history/progress", handler.handleHistoryProgress)
	protected.POST("/calendars", handler.handleListCalendars)
	protected.GET("/settings/:memberId", handler.handleGetSettings)
	protected.PUT("/settings/:memberId", handler.handlePutSettings)

	return router, nil
}

type httpHandler struct {
	calendar       gcal.Client
	engine         *calsync.Engine
	store          *schedule.Service
	tokens         BackendTokenValidator
	issuer         BackendTokenIssuer
	internalSecret string
	logger         *zap.Logger
	clock          func() time.Time
	chunkPause     time.Duration

	orchestratorMu sync.Mutex
	orchestrators  map[string]*calsync.Orchestrator
}

func (h *httpHandler) orchestratorFor(memberID string) (*calsync.Orchestrator, error) {
	h.orchestratorMu.Lock()
	defer h.orchestratorMu.Unlock()

	if orchestrator, ok := h.orchestrators[memberID]; ok {
		return orchestrator, nil
	}
	orchestrator, err := calsync.NewOrchestrator(calsync.OrchestratorConfig{
		MemberID: memberID,
		Engine:   h.engine,
		Store:    h.store,
		Logger:   h.logger,
		Clock:    h.clock,
		Pause:    h.chunkPause,
	})
	if err != nil {
		return nil, err
	}
	h.orchestrators[memberID] = orchestrator
	return orchestrator, nil
}

type scheduleDataPayload struct {
	ID              string `json:"id"`
	ProjectID       string `json:"projectId"`
	Date            string `json:"date"`
	StartTime       string `json:"startTime"`
	EndTime         string `json:"endTime"`
	Minutes         int    `json:"minutes"`
	Description     string `json:"description"`
	ExternalEventID string `json:"externalEventId"`
}

type syncOptionsPayload struct {
	StartDate     string `json:"startDate"`
	EndDate       string `json:"endDate"`
	MaxResults    int64  `json:"maxResults"`
	IsHistorySync bool   `json:"isHistorySync"`
}

type syncRequestPayload struct {
	MemberID    string               `json:"memberId"`
	AccessToken string               `json:"accessToken"`
	CalendarID  string               `json:"calendarId"`
	Action      string               `json:"action"`
	Schedule    *scheduleDataPayload `json:"scheduleData"`
	SyncOptions *syncOptionsPayload  `json:"syncOptions"`
}

func (h *httpHandler) handleSync(c *gin.Context) {
	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !h.requestMatchesSession(c, request.MemberID) {
		return
	}
	if strings.TrimSpace(request.AccessToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "access token is required"})
		return
	}

	orchestrator, err := h.orchestratorFor(request.MemberID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_unavailable"})
		return
	}
	session := calsync.Session{MemberID: request.MemberID, AccessToken: request.AccessToken}

	if request.Action != "" {
		h.handleSingleRecordSync(c, orchestrator, session, request)
		return
	}

	if strings.TrimSpace(request.CalendarID) == "" {
		settings, settingsErr := h.store.SettingsForMember(c.Request.Context(), request.MemberID)
		if settingsErr != nil || settings.CalendarID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "calendar id is required"})
			return
		}
	}

	opts, err := parseSyncOptions(request.SyncOptions)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stats, err := orchestrator.SyncNow(c.Request.Context(), session, request.CalendarID, opts)
	if err != nil {
		if errors.Is(err, schedule.ErrMemberNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "member not found"})
			return
		}
		h.logger.Error("calendar sync failed", zap.String("member_id", request.MemberID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	if stats == nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "skipped": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

func (h *httpHandler) handleSingleRecordSync(c *gin.Context, orchestrator *calsync.Orchestrator, session calsync.Session, request syncRequestPayload) {
	if request.Schedule == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "schedule data is required"})
		return
	}
	if strings.TrimSpace(request.CalendarID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "calendar id is required"})
		return
	}

	record := h.resolveRecord(c, request.MemberID, *request.Schedule)

	eventID, err := orchestrator.PushRecord(c.Request.Context(), session, request.CalendarID, request.Action, record)
	if err != nil {
		h.logger.Error("single record sync failed",
			zap.String("member_id", request.MemberID),
			zap.String("action", request.Action),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}

	response := gin.H{"success": true}
	if eventID != "" {
		response["eventId"] = eventID
	}
	c.JSON(http.StatusOK, response)
}

// resolveRecord merges the payload onto the stored row when one exists, so a
// delete or update works from the persisted external event id even if the
// client omitted it.
func (h *httpHandler) resolveRecord(c *gin.Context, memberID string, payload scheduleDataPayload) schedule.Record {
	record := schedule.Record{
		ID:              payload.ID,
		MemberID:        memberID,
		ProjectID:       payload.ProjectID,
		Date:            payload.Date,
		StartTime:       payload.StartTime,
		EndTime:         payload.EndTime,
		Minutes:         payload.Minutes,
		Description:     payload.Description,
		ExternalEventID: payload.ExternalEventID,
	}
	if payload.ID == "" {
		return record
	}
	stored, err := h.store.RecordByID(c.Request.Context(), payload.ID)
	if err != nil {
		return record
	}
	record.OrgID = stored.OrgID
	if record.ExternalEventID == "" {
		record.ExternalEventID = stored.ExternalEventID
	}
	if record.Date == "" {
		record.Date = stored.Date
	}
	return record
}

type historySyncRequestPayload struct {
	MemberID    string `json:"memberId"`
	AccessToken string `json:"accessToken"`
	CalendarID  string `json:"calendarId"`
	StartYear   int    `json:"startYear"`
	StartMonth  int    `json:"startMonth"`
}

func (h *httpHandler) handleHistorySync(c *gin.Context) {
	var request historySyncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !h.requestMatchesSession(c, request.MemberID) {
		return
	}
	if request.StartYear < 2000 || request.StartMonth < 1 || request.StartMonth > 12 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start period"})
		return
	}
	if strings.TrimSpace(request.CalendarID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "calendar id is required"})
		return
	}

	orchestrator, err := h.orchestratorFor(request.MemberID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_unavailable"})
		return
	}
	session := calsync.Session{MemberID: request.MemberID, AccessToken: request.AccessToken}

	// The backfill outlives the request; it reports through the progress
	// endpoint, not the response.
	go func() {
		err := orchestrator.RunHistorySync(context.Background(), session, request.CalendarID,
			request.StartYear, time.Month(request.StartMonth))
		if err != nil && !errors.Is(err, calsync.ErrBackfillRunning) {
			h.logger.Warn("history backfill ended with error",
				zap.String("member_id", request.MemberID),
				zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

func (h *httpHandler) handleHistoryProgress(c *gin.Context) {
	memberID := c.Query("memberId")
	if !h.requestMatchesSession(c, memberID) {
		return
	}
	orchestrator, err := h.orchestratorFor(memberID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_unavailable"})
		return
	}
	c.JSON(http.StatusOK, orchestrator.Progress())
}

type calendarListRequestPayload struct {
	AccessToken string `json:"accessToken"`
}

func (h *httpHandler) handleListCalendars(c *gin.Context) {
	var request calendarListRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.AccessToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "access token is required"})
		return
	}

	entries, err := h.calendar.ListCalendars(c.Request.Context(), request.AccessToken)
	if err != nil {
		h.logger.Warn("calendar listing failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "calendar_list_failed"})
		return
	}

	owned := make([]gcal.CalendarEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.AccessRole == gcal.AccessRoleOwner {
			owned = append(owned, entry)
		}
	}
	c.JSON(http.StatusOK, gin.H{"calendars": owned})
}

type settingsPayload struct {
	MemberID   string     `json:"memberId"`
	IsEnabled  bool       `json:"isEnabled"`
	CalendarID string     `json:"calendarId"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
}

func (h *httpHandler) handleGetSettings(c *gin.Context) {
	memberID := c.Param("memberId")
	if !h.requestMatchesSession(c, memberID) {
		return
	}

	settings, err := h.store.SettingsForMember(c.Request.Context(), memberID)
	if errors.Is(err, schedule.ErrSettingsNotFound) {
		c.JSON(http.StatusOK, settingsPayload{MemberID: memberID})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settings_unavailable"})
		return
	}
	c.JSON(http.StatusOK, settingsPayload{
		MemberID:   settings.MemberID,
		IsEnabled:  settings.IsEnabled,
		CalendarID: settings.CalendarID,
		LastSyncAt: settings.LastSyncAt,
	})
}

func (h *httpHandler) handlePutSettings(c *gin.Context) {
	memberID := c.Param("memberId")
	if !h.requestMatchesSession(c, memberID) {
		return
	}

	var request settingsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.store.UpsertSettings(c.Request.Context(), schedule.SyncSettings{
		MemberID:   memberID,
		IsEnabled:  request.IsEnabled,
		CalendarID: request.CalendarID,
	})
	if err != nil {
		h.logger.Error("settings upsert failed", zap.String("member_id", memberID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settings_update_failed"})
		return
	}

	h.orchestratorMu.Lock()
	if orchestrator, ok := h.orchestrators[memberID]; ok {
		orchestrator.InvalidateSettings()
	}
	h.orchestratorMu.Unlock()

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type tokenRequestPayload struct {
	MemberID string `json:"memberId"`
}

// handleIssueToken exchanges a resolved member id for a backend session
// token. Only the upstream login service holds the internal secret; member
// identity verification happens there.
func (h *httpHandler) handleIssueToken(c *gin.Context) {
	secret := c.GetHeader("X-Internal-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.internalSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.MemberID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "member id is required"})
		return
	}

	token, expiresIn, err := h.issuer.IssueToken(request.MemberID)
	if err != nil {
		h.logger.Error("token issuance failed", zap.String("member_id", request.MemberID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresIn": expiresIn})
}

// requestMatchesSession rejects requests whose member id is missing or does
// not match the authenticated session subject.
func (h *httpHandler) requestMatchesSession(c *gin.Context, memberID string) bool {
	if strings.TrimSpace(memberID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "member id is required"})
		return false
	}
	sessionMember := c.GetString(memberIDContextKey)
	if sessionMember == "" || sessionMember != memberID {
		c.JSON(http.StatusForbidden, gin.H{"error": "member mismatch"})
		return false
	}
	return true
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
	c.Set(memberIDContextKey, subject)
	c.Next()
}

func parseSyncOptions(payload *syncOptionsPayload) (calsync.SyncOptions, error) {
	if payload == nil {
		return calsync.SyncOptions{}, nil
	}

	opts := calsync.SyncOptions{
		MaxResults:    payload.MaxResults,
		IsHistorySync: payload.IsHistorySync,
	}

	var err error
	if payload.StartDate != "" {
		opts.StartDate, err = parseDateOrInstant(payload.StartDate)
		if err != nil {
			return calsync.SyncOptions{}, errors.New("invalid startDate")
		}
	}
	if payload.EndDate != "" {
		opts.EndDate, err = parseDateOrInstant(payload.EndDate)
		if err != nil {
			return calsync.SyncOptions{}, errors.New("invalid endDate")
		}
	}
	return opts, nil
}

func parseDateOrInstant(value string) (time.Time, error) {
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed, nil
	}
	return time.Parse("2006-01-02", value)
}
