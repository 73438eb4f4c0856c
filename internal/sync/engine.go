package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/coup-hq/coup-api/internal/gcal"
	"github.com/coup-hq/coup-api/internal/schedule"
)

const (
	defaultWindowPast   = 180 * 24 * time.Hour
	defaultWindowFuture = 90 * 24 * time.Hour
)

var (
	errMissingCalendarClient = errors.New("calendar client is required")
	errMissingStore          = errors.New("schedule store is required")
	errMissingConverter      = errors.New("event converter is required")
)

// ServiceError pairs a dotted operation code with its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opEngineNew  = "sync.engine.new"
	opRunWindow  = "sync.run_window"
	opPushCreate = "sync.push_create"
	opPushUpdate = "sync.push_update"
	opPushDelete = "sync.push_delete"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Window bounds one reconciliation pass over the external calendar.
type Window struct {
	TimeMin       time.Time
	TimeMax       time.Time
	MaxResults    int64
	IsHistorySync bool
}

// DefaultWindow is the routine sync window: 180 days back, 90 days forward.
func DefaultWindow(now time.Time) Window {
	return Window{
		TimeMin: now.Add(-defaultWindowPast),
		TimeMax: now.Add(defaultWindowFuture),
	}
}

// Range reports the time span a sync covered.
type Range struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Stats aggregates the outcome of one reconciliation pass. Each count
// reflects only records whose write reported no error.
type Stats struct {
	Fetched       int   `json:"fetched"`
	Created       int   `json:"created"`
	Updated       int   `json:"updated"`
	Deleted       int   `json:"deleted"`
	SyncRange     Range `json:"syncRange"`
	IsHistorySync bool  `json:"isHistorySync"`
}

// RunInput identifies the member, calendar and window for one pass.
type RunInput struct {
	AccessToken string
	CalendarID  string
	MemberID    string
	Window      Window
}

// EngineConfig wires the reconciliation engine's collaborators.
type EngineConfig struct {
	Calendar  gcal.Client
	Store     *schedule.Service
	Converter *gcal.Converter
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Engine reconciles a member's internal schedule records against one
// authoritative pull of their external calendar.
type Engine struct {
	calendar  gcal.Client
	store     *schedule.Service
	converter *gcal.Converter
	clock     func() time.Time
	logger    *zap.Logger
}

// NewEngine validates configuration and constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Calendar == nil {
		return nil, newServiceError(opEngineNew, "missing_calendar", errMissingCalendarClient)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opEngineNew, "missing_store", errMissingStore)
	}
	if cfg.Converter == nil {
		return nil, newServiceError(opEngineNew, "missing_converter", errMissingConverter)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		calendar:  cfg.Calendar,
		store:     cfg.Store,
		converter: cfg.Converter,
		clock:     clock,
		logger:    logger,
	}, nil
}

// RunWindow performs one full reconciliation pass: fetch external events and
// internal records for the window, classify every event, then apply the
// staged inserts, updates and deletes in that order. Per-event conversion
// failures abort the pass; write-phase batch failures only lower the
// reported counts.
func (e *Engine) RunWindow(ctx context.Context, input RunInput) (Stats, error) {
	window := input.Window
	if window.TimeMin.IsZero() || window.TimeMax.IsZero() {
		window = DefaultWindow(e.clock())
		window.MaxResults = input.Window.MaxResults
		window.IsHistorySync = input.Window.IsHistorySync
	}

	stats := Stats{
		SyncRange:     Range{From: window.TimeMin, To: window.TimeMax},
		IsHistorySync: window.IsHistorySync,
	}

	orgID, err := e.store.MemberOrg(ctx, input.MemberID)
	if err != nil {
		return stats, newServiceError(opRunWindow, "member_lookup_failed", err)
	}

	projectIndex, err := e.store.ProjectNameIndex(ctx, orgID)
	if err != nil {
		return stats, newServiceError(opRunWindow, "project_lookup_failed", err)
	}

	loc := e.converter.Location()
	fromDate := window.TimeMin.In(loc).Format("2006-01-02")
	toDate := window.TimeMax.In(loc).Format("2006-01-02")

	records, err := e.store.RecordsInRange(ctx, input.MemberID, fromDate, toDate)
	if err != nil {
		return stats, newServiceError(opRunWindow, "record_fetch_failed", err)
	}

	byExternalID := make(map[string]*schedule.Record, len(records))
	for i := range records {
		if records[i].ExternalEventID != "" {
			byExternalID[records[i].ExternalEventID] = &records[i]
		}
	}

	listing, err := e.calendar.ListEvents(ctx, input.AccessToken, input.CalendarID, gcal.ListOptions{
		TimeMin:    window.TimeMin,
		TimeMax:    window.TimeMax,
		MaxResults: window.MaxResults,
	})
	if err != nil {
		return stats, newServiceError(opRunWindow, "event_fetch_failed", err)
	}
	stats.Fetched = len(listing.Items)

	var inserts []schedule.Record
	var updates []schedule.Record
	deleteIDs := make(map[string]struct{})
	activeEventIDs := make(map[string]struct{}, len(listing.Items))

	for _, event := range listing.Items {
		if event.Id == "" {
			continue
		}

		if event.Status == "cancelled" {
			if record, ok := byExternalID[event.Id]; ok {
				deleteIDs[record.ID] = struct{}{}
			}
			continue
		}

		if _, seen := activeEventIDs[event.Id]; seen {
			continue
		}
		activeEventIDs[event.Id] = struct{}{}

		fields, err := e.converter.FieldsFromEvent(event)
		if err != nil {
			return stats, newServiceError(opRunWindow, "event_convert_failed", err)
		}

		projectID := fields.ProjectID
		if projectID == "" && fields.ProjectName != "" {
			projectID = projectIndex[fields.ProjectName]
		}

		if record, ok := byExternalID[event.Id]; ok {
			if !fields.Updated.After(record.UpdatedAt) {
				continue
			}
			changed := *record
			changed.ProjectID = projectID
			changed.Date = fields.Date
			changed.StartTime = fields.StartTime
			changed.EndTime = fields.EndTime
			changed.Minutes = fields.Minutes
			changed.Description = fields.Description
			changed.IsReadOnly = fields.AllDay
			updates = append(updates, changed)
			continue
		}

		inserts = append(inserts, schedule.Record{
			MemberID:        input.MemberID,
			OrgID:           orgID,
			ProjectID:       projectID,
			Date:            fields.Date,
			StartTime:       fields.StartTime,
			EndTime:         fields.EndTime,
			Minutes:         fields.Minutes,
			Description:     fields.Description,
			ExternalEventID: event.Id,
			IsReadOnly:      fields.AllDay,
		})
	}

	// A historical window is partial evidence about the live calendar, so
	// absence from it must not be read as deletion.
	if !window.IsHistorySync {
		for i := range records {
			record := &records[i]
			if record.ExternalEventID == "" {
				continue
			}
			if _, active := activeEventIDs[record.ExternalEventID]; !active {
				deleteIDs[record.ID] = struct{}{}
			}
		}
	}

	for _, result := range e.store.CreateRecords(ctx, inserts) {
		stats.Created += result.Succeeded
	}
	for _, result := range e.store.UpdateRecords(ctx, updates) {
		stats.Updated += result.Succeeded
	}
	if len(deleteIDs) > 0 {
		ids := make([]string, 0, len(deleteIDs))
		for id := range deleteIDs {
			ids = append(ids, id)
		}
		deleted, err := e.store.DeleteRecords(ctx, ids)
		if err != nil {
			e.logger.Warn("record delete pass failed",
				zap.String("member_id", input.MemberID),
				zap.Int("staged", len(ids)),
				zap.Error(err))
		} else {
			stats.Deleted = deleted
		}
	}

	if err := e.store.TouchLastSync(ctx, input.MemberID, e.clock()); err != nil {
		e.logger.Warn("last sync timestamp update failed",
			zap.String("member_id", input.MemberID),
			zap.Error(err))
	}

	e.logger.Info("calendar window reconciled",
		zap.String("member_id", input.MemberID),
		zap.Int("fetched", stats.Fetched),
		zap.Int("created", stats.Created),
		zap.Int("updated", stats.Updated),
		zap.Int("deleted", stats.Deleted),
		zap.Bool("history", stats.IsHistorySync))

	return stats, nil
}

// PushCreate mirrors a freshly created internal record onto the external
// calendar and stores the returned event id for future correlation.
func (e *Engine) PushCreate(ctx context.Context, accessToken, calendarID string, record schedule.Record) (string, error) {
	projectName, err := e.store.ProjectName(ctx, record.ProjectID)
	if err != nil {
		return "", newServiceError(opPushCreate, "project_lookup_failed", err)
	}

	event, err := e.converter.EventFromRecord(record, projectName, record.ProjectID)
	if err != nil {
		return "", newServiceError(opPushCreate, "convert_failed", err)
	}

	created, err := e.calendar.CreateEvent(ctx, accessToken, calendarID, event)
	if err != nil {
		return "", newServiceError(opPushCreate, "remote_create_failed", err)
	}

	if err := e.store.SetRecordExternalID(ctx, record.ID, created.Id); err != nil {
		return "", newServiceError(opPushCreate, "correlation_store_failed", err)
	}
	return created.Id, nil
}

// PushUpdate patches the correlated external event in place. A record that
// has never been pushed falls back to PushCreate, healing the correlation.
func (e *Engine) PushUpdate(ctx context.Context, accessToken, calendarID string, record schedule.Record) (string, error) {
	if record.ExternalEventID == "" {
		return e.PushCreate(ctx, accessToken, calendarID, record)
	}

	projectName, err := e.store.ProjectName(ctx, record.ProjectID)
	if err != nil {
		return "", newServiceError(opPushUpdate, "project_lookup_failed", err)
	}

	event, err := e.converter.EventFromRecord(record, projectName, record.ProjectID)
	if err != nil {
		return "", newServiceError(opPushUpdate, "convert_failed", err)
	}

	updated, err := e.calendar.UpdateEvent(ctx, accessToken, calendarID, record.ExternalEventID, event)
	if err != nil {
		return "", newServiceError(opPushUpdate, "remote_update_failed", err)
	}
	return updated.Id, nil
}

// PushDelete removes the correlated external event. A record with no
// external id is a local-only record and deleting it remotely is a no-op.
func (e *Engine) PushDelete(ctx context.Context, accessToken, calendarID string, record schedule.Record) error {
	if record.ExternalEventID == "" {
		return nil
	}
	if err := e.calendar.DeleteEvent(ctx, accessToken, calendarID, record.ExternalEventID); err != nil {
		return newServiceError(opPushDelete, "remote_delete_failed", err)
	}
	return nil
}
