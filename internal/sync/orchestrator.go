package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/coup-hq/coup-api/internal/schedule"
)

const (
	chunkPause       = 100 * time.Millisecond
	futureChunkCount = 3
	monthLabelLayout = "2006-01"
)

// Session is the explicit per-request session context: the member acting and
// the provider access token resolved for them. It replaces any ambient
// process-wide auth state.
type Session struct {
	MemberID    string
	AccessToken string
}

// SyncOptions optionally narrows a routine sync window.
type SyncOptions struct {
	StartDate     time.Time
	EndDate       time.Time
	MaxResults    int64
	IsHistorySync bool
}

// Progress is a snapshot of a running or finished historical backfill.
type Progress struct {
	IsRunning       bool     `json:"isRunning"`
	CurrentPeriod   string   `json:"currentPeriod"`
	TotalMonths     int      `json:"totalMonths"`
	CompletedMonths int      `json:"completedMonths"`
	TotalEvents     int      `json:"totalEvents"`
	FailedMonths    []string `json:"failedMonths"`
	Error           string   `json:"error,omitempty"`
}

// ErrBackfillRunning indicates a second backfill was requested while one is
// already in flight.
var ErrBackfillRunning = errors.New("sync: history backfill already running")

// OrchestratorConfig wires one member's sync coordinator.
type OrchestratorConfig struct {
	MemberID string
	Engine   *Engine
	Store    *schedule.Service
	Logger   *zap.Logger
	Clock    func() time.Time
	Pause    time.Duration
}

// Orchestrator coordinates sync entry points for a single member: it caches
// the member's sync settings, guarantees at most one sync in flight, and
// drives the chunked historical backfill with linear progress reporting.
type Orchestrator struct {
	memberID string
	engine   *Engine
	store    *schedule.Service
	logger   *zap.Logger
	clock    func() time.Time
	pause    time.Duration

	settingsMu sync.Mutex
	settings   *schedule.SyncSettings

	syncing atomic.Bool

	progressMu sync.Mutex
	progress   Progress
}

// NewOrchestrator constructs the per-member coordinator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if strings.TrimSpace(cfg.MemberID) == "" {
		return nil, errors.New("sync: member id is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("sync: engine is required")
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pause := cfg.Pause
	if pause <= 0 {
		pause = chunkPause
	}

	return &Orchestrator{
		memberID: cfg.MemberID,
		engine:   cfg.Engine,
		store:    cfg.Store,
		logger:   logger,
		clock:    clock,
		pause:    pause,
	}, nil
}

// Settings returns the member's sync settings, loading them once and reusing
// the cached copy afterwards. A member without a settings row gets disabled
// defaults.
func (o *Orchestrator) Settings(ctx context.Context) (schedule.SyncSettings, error) {
	o.settingsMu.Lock()
	defer o.settingsMu.Unlock()

	if o.settings != nil {
		return *o.settings, nil
	}

	settings, err := o.store.SettingsForMember(ctx, o.memberID)
	if errors.Is(err, schedule.ErrSettingsNotFound) {
		settings = schedule.SyncSettings{MemberID: o.memberID}
	} else if err != nil {
		return schedule.SyncSettings{}, err
	}

	o.settings = &settings
	return settings, nil
}

// InvalidateSettings drops the cached settings so the next call reloads them.
func (o *Orchestrator) InvalidateSettings() {
	o.settingsMu.Lock()
	defer o.settingsMu.Unlock()
	o.settings = nil
}

// SyncNow runs one full-window reconciliation. A call that finds another
// sync in flight, a missing access token, or sync disabled returns a nil
// Stats without error; routine syncs fail silently by design.
func (o *Orchestrator) SyncNow(ctx context.Context, session Session, calendarID string, opts SyncOptions) (*Stats, error) {
	if !o.syncing.CompareAndSwap(false, true) {
		o.logger.Debug("sync already in flight, skipping", zap.String("member_id", o.memberID))
		return nil, nil
	}
	defer o.syncing.Store(false)

	if session.AccessToken == "" {
		o.logger.Debug("no calendar access token, skipping sync", zap.String("member_id", o.memberID))
		return nil, nil
	}

	settings, err := o.Settings(ctx)
	if err != nil {
		return nil, err
	}
	if calendarID == "" {
		// A caller that names no calendar relies on the member's saved
		// settings, which must be enabled.
		if !settings.IsEnabled || settings.CalendarID == "" {
			o.logger.Debug("calendar sync not configured, skipping", zap.String("member_id", o.memberID))
			return nil, nil
		}
		calendarID = settings.CalendarID
	}

	stats, err := o.engine.RunWindow(ctx, RunInput{
		AccessToken: session.AccessToken,
		CalendarID:  calendarID,
		MemberID:    o.memberID,
		Window: Window{
			TimeMin:       opts.StartDate,
			TimeMax:       opts.EndDate,
			MaxResults:    opts.MaxResults,
			IsHistorySync: opts.IsHistorySync,
		},
	})
	if err != nil {
		o.logger.Warn("calendar sync failed",
			zap.String("member_id", o.memberID),
			zap.Error(err))
		return nil, err
	}
	return &stats, nil
}

// PushRecord mirrors one direct record edit to the external calendar,
// bypassing the window diff. Supported actions are create, update and
// delete. A call racing an in-flight sync is skipped and returns empty.
func (o *Orchestrator) PushRecord(ctx context.Context, session Session, calendarID, action string, record schedule.Record) (string, error) {
	if !o.syncing.CompareAndSwap(false, true) {
		o.logger.Debug("sync already in flight, skipping push", zap.String("member_id", o.memberID))
		return "", nil
	}
	defer o.syncing.Store(false)

	if session.AccessToken == "" {
		o.logger.Debug("no calendar access token, skipping push", zap.String("member_id", o.memberID))
		return "", nil
	}

	switch action {
	case "create":
		return o.engine.PushCreate(ctx, session.AccessToken, calendarID, record)
	case "update":
		return o.engine.PushUpdate(ctx, session.AccessToken, calendarID, record)
	case "delete":
		return "", o.engine.PushDelete(ctx, session.AccessToken, calendarID, record)
	default:
		return "", fmt.Errorf("sync: unknown action %q", action)
	}
}

// Progress returns a copy of the current backfill progress.
func (o *Orchestrator) Progress() Progress {
	o.progressMu.Lock()
	defer o.progressMu.Unlock()

	snapshot := o.progress
	snapshot.FailedMonths = append([]string(nil), o.progress.FailedMonths...)
	return snapshot
}

// RunHistorySync backfills the member's calendar month by month, newest to
// oldest: three upcoming months and the current month as routine chunks,
// then every month back to the start as history chunks with orphan deletion
// suppressed. Each chunk failure is recorded and the backfill continues; it
// never aborts on a single bad month.
func (o *Orchestrator) RunHistorySync(ctx context.Context, session Session, calendarID string, startYear int, startMonth time.Month) error {
	o.progressMu.Lock()
	if o.progress.IsRunning {
		o.progressMu.Unlock()
		o.logger.Debug("history backfill already running", zap.String("member_id", o.memberID))
		return ErrBackfillRunning
	}

	chunks := monthChunks(o.clock().In(o.engine.converter.Location()), startYear, startMonth)
	o.progress = Progress{
		IsRunning:    true,
		TotalMonths:  len(chunks),
		FailedMonths: make([]string, 0),
	}
	o.progressMu.Unlock()

	defer func() {
		if recovered := recover(); recovered != nil {
			o.logger.Error("history backfill panicked",
				zap.String("member_id", o.memberID),
				zap.Any("panic", recovered))
			o.finishBackfill(fmt.Sprintf("internal error: %v", recovered))
		}
	}()

	if session.AccessToken == "" {
		o.finishBackfill("calendar authentication required")
		return nil
	}

	for i, chunk := range chunks {
		o.progressMu.Lock()
		o.progress.CurrentPeriod = chunk.label
		o.progressMu.Unlock()

		stats, err := o.engine.RunWindow(ctx, RunInput{
			AccessToken: session.AccessToken,
			CalendarID:  calendarID,
			MemberID:    o.memberID,
			Window: Window{
				TimeMin:       chunk.start,
				TimeMax:       chunk.end,
				IsHistorySync: chunk.history,
			},
		})

		o.progressMu.Lock()
		if err != nil {
			o.progress.FailedMonths = append(o.progress.FailedMonths,
				fmt.Sprintf("%s: %v", chunk.label, err))
			o.logger.Warn("history chunk failed",
				zap.String("member_id", o.memberID),
				zap.String("period", chunk.label),
				zap.Error(err))
		} else {
			o.progress.TotalEvents += stats.Fetched
		}
		o.progress.CompletedMonths++
		o.progressMu.Unlock()

		if i < len(chunks)-1 {
			// Fixed pause between chunks to stay under provider rate limits.
			select {
			case <-ctx.Done():
				o.finishBackfill(ctx.Err().Error())
				return ctx.Err()
			case <-time.After(o.pause):
			}
		}
	}

	o.finishBackfill("")
	o.logger.Info("history backfill finished",
		zap.String("member_id", o.memberID),
		zap.Int("months", len(chunks)))
	return nil
}

func (o *Orchestrator) finishBackfill(errorMessage string) {
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	o.progress.IsRunning = false
	o.progress.CurrentPeriod = ""
	o.progress.Error = errorMessage
}

type monthChunk struct {
	start   time.Time
	end     time.Time
	label   string
	history bool
}

// monthChunks builds the descending backfill plan: three months ahead of
// now, then the current month, then every month back to the start month.
// The first four chunks sync as routine windows; the rest as history.
func monthChunks(now time.Time, startYear int, startMonth time.Month) []monthChunk {
	loc := now.Location()
	current := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
	first := time.Date(startYear, startMonth, 1, 0, 0, 0, 0, loc)

	var chunks []monthChunk
	for month := current.AddDate(0, futureChunkCount, 0); !month.Before(first); month = month.AddDate(0, -1, 0) {
		chunks = append(chunks, monthChunk{
			start:   month,
			end:     month.AddDate(0, 1, 0),
			label:   month.Format(monthLabelLayout),
			history: len(chunks) > futureChunkCount,
		})
	}
	return chunks
}
