package sync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/coup-hq/coup-api/internal/gcal"
)

func newOrchestratorFixture(t *testing.T, fake *fakeCalendar, clock func() time.Time) (*Orchestrator, engineFixture) {
	t.Helper()
	fixture := newEngineFixture(t, fake)

	orchestrator, err := NewOrchestrator(OrchestratorConfig{
		MemberID: "m-1",
		Engine:   fixture.engine,
		Store:    fixture.store,
		Logger:   zap.NewNop(),
		Clock:    clock,
		Pause:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build orchestrator: %v", err)
	}
	return orchestrator, fixture
}

func fixedJune() time.Time {
	return time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
}

func TestMonthChunksOrderAndHistoryFlags(t *testing.T) {
	chunks := monthChunks(fixedJune(), 2025, time.March)

	wantLabels := []string{"2025-09", "2025-08", "2025-07", "2025-06", "2025-05", "2025-04", "2025-03"}
	if len(chunks) != len(wantLabels) {
		t.Fatalf("expected %d chunks, got %d", len(wantLabels), len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.label != wantLabels[i] {
			t.Fatalf("chunk %d label %q, want %q", i, chunk.label, wantLabels[i])
		}
		wantHistory := i > 3
		if chunk.history != wantHistory {
			t.Fatalf("chunk %s history = %v, want %v", chunk.label, chunk.history, wantHistory)
		}
		if !chunk.end.Equal(chunk.start.AddDate(0, 1, 0)) {
			t.Fatalf("chunk %s window must span one month", chunk.label)
		}
	}
}

func TestMonthChunksStartAfterWindowIsEmpty(t *testing.T) {
	if chunks := monthChunks(fixedJune(), 2026, time.January); len(chunks) != 0 {
		t.Fatalf("expected no chunks for a start beyond the future window, got %d", len(chunks))
	}
}

func TestRunHistorySyncContinuesPastFailedMonth(t *testing.T) {
	event := timedEvent("e1", "standup", "2025-06-10T09:00:00Z", "2025-06-10T10:00:00Z")
	event.Updated = "2025-06-10T10:00:00Z"
	fake := newFakeCalendar(event)
	// Month three of the five-month plan fails with a provider error.
	fake.listErr = func(opts gcal.ListOptions) error {
		if opts.TimeMin.Format("2006-01") == "2025-07" {
			return errors.New("googleapi: Error 500: backend error")
		}
		return nil
	}

	orchestrator, _ := newOrchestratorFixture(t, fake, fixedJune)
	session := Session{MemberID: "m-1", AccessToken: "token"}

	// Start month May 2025 yields five chunks: 09, 08, 07, 06, 05.
	if err := orchestrator.RunHistorySync(context.Background(), session, "cal-1", 2025, time.May); err != nil {
		t.Fatalf("backfill should not abort on a chunk failure: %v", err)
	}

	progress := orchestrator.Progress()
	if progress.IsRunning {
		t.Fatalf("progress should be finalized")
	}
	if progress.TotalMonths != 5 || progress.CompletedMonths != 5 {
		t.Fatalf("expected all 5 months processed, got %+v", progress)
	}
	if len(progress.FailedMonths) != 1 {
		t.Fatalf("expected one failed month, got %v", progress.FailedMonths)
	}
	if !strings.Contains(progress.FailedMonths[0], "2025-07") {
		t.Fatalf("failure entry should reference the month label, got %q", progress.FailedMonths[0])
	}
	if progress.TotalEvents != 4 {
		t.Fatalf("failed month must not contribute events, got %d", progress.TotalEvents)
	}
	if progress.Error != "" {
		t.Fatalf("chunk failures are not fatal, got %q", progress.Error)
	}
}

func TestRunHistorySyncRefusesSecondInstance(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	fake := newFakeCalendar()
	fake.listErr = func(opts gcal.ListOptions) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}

	orchestrator, _ := newOrchestratorFixture(t, fake, fixedJune)
	session := Session{MemberID: "m-1", AccessToken: "token"}

	done := make(chan error, 1)
	go func() {
		done <- orchestrator.RunHistorySync(context.Background(), session, "cal-1", 2025, time.June)
	}()
	<-started

	if err := orchestrator.RunHistorySync(context.Background(), session, "cal-1", 2025, time.June); !errors.Is(err, ErrBackfillRunning) {
		t.Fatalf("expected ErrBackfillRunning, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first backfill failed: %v", err)
	}
}

func TestRunHistorySyncWithoutTokenReportsAuthError(t *testing.T) {
	orchestrator, _ := newOrchestratorFixture(t, newFakeCalendar(), fixedJune)

	err := orchestrator.RunHistorySync(context.Background(), Session{MemberID: "m-1"}, "cal-1", 2025, time.May)
	if err != nil {
		t.Fatalf("missing token must not propagate an error: %v", err)
	}

	progress := orchestrator.Progress()
	if progress.IsRunning {
		t.Fatalf("progress should be finalized")
	}
	if progress.Error == "" {
		t.Fatalf("expected a user-facing authentication error")
	}
	if progress.CompletedMonths != 0 {
		t.Fatalf("no chunks should run without a token, got %+v", progress)
	}
}

func TestSyncNowSkipsWithoutToken(t *testing.T) {
	fake := newFakeCalendar()
	orchestrator, _ := newOrchestratorFixture(t, fake, fixedJune)

	stats, err := orchestrator.SyncNow(context.Background(), Session{MemberID: "m-1"}, "cal-1", SyncOptions{})
	if err != nil {
		t.Fatalf("missing token must be silent: %v", err)
	}
	if stats != nil {
		t.Fatalf("expected skip, got %+v", stats)
	}
	if len(fake.listCalls) != 0 {
		t.Fatalf("no provider calls expected, got %d", len(fake.listCalls))
	}
}

func TestSyncNowSkipsWhileAnotherSyncRuns(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	fake := newFakeCalendar()
	fake.listErr = func(opts gcal.ListOptions) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}

	orchestrator, _ := newOrchestratorFixture(t, fake, fixedJune)
	session := Session{MemberID: "m-1", AccessToken: "token"}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = orchestrator.SyncNow(context.Background(), session, "cal-1", SyncOptions{})
	}()
	<-started

	stats, err := orchestrator.SyncNow(context.Background(), session, "cal-1", SyncOptions{})
	if err != nil {
		t.Fatalf("re-entrant sync must be silent: %v", err)
	}
	if stats != nil {
		t.Fatalf("re-entrant sync must no-op, got %+v", stats)
	}

	close(release)
	<-done
}

func TestSyncNowUsesSavedCalendarWhenEnabled(t *testing.T) {
	fake := newFakeCalendar()
	orchestrator, _ := newOrchestratorFixture(t, fake, fixedJune)
	session := Session{MemberID: "m-1", AccessToken: "token"}

	stats, err := orchestrator.SyncNow(context.Background(), session, "", SyncOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats == nil {
		t.Fatalf("expected sync to run against saved calendar")
	}
	if len(fake.listCalls) != 1 {
		t.Fatalf("expected one provider listing, got %d", len(fake.listCalls))
	}
}

func TestSyncNowAppliesExplicitWindow(t *testing.T) {
	fake := newFakeCalendar()
	orchestrator, _ := newOrchestratorFixture(t, fake, fixedJune)
	session := Session{MemberID: "m-1", AccessToken: "token"}

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	stats, err := orchestrator.SyncNow(context.Background(), session, "cal-1", SyncOptions{StartDate: start, EndDate: end})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats == nil {
		t.Fatalf("expected stats")
	}
	if !stats.SyncRange.From.Equal(start) || !stats.SyncRange.To.Equal(end) {
		t.Fatalf("expected explicit window echoed, got %+v", stats.SyncRange)
	}
	if len(fake.listCalls) != 1 || !fake.listCalls[0].TimeMin.Equal(start) {
		t.Fatalf("provider should be queried with the explicit window: %+v", fake.listCalls)
	}
}
