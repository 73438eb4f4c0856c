package sync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"google.golang.org/api/calendar/v3"
	"gorm.io/gorm"

	"github.com/coup-hq/coup-api/internal/gcal"
	"github.com/coup-hq/coup-api/internal/schedule"
)

// fakeCalendar is an in-memory stand-in for the external provider.
type fakeCalendar struct {
	mu        sync.Mutex
	events    []*calendar.Event
	listErr   func(opts gcal.ListOptions) error
	listCalls []gcal.ListOptions
	created   []*calendar.Event
	updated   map[string]*calendar.Event
	deleted   []string
	nextID    int
}

func newFakeCalendar(events ...*calendar.Event) *fakeCalendar {
	return &fakeCalendar{
		events:  events,
		updated: make(map[string]*calendar.Event),
		nextID:  1,
	}
}

func (f *fakeCalendar) ListCalendars(ctx context.Context, accessToken string) ([]gcal.CalendarEntry, error) {
	return []gcal.CalendarEntry{{ID: "cal-1", Title: "Work", AccessRole: gcal.AccessRoleOwner}}, nil
}

func (f *fakeCalendar) ListEvents(ctx context.Context, accessToken, calendarID string, opts gcal.ListOptions) (gcal.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, opts)
	if f.listErr != nil {
		if err := f.listErr(opts); err != nil {
			return gcal.ListResult{}, err
		}
	}
	items := make([]*calendar.Event, 0, len(f.events))
	for _, event := range f.events {
		items = append(items, event)
	}
	return gcal.ListResult{Items: items}, nil
}

func (f *fakeCalendar) CreateEvent(ctx context.Context, accessToken, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	created := *event
	created.Id = fmt.Sprintf("fake-ev-%d", f.nextID)
	f.nextID++
	f.created = append(f.created, &created)
	return &created, nil
}

func (f *fakeCalendar) UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	patched := *event
	patched.Id = eventID
	f.updated[eventID] = &patched
	return &patched, nil
}

func (f *fakeCalendar) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, eventID)
	return nil
}

type engineFixture struct {
	engine   *Engine
	store    *schedule.Service
	calendar *fakeCalendar
	db       *gorm.DB
}

func newEngineFixture(t *testing.T, calendarFake *fakeCalendar) engineFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&schedule.Record{}, &schedule.SyncSettings{}, &schedule.Project{}, &schedule.Member{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := schedule.NewService(schedule.ServiceConfig{
		Database:   db,
		IDProvider: schedule.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}

	if err := db.Create(&schedule.Member{ID: "m-1", OrgID: "org-1", DisplayName: "Aoi"}).Error; err != nil {
		t.Fatalf("failed to seed member: %v", err)
	}
	if err := db.Create(&schedule.Project{ID: "proj-1", OrgID: "org-1", Name: "Acme"}).Error; err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}
	if err := db.Create(&schedule.SyncSettings{MemberID: "m-1", IsEnabled: true, CalendarID: "cal-1"}).Error; err != nil {
		t.Fatalf("failed to seed settings: %v", err)
	}

	engine, err := NewEngine(EngineConfig{
		Calendar:  calendarFake,
		Store:     store,
		Converter: gcal.NewConverter(time.UTC),
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	return engineFixture{engine: engine, store: store, calendar: calendarFake, db: db}
}

func marchWindow() Window {
	return Window{
		TimeMin: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		TimeMax: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
	}
}

func marchInput(window Window) RunInput {
	return RunInput{
		AccessToken: "token",
		CalendarID:  "cal-1",
		MemberID:    "m-1",
		Window:      window,
	}
}

func timedEvent(id, summary, start, end string) *calendar.Event {
	return &calendar.Event{
		Id:      id,
		Status:  "confirmed",
		Summary: summary,
		Start:   &calendar.EventDateTime{DateTime: start},
		End:     &calendar.EventDateTime{DateTime: end},
	}
}
