package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"google.golang.org/api/calendar/v3"
	"gorm.io/gorm"

	"github.com/coup-hq/coup-api/internal/auth"
	"github.com/coup-hq/coup-api/internal/gcal"
	"github.com/coup-hq/coup-api/internal/schedule"
	calsync "github.com/coup-hq/coup-api/internal/sync"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// fakeCalendar answers provider calls from canned data and records writes.
type fakeCalendar struct {
	mu        sync.Mutex
	calendars []gcal.CalendarEntry
	events    []*calendar.Event
	created   []*calendar.Event
	deleted   []string
}

func (f *fakeCalendar) ListCalendars(ctx context.Context, accessToken string) ([]gcal.CalendarEntry, error) {
	return f.calendars, nil
}

func (f *fakeCalendar) ListEvents(ctx context.Context, accessToken, calendarID string, opts gcal.ListOptions) (gcal.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]*calendar.Event, len(f.events))
	copy(items, f.events)
	return gcal.ListResult{Items: items}, nil
}

func (f *fakeCalendar) CreateEvent(ctx context.Context, accessToken, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	created := *event
	created.Id = "created-ev-1"
	f.created = append(f.created, &created)
	return &created, nil
}

func (f *fakeCalendar) UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	patched := *event
	patched.Id = eventID
	return &patched, nil
}

func (f *fakeCalendar) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, eventID)
	return nil
}

type apiFixture struct {
	handler  http.Handler
	store    *schedule.Service
	calendar *fakeCalendar
	issuer   *auth.TokenIssuer
	db       *gorm.DB
}

func newAPIFixture(t *testing.T, calendarFake *fakeCalendar, clock func() time.Time) apiFixture {
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

	engine, err := calsync.NewEngine(calsync.EngineConfig{
		Calendar:  calendarFake,
		Store:     store,
		Converter: gcal.NewConverter(time.UTC),
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "coup-auth",
		Audience:      "coup-api",
	})

	handler, err := NewHTTPHandler(Dependencies{
		Calendar:       calendarFake,
		Engine:         engine,
		Store:          store,
		Tokens:         issuer,
		Issuer:         issuer,
		InternalSecret: "internal-test-secret",
		Clock:          clock,
		ChunkPause:     time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	return apiFixture{handler: handler, store: store, calendar: calendarFake, issuer: issuer, db: db}
}

func (f apiFixture) bearerFor(t *testing.T, memberID string) string {
	t.Helper()
	token, _, err := f.issuer.IssueToken(memberID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func performRequest(t *testing.T, handler http.Handler, method, path, bearer string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Buffer
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
		body = bytes.NewBuffer(encoded)
	} else {
		body = bytes.NewBuffer(nil)
	}

	request := httptest.NewRequest(method, path, body)
	request.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}
