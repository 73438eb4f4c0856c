package gcal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// AccessRoleOwner is the calendar-list access role identifying calendars the
// member owns; callers filter listings down to it before offering a calendar
// for sync.
const AccessRoleOwner = "owner"

// CalendarEntry is one entry of the member's calendar list.
type CalendarEntry struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	AccessRole string `json:"accessRole"`
}

// ListOptions bounds an event listing. A zero TimeMin/TimeMax leaves the
// corresponding bound open; MaxResults of zero means paginate until
// exhausted. When SyncToken is set the provider ignores the time bounds and
// includes deleted events.
type ListOptions struct {
	TimeMin    time.Time
	TimeMax    time.Time
	MaxResults int64
	SyncToken  string
}

// ListResult carries one full (paginated) event listing.
type ListResult struct {
	Items         []*calendar.Event
	NextSyncToken string
}

// Client is the typed surface over the external calendar provider. It
// performs no retries and no business logic; callers own both.
type Client interface {
	ListCalendars(ctx context.Context, accessToken string) ([]CalendarEntry, error)
	ListEvents(ctx context.Context, accessToken, calendarID string, opts ListOptions) (ListResult, error)
	CreateEvent(ctx context.Context, accessToken, calendarID string, event *calendar.Event) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error
}

// ClientConfig configures the Google-backed Client. Endpoint overrides the
// provider base URL, used by tests to point at a local fake.
type ClientConfig struct {
	Endpoint string
}

type googleClient struct {
	endpoint string
}

// NewClient constructs the Google Calendar implementation of Client.
func NewClient(cfg ClientConfig) Client {
	return &googleClient{endpoint: cfg.Endpoint}
}

func (c *googleClient) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})),
	}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcal: service init: %w", err)
	}
	return service, nil
}

func (c *googleClient) ListCalendars(ctx context.Context, accessToken string) ([]CalendarEntry, error) {
	service, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	entries := make([]CalendarEntry, 0)
	pageToken := ""
	for {
		call := service.CalendarList.List().Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("gcal: list calendars: %w", err)
		}
		for _, item := range page.Items {
			entries = append(entries, CalendarEntry{
				ID:         item.Id,
				Title:      item.Summary,
				AccessRole: item.AccessRole,
			})
		}
		if page.NextPageToken == "" {
			return entries, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *googleClient) ListEvents(ctx context.Context, accessToken, calendarID string, opts ListOptions) (ListResult, error) {
	service, err := c.service(ctx, accessToken)
	if err != nil {
		return ListResult{}, err
	}

	result := ListResult{Items: make([]*calendar.Event, 0)}
	pageToken := ""
	for {
		call := service.Events.List(calendarID).Context(ctx)
		if opts.SyncToken != "" {
			// Incremental listings include deletions and come back unordered.
			call = call.SyncToken(opts.SyncToken).ShowDeleted(true)
		} else {
			call = call.SingleEvents(true).OrderBy("startTime")
			if !opts.TimeMin.IsZero() {
				call = call.TimeMin(opts.TimeMin.Format(time.RFC3339))
			}
			if !opts.TimeMax.IsZero() {
				call = call.TimeMax(opts.TimeMax.Format(time.RFC3339))
			}
		}
		if opts.MaxResults > 0 {
			call = call.MaxResults(opts.MaxResults)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Do()
		if err != nil {
			return ListResult{}, fmt.Errorf("gcal: list events: %w", err)
		}

		result.Items = append(result.Items, page.Items...)
		if page.NextSyncToken != "" {
			result.NextSyncToken = page.NextSyncToken
		}

		if page.NextPageToken == "" {
			return result, nil
		}
		if opts.MaxResults > 0 && int64(len(result.Items)) >= opts.MaxResults {
			result.Items = result.Items[:opts.MaxResults]
			return result, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *googleClient) CreateEvent(ctx context.Context, accessToken, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	service, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	created, err := service.Events.Insert(calendarID, event).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("gcal: create event: %w", err)
	}
	return created, nil
}

func (c *googleClient) UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	service, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	updated, err := service.Events.Patch(calendarID, eventID, event).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("gcal: update event: %w", err)
	}
	return updated, nil
}

func (c *googleClient) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	service, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}
	err = service.Events.Delete(calendarID, eventID).Context(ctx).Do()
	if err != nil && !isGone(err) {
		return fmt.Errorf("gcal: delete event: %w", err)
	}
	return nil
}

// isGone reports whether the provider says the event no longer exists, which
// a delete treats as success.
func isGone(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == 404 || apiErr.Code == 410
}
