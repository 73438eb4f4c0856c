package gcal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/coup-hq/coup-api/internal/schedule"
)

const (
	dateLayout    = "2006-01-02"
	clockLayout   = "15:04"
	defaultStart  = "09:00"
	propSchedule  = "scheduleId"
	propProjectID = "projectId"
	propProject   = "projectName"
)

var errMissingEventStart = errors.New("gcal: event has no start")

// RecordFields is the schedule-shaped projection of one external event.
// Date and clock times are rendered in the organization's timezone so that
// events near midnight land on the correct local date.
type RecordFields struct {
	Date        string
	StartTime   string
	EndTime     string
	Minutes     int
	Description string
	ProjectID   string
	ProjectName string
	AllDay      bool
	Updated     time.Time
}

// Converter translates between internal schedule records and external
// calendar events using a fixed organization timezone.
type Converter struct {
	loc *time.Location
}

// NewConverter builds a Converter; a nil location falls back to UTC.
func NewConverter(loc *time.Location) *Converter {
	if loc == nil {
		loc = time.UTC
	}
	return &Converter{loc: loc}
}

// Location exposes the organization timezone the converter renders in.
func (c *Converter) Location() *time.Location {
	return c.loc
}

// EventFromRecord builds the external event representing a schedule record.
// When the record has no explicit times the event starts at 09:00 and its
// end is derived from the record's minutes. The three correlation fields are
// always stamped into the event's private extended properties.
func (c *Converter) EventFromRecord(record schedule.Record, projectName, projectID string) (*calendar.Event, error) {
	startClock := record.StartTime
	if startClock == "" {
		startClock = defaultStart
	}

	start, err := time.ParseInLocation(dateLayout+" "+clockLayout, record.Date+" "+startClock, c.loc)
	if err != nil {
		return nil, fmt.Errorf("gcal: record %s has invalid date or start time: %w", record.ID, err)
	}

	var end time.Time
	if record.EndTime != "" {
		end, err = time.ParseInLocation(dateLayout+" "+clockLayout, record.Date+" "+record.EndTime, c.loc)
		if err != nil {
			return nil, fmt.Errorf("gcal: record %s has invalid end time: %w", record.ID, err)
		}
	} else {
		end = start.Add(time.Duration(record.Minutes) * time.Minute)
	}

	summary := record.Description
	if projectName != "" {
		summary = fmt.Sprintf("[%s] %s", projectName, record.Description)
	}

	return &calendar.Event{
		Summary: summary,
		Start:   &calendar.EventDateTime{DateTime: start.Format(time.RFC3339)},
		End:     &calendar.EventDateTime{DateTime: end.Format(time.RFC3339)},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				propSchedule:  record.ID,
				propProjectID: projectID,
				propProject:   projectName,
			},
		},
	}, nil
}

// FieldsFromEvent extracts schedule record fields from an external event.
// The project name is recovered from a leading [bracket] tag in the title,
// overridden by the private projectName property when present; the returned
// description is the title with the tag stripped. All-day events carry zero
// minutes and no clock times.
func (c *Converter) FieldsFromEvent(event *calendar.Event) (RecordFields, error) {
	if event.Start == nil {
		return RecordFields{}, errMissingEventStart
	}

	projectName, description := splitProjectTag(event.Summary)

	fields := RecordFields{
		Description: description,
		ProjectName: projectName,
	}

	if event.ExtendedProperties != nil && event.ExtendedProperties.Private != nil {
		private := event.ExtendedProperties.Private
		if private[propProject] != "" {
			fields.ProjectName = private[propProject]
		}
		fields.ProjectID = private[propProjectID]
	}

	var startInstant time.Time
	if event.Start.Date != "" {
		allDayStart, err := time.ParseInLocation(dateLayout, event.Start.Date, c.loc)
		if err != nil {
			return RecordFields{}, fmt.Errorf("gcal: event %s has invalid all-day start: %w", event.Id, err)
		}
		startInstant = allDayStart
		fields.AllDay = true
		fields.Date = event.Start.Date
		fields.Minutes = 0
	} else {
		start, err := time.Parse(time.RFC3339, event.Start.DateTime)
		if err != nil {
			return RecordFields{}, fmt.Errorf("gcal: event %s has invalid start: %w", event.Id, err)
		}
		startInstant = start

		end := start
		if event.End != nil && event.End.DateTime != "" {
			end, err = time.Parse(time.RFC3339, event.End.DateTime)
			if err != nil {
				return RecordFields{}, fmt.Errorf("gcal: event %s has invalid end: %w", event.Id, err)
			}
		}

		localStart := start.In(c.loc)
		localEnd := end.In(c.loc)
		fields.Date = localStart.Format(dateLayout)
		fields.StartTime = localStart.Format(clockLayout)
		fields.EndTime = localEnd.Format(clockLayout)
		fields.Minutes = clockMinutes(localStart, localEnd)
	}

	fields.Updated = startInstant
	if event.Updated != "" {
		updated, err := time.Parse(time.RFC3339Nano, event.Updated)
		if err == nil {
			fields.Updated = updated
		}
	}

	return fields, nil
}

// clockMinutes is the wall-clock span between two local times, floored at
// zero. A same-day event whose end clock reads earlier than its start yields
// zero minutes rather than an error.
func clockMinutes(start, end time.Time) int {
	startMinutes := start.Hour()*60 + start.Minute()
	endMinutes := end.Hour()*60 + end.Minute()
	if end.YearDay() != start.YearDay() || end.Year() != start.Year() {
		endMinutes += 24 * 60 * daysBetween(start, end)
	}
	minutes := endMinutes - startMinutes
	if minutes < 0 {
		return 0
	}
	return minutes
}

func daysBetween(start, end time.Time) int {
	startDay := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	endDay := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, end.Location())
	return int(endDay.Sub(startDay) / (24 * time.Hour))
}

// splitProjectTag parses a "[Project] rest" title into its project name and
// remaining description. Titles without a leading bracket tag yield an empty
// project name and the title unchanged.
func splitProjectTag(summary string) (string, string) {
	if !strings.HasPrefix(summary, "[") {
		return "", summary
	}
	closing := strings.Index(summary, "]")
	if closing <= 1 {
		return "", summary
	}
	return summary[1:closing], strings.TrimSpace(summary[closing+1:])
}
