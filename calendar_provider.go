package main

import (
	"context"
	"time"
)

// CalendarGateway is the target calendar as seen by the sync engine.
// Implementations only need to deal with system-owned events; filtering by
// marker happens in the orchestrator.
type CalendarGateway interface {
	Login(ctx context.Context) error
	Authenticated() bool
	ListEvents(ctx context.Context, start, end time.Time) ([]TargetEvent, error)
	CreateEvent(ctx context.Context, req EventRequest) (TargetEvent, error)
	PatchEvent(ctx context.Context, eventID string, patch EventPatch) (TargetEvent, error)
	DeleteEvent(ctx context.Context, eventID string) error
}

const dateLayout = "2006-01-02"

// EventTime is either a calendar date (all-day events) or a zoned instant.
// Exactly one of Date and DateTime is set.
type EventTime struct {
	Date     string `json:"date,omitempty" yaml:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty" yaml:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty" yaml:"timeZone,omitempty"`
}

// DateOnly returns the all-day variant for the civil date of t.
func DateOnly(t time.Time) EventTime {
	return EventTime{Date: t.Format(dateLayout)}
}

// Zoned returns the date-time variant of t rendered in loc.
func Zoned(t time.Time, loc *time.Location) EventTime {
	return EventTime{
		DateTime: t.In(loc).Format(time.RFC3339),
		TimeZone: loc.String(),
	}
}

func (t EventTime) IsAllDay() bool {
	return t.DateTime == "" && t.Date != ""
}

// Instant resolves the time to an absolute instant. Dates resolve to
// midnight in loc.
func (t EventTime) Instant(loc *time.Location) (time.Time, error) {
	if t.DateTime != "" {
		return time.Parse(time.RFC3339, t.DateTime)
	}
	return time.ParseInLocation(dateLayout, t.Date, loc)
}

// Day returns the civil date (YYYY-MM-DD) the time falls on in loc. The
// date-time representation wins when both are present.
func (t EventTime) Day(loc *time.Location) (string, bool) {
	if t.DateTime != "" {
		ts, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return "", false
		}
		return ts.In(loc).Format(dateLayout), true
	}
	if t.Date == "" {
		return "", false
	}
	if _, err := time.Parse(dateLayout, t.Date); err != nil {
		return "", false
	}
	return t.Date, true
}

// Equal reports whether both values are the same variant and denote the same
// date or instant. The zone a provider renders the instant in is ignored.
func (t EventTime) Equal(o EventTime) bool {
	if t.IsAllDay() != o.IsAllDay() {
		return false
	}
	if t.IsAllDay() {
		return t.Date == o.Date
	}
	a, errA := time.Parse(time.RFC3339, t.DateTime)
	b, errB := time.Parse(time.RFC3339, o.DateTime)
	if errA != nil || errB != nil {
		return t.DateTime == o.DateTime
	}
	return a.Equal(b)
}

// EventRequest is the shape the engine wants present on the target calendar.
// Default reminders are always disabled for requests.
type EventRequest struct {
	Summary     string
	Description string
	Start       EventTime
	End         EventTime
}

// TargetEvent is an event as currently stored on the target calendar.
type TargetEvent struct {
	ID          string     `json:"id" yaml:"id"`
	ICalUID     string     `json:"iCalUID" yaml:"iCalUID"`
	Summary     string     `json:"summary" yaml:"summary"`
	Description string     `json:"description" yaml:"description"`
	Start       *EventTime `json:"start,omitempty" yaml:"start,omitempty"`
	End         *EventTime `json:"end,omitempty" yaml:"end,omitempty"`
	Status      string     `json:"status,omitempty" yaml:"status,omitempty"`
	HTMLLink    string     `json:"htmlLink,omitempty" yaml:"htmlLink,omitempty"`
	Updated     string     `json:"updated,omitempty" yaml:"updated,omitempty"`
	ETag        string     `json:"etag,omitempty" yaml:"etag,omitempty"`
}

// EventPatch carries only the fields that must change; nil means untouched.
type EventPatch struct {
	Summary     *string
	Description *string
	Start       *EventTime
	End         *EventTime
}

func (p EventPatch) Empty() bool {
	return p.Summary == nil && p.Description == nil && p.Start == nil && p.End == nil
}

// Fields lists the names of the fields set in the patch.
func (p EventPatch) Fields() []string {
	var fields []string
	if p.Summary != nil {
		fields = append(fields, "summary")
	}
	if p.Description != nil {
		fields = append(fields, "description")
	}
	if p.Start != nil {
		fields = append(fields, "start")
	}
	if p.End != nil {
		fields = append(fields, "end")
	}
	return fields
}
