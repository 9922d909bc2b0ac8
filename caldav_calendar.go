package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

// CalDAVProvider targets a single CalDAV calendar collection. Event IDs are
// the object paths on the server.
type CalDAVProvider struct {
	serverURL    string
	username     string
	password     string
	calendarPath string
	loc          *time.Location
	httpClient   webdav.HTTPClient

	client *caldav.Client
}

func NewCalDAVProvider(serverURL, username, password, calendarPath string, loc *time.Location, httpClient webdav.HTTPClient) *CalDAVProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &CalDAVProvider{
		serverURL:    serverURL,
		username:     username,
		password:     password,
		calendarPath: calendarPath,
		loc:          loc,
		httpClient:   httpClient,
	}
}

func (c *CalDAVProvider) Login(ctx context.Context) error {
	if c.client != nil {
		return nil
	}
	baseURL, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid CalDAV server URL: %w", err)
	}

	httpClient := c.httpClient
	if c.username != "" && c.password != "" {
		httpClient = webdav.HTTPClientWithBasicAuth(httpClient, c.username, c.password)
	}

	client, err := caldav.NewClient(httpClient, baseURL.String())
	if err != nil {
		return fmt.Errorf("failed to create CalDAV client: %w", err)
	}
	c.client = client

	if err := c.CheckAccess(ctx); err != nil {
		c.client = nil
		return err
	}
	return nil
}

func (c *CalDAVProvider) Authenticated() bool {
	return c.client != nil
}

// CheckAccess looks the calendar up in its home set.
func (c *CalDAVProvider) CheckAccess(ctx context.Context) error {
	homeSetPath := path.Dir(strings.TrimRight(c.calendarPath, "/"))

	calendars, err := c.client.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return caldavError("find calendars", err)
	}
	want := strings.TrimRight(c.calendarPath, "/")
	for _, cal := range calendars {
		if strings.TrimRight(cal.Path, "/") == want {
			return nil
		}
	}
	return fmt.Errorf("%w: calendar not found at path: %s", ErrGatewayRequest, c.calendarPath)
}

// ListEvents issues a single calendar-query; CalDAV servers do not cap the
// result size.
func (c *CalDAVProvider) ListEvents(ctx context.Context, start, end time.Time) ([]TargetEvent, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start,
				End:   end,
			}},
		},
	}

	objects, err := c.client.QueryCalendar(ctx, c.calendarPath, query)
	if err != nil {
		return nil, caldavError("list events", err)
	}

	var result []TargetEvent
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, comp := range obj.Data.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			result = append(result, c.fromComponent(obj.Path, obj.ETag, comp))
		}
	}
	return result, nil
}

func (c *CalDAVProvider) CreateEvent(ctx context.Context, req EventRequest) (TargetEvent, error) {
	uid := uuid.NewString()

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	event.Props.SetText(ical.PropSummary, req.Summary)
	event.Props.SetText(ical.PropDescription, req.Description)
	event.Props.SetText(ical.PropStatus, "CONFIRMED")
	if err := c.setTime(event.Props, ical.PropDateTimeStart, req.Start); err != nil {
		return TargetEvent{}, err
	}
	if err := c.setTime(event.Props, ical.PropDateTimeEnd, req.End); err != nil {
		return TargetEvent{}, err
	}

	cal := newCalendar(event.Component)
	objPath := path.Join(c.calendarPath, uid+".ics")
	obj, err := c.client.PutCalendarObject(ctx, objPath, cal)
	if err != nil {
		return TargetEvent{}, caldavError("create event", err)
	}
	return c.fromComponent(obj.Path, obj.ETag, event.Component), nil
}

func (c *CalDAVProvider) PatchEvent(ctx context.Context, eventID string, patch EventPatch) (TargetEvent, error) {
	obj, err := c.client.GetCalendarObject(ctx, eventID)
	if err != nil {
		return TargetEvent{}, caldavError("get event", err)
	}

	var comp *ical.Component
	for _, child := range obj.Data.Children {
		if child.Name == ical.CompEvent {
			comp = child
			break
		}
	}
	if comp == nil {
		return TargetEvent{}, fmt.Errorf("%w: no VEVENT component found in %s", ErrGatewayRequest, eventID)
	}

	if patch.Summary != nil {
		comp.Props.SetText(ical.PropSummary, *patch.Summary)
	}
	if patch.Description != nil {
		comp.Props.SetText(ical.PropDescription, *patch.Description)
	}
	if patch.Start != nil {
		if err := c.setTime(comp.Props, ical.PropDateTimeStart, *patch.Start); err != nil {
			return TargetEvent{}, err
		}
	}
	if patch.End != nil {
		if err := c.setTime(comp.Props, ical.PropDateTimeEnd, *patch.End); err != nil {
			return TargetEvent{}, err
		}
	}
	comp.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())

	updated, err := c.client.PutCalendarObject(ctx, eventID, obj.Data)
	if err != nil {
		return TargetEvent{}, caldavError("patch event", err)
	}
	return c.fromComponent(updated.Path, updated.ETag, comp), nil
}

func (c *CalDAVProvider) DeleteEvent(ctx context.Context, eventID string) error {
	if err := c.client.Client.RemoveAll(ctx, eventID); err != nil {
		return caldavError("delete event", err)
	}
	return nil
}

func (c *CalDAVProvider) setTime(props ical.Props, name string, t EventTime) error {
	ts, err := t.Instant(c.loc)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", strings.ToLower(name), err)
	}
	if t.IsAllDay() {
		props.SetDate(name, ts)
	} else {
		props.SetDateTime(name, ts.UTC())
	}
	return nil
}

func (c *CalDAVProvider) fromComponent(objPath, etag string, comp *ical.Component) TargetEvent {
	status := strings.ToLower(getTextProp(comp.Props, ical.PropStatus))
	if status == "" {
		status = "confirmed"
	}
	return TargetEvent{
		ID:          objPath,
		ICalUID:     getTextProp(comp.Props, ical.PropUID),
		Summary:     getTextProp(comp.Props, ical.PropSummary),
		Description: getTextProp(comp.Props, ical.PropDescription),
		Start:       c.eventTime(comp.Props, ical.PropDateTimeStart),
		End:         c.eventTime(comp.Props, ical.PropDateTimeEnd),
		Status:      status,
		Updated:     getTextProp(comp.Props, ical.PropLastModified),
		ETag:        etag,
	}
}

func (c *CalDAVProvider) eventTime(props ical.Props, name string) *EventTime {
	prop := props.Get(name)
	if prop == nil {
		return nil
	}
	ts, err := prop.DateTime(c.loc)
	if err != nil {
		return nil
	}
	if prop.ValueType() == ical.ValueDate {
		t := DateOnly(ts)
		return &t
	}
	t := Zoned(ts, c.loc)
	return &t
}

func newCalendar(event *ical.Component) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//bobuk//cvvsync//IT")
	cal.Children = append(cal.Children, event)
	return cal
}

func caldavError(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "401") || strings.Contains(msg, "403") {
		return fmt.Errorf("%w: caldav %s: %w", ErrAuthentication, op, err)
	}
	return fmt.Errorf("%w: caldav %s: %w", ErrGatewayRequest, op, err)
}

// getTextProp returns the unescaped text value of a property, or "".
func getTextProp(props ical.Props, name string) string {
	prop := props.Get(name)
	if prop == nil {
		return ""
	}
	text, err := prop.Text()
	if err != nil {
		return prop.Value
	}
	return text
}
