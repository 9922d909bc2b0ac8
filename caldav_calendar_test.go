package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalDAVComponentRoundTrip(t *testing.T) {
	c := NewCalDAVProvider("https://dav.example.com", "", "", "/cal/user/school/", rome, nil)

	tests := []struct {
		name  string
		start EventTime
		end   EventTime
	}{
		{"all day", EventTime{Date: "2024-01-10"}, EventTime{Date: "2024-01-10"}},
		{"timed", Zoned(day(2024, time.January, 10).Add(9*time.Hour), rome), Zoned(day(2024, time.January, 10).Add(10*time.Hour), rome)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := ical.NewEvent()
			event.Props.SetText(ical.PropUID, "uid-1")
			event.Props.SetText(ical.PropSummary, "Compiti di STORIA")
			event.Props.SetText(ical.PropDescription, "cap. 2"+DefaultMarker)
			require.NoError(t, c.setTime(event.Props, ical.PropDateTimeStart, tt.start))
			require.NoError(t, c.setTime(event.Props, ical.PropDateTimeEnd, tt.end))

			got := c.fromComponent("/cal/user/school/uid-1.ics", `"etag"`, event.Component)

			assert.Equal(t, "/cal/user/school/uid-1.ics", got.ID)
			assert.Equal(t, "uid-1", got.ICalUID)
			assert.Equal(t, "Compiti di STORIA", got.Summary)
			assert.True(t, strings.HasSuffix(got.Description, DefaultMarker))
			assert.Equal(t, "confirmed", got.Status)
			require.NotNil(t, got.Start)
			assert.True(t, tt.start.Equal(*got.Start), "start %+v", got.Start)
			assert.True(t, tt.end.Equal(*got.End), "end %+v", got.End)
		})
	}
}

func TestCalDAVMissingStart(t *testing.T) {
	c := NewCalDAVProvider("https://dav.example.com", "", "", "/cal/", rome, nil)
	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, "uid-2")

	got := c.fromComponent("/cal/uid-2.ics", "", event.Component)

	assert.Nil(t, got.Start)
	assert.Empty(t, FilterByDate([]TargetEvent{got}, day(2024, time.January, 10), rome))
}

func TestCalDAVNewCalendar(t *testing.T) {
	event := ical.NewEvent()
	cal := newCalendar(event.Component)

	assert.Equal(t, "2.0", getTextProp(cal.Props, ical.PropVersion))
	assert.NotEmpty(t, getTextProp(cal.Props, ical.PropProductID))
	require.Len(t, cal.Children, 1)
	assert.Equal(t, ical.CompEvent, cal.Children[0].Name)
}

func TestCalDAVErrorMapping(t *testing.T) {
	err := caldavError("list events", errors.New("401 Unauthorized"))
	assert.ErrorIs(t, err, ErrAuthentication)

	err = caldavError("list events", errors.New("500 Internal Server Error"))
	assert.ErrorIs(t, err, ErrGatewayRequest)
	assert.NotErrorIs(t, err, ErrAuthentication)
}
