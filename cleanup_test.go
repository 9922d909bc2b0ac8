package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurgeDeletesOwnedEventsOnly(t *testing.T) {
	src := testSource(
		homeworkDay(day(2024, time.January, 10), "MATEMATICA", ""),
		homeworkDay(day(2024, time.January, 11), "STORIA", ""),
	)
	cal := newFakeCalendar(TargetEvent{ID: "user", ICalUID: "user@fake", Summary: "Dentista",
		Start: &EventTime{Date: "2024-01-10"}})
	o, store := newTestOrchestrator(t, src, cal, nil)
	ctx := context.Background()

	_, err := o.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, readSnapshot(t, store, "S1234567X"), 2)

	deleted, err := o.Purge(ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	remaining := cal.snapshot()
	require.Len(t, remaining, 1)
	assert.Equal(t, "user", remaining[0].ID)
	assert.Empty(t, readSnapshot(t, store, "S1234567X"))
}

func TestConsoleHooksKeepGoing(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	strict := &consoleHooks{}
	assert.ErrorIs(t, strict.OnError(ctx, boom), boom)

	lenient := &consoleHooks{keepGoing: true}
	assert.NoError(t, lenient.OnError(ctx, boom))
	assert.ErrorIs(t, lenient.OnError(ctx, ErrSnapshotLookup), ErrSnapshotLookup)
}

func TestGroupByDay(t *testing.T) {
	events := []TargetEvent{
		{ID: "b", Start: &EventTime{DateTime: "2024-01-11T09:00:00+01:00"}},
		{ID: "a", Start: &EventTime{Date: "2024-01-10"}},
		{ID: "c", Start: &EventTime{Date: "2024-01-11"}},
		{ID: "none"},
	}

	days := groupByDay(events, rome)

	require.Len(t, days, 2)
	assert.Equal(t, "2024-01-10", days[0].date)
	assert.Equal(t, "2024-01-11", days[1].date)
	assert.Len(t, days[1].events, 2)
	assert.Equal(t, " (09:00)", clockTime(days[1].events[0].Start, rome))
	assert.Equal(t, "", clockTime(days[0].events[0].Start, rome))
}
