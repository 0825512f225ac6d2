package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/budget-engine/ledger"
)

func TestMonth_Arithmetic(t *testing.T) {
	dec := ledger.NewMonth(2024, time.December)

	assert.Equal(t, ledger.NewMonth(2025, time.January), dec.Next())
	assert.Equal(t, ledger.NewMonth(2024, time.November), dec.Prev())
	assert.Equal(t, ledger.NewMonth(2023, time.December), ledger.NewMonth(2024, time.January).Prev())
	assert.Equal(t, ledger.NewMonth(2025, time.January), ledger.NewMonth(2024, 13))
}

func TestMonth_Comparison(t *testing.T) {
	jan := ledger.NewMonth(2024, time.January)
	feb := ledger.NewMonth(2024, time.February)

	assert.True(t, jan.Before(feb))
	assert.True(t, feb.After(jan))
	assert.True(t, jan.Equal(ledger.NewMonth(2024, time.January)))
	assert.Equal(t, -1, jan.Compare(feb))
	assert.Equal(t, 0, feb.Compare(feb))
	assert.Equal(t, 202401, jan.Key())
	assert.Equal(t, feb, ledger.MaxMonth(jan, feb))
	assert.Equal(t, jan, ledger.MinMonth(jan, feb))
	assert.True(t, ledger.Month{}.Before(jan))
	assert.Equal(t, "2024-01", jan.String())
}

func TestMonth_ParseMonth(t *testing.T) {
	m, err := ledger.ParseMonth("2024-07")
	require.NoError(t, err)
	assert.Equal(t, ledger.NewMonth(2024, time.July), m)

	_, err = ledger.ParseMonth("2024-13")
	assert.Error(t, err)
	_, err = ledger.ParseMonth("July")
	assert.Error(t, err)
}

func TestMonthOf_UsesBudgetZone(t *testing.T) {
	// GIVEN: An instant that is February in UTC but January in New York
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	instant := time.Date(2024, time.February, 1, 2, 0, 0, 0, time.UTC)

	// THEN: The bucket depends on the zone
	assert.Equal(t, ledger.NewMonth(2024, time.February), ledger.MonthOf(instant, time.UTC))
	assert.Equal(t, ledger.NewMonth(2024, time.January), ledger.MonthOf(instant, ny))
}

func TestMonth_StartEndAreHalfOpen(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	m := ledger.NewMonth(2024, time.March)

	start, end := m.Start(tokyo), m.End(tokyo)

	assert.Equal(t, time.Date(2024, time.March, 1, 0, 0, 0, 0, tokyo), start)
	assert.Equal(t, time.Date(2024, time.April, 1, 0, 0, 0, 0, tokyo), end)
	assert.Equal(t, m, ledger.MonthOf(end.Add(-time.Nanosecond), tokyo))
	assert.Equal(t, m.Next(), ledger.MonthOf(end, tokyo))
}

func TestEarliestMonth(t *testing.T) {
	_, ok := ledger.EarliestMonth(nil, time.UTC)
	assert.False(t, ok)

	m, ok := ledger.EarliestMonth([]time.Time{
		time.Date(2024, time.May, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2023, time.November, 30, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
	}, time.UTC)
	require.True(t, ok)
	assert.Equal(t, ledger.NewMonth(2023, time.November), m)
}

type zoneOf map[ledger.BudgetID]string

func (z zoneOf) TimeZone(_ context.Context, id ledger.BudgetID) (string, error) {
	tz, ok := z[id]
	if !ok {
		return "", ledger.ErrBudgetNotFound
	}
	return tz, nil
}

func TestLocation(t *testing.T) {
	zones := zoneOf{"ok": "Europe/Rome", "empty": "", "bad": "Mars/Olympus"}
	ctx := context.Background()

	loc, err := ledger.Location(ctx, zones, "ok")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Rome", loc.String())

	_, err = ledger.Location(ctx, zones, "empty")
	assert.True(t, ledger.IsInvariant(err))

	_, err = ledger.Location(ctx, zones, "bad")
	assert.True(t, ledger.IsInvariant(err))

	_, err = ledger.Location(ctx, zones, "missing")
	assert.ErrorIs(t, err, ledger.ErrBudgetNotFound)
	assert.False(t, ledger.IsInvariant(err))
}
