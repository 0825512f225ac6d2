package ledger

import (
	"context"
	"fmt"
	"time"

	// Month bucketing must not depend on the host having zoneinfo installed.
	_ "time/tzdata"
)

// =============================================================================
// MONTH - Calendar bucket for every aggregate family
// =============================================================================

// Month is a (year, month) bucket. The zero value sorts before every real month.
type Month struct {
	Year  int
	Month time.Month
}

func NewMonth(year int, month time.Month) Month {
	return Month{Year: year, Month: month}.normalize()
}

// MonthOf buckets an instant into the calendar month it falls in within loc.
func MonthOf(t time.Time, loc *time.Location) Month {
	local := t.In(loc)
	return Month{Year: local.Year(), Month: local.Month()}
}

// ParseMonth parses "2006-01".
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q: %w", s, err)
	}
	return Month{Year: t.Year(), Month: t.Month()}, nil
}

func (m Month) normalize() Month {
	t := time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
	return Month{Year: t.Year(), Month: t.Month()}
}

// Arithmetic
func (m Month) Next() Month { return Month{Year: m.Year, Month: m.Month + 1}.normalize() }
func (m Month) Prev() Month { return Month{Year: m.Year, Month: m.Month - 1}.normalize() }

// Key is a sortable integer form (YYYYMM) used by stores for range predicates.
func (m Month) Key() int { return m.Year*100 + int(m.Month) }

// Comparison
func (m Month) Compare(o Month) int {
	switch {
	case m.Key() < o.Key():
		return -1
	case m.Key() > o.Key():
		return 1
	}
	return 0
}
func (m Month) Before(o Month) bool { return m.Compare(o) < 0 }
func (m Month) After(o Month) bool { return m.Compare(o) > 0 }
func (m Month) Equal(o Month) bool { return m.Compare(o) == 0 }

// Start returns the first instant of the month in loc.
func (m Month) Start(loc *time.Location) time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, loc)
}

// End returns the first instant of the following month in loc (exclusive bound).
func (m Month) End(loc *time.Location) time.Time {
	return m.Next().Start(loc)
}

func (m Month) String() string { return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month)) }

func MinMonth(a, b Month) Month {
	if b.Before(a) {
		return b
	}
	return a
}

func MaxMonth(a, b Month) Month {
	if b.After(a) {
		return b
	}
	return a
}

// EarliestMonth buckets every date and returns the earliest month. ok is false for no dates.
func EarliestMonth(dates []time.Time, loc *time.Location) (m Month, ok bool) {
	for i, d := range dates {
		dm := MonthOf(d, loc)
		if i == 0 || dm.Before(m) {
			m = dm
		}
	}
	return m, len(dates) > 0
}

// =============================================================================
// TIME ZONE RESOLUTION
// =============================================================================

// Location resolves the budget's IANA zone. A budget without a usable zone
// breaks every monthly invariant, so it is reported as an InvariantError.
func Location(ctx context.Context, tz TimeZoneResolver, budgetID BudgetID) (*time.Location, error) {
	name, err := tz.TimeZone(ctx, budgetID)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, &InvariantError{Op: "resolve time zone", Detail: fmt.Sprintf("budget %s has no time zone", budgetID)}
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, &InvariantError{Op: "resolve time zone", Detail: fmt.Sprintf("budget %s: %v", budgetID, err)}
	}
	return loc, nil
}
