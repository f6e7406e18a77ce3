package licensing

import (
	"fmt"
	"time"
)

// Duration units supported by plans
const (
	UnitDay   = "day"
	UnitWeek  = "week"
	UnitMonth = "month"
	UnitYear  = "year"
)

// ValidUnit reports whether unit is a supported plan duration unit.
func ValidUnit(unit string) bool {
	switch unit {
	case UnitDay, UnitWeek, UnitMonth, UnitYear:
		return true
	}
	return false
}

// ExpiryFrom computes the expiry timestamp for a plan duration starting at
// the given instant. Months and years use calendar arithmetic so a 1-month
// plan bought on Jan 31 expires at the provider-normalized date, not a fixed
// number of hours later.
func ExpiryFrom(start time.Time, unit string, value int) (time.Time, error) {
	if value <= 0 {
		return time.Time{}, fmt.Errorf("duration value must be positive, got %d", value)
	}

	switch unit {
	case UnitDay:
		return start.AddDate(0, 0, value), nil
	case UnitWeek:
		return start.AddDate(0, 0, value*7), nil
	case UnitMonth:
		return start.AddDate(0, value, 0), nil
	case UnitYear:
		return start.AddDate(value, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("unknown duration unit %q", unit)
	}
}
