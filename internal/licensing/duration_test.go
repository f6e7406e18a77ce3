package licensing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpiryFrom(t *testing.T) {
	start := time.Date(2025, time.January, 31, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		unit  string
		value int
		want  time.Time
	}{
		{"single day", UnitDay, 1, time.Date(2025, time.February, 1, 12, 0, 0, 0, time.UTC)},
		{"two weeks", UnitWeek, 2, time.Date(2025, time.February, 14, 12, 0, 0, 0, time.UTC)},
		// Jan 31 + 1 month normalizes past the end of February
		{"calendar month", UnitMonth, 1, time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)},
		{"year", UnitYear, 1, time.Date(2026, time.January, 31, 12, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpiryFrom(start, tt.unit, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpiryFromRejectsBadInput(t *testing.T) {
	start := time.Now()

	_, err := ExpiryFrom(start, UnitMonth, 0)
	assert.Error(t, err)

	_, err = ExpiryFrom(start, UnitMonth, -1)
	assert.Error(t, err)

	_, err = ExpiryFrom(start, "fortnight", 1)
	assert.Error(t, err)
}

func TestValidUnit(t *testing.T) {
	for _, unit := range []string{UnitDay, UnitWeek, UnitMonth, UnitYear} {
		assert.True(t, ValidUnit(unit))
	}
	assert.False(t, ValidUnit("hour"))
	assert.False(t, ValidUnit(""))
}
