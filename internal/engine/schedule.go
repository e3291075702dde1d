package engine

import (
	"strings"
	"time"

	"github.com/homectl/rfswitch/internal/storage"
)

var dayNames = []string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// DaysToDayMask converts day names like "mon" to a bitmask (bit 0 = Sunday)
func DaysToDayMask(days []string) uint8 {
	var mask uint8
	for _, day := range days {
		day = strings.ToLower(strings.TrimSpace(day))
		for i, name := range dayNames {
			if day == name {
				mask |= 1 << uint(i)
			}
		}
	}
	return mask
}

// DayMaskString renders a day mask as comma separated day names
func DayMaskString(mask uint8) string {
	var days []string
	for i, name := range dayNames {
		if mask&(1<<uint(i)) != 0 {
			days = append(days, name)
		}
	}
	return strings.Join(days, ",")
}

// Due reports whether a timer should fire at now. Weekday timers fire once
// when their minute of day has been reached within window; interval timers
// fire when their interval has elapsed since the last execution.
func Due(t *storage.Timer, now time.Time, window time.Duration) bool {
	if !t.Active {
		return false
	}

	switch t.Kind {
	case storage.TimerWeekday:
		if t.DayMask&(1<<uint(now.Weekday())) == 0 {
			return false
		}
		y, m, d := now.Date()
		scheduled := time.Date(y, m, d, t.ExecuteAt/60, t.ExecuteAt%60, 0, 0, now.Location())
		if scheduled.After(now) || now.Sub(scheduled) >= window {
			return false
		}
		return t.LastExecution.Before(scheduled)

	case storage.TimerInterval:
		if t.Interval <= 0 {
			return false
		}
		return t.LastExecution.IsZero() || now.Sub(t.LastExecution) >= t.Interval
	}
	return false
}
