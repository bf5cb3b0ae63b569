package helpers

import "time"

// DurationOr converts config number x of unit, zero or negative x selects def.
func DurationOr(x int, unit, def time.Duration) time.Duration {
	if x <= 0 {
		return def
	}
	return time.Duration(x) * unit
}
