package xp

import "time"

// streakGrace is the 2-hour grace window into the day after the next UTC
// calendar day boundary (spec §4.6 AUDIT-6).
const streakGrace = 2 * time.Hour

// NextStreak computes the streak-day count a completion at now produces,
// given the user's previous streak and last_active_at. AUDIT-6: a
// completion extends the streak if the previous last_active_at lies within
// the streak day window — the UTC calendar day immediately following the
// previous one, plus a 2-hour grace into the day after that. Completions on
// the same UTC calendar day as the previous one do not re-increment.
// Anything older resets the streak to 1.
func NextStreak(prevStreak int, prevLastActive *time.Time, now time.Time) int {
	if prevLastActive == nil {
		return 1
	}
	now = now.UTC()
	prevDay := civilDay(prevLastActive.UTC())
	nowDay := civilDay(now)
	daysDiff := int(nowDay.Sub(prevDay).Hours() / 24)

	switch {
	case daysDiff == 0:
		if prevStreak < 1 {
			return 1
		}
		return prevStreak
	case daysDiff == 1:
		return prevStreak + 1
	case daysDiff == 2 && now.Sub(nowDay) < streakGrace:
		return prevStreak + 1
	default:
		return 1
	}
}

// civilDay truncates t to midnight UTC on its calendar day.
func civilDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
