package flashcards

import "time"

// StreakStats tracks consecutive study days.
type StreakStats struct {
	CurrentStreak int
	LongestStreak int
	LastStudyDate *time.Time
	UpdatedAt     time.Time
}

// AdvanceStreak records a study session at now. Calendar days are evaluated in
// now's location: a second session on the same day changes nothing, a session
// on the following day extends the streak, anything else restarts it at one.
func AdvanceStreak(stats StreakStats, now time.Time) StreakStats {
	if stats.LastStudyDate != nil && sameDay(stats.LastStudyDate.In(now.Location()), now) {
		return stats
	}

	yesterday := now.AddDate(0, 0, -1)
	if stats.LastStudyDate != nil && sameDay(stats.LastStudyDate.In(now.Location()), yesterday) {
		stats.CurrentStreak++
	} else {
		stats.CurrentStreak = 1
	}

	studied := Millis(now)
	stats.LastStudyDate = &studied
	stats.UpdatedAt = studied
	if stats.CurrentStreak > stats.LongestStreak {
		stats.LongestStreak = stats.CurrentStreak
	}
	return stats
}

// MergeStreak combines two copies of the counters field by field: the larger
// count and the most recent date win independently.
func MergeStreak(local, remote StreakStats) StreakStats {
	merged := StreakStats{
		CurrentStreak: max(local.CurrentStreak, remote.CurrentStreak),
		LongestStreak: max(local.LongestStreak, remote.LongestStreak),
		LastStudyDate: latest(local.LastStudyDate, remote.LastStudyDate),
		UpdatedAt:     local.UpdatedAt,
	}
	if remote.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = remote.UpdatedAt
	}
	if merged.CurrentStreak > merged.LongestStreak {
		merged.LongestStreak = merged.CurrentStreak
	}
	return merged
}

func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		value := *b
		return &value
	case b == nil || !b.After(*a):
		value := *a
		return &value
	default:
		value := *b
		return &value
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
