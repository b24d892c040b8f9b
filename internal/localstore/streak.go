package localstore

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/flashcards"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CollectionStreak names the streak counters in change notifications.
const CollectionStreak = "streak"

type streakRecord struct {
	Owner         string `gorm:"column:owner;primaryKey;size:190;not null"`
	CurrentStreak int    `gorm:"column:current_streak;not null;default:0"`
	LongestStreak int    `gorm:"column:longest_streak;not null;default:0"`
	LastStudyMs   *int64 `gorm:"column:last_study_ms"`
	UpdatedAtMs   int64  `gorm:"column:updated_at_ms;not null;default:0"`
	PendingPush   bool   `gorm:"column:pending_push;not null;default:false"`
}

func (streakRecord) TableName() string {
	return "streak_stats"
}

// StreakState is the stored streak counters of one owner.
type StreakState struct {
	Stats       flashcards.StreakStats
	PendingPush bool
}

// Streak returns owner's counters. Missing counters read as zero.
func (s *Store) Streak(ctx context.Context, owner string) (StreakState, error) {
	var record streakRecord
	err := s.db.WithContext(ctx).Where("owner = ?", owner).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StreakState{}, nil
	}
	if err != nil {
		return StreakState{}, classify(err)
	}
	stats := flashcards.StreakStats{
		CurrentStreak: record.CurrentStreak,
		LongestStreak: record.LongestStreak,
		UpdatedAt:     flashcards.FromMillis(record.UpdatedAtMs),
	}
	if record.LastStudyMs != nil {
		lastStudy := flashcards.FromMillis(*record.LastStudyMs)
		stats.LastStudyDate = &lastStudy
	}
	return StreakState{Stats: stats, PendingPush: record.PendingPush}, nil
}

// SaveStreak replaces owner's counters.
func (s *Store) SaveStreak(ctx context.Context, owner string, stats flashcards.StreakStats, pending bool) error {
	record := streakRecord{
		Owner:         owner,
		CurrentStreak: stats.CurrentStreak,
		LongestStreak: stats.LongestStreak,
		UpdatedAtMs:   flashcards.ToMillis(stats.UpdatedAt),
		PendingPush:   pending,
	}
	if stats.LastStudyDate != nil {
		lastStudy := flashcards.ToMillis(*stats.LastStudyDate)
		record.LastStudyMs = &lastStudy
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner"}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		return classify(err)
	}
	s.feed.Publish(Change{Collection: CollectionStreak, DocumentID: owner, Owner: owner, Remote: !pending})
	return nil
}
