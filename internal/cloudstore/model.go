// Package cloudstore persists the remote copy of every user's decks, cards
// and streak counters and resolves concurrent writes with last-writer-wins.
package cloudstore

import (
	"github.com/MarcoPoloResearchLab/flashdeck/internal/flashcards"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/remote"
)

// Operation enumerates audited row operations.
type Operation string

const (
	// OperationUpsert records an accepted insert or update.
	OperationUpsert Operation = "upsert"
	// OperationDelete records a hard delete.
	OperationDelete Operation = "delete"
)

const (
	collectionDecks = "decks"
	collectionCards = "cards"
)

// DeckRecord is the stored form of a deck.
type DeckRecord struct {
	UserID      string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_decks_user_updated,priority:1"`
	DeckID      string `gorm:"column:deck_id;primaryKey;size:100;not null"`
	Name        string `gorm:"column:name;size:200;not null"`
	Description string `gorm:"column:description;type:text;not null;default:''"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null;index:idx_decks_user_updated,priority:2"`
	Version     int64  `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (DeckRecord) TableName() string {
	return "decks"
}

// CardRecord is the stored form of a card.
type CardRecord struct {
	UserID       string  `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_cards_user_updated,priority:1;index:idx_cards_user_deck,priority:1"`
	CardID       string  `gorm:"column:card_id;primaryKey;size:100;not null"`
	DeckID       string  `gorm:"column:deck_id;size:100;not null;index:idx_cards_user_deck,priority:2"`
	Front        string  `gorm:"column:front;type:text;not null"`
	Back         string  `gorm:"column:back;type:text;not null"`
	FrontImage   *string `gorm:"column:front_image;type:text"`
	BackImage    *string `gorm:"column:back_image;type:text"`
	EaseFactor   float64 `gorm:"column:ease_factor;not null"`
	IntervalDays int     `gorm:"column:interval_days;not null"`
	Repetitions  int     `gorm:"column:repetitions;not null"`
	NextReviewMs int64   `gorm:"column:next_review_ms;not null"`
	CreatedAtMs  int64   `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs  int64   `gorm:"column:updated_at_ms;not null;index:idx_cards_user_updated,priority:2"`
	Version      int64   `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (CardRecord) TableName() string {
	return "cards"
}

// StatsRecord is the stored form of a user's streak counters.
type StatsRecord struct {
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	CurrentStreak   int    `gorm:"column:current_streak;not null;default:0"`
	LongestStreak   int    `gorm:"column:longest_streak;not null;default:0"`
	LastStudyDateMs *int64 `gorm:"column:last_study_date_ms"`
	UpdatedAtMs     int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StatsRecord) TableName() string {
	return "user_stats"
}

// RowChange is an append-only audit trail of accepted writes.
type RowChange struct {
	ChangeID        string    `gorm:"column:change_id;primaryKey;size:190;not null"`
	UserID          string    `gorm:"column:user_id;size:190;not null;index:idx_row_changes_user_time,priority:1"`
	Collection      string    `gorm:"column:collection;size:32;not null"`
	RowID           string    `gorm:"column:row_id;size:100;not null"`
	Operation       Operation `gorm:"column:op;size:16;not null"`
	AppliedAtMs     int64     `gorm:"column:applied_at_ms;not null;index:idx_row_changes_user_time,priority:2"`
	ClientUpdatedMs int64     `gorm:"column:client_updated_ms;not null;default:0"`
	PreviousVersion *int64    `gorm:"column:prev_version"`
	NewVersion      *int64    `gorm:"column:new_version"`
}

// TableName provides the explicit table binding for GORM.
func (RowChange) TableName() string {
	return "row_changes"
}

// Models lists every table the service owns, for schema migration.
func Models() []any {
	return []any{&DeckRecord{}, &CardRecord{}, &StatsRecord{}, &RowChange{}}
}

func (r *DeckRecord) rowKey() string       { return r.DeckID }
func (r *DeckRecord) keyColumn() string    { return "deck_id" }
func (r *DeckRecord) updatedAtMs() int64   { return r.UpdatedAtMs }
func (r *DeckRecord) version() int64       { return r.Version }
func (r *DeckRecord) setVersion(v int64)   { r.Version = v }
func (r *DeckRecord) setOwner(user string) { r.UserID = user }

func (r *CardRecord) rowKey() string       { return r.CardID }
func (r *CardRecord) keyColumn() string    { return "card_id" }
func (r *CardRecord) updatedAtMs() int64   { return r.UpdatedAtMs }
func (r *CardRecord) version() int64       { return r.Version }
func (r *CardRecord) setVersion(v int64)   { r.Version = v }
func (r *CardRecord) setOwner(user string) { r.UserID = user }

func deckRecordFromRow(row remote.DeckRow) DeckRecord {
	return DeckRecord{
		DeckID:      row.ID,
		Name:        row.Name,
		Description: row.Description,
		CreatedAtMs: flashcards.ToMillis(row.CreatedAt),
		UpdatedAtMs: flashcards.ToMillis(row.UpdatedAt),
	}
}

func (r DeckRecord) row() remote.DeckRow {
	return remote.DeckRow{
		ID:          r.DeckID,
		UserID:      r.UserID,
		Name:        r.Name,
		Description: r.Description,
		CreatedAt:   flashcards.FromMillis(r.CreatedAtMs),
		UpdatedAt:   flashcards.FromMillis(r.UpdatedAtMs),
	}
}

func cardRecordFromRow(row remote.CardRow) CardRecord {
	return CardRecord{
		CardID:       row.ID,
		DeckID:       row.DeckID,
		Front:        row.Front,
		Back:         row.Back,
		FrontImage:   remote.StringPointer(remote.StringValue(row.FrontImage)),
		BackImage:    remote.StringPointer(remote.StringValue(row.BackImage)),
		EaseFactor:   row.EaseFactor,
		IntervalDays: row.Interval,
		Repetitions:  row.Repetitions,
		NextReviewMs: flashcards.ToMillis(row.NextReview),
		CreatedAtMs:  flashcards.ToMillis(row.CreatedAt),
		UpdatedAtMs:  flashcards.ToMillis(row.UpdatedAt),
	}
}

func (r CardRecord) row() remote.CardRow {
	return remote.CardRow{
		ID:          r.CardID,
		DeckID:      r.DeckID,
		UserID:      r.UserID,
		Front:       r.Front,
		Back:        r.Back,
		FrontImage:  r.FrontImage,
		BackImage:   r.BackImage,
		EaseFactor:  r.EaseFactor,
		Interval:    r.IntervalDays,
		Repetitions: r.Repetitions,
		NextReview:  flashcards.FromMillis(r.NextReviewMs),
		CreatedAt:   flashcards.FromMillis(r.CreatedAtMs),
		UpdatedAt:   flashcards.FromMillis(r.UpdatedAtMs),
	}
}

func (r StatsRecord) row() remote.StatsRow {
	row := remote.StatsRow{
		UserID:        r.UserID,
		CurrentStreak: r.CurrentStreak,
		LongestStreak: r.LongestStreak,
		UpdatedAt:     flashcards.FromMillis(r.UpdatedAtMs),
	}
	if r.LastStudyDateMs != nil {
		lastStudy := flashcards.FromMillis(*r.LastStudyDateMs)
		row.LastStudyDate = &lastStudy
	}
	return row
}

func (r StatsRecord) stats() flashcards.StreakStats {
	row := r.row()
	return flashcards.StreakStats{
		CurrentStreak: row.CurrentStreak,
		LongestStreak: row.LongestStreak,
		LastStudyDate: row.LastStudyDate,
		UpdatedAt:     row.UpdatedAt,
	}
}

func statsRecordFrom(userID string, stats flashcards.StreakStats) StatsRecord {
	record := StatsRecord{
		UserID:        userID,
		CurrentStreak: stats.CurrentStreak,
		LongestStreak: stats.LongestStreak,
		UpdatedAtMs:   flashcards.ToMillis(stats.UpdatedAt),
	}
	if stats.LastStudyDate != nil {
		lastStudy := flashcards.ToMillis(*stats.LastStudyDate)
		record.LastStudyDateMs = &lastStudy
	}
	return record
}
