// Package remote defines the multi-user backend that replication mirrors the
// local store to, its row formats, and an HTTP client for it.
package remote

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnauthorized indicates the backend rejected the credentials. It is
	// not retried.
	ErrUnauthorized = errors.New("remote: unauthorized")
	// ErrUnavailable indicates a transport failure or server error. Callers
	// retry later.
	ErrUnavailable = errors.New("remote: backend unavailable")
)

// DeckRow is the remote form of a deck.
type DeckRow struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CardRow is the remote form of a card. Review history stays on the device.
type CardRow struct {
	ID          string    `json:"id"`
	DeckID      string    `json:"deck_id"`
	UserID      string    `json:"user_id"`
	Front       string    `json:"front"`
	Back        string    `json:"back"`
	FrontImage  *string   `json:"front_image"`
	BackImage   *string   `json:"back_image"`
	EaseFactor  float64   `json:"ease_factor"`
	Interval    int       `json:"interval"`
	Repetitions int       `json:"repetitions"`
	NextReview  time.Time `json:"next_review"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StatsRow is the remote form of the streak counters.
type StatsRow struct {
	UserID        string     `json:"user_id"`
	CurrentStreak int        `json:"current_streak"`
	LongestStreak int        `json:"longest_streak"`
	LastStudyDate *time.Time `json:"last_study_date"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Backend is the remote table store. Every call is scoped to one user.
//
// Pull methods return rows with updated_at strictly after since, ascending by
// updated_at, at most limit rows. Upserts are keyed by id and resolved with
// last-writer-wins on updated_at; rows that lost are returned together with
// the winning stored version.
type Backend interface {
	PullDecks(ctx context.Context, userID string, since time.Time, limit int) ([]DeckRow, error)
	PullCards(ctx context.Context, userID string, since time.Time, limit int) ([]CardRow, error)
	UpsertDecks(ctx context.Context, userID string, rows []DeckRow) ([]DeckRow, error)
	UpsertCards(ctx context.Context, userID string, rows []CardRow) ([]CardRow, error)
	DeleteDecks(ctx context.Context, userID string, ids []string) error
	DeleteCards(ctx context.Context, userID string, ids []string) error
	ListDecks(ctx context.Context, userID string) ([]DeckRow, error)
	ListCards(ctx context.Context, userID, deckID string) ([]CardRow, error)
	GetStats(ctx context.Context, userID string) (StatsRow, bool, error)
	PutStats(ctx context.Context, userID string, row StatsRow) (StatsRow, error)
}

// StringPointer returns nil for the empty string.
func StringPointer(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

// StringValue returns "" for nil.
func StringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
