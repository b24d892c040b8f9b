// Package storage is the read/write surface the rest of the application
// uses for decks, cards and streak counters. Implementations only touch the
// local store; replication mirrors their writes in the background.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/flashcards"
)

var (
	// ErrDeckNotFound indicates a deck that does not exist for the current owner.
	ErrDeckNotFound = errors.New("storage: deck not found")
	// ErrCardNotFound indicates a card that does not exist in the given deck.
	ErrCardNotFound = errors.New("storage: card not found")
)

// Adapter is the storage contract. No method waits on the network.
type Adapter interface {
	GetAllDecks(ctx context.Context) ([]flashcards.Deck, error)
	GetDeckByID(ctx context.Context, id string) (flashcards.Deck, error)
	CreateDeck(ctx context.Context, name, description string) (flashcards.Deck, error)
	UpdateDeck(ctx context.Context, id string, updates DeckUpdate) (flashcards.Deck, error)
	DeleteDeck(ctx context.Context, id string) error
	CreateCard(ctx context.Context, deckID string, input CardInput) (flashcards.Card, error)
	UpdateCard(ctx context.Context, deckID, cardID string, updates CardUpdate) (flashcards.Card, error)
	DeleteCard(ctx context.Context, deckID, cardID string) error
	GetStreakData(ctx context.Context) (flashcards.StreakStats, error)
	UpdateStreak(ctx context.Context) (flashcards.StreakStats, error)
}

// StudyAdapter adds review recording to Adapter. Both implementations
// provide it.
type StudyAdapter interface {
	Adapter
	RecordReview(ctx context.Context, deckID, cardID string, rating flashcards.Rating) (flashcards.Card, error)
}

// DeckUpdate lists deck fields to change. Nil fields are left alone.
type DeckUpdate struct {
	Name        *string
	Description *string
}

// CardInput is the content of a new card.
type CardInput = flashcards.CardContent

// CardUpdate lists card fields to change. Nil fields are left alone.
type CardUpdate struct {
	Front        *string
	Back         *string
	FrontImage   *string
	BackImage    *string
	EaseFactor   *float64
	Interval     *int
	Repetitions  *int
	NextReview   *time.Time
	LastReviewed *time.Time
	Reviews      *[]flashcards.Review
}

// SchedulingUpdate returns the update that stores the scheduling state and
// history of card.
func SchedulingUpdate(card flashcards.Card) CardUpdate {
	reviews := append([]flashcards.Review(nil), card.Reviews...)
	update := CardUpdate{
		EaseFactor:  &card.EaseFactor,
		Interval:    &card.Interval,
		Repetitions: &card.Repetitions,
		NextReview:  &card.NextReview,
		Reviews:     &reviews,
	}
	if card.LastReviewed != nil {
		lastReviewed := *card.LastReviewed
		update.LastReviewed = &lastReviewed
	}
	return update
}
