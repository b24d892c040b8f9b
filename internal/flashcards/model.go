package flashcards

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxIdentifierLength = 100
	// MaxDeckNameLength bounds deck names.
	MaxDeckNameLength = 200
	// MaxDeckDescriptionLength bounds deck descriptions.
	MaxDeckDescriptionLength = 2000

	// DefaultEaseFactor is assigned to every new card.
	DefaultEaseFactor = 2.5
	// DefaultInterval is the interval in days of a new card.
	DefaultInterval = 1
)

var (
	// ErrInvalidID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidID = errors.New("flashcards: invalid document id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("flashcards: invalid user id")
	// ErrInvalidRating indicates a rating outside the 1-5 scale.
	ErrInvalidRating = errors.New("flashcards: invalid rating")
	// ErrInvalidDeckName indicates an empty or oversized deck name.
	ErrInvalidDeckName = errors.New("flashcards: invalid deck name")
)

// DocumentID represents a validated deck or card identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UserID represents a validated account identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > 190 {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, 190)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Rating is a recall grade on the 1-5 scale.
type Rating int

const (
	RatingAgain   Rating = 1
	RatingHard    Rating = 2
	RatingGood    Rating = 3
	RatingEasy    Rating = 4
	RatingPerfect Rating = 5
)

// NewRating validates a raw grade.
func NewRating(value int) (Rating, error) {
	rating := Rating(value)
	if err := rating.Validate(); err != nil {
		return 0, err
	}
	return rating, nil
}

// Validate rejects grades outside the 1-5 scale.
func (r Rating) Validate() error {
	if r < RatingAgain || r > RatingPerfect {
		return fmt.Errorf("%w: %d", ErrInvalidRating, int(r))
	}
	return nil
}

// Remembered reports whether the grade counts as a successful recall.
func (r Rating) Remembered() bool {
	return r >= RatingGood
}

// Review is one entry of a card's review history.
type Review struct {
	Rating Rating
	Date   time.Time
}

// Card is a single question/answer unit together with its scheduling state.
type Card struct {
	ID           string
	DeckID       string
	Front        string
	Back         string
	FrontImage   string
	BackImage    string
	EaseFactor   float64
	Interval     int
	Repetitions  int
	NextReview   time.Time
	LastReviewed *time.Time
	Reviews      []Review
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Reviewed reports whether the card has ever been reviewed.
func (c Card) Reviewed() bool {
	return c.LastReviewed != nil
}

// Clone returns a copy that shares no mutable state with c.
func (c Card) Clone() Card {
	clone := c
	if c.LastReviewed != nil {
		lastReviewed := *c.LastReviewed
		clone.LastReviewed = &lastReviewed
	}
	if c.Reviews != nil {
		clone.Reviews = append(make([]Review, 0, len(c.Reviews)), c.Reviews...)
	}
	return clone
}

// Deck is a named collection of cards in insertion order.
type Deck struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Cards       []Card
}

// CardContent holds the user-editable fields of a card.
type CardContent struct {
	Front      string
	Back       string
	FrontImage string
	BackImage  string
}

// NewCard returns a card that is immediately due.
func NewCard(id, deckID string, content CardContent, now time.Time) Card {
	now = Millis(now)
	return Card{
		ID:          id,
		DeckID:      deckID,
		Front:       content.Front,
		Back:        content.Back,
		FrontImage:  content.FrontImage,
		BackImage:   content.BackImage,
		EaseFactor:  DefaultEaseFactor,
		Interval:    DefaultInterval,
		Repetitions: 0,
		NextReview:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NewDeck returns an empty deck after validating the name.
func NewDeck(id, name, description string, now time.Time) (Deck, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return Deck{}, fmt.Errorf("%w: empty", ErrInvalidDeckName)
	}
	if len(trimmed) > MaxDeckNameLength {
		return Deck{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeckName, MaxDeckNameLength)
	}
	now = Millis(now)
	return Deck{
		ID:          id,
		Name:        trimmed,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Millis truncates t to millisecond precision in UTC, the resolution used by
// both stores and the wire format.
func Millis(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli()).UTC()
}

// FromMillis converts unix milliseconds to a UTC time. Zero maps to the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ToMillis converts t to unix milliseconds. The zero time maps to zero.
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
