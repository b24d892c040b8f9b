package localstore

import (
	"time"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/flashcards"
)

// Collection names.
const (
	CollectionDecks = "decks"
	CollectionCards = "cards"
)

// Meta holds the bookkeeping columns shared by every document.
type Meta struct {
	ID          string  `gorm:"column:id;primaryKey;size:100;not null" validate:"required,max=100"`
	UserID      *string `gorm:"column:user_id;size:190;index:,composite:owner_pending,priority:1" validate:"omitempty,min=1,max=190"`
	CreatedAtMs int64   `gorm:"column:created_at_ms;not null" validate:"gt=0"`
	UpdatedAtMs int64   `gorm:"column:updated_at_ms;not null;index" validate:"gt=0,gtefield=CreatedAtMs"`
	PendingPush bool    `gorm:"column:pending_push;not null;default:false;index:,composite:owner_pending,priority:2"`
	Deleted     bool    `gorm:"column:deleted;not null;default:false"`
}

func (m *Meta) meta() *Meta {
	return m
}

// Owner returns the owning user id, or "" for documents created while signed out.
func (m Meta) Owner() string {
	if m.UserID == nil {
		return ""
	}
	return *m.UserID
}

// UpdatedAt returns the last modification time.
func (m Meta) UpdatedAt() time.Time {
	return flashcards.FromMillis(m.UpdatedAtMs)
}

// DeckDocument is the stored form of a deck.
type DeckDocument struct {
	Meta
	Name        string `gorm:"column:name;size:200;not null" validate:"required,max=200"`
	Description string `gorm:"column:description;type:text;not null;default:''" validate:"max=2000"`
}

// TableName provides the explicit table binding for GORM.
func (DeckDocument) TableName() string {
	return CollectionDecks
}

// ReviewRecord is one stored review history entry.
type ReviewRecord struct {
	Rating int   `json:"rating" validate:"gte=1,lte=5"`
	DateMs int64 `json:"date" validate:"gt=0"`
}

// CardDocument is the stored form of a card.
type CardDocument struct {
	Meta
	DeckID         string         `gorm:"column:deck_id;size:100;not null;index" validate:"required,max=100"`
	Front          string         `gorm:"column:front;type:text;not null"`
	Back           string         `gorm:"column:back;type:text;not null"`
	FrontImage     string         `gorm:"column:front_image;type:text;not null;default:''"`
	BackImage      string         `gorm:"column:back_image;type:text;not null;default:''"`
	EaseFactor     float64        `gorm:"column:ease_factor;not null" validate:"gte=1.3,lte=3.5"`
	Interval       int            `gorm:"column:interval;not null" validate:"gte=1,lte=90"`
	Repetitions    int            `gorm:"column:repetitions;not null" validate:"gte=0"`
	NextReviewMs   int64          `gorm:"column:next_review_ms;not null;index" validate:"gt=0"`
	LastReviewedMs *int64         `gorm:"column:last_reviewed_ms" validate:"omitempty,gt=0"`
	Reviews        []ReviewRecord `gorm:"column:reviews;type:text;serializer:json" validate:"dive"`
}

// TableName provides the explicit table binding for GORM.
func (CardDocument) TableName() string {
	return CollectionCards
}

// NewDeckDocument converts a deck into its stored form.
func NewDeckDocument(deck flashcards.Deck, owner string) DeckDocument {
	return DeckDocument{
		Meta: Meta{
			ID:          deck.ID,
			UserID:      ownerPointer(owner),
			CreatedAtMs: flashcards.ToMillis(deck.CreatedAt),
			UpdatedAtMs: flashcards.ToMillis(deck.UpdatedAt),
		},
		Name:        deck.Name,
		Description: deck.Description,
	}
}

// Deck converts the document into a deck holding the given cards.
func (d DeckDocument) Deck(cards []CardDocument) flashcards.Deck {
	deck := flashcards.Deck{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		CreatedAt:   flashcards.FromMillis(d.CreatedAtMs),
		UpdatedAt:   flashcards.FromMillis(d.UpdatedAtMs),
		Cards:       make([]flashcards.Card, 0, len(cards)),
	}
	for _, card := range cards {
		deck.Cards = append(deck.Cards, card.Card())
	}
	return deck
}

// NewCardDocument converts a card into its stored form.
func NewCardDocument(card flashcards.Card, owner string) CardDocument {
	doc := CardDocument{
		Meta: Meta{
			ID:          card.ID,
			UserID:      ownerPointer(owner),
			CreatedAtMs: flashcards.ToMillis(card.CreatedAt),
			UpdatedAtMs: flashcards.ToMillis(card.UpdatedAt),
		},
		DeckID:       card.DeckID,
		Front:        card.Front,
		Back:         card.Back,
		FrontImage:   card.FrontImage,
		BackImage:    card.BackImage,
		EaseFactor:   card.EaseFactor,
		Interval:     card.Interval,
		Repetitions:  card.Repetitions,
		NextReviewMs: flashcards.ToMillis(card.NextReview),
		Reviews:      make([]ReviewRecord, 0, len(card.Reviews)),
	}
	if card.LastReviewed != nil {
		lastReviewed := flashcards.ToMillis(*card.LastReviewed)
		doc.LastReviewedMs = &lastReviewed
	}
	for _, review := range card.Reviews {
		doc.Reviews = append(doc.Reviews, ReviewRecord{
			Rating: int(review.Rating),
			DateMs: flashcards.ToMillis(review.Date),
		})
	}
	return doc
}

// Card converts the document into a card.
func (d CardDocument) Card() flashcards.Card {
	card := flashcards.Card{
		ID:          d.ID,
		DeckID:      d.DeckID,
		Front:       d.Front,
		Back:        d.Back,
		FrontImage:  d.FrontImage,
		BackImage:   d.BackImage,
		EaseFactor:  d.EaseFactor,
		Interval:    d.Interval,
		Repetitions: d.Repetitions,
		NextReview:  flashcards.FromMillis(d.NextReviewMs),
		CreatedAt:   flashcards.FromMillis(d.CreatedAtMs),
		UpdatedAt:   flashcards.FromMillis(d.UpdatedAtMs),
	}
	if d.LastReviewedMs != nil {
		lastReviewed := flashcards.FromMillis(*d.LastReviewedMs)
		card.LastReviewed = &lastReviewed
	}
	if len(d.Reviews) > 0 {
		card.Reviews = make([]flashcards.Review, 0, len(d.Reviews))
		for _, review := range d.Reviews {
			card.Reviews = append(card.Reviews, flashcards.Review{
				Rating: flashcards.Rating(review.Rating),
				Date:   flashcards.FromMillis(review.DateMs),
			})
		}
	}
	return card
}

func ownerPointer(owner string) *string {
	if owner == "" {
		return nil
	}
	value := owner
	return &value
}
