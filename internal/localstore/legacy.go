package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/flashcards"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type legacyExport struct {
	Decks []legacyDeck `json:"decks"`
}

type legacyDeck struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	CreatedAt   int64        `json:"createdAt"`
	UpdatedAt   int64        `json:"updatedAt"`
	Cards       []legacyCard `json:"cards"`
}

type legacyCard struct {
	ID            string         `json:"id"`
	Front         string         `json:"front"`
	Back          string         `json:"back"`
	FrontImageURL string         `json:"frontImageUrl"`
	BackImageURL  string         `json:"backImageUrl"`
	EaseFactor    *float64       `json:"easeFactor"`
	Interval      *int           `json:"interval"`
	Repetitions   *int           `json:"repetitions"`
	NextReview    *int64         `json:"nextReview"`
	LastReviewed  *int64         `json:"lastReviewed"`
	Reviews       []ReviewRecord `json:"reviews"`
	CreatedAt     int64          `json:"createdAt"`
}

// ImportResult summarizes a legacy import.
type ImportResult struct {
	Skipped bool
	Decks   int
	Cards   int
}

// ImportLegacy loads a pre-database JSON export into unowned documents.
// It runs once per store; later calls report Skipped. Missing scheduling
// fields receive new-card defaults and existing ids are overwritten.
func (s *Store) ImportLegacy(ctx context.Context, reader io.Reader) (ImportResult, error) {
	done, err := s.MarkerSet(ctx, MarkerLegacyImport, "")
	if err != nil {
		return ImportResult{}, err
	}
	if done {
		return ImportResult{Skipped: true}, nil
	}

	var export legacyExport
	if err := json.NewDecoder(reader).Decode(&export); err != nil && err != io.EOF {
		return ImportResult{}, fmt.Errorf("localstore: decode legacy export: %w", err)
	}

	nowMs := s.Now().UnixMilli()
	result := ImportResult{}
	var changes []Change
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, legacy := range export.Decks {
			deck := DeckDocument{
				Meta: Meta{
					ID:          strings.TrimSpace(legacy.ID),
					CreatedAtMs: orNow(legacy.CreatedAt, nowMs),
					UpdatedAtMs: orNow(legacy.UpdatedAt, nowMs),
				},
				Name:        legacy.Name,
				Description: legacy.Description,
			}
			if deck.UpdatedAtMs < deck.CreatedAtMs {
				deck.UpdatedAtMs = deck.CreatedAtMs
			}
			if err := s.check(CollectionDecks, deck.ID, &deck); err != nil {
				return err
			}
			if err := tx.Save(&deck).Error; err != nil {
				return err
			}
			changes = append(changes, Change{Collection: CollectionDecks, DocumentID: deck.ID})
			result.Decks++

			for _, legacyCard := range legacy.Cards {
				card := legacyCard.document(deck.ID, nowMs)
				if err := s.check(CollectionCards, card.ID, &card); err != nil {
					return err
				}
				if err := tx.Save(&card).Error; err != nil {
					return err
				}
				changes = append(changes, Change{Collection: CollectionCards, DocumentID: card.ID})
				result.Cards++
			}
		}
		return tx.Create(&markerRecord{Name: MarkerLegacyImport, Owner: "", AppliedAtMs: nowMs}).Error
	})
	if err != nil {
		return ImportResult{}, classify(err)
	}
	for _, change := range changes {
		s.feed.Publish(change)
	}
	s.logger.Info("legacy data imported", zap.Int("decks", result.Decks), zap.Int("cards", result.Cards))
	return result, nil
}

func (c legacyCard) document(deckID string, nowMs int64) CardDocument {
	doc := CardDocument{
		Meta: Meta{
			ID:          strings.TrimSpace(c.ID),
			CreatedAtMs: orNow(c.CreatedAt, nowMs),
			UpdatedAtMs: nowMs,
		},
		DeckID:         deckID,
		Front:          c.Front,
		Back:           c.Back,
		FrontImage:     c.FrontImageURL,
		BackImage:      c.BackImageURL,
		EaseFactor:     flashcards.DefaultEaseFactor,
		Interval:       flashcards.DefaultInterval,
		NextReviewMs:   nowMs,
		LastReviewedMs: c.LastReviewed,
		Reviews:        c.Reviews,
	}
	if c.EaseFactor != nil {
		doc.EaseFactor = *c.EaseFactor
	}
	if c.Interval != nil {
		doc.Interval = min(*c.Interval, 90)
	}
	if c.Repetitions != nil {
		doc.Repetitions = *c.Repetitions
	}
	if c.NextReview != nil {
		doc.NextReviewMs = *c.NextReview
	}
	if doc.UpdatedAtMs < doc.CreatedAtMs {
		doc.UpdatedAtMs = doc.CreatedAtMs
	}
	return doc
}

func orNow(value, nowMs int64) int64 {
	if value <= 0 {
		return nowMs
	}
	return value
}
