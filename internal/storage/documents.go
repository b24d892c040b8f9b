package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/flashcards"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/localstore"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/scheduling"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

var (
	errMissingStore = errors.New("storage: local store is required")
	errMissingOwner = errors.New("storage: user id is required")
)

// Config describes the dependencies shared by both adapters.
type Config struct {
	Store      *localstore.Store
	IDProvider flashcards.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// documents implements Adapter over the local store for a single owner.
// The empty owner addresses documents created while signed out.
type documents struct {
	store  *localstore.Store
	ids    flashcards.IDProvider
	clock  func() time.Time
	logger *zap.Logger
	owner  string
}

func newDocuments(cfg Config, owner string) (*documents, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = flashcards.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &documents{
		store:  cfg.Store,
		ids:    ids,
		clock:  clock,
		logger: logger,
		owner:  owner,
	}, nil
}

func (d *documents) now() time.Time {
	return flashcards.Millis(d.clock())
}

func (d *documents) ownerSelector() localstore.Selector {
	if d.owner == "" {
		return localstore.Selector{"user_id": nil}
	}
	return localstore.Selector{"user_id": d.owner}
}

func (d *documents) owns(meta localstore.Meta) bool {
	return meta.Owner() == d.owner
}

// touch returns a modification stamp strictly after current.
func (d *documents) touch(current int64) int64 {
	return max(d.now().UnixMilli(), current+1)
}

func (d *documents) GetAllDecks(ctx context.Context) ([]flashcards.Deck, error) {
	deckDocs, err := d.store.Decks.Find(ctx, d.ownerSelector())
	if err != nil {
		return nil, err
	}
	cardDocs, err := d.store.Cards.Find(ctx, d.ownerSelector())
	if err != nil {
		return nil, err
	}
	byDeck := lo.GroupBy(cardDocs, func(card localstore.CardDocument) string {
		return card.DeckID
	})

	decks := make([]flashcards.Deck, 0, len(deckDocs))
	for _, doc := range deckDocs {
		decks = append(decks, doc.Deck(byDeck[doc.ID]))
	}
	return decks, nil
}

func (d *documents) GetDeckByID(ctx context.Context, id string) (flashcards.Deck, error) {
	doc, err := d.store.Decks.FindOne(ctx, id)
	if errors.Is(err, localstore.ErrNotFound) || (err == nil && !d.owns(doc.Meta)) {
		return flashcards.Deck{}, fmt.Errorf("%w: %s", ErrDeckNotFound, id)
	}
	if err != nil {
		return flashcards.Deck{}, err
	}
	selector := d.ownerSelector()
	selector["deck_id"] = id
	cards, err := d.store.Cards.Find(ctx, selector)
	if err != nil {
		return flashcards.Deck{}, err
	}
	return doc.Deck(cards), nil
}

func (d *documents) CreateDeck(ctx context.Context, name, description string) (flashcards.Deck, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return flashcards.Deck{}, fmt.Errorf("storage: generate deck id: %w", err)
	}
	deck, err := flashcards.NewDeck(id, name, description, d.now())
	if err != nil {
		return flashcards.Deck{}, err
	}
	doc := localstore.NewDeckDocument(deck, d.owner)
	if err := d.store.Decks.Insert(ctx, &doc); err != nil {
		d.logger.Warn("create deck failed", zap.String("deck_id", id), zap.Error(err))
		return flashcards.Deck{}, err
	}
	deck.Cards = []flashcards.Card{}
	return deck, nil
}

func (d *documents) UpdateDeck(ctx context.Context, id string, updates DeckUpdate) (flashcards.Deck, error) {
	_, err := d.store.Decks.Patch(ctx, id, func(doc *localstore.DeckDocument) error {
		if !d.owns(doc.Meta) {
			return fmt.Errorf("%w: %s", ErrDeckNotFound, id)
		}
		if updates.Name != nil {
			doc.Name = strings.TrimSpace(*updates.Name)
		}
		if updates.Description != nil {
			doc.Description = *updates.Description
		}
		doc.UpdatedAtMs = d.touch(doc.UpdatedAtMs)
		return nil
	})
	if errors.Is(err, localstore.ErrNotFound) {
		return flashcards.Deck{}, fmt.Errorf("%w: %s", ErrDeckNotFound, id)
	}
	if err != nil {
		return flashcards.Deck{}, err
	}
	return d.GetDeckByID(ctx, id)
}

func (d *documents) DeleteDeck(ctx context.Context, id string) error {
	err := d.store.Update(ctx, func(tx *localstore.Tx) error {
		doc, err := tx.Decks.FindOne(ctx, id)
		if err != nil {
			return err
		}
		if !d.owns(doc.Meta) {
			return fmt.Errorf("%w: %s", ErrDeckNotFound, id)
		}
		cards, err := tx.Cards.Find(ctx, localstore.Selector{"deck_id": id})
		if err != nil {
			return err
		}
		for _, card := range cards {
			if err := tx.Cards.Remove(ctx, card.ID); err != nil {
				return err
			}
		}
		return tx.Decks.Remove(ctx, id)
	})
	if errors.Is(err, localstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrDeckNotFound, id)
	}
	return err
}

func (d *documents) CreateCard(ctx context.Context, deckID string, input CardInput) (flashcards.Card, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return flashcards.Card{}, fmt.Errorf("storage: generate card id: %w", err)
	}
	card := flashcards.NewCard(id, deckID, input, d.now())

	err = d.store.Update(ctx, func(tx *localstore.Tx) error {
		if err := d.touchDeck(ctx, tx, deckID); err != nil {
			return err
		}
		doc := localstore.NewCardDocument(card, d.owner)
		return tx.Cards.Insert(ctx, &doc)
	})
	if err != nil {
		return flashcards.Card{}, err
	}
	return card, nil
}

func (d *documents) UpdateCard(ctx context.Context, deckID, cardID string, updates CardUpdate) (flashcards.Card, error) {
	var updated flashcards.Card
	err := d.store.Update(ctx, func(tx *localstore.Tx) error {
		doc, err := tx.Cards.Patch(ctx, cardID, func(doc *localstore.CardDocument) error {
			if doc.DeckID != deckID || !d.owns(doc.Meta) {
				return fmt.Errorf("%w: %s/%s", ErrCardNotFound, deckID, cardID)
			}
			applyCardUpdate(doc, updates)
			doc.UpdatedAtMs = d.touch(doc.UpdatedAtMs)
			return nil
		})
		if errors.Is(err, localstore.ErrNotFound) {
			return fmt.Errorf("%w: %s/%s", ErrCardNotFound, deckID, cardID)
		}
		if err != nil {
			return err
		}
		updated = doc.Card()
		return d.touchDeck(ctx, tx, deckID)
	})
	if err != nil {
		return flashcards.Card{}, err
	}
	return updated, nil
}

func (d *documents) DeleteCard(ctx context.Context, deckID, cardID string) error {
	return d.store.Update(ctx, func(tx *localstore.Tx) error {
		doc, err := tx.Cards.FindOne(ctx, cardID)
		if errors.Is(err, localstore.ErrNotFound) || (err == nil && (doc.DeckID != deckID || !d.owns(doc.Meta))) {
			return fmt.Errorf("%w: %s/%s", ErrCardNotFound, deckID, cardID)
		}
		if err != nil {
			return err
		}
		if err := tx.Cards.Remove(ctx, cardID); err != nil {
			return err
		}
		return d.touchDeck(ctx, tx, deckID)
	})
}

func (d *documents) GetStreakData(ctx context.Context) (flashcards.StreakStats, error) {
	state, err := d.store.Streak(ctx, d.owner)
	if err != nil {
		return flashcards.StreakStats{}, err
	}
	return state.Stats, nil
}

func (d *documents) UpdateStreak(ctx context.Context) (flashcards.StreakStats, error) {
	state, err := d.store.Streak(ctx, d.owner)
	if err != nil {
		return flashcards.StreakStats{}, err
	}
	now := d.clock()
	advanced := flashcards.AdvanceStreak(state.Stats, now)
	if advanced.LastStudyDate == state.Stats.LastStudyDate {
		return state.Stats, nil
	}
	if err := d.store.SaveStreak(ctx, d.owner, advanced, d.owner != ""); err != nil {
		return flashcards.StreakStats{}, err
	}
	return advanced, nil
}

// RecordReview scores a review of the card, stores the result and counts
// the study day towards the streak.
func (d *documents) RecordReview(ctx context.Context, deckID, cardID string, rating flashcards.Rating) (flashcards.Card, error) {
	doc, err := d.store.Cards.FindOne(ctx, cardID)
	if errors.Is(err, localstore.ErrNotFound) || (err == nil && (doc.DeckID != deckID || !d.owns(doc.Meta))) {
		return flashcards.Card{}, fmt.Errorf("%w: %s/%s", ErrCardNotFound, deckID, cardID)
	}
	if err != nil {
		return flashcards.Card{}, err
	}

	scored, err := scheduling.ScoreReview(doc.Card(), rating, d.now())
	if err != nil {
		return flashcards.Card{}, err
	}
	updated, err := d.UpdateCard(ctx, deckID, cardID, SchedulingUpdate(scored))
	if err != nil {
		return flashcards.Card{}, err
	}
	if _, err := d.UpdateStreak(ctx); err != nil {
		d.logger.Warn("streak update failed", zap.String("card_id", cardID), zap.Error(err))
	}
	return updated, nil
}

func (d *documents) touchDeck(ctx context.Context, tx *localstore.Tx, deckID string) error {
	_, err := tx.Decks.Patch(ctx, deckID, func(doc *localstore.DeckDocument) error {
		if !d.owns(doc.Meta) {
			return fmt.Errorf("%w: %s", ErrDeckNotFound, deckID)
		}
		doc.UpdatedAtMs = d.touch(doc.UpdatedAtMs)
		return nil
	})
	if errors.Is(err, localstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrDeckNotFound, deckID)
	}
	return err
}

func applyCardUpdate(doc *localstore.CardDocument, updates CardUpdate) {
	if updates.Front != nil {
		doc.Front = *updates.Front
	}
	if updates.Back != nil {
		doc.Back = *updates.Back
	}
	if updates.FrontImage != nil {
		doc.FrontImage = *updates.FrontImage
	}
	if updates.BackImage != nil {
		doc.BackImage = *updates.BackImage
	}
	if updates.EaseFactor != nil {
		doc.EaseFactor = *updates.EaseFactor
	}
	if updates.Interval != nil {
		doc.Interval = *updates.Interval
	}
	if updates.Repetitions != nil {
		doc.Repetitions = *updates.Repetitions
	}
	if updates.NextReview != nil {
		doc.NextReviewMs = flashcards.ToMillis(*updates.NextReview)
	}
	if updates.LastReviewed != nil {
		lastReviewed := flashcards.ToMillis(*updates.LastReviewed)
		doc.LastReviewedMs = &lastReviewed
	}
	if updates.Reviews != nil {
		card := flashcards.Card{Reviews: *updates.Reviews}
		doc.Reviews = localstore.NewCardDocument(card, "").Reviews
	}
}
