package localstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	store, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "local.db"),
		MaxBytes: maxBytes,
		Clock: func() time.Time {
			return testNow
		},
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func testDeck(id string, owner string) *DeckDocument {
	return &DeckDocument{
		Meta: Meta{
			ID:          id,
			UserID:      ownerPointer(owner),
			CreatedAtMs: testNow.UnixMilli(),
			UpdatedAtMs: testNow.UnixMilli(),
		},
		Name: "Deck " + id,
	}
}

func testCard(id, deckID string, owner string) *CardDocument {
	return &CardDocument{
		Meta: Meta{
			ID:          id,
			UserID:      ownerPointer(owner),
			CreatedAtMs: testNow.UnixMilli(),
			UpdatedAtMs: testNow.UnixMilli(),
		},
		DeckID:       deckID,
		Front:        "front " + id,
		Back:         "back " + id,
		EaseFactor:   2.5,
		Interval:     1,
		NextReviewMs: testNow.UnixMilli(),
	}
}

func mustInsertDeck(t *testing.T, store *Store, doc *DeckDocument) {
	t.Helper()
	if err := store.Decks.Insert(context.Background(), doc); err != nil {
		t.Fatalf("insert deck %s: %v", doc.ID, err)
	}
}

func mustInsertCard(t *testing.T, store *Store, doc *CardDocument) {
	t.Helper()
	if err := store.Cards.Insert(context.Background(), doc); err != nil {
		t.Fatalf("insert card %s: %v", doc.ID, err)
	}
}

func TestCollectionInsertFindAndSelect(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	mustInsertDeck(t, store, testDeck("deck-1", ""))
	mustInsertDeck(t, store, testDeck("deck-2", "user-1"))
	mustInsertCard(t, store, testCard("card-1", "deck-1", ""))
	mustInsertCard(t, store, testCard("card-2", "deck-1", ""))
	mustInsertCard(t, store, testCard("card-3", "deck-2", "user-1"))

	deck, err := store.Decks.FindOne(ctx, "deck-1")
	if err != nil {
		t.Fatalf("find deck: %v", err)
	}
	if deck.Name != "Deck deck-1" || deck.UserID != nil || deck.PendingPush {
		t.Fatalf("unexpected deck document: %+v", deck)
	}

	cards, err := store.Cards.Find(ctx, Selector{"deck_id": "deck-1"})
	if err != nil {
		t.Fatalf("find cards: %v", err)
	}
	if len(cards) != 2 || cards[0].ID != "card-1" || cards[1].ID != "card-2" {
		t.Fatalf("unexpected cards for deck-1: %+v", cards)
	}

	orphans, err := store.Decks.Find(ctx, Selector{"user_id": nil})
	if err != nil {
		t.Fatalf("find orphan decks: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != "deck-1" {
		t.Fatalf("expected only deck-1 to be unowned, got %+v", orphans)
	}

	owned, err := store.Cards.FindOne(ctx, "card-3")
	if err != nil {
		t.Fatalf("find owned card: %v", err)
	}
	if !owned.PendingPush {
		t.Fatalf("owned documents must be marked for push on insert")
	}

	if _, err := store.Decks.FindOne(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Decks.Insert(ctx, testDeck("deck-1", "")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestCollectionRejectsSchemaViolations(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(doc *CardDocument)
	}{
		{name: "ease-above-range", mutate: func(doc *CardDocument) { doc.EaseFactor = 3.6 }},
		{name: "ease-below-range", mutate: func(doc *CardDocument) { doc.EaseFactor = 1.0 }},
		{name: "interval-above-cap", mutate: func(doc *CardDocument) { doc.Interval = 91 }},
		{name: "negative-repetitions", mutate: func(doc *CardDocument) { doc.Repetitions = -1 }},
		{name: "missing-deck", mutate: func(doc *CardDocument) { doc.DeckID = "" }},
		{name: "invalid-review-rating", mutate: func(doc *CardDocument) {
			doc.Reviews = []ReviewRecord{{Rating: 6, DateMs: testNow.UnixMilli()}}
		}},
		{name: "oversized-id", mutate: func(doc *CardDocument) { doc.ID = strings.Repeat("x", 101) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := testCard("card-"+tt.name, "deck-1", "")
			tt.mutate(doc)
			err := store.Cards.Insert(ctx, doc)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) || len(validationErr.Fields) == 0 {
				t.Fatalf("expected field details, got %v", err)
			}
			if _, err := store.Cards.FindOne(ctx, doc.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("rejected document must not be stored")
			}
		})
	}
}

func TestCollectionPatchValidatesAndKeepsOriginalOnFailure(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()
	mustInsertDeck(t, store, testDeck("deck-1", ""))

	_, err := store.Decks.Patch(ctx, "deck-1", func(doc *DeckDocument) error {
		doc.Name = ""
		return nil
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	patched, err := store.Decks.Patch(ctx, "deck-1", func(doc *DeckDocument) error {
		doc.Name = "Renamed"
		doc.ID = "hijacked"
		doc.UpdatedAtMs = testNow.Add(time.Minute).UnixMilli()
		return nil
	})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if patched.ID != "deck-1" || patched.Name != "Renamed" {
		t.Fatalf("unexpected patched document: %+v", patched)
	}

	stored, err := store.Decks.FindOne(ctx, "deck-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Name != "Renamed" {
		t.Fatalf("expected patch to persist, got %q", stored.Name)
	}
}

func TestCollectionRemoveTombstonesOwnedDocuments(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()
	mustInsertCard(t, store, testCard("orphan", "deck-1", ""))
	mustInsertCard(t, store, testCard("owned", "deck-1", "user-1"))

	if err := store.Cards.Remove(ctx, "orphan"); err != nil {
		t.Fatalf("remove orphan: %v", err)
	}
	if err := store.Cards.Remove(ctx, "owned"); err != nil {
		t.Fatalf("remove owned: %v", err)
	}
	if _, err := store.Cards.FindOne(ctx, "owned"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("tombstoned card must not be visible")
	}

	pending, err := store.PendingCards(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("pending cards: %v", err)
	}
	if len(pending) != 1 || !pending[0].Deleted {
		t.Fatalf("expected one pending tombstone, got %+v", pending)
	}

	if err := store.MarkCardPushed(ctx, "owned", pending[0].UpdatedAtMs); err != nil {
		t.Fatalf("mark pushed: %v", err)
	}
	pending, err = store.PendingCards(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("pending cards: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pushed tombstone must be dropped, got %+v", pending)
	}
	if err := store.Cards.Remove(ctx, "owned"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
}

func TestMarkPushedKeepsNewerLocalEdits(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()
	mustInsertDeck(t, store, testDeck("deck-1", "user-1"))
	pushedVersion := testNow.UnixMilli()

	if _, err := store.Decks.Patch(ctx, "deck-1", func(doc *DeckDocument) error {
		doc.Name = "edited during push"
		doc.UpdatedAtMs = pushedVersion + 500
		return nil
	}); err != nil {
		t.Fatalf("patch: %v", err)
	}

	if err := store.MarkDeckPushed(ctx, "deck-1", pushedVersion); err != nil {
		t.Fatalf("mark pushed: %v", err)
	}
	pending, err := store.PendingDecks(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("pending decks: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("edit made during push must stay pending")
	}
}

func TestStoreSurfacesStorageFull(t *testing.T) {
	store := newTestStore(t, 256*1024)
	ctx := context.Background()
	image := strings.Repeat("i", 64*1024)

	var lastErr error
	for i := 0; i < 32; i++ {
		card := testCard(fmt.Sprintf("card-%02d", i), "deck-1", "")
		card.FrontImage = image
		if err := store.Cards.Insert(ctx, card); err != nil {
			lastErr = err
			break
		}
	}
	if lastErr == nil {
		t.Fatalf("expected quota to be exhausted")
	}
	if !errors.Is(lastErr, ErrStorageFull) {
		t.Fatalf("expected ErrStorageFull, got %v", lastErr)
	}
}

func TestUpdatePublishesOnlyAfterCommit(t *testing.T) {
	store := newTestStore(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, _ := store.Feed().Subscribe(ctx, "")

	rollback := errors.New("rollback")
	err := store.Update(ctx, func(tx *Tx) error {
		if err := tx.Decks.Insert(ctx, testDeck("deck-rolled-back", "")); err != nil {
			return err
		}
		return rollback
	})
	if !errors.Is(err, rollback) {
		t.Fatalf("expected rollback error, got %v", err)
	}
	select {
	case change := <-changes:
		t.Fatalf("rolled back write must not be published: %+v", change)
	default:
	}
	if _, err := store.Decks.FindOne(ctx, "deck-rolled-back"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rolled back deck must not exist")
	}

	err = store.Update(ctx, func(tx *Tx) error {
		if err := tx.Decks.Insert(ctx, testDeck("deck-1", "")); err != nil {
			return err
		}
		return tx.Cards.Insert(ctx, testCard("card-1", "deck-1", ""))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	for _, expected := range []string{"deck-1", "card-1"} {
		select {
		case change := <-changes:
			if change.DocumentID != expected {
				t.Fatalf("expected change for %s, got %+v", expected, change)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected change for %s", expected)
		}
	}
}
