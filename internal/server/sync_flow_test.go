package server

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/flashcards"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/localstore"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/replication"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/storage"
)

type testDevice struct {
	adapter *storage.ReplicatedAdapter
	engine  *replication.Engine
}

func newTestDevice(t *testing.T, api testAPI, name, userID string) testDevice {
	t.Helper()
	store, err := localstore.Open(localstore.Config{Path: filepath.Join(t.TempDir(), name+".db")})
	if err != nil {
		t.Fatalf("open %s store: %v", name, err)
	}
	t.Cleanup(func() { _ = store.Close() })

	adapter, err := storage.NewReplicatedAdapter(storage.Config{Store: store}, flashcards.UserID(userID))
	if err != nil {
		t.Fatalf("%s adapter: %v", name, err)
	}
	engine, err := replication.NewEngine(replication.Config{
		Store:   store,
		Backend: api.client(t, "google", userID),
	})
	if err != nil {
		t.Fatalf("%s engine: %v", name, err)
	}
	return testDevice{adapter: adapter, engine: engine}
}

func TestAuthAndSyncFlowBetweenDevices(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	const userID = "learner-1"

	laptop := newTestDevice(t, api, "laptop", userID)
	phone := newTestDevice(t, api, "phone", userID)

	deck, err := laptop.adapter.CreateDeck(ctx, "Kanji", "N5")
	if err != nil {
		t.Fatalf("create deck: %v", err)
	}
	card, err := laptop.adapter.CreateCard(ctx, deck.ID, storage.CardInput{Front: "水", Back: "water"})
	if err != nil {
		t.Fatalf("create card: %v", err)
	}

	report, err := laptop.engine.SyncOnce(ctx, userID)
	if err != nil {
		t.Fatalf("laptop sync: %v", err)
	}
	if report.DecksPushed != 1 || report.CardsPushed != 1 {
		t.Fatalf("unexpected laptop report %+v", report)
	}

	report, err = phone.engine.SyncOnce(ctx, userID)
	if err != nil {
		t.Fatalf("phone sync: %v", err)
	}
	if report.DecksPulled != 1 || report.CardsPulled != 1 {
		t.Fatalf("unexpected phone report %+v", report)
	}
	phoneDeck, err := phone.adapter.GetDeckByID(ctx, deck.ID)
	if err != nil {
		t.Fatalf("phone deck: %v", err)
	}
	if phoneDeck.Name != "Kanji" || len(phoneDeck.Cards) != 1 || phoneDeck.Cards[0].Back != "water" {
		t.Fatalf("unexpected replicated deck %+v", phoneDeck)
	}

	if _, err := phone.adapter.RecordReview(ctx, deck.ID, card.ID, flashcards.RatingGood); err != nil {
		t.Fatalf("review on phone: %v", err)
	}
	if _, err := phone.engine.SyncOnce(ctx, userID); err != nil {
		t.Fatalf("phone sync after review: %v", err)
	}
	if _, err := laptop.engine.SyncOnce(ctx, userID); err != nil {
		t.Fatalf("laptop sync after review: %v", err)
	}

	laptopDeck, err := laptop.adapter.GetDeckByID(ctx, deck.ID)
	if err != nil {
		t.Fatalf("laptop deck: %v", err)
	}
	if len(laptopDeck.Cards) != 1 || len(laptopDeck.Cards[0].Reviews) != 1 {
		t.Fatalf("expected the phone's review on the laptop, got %+v", laptopDeck.Cards)
	}
	streak, err := laptop.adapter.GetStreakData(ctx)
	if err != nil {
		t.Fatalf("laptop streak: %v", err)
	}
	if streak.CurrentStreak != 1 {
		t.Fatalf("expected the phone's study day on the laptop, got %+v", streak)
	}
}
