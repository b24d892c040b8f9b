package migration

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/cloudstore"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/flashcards"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/localstore"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/remote"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/storage"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testUser = "user-1"

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock *stubClock
	store *localstore.Store
	local *storage.LocalAdapter
	cloud *cloudstore.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := &stubClock{now: time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)}

	store, err := localstore.Open(localstore.Config{
		Path:  filepath.Join(t.TempDir(), "local.db"),
		Clock: clock.Now,
	})
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	local, err := storage.NewLocalAdapter(storage.Config{Store: store, Clock: clock.Now})
	if err != nil {
		t.Fatalf("local adapter: %v", err)
	}

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "cloud.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open cloud db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("cloud sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(cloudstore.Models()...); err != nil {
		t.Fatalf("migrate cloud db: %v", err)
	}
	cloud, err := cloudstore.NewService(cloudstore.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: flashcards.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("cloud service: %v", err)
	}
	return fixture{clock: clock, store: store, local: local, cloud: cloud}
}

func mustMigrator(t *testing.T, store *localstore.Store, backend remote.Backend) *Migrator {
	t.Helper()
	migrator, err := NewMigrator(Config{Store: store, Backend: backend})
	if err != nil {
		t.Fatalf("new migrator: %v", err)
	}
	return migrator
}

func mustLocalDeck(t *testing.T, adapter storage.Adapter, name string, cards ...[2]string) flashcards.Deck {
	t.Helper()
	ctx := context.Background()
	deck, err := adapter.CreateDeck(ctx, name, "")
	if err != nil {
		t.Fatalf("create deck: %v", err)
	}
	for _, card := range cards {
		if _, err := adapter.CreateCard(ctx, deck.ID, storage.CardInput{Front: card[0], Back: card[1]}); err != nil {
			t.Fatalf("create card: %v", err)
		}
	}
	return deck
}

func countRemote(t *testing.T, cloud *cloudstore.Service) (int, int) {
	t.Helper()
	ctx := context.Background()
	decks, err := cloud.ListDecks(ctx, testUser)
	if err != nil {
		t.Fatalf("list remote decks: %v", err)
	}
	cards := 0
	for _, deck := range decks {
		rows, err := cloud.ListCards(ctx, testUser, deck.ID)
		if err != nil {
			t.Fatalf("list remote cards: %v", err)
		}
		cards += len(rows)
	}
	return len(decks), cards
}

func TestMigrateInsertsLocalDecksOnceAndClaimsThem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	spanish := mustLocalDeck(t, f.local, "Spanish", [2]string{"hola", "hello"}, [2]string{"adiós", "bye"})
	mustLocalDeck(t, f.local, "French", [2]string{"bonjour", "hello"})

	migrator := mustMigrator(t, f.store, f.cloud)
	result, err := migrator.Migrate(ctx, testUser)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !result.Success || result.DecksInserted != 2 || result.CardsInserted != 3 || len(result.Errors) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if decks, cards := countRemote(t, f.cloud); decks != 2 || cards != 3 {
		t.Fatalf("expected 2 decks and 3 cards remotely, got %d and %d", decks, cards)
	}

	orphans, err := f.store.Decks.Find(ctx, localstore.Selector{"user_id": nil})
	if err != nil {
		t.Fatalf("find orphans: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("migrated decks must be claimed, got %+v", orphans)
	}
	replicated, err := storage.NewReplicatedAdapter(storage.Config{Store: f.store, Clock: f.clock.Now}, testUser)
	if err != nil {
		t.Fatalf("replicated adapter: %v", err)
	}
	claimed, err := replicated.GetDeckByID(ctx, spanish.ID)
	if err != nil {
		t.Fatalf("claimed deck: %v", err)
	}
	if len(claimed.Cards) != 2 {
		t.Fatalf("expected claimed deck to keep its cards, got %+v", claimed.Cards)
	}

	again, err := migrator.Migrate(ctx, testUser)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if !again.Success || !again.AlreadyDone || again.DecksInserted != 0 || again.CardsInserted != 0 {
		t.Fatalf("expected second run to be a no-op, got %+v", again)
	}
	if decks, cards := countRemote(t, f.cloud); decks != 2 || cards != 3 {
		t.Fatalf("second run must not add remote rows, got %d decks and %d cards", decks, cards)
	}
}

func TestMigrateMatchesDecksByNameAndCardsByContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	remoteCreated := f.clock.Now().Add(-time.Hour)
	if _, err := f.cloud.UpsertDecks(ctx, testUser, []remote.DeckRow{
		{ID: "remote-deck", Name: "  spanish ", Description: "remote", CreatedAt: remoteCreated, UpdatedAt: remoteCreated},
	}); err != nil {
		t.Fatalf("seed remote deck: %v", err)
	}
	if _, err := f.cloud.UpsertCards(ctx, testUser, []remote.CardRow{
		{ID: "remote-card", DeckID: "remote-deck", Front: "Hola", Back: "Hello", EaseFactor: 2.5, Interval: 1, NextReview: remoteCreated, CreatedAt: remoteCreated, UpdatedAt: remoteCreated},
	}); err != nil {
		t.Fatalf("seed remote card: %v", err)
	}

	local := mustLocalDeck(t, f.local, "Spanish", [2]string{"hola ", "hello"}, [2]string{"gracias", "thanks"})

	result, err := mustMigrator(t, f.store, f.cloud).Migrate(ctx, testUser)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !result.Success || result.DecksMatched != 1 || result.DecksInserted != 0 {
		t.Fatalf("expected deck to match by name, got %+v", result)
	}
	if result.DecksUpdated != 1 {
		t.Fatalf("newer local deck must update the remote deck, got %+v", result)
	}
	if result.CardsSkipped != 1 || result.CardsInserted != 1 {
		t.Fatalf("expected one duplicate card skipped and one inserted, got %+v", result)
	}

	remoteDecks, err := f.cloud.ListDecks(ctx, testUser)
	if err != nil {
		t.Fatalf("list remote decks: %v", err)
	}
	if len(remoteDecks) != 1 || remoteDecks[0].Name != "Spanish" {
		t.Fatalf("expected the single remote deck to take the local name, got %+v", remoteDecks)
	}

	if _, err := f.store.Decks.FindOne(ctx, local.ID); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("merged local deck must be replaced by the remote one, got %v", err)
	}
	cards, err := f.store.Cards.Find(ctx, localstore.Selector{"deck_id": "remote-deck"})
	if err != nil {
		t.Fatalf("find re-parented cards: %v", err)
	}
	if len(cards) != 1 || cards[0].Front != "gracias" || cards[0].Owner() != testUser {
		t.Fatalf("expected the new card to be re-parented and claimed, got %+v", cards)
	}
	mirror, err := f.store.Decks.FindOne(ctx, "remote-deck")
	if err != nil {
		t.Fatalf("expected the remote deck locally: %v", err)
	}
	if mirror.Owner() != testUser {
		t.Fatalf("expected the remote deck to be owned locally, got %q", mirror.Owner())
	}
	if !mirror.PendingPush || mirror.UpdatedAtMs <= flashcards.ToMillis(remoteDecks[0].UpdatedAt) {
		t.Fatalf("re-parenting must stamp the deck after its remote version, got %+v", mirror.Meta)
	}
}

func TestMigrateLeavesNewerRemoteDeckUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mustLocalDeck(t, f.local, "Kanji")
	later := f.clock.Now().Add(time.Hour)
	if _, err := f.cloud.UpsertDecks(ctx, testUser, []remote.DeckRow{
		{ID: "remote-kanji", Name: "kanji", Description: "from phone", CreatedAt: later, UpdatedAt: later},
	}); err != nil {
		t.Fatalf("seed remote deck: %v", err)
	}

	result, err := mustMigrator(t, f.store, f.cloud).Migrate(ctx, testUser)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if result.DecksUpdated != 0 || result.DecksMatched != 1 {
		t.Fatalf("expected the remote deck to win, got %+v", result)
	}
	decks, err := f.cloud.ListDecks(ctx, testUser)
	if err != nil {
		t.Fatalf("list remote decks: %v", err)
	}
	if len(decks) != 1 || decks[0].Name != "kanji" || decks[0].Description != "from phone" {
		t.Fatalf("remote deck must be untouched, got %+v", decks)
	}
}

type failingCards struct {
	remote.Backend
	failDeck string
}

func (b failingCards) UpsertCards(ctx context.Context, userID string, rows []remote.CardRow) ([]remote.CardRow, error) {
	for _, row := range rows {
		if row.DeckID == b.failDeck {
			return nil, remote.ErrUnavailable
		}
	}
	return b.Backend.UpsertCards(ctx, userID, rows)
}

func TestMigrateIsBestEffortAndRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	good := mustLocalDeck(t, f.local, "Good", [2]string{"a", "b"})
	broken := mustLocalDeck(t, f.local, "Broken", [2]string{"c", "d"}, [2]string{"e", "f"})

	result, err := mustMigrator(t, f.store, failingCards{Backend: f.cloud, failDeck: broken.ID}).Migrate(ctx, testUser)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if result.Success || len(result.Errors) != 1 || result.Errors[0].DeckID != broken.ID {
		t.Fatalf("expected one deck error, got %+v", result)
	}
	if !errors.Is(result.Errors[0], remote.ErrUnavailable) {
		t.Fatalf("deck error must wrap the cause, got %v", result.Errors[0])
	}
	done, err := f.store.MarkerSet(ctx, localstore.MarkerRemoteMigration, testUser)
	if err != nil {
		t.Fatalf("marker: %v", err)
	}
	if done {
		t.Fatalf("failed migration must not be marked complete")
	}
	goodDoc, err := f.store.Decks.FindOne(ctx, good.ID)
	if err != nil || goodDoc.Owner() != testUser {
		t.Fatalf("successful deck must be claimed, got %+v err=%v", goodDoc, err)
	}
	brokenDoc, err := f.store.Decks.FindOne(ctx, broken.ID)
	if err != nil || brokenDoc.Owner() != "" {
		t.Fatalf("failed deck must stay unowned, got %+v err=%v", brokenDoc, err)
	}
	backlog, err := f.store.MigrationBacklog(ctx, testUser)
	if err != nil || len(backlog) != 1 || backlog[0] != broken.ID {
		t.Fatalf("failed deck must be kept for the next run, got %v err=%v", backlog, err)
	}

	retry, err := mustMigrator(t, f.store, f.cloud).Migrate(ctx, testUser)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !retry.Success || retry.DecksInserted != 0 || retry.DecksMatched != 1 || retry.CardsInserted != 2 {
		t.Fatalf("unexpected retry result: %+v", retry)
	}
	if decks, cards := countRemote(t, f.cloud); decks != 2 || cards != 3 {
		t.Fatalf("retry must not duplicate rows, got %d decks and %d cards", decks, cards)
	}
	if backlog, err := f.store.MigrationBacklog(ctx, testUser); err != nil || len(backlog) != 0 {
		t.Fatalf("successful retry must clear the backlog, got %v err=%v", backlog, err)
	}
}

func TestMigrateRetriesClaimedBacklogDecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	remoteCreated := f.clock.Now().Add(-time.Hour)
	if _, err := f.cloud.UpsertDecks(ctx, testUser, []remote.DeckRow{
		{ID: "remote-french", Name: "French", CreatedAt: remoteCreated, UpdatedAt: remoteCreated},
	}); err != nil {
		t.Fatalf("seed remote deck: %v", err)
	}
	french := mustLocalDeck(t, f.local, "french", [2]string{"bonjour", "hello"})
	mustLocalDeck(t, f.local, "Latin", [2]string{"salve", "hello"})

	first, err := mustMigrator(t, f.store, failingCards{Backend: f.cloud, failDeck: "remote-french"}).Migrate(ctx, testUser)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if first.Success || len(first.Errors) != 1 || first.Errors[0].DeckID != french.ID {
		t.Fatalf("expected the french deck to fail, got %+v", first)
	}

	// Signing in claims whatever is left so the user keeps seeing it.
	if _, _, err := f.store.ClaimOrphans(ctx, testUser); err != nil {
		t.Fatalf("claim orphans: %v", err)
	}
	orphans, err := f.store.Decks.Find(ctx, localstore.Selector{"user_id": nil})
	if err != nil || len(orphans) != 0 {
		t.Fatalf("expected no unowned decks after the claim, got %+v err=%v", orphans, err)
	}

	retry, err := mustMigrator(t, f.store, f.cloud).Migrate(ctx, testUser)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !retry.Success || retry.DecksMatched != 1 || retry.CardsInserted != 1 {
		t.Fatalf("claimed deck must still be merged on retry, got %+v", retry)
	}
	if decks, cards := countRemote(t, f.cloud); decks != 2 || cards != 2 {
		t.Fatalf("expected two decks and two cards remotely, got %d and %d", decks, cards)
	}
	if _, err := f.store.Decks.FindOne(ctx, french.ID); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("merged backlog deck must be replaced by the remote one, got %v", err)
	}
	cards, err := f.store.Cards.Find(ctx, localstore.Selector{"deck_id": "remote-french"})
	if err != nil || len(cards) != 1 || cards[0].Front != "bonjour" {
		t.Fatalf("expected the backlog card under the remote deck, got %+v err=%v", cards, err)
	}
	done, err := f.store.MarkerSet(ctx, localstore.MarkerRemoteMigration, testUser)
	if err != nil || !done {
		t.Fatalf("completed retry must be marked, done=%v err=%v", done, err)
	}
}

func TestMigrateMergesSignedOutStreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for day := 0; day < 4; day++ {
		if _, err := f.local.UpdateStreak(ctx); err != nil {
			t.Fatalf("update streak: %v", err)
		}
		f.clock.Advance(24 * time.Hour)
	}
	studied := f.clock.Now().Add(-30 * 24 * time.Hour)
	if _, err := f.cloud.PutStats(ctx, testUser, remote.StatsRow{CurrentStreak: 1, LongestStreak: 12, LastStudyDate: &studied, UpdatedAt: studied}); err != nil {
		t.Fatalf("seed remote stats: %v", err)
	}

	if _, err := mustMigrator(t, f.store, f.cloud).Migrate(ctx, testUser); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	state, err := f.store.Streak(ctx, testUser)
	if err != nil {
		t.Fatalf("streak: %v", err)
	}
	if state.Stats.CurrentStreak != 4 || state.Stats.LongestStreak != 12 {
		t.Fatalf("expected field-wise max, got %+v", state.Stats)
	}
	stats, found, err := f.cloud.GetStats(ctx, testUser)
	if err != nil || !found {
		t.Fatalf("remote stats: found=%v err=%v", found, err)
	}
	if stats.CurrentStreak != 4 || stats.LongestStreak != 12 {
		t.Fatalf("expected remote stats to be merged, got %+v", stats)
	}
}

type offlineStats struct {
	remote.Backend
}

func (offlineStats) PutStats(context.Context, string, remote.StatsRow) (remote.StatsRow, error) {
	return remote.StatsRow{}, remote.ErrUnavailable
}

func TestMigrateDefersStreakPushWhileOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.local.UpdateStreak(ctx); err != nil {
		t.Fatalf("update streak: %v", err)
	}

	result, err := mustMigrator(t, f.store, offlineStats{Backend: f.cloud}).Migrate(ctx, testUser)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !result.Success || result.StreakErr != nil {
		t.Fatalf("an unreachable backend must only defer the streak, got %+v", result)
	}
	state, err := f.store.Streak(ctx, testUser)
	if err != nil {
		t.Fatalf("streak: %v", err)
	}
	if state.Stats.CurrentStreak != 1 || !state.PendingPush {
		t.Fatalf("expected the merged streak to wait for its push, got %+v", state)
	}
}
