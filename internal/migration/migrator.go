// Package migration merges decks created before the first sign-in into the
// user's remote data, matching decks by name and cards by content.
package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/flashcards"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/localstore"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/remote"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/replication"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
)

var (
	errMissingStore   = errors.New("migration: local store is required")
	errMissingBackend = errors.New("migration: remote backend is required")
	errMissingUserID  = errors.New("migration: user id is required")
)

// Config describes the migrator's collaborators.
type Config struct {
	Store   *localstore.Store
	Backend remote.Backend
	Logger  *zap.Logger
}

// Migrator runs the first-contact merge of unowned local documents.
type Migrator struct {
	store   *localstore.Store
	backend remote.Backend
	logger  *zap.Logger
}

// DeckError records a deck that could not be migrated.
type DeckError struct {
	DeckID   string
	DeckName string
	Err      error
}

func (e DeckError) Error() string {
	return fmt.Sprintf("migrate deck %q (%s): %v", e.DeckName, e.DeckID, e.Err)
}

func (e DeckError) Unwrap() error {
	return e.Err
}

// Result summarizes one migration run. Success is false whenever any deck
// or the streak failed; the run is then retried on the next sign-in.
type Result struct {
	Success     bool
	AlreadyDone bool
	Errors      []DeckError
	// StreakErr is set when the merged streak could not be stored locally.
	StreakErr     error
	DecksInserted int
	DecksUpdated  int
	DecksMatched  int
	CardsInserted int
	CardsSkipped  int
}

// NewMigrator validates cfg.
func NewMigrator(cfg Config) (*Migrator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{store: cfg.Store, backend: cfg.Backend, logger: logger}, nil
}

// Migrate merges every unowned local deck into userID's remote decks, plus
// the decks a previous run left in userID's backlog. Each deck is migrated
// independently; failures are collected and the remaining decks still run.
// Decks that succeed are claimed by userID locally and the failed ones are
// recorded as the new backlog. The completion marker is written only when
// every deck and the streak succeeded.
func (m *Migrator) Migrate(ctx context.Context, userID string) (Result, error) {
	if userID == "" {
		return Result{}, errMissingUserID
	}
	done, err := m.store.MarkerSet(ctx, localstore.MarkerRemoteMigration, userID)
	if err != nil {
		return Result{}, fmt.Errorf("migration: read marker: %w", err)
	}
	if done {
		return Result{Success: true, AlreadyDone: true}, nil
	}

	localDecks, localCards, err := m.pending(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	remoteDecks, err := m.backend.ListDecks(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("migration: list remote decks: %w", err)
	}

	run := &migrationRun{
		Migrator: m,
		userID:   userID,
		folder:   cases.Fold(),
		decks:    make(map[string]remote.DeckRow, len(remoteDecks)),
		byID:     make(map[string]remote.DeckRow, len(remoteDecks)),
	}
	for _, deck := range remoteDecks {
		run.byID[deck.ID] = deck
		key := run.fold(deck.Name)
		if _, exists := run.decks[key]; !exists {
			run.decks[key] = deck
		}
	}

	var result Result
	cardsByDeck := lo.GroupBy(localCards, func(card localstore.CardDocument) string {
		return card.DeckID
	})
	for _, deck := range localDecks {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := run.migrateDeck(ctx, deck, cardsByDeck[deck.ID], &result); err != nil {
			m.logger.Warn("deck migration failed",
				zap.String("user_id", userID),
				zap.String("deck_id", deck.ID),
				zap.Error(err))
			result.Errors = append(result.Errors, DeckError{DeckID: deck.ID, DeckName: deck.Name, Err: err})
		}
	}

	if err := m.migrateStreak(ctx, userID); err != nil {
		m.logger.Error("streak migration failed", zap.String("user_id", userID), zap.Error(err))
		result.StreakErr = err
	}

	backlog := lo.Map(result.Errors, func(deckErr DeckError, _ int) string {
		return deckErr.DeckID
	})
	if err := m.store.SetMigrationBacklog(ctx, userID, backlog); err != nil {
		return result, fmt.Errorf("migration: record backlog: %w", err)
	}
	if len(result.Errors) > 0 || result.StreakErr != nil {
		return result, nil
	}
	if err := m.store.SetMarker(ctx, localstore.MarkerRemoteMigration, userID); err != nil {
		return result, fmt.Errorf("migration: write marker: %w", err)
	}
	result.Success = true
	m.logger.Info("local data migrated",
		zap.String("user_id", userID),
		zap.Int("decks_inserted", result.DecksInserted),
		zap.Int("decks_updated", result.DecksUpdated),
		zap.Int("cards_inserted", result.CardsInserted),
		zap.Int("cards_skipped", result.CardsSkipped))
	return result, nil
}

// pending loads the unowned local documents and the ones left in userID's
// backlog by an earlier run.
func (m *Migrator) pending(ctx context.Context, userID string) ([]localstore.DeckDocument, []localstore.CardDocument, error) {
	decks, err := m.store.Decks.Find(ctx, localstore.Selector{"user_id": nil})
	if err != nil {
		return nil, nil, fmt.Errorf("migration: load local decks: %w", err)
	}
	cards, err := m.store.Cards.Find(ctx, localstore.Selector{"user_id": nil})
	if err != nil {
		return nil, nil, fmt.Errorf("migration: load local cards: %w", err)
	}
	backlog, err := m.store.MigrationBacklog(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("migration: load backlog: %w", err)
	}
	if len(backlog) == 0 {
		return decks, cards, nil
	}
	claimedDecks, err := m.store.Decks.Find(ctx, localstore.Selector{"user_id": userID, "id": backlog})
	if err != nil {
		return nil, nil, fmt.Errorf("migration: load backlog decks: %w", err)
	}
	claimedCards, err := m.store.Cards.Find(ctx, localstore.Selector{"user_id": userID, "deck_id": backlog})
	if err != nil {
		return nil, nil, fmt.Errorf("migration: load backlog cards: %w", err)
	}
	return append(decks, claimedDecks...), append(cards, claimedCards...), nil
}

type migrationRun struct {
	*Migrator
	userID string
	folder cases.Caser
	// decks indexes the user's remote decks by folded name and byID by id,
	// both including the ones inserted during this run.
	decks map[string]remote.DeckRow
	byID  map[string]remote.DeckRow
}

func (r *migrationRun) fold(value string) string {
	return r.folder.String(strings.TrimSpace(value))
}

func (r *migrationRun) cardKey(front, back string) string {
	return r.fold(front) + "\x00" + r.fold(back)
}

// migrateDeck merges one local deck and its cards. The remote side is
// written first; the local documents are claimed only after it succeeded.
// A remote deck with the local deck's id wins over a name match, so a deck
// replication already pushed is not inserted twice.
func (r *migrationRun) migrateDeck(ctx context.Context, local localstore.DeckDocument, cards []localstore.CardDocument, result *Result) error {
	key := r.fold(local.Name)
	target, matched := r.byID[local.ID]
	if !matched {
		target, matched = r.decks[key]
	}
	var decksInserted, decksUpdated int

	switch {
	case !matched:
		target = replication.DeckRow(local, r.userID)
		if _, err := r.backend.UpsertDecks(ctx, r.userID, []remote.DeckRow{target}); err != nil {
			return fmt.Errorf("insert deck: %w", err)
		}
		decksInserted++
	case local.UpdatedAtMs > flashcards.ToMillis(target.UpdatedAt):
		updated := target
		updated.Name = local.Name
		updated.Description = local.Description
		updated.UpdatedAt = flashcards.FromMillis(local.UpdatedAtMs)
		conflicts, err := r.backend.UpsertDecks(ctx, r.userID, []remote.DeckRow{updated})
		if err != nil {
			return fmt.Errorf("update deck: %w", err)
		}
		if len(conflicts) == 0 {
			target = updated
			decksUpdated++
		} else {
			target = conflicts[0]
		}
	}

	remoteCards := map[string]remote.CardRow{}
	if matched {
		rows, err := r.backend.ListCards(ctx, r.userID, target.ID)
		if err != nil {
			return fmt.Errorf("list remote cards: %w", err)
		}
		for _, row := range rows {
			remoteCards[r.cardKey(row.Front, row.Back)] = row
		}
	}

	var inserts []remote.CardRow
	var duplicates []string
	for _, card := range cards {
		cardKey := r.cardKey(card.Front, card.Back)
		if existing, ok := remoteCards[cardKey]; ok {
			if existing.ID != card.ID {
				duplicates = append(duplicates, card.ID)
			}
			continue
		}
		row := replication.CardRow(card, r.userID)
		row.DeckID = target.ID
		inserts = append(inserts, row)
		remoteCards[cardKey] = row
	}
	if len(inserts) > 0 {
		if _, err := r.backend.UpsertCards(ctx, r.userID, inserts); err != nil {
			return fmt.Errorf("insert cards: %w", err)
		}
	}

	if err := r.claim(ctx, local, target, cards, duplicates); err != nil {
		return fmt.Errorf("claim local documents: %w", err)
	}

	r.decks[key] = target
	r.byID[target.ID] = target
	if matched {
		result.DecksMatched++
	}
	result.DecksInserted += decksInserted
	result.DecksUpdated += decksUpdated
	result.CardsInserted += len(inserts)
	result.CardsSkipped += len(cards) - len(inserts)
	return nil
}

// claim moves a migrated deck's local documents to userID. When the deck
// merged into a remote deck with another id, the remote deck replaces the
// local one, the cards are re-parented and the deck is stamped as changed so
// replication pushes it after them. Cards that duplicate a remote card are
// dropped.
func (r *migrationRun) claim(ctx context.Context, local localstore.DeckDocument, target remote.DeckRow, cards []localstore.CardDocument, duplicates []string) error {
	merged := target.ID != local.ID
	if merged {
		if _, err := r.store.ApplyRemoteDeck(ctx, r.userID, replication.DeckDocument(target)); err != nil {
			return err
		}
	}
	dropped := lo.Associate(duplicates, func(id string) (string, struct{}) {
		return id, struct{}{}
	})
	owner := r.userID

	return r.store.Update(ctx, func(tx *localstore.Tx) error {
		for _, card := range cards {
			if _, drop := dropped[card.ID]; drop {
				if err := tx.Cards.Remove(ctx, card.ID); err != nil {
					return err
				}
				continue
			}
			if _, err := tx.Cards.Patch(ctx, card.ID, func(doc *localstore.CardDocument) error {
				doc.UserID = &owner
				doc.DeckID = target.ID
				return nil
			}); err != nil {
				return err
			}
		}
		if merged {
			if _, err := tx.Decks.Patch(ctx, target.ID, func(doc *localstore.DeckDocument) error {
				doc.UpdatedAtMs = max(r.store.Now().UnixMilli(), doc.UpdatedAtMs+1)
				return nil
			}); err != nil {
				return err
			}
			return tx.Decks.Remove(ctx, local.ID)
		}
		_, err := tx.Decks.Patch(ctx, local.ID, func(doc *localstore.DeckDocument) error {
			doc.UserID = &owner
			return nil
		})
		return err
	})
}

// migrateStreak folds the signed-out streak counters into the user's
// counters on both sides. When the backend is unreachable the merged
// counters are stored locally as pending and replication pushes them later;
// only a failure to store them locally is returned.
func (m *Migrator) migrateStreak(ctx context.Context, userID string) error {
	anonymous, err := m.store.Streak(ctx, "")
	if err != nil {
		return err
	}
	if anonymous.Stats.LastStudyDate == nil {
		return nil
	}
	current, err := m.store.Streak(ctx, userID)
	if err != nil {
		return err
	}
	stats := flashcards.MergeStreak(current.Stats, anonymous.Stats)

	row := remote.StatsRow{
		UserID:        userID,
		CurrentStreak: stats.CurrentStreak,
		LongestStreak: stats.LongestStreak,
		LastStudyDate: stats.LastStudyDate,
		UpdatedAt:     stats.UpdatedAt,
	}
	merged, err := m.backend.PutStats(ctx, userID, row)
	if err != nil {
		if saveErr := m.store.SaveStreak(ctx, userID, stats, true); saveErr != nil {
			return errors.Join(err, saveErr)
		}
		m.logger.Warn("streak push deferred", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	stats = flashcards.MergeStreak(stats, flashcards.StreakStats{
		CurrentStreak: merged.CurrentStreak,
		LongestStreak: merged.LongestStreak,
		LastStudyDate: merged.LastStudyDate,
		UpdatedAt:     merged.UpdatedAt,
	})
	return m.store.SaveStreak(ctx, userID, stats, false)
}
