// Package replication mirrors a signed-in user's local documents to the
// remote backend and pulls remote changes back, one push and one pull stream
// per collection.
package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/flashcards"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/localstore"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/remote"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPageSize bounds push batches and pull pages.
	DefaultPageSize     = 100
	defaultPullInterval = 30 * time.Second
	defaultSweep        = time.Minute
	defaultRetry        = 5 * time.Second
)

var (
	errMissingStore   = errors.New("replication: local store is required")
	errMissingBackend = errors.New("replication: remote backend is required")
	errMissingUserID  = errors.New("replication: user id is required")
)

// Config describes the engine's collaborators and timing.
type Config struct {
	Store   *localstore.Store
	Backend remote.Backend
	Logger  *zap.Logger
	// PageSize bounds push batches and pull pages.
	PageSize int
	// PullInterval is the period of pulls in the live phase.
	PullInterval time.Duration
	// SweepInterval is the period of push sweeps that pick up writes whose
	// change notification was dropped.
	SweepInterval time.Duration
	// RetryInterval is the delay before retrying after a transient failure.
	RetryInterval time.Duration
}

// Engine replicates decks, cards and streak counters for one user at a time.
type Engine struct {
	store         *localstore.Store
	backend       remote.Backend
	logger        *zap.Logger
	pageSize      int
	pullInterval  time.Duration
	sweepInterval time.Duration
	retryInterval time.Duration
}

// Report counts the work done by SyncOnce.
type Report struct {
	DecksPushed int
	CardsPushed int
	DecksPulled int
	CardsPulled int
	Conflicts   int
}

// NewEngine validates cfg and applies defaults.
func NewEngine(cfg Config) (*Engine, error) {
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
	engine := &Engine{
		store:         cfg.Store,
		backend:       cfg.Backend,
		logger:        logger,
		pageSize:      cfg.PageSize,
		pullInterval:  cfg.PullInterval,
		sweepInterval: cfg.SweepInterval,
		retryInterval: cfg.RetryInterval,
	}
	if engine.pageSize <= 0 {
		engine.pageSize = DefaultPageSize
	}
	if engine.pullInterval <= 0 {
		engine.pullInterval = defaultPullInterval
	}
	if engine.sweepInterval <= 0 {
		engine.sweepInterval = defaultSweep
	}
	if engine.retryInterval <= 0 {
		engine.retryInterval = defaultRetry
	}
	return engine, nil
}

// IsFatal reports whether err stops replication instead of being retried.
func IsFatal(err error) bool {
	return errors.Is(err, remote.ErrUnauthorized)
}

// SyncOnce pushes every pending document and pulls every remote change once.
// It is the catch-up phase of Run and the body of manual syncs.
func (e *Engine) SyncOnce(ctx context.Context, userID string) (Report, error) {
	if userID == "" {
		return Report{}, errMissingUserID
	}
	var report Report
	decks, cards := e.streams()

	pushed, conflicts, err := decks.push(ctx, userID)
	report.DecksPushed, report.Conflicts = pushed, report.Conflicts+conflicts
	if err != nil {
		return report, err
	}
	pushed, conflicts, err = cards.push(ctx, userID)
	report.CardsPushed, report.Conflicts = pushed, report.Conflicts+conflicts
	if err != nil {
		return report, err
	}
	if err := e.pushStreak(ctx, userID); err != nil {
		return report, err
	}
	if report.DecksPulled, err = decks.pull(ctx, userID); err != nil {
		return report, err
	}
	if report.CardsPulled, err = cards.pull(ctx, userID); err != nil {
		return report, err
	}
	if err := e.pullStreak(ctx, userID); err != nil {
		return report, err
	}
	return report, nil
}

// Run replicates userID's documents until ctx is cancelled or a fatal error
// occurs. Local writes are pushed as soon as the store announces them; the
// remote is polled every PullInterval, and sooner when the backend
// announces a change. Cancellation returns nil.
func (e *Engine) Run(ctx context.Context, userID string) error {
	if userID == "" {
		return errMissingUserID
	}
	decks, cards := e.streams()
	group, groupCtx := errgroup.WithContext(ctx)
	wake := map[string]chan struct{}{
		localstore.CollectionDecks:  make(chan struct{}, 1),
		localstore.CollectionCards:  make(chan struct{}, 1),
		localstore.CollectionStreak: make(chan struct{}, 1),
	}
	if notifier, ok := e.backend.(remote.ChangeNotifier); ok {
		group.Go(func() error {
			return e.watchRemote(groupCtx, userID, notifier, wake)
		})
	}
	for _, stream := range []collectionStream{decks, cards} {
		group.Go(func() error {
			return e.pushLoop(groupCtx, userID, stream.name, func(ctx context.Context) error {
				_, _, err := stream.push(ctx, userID)
				return err
			})
		})
		group.Go(func() error {
			return e.pullLoop(groupCtx, userID, stream.name, wake[stream.name], func(ctx context.Context) error {
				_, err := stream.pull(ctx, userID)
				return err
			})
		})
	}
	group.Go(func() error {
		return e.pushLoop(groupCtx, userID, localstore.CollectionStreak, func(ctx context.Context) error {
			return e.pushStreak(ctx, userID)
		})
	})
	group.Go(func() error {
		return e.pullLoop(groupCtx, userID, localstore.CollectionStreak, wake[localstore.CollectionStreak], func(ctx context.Context) error {
			return e.pullStreak(ctx, userID)
		})
	})

	err := group.Wait()
	if ctx.Err() != nil && !IsFatal(err) {
		return nil
	}
	return err
}

func (e *Engine) pushLoop(ctx context.Context, userID, collection string, push func(context.Context) error) error {
	changes, unsubscribe := e.store.Feed().Subscribe(ctx, userID)
	defer unsubscribe()

	for {
		wait := e.sweepInterval
		if err := push(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if IsFatal(err) {
				return err
			}
			e.logger.Warn("replication push failed",
				zap.String("user_id", userID),
				zap.String("collection", collection),
				zap.Error(err))
			wait = e.retryInterval
		}
		if err := waitForLocalChange(ctx, changes, collection, wait); err != nil {
			return err
		}
	}
}

func (e *Engine) pullLoop(ctx context.Context, userID, collection string, wake <-chan struct{}, pull func(context.Context) error) error {
	for {
		wait := e.pullInterval
		if err := pull(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if IsFatal(err) {
				return err
			}
			e.logger.Warn("replication pull failed",
				zap.String("user_id", userID),
				zap.String("collection", collection),
				zap.Error(err))
			wait = e.retryInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// watchRemote forwards the backend's change notifications to the pull loops.
// A broken subscription is reopened after RetryInterval; polling continues
// meanwhile.
func (e *Engine) watchRemote(ctx context.Context, userID string, notifier remote.ChangeNotifier, wake map[string]chan struct{}) error {
	collections := map[string]string{
		remote.CollectionDecks: localstore.CollectionDecks,
		remote.CollectionCards: localstore.CollectionCards,
		remote.CollectionStats: localstore.CollectionStreak,
	}
	for {
		changes, err := notifier.Changes(ctx, userID)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case IsFatal(err):
			return err
		case err != nil:
			e.logger.Debug("change notifications unavailable", zap.String("user_id", userID), zap.Error(err))
		default:
			if err := forwardChanges(ctx, changes, func(change remote.Change) {
				if target, ok := wake[collections[change.Collection]]; ok {
					select {
					case target <- struct{}{}:
					default:
					}
				}
			}); err != nil {
				return err
			}
		}

		timer := time.NewTimer(e.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// waitForLocalChange returns when a local write to collection is announced
// or timeout elapses.
func waitForLocalChange(ctx context.Context, changes <-chan localstore.Change, collection string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case change := <-changes:
			if change.Collection == collection && !change.Remote {
				return nil
			}
		}
	}
}

// forwardChanges calls forward for every change until the channel closes or
// ctx is done.
func forwardChanges(ctx context.Context, changes <-chan remote.Change, forward func(remote.Change)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			forward(change)
		}
	}
}

type collectionStream struct {
	name string
	push func(ctx context.Context, userID string) (pushed int, conflicts int, err error)
	pull func(ctx context.Context, userID string) (int, error)
}

func (e *Engine) streams() (collectionStream, collectionStream) {
	decks := collectionStream{
		name: localstore.CollectionDecks,
		push: func(ctx context.Context, userID string) (int, int, error) {
			return pushPending(ctx, e, userID, pushOps[localstore.DeckDocument, remote.DeckRow]{
				collection:  localstore.CollectionDecks,
				pending:     e.store.PendingDecks,
				meta:        func(doc localstore.DeckDocument) localstore.Meta { return doc.Meta },
				toRow:       DeckRow,
				upsert:      e.backend.UpsertDecks,
				remove:      e.backend.DeleteDecks,
				markPushed:  e.store.MarkDeckPushed,
				applyRemote: func(ctx context.Context, owner string, row remote.DeckRow) (localstore.ApplyOutcome, error) {
					return e.store.ApplyRemoteDeck(ctx, owner, DeckDocument(row))
				},
			})
		},
		pull: func(ctx context.Context, userID string) (int, error) {
			return pullRemote(ctx, e, userID, pullOps[remote.DeckRow]{
				collection: localstore.CollectionDecks,
				fetch:      e.backend.PullDecks,
				updatedAt:  func(row remote.DeckRow) time.Time { return row.UpdatedAt },
				id:         func(row remote.DeckRow) string { return row.ID },
				apply: func(ctx context.Context, owner string, row remote.DeckRow) (localstore.ApplyOutcome, error) {
					return e.store.ApplyRemoteDeck(ctx, owner, DeckDocument(row))
				},
			})
		},
	}
	cards := collectionStream{
		name: localstore.CollectionCards,
		push: func(ctx context.Context, userID string) (int, int, error) {
			return pushPending(ctx, e, userID, pushOps[localstore.CardDocument, remote.CardRow]{
				collection:  localstore.CollectionCards,
				pending:     e.store.PendingCards,
				meta:        func(doc localstore.CardDocument) localstore.Meta { return doc.Meta },
				toRow:       CardRow,
				upsert:      e.backend.UpsertCards,
				remove:      e.backend.DeleteCards,
				markPushed:  e.store.MarkCardPushed,
				applyRemote: func(ctx context.Context, owner string, row remote.CardRow) (localstore.ApplyOutcome, error) {
					return e.store.ApplyRemoteCard(ctx, owner, CardDocument(row))
				},
			})
		},
		pull: func(ctx context.Context, userID string) (int, error) {
			return pullRemote(ctx, e, userID, pullOps[remote.CardRow]{
				collection: localstore.CollectionCards,
				fetch:      e.backend.PullCards,
				updatedAt:  func(row remote.CardRow) time.Time { return row.UpdatedAt },
				id:         func(row remote.CardRow) string { return row.ID },
				apply: func(ctx context.Context, owner string, row remote.CardRow) (localstore.ApplyOutcome, error) {
					return e.store.ApplyRemoteCard(ctx, owner, CardDocument(row))
				},
			})
		},
	}
	return decks, cards
}

type pushOps[D any, R any] struct {
	collection  string
	pending     func(ctx context.Context, owner string, limit int) ([]D, error)
	meta        func(D) localstore.Meta
	toRow       func(D, string) R
	upsert      func(ctx context.Context, userID string, rows []R) ([]R, error)
	remove      func(ctx context.Context, userID string, ids []string) error
	markPushed  func(ctx context.Context, id string, updatedAtMs int64) error
	applyRemote func(ctx context.Context, owner string, row R) (localstore.ApplyOutcome, error)
}

// pushPending sends pending documents in pages until none are left. The
// dirty flag of a document is cleared only if it did not change while the
// push was in flight. Rows the backend rejected as stale are replaced by the
// backend's winning version.
func pushPending[D any, R any](ctx context.Context, e *Engine, userID string, ops pushOps[D, R]) (int, int, error) {
	pushed, conflicts := 0, 0
	for {
		docs, err := ops.pending(ctx, userID, e.pageSize)
		if err != nil {
			return pushed, conflicts, fmt.Errorf("load pending %s: %w", ops.collection, err)
		}
		if len(docs) == 0 {
			return pushed, conflicts, nil
		}

		rows := make([]R, 0, len(docs))
		var removed []string
		for _, doc := range docs {
			if ops.meta(doc).Deleted {
				removed = append(removed, ops.meta(doc).ID)
				continue
			}
			rows = append(rows, ops.toRow(doc, userID))
		}

		var rejected []R
		if len(rows) > 0 {
			if rejected, err = ops.upsert(ctx, userID, rows); err != nil {
				return pushed, conflicts, fmt.Errorf("push %s: %w", ops.collection, err)
			}
		}
		if len(removed) > 0 {
			if err := ops.remove(ctx, userID, removed); err != nil {
				return pushed, conflicts, fmt.Errorf("push %s deletes: %w", ops.collection, err)
			}
		}

		for _, doc := range docs {
			meta := ops.meta(doc)
			if err := ops.markPushed(ctx, meta.ID, meta.UpdatedAtMs); err != nil {
				return pushed, conflicts, fmt.Errorf("mark %s pushed: %w", ops.collection, err)
			}
		}
		pushed += len(docs)

		for _, row := range rejected {
			if _, err := ops.applyRemote(ctx, userID, row); err != nil {
				e.logger.Warn("replication conflict winner not applied",
					zap.String("user_id", userID),
					zap.String("collection", ops.collection),
					zap.Error(err))
				continue
			}
			conflicts++
		}
		if len(rejected) > 0 {
			e.logger.Info("replication push lost conflicts",
				zap.String("user_id", userID),
				zap.String("collection", ops.collection),
				zap.Int("conflicts", len(rejected)))
		}

		if len(docs) < e.pageSize {
			return pushed, conflicts, nil
		}
	}
}

type pullOps[R any] struct {
	collection string
	fetch      func(ctx context.Context, userID string, since time.Time, limit int) ([]R, error)
	updatedAt  func(R) time.Time
	id         func(R) string
	apply      func(ctx context.Context, owner string, row R) (localstore.ApplyOutcome, error)
}

// pullRemote fetches pages after the stored checkpoint until a short page
// arrives, applying each row with last-writer-wins and advancing the
// checkpoint after every page. Rows that fail local validation are skipped.
func pullRemote[R any](ctx context.Context, e *Engine, userID string, ops pullOps[R]) (int, error) {
	since, err := e.store.Checkpoint(ctx, userID, ops.collection)
	if err != nil {
		return 0, fmt.Errorf("load %s checkpoint: %w", ops.collection, err)
	}
	applied := 0
	for {
		rows, err := ops.fetch(ctx, userID, since, e.pageSize)
		if err != nil {
			return applied, fmt.Errorf("pull %s: %w", ops.collection, err)
		}
		for _, row := range rows {
			outcome, err := ops.apply(ctx, userID, row)
			switch {
			case errors.Is(err, localstore.ErrValidation):
				e.logger.Warn("replication skipped invalid remote document",
					zap.String("user_id", userID),
					zap.String("collection", ops.collection),
					zap.String("document_id", ops.id(row)),
					zap.Error(err))
			case err != nil:
				return applied, fmt.Errorf("apply %s %s: %w", ops.collection, ops.id(row), err)
			case outcome != localstore.ApplySkipped:
				applied++
			}
			if updatedAt := ops.updatedAt(row); updatedAt.After(since) {
				since = updatedAt
			}
		}
		if len(rows) > 0 {
			if err := e.store.SaveCheckpoint(ctx, userID, ops.collection, since); err != nil {
				return applied, fmt.Errorf("save %s checkpoint: %w", ops.collection, err)
			}
		}
		if len(rows) < e.pageSize {
			return applied, nil
		}
	}
}

// pushStreak sends locally changed streak counters and stores the merged
// result. A local change made while the push was in flight stays pending.
func (e *Engine) pushStreak(ctx context.Context, userID string) error {
	state, err := e.store.Streak(ctx, userID)
	if err != nil {
		return fmt.Errorf("load streak: %w", err)
	}
	if !state.PendingPush {
		return nil
	}
	merged, err := e.backend.PutStats(ctx, userID, statsRow(state.Stats, userID))
	if err != nil {
		return fmt.Errorf("push streak: %w", err)
	}
	current, err := e.store.Streak(ctx, userID)
	if err != nil {
		return fmt.Errorf("reload streak: %w", err)
	}
	stillPending := !current.Stats.UpdatedAt.Equal(state.Stats.UpdatedAt)
	stats := flashcards.MergeStreak(current.Stats, streakStats(merged))
	return e.store.SaveStreak(ctx, userID, stats, stillPending)
}

// pullStreak merges the remote counters into the local ones.
func (e *Engine) pullStreak(ctx context.Context, userID string) error {
	row, found, err := e.backend.GetStats(ctx, userID)
	if err != nil {
		return fmt.Errorf("pull streak: %w", err)
	}
	if !found {
		return nil
	}
	local, err := e.store.Streak(ctx, userID)
	if err != nil {
		return fmt.Errorf("load streak: %w", err)
	}
	merged := flashcards.MergeStreak(local.Stats, streakStats(row))
	if sameStreak(merged, local.Stats) {
		return nil
	}
	return e.store.SaveStreak(ctx, userID, merged, local.PendingPush)
}

func sameStreak(a, b flashcards.StreakStats) bool {
	if a.CurrentStreak != b.CurrentStreak || a.LongestStreak != b.LongestStreak || !a.UpdatedAt.Equal(b.UpdatedAt) {
		return false
	}
	switch {
	case a.LastStudyDate == nil && b.LastStudyDate == nil:
		return true
	case a.LastStudyDate == nil || b.LastStudyDate == nil:
		return false
	default:
		return a.LastStudyDate.Equal(*b.LastStudyDate)
	}
}
