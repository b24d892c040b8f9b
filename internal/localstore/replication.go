package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ApplyOutcome reports what ApplyRemote* did with an incoming document.
type ApplyOutcome int

const (
	// ApplyInserted means the document was new locally.
	ApplyInserted ApplyOutcome = iota + 1
	// ApplyUpdated means the remote version replaced the local one.
	ApplyUpdated
	// ApplySkipped means the local version won or belongs to another owner.
	ApplySkipped
)

type checkpointRecord struct {
	Owner       string `gorm:"column:owner;primaryKey;size:190;not null"`
	Collection  string `gorm:"column:collection;primaryKey;size:32;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
}

func (checkpointRecord) TableName() string {
	return "replication_checkpoints"
}

// Checkpoint returns the pull high-water mark of collection for owner.
// The zero time is returned when nothing was pulled yet.
func (s *Store) Checkpoint(ctx context.Context, owner, collection string) (time.Time, error) {
	var record checkpointRecord
	err := s.db.WithContext(ctx).
		Where("owner = ? AND collection = ?", owner, collection).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, classify(err)
	}
	return time.UnixMilli(record.UpdatedAtMs).UTC(), nil
}

// SaveCheckpoint stores the pull high-water mark of collection for owner.
func (s *Store) SaveCheckpoint(ctx context.Context, owner, collection string, updatedAt time.Time) error {
	record := checkpointRecord{Owner: owner, Collection: collection, UpdatedAtMs: updatedAt.UnixMilli()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner"}, {Name: "collection"}},
		DoUpdates: clause.AssignmentColumns([]string{"updated_at_ms"}),
	}).Create(&record).Error
	return classify(err)
}

// ClaimOrphans assigns every unowned document to owner and marks it for
// push. A document is claimed at most once since only NULL owners match.
func (s *Store) ClaimOrphans(ctx context.Context, owner string) (int64, int64, error) {
	if owner == "" {
		return 0, 0, fmt.Errorf("localstore: claim orphans: owner is required")
	}
	var decks, cards int64
	var claimedDecks []string
	var claimedCards []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&DeckDocument{}).Where("user_id IS NULL").Pluck("id", &claimedDecks).Error; err != nil {
			return err
		}
		if err := tx.Model(&CardDocument{}).Where("user_id IS NULL").Pluck("id", &claimedCards).Error; err != nil {
			return err
		}
		result := tx.Model(&DeckDocument{}).
			Where("user_id IS NULL").
			Updates(map[string]any{"user_id": owner, "pending_push": true})
		if result.Error != nil {
			return result.Error
		}
		decks = result.RowsAffected
		result = tx.Model(&CardDocument{}).
			Where("user_id IS NULL").
			Updates(map[string]any{"user_id": owner, "pending_push": true})
		if result.Error != nil {
			return result.Error
		}
		cards = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, 0, classify(err)
	}
	for _, id := range claimedDecks {
		s.feed.Publish(Change{Collection: CollectionDecks, DocumentID: id, Owner: owner})
	}
	for _, id := range claimedCards {
		s.feed.Publish(Change{Collection: CollectionCards, DocumentID: id, Owner: owner})
	}
	if decks > 0 || cards > 0 {
		s.logger.Info("claimed orphan documents",
			zap.String("user_id", owner),
			zap.Int64("decks", decks),
			zap.Int64("cards", cards))
	}
	return decks, cards, nil
}

// PendingDecks returns owner's decks, tombstones included, that still need a push.
func (s *Store) PendingDecks(ctx context.Context, owner string, limit int) ([]DeckDocument, error) {
	var docs []DeckDocument
	err := pendingQuery(s.db.WithContext(ctx), owner, limit).Find(&docs).Error
	return docs, classify(err)
}

// PendingCards returns owner's cards, tombstones included, that still need a push.
func (s *Store) PendingCards(ctx context.Context, owner string, limit int) ([]CardDocument, error) {
	var docs []CardDocument
	err := pendingQuery(s.db.WithContext(ctx), owner, limit).Find(&docs).Error
	return docs, classify(err)
}

func pendingQuery(db *gorm.DB, owner string, limit int) *gorm.DB {
	query := db.Where("user_id = ? AND pending_push = ?", owner, true).
		Order("updated_at_ms ASC").
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	return query
}

// MarkDeckPushed clears the dirty flag of a deck if it has not changed since
// the pushed version. Pushed tombstones are dropped.
func (s *Store) MarkDeckPushed(ctx context.Context, id string, updatedAtMs int64) error {
	return s.markPushed(ctx, &DeckDocument{}, id, updatedAtMs)
}

// MarkCardPushed clears the dirty flag of a card if it has not changed since
// the pushed version. Pushed tombstones are dropped.
func (s *Store) MarkCardPushed(ctx context.Context, id string, updatedAtMs int64) error {
	return s.markPushed(ctx, &CardDocument{}, id, updatedAtMs)
}

func (s *Store) markPushed(ctx context.Context, model any, id string, updatedAtMs int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND updated_at_ms = ? AND deleted = ?", id, updatedAtMs, true).
			Delete(model).Error; err != nil {
			return err
		}
		return tx.Model(model).
			Where("id = ? AND updated_at_ms = ? AND deleted = ?", id, updatedAtMs, false).
			Update("pending_push", false).Error
	})
	return classify(err)
}

// ApplyRemoteDeck stores a deck pulled for owner using last-writer-wins on
// the update time. A dirty local version that is not older is kept.
func (s *Store) ApplyRemoteDeck(ctx context.Context, owner string, incoming DeckDocument) (ApplyOutcome, error) {
	incoming.UserID = ownerPointer(owner)
	incoming.PendingPush = false
	incoming.Deleted = false
	if err := s.check(CollectionDecks, incoming.ID, &incoming); err != nil {
		return 0, err
	}

	var outcome ApplyOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing DeckDocument
		err := tx.Where("id = ?", incoming.ID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			outcome = ApplyInserted
			return tx.Create(&incoming).Error
		case err != nil:
			return err
		}
		if !remoteWins(existing.Meta, incoming.Meta, owner) {
			outcome = ApplySkipped
			return nil
		}
		outcome = ApplyUpdated
		return tx.Save(&incoming).Error
	})
	if err != nil {
		return 0, classify(err)
	}
	if outcome != ApplySkipped {
		s.feed.Publish(Change{Collection: CollectionDecks, DocumentID: incoming.ID, Owner: owner, Remote: true})
	}
	return outcome, nil
}

// ApplyRemoteCard stores a card pulled for owner using last-writer-wins on
// the update time. Review history never leaves the device, so the local
// history and last review time survive a remote overwrite.
func (s *Store) ApplyRemoteCard(ctx context.Context, owner string, incoming CardDocument) (ApplyOutcome, error) {
	incoming.UserID = ownerPointer(owner)
	incoming.PendingPush = false
	incoming.Deleted = false

	var outcome ApplyOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing CardDocument
		err := tx.Where("id = ?", incoming.ID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := s.check(CollectionCards, incoming.ID, &incoming); err != nil {
				return err
			}
			outcome = ApplyInserted
			return tx.Create(&incoming).Error
		case err != nil:
			return err
		}
		if !remoteWins(existing.Meta, incoming.Meta, owner) {
			outcome = ApplySkipped
			return nil
		}
		incoming.Reviews = existing.Reviews
		incoming.LastReviewedMs = existing.LastReviewedMs
		if err := s.check(CollectionCards, incoming.ID, &incoming); err != nil {
			return err
		}
		outcome = ApplyUpdated
		return tx.Save(&incoming).Error
	})
	if err != nil {
		return 0, classify(err)
	}
	if outcome != ApplySkipped {
		s.feed.Publish(Change{Collection: CollectionCards, DocumentID: incoming.ID, Owner: owner, Remote: true})
	}
	return outcome, nil
}

// remoteWins applies last-writer-wins. Ties go to the remote version unless
// the local one still waits for its push.
func remoteWins(existing, incoming Meta, owner string) bool {
	if existing.UserID != nil && *existing.UserID != owner {
		return false
	}
	if existing.PendingPush {
		return incoming.UpdatedAtMs > existing.UpdatedAtMs
	}
	return incoming.UpdatedAtMs >= existing.UpdatedAtMs
}
