package localstore

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Marker names for one-time procedures.
const (
	MarkerRemoteMigration = "remote_migration"
	MarkerLegacyImport    = "legacy_import"
)

type markerRecord struct {
	Name        string `gorm:"column:name;primaryKey;size:64;not null"`
	Owner       string `gorm:"column:owner;primaryKey;size:190;not null"`
	AppliedAtMs int64  `gorm:"column:applied_at_ms;not null"`
}

func (markerRecord) TableName() string {
	return "migration_markers"
}

// MarkerSet reports whether the one-time procedure name completed for owner.
func (s *Store) MarkerSet(ctx context.Context, name, owner string) (bool, error) {
	var record markerRecord
	err := s.db.WithContext(ctx).Where("name = ? AND owner = ?", name, owner).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	return true, nil
}

// SetMarker records that the one-time procedure name completed for owner.
func (s *Store) SetMarker(ctx context.Context, name, owner string) error {
	record := markerRecord{Name: name, Owner: owner, AppliedAtMs: s.Now().UnixMilli()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
	if err != nil {
		return classify(err)
	}
	s.logger.Info("one-time procedure completed", zap.String("marker", name), zap.String("owner", owner))
	return nil
}

type migrationBacklogRecord struct {
	Owner  string `gorm:"column:owner;primaryKey;size:190;not null"`
	DeckID string `gorm:"column:deck_id;primaryKey;size:100;not null"`
}

func (migrationBacklogRecord) TableName() string {
	return "migration_backlog"
}

// MigrationBacklog returns the decks owner claimed before their migration
// succeeded.
func (s *Store) MigrationBacklog(ctx context.Context, owner string) ([]string, error) {
	var deckIDs []string
	err := s.db.WithContext(ctx).
		Model(&migrationBacklogRecord{}).
		Where("owner = ?", owner).
		Order("deck_id ASC").
		Pluck("deck_id", &deckIDs).Error
	return deckIDs, classify(err)
}

// SetMigrationBacklog replaces owner's backlog with deckIDs. An empty list
// clears it.
func (s *Store) SetMigrationBacklog(ctx context.Context, owner string, deckIDs []string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("owner = ?", owner).Delete(&migrationBacklogRecord{}).Error; err != nil {
			return err
		}
		if len(deckIDs) == 0 {
			return nil
		}
		records := make([]migrationBacklogRecord, 0, len(deckIDs))
		for _, deckID := range deckIDs {
			records = append(records, migrationBacklogRecord{Owner: owner, DeckID: deckID})
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&records).Error
	})
	return classify(err)
}
