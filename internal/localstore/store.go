// Package localstore is the on-device document store. It keeps decks and
// cards in an embedded SQLite database and carries the bookkeeping that
// replication needs: ownership, dirty flags, tombstones and checkpoints.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var errMissingPath = errors.New("localstore: database path is required")

// Config describes how to open the local store.
type Config struct {
	// Path is the SQLite database file.
	Path string
	// MaxBytes caps the database size. Zero disables the quota.
	MaxBytes int64
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the local document database.
type Store struct {
	db       *gorm.DB
	clock    func() time.Time
	logger   *zap.Logger
	feed     *ChangeFeed
	validate *validator.Validate

	Decks *Collection[DeckDocument, *DeckDocument]
	Cards *Collection[CardDocument, *CardDocument]
}

// Tx exposes the collections inside a transaction started by Store.Update.
type Tx struct {
	Decks *Collection[DeckDocument, *DeckDocument]
	Cards *Collection[CardDocument, *CardDocument]
}

// Open opens or creates the store at cfg.Path and migrates its schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errMissingPath
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("localstore: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&DeckDocument{}, &CardDocument{}, &checkpointRecord{}, &markerRecord{}, &migrationBacklogRecord{}, &streakRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("localstore: migrate: %w", err)
	}

	if cfg.MaxBytes > 0 {
		if err := applyQuota(db, cfg.MaxBytes); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := &Store{
		db:       db,
		clock:    clock,
		logger:   logger,
		feed:     NewChangeFeed(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	store.Decks = newCollection[DeckDocument](store, db, CollectionDecks, store.feed.Publish)
	store.Cards = newCollection[CardDocument](store, db, CollectionCards, store.feed.Publish)

	logger.Debug("local store opened", zap.String("path", cfg.Path), zap.Int64("max_bytes", cfg.MaxBytes))
	return store, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Feed returns the change feed of committed writes.
func (s *Store) Feed() *ChangeFeed {
	return s.feed
}

// Now returns the store clock truncated to milliseconds.
func (s *Store) Now() time.Time {
	return time.UnixMilli(s.clock().UnixMilli()).UTC()
}

// Update runs fn inside a single transaction. Changes are published to the
// feed only after commit.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	var changes []Change
	err := s.db.WithContext(ctx).Transaction(func(gormTx *gorm.DB) error {
		emit := func(change Change) {
			changes = append(changes, change)
		}
		tx := &Tx{
			Decks: newCollection[DeckDocument](s, gormTx, CollectionDecks, emit),
			Cards: newCollection[CardDocument](s, gormTx, CollectionCards, emit),
		}
		return fn(tx)
	})
	if err != nil {
		return classify(err)
	}
	for _, change := range changes {
		s.feed.Publish(change)
	}
	return nil
}

// applyQuota bounds the database file via max_page_count so that quota
// exhaustion surfaces as SQLITE_FULL.
func applyQuota(db *gorm.DB, maxBytes int64) error {
	var pageSize int64
	if err := db.Raw("PRAGMA page_size").Scan(&pageSize).Error; err != nil {
		return fmt.Errorf("localstore: read page size: %w", err)
	}
	if pageSize <= 0 {
		pageSize = 4096
	}
	pages := maxBytes / pageSize
	if pages < 1 {
		pages = 1
	}
	if err := db.Exec(fmt.Sprintf("PRAGMA max_page_count = %d", pages)).Error; err != nil {
		return fmt.Errorf("localstore: apply quota: %w", err)
	}
	return nil
}

func (s *Store) check(collection, documentID string, doc any) error {
	if err := s.validate.Struct(doc); err != nil {
		return newValidationError(collection, documentID, err)
	}
	return nil
}
