package cloudstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/flashcards"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/remote"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultPullLimit bounds a pull page when the caller passes no limit.
	DefaultPullLimit = 100
	// MaxPullLimit is the largest page a pull returns.
	MaxPullLimit = 1000
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	// ErrInvalidRow indicates a pushed row that is missing required fields.
	ErrInvalidRow = errors.New("cloudstore: invalid row")
	noOpLogger    = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "cloudstore.service.new"
	opPull       = "cloudstore.pull"
	opUpsert     = "cloudstore.upsert"
	opDelete     = "cloudstore.delete"
	opList       = "cloudstore.list"
	opStats      = "cloudstore.stats"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider flashcards.IDProvider
	Logger     *zap.Logger
}

// Service stores the remote tables and implements remote.Backend in process.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider flashcards.IDProvider
	logger     *zap.Logger
}

var _ remote.Backend = (*Service)(nil)

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

func (s *Service) PullDecks(ctx context.Context, userID string, since time.Time, limit int) ([]remote.DeckRow, error) {
	var records []DeckRecord
	if err := s.pull(ctx, userID, since, limit, "deck_id", &records); err != nil {
		return nil, err
	}
	rows := make([]remote.DeckRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, record.row())
	}
	return rows, nil
}

func (s *Service) PullCards(ctx context.Context, userID string, since time.Time, limit int) ([]remote.CardRow, error) {
	var records []CardRecord
	if err := s.pull(ctx, userID, since, limit, "card_id", &records); err != nil {
		return nil, err
	}
	rows := make([]remote.CardRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, record.row())
	}
	return rows, nil
}

func (s *Service) pull(ctx context.Context, userID string, since time.Time, limit int, keyColumn string, out any) error {
	if userID == "" {
		s.logError(opPull, "missing_user_id", errMissingUserID)
		return newServiceError(opPull, "missing_user_id", errMissingUserID)
	}
	switch {
	case limit <= 0:
		limit = DefaultPullLimit
	case limit > MaxPullLimit:
		limit = MaxPullLimit
	}
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND updated_at_ms > ?", userID, flashcards.ToMillis(since)).
		Order("updated_at_ms ASC").
		Order(keyColumn + " ASC").
		Limit(limit).
		Find(out).Error
	if err != nil {
		s.logError(opPull, "query_failed", err, zap.String("user_id", userID))
		return newServiceError(opPull, "query_failed", err)
	}
	return nil
}

func (s *Service) UpsertDecks(ctx context.Context, userID string, rows []remote.DeckRow) ([]remote.DeckRow, error) {
	records := make([]DeckRecord, 0, len(rows))
	for _, row := range rows {
		if err := validateDeckRow(row); err != nil {
			s.logError(opUpsert, "invalid_row", err, zap.String("user_id", userID), zap.String("deck_id", row.ID))
			return nil, newServiceError(opUpsert, "invalid_row", err)
		}
		records = append(records, deckRecordFromRow(row))
	}
	rejected, err := upsertRecords(ctx, s, userID, collectionDecks, records)
	if err != nil {
		return nil, err
	}
	conflicts := make([]remote.DeckRow, 0, len(rejected))
	for _, record := range rejected {
		conflicts = append(conflicts, record.row())
	}
	return conflicts, nil
}

func (s *Service) UpsertCards(ctx context.Context, userID string, rows []remote.CardRow) ([]remote.CardRow, error) {
	records := make([]CardRecord, 0, len(rows))
	for _, row := range rows {
		if err := validateCardRow(row); err != nil {
			s.logError(opUpsert, "invalid_row", err, zap.String("user_id", userID), zap.String("card_id", row.ID))
			return nil, newServiceError(opUpsert, "invalid_row", err)
		}
		records = append(records, cardRecordFromRow(row))
	}
	rejected, err := upsertRecords(ctx, s, userID, collectionCards, records)
	if err != nil {
		return nil, err
	}
	conflicts := make([]remote.CardRow, 0, len(rejected))
	for _, record := range rejected {
		conflicts = append(conflicts, record.row())
	}
	return conflicts, nil
}

// upsertRecords stores every accepted row in one transaction and returns the
// stored winners of the rejected ones.
func upsertRecords[R any, P recordPointer[R]](ctx context.Context, s *Service, userID, collection string, incoming []R) ([]R, error) {
	if userID == "" {
		s.logError(opUpsert, "missing_user_id", errMissingUserID)
		return nil, newServiceError(opUpsert, "missing_user_id", errMissingUserID)
	}

	var rejected []R
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, row := range incoming {
			P(&row).setOwner(userID)
			rowID := P(&row).rowKey()

			var existing R
			var existingPtr *R
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("user_id = ? AND "+P(&row).keyColumn()+" = ?", userID, rowID).
				Take(&existing).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				existingPtr = nil
			} else if err != nil {
				s.logError(opUpsert, "select_failed", err,
					zap.String("user_id", userID),
					zap.String("collection", collection),
					zap.String("row_id", rowID))
				return newServiceError(opUpsert, "select_failed", err)
			} else {
				existingPtr = &existing
			}

			outcome := resolveWrite[R, P](existingPtr, row, collection, s.clock().UTC().UnixMilli())
			if !outcome.Accepted {
				rejected = append(rejected, outcome.Stored)
				continue
			}

			if err := tx.Save(P(&outcome.Stored)).Error; err != nil {
				s.logError(opUpsert, "save_failed", err,
					zap.String("user_id", userID),
					zap.String("collection", collection),
					zap.String("row_id", rowID))
				return newServiceError(opUpsert, "save_failed", err)
			}
			if err := s.audit(tx, userID, outcome.Audit); err != nil {
				return newServiceError(opUpsert, "audit_insert_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return rejected, nil
}

// DeleteDecks removes decks and every card filed under them.
func (s *Service) DeleteDecks(ctx context.Context, userID string, ids []string) error {
	return s.delete(ctx, userID, ids, func(tx *gorm.DB, present []string) error {
		if err := tx.Where("user_id = ? AND deck_id IN ?", userID, present).Delete(&CardRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ? AND deck_id IN ?", userID, present).Delete(&DeckRecord{}).Error
	}, &DeckRecord{}, "deck_id", collectionDecks)
}

func (s *Service) DeleteCards(ctx context.Context, userID string, ids []string) error {
	return s.delete(ctx, userID, ids, func(tx *gorm.DB, present []string) error {
		return tx.Where("user_id = ? AND card_id IN ?", userID, present).Delete(&CardRecord{}).Error
	}, &CardRecord{}, "card_id", collectionCards)
}

func (s *Service) delete(ctx context.Context, userID string, ids []string, remove func(tx *gorm.DB, present []string) error, model any, keyColumn, collection string) error {
	if userID == "" {
		s.logError(opDelete, "missing_user_id", errMissingUserID)
		return newServiceError(opDelete, "missing_user_id", errMissingUserID)
	}
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var present []string
		if err := tx.Model(model).
			Where("user_id = ? AND "+keyColumn+" IN ?", userID, ids).
			Pluck(keyColumn, &present).Error; err != nil {
			s.logError(opDelete, "select_failed", err, zap.String("user_id", userID), zap.String("collection", collection))
			return newServiceError(opDelete, "select_failed", err)
		}
		if len(present) == 0 {
			return nil
		}
		if err := remove(tx, present); err != nil {
			s.logError(opDelete, "delete_failed", err, zap.String("user_id", userID), zap.String("collection", collection))
			return newServiceError(opDelete, "delete_failed", err)
		}
		appliedAt := s.clock().UTC().UnixMilli()
		for _, id := range present {
			change := &RowChange{
				Collection:  collection,
				RowID:       id,
				Operation:   OperationDelete,
				AppliedAtMs: appliedAt,
			}
			if err := s.audit(tx, userID, change); err != nil {
				return newServiceError(opDelete, "audit_insert_failed", err)
			}
		}
		return nil
	})
}

func (s *Service) ListDecks(ctx context.Context, userID string) ([]remote.DeckRow, error) {
	if userID == "" {
		s.logError(opList, "missing_user_id", errMissingUserID)
		return nil, newServiceError(opList, "missing_user_id", errMissingUserID)
	}
	var records []DeckRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at_ms ASC").
		Order("deck_id ASC").
		Find(&records).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opList, "query_failed", err)
	}
	rows := make([]remote.DeckRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, record.row())
	}
	return rows, nil
}

func (s *Service) ListCards(ctx context.Context, userID, deckID string) ([]remote.CardRow, error) {
	if userID == "" {
		s.logError(opList, "missing_user_id", errMissingUserID)
		return nil, newServiceError(opList, "missing_user_id", errMissingUserID)
	}
	var records []CardRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND deck_id = ?", userID, deckID).
		Order("created_at_ms ASC").
		Order("card_id ASC").
		Find(&records).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("user_id", userID), zap.String("deck_id", deckID))
		return nil, newServiceError(opList, "query_failed", err)
	}
	rows := make([]remote.CardRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, record.row())
	}
	return rows, nil
}

func (s *Service) GetStats(ctx context.Context, userID string) (remote.StatsRow, bool, error) {
	if userID == "" {
		s.logError(opStats, "missing_user_id", errMissingUserID)
		return remote.StatsRow{}, false, newServiceError(opStats, "missing_user_id", errMissingUserID)
	}
	var record StatsRecord
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return remote.StatsRow{}, false, nil
	}
	if err != nil {
		s.logError(opStats, "query_failed", err, zap.String("user_id", userID))
		return remote.StatsRow{}, false, newServiceError(opStats, "query_failed", err)
	}
	return record.row(), true, nil
}

// PutStats merges row into the stored counters and returns the result.
func (s *Service) PutStats(ctx context.Context, userID string, row remote.StatsRow) (remote.StatsRow, error) {
	if userID == "" {
		s.logError(opStats, "missing_user_id", errMissingUserID)
		return remote.StatsRow{}, newServiceError(opStats, "missing_user_id", errMissingUserID)
	}
	incoming := flashcards.StreakStats{
		CurrentStreak: row.CurrentStreak,
		LongestStreak: row.LongestStreak,
		LastStudyDate: row.LastStudyDate,
		UpdatedAt:     flashcards.Millis(row.UpdatedAt),
	}
	if incoming.UpdatedAt.IsZero() {
		incoming.UpdatedAt = flashcards.Millis(s.clock())
	}

	var merged StatsRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing StatsRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			Take(&existing).Error
		stats := incoming
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			s.logError(opStats, "select_failed", err, zap.String("user_id", userID))
			return newServiceError(opStats, "select_failed", err)
		default:
			stats = flashcards.MergeStreak(existing.stats(), incoming)
		}
		merged = statsRecordFrom(userID, stats)
		if err := tx.Save(&merged).Error; err != nil {
			s.logError(opStats, "save_failed", err, zap.String("user_id", userID))
			return newServiceError(opStats, "save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return remote.StatsRow{}, txErr
	}
	return merged.row(), nil
}

func (s *Service) audit(tx *gorm.DB, userID string, change *RowChange) error {
	if change == nil {
		return nil
	}
	changeID, err := s.idProvider.NewID()
	if err != nil {
		s.logError("cloudstore.audit", "id_generation_failed", err, zap.String("user_id", userID))
		return err
	}
	change.ChangeID = changeID
	change.UserID = userID
	if err := tx.Create(change).Error; err != nil {
		s.logError("cloudstore.audit", "insert_failed", err,
			zap.String("user_id", userID),
			zap.String("row_id", change.RowID))
		return err
	}
	return nil
}

func validateDeckRow(row remote.DeckRow) error {
	switch {
	case strings.TrimSpace(row.ID) == "":
		return fmt.Errorf("%w: deck id is required", ErrInvalidRow)
	case strings.TrimSpace(row.Name) == "":
		return fmt.Errorf("%w: deck %s has no name", ErrInvalidRow, row.ID)
	case row.UpdatedAt.IsZero():
		return fmt.Errorf("%w: deck %s has no updated_at", ErrInvalidRow, row.ID)
	}
	return nil
}

func validateCardRow(row remote.CardRow) error {
	switch {
	case strings.TrimSpace(row.ID) == "":
		return fmt.Errorf("%w: card id is required", ErrInvalidRow)
	case strings.TrimSpace(row.DeckID) == "":
		return fmt.Errorf("%w: card %s has no deck", ErrInvalidRow, row.ID)
	case row.UpdatedAt.IsZero():
		return fmt.Errorf("%w: card %s has no updated_at", ErrInvalidRow, row.ID)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("cloudstore service error", attrs...)
}
