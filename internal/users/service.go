// Package users resolves token claims to canonical user ids.
package users

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service maps provider logins to canonical user ids. The first login of a
// provider+subject pair creates the mapping; later logins reuse it, so a
// user keeps their data when a provider prefix is added to their tokens.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, now: clock, logger: logger}, nil
}

// ResolveCanonicalUserID returns the canonical user id for claims.
func (s *Service) ResolveCanonicalUserID(claims auth.Claims) (string, error) {
	provider, subject := providerSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if userID, ok := cached.(string); ok {
			return userID, nil
		}
	}

	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		Take(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = newIdentity(provider, subject, claims, s.now().UTC())
		if err := s.db.Create(&identity).Error; err != nil {
			return "", fmt.Errorf("users: create identity: %w", err)
		}
		s.logger.Info("user identity created", zap.String("provider", provider), zap.String("user_id", identity.UserID))
	case err != nil:
		return "", fmt.Errorf("users: load identity: %w", err)
	default:
		if err := s.db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(identity.refresh(claims, s.now().UTC())).
			Error; err != nil {
			s.logger.Warn("user identity refresh failed", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}
