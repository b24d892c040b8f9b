// Package session drives the per-user sync lifecycle: it migrates signed-out
// data on sign-in, runs replication in the background and selects the
// storage adapter the application talks to.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/flashcards"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/localstore"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/migration"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/remote"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/replication"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/storage"
	"go.uber.org/zap"
)

// State is the sync status reported to the UI.
type State string

const (
	StateIdle        State = "idle"
	StateMigrating   State = "migrating"
	StateReplicating State = "replicating"
	StateError       State = "error"
)

const defaultRetryInterval = 5 * time.Second

var (
	errMissingStore   = errors.New("session: local store is required")
	errMissingBackend = errors.New("session: remote backend is required")
)

// Status is a snapshot of the manager's state.
type Status struct {
	State  State
	UserID string
	// Error is a human readable message for StateError, or a warning such as
	// an incomplete migration while replicating.
	Error string
}

// Config describes the manager's collaborators.
type Config struct {
	Store       *localstore.Store
	Backend     remote.Backend
	IDProvider  flashcards.IDProvider
	Clock       func() time.Time
	Logger      *zap.Logger
	Replication replication.Config
	// RetryInterval is the delay between migration attempts while the
	// backend is unreachable.
	RetryInterval time.Duration
}

// Manager owns the sync session of the signed-in user.
type Manager struct {
	store         *localstore.Store
	storageConfig storage.Config
	migrator      *migration.Migrator
	engine        *replication.Engine
	logger        *zap.Logger
	retryInterval time.Duration
	local         *storage.LocalAdapter

	// lifecycle serializes StartSync and StopSync.
	lifecycle sync.Mutex

	mu          sync.RWMutex
	status      Status
	adapter     storage.StudyAdapter
	session     *syncSession
	subscribers map[int64]chan Status
	nextID      int64
}

type syncSession struct {
	userID string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager constructs an idle manager serving the local adapter.
func NewManager(cfg Config) (*Manager, error) {
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

	storageConfig := storage.Config{
		Store:      cfg.Store,
		IDProvider: cfg.IDProvider,
		Clock:      cfg.Clock,
		Logger:     logger,
	}
	local, err := storage.NewLocalAdapter(storageConfig)
	if err != nil {
		return nil, err
	}
	migrator, err := migration.NewMigrator(migration.Config{Store: cfg.Store, Backend: cfg.Backend, Logger: logger})
	if err != nil {
		return nil, err
	}
	replicationConfig := cfg.Replication
	replicationConfig.Store = cfg.Store
	replicationConfig.Backend = cfg.Backend
	replicationConfig.Logger = logger
	engine, err := replication.NewEngine(replicationConfig)
	if err != nil {
		return nil, err
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}

	return &Manager{
		store:         cfg.Store,
		storageConfig: storageConfig,
		migrator:      migrator,
		engine:        engine,
		logger:        logger,
		retryInterval: retryInterval,
		local:         local,
		status:        Status{State: StateIdle},
		adapter:       local,
		subscribers:   make(map[int64]chan Status),
	}, nil
}

// Adapter returns the adapter for the current state: the replicated adapter
// while replicating, the local adapter otherwise.
func (m *Manager) Adapter() storage.StudyAdapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adapter
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Subscribe streams status changes, starting with the current status, until
// ctx is done. Slow readers miss intermediate statuses.
func (m *Manager) Subscribe(ctx context.Context) <-chan Status {
	stream := make(chan Status, 8)
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subscribers[id] = stream
	stream <- m.status
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}()
	return stream
}

// StartSync begins the session of userID: Idle → Migrating → Replicating.
// It returns once the session is started; progress is reported through
// Status and Subscribe. Starting the session of the user that is already
// syncing is a no-op; another user's session is stopped first.
func (m *Manager) StartSync(userID string) error {
	validated, err := flashcards.NewUserID(userID)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.RLock()
	current := m.session
	state := m.status.State
	m.mu.RUnlock()
	if current != nil && current.userID == validated.String() && state != StateError {
		return nil
	}
	m.stop()

	ctx, cancel := context.WithCancel(context.Background())
	session := &syncSession{userID: validated.String(), cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.session = session
	m.setStatusLocked(Status{State: StateMigrating, UserID: session.userID}, m.local)
	m.mu.Unlock()

	go m.run(ctx, session)
	return nil
}

// StopSync cancels the running session, waits for it to wind down and
// returns to the local adapter.
func (m *Manager) StopSync() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.stop()
}

func (m *Manager) stop() {
	m.mu.Lock()
	session := m.session
	m.session = nil
	m.mu.Unlock()
	if session != nil {
		session.cancel()
		<-session.done
	}

	m.mu.Lock()
	m.setStatusLocked(Status{State: StateIdle}, m.local)
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context, session *syncSession) {
	defer close(session.done)
	userID := session.userID

	result, err := m.migrate(ctx, userID)
	if err != nil {
		if ctx.Err() == nil {
			m.fail(session, fmt.Errorf("migration failed: %w", err))
		}
		return
	}

	// Decks that failed to migrate are claimed too so the user keeps seeing
	// them; the migrator retries them from its backlog at the next sign-in.
	if _, _, err := m.store.ClaimOrphans(ctx, userID); err != nil {
		if ctx.Err() == nil {
			m.fail(session, fmt.Errorf("claim local documents: %w", err))
		}
		return
	}
	warning := ""
	switch {
	case len(result.Errors) > 0:
		warning = fmt.Sprintf("migration incomplete: %d deck(s) failed and will be retried at next sign-in", len(result.Errors))
	case result.StreakErr != nil:
		warning = "migration incomplete: streak not saved and will be retried at next sign-in"
	}

	adapter, err := storage.NewReplicatedAdapter(m.storageConfig, flashcards.UserID(userID))
	if err != nil {
		m.fail(session, err)
		return
	}
	if !m.transition(session, Status{State: StateReplicating, UserID: userID, Error: warning}, adapter) {
		return
	}

	if err := m.engine.Run(ctx, userID); err != nil && ctx.Err() == nil {
		m.fail(session, fmt.Errorf("replication stopped: %w", err))
	}
}

// migrate runs the migration, retrying while the backend is unreachable.
func (m *Manager) migrate(ctx context.Context, userID string) (migration.Result, error) {
	for {
		result, err := m.migrator.Migrate(ctx, userID)
		if err == nil {
			for _, deckErr := range result.Errors {
				m.logger.Warn("deck not migrated", zap.String("user_id", userID), zap.Error(deckErr))
			}
			return result, nil
		}
		if ctx.Err() != nil || replication.IsFatal(err) || !errors.Is(err, remote.ErrUnavailable) {
			return result, err
		}
		m.logger.Warn("migration deferred, backend unavailable", zap.String("user_id", userID), zap.Error(err))
		timer := time.NewTimer(m.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Manager) fail(session *syncSession, err error) {
	m.logger.Error("sync session failed", zap.String("user_id", session.userID), zap.Error(err))
	m.transition(session, Status{State: StateError, UserID: session.userID, Error: err.Error()}, m.local)
}

// transition applies status if session is still the active one.
func (m *Manager) transition(session *syncSession, status Status, adapter storage.StudyAdapter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != session {
		return false
	}
	m.setStatusLocked(status, adapter)
	return true
}

func (m *Manager) setStatusLocked(status Status, adapter storage.StudyAdapter) {
	if m.status != status {
		m.logger.Info("sync status changed",
			zap.String("state", string(status.State)),
			zap.String("user_id", status.UserID))
	}
	m.status = status
	m.adapter = adapter
	for _, subscriber := range m.subscribers {
		select {
		case subscriber <- status:
		default:
		}
	}
}
