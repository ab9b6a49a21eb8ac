// Package manager keeps the registry of running pollers: one per persisted
// pair, started at boot and on create, cancelled on delete.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vklachkov/glashatay/internal/pair"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("manager already started")

// Runner is a polling loop that returns once its context is cancelled.
type Runner interface {
	Run(ctx context.Context)
}

// Factory builds the poller for one pair.
type Factory func(id pair.ID, cfg pair.Config) Runner

// Manager owns the PairId to cancel func registry. It is the only writer of
// that registry, so at most one poller runs per pair.
type Manager struct {
	store     pair.Store
	newRunner Factory
	logger    *zap.Logger

	// lifecycle serialises Create and Delete so a delete never lands between
	// the insert and the spawn of a new pair.
	lifecycle sync.Mutex

	mu      sync.Mutex
	parent  context.Context
	started bool
	running map[pair.ID]context.CancelFunc
	// pending holds pairs whose poller is cancelled but whose record could
	// not be removed yet.
	pending map[pair.ID]struct{}

	wg sync.WaitGroup
}

// New creates a manager. Pollers spawned before Start are bound to
// context.Background.
func New(store pair.Store, factory Factory, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		newRunner: factory,
		logger:    logger.Named("manager"),
		parent:    context.Background(),
		running:   make(map[pair.ID]context.CancelFunc),
		pending:   make(map[pair.ID]struct{}),
	}
}

// Start loads every persisted pair and spawns its poller. Pollers live until
// ctx is cancelled or the pair is deleted.
func (m *Manager) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.parent = ctx
	m.mu.Unlock()

	pairs, err := m.store.ListPairs(ctx)
	if err != nil {
		return fmt.Errorf("load pairs: %w", err)
	}

	for id, cfg := range pairs {
		m.spawn(id, cfg)
	}
	m.logger.Info("pollers started", zap.Int("pairs", len(pairs)))
	return nil
}

// Create validates and persists cfg, then spawns its poller.
func (m *Manager) Create(ctx context.Context, cfg pair.Config) (pair.ID, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	id, err := m.store.InsertPair(ctx, cfg)
	if err != nil {
		return 0, fmt.Errorf("create pair: %w", err)
	}

	m.spawn(id, cfg)
	m.logger.Info("pair created",
		zap.Int64("pair_id", int64(id)),
		zap.String("source", cfg.SourceHandle),
		zap.Int64("chat_id", cfg.DestinationID),
	)
	return id, nil
}

// Delete cancels the poller of id and removes its record. It reports false
// when no poller is registered for id. A cycle already in flight finishes.
// When the record cannot be removed the poller stays stopped and id remains
// deletable, so a retry reaches the store again.
func (m *Manager) Delete(ctx context.Context, id pair.ID) (bool, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	cancel, running := m.running[id]
	_, pending := m.pending[id]
	delete(m.running, id)
	m.mu.Unlock()

	if !running && !pending {
		return false, nil
	}
	if running {
		cancel()
	}

	if err := m.store.DeletePair(ctx, id); err != nil && !errors.Is(err, pair.ErrNotFound) {
		m.mu.Lock()
		m.pending[id] = struct{}{}
		m.mu.Unlock()
		return true, fmt.Errorf("delete pair %s: %w", id, err)
	}

	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()

	m.logger.Info("pair deleted", zap.Int64("pair_id", int64(id)))
	return true, nil
}

// List returns the persisted pairs.
func (m *Manager) List(ctx context.Context) (map[pair.ID]pair.Config, error) {
	pairs, err := m.store.ListPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	return pairs, nil
}

// Running reports how many pollers are registered.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Wait blocks until every spawned poller has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) spawn(id pair.ID, cfg pair.Config) {
	runner := m.newRunner(id, cfg.Clone())

	m.mu.Lock()
	if _, ok := m.running[id]; ok {
		m.mu.Unlock()
		m.logger.Warn("poller already running", zap.Int64("pair_id", int64(id)))
		return
	}
	ctx, cancel := context.WithCancel(m.parent)
	m.running[id] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		runner.Run(ctx)
	}()
}
