package ai

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-service/internal/clock"
	"github.com/spec-kit/conversation-service/internal/config"
	"github.com/spec-kit/conversation-service/internal/domain"
	"github.com/spec-kit/conversation-service/internal/observability"
	"github.com/spec-kit/conversation-service/internal/repository"
	"github.com/spec-kit/conversation-service/pkg/util"
)

// Manager owns the mapping from users to assistant threads. Reads hit an
// in-memory cache first; the thread_bindings table is authoritative and
// rebuilds the cache after a restart. Turns for the same user are
// serialized so the second turn always sees the first one's thread state.
type Manager struct {
	assistant Assistant
	bindings  repository.ThreadBindingRepository
	trim      TrimPolicy
	clk       clock.Clock
	logger    *zap.Logger
	metrics   *observability.Metrics
	cfg       config.AssistantConfig

	cacheMu sync.RWMutex
	cache   map[string]domain.ThreadBinding

	locksMu sync.Mutex
	locks   map[string]*userLock
}

// ManagerDependencies bundles collaborators.
type ManagerDependencies struct {
	Assistant Assistant
	Bindings  repository.ThreadBindingRepository
	Trim      TrimPolicy
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// NewManager creates the manager.
func NewManager(cfg config.AssistantConfig, deps ManagerDependencies) *Manager {
	return &Manager{
		assistant: deps.Assistant,
		bindings:  deps.Bindings,
		trim:      deps.Trim,
		clk:       deps.Clock,
		logger:    deps.Logger.With(zap.String("component", "ai_context")),
		metrics:   deps.Metrics,
		cfg:       cfg,
		cache:     make(map[string]domain.ThreadBinding),
		locks:     make(map[string]*userLock),
	}
}

// Respond runs one turn for the user: resolve their thread, trim it if it
// has grown stale, send the combined text, and record the turn. Calls for
// the same user never overlap; calls for different users run concurrently.
func (m *Manager) Respond(ctx context.Context, userID, text string) (Reply, error) {
	l := m.lockUser(userID)
	defer m.unlockUser(userID, l)

	binding, err := m.resolveBinding(ctx, userID)
	if err != nil {
		return Reply{}, err
	}
	binding = m.maybeTrim(ctx, binding)

	m.metrics.Inc(observability.CounterAssistantCalls)
	var reply Reply
	err = util.Retry(ctx, m.cfg.MaxRetries+1, m.cfg.RetryDelay(), func() error {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout())
		defer cancel()
		r, sendErr := m.assistant.Send(callCtx, binding.ThreadHandle, userID, text)
		if sendErr != nil {
			return sendErr
		}
		reply = r
		return nil
	})
	if err != nil {
		m.metrics.Inc(observability.CounterAssistantFailures)
		return Reply{}, err
	}

	now := m.clk.Now()
	binding.TurnCount++
	binding.LastActivityAt = now
	binding.UpdatedAt = now
	if err := m.bindings.Upsert(ctx, binding); err != nil {
		// The turn already happened; losing one count tick is tolerable.
		m.logger.Warn("thread binding bookkeeping failed",
			zap.String("user_id", userID),
			zap.Error(err))
	}
	m.cachePut(*binding)
	return reply, nil
}

// Clear forgets the user's thread. The next turn starts a fresh one.
func (m *Manager) Clear(ctx context.Context, userID string) error {
	l := m.lockUser(userID)
	defer m.unlockUser(userID, l)

	if err := m.bindings.Delete(ctx, userID); err != nil {
		return util.NewPersistenceError("clear thread binding", err)
	}
	m.cacheDelete(userID)
	m.logger.Info("cleared assistant context", zap.String("user_id", userID))
	return nil
}

// ClearAll wipes every binding. Turns already in flight may re-persist
// their user's binding after the wipe; they are cleared on the next call.
func (m *Manager) ClearAll(ctx context.Context) error {
	if err := m.bindings.DeleteAll(ctx); err != nil {
		return util.NewPersistenceError("clear thread bindings", err)
	}
	m.cacheMu.Lock()
	m.cache = make(map[string]domain.ThreadBinding)
	m.cacheMu.Unlock()
	m.logger.Info("cleared all assistant contexts")
	return nil
}

// resolveBinding returns the user's binding, creating thread and row on
// first contact. Creation is durable before the turn proceeds.
func (m *Manager) resolveBinding(ctx context.Context, userID string) (*domain.ThreadBinding, error) {
	if b, ok := m.cacheGet(userID); ok {
		return b, nil
	}

	b, err := m.bindings.Get(ctx, userID)
	if err == nil {
		m.cachePut(*b)
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, util.NewPersistenceError("load thread binding", err)
	}

	handle, err := m.assistant.CreateThread(ctx)
	if err != nil {
		return nil, err
	}
	now := m.clk.Now()
	b = &domain.ThreadBinding{
		UserID:         userID,
		ThreadHandle:   handle,
		TurnCount:      0,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.bindings.Upsert(ctx, b); err != nil {
		return nil, util.NewPersistenceError("persist thread binding", err)
	}
	m.cachePut(*b)
	m.logger.Info("bound user to new assistant thread", zap.String("user_id", userID))
	return b, nil
}

// maybeTrim swaps the binding onto a compacted thread when the policy
// says so. Compaction is best effort: any failure keeps the full thread
// and the turn proceeds on it.
func (m *Manager) maybeTrim(ctx context.Context, binding *domain.ThreadBinding) *domain.ThreadBinding {
	if m.trim == nil || !m.trim.ShouldTrim(binding, m.clk.Now()) {
		return binding
	}

	handle, err := m.trim.Compact(ctx, m.assistant, binding)
	if err != nil {
		m.logger.Warn("context compaction failed, keeping full thread",
			zap.String("user_id", binding.UserID),
			zap.Error(err))
		return binding
	}

	now := m.clk.Now()
	fresh := &domain.ThreadBinding{
		UserID:         binding.UserID,
		ThreadHandle:   handle,
		TurnCount:      0,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.bindings.Upsert(ctx, fresh); err != nil {
		m.logger.Warn("could not persist compacted thread, keeping full thread",
			zap.String("user_id", binding.UserID),
			zap.Error(err))
		return binding
	}
	m.cachePut(*fresh)
	m.logger.Info("compacted assistant thread",
		zap.String("user_id", binding.UserID),
		zap.Int("turns_folded", binding.TurnCount))
	return fresh
}

func (m *Manager) cacheGet(userID string) (*domain.ThreadBinding, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	b, ok := m.cache[userID]
	if !ok {
		return nil, false
	}
	return &b, true
}

func (m *Manager) cachePut(b domain.ThreadBinding) {
	m.cacheMu.Lock()
	m.cache[b.UserID] = b
	m.cacheMu.Unlock()
}

func (m *Manager) cacheDelete(userID string) {
	m.cacheMu.Lock()
	delete(m.cache, userID)
	m.cacheMu.Unlock()
}

// userLock serializes turns per user. Entries are reference counted and
// dropped from the table once the last holder releases.
type userLock struct {
	mu   sync.Mutex
	refs int
}

func (m *Manager) lockUser(userID string) *userLock {
	m.locksMu.Lock()
	l, ok := m.locks[userID]
	if !ok {
		l = &userLock{}
		m.locks[userID] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return l
}

func (m *Manager) unlockUser(userID string, l *userLock) {
	l.mu.Unlock()

	m.locksMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, userID)
	}
	m.locksMu.Unlock()
}
