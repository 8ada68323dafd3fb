// Package filelock manages per-file exclusive locks tied to a task.
//
// Locks are persisted through the FileLockRepository; the manager keeps a
// short-lived cache of the active set so assign-time conflict checks do
// not hit the store on every candidate.
package filelock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

const cacheFreshness = 500 * time.Millisecond

// Manager coordinates file-lock acquisition and release.
type Manager struct {
	repo domain.FileLockRepository
	ttl  time.Duration

	mu        sync.Mutex
	cached    map[string]domain.FileLock
	refreshed time.Time

	now func() time.Time
}

// NewManager builds a manager with the given lock TTL (30m when zero).
func NewManager(repo domain.FileLockRepository, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Manager{repo: repo, ttl: ttl, now: time.Now}
}

// WithClock overrides the time source (tests).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Acquire creates exclusive locks for every path, all-or-nothing. The
// repository enforces exclusivity; ErrConflict means some path is held.
func (m *Manager) Acquire(ctx context.Context, taskID, agentID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	now := m.now()
	locks := make([]domain.FileLock, 0, len(paths))
	for _, p := range paths {
		locks = append(locks, domain.FileLock{
			FilePath:   p,
			AgentID:    agentID,
			TaskID:     taskID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(m.ttl),
		})
	}
	if err := m.repo.Acquire(ctx, locks); err != nil {
		return fmt.Errorf("op=filelock.acquire task=%s: %w", taskID, err)
	}
	m.invalidate()
	return nil
}

// ReleaseByTask frees every lock the task holds. Idempotent.
func (m *Manager) ReleaseByTask(ctx context.Context, taskID string) error {
	if err := m.repo.ReleaseByTask(ctx, taskID); err != nil {
		return fmt.Errorf("op=filelock.release task=%s: %w", taskID, err)
	}
	m.invalidate()
	return nil
}

// HasConflict reports whether any of the paths is locked by another task.
func (m *Manager) HasConflict(ctx context.Context, taskID string, paths []string) (bool, error) {
	if len(paths) == 0 {
		return false, nil
	}
	active, err := m.activeSet(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range paths {
		if l, ok := active[p]; ok && l.TaskID != taskID {
			return true, nil
		}
	}
	return false, nil
}

// ActiveLocks returns the current unexpired lock set keyed by path.
func (m *Manager) ActiveLocks(ctx context.Context) (map[string]domain.FileLock, error) {
	return m.activeSet(ctx)
}

func (m *Manager) activeSet(ctx context.Context) (map[string]domain.FileLock, error) {
	m.mu.Lock()
	if m.cached != nil && m.now().Sub(m.refreshed) < cacheFreshness {
		out := m.cached
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()

	locks, err := m.repo.ListActive(ctx, m.now())
	if err != nil {
		return nil, fmt.Errorf("op=filelock.list_active: %w", err)
	}
	set := make(map[string]domain.FileLock, len(locks))
	for _, l := range locks {
		set[l.FilePath] = l
	}

	m.mu.Lock()
	m.cached = set
	m.refreshed = m.now()
	m.mu.Unlock()
	return set, nil
}

func (m *Manager) invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}
