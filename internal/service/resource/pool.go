// Package resource implements admission slots per execution backend.
package resource

import (
	"sync"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

// Pool tracks active task ids per tier under a single lock, so admission
// and slot membership are linearizable.
type Pool struct {
	mu     sync.Mutex
	slots  map[domain.ResourceTier]int
	active map[domain.ResourceTier]map[string]struct{}
	events domain.EventPublisher
}

// DefaultSlots returns the shipped slot counts: the local GPU model is
// single-slot, the rate-limited cloud layer allows two concurrent tasks.
func DefaultSlots() map[domain.ResourceTier]int {
	return map[domain.ResourceTier]int{
		domain.ResourceLocal:       1,
		domain.ResourceCloud:       2,
		domain.ResourceRemoteLocal: 1,
	}
}

// NewPool builds a pool. events may be nil.
func NewPool(slots map[domain.ResourceTier]int, events domain.EventPublisher) *Pool {
	active := make(map[domain.ResourceTier]map[string]struct{}, len(slots))
	for tier := range slots {
		active[tier] = make(map[string]struct{})
	}
	return &Pool{slots: slots, active: active, events: events}
}

// CanAcquire reports whether a slot is free on the tier.
func (p *Pool) CanAcquire(tier domain.ResourceTier) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active[tier]) < p.slots[tier]
}

// Acquire claims a slot for the task. Returns false when the tier is full
// or the task already holds a slot anywhere.
func (p *Pool) Acquire(tier domain.ResourceTier, taskID string) bool {
	p.mu.Lock()
	for _, set := range p.active {
		if _, ok := set[taskID]; ok {
			p.mu.Unlock()
			return false
		}
	}
	set, ok := p.active[tier]
	if !ok || len(set) >= p.slots[tier] {
		p.mu.Unlock()
		return false
	}
	set[taskID] = struct{}{}
	p.mu.Unlock()
	if p.events != nil {
		p.events.Publish(domain.NewEvent(domain.EventResourceAcquired, map[string]any{
			"task_id": taskID, "tier": string(tier),
		}))
	}
	return true
}

// Release frees whatever slot the task holds. It scans all tiers because
// the caller need not remember which one was acquired. Idempotent and
// safe for unknown task ids.
func (p *Pool) Release(taskID string) {
	p.mu.Lock()
	var freed domain.ResourceTier
	found := false
	for tier, set := range p.active {
		if _, ok := set[taskID]; ok {
			delete(set, taskID)
			freed = tier
			found = true
			break
		}
	}
	p.mu.Unlock()
	if found && p.events != nil {
		p.events.Publish(domain.NewEvent(domain.EventResourceReleased, map[string]any{
			"task_id": taskID, "tier": string(freed),
		}))
	}
}

// HasResource reports whether the task currently holds any slot.
func (p *Pool) HasResource(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, set := range p.active {
		if _, ok := set[taskID]; ok {
			return true
		}
	}
	return false
}

// TierOf reports which tier holds the task's slot, if any.
func (p *Pool) TierOf(taskID string) (domain.ResourceTier, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for tier, set := range p.active {
		if _, ok := set[taskID]; ok {
			return tier, true
		}
	}
	return "", false
}

// ActiveCount returns the number of held slots on a tier.
func (p *Pool) ActiveCount(tier domain.ResourceTier) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active[tier])
}

// TierForExecution maps the use-cloud flag to a resource tier.
func TierForExecution(useCloud bool) domain.ResourceTier {
	if useCloud {
		return domain.ResourceCloud
	}
	return domain.ResourceLocal
}

// TierForComplexity picks local for anything below the top score.
func TierForComplexity(c int) domain.ResourceTier {
	if c < 10 {
		return domain.ResourceLocal
	}
	return domain.ResourceCloud
}
