package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"veranda/internal/config"
	"veranda/internal/metrics"
	"veranda/internal/models"
)

// Handle is the live delivery channel of one subscription. Deliver must not
// block; it reports false when the frame could not be accepted (closed or
// full handle), in which case the subscriber's reconnect path reconciles.
type Handle interface {
	Deliver(frame models.ServerFrame) bool
	Close()
}

type SubscriptionID string

type entry struct {
	id          SubscriptionID
	threadID    string
	principalID string
	handle      Handle
}

// Registry tracks which principal is attached via which live handle, per
// thread. It is the single source of truth for "is this principal
// reachable" and fires online/offline events on first/last handle
// transitions.
type Registry struct {
	// regMu serializes register/unregister for the same (thread,
	// principal) end to end, including presence event emission, so a
	// "last handle removed" transition cannot be lost.
	regMu sync.Mutex

	mu      sync.RWMutex
	threads map[string]map[string]*entry
	byID    map[SubscriptionID]*entry

	policy     config.DuplicatePolicy
	onPresence func(threadID, principalID string, online bool)
	log        *slog.Logger
}

func New(policy config.DuplicatePolicy, log *slog.Logger) *Registry {
	return &Registry{
		threads: make(map[string]map[string]*entry),
		byID:    make(map[SubscriptionID]*entry),
		policy:  policy,
		log:     log,
	}
}

// OnPresence installs the online/offline transition callback. Must be set
// before the first Register call.
func (r *Registry) OnPresence(fn func(threadID, principalID string, online bool)) {
	r.onPresence = fn
}

// Register attaches a live handle for (threadID, principalID). A principal
// has at most one handle per thread: depending on policy a duplicate either
// replaces (and closes) the stale handle or is rejected with
// ErrDuplicateSubscription.
func (r *Registry) Register(threadID, principalID string, h Handle) (SubscriptionID, error) {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	var stale Handle

	r.mu.Lock()
	tm := r.threads[threadID]
	if tm == nil {
		tm = make(map[string]*entry)
		r.threads[threadID] = tm
	}

	old, replaced := tm[principalID]
	if replaced {
		if r.policy == config.DuplicateReject {
			r.mu.Unlock()
			return "", models.ErrDuplicateSubscription
		}
		delete(r.byID, old.id)
		stale = old.handle
		metrics.LiveSubscriptions.Dec()
	}

	e := &entry{
		id:          SubscriptionID(uuid.NewString()),
		threadID:    threadID,
		principalID: principalID,
		handle:      h,
	}
	tm[principalID] = e
	r.byID[e.id] = e
	metrics.LiveSubscriptions.Inc()
	r.mu.Unlock()

	if stale != nil {
		r.log.Info("replaced duplicate subscription",
			"thread", threadID, "principal", principalID)
		stale.Close()
	}

	// The principal just became reachable in this thread unless a stale
	// handle was already holding the online state.
	if !replaced && r.onPresence != nil {
		r.onPresence(threadID, principalID, true)
	}

	return e.id, nil
}

// Unregister releases a subscription's handle. Idempotent: an already
// absent id is a no-op. Removing the principal's last handle for the
// thread fires an offline event.
func (r *Registry) Unregister(id SubscriptionID) {
	// Fast path without regMu: handle.Close implementations call back
	// into Unregister, and by the time they do the id is already gone.
	r.mu.RLock()
	_, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	r.regMu.Lock()
	defer r.regMu.Unlock()

	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)

	// Under the replace policy a newer handle may already own the
	// (thread, principal) slot; only remove the slot we still hold.
	tm := r.threads[e.threadID]
	lastHandle := tm[e.principalID] == e
	if lastHandle {
		delete(tm, e.principalID)
		if len(tm) == 0 {
			delete(r.threads, e.threadID)
		}
	}
	metrics.LiveSubscriptions.Dec()
	r.mu.Unlock()

	e.handle.Close()

	if lastHandle && r.onPresence != nil {
		r.onPresence(e.threadID, e.principalID, false)
	}
}

// ListOnline returns the principals currently reachable in the thread.
func (r *Registry) ListOnline(threadID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tm := r.threads[threadID]
	online := make([]string, 0, len(tm))
	for principalID := range tm {
		online = append(online, principalID)
	}
	sort.Strings(online)
	return online
}

// Broadcast delivers the frame to every live handle in the thread and
// reports how many deliveries succeeded and how many were dropped.
func (r *Registry) Broadcast(threadID string, frame models.ServerFrame) (delivered, dropped int) {
	return r.BroadcastExcept(threadID, "", frame)
}

// BroadcastExcept is Broadcast minus one principal's handle, used for
// presence signals that should not echo back to their originator.
func (r *Registry) BroadcastExcept(threadID, exceptPrincipalID string, frame models.ServerFrame) (delivered, dropped int) {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.threads[threadID]))
	for principalID, e := range r.threads[threadID] {
		if principalID == exceptPrincipalID {
			continue
		}
		handles = append(handles, e.handle)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		if h.Deliver(frame) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}
