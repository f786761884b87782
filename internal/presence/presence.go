package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"veranda/internal/metrics"
	"veranda/internal/models"
)

// broadcaster is the slice of the connection registry presence needs:
// pushing a frame to everyone in a thread except the originator.
type broadcaster interface {
	BroadcastExcept(threadID, exceptPrincipalID string, frame models.ServerFrame) (delivered, dropped int)
}

type key struct {
	threadID    string
	principalID string
}

// state is the ephemeral per (thread, principal) presence record. It holds
// no durable identity: disconnect deletes it and a reconnect starts fresh.
type state struct {
	online   bool
	typing   bool
	lastBeat time.Time
	timer    *time.Timer
}

// Broadcaster distributes ephemeral presence and typing signals within a
// thread. Typing state auto-expires when no heartbeat arrives within the
// configured window, so a lost stop signal cannot leave a stale indicator.
type Broadcaster struct {
	mu     sync.Mutex
	states map[key]*state

	expiry time.Duration
	sink   broadcaster
	now    func() time.Time
	log    *slog.Logger
}

func New(expiry time.Duration, sink broadcaster, log *slog.Logger) *Broadcaster {
	return &Broadcaster{
		states: make(map[key]*state),
		expiry: expiry,
		sink:   sink,
		now:    time.Now,
		log:    log,
	}
}

// SetOnline records a reachability transition and broadcasts it to the rest
// of the thread. Going offline drops the whole presence record, typing
// state included.
func (b *Broadcaster) SetOnline(threadID, principalID string, online bool) {
	k := key{threadID, principalID}

	b.mu.Lock()
	if online {
		st := b.states[k]
		if st == nil {
			st = &state{}
			b.states[k] = st
		}
		st.online = true
	} else {
		if st := b.states[k]; st != nil && st.timer != nil {
			st.timer.Stop()
		}
		delete(b.states, k)
	}
	b.mu.Unlock()

	b.broadcast(threadID, principalID, online, false)
}

// SetTyping handles typing-start signals and heartbeats (active=true) and
// explicit stops (active=false). Only real state transitions are broadcast;
// a heartbeat that merely refreshes the expiry timer stays silent.
func (b *Broadcaster) SetTyping(threadID, principalID string, active bool) {
	k := key{threadID, principalID}

	b.mu.Lock()
	st := b.states[k]
	if st == nil {
		if !active {
			b.mu.Unlock()
			return
		}
		st = &state{}
		b.states[k] = st
	}

	if active {
		st.lastBeat = b.now()
		if st.typing {
			st.timer.Reset(b.expiry)
			b.mu.Unlock()
			return
		}
		st.typing = true
		st.timer = time.AfterFunc(b.expiry, func() { b.expire(k) })
		online := st.online
		b.mu.Unlock()
		b.broadcast(threadID, principalID, online, true)
		return
	}

	if !st.typing {
		b.mu.Unlock()
		return
	}
	st.typing = false
	st.timer.Stop()
	st.timer = nil
	online := st.online
	b.mu.Unlock()

	b.broadcast(threadID, principalID, online, false)
}

// TypingUsers returns the principals currently marked typing in the thread,
// for seeding a freshly opened subscription.
func (b *Broadcaster) TypingUsers(threadID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var users []string
	for k, st := range b.states {
		if k.threadID == threadID && st.typing {
			users = append(users, k.principalID)
		}
	}
	sort.Strings(users)
	return users
}

func (b *Broadcaster) expire(k key) {
	b.mu.Lock()
	st := b.states[k]
	if st == nil || !st.typing {
		b.mu.Unlock()
		return
	}

	// A heartbeat may have raced the timer firing; re-arm instead of
	// clearing a still-fresh indicator.
	if since := b.now().Sub(st.lastBeat); since < b.expiry {
		st.timer = time.AfterFunc(b.expiry-since, func() { b.expire(k) })
		b.mu.Unlock()
		return
	}

	st.typing = false
	st.timer = nil
	online := st.online
	b.mu.Unlock()

	metrics.TypingExpired.Inc()
	b.log.Debug("typing indicator expired", "thread", k.threadID, "principal", k.principalID)
	b.broadcast(k.threadID, k.principalID, online, false)
}

func (b *Broadcaster) broadcast(threadID, principalID string, online, typing bool) {
	b.sink.BroadcastExcept(threadID, principalID, models.ServerFrame{
		Type:     models.ServerFrameTypePresence,
		ThreadID: threadID,
		Presence: &models.PresenceEvent{
			ThreadID: threadID,
			UserID:   principalID,
			Online:   online,
			Typing:   typing,
		},
	})
}
