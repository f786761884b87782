package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"veranda/internal/models"
	"veranda/internal/notify"
	"veranda/internal/registry"
)

const incomingBuffer = 128

// Subscription is the runtime binding of one principal to one thread: the
// merged backlog+live message view, the composer typing state machine and
// the command surface (send, react, mark-read).
type Subscription struct {
	engine      *Engine
	threadID    string
	principalID string
	cb          Callbacks
	regID       registry.SubscriptionID

	incoming chan models.ServerFrame
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	closeOnce sync.Once

	mu          sync.Mutex
	entries     []Entry
	known       map[string]struct{}
	provisional map[string]models.Content
	lastSeen    int64

	typing      bool
	beatLimiter *rate.Limiter
	idleTimer   *time.Timer

	notifier *notify.Dispatcher
}

func (s *Subscription) ThreadID() string    { return s.threadID }
func (s *Subscription) PrincipalID() string { return s.principalID }

// Done is closed once the subscription worker has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Deliver implements registry.Handle. It never blocks: a full or closed
// subscription reports false and the frame is dropped, to be recovered by
// Reconcile.
func (s *Subscription) Deliver(f models.ServerFrame) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.incoming <- f:
		return true
	default:
		return false
	}
}

// Close tears the subscription down: cancels any in-flight backlog fetch,
// releases the registry handle and stops the typing state machine. Safe to
// call any number of times; double close is a no-op.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		wasTyping := s.typing
		s.typing = false
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		s.mu.Unlock()

		if wasTyping {
			s.engine.pres.SetTyping(s.threadID, s.principalID, false)
		}

		s.engine.reg.Unregister(s.regID)
	})
}

func (s *Subscription) run() {
	defer close(s.done)
	// Cancelling the Open ctx must tear down like an explicit Close:
	// release the registry handle so the principal does not stay online.
	defer s.Close()

	backlog, ok := s.fetchBacklog()
	if !ok {
		return
	}
	early := s.drainDuringBacklog()
	s.seed(backlog, early)

	for {
		select {
		case f := <-s.incoming:
			s.handleFrame(f)
		case <-s.ctx.Done():
			return
		}
	}
}

// fetchBacklog loads the most recent page from the log under the configured
// timeout. A failure is surfaced but leaves the live stream running; the
// caller can Reconcile to retry. Returns ok=false only on shutdown.
func (s *Subscription) fetchBacklog() ([]models.Message, bool) {
	bctx, bcancel := context.WithTimeout(s.ctx, s.engine.cfg.BacklogTimeout)
	defer bcancel()

	type result struct {
		msgs []models.Message
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		msgs, err := s.engine.store.LastPage(bctx, s.threadID, s.engine.cfg.BacklogLimit)
		resCh <- result{msgs, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			if s.ctx.Err() != nil {
				return nil, false
			}
			err := res.err
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %v", models.ErrBackfillTimeout, err)
			}
			s.emitError(err)
			return nil, true
		}
		return res.msgs, true
	case <-s.ctx.Done():
		return nil, false
	}
}

// drainDuringBacklog collects live messages that raced the backlog fetch
// into the incoming buffer. Presence frames are forwarded right away; no
// ordering is promised between presence and message events.
func (s *Subscription) drainDuringBacklog() []models.Message {
	var early []models.Message
	for {
		select {
		case f := <-s.incoming:
			switch f.Type {
			case models.ServerFrameTypeMessages:
				early = append(early, f.Messages...)
			case models.ServerFrameTypePresence:
				s.emitPresence(f.Presence)
			}
		default:
			return early
		}
	}
}

// seed installs the merged view: the backlog page united with any live
// messages that arrived before the fetch completed, deduplicated by id and
// ordered by (timestamp, id). Backlog messages predate the session and do
// not alert; early live ones go through the notifier.
func (s *Subscription) seed(backlog, early []models.Message) {
	s.mu.Lock()
	for _, m := range backlog {
		if s.insertLocked(Entry{Message: m}) {
			s.notifier.Observe(m)
		}
	}
	for _, m := range early {
		s.insertLocked(Entry{Message: m})
	}
	view := s.snapshotLocked()
	s.mu.Unlock()

	for _, e := range view {
		s.emitMessage(e)
	}
	for _, m := range early {
		s.notifier.Deliver(m)
	}
}

func (s *Subscription) handleFrame(f models.ServerFrame) {
	switch f.Type {
	case models.ServerFrameTypeMessages:
		for _, m := range f.Messages {
			s.applyLive(m)
		}
	case models.ServerFrameTypePresence:
		s.emitPresence(f.Presence)
	}
}

func (s *Subscription) applyLive(m models.Message) {
	s.mu.Lock()
	inserted := s.insertLocked(Entry{Message: m})
	s.mu.Unlock()

	if !inserted {
		return
	}
	s.emitMessage(Entry{Message: m})
	s.notifier.Deliver(m)
}

// insertLocked adds the entry to the ordered view unless its id is already
// known. Returns whether it was inserted.
func (s *Subscription) insertLocked(e Entry) bool {
	if _, ok := s.known[e.ID]; ok {
		return false
	}
	s.known[e.ID] = struct{}{}

	i := sort.Search(len(s.entries), func(i int) bool {
		return e.Message.Less(s.entries[i].Message)
	})
	s.entries = append(s.entries, Entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e

	if !e.Pending && e.CreatedAt > s.lastSeen {
		s.lastSeen = e.CreatedAt
	}
	return true
}

func (s *Subscription) removeLocked(id string) (Entry, bool) {
	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			delete(s.known, id)
			return e, true
		}
	}
	return Entry{}, false
}

// Send constructs a provisional message, renders it optimistically and
// submits it to the log in the background. The returned provisional id is
// reconciled through OnAck or flagged failed through OnMessage/OnError.
func (s *Subscription) Send(c models.Content) string {
	prov := Entry{
		Message: models.Message{
			ID:        uuid.NewString(),
			ThreadID:  s.threadID,
			AuthorID:  s.principalID,
			Content:   c,
			CreatedAt: time.Now().UnixMilli(),
		},
		Pending: true,
	}

	s.mu.Lock()
	s.insertLocked(prov)
	s.provisional[prov.ID] = c
	s.mu.Unlock()

	s.emitMessage(prov)

	// Sending ends the typing burst.
	s.stopTyping()

	go s.submit(prov.ID, c)
	return prov.ID
}

// Retry resubmits a failed provisional message.
func (s *Subscription) Retry(provisionalID string) error {
	s.mu.Lock()
	c, ok := s.provisional[provisionalID]
	if ok {
		for i := range s.entries {
			if s.entries[i].ID == provisionalID {
				s.entries[i].Failed = false
				s.entries[i].Pending = true
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no provisional message %s", models.ErrNotFound, provisionalID)
	}

	go s.submit(provisionalID, c)
	return nil
}

func (s *Subscription) submit(provisionalID string, c models.Content) {
	msg, err := s.engine.router.Commit(s.ctx, s.threadID, s.principalID, c)
	if err != nil {
		s.mu.Lock()
		var failed Entry
		for i := range s.entries {
			if s.entries[i].ID == provisionalID {
				s.entries[i].Pending = false
				s.entries[i].Failed = true
				failed = s.entries[i]
			}
		}
		s.mu.Unlock()

		// The failed entry stays visible with a retry affordance.
		if failed.ID != "" {
			s.emitMessage(failed)
		}
		s.emitError(err)
		return
	}

	s.mu.Lock()
	s.removeLocked(provisionalID)
	delete(s.provisional, provisionalID)
	// The fan-out copy may have landed first; the insert is a no-op then.
	freshly := s.insertLocked(Entry{Message: msg})
	s.mu.Unlock()

	if s.cb.OnAck != nil {
		s.cb.OnAck(models.SendAck{ProvisionalID: provisionalID, Message: msg})
	}
	if freshly {
		s.emitMessage(Entry{Message: msg})
	}
}

// Keystroke is the composer hook. The first keystroke of a burst emits
// typing-start; while typing, heartbeats go out at most once per heartbeat
// interval; local inactivity for the expiry window emits typing-stop.
func (s *Subscription) Keystroke() {
	s.mu.Lock()
	start := !s.typing
	if start {
		s.typing = true
		s.beatLimiter.Allow() // burn the token the start signal represents
	}
	beat := !start && s.beatLimiter.Allow()

	if s.idleTimer == nil {
		s.idleTimer = time.AfterFunc(s.engine.cfg.TypingExpiry, s.localIdle)
	} else {
		s.idleTimer.Reset(s.engine.cfg.TypingExpiry)
	}
	s.mu.Unlock()

	// Fire-and-forget; never blocks the composer.
	if start || beat {
		s.engine.pres.SetTyping(s.threadID, s.principalID, true)
	}
}

// SetTyping is the explicit typing control from the engine's public
// surface: true behaves like a keystroke, false is an explicit stop.
func (s *Subscription) SetTyping(active bool) {
	if active {
		s.Keystroke()
		return
	}
	s.stopTyping()
}

func (s *Subscription) localIdle() {
	s.stopTyping()
}

func (s *Subscription) stopTyping() {
	s.mu.Lock()
	wasTyping := s.typing
	s.typing = false
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.mu.Unlock()

	if wasTyping {
		s.engine.pres.SetTyping(s.threadID, s.principalID, false)
	}
}

// React toggles the principal's reaction on a message: the same emoji
// clears it, a different one replaces it.
func (s *Subscription) React(ctx context.Context, messageID, emoji string) error {
	s.mu.Lock()
	target := emoji
	found := false
	for i := range s.entries {
		if s.entries[i].ID != messageID {
			continue
		}
		found = true
		if current, ok := s.entries[i].ReactionOf(s.principalID); ok && current == emoji {
			target = ""
		}
		s.entries[i].Reactions = setReaction(s.entries[i].Reactions, s.principalID, target)
		break
	}
	s.mu.Unlock()

	if !found {
		return fmt.Errorf("%w: message %s", models.ErrNotFound, messageID)
	}

	return s.engine.store.SetReaction(ctx, s.threadID, messageID, s.principalID, target)
}

// MarkRead acknowledges a message as read by the local principal.
func (s *Subscription) MarkRead(ctx context.Context, messageID string) error {
	s.mu.Lock()
	for i := range s.entries {
		if s.entries[i].ID == messageID {
			s.entries[i].ReadBy = appendUnique(s.entries[i].ReadBy, s.principalID)
			break
		}
	}
	s.mu.Unlock()

	return s.engine.store.MarkRead(ctx, s.threadID, messageID, s.principalID)
}

// Reconcile re-fetches messages newer than the last locally-known one and
// merges them into the view. Used after a reconnect and as the manual retry
// for a failed backlog fetch.
func (s *Subscription) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	since := s.lastSeen
	s.mu.Unlock()

	rctx, rcancel := context.WithTimeout(ctx, s.engine.cfg.BacklogTimeout)
	defer rcancel()

	msgs, err := s.engine.store.ListSince(rctx, s.threadID, since, 0)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", models.ErrBackfillTimeout, err)
		}
		s.emitError(err)
		return err
	}

	for _, m := range msgs {
		s.applyLive(m)
	}
	return nil
}

// Messages returns a copy of the merged view in the thread's total order.
func (s *Subscription) Messages() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Subscription) snapshotLocked() []Entry {
	return append([]Entry(nil), s.entries...)
}

// Online returns the thread members currently reachable.
func (s *Subscription) Online() []string {
	return s.engine.reg.ListOnline(s.threadID)
}

// TypingUsers returns the other members currently typing in the thread.
func (s *Subscription) TypingUsers() []string {
	users := s.engine.pres.TypingUsers(s.threadID)
	filtered := users[:0]
	for _, u := range users {
		if u != s.principalID {
			filtered = append(filtered, u)
		}
	}
	return filtered
}

func (s *Subscription) SetMuted(muted bool) { s.notifier.SetMuted(muted) }
func (s *Subscription) Muted() bool         { return s.notifier.Muted() }

func (s *Subscription) emitMessage(e Entry) {
	if s.cb.OnMessage != nil {
		s.cb.OnMessage(e)
	}
}

func (s *Subscription) emitPresence(p *models.PresenceEvent) {
	if p != nil && s.cb.OnPresence != nil {
		s.cb.OnPresence(*p)
	}
}

func (s *Subscription) emitError(err error) {
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

func setReaction(reactions []models.Reaction, principalID, emoji string) []models.Reaction {
	kept := reactions[:0]
	for _, r := range reactions {
		if r.UserID != principalID {
			kept = append(kept, r)
		}
	}
	if emoji != "" {
		kept = append(kept, models.Reaction{Emoji: emoji, UserID: principalID})
	}
	return kept
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
