package session

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"veranda/internal/config"
	"veranda/internal/models"
	"veranda/internal/notify"
	"veranda/internal/registry"
)

// store is the slice of the durable message log the session consumes.
type store interface {
	Thread(ctx context.Context, threadID string) (models.Thread, error)
	LastPage(ctx context.Context, threadID string, limit int) ([]models.Message, error)
	ListSince(ctx context.Context, threadID string, sinceTS int64, limit int) ([]models.Message, error)
	SetReaction(ctx context.Context, threadID, messageID, principalID, emoji string) error
	MarkRead(ctx context.Context, threadID, messageID, principalID string) error
}

type committer interface {
	Commit(ctx context.Context, threadID, authorID string, c models.Content) (models.Message, error)
}

type connections interface {
	Register(threadID, principalID string, h registry.Handle) (registry.SubscriptionID, error)
	Unregister(id registry.SubscriptionID)
	ListOnline(threadID string) []string
}

type typingSignals interface {
	SetTyping(threadID, principalID string, active bool)
	TypingUsers(threadID string) []string
}

// Callbacks are the registration points a subscription reports through.
// They may be invoked from multiple goroutines; message callbacks for one
// subscription arrive in the thread's total order.
type Callbacks struct {
	// OnMessage fires for every entry entering the merged view: backlog,
	// live deliveries, optimistic sends and their failure updates.
	OnMessage func(Entry)
	// OnAck fires when a provisional send is confirmed; the provisional
	// entry must be replaced with the authoritative message.
	OnAck func(models.SendAck)
	// OnPresence fires for ephemeral online/typing transitions of other
	// thread members.
	OnPresence func(models.PresenceEvent)
	// OnError fires for surfaced failures: rejected sends, backfill
	// timeouts. No error here terminates the subscription.
	OnError func(error)
}

// Entry is one message in the subscription's merged view. Pending marks an
// optimistic render that the log has not confirmed yet; Failed marks a
// rejected send kept visible for retry.
type Entry struct {
	models.Message
	Pending bool
	Failed  bool
}

// Engine ties the conversation components together and opens per-thread
// subscriptions. All collaborators are passed in explicitly; the engine
// holds no ambient globals.
type Engine struct {
	cfg     *config.Config
	store   store
	router  committer
	reg     connections
	pres    typingSignals
	alerter notify.Alerter
	log     *slog.Logger
}

func NewEngine(cfg *config.Config, store store, router committer, reg connections, pres typingSignals, alerter notify.Alerter, log *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		store:   store,
		router:  router,
		reg:     reg,
		pres:    pres,
		alerter: alerter,
		log:     log,
	}
}

// Open binds the principal to the thread: registers a live delivery handle,
// kicks off the backlog fetch and starts the subscription worker. The
// subscription lives until Close or until ctx is cancelled.
func (e *Engine) Open(ctx context.Context, threadID, principalID string, cb Callbacks) (*Subscription, error) {
	t, err := e.store.Thread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to open thread %s: %w", threadID, err)
	}
	if !t.HasMember(principalID) {
		return nil, fmt.Errorf("%w: %s in %s", models.ErrNotMember, principalID, threadID)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		engine:      e,
		threadID:    threadID,
		principalID: principalID,
		cb:          cb,
		incoming:    make(chan models.ServerFrame, incomingBuffer),
		ctx:         sctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		known:       make(map[string]struct{}),
		provisional: make(map[string]models.Content),
		beatLimiter: rate.NewLimiter(rate.Every(e.cfg.TypingHeartbeat), 1),
		notifier:    notify.NewDispatcher(principalID, e.alerter, e.log),
	}

	regID, err := e.reg.Register(threadID, principalID, s)
	if err != nil {
		cancel()
		return nil, err
	}
	s.regID = regID

	go s.run()

	return s, nil
}
