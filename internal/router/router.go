package router

import (
	"context"
	"log/slog"
	"sync"

	"veranda/internal/metrics"
	"veranda/internal/models"
)

// appendLog is the slice of the durable message log the router consumes.
type appendLog interface {
	Append(ctx context.Context, threadID, authorID string, c models.Content) (models.Message, error)
}

// fanout is the registry view the router reads: live handles per thread.
// The router never mutates registry state.
type fanout interface {
	Broadcast(threadID string, frame models.ServerFrame) (delivered, dropped int)
}

// Router pushes each committed message to every currently-connected member
// of its thread. It does not persist or retry: a handle that cannot accept
// the frame is skipped, and the subscriber's reconnect path reconciles from
// the log.
type Router struct {
	store appendLog
	reg   fanout
	log   *slog.Logger

	mu      sync.Mutex
	threads map[string]*sync.Mutex
}

func New(store appendLog, reg fanout, log *slog.Logger) *Router {
	return &Router{
		store:   store,
		reg:     reg,
		log:     log,
		threads: make(map[string]*sync.Mutex),
	}
}

// Commit appends the message to the durable log and fans it out. Append and
// fan-out run under a per-thread lock, so every connection observes the
// thread's messages in commit order. No cross-thread ordering is promised.
func (r *Router) Commit(ctx context.Context, threadID, authorID string, c models.Content) (models.Message, error) {
	mu := r.threadLock(threadID)
	mu.Lock()
	defer mu.Unlock()

	msg, err := r.store.Append(ctx, threadID, authorID, c)
	if err != nil {
		return models.Message{}, err
	}

	r.Publish(threadID, msg)
	return msg, nil
}

// Publish fans out an already-committed message. Callers that bypass Commit
// must serialize publishes per thread themselves.
func (r *Router) Publish(threadID string, msg models.Message) {
	delivered, dropped := r.reg.Broadcast(threadID, models.ServerFrame{
		Type:     models.ServerFrameTypeMessages,
		ThreadID: threadID,
		Messages: []models.Message{msg},
	})

	metrics.FanoutDelivered.Add(float64(delivered))
	if dropped > 0 {
		metrics.FanoutDropped.Add(float64(dropped))
		r.log.Warn("dropped fan-out deliveries",
			"thread", threadID, "message", msg.ID, "dropped", dropped)
	}
}

func (r *Router) threadLock(threadID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	mu, ok := r.threads[threadID]
	if !ok {
		mu = &sync.Mutex{}
		r.threads[threadID] = mu
	}
	return mu
}
