package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"veranda/internal/models"
	"veranda/internal/session"
)

const toClientBuffer = 256

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type sessionEngine interface {
	Open(ctx context.Context, threadID, principalID string, cb session.Callbacks) (*session.Subscription, error)
}

// Connection multiplexes one authenticated websocket over any number of
// thread subscriptions. Client frames carry commands; subscription
// callbacks stream server frames back.
type Connection struct {
	ws          wsConnection
	engine      sessionEngine
	principalID string
	log         *slog.Logger

	fromClient chan models.ClientFrame
	toClient   chan models.ServerFrame
	errorCh    chan error

	subs map[string]*session.Subscription

	// provMu guards the mapping from subscription-side provisional ids to
	// the ids the remote client generated, so acks land on the right
	// optimistic render.
	provMu sync.Mutex
	prov   map[string]string
}

func NewConnection(engine sessionEngine, ws wsConnection, principalID string, log *slog.Logger) *Connection {
	return &Connection{
		ws:          ws,
		engine:      engine,
		principalID: principalID,
		log:         log,
		fromClient:  make(chan models.ClientFrame),
		toClient:    make(chan models.ServerFrame, toClientBuffer),
		errorCh:     make(chan error, 2),
		subs:        make(map[string]*session.Subscription),
		prov:        make(map[string]string),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		for _, sub := range c.subs {
			sub.Close()
		}
		close(c.fromClient)
		close(c.errorCh)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpFrames(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpFrames(ctx context.Context) error {
	for {
		var f models.ClientFrame
		if err := c.ws.ReadJSON(&f); err != nil {
			return fmt.Errorf("%w: %v", models.ErrConnectionLost, err)
		}
		select {
		case c.fromClient <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case f := <-c.fromClient:
			c.processClientFrame(ctx, f)
		case f := <-c.toClient:
			if err := c.ws.WriteJSON(f); err != nil {
				return fmt.Errorf("%w: %v", models.ErrConnectionLost, err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientFrame(ctx context.Context, f models.ClientFrame) {
	if f.Type == models.ClientFrameTypeSubscribe {
		c.subscribe(ctx, f.ThreadID)
		return
	}

	sub, ok := c.subs[f.ThreadID]
	if !ok {
		c.sendError(f.ThreadID, "not subscribed")
		return
	}

	switch f.Type {
	case models.ClientFrameTypeUnsubscribe:
		sub.Close()
		delete(c.subs, f.ThreadID)
	case models.ClientFrameTypeSend:
		if f.Content == nil {
			c.sendError(f.ThreadID, "send requires content")
			return
		}
		subProv := sub.Send(*f.Content)
		if f.ProvisionalID != "" {
			c.provMu.Lock()
			c.prov[subProv] = f.ProvisionalID
			c.provMu.Unlock()
		}
	case models.ClientFrameTypeTyping:
		sub.SetTyping(f.Typing)
	case models.ClientFrameTypeReact:
		if err := sub.React(ctx, f.MessageID, f.Emoji); err != nil {
			c.sendError(f.ThreadID, err.Error())
		}
	case models.ClientFrameTypeRead:
		if err := sub.MarkRead(ctx, f.MessageID); err != nil {
			c.sendError(f.ThreadID, err.Error())
		}
	case models.ClientFrameTypeMute:
		sub.SetMuted(f.Muted)
	default:
		c.sendError(f.ThreadID, "unknown frame type")
	}
}

func (c *Connection) subscribe(ctx context.Context, threadID string) {
	if old, ok := c.subs[threadID]; ok {
		// Re-subscribe replaces the previous binding.
		old.Close()
		delete(c.subs, threadID)
	}

	sub, err := c.engine.Open(ctx, threadID, c.principalID, session.Callbacks{
		OnMessage: func(e session.Entry) {
			// The remote client renders its own optimistic entries;
			// only committed messages and failures cross the wire.
			if e.Pending {
				return
			}
			if e.Failed {
				c.push(models.ServerFrame{
					Type:     models.ServerFrameTypeError,
					ThreadID: threadID,
					Error:    "publish rejected",
					Ack:      &models.SendAck{ProvisionalID: c.clientProvisional(e.ID)},
				})
				return
			}
			c.push(models.ServerFrame{
				Type:     models.ServerFrameTypeMessages,
				ThreadID: threadID,
				Messages: []models.Message{e.Message},
			})
		},
		OnAck: func(a models.SendAck) {
			a.ProvisionalID = c.clientProvisional(a.ProvisionalID)
			c.push(models.ServerFrame{
				Type:     models.ServerFrameTypeAck,
				ThreadID: threadID,
				Ack:      &a,
			})
		},
		OnPresence: func(p models.PresenceEvent) {
			c.push(models.ServerFrame{
				Type:     models.ServerFrameTypePresence,
				ThreadID: threadID,
				Presence: &p,
			})
		},
		OnError: func(err error) {
			c.sendError(threadID, err.Error())
		},
	})
	if err != nil {
		c.sendError(threadID, err.Error())
		return
	}

	c.subs[threadID] = sub
}

// clientProvisional maps a subscription-side provisional id back to the id
// the client generated. Falls back to the original when the client never
// supplied one.
func (c *Connection) clientProvisional(subProv string) string {
	c.provMu.Lock()
	defer c.provMu.Unlock()
	if clientID, ok := c.prov[subProv]; ok {
		delete(c.prov, subProv)
		return clientID
	}
	return subProv
}

func (c *Connection) sendError(threadID, msg string) {
	c.push(models.ServerFrame{
		Type:     models.ServerFrameTypeError,
		ThreadID: threadID,
		Error:    msg,
	})
}

func (c *Connection) push(f models.ServerFrame) {
	select {
	case c.toClient <- f:
	default:
		// Slow consumer; the client's reconnect path reconciles.
		c.log.Warn("dropping frame for slow client",
			"principal", c.principalID, "type", f.Type)
	}
}
