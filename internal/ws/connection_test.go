package ws

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veranda/internal/config"
	"veranda/internal/models"
	"veranda/internal/msglog"
	"veranda/internal/presence"
	"veranda/internal/registry"
	"veranda/internal/router"
	"veranda/internal/session"
)

var errSocketClosed = errors.New("socket closed")

// fakeSocket feeds client frames in and captures server frames out.
type fakeSocket struct {
	in     chan models.ClientFrame
	out    chan models.ServerFrame
	closed chan struct{}
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan models.ClientFrame, 16),
		out:    make(chan models.ServerFrame, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadJSON(v interface{}) error {
	select {
	case f := <-s.in:
		*v.(*models.ClientFrame) = f
		return nil
	case <-s.closed:
		return errSocketClosed
	}
}

func (s *fakeSocket) WriteJSON(v interface{}) error {
	select {
	case s.out <- v.(models.ServerFrame):
		return nil
	case <-s.closed:
		return errSocketClosed
	}
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// expect pulls frames until one matches, failing on timeout.
func (s *fakeSocket) expect(t *testing.T, match func(models.ServerFrame) bool) models.ServerFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-s.out:
			if match(f) {
				return f
			}
		case <-deadline:
			t.Fatal("timed out waiting for frame")
		}
	}
}

type nopAlerter struct{}

func (nopAlerter) Alert(string, models.Message) error { return nil }

type harness struct {
	engine *session.Engine
	store  *msglog.BboltLog
	thread models.Thread
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := &config.Config{
		TypingExpiry:    100 * time.Millisecond,
		TypingHeartbeat: 20 * time.Millisecond,
		BacklogLimit:    50,
		BacklogTimeout:  time.Second,
		DuplicatePolicy: config.DuplicateReplace,
	}
	log := slog.Default()

	store, err := msglog.NewBboltLog(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(cfg.DuplicatePolicy, log)
	pres := presence.New(cfg.TypingExpiry, reg, log)
	reg.OnPresence(pres.SetOnline)
	rt := router.New(store, reg, log)

	thread, err := store.CreateThread(context.Background(), models.ThreadKindDirect, "", []string{"alice", "bob"})
	require.NoError(t, err)

	return &harness{
		engine: session.NewEngine(cfg, store, rt, reg, pres, nopAlerter{}, log),
		store:  store,
		thread: thread,
	}
}

// connect attaches a fake socket as the given principal and subscribes it
// to the thread.
func (h *harness) connect(t *testing.T, principalID string) *fakeSocket {
	t.Helper()

	sock := newFakeSocket()
	conn := NewConnection(h.engine, sock, principalID, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = conn.Handle(ctx) }()

	sock.in <- models.ClientFrame{Type: models.ClientFrameTypeSubscribe, ThreadID: h.thread.ID}
	t.Cleanup(func() { _ = sock.Close() })
	return sock
}

func TestSendIsDeliveredToPeer(t *testing.T) {
	h := newHarness(t)

	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	alice.in <- models.ClientFrame{
		Type:          models.ClientFrameTypeSend,
		ThreadID:      h.thread.ID,
		ProvisionalID: "client-prov-1",
		Content:       &models.Content{Kind: models.ContentKindText, Text: "hello"},
	}

	// Bob sees exactly one message event with the right author/content.
	f := bob.expect(t, func(f models.ServerFrame) bool {
		return f.Type == models.ServerFrameTypeMessages && len(f.Messages) == 1
	})
	assert.Equal(t, "alice", f.Messages[0].AuthorID)
	assert.Equal(t, "hello", f.Messages[0].Content.Text)

	// Alice gets the ack reconciling her client-generated provisional id.
	ack := alice.expect(t, func(f models.ServerFrame) bool {
		return f.Type == models.ServerFrameTypeAck
	})
	require.NotNil(t, ack.Ack)
	assert.Equal(t, "client-prov-1", ack.Ack.ProvisionalID)
	assert.Equal(t, "alice", ack.Ack.Message.AuthorID)
}

func TestTypingIsBroadcastAndExpires(t *testing.T) {
	h := newHarness(t)

	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	// Let both subscriptions settle (bob's online event reaches alice).
	alice.expect(t, func(f models.ServerFrame) bool {
		return f.Type == models.ServerFrameTypePresence && f.Presence.UserID == "bob" && f.Presence.Online
	})

	bob.in <- models.ClientFrame{Type: models.ClientFrameTypeTyping, ThreadID: h.thread.ID, Typing: true}

	f := alice.expect(t, func(f models.ServerFrame) bool {
		return f.Type == models.ServerFrameTypePresence && f.Presence.UserID == "bob" && f.Presence.Typing
	})
	assert.True(t, f.Presence.Online)

	// No stop signal: expiry alone must flip bob back to idle.
	f = alice.expect(t, func(f models.ServerFrame) bool {
		return f.Type == models.ServerFrameTypePresence && f.Presence.UserID == "bob" && !f.Presence.Typing
	})
	assert.True(t, f.Presence.Online, "expiry clears typing, not online")
}

func TestReconnectBackfillsMissedMessages(t *testing.T) {
	h := newHarness(t)

	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	alice.in <- models.ClientFrame{
		Type:     models.ClientFrameTypeSend,
		ThreadID: h.thread.ID,
		Content:  &models.Content{Kind: models.ContentKindText, Text: "hello"},
	}
	first := bob.expect(t, func(f models.ServerFrame) bool {
		return f.Type == models.ServerFrameTypeMessages
	})

	// Bob drops; alice keeps talking.
	_ = bob.Close()
	alice.in <- models.ClientFrame{
		Type:     models.ClientFrameTypeSend,
		ThreadID: h.thread.ID,
		Content:  &models.Content{Kind: models.ContentKindText, Text: "still there?"},
	}
	alice.expect(t, func(f models.ServerFrame) bool {
		return f.Type == models.ServerFrameTypeAck
	})

	// Fresh connection: the backlog page carries both messages, the one
	// bob already had and the one he missed, each exactly once.
	bob2 := h.connect(t, "bob")
	var got []models.Message
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case f := <-bob2.out:
			if f.Type == models.ServerFrameTypeMessages {
				got = append(got, f.Messages...)
			}
		case <-deadline:
			t.Fatalf("expected 2 backlog messages, got %d", len(got))
		}
	}

	require.Len(t, got, 2)
	assert.Equal(t, first.Messages[0].ID, got[0].ID)
	assert.Equal(t, "still there?", got[1].Content.Text)
	assert.True(t, got[0].Less(got[1]), "backlog must come back in commit order")
}

func TestReactionRoundTrip(t *testing.T) {
	h := newHarness(t)

	alice := h.connect(t, "alice")

	alice.in <- models.ClientFrame{
		Type:     models.ClientFrameTypeSend,
		ThreadID: h.thread.ID,
		Content:  &models.Content{Kind: models.ContentKindText, Text: "react to me"},
	}
	ack := alice.expect(t, func(f models.ServerFrame) bool {
		return f.Type == models.ServerFrameTypeAck
	})

	alice.in <- models.ClientFrame{
		Type:      models.ClientFrameTypeReact,
		ThreadID:  h.thread.ID,
		MessageID: ack.Ack.Message.ID,
		Emoji:     "👍",
	}

	require.Eventually(t, func() bool {
		msgs, err := h.store.ListSince(context.Background(), h.thread.ID, 0, 0)
		require.NoError(t, err)
		if len(msgs) != 1 {
			return false
		}
		emoji, ok := msgs[0].ReactionOf("alice")
		return ok && emoji == "👍"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnsubscribedCommandsError(t *testing.T) {
	h := newHarness(t)

	sock := newFakeSocket()
	conn := NewConnection(h.engine, sock, "alice", slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = conn.Handle(ctx) }()
	t.Cleanup(func() { _ = sock.Close() })

	sock.in <- models.ClientFrame{
		Type:     models.ClientFrameTypeSend,
		ThreadID: h.thread.ID,
		Content:  &models.Content{Kind: models.ContentKindText, Text: "hi"},
	}

	f := sock.expect(t, func(f models.ServerFrame) bool {
		return f.Type == models.ServerFrameTypeError
	})
	assert.Equal(t, "not subscribed", f.Error)
}
