package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veranda/internal/models"
)

// fakeLog appends in memory and stamps commit order into CreatedAt.
type fakeLog struct {
	mu   sync.Mutex
	next int64
	err  error
}

func (l *fakeLog) Append(_ context.Context, threadID, authorID string, c models.Content) (models.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return models.Message{}, l.err
	}
	l.next++
	return models.Message{
		ID:        fmt.Sprintf("m%d", l.next),
		ThreadID:  threadID,
		AuthorID:  authorID,
		Content:   c,
		CreatedAt: l.next,
	}, nil
}

type fakeFanout struct {
	mu     sync.Mutex
	frames map[string][]models.ServerFrame
	drop   int
}

func (f *fakeFanout) Broadcast(threadID string, frame models.ServerFrame) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frames == nil {
		f.frames = make(map[string][]models.ServerFrame)
	}
	f.frames[threadID] = append(f.frames[threadID], frame)
	return 1, f.drop
}

func text(s string) models.Content {
	return models.Content{Kind: models.ContentKindText, Text: s}
}

func TestCommitFansOut(t *testing.T) {
	store := &fakeLog{}
	sink := &fakeFanout{}
	r := New(store, sink, slog.Default())

	msg, err := r.Commit(context.Background(), "t1", "alice", text("hello"))
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.AuthorID)

	require.Len(t, sink.frames["t1"], 1)
	frame := sink.frames["t1"][0]
	assert.Equal(t, models.ServerFrameTypeMessages, frame.Type)
	require.Len(t, frame.Messages, 1)
	assert.Equal(t, msg.ID, frame.Messages[0].ID)
}

func TestCommitRejectedNotFannedOut(t *testing.T) {
	store := &fakeLog{err: models.ErrPublishRejected}
	sink := &fakeFanout{}
	r := New(store, sink, slog.Default())

	_, err := r.Commit(context.Background(), "t1", "mallory", text("hi"))
	assert.ErrorIs(t, err, models.ErrPublishRejected)
	assert.Empty(t, sink.frames, "rejected append must not reach any connection")
}

func TestCommitOrderPreserved(t *testing.T) {
	store := &fakeLog{}
	sink := &fakeFanout{}
	r := New(store, sink, slog.Default())

	// Hammer one thread from many goroutines; delivery order must match
	// the commit order the log assigned.
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Commit(context.Background(), "t1", "alice", text("x"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	frames := sink.frames["t1"]
	require.Len(t, frames, n)
	var prev int64
	for _, f := range frames {
		require.Len(t, f.Messages, 1)
		assert.Greater(t, f.Messages[0].CreatedAt, prev, "delivery must follow commit order")
		prev = f.Messages[0].CreatedAt
	}
}

func TestThreadsIndependent(t *testing.T) {
	store := &fakeLog{}
	sink := &fakeFanout{}
	r := New(store, sink, slog.Default())

	_, err := r.Commit(context.Background(), "t1", "alice", text("a"))
	require.NoError(t, err)
	_, err = r.Commit(context.Background(), "t2", "bob", text("b"))
	require.NoError(t, err)

	assert.Len(t, sink.frames["t1"], 1)
	assert.Len(t, sink.frames["t2"], 1)
}
