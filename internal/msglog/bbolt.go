package msglog

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"veranda/internal/content"
	"veranda/internal/models"
)

var (
	bucketThreads      = []byte("threads")
	bucketMessages     = []byte("messages")
	bucketMessageIndex = []byte("message_index")
)

// BboltLog is the durable message log: an append-only per-thread store of
// messages plus thread membership lookup.
type BboltLog struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltLog(path string) (*BboltLog, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketThreads); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessageIndex); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltLog{db: db, now: time.Now}, nil
}

func (l *BboltLog) Close() error {
	return l.db.Close()
}

// CreateThread stores a new thread. A direct thread must have exactly two
// distinct members; membership is immutable afterwards.
func (l *BboltLog) CreateThread(ctx context.Context, kind models.ThreadKind, name string, members []string) (models.Thread, error) {
	if err := ctx.Err(); err != nil {
		return models.Thread{}, err
	}

	switch kind {
	case models.ThreadKindDirect:
		if len(members) != 2 || members[0] == members[1] {
			return models.Thread{}, fmt.Errorf("direct thread requires exactly two distinct members")
		}
	case models.ThreadKindGroup:
		if len(members) < 2 {
			return models.Thread{}, fmt.Errorf("group thread requires at least two members")
		}
	default:
		return models.Thread{}, fmt.Errorf("unknown thread kind %q", kind)
	}

	now := l.now().UnixMilli()
	dbt := &DBThread{
		ID:        uuid.NewString(),
		Kind:      string(kind),
		Name:      content.Sanitize(name),
		Members:   members,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := l.db.Update(func(tx *bbolt.Tx) error {
		data, err := dbt.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketThreads).Put(dbt.Key(), data)
	})
	if err != nil {
		return models.Thread{}, fmt.Errorf("failed to store thread: %w", err)
	}

	return dbt.toModel(), nil
}

func (l *BboltLog) Thread(ctx context.Context, threadID string) (models.Thread, error) {
	if err := ctx.Err(); err != nil {
		return models.Thread{}, err
	}

	var dbt DBThread
	err := l.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketThreads).Get([]byte(threadID))
		if data == nil {
			return models.ErrNotFound
		}
		return dbt.UnmarshalBinary(data)
	})
	if err != nil {
		return models.Thread{}, err
	}

	return dbt.toModel(), nil
}

func (l *BboltLog) MembersOf(ctx context.Context, threadID string) ([]string, error) {
	t, err := l.Thread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return t.Members, nil
}

// Append durably writes a new message at the tail of the thread's log.
// Text payloads are rendered and sanitized before storage. Returns
// ErrPublishRejected when the author is not a member.
func (l *BboltLog) Append(ctx context.Context, threadID, authorID string, c models.Content) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}

	if err := c.Validate(); err != nil {
		return models.Message{}, fmt.Errorf("%w: %s", models.ErrPublishRejected, err)
	}

	t, err := l.Thread(ctx, threadID)
	if err != nil {
		return models.Message{}, err
	}
	if !t.HasMember(authorID) {
		return models.Message{}, fmt.Errorf("%w: %s is not a member of %s", models.ErrPublishRejected, authorID, threadID)
	}

	if c.Kind == models.ContentKindText {
		c.Text = content.Sanitize(c.Text)
		c.HTML, err = content.Render(c.Text)
		if err != nil {
			return models.Message{}, fmt.Errorf("%w: %s", models.ErrPublishRejected, err)
		}
	} else {
		c.HTML = ""
	}

	msg := models.Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		AuthorID:  authorID,
		Content:   c,
		CreatedAt: l.now().UnixMilli(),
	}
	dbm := dbMessageFrom(msg)

	err = l.db.Update(func(tx *bbolt.Tx) error {
		mb, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(threadID))
		if err != nil {
			return err
		}
		ib, err := tx.Bucket(bucketMessageIndex).CreateBucketIfNotExists([]byte(threadID))
		if err != nil {
			return err
		}

		data, err := dbm.MarshalBinary()
		if err != nil {
			return err
		}
		if err := mb.Put(dbm.Key(), data); err != nil {
			return err
		}
		return ib.Put([]byte(dbm.ID), dbm.Key())
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to append message: %w", err)
	}

	return msg, nil
}

// ListSince returns messages with creation timestamp strictly greater than
// sinceTS, in the thread's total order, at most limit of them (0 = no limit).
func (l *BboltLog) ListSince(ctx context.Context, threadID string, sinceTS int64, limit int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result []models.Message
	err := l.db.View(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(bucketMessages).Bucket([]byte(threadID))
		if mb == nil {
			return nil
		}

		seek := make([]byte, 8)
		binary.BigEndian.PutUint64(seek, uint64(sinceTS+1))

		cur := mb.Cursor()
		for k, v := cur.Seek(seek); k != nil; k, v = cur.Next() {
			var dbm DBMessage
			if err := dbm.UnmarshalBinary(v); err != nil {
				return err
			}
			result = append(result, dbm.toModel())
			if limit > 0 && len(result) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	return result, nil
}

// LastPage returns the most recent limit messages in the thread's total
// order, oldest of the page first (0 = no limit).
func (l *BboltLog) LastPage(ctx context.Context, threadID string, limit int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result []models.Message
	err := l.db.View(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(bucketMessages).Bucket([]byte(threadID))
		if mb == nil {
			return nil
		}

		cur := mb.Cursor()
		for k, v := cur.Last(); k != nil; k, v = cur.Prev() {
			if limit > 0 && len(result) >= limit {
				break
			}
			var dbm DBMessage
			if err := dbm.UnmarshalBinary(v); err != nil {
				return err
			}
			result = append(result, dbm.toModel())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read last page: %w", err)
	}

	// Walked newest to oldest, flip back into log order.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}

	return result, nil
}

// SetReaction stores the principal's reaction on a message. A principal has
// at most one reaction per message: a different emoji replaces the previous
// one, an empty emoji clears it.
func (l *BboltLog) SetReaction(ctx context.Context, threadID, messageID, principalID, emoji string) error {
	return l.updateMessage(ctx, threadID, messageID, func(dbm *DBMessage) {
		kept := dbm.Reactions[:0]
		for _, r := range dbm.Reactions {
			if r.UserID != principalID {
				kept = append(kept, r)
			}
		}
		dbm.Reactions = kept
		if emoji != "" {
			dbm.Reactions = append(dbm.Reactions, DBReaction{Emoji: emoji, UserID: principalID})
		}
	})
}

// MarkRead records the principal's read acknowledgement. Idempotent.
func (l *BboltLog) MarkRead(ctx context.Context, threadID, messageID, principalID string) error {
	return l.updateMessage(ctx, threadID, messageID, func(dbm *DBMessage) {
		for _, id := range dbm.ReadBy {
			if id == principalID {
				return
			}
		}
		dbm.ReadBy = append(dbm.ReadBy, principalID)
	})
}

func (l *BboltLog) updateMessage(ctx context.Context, threadID, messageID string, mutate func(*DBMessage)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return l.db.Update(func(tx *bbolt.Tx) error {
		ib := tx.Bucket(bucketMessageIndex).Bucket([]byte(threadID))
		mb := tx.Bucket(bucketMessages).Bucket([]byte(threadID))
		if ib == nil || mb == nil {
			return models.ErrNotFound
		}

		key := ib.Get([]byte(messageID))
		if key == nil {
			return models.ErrNotFound
		}
		data := mb.Get(key)
		if data == nil {
			return models.ErrNotFound
		}

		var dbm DBMessage
		if err := dbm.UnmarshalBinary(data); err != nil {
			return err
		}

		mutate(&dbm)

		updated, err := dbm.MarshalBinary()
		if err != nil {
			return err
		}
		return mb.Put(key, updated)
	})
}
