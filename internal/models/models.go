package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConnectionLost marks a transient transport failure. The client is
	// expected to reconnect and reconcile, not to surface it as a hard error.
	ErrConnectionLost = errors.New("connection lost")

	// ErrPublishRejected is returned when an append is refused, e.g. the
	// author is not a member of the thread. It is surfaced on the specific
	// message and never retried automatically.
	ErrPublishRejected = errors.New("publish rejected")

	ErrDuplicateSubscription = errors.New("duplicate subscription")
	ErrBackfillTimeout       = errors.New("backfill timeout")
	ErrNotMember             = errors.New("principal is not a thread member")
)

type ThreadKind string

const (
	ThreadKindDirect ThreadKind = "direct"
	ThreadKindGroup  ThreadKind = "group"
)

// Thread is a conversation scope with an immutable member set.
type Thread struct {
	ID        string     `json:"id"`
	Kind      ThreadKind `json:"kind"`
	Name      string     `json:"name,omitempty"`
	Members   []string   `json:"members"`
	CreatedAt int64      `json:"createdAt"` // Unix milliseconds
	UpdatedAt int64      `json:"updatedAt"`
}

// HasMember reports whether the principal belongs to the thread.
func (t Thread) HasMember(principalID string) bool {
	for _, m := range t.Members {
		if m == principalID {
			return true
		}
	}
	return false
}

// Title returns the display name for the thread as seen by viewer: the
// explicit name if set, the other member for a direct thread, or a generic
// group label.
func (t Thread) Title(viewerID string) string {
	if t.Name != "" {
		return t.Name
	}
	if t.Kind == ThreadKindDirect {
		for _, m := range t.Members {
			if m != viewerID {
				return m
			}
		}
	}
	return fmt.Sprintf("Group (%d)", len(t.Members))
}

type ContentKind string

const (
	ContentKindText  ContentKind = "text"
	ContentKindImage ContentKind = "image"
	ContentKindVideo ContentKind = "video"
	ContentKindAudio ContentKind = "audio"
	ContentKindFile  ContentKind = "file"
)

// Content is a message payload. Ref points at externally hosted media for
// non-text kinds.
type Content struct {
	Kind ContentKind `json:"kind"`
	Text string      `json:"text,omitempty"`
	// HTML is the sanitized rendering of Text, filled in by the log on
	// append. Clients must never supply it.
	HTML string `json:"html,omitempty"`
	Ref  string `json:"ref,omitempty"`
}

func (c Content) Validate() error {
	switch c.Kind {
	case ContentKindText:
		if c.Text == "" {
			return errors.New("text content cannot be empty")
		}
	case ContentKindImage, ContentKindVideo, ContentKindAudio, ContentKindFile:
		if c.Ref == "" {
			return fmt.Errorf("%s content requires a media reference", c.Kind)
		}
	default:
		return fmt.Errorf("unknown content kind %q", c.Kind)
	}
	return nil
}

type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"userId"`
}

// Message is one immutable entry in a thread's log.
type Message struct {
	ID        string     `json:"id"`
	ThreadID  string     `json:"threadId"`
	AuthorID  string     `json:"authorId"`
	Content   Content    `json:"content"`
	CreatedAt int64      `json:"createdAt"` // Unix milliseconds
	Reactions []Reaction `json:"reactions,omitempty"`
	ReadBy    []string   `json:"readBy,omitempty"`
}

// Less implements the total order on messages within a thread:
// creation timestamp with the identifier as a tie-break.
func (m Message) Less(other Message) bool {
	if m.CreatedAt != other.CreatedAt {
		return m.CreatedAt < other.CreatedAt
	}
	return m.ID < other.ID
}

// ReactionOf returns the reaction left by the principal, if any.
func (m Message) ReactionOf(principalID string) (string, bool) {
	for _, r := range m.Reactions {
		if r.UserID == principalID {
			return r.Emoji, true
		}
	}
	return "", false
}

// PresenceEvent is an ephemeral online/typing signal scoped to a thread.
// It is never persisted.
type PresenceEvent struct {
	ThreadID string `json:"threadId"`
	UserID   string `json:"userId"`
	Online   bool   `json:"online"`
	Typing   bool   `json:"typing"`
}

// SendAck reconciles a client-generated provisional message with the
// authoritative record returned by the log.
type SendAck struct {
	ProvisionalID string  `json:"provisionalId"`
	Message       Message `json:"message"`
}

type ClientFrameType string

const (
	ClientFrameTypeSubscribe   ClientFrameType = "subscribe"
	ClientFrameTypeUnsubscribe ClientFrameType = "unsubscribe"
	ClientFrameTypeSend        ClientFrameType = "send"
	ClientFrameTypeTyping      ClientFrameType = "typing"
	ClientFrameTypeReact       ClientFrameType = "react"
	ClientFrameTypeRead        ClientFrameType = "read"
	ClientFrameTypeMute        ClientFrameType = "mute"
)

// ClientFrame is a message sent from the client to the server.
type ClientFrame struct {
	Type          ClientFrameType `json:"type"`
	ThreadID      string          `json:"threadId"`
	Content       *Content        `json:"content,omitempty"`
	ProvisionalID string          `json:"provisionalId,omitempty"`
	MessageID     string          `json:"messageId,omitempty"`
	Emoji         string          `json:"emoji,omitempty"`
	Typing        bool            `json:"typing,omitempty"`
	Muted         bool            `json:"muted,omitempty"`
}

type ServerFrameType string

const (
	ServerFrameTypeMessages ServerFrameType = "messages"
	ServerFrameTypePresence ServerFrameType = "presence"
	ServerFrameTypeAck      ServerFrameType = "ack"
	ServerFrameTypeError    ServerFrameType = "error"
)

// ServerFrame is a message pushed to the client.
type ServerFrame struct {
	Type     ServerFrameType `json:"type"`
	ThreadID string          `json:"threadId,omitempty"`
	Messages []Message       `json:"messages,omitempty"`
	Presence *PresenceEvent  `json:"presence,omitempty"`
	Ack      *SendAck        `json:"ack,omitempty"`
	Error    string          `json:"error,omitempty"`
}
