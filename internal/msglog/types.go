package msglog

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"

	"veranda/internal/models"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBThread struct {
	ID        string   `msgpack:"id"`
	Kind      string   `msgpack:"kind"`
	Name      string   `msgpack:"name"`
	Members   []string `msgpack:"members"`
	CreatedAt int64    `msgpack:"createdAt"`
	UpdatedAt int64    `msgpack:"updatedAt"`
}

func (t *DBThread) Key() []byte {
	return []byte(t.ID)
}

func (t *DBThread) MarshalBinary() (data []byte, err error) {
	type alias DBThread
	return msgpack.Marshal((*alias)(t))
}

func (t *DBThread) UnmarshalBinary(data []byte) error {
	type alias DBThread
	return msgpack.Unmarshal(data, (*alias)(t))
}

type DBReaction struct {
	Emoji  string `msgpack:"emoji"`
	UserID string `msgpack:"userId"`
}

type DBMessage struct {
	ID        string       `msgpack:"id"`
	ThreadID  string       `msgpack:"threadId"`
	AuthorID  string       `msgpack:"authorId"`
	Kind      string       `msgpack:"kind"`
	Text      string       `msgpack:"text"`
	HTML      string       `msgpack:"html"`
	Ref       string       `msgpack:"ref"`
	CreatedAt int64        `msgpack:"createdAt"`
	Reactions []DBReaction `msgpack:"reactions"`
	ReadBy    []string     `msgpack:"readBy"`
}

// Key orders messages by creation timestamp with the identifier as a
// tie-break, so a bbolt cursor walks them in the thread's total order.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func dbMessageFrom(m models.Message) *DBMessage {
	dbm := &DBMessage{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		AuthorID:  m.AuthorID,
		Kind:      string(m.Content.Kind),
		Text:      m.Content.Text,
		HTML:      m.Content.HTML,
		Ref:       m.Content.Ref,
		CreatedAt: m.CreatedAt,
		ReadBy:    m.ReadBy,
	}
	for _, r := range m.Reactions {
		dbm.Reactions = append(dbm.Reactions, DBReaction(r))
	}
	return dbm
}

func (m *DBMessage) toModel() models.Message {
	msg := models.Message{
		ID:       m.ID,
		ThreadID: m.ThreadID,
		AuthorID: m.AuthorID,
		Content: models.Content{
			Kind: models.ContentKind(m.Kind),
			Text: m.Text,
			HTML: m.HTML,
			Ref:  m.Ref,
		},
		CreatedAt: m.CreatedAt,
		ReadBy:    m.ReadBy,
	}
	for _, r := range m.Reactions {
		msg.Reactions = append(msg.Reactions, models.Reaction(r))
	}
	return msg
}

func (t *DBThread) toModel() models.Thread {
	return models.Thread{
		ID:        t.ID,
		Kind:      models.ThreadKind(t.Kind),
		Name:      t.Name,
		Members:   t.Members,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}
