package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"booklog/internal/core"
)

type MessageType string

const (
	TypeEntryCreated MessageType = "entry.created"
	TypeEntryDeleted MessageType = "entry.deleted"
)

// Message is the envelope for every diary event. Created events carry only
// the id; the worker reloads the entry from the database. Deleted events
// carry enough to find and describe the removed row.
type Message struct {
	Type      MessageType `json:"type"`
	UserID    string      `json:"user_id"`
	EntryID   string      `json:"entry_id"`
	WorkKey   string      `json:"work_key,omitempty"`
	Title     string      `json:"title,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func NewEntryCreatedMessage(e core.DiaryEntry) *Message {
	return &Message{
		Type:      TypeEntryCreated,
		UserID:    e.UserID,
		EntryID:   e.ID,
		Timestamp: time.Now(),
	}
}

func NewEntryDeletedMessage(e core.DiaryEntry) *Message {
	return &Message{
		Type:      TypeEntryDeleted,
		UserID:    e.UserID,
		EntryID:   e.ID,
		WorkKey:   e.WorkKey,
		Title:     e.Title,
		Timestamp: time.Now(),
	}
}

func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// MessageFromJSON decodes an envelope and rejects unknown types or a missing entry id.
func MessageFromJSON(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	switch msg.Type {
	case TypeEntryCreated, TypeEntryDeleted:
	default:
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
	if msg.EntryID == "" {
		return nil, fmt.Errorf("%s message without entry_id", msg.Type)
	}
	return &msg, nil
}
