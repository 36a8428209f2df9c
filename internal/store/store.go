// Package store is the durable message store consulted by chat clients: it
// confirms a submitted message (assigning its authoritative id) and lists a
// conversation's history. The relay itself never reads from it.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrInvalid is wrapped by validation failures of NewMessage and Query.
var ErrInvalid = errors.New("invalid request")

// Message is a persisted chat message.
type Message struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId,omitempty"`
	GroupID     string    `json:"groupId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewMessage is the input to CreateMessage.
type NewMessage struct {
	Content     string `json:"content"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId,omitempty"`
	GroupID     string `json:"groupId,omitempty"`
}

// Validate requires content, a sender and exactly one target.
func (m NewMessage) Validate() error {
	switch {
	case m.Content == "":
		return errors.Join(ErrInvalid, errors.New("content required"))
	case m.SenderID == "":
		return errors.Join(ErrInvalid, errors.New("senderId required"))
	case (m.RecipientID == "") == (m.GroupID == ""):
		return errors.Join(ErrInvalid, errors.New("exactly one of recipientId or groupId required"))
	}
	return nil
}

// Query selects a conversation. GroupID selects a group's history; otherwise
// UserID selects every direct message involving the user, narrowed to the
// exchange with PeerID when set.
type Query struct {
	UserID  string
	PeerID  string
	GroupID string
}

// Validate requires either a group or a user.
func (q Query) Validate() error {
	if q.GroupID == "" && q.UserID == "" {
		return errors.Join(ErrInvalid, errors.New("userId or groupId required"))
	}
	return nil
}

// Matches reports whether m belongs to the conversation q selects.
func (q Query) Matches(m Message) bool {
	if q.GroupID != "" {
		return m.GroupID == q.GroupID
	}
	if m.GroupID != "" {
		return false
	}
	if q.PeerID == "" {
		return m.SenderID == q.UserID || m.RecipientID == q.UserID
	}
	return (m.SenderID == q.UserID && m.RecipientID == q.PeerID) ||
		(m.SenderID == q.PeerID && m.RecipientID == q.UserID)
}

// Store persists messages. ListMessages returns messages ascending by
// CreatedAt.
type Store interface {
	CreateMessage(ctx context.Context, msg NewMessage) (Message, error)
	ListMessages(ctx context.Context, q Query) ([]Message, error)
}
