// Package client keeps a chat client's local view of its conversations
// consistent with the durable store and the relay, and maintains the relay
// connection across network failures.
package client

import (
	"errors"
	"time"

	"github.com/Tyrowin/relaychat/internal/envelope"
	"github.com/Tyrowin/relaychat/internal/store"
)

// Status is the delivery progress of a local message. It only moves forward.
type Status int

const (
	// StatusPending is a message not yet accepted by the durable store.
	StatusPending Status = iota
	// StatusSent is durably stored and handed to the relay.
	StatusSent
	// StatusDelivered has been echoed back by the relay or received from a
	// peer. Opening a conversation also marks every stored message in its
	// history delivered, own messages included.
	StatusDelivered
	// StatusRead has been acknowledged by the recipient.
	StatusRead
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return "unknown"
	}
}

// LocalMessage is the client's copy of a chat message. ID is the
// authoritative store id once the message has been durably written, and the
// locally generated id before that. LocalID keeps the original local id of
// messages submitted by this client.
type LocalMessage struct {
	ID          string
	LocalID     string
	Content     string
	SenderID    string
	RecipientID string
	GroupID     string
	CreatedAt   time.Time
	Status      Status
}

// advance moves the message to s when s is further along.
func (m *LocalMessage) advance(s Status) bool {
	if s <= m.Status {
		return false
	}
	m.Status = s
	return true
}

// Conversation selects a direct exchange with Peer or a group.
type Conversation struct {
	Peer  string
	Group string
}

// Direct returns the conversation with peer.
func Direct(peer string) Conversation { return Conversation{Peer: peer} }

// Group returns the conversation of a group.
func Group(id string) Conversation { return Conversation{Group: id} }

// IsZero reports whether no conversation is selected.
func (c Conversation) IsZero() bool { return c.Peer == "" && c.Group == "" }

// Validate requires exactly one of Peer or Group.
func (c Conversation) Validate() error {
	if (c.Peer == "") == (c.Group == "") {
		return errors.New("conversation needs exactly one of peer or group")
	}
	return nil
}

func (c Conversation) String() string {
	if c.Group != "" {
		return "group:" + c.Group
	}
	return "direct:" + c.Peer
}

// includes reports whether m, seen by self, belongs to the conversation.
func (c Conversation) includes(self string, m LocalMessage) bool {
	if c.Group != "" {
		return m.GroupID == c.Group
	}
	if m.GroupID != "" {
		return false
	}
	return (m.SenderID == self && m.RecipientID == c.Peer) ||
		(m.SenderID == c.Peer && m.RecipientID == self)
}

// query returns the store query that lists the conversation's history.
func (c Conversation) query(self string) store.Query {
	if c.Group != "" {
		return store.Query{GroupID: c.Group}
	}
	return store.Query{UserID: self, PeerID: c.Peer}
}

// address sets the envelope target for the conversation.
func (c Conversation) address(env *envelope.Envelope) {
	if c.Group != "" {
		env.GroupID = c.Group
		return
	}
	env.RecipientID = c.Peer
}

// typingConversation returns the conversation a typing envelope addressed to
// self belongs to.
func typingConversation(env envelope.Envelope) Conversation {
	if env.GroupID != "" {
		return Group(env.GroupID)
	}
	return Direct(env.SenderID)
}

func fromStored(m store.Message) LocalMessage {
	return LocalMessage{
		ID:          m.ID,
		Content:     m.Content,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		GroupID:     m.GroupID,
		CreatedAt:   m.CreatedAt,
		Status:      StatusDelivered,
	}
}
