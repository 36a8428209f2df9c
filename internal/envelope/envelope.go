// Package envelope defines the wire envelope exchanged between chat clients
// and the relay, and the codec that enforces each kind's required fields.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind discriminates the envelope variants.
type Kind string

// Envelope kinds understood by the relay.
const (
	KindAuth    Kind = "auth"
	KindMessage Kind = "message"
	KindTyping  Kind = "typing"
	KindRead    Kind = "read"
)

// ErrMalformed is wrapped by every decode or encode validation failure.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is one discrete protocol message. Which optional fields are
// required depends on Kind and is enforced by Validate.
type Envelope struct {
	Kind        Kind   `json:"kind"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId,omitempty"`
	GroupID     string `json:"groupId,omitempty"`
	Content     string `json:"content,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
	Typing      *bool  `json:"typing,omitempty"`
}

// wireEnvelope accepts the legacy field names used by older clients
// ("type" for kind, "username" for the auth identity).
type wireEnvelope struct {
	Envelope
	Type     Kind   `json:"type,omitempty"`
	Username string `json:"username,omitempty"`
}

// IsGroup reports whether the envelope is addressed to a group.
func (e Envelope) IsGroup() bool {
	return e.GroupID != ""
}

// IsTyping returns the typing flag, false when absent.
func (e Envelope) IsTyping() bool {
	return e.Typing != nil && *e.Typing
}

// Bool returns a pointer to v for populating Envelope.Typing.
func Bool(v bool) *bool {
	return &v
}

// Validate checks the per-kind invariants.
func (e Envelope) Validate() error {
	if e.SenderID == "" {
		return malformed("%s envelope missing senderId", e.Kind)
	}

	switch e.Kind {
	case KindAuth:
		return nil
	case KindMessage, KindTyping:
		if err := validateTarget(e); err != nil {
			return err
		}
	case KindRead:
		if e.MessageID == "" {
			return malformed("read envelope missing messageId")
		}
	case "":
		return malformed("missing kind")
	default:
		return malformed("unknown kind %q", e.Kind)
	}

	if e.CreatedAt != "" {
		if _, err := time.Parse(time.RFC3339Nano, e.CreatedAt); err != nil {
			return malformed("invalid createdAt %q", e.CreatedAt)
		}
	}
	return nil
}

func validateTarget(e Envelope) error {
	switch {
	case e.RecipientID == "" && e.GroupID == "":
		return malformed("%s envelope has neither recipientId nor groupId", e.Kind)
	case e.RecipientID != "" && e.GroupID != "":
		return malformed("%s envelope has both recipientId and groupId", e.Kind)
	}
	return nil
}

// Decode parses and validates a single envelope.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	env := w.Envelope
	if env.Kind == "" {
		env.Kind = w.Type
	}
	if env.Kind == KindAuth && env.SenderID == "" {
		env.SenderID = w.Username
	}

	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode validates and serializes an envelope.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Timestamp formats t the way createdAt is carried on the wire.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
