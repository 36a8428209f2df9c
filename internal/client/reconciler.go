package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/relaychat/internal/envelope"
	"github.com/Tyrowin/relaychat/internal/store"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrDurableWrite wraps failures to persist a submitted message. The
	// message stays pending and can be retried.
	ErrDurableWrite = errors.New("durable write failed")
	// ErrNoConversation is returned when an operation needs an active
	// conversation and none is open.
	ErrNoConversation = errors.New("no active conversation")
	// ErrEmptyContent rejects blank messages.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrUnknownMessage is returned for ids the reconciler does not hold.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNotPending is returned by Retry and Discard for messages that were
	// already stored.
	ErrNotPending = errors.New("message is not pending")
	// ErrWriteInFlight is returned by Retry and Discard while a durable
	// write of the same message has not finished.
	ErrWriteInFlight = errors.New("durable write in flight")
)

// Persister is the durable store the reconciler writes through and hydrates
// from. store.Store implementations and HTTPPersister satisfy it.
type Persister interface {
	CreateMessage(ctx context.Context, msg store.NewMessage) (store.Message, error)
	ListMessages(ctx context.Context, q store.Query) ([]store.Message, error)
}

// Sender delivers envelopes to the relay. *Conn satisfies it.
type Sender interface {
	Send(env envelope.Envelope) error
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the reconciler's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// WithClock sets the clock used to timestamp local messages.
func WithClock(clk clock.Clock) Option {
	return func(r *Reconciler) { r.clock = clk }
}

// Reconciler merges local submissions, relay envelopes and stored history
// into one view of the client's messages, keyed by message id.
type Reconciler struct {
	self      string
	persister Persister
	sender    Sender
	logger    *zap.Logger
	clock     clock.Clock

	mu       sync.Mutex
	messages map[string]*LocalMessage
	aliases  map[string]string
	readSent map[string]struct{}
	writing  map[string]struct{}
	typing   map[string]struct{}
	active   Conversation
	draft    string

	subMu       sync.RWMutex
	subscribers []func(LocalMessage)
	typingSubs  []func([]string)
}

// NewReconciler creates a Reconciler for the identity self.
func NewReconciler(self string, persister Persister, sender Sender, opts ...Option) *Reconciler {
	r := &Reconciler{
		self:      self,
		persister: persister,
		sender:    sender,
		logger:    zap.NewNop(),
		clock:     clock.New(),
		messages:  make(map[string]*LocalMessage),
		aliases:   make(map[string]string),
		readSent:  make(map[string]struct{}),
		writing:   make(map[string]struct{}),
		typing:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	return r
}

// Self returns the local identity.
func (r *Reconciler) Self() string { return r.self }

// OnChange registers fn to receive a copy of every message that is added or
// changes status. fn runs on the goroutine that caused the change and must
// not block.
func (r *Reconciler) OnChange(fn func(LocalMessage)) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// OnTyping registers fn to receive the sorted typing set of the active
// conversation whenever it changes.
func (r *Reconciler) OnTyping(fn func([]string)) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.typingSubs = append(r.typingSubs, fn)
}

// Active returns the open conversation, zero when none is open.
func (r *Reconciler) Active() Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Open makes conv the active conversation, hydrates its history from the
// store and acknowledges every visible message from other identities.
func (r *Reconciler) Open(ctx context.Context, conv Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}

	history, err := r.persister.ListMessages(ctx, conv.query(r.self))
	if err != nil {
		return fmt.Errorf("load %s: %w", conv, err)
	}

	r.mu.Lock()
	var out []envelope.Envelope
	if r.active != conv {
		out = r.setDraftLocked("")
	}
	r.active = conv
	clear(r.typing)

	var changed []LocalMessage
	for _, stored := range history {
		if m, ok := r.lookupLocked(stored.ID); ok {
			m.CreatedAt = stored.CreatedAt
			if m.advance(StatusDelivered) {
				changed = append(changed, *m)
			}
			continue
		}
		m := fromStored(stored)
		r.messages[m.ID] = &m
		changed = append(changed, m)
	}
	reads := r.pendingReadsLocked()
	r.mu.Unlock()

	r.logger.Debug("conversation opened",
		zap.Stringer("conversation", conv),
		zap.Int("history", len(history)),
		zap.Int("reads", len(reads)))
	r.notify(changed...)
	r.notifyTyping(nil)
	r.sendAll(out)
	r.sendReads(reads)
	return nil
}

// Submit creates a pending message in the active conversation, writes it to
// the durable store and, once stored, relays it under its authoritative id.
// A failed write returns an error wrapping ErrDurableWrite together with the
// pending message. A relay failure after a successful write returns the
// stored message and the transport error.
func (r *Reconciler) Submit(ctx context.Context, content string) (LocalMessage, error) {
	if content == "" {
		return LocalMessage{}, ErrEmptyContent
	}

	localID, err := uuid.NewV7()
	if err != nil {
		return LocalMessage{}, fmt.Errorf("generate local id: %w", err)
	}

	r.mu.Lock()
	if r.active.IsZero() {
		r.mu.Unlock()
		return LocalMessage{}, ErrNoConversation
	}
	m := LocalMessage{
		ID:        localID.String(),
		LocalID:   localID.String(),
		Content:   content,
		SenderID:  r.self,
		CreatedAt: r.clock.Now().UTC(),
		Status:    StatusPending,
	}
	if r.active.Group != "" {
		m.GroupID = r.active.Group
	} else {
		m.RecipientID = r.active.Peer
	}
	r.messages[m.ID] = &m
	stopTyping := r.setDraftLocked("")
	r.mu.Unlock()

	r.notify(m)
	r.sendAll(stopTyping)
	return r.persist(ctx, m.ID)
}

// Retry repeats the durable write of a pending message.
func (r *Reconciler) Retry(ctx context.Context, id string) (LocalMessage, error) {
	r.mu.Lock()
	m, ok := r.lookupLocked(id)
	switch {
	case !ok:
		r.mu.Unlock()
		return LocalMessage{}, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	case m.Status != StatusPending:
		r.mu.Unlock()
		return *m, fmt.Errorf("%w: %s is %s", ErrNotPending, id, m.Status)
	}
	if _, busy := r.writing[m.LocalID]; busy {
		r.mu.Unlock()
		return *m, fmt.Errorf("%w: %s", ErrWriteInFlight, id)
	}
	key := m.ID
	r.mu.Unlock()

	return r.persist(ctx, key)
}

// Discard drops a pending message.
func (r *Reconciler) Discard(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.lookupLocked(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if m.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, m.Status)
	}
	if _, busy := r.writing[m.LocalID]; busy {
		return fmt.Errorf("%w: %s", ErrWriteInFlight, id)
	}
	delete(r.messages, m.ID)
	return nil
}

func (r *Reconciler) persist(ctx context.Context, key string) (LocalMessage, error) {
	r.mu.Lock()
	m, ok := r.messages[key]
	if !ok {
		r.mu.Unlock()
		return LocalMessage{}, fmt.Errorf("%w: %s", ErrUnknownMessage, key)
	}
	if _, busy := r.writing[m.LocalID]; busy {
		r.mu.Unlock()
		return *m, fmt.Errorf("%w: %s", ErrWriteInFlight, key)
	}
	r.writing[m.LocalID] = struct{}{}
	pending := *m
	r.mu.Unlock()

	stored, err := r.persister.CreateMessage(ctx, store.NewMessage{
		Content:     pending.Content,
		SenderID:    pending.SenderID,
		RecipientID: pending.RecipientID,
		GroupID:     pending.GroupID,
	})
	r.mu.Lock()
	delete(r.writing, pending.LocalID)
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("durable write failed; message stays pending",
			zap.String("local_id", pending.LocalID), zap.Error(err))
		return pending, fmt.Errorf("%w: %w", ErrDurableWrite, err)
	}

	// The writing mark keeps Discard and Retry off m until here.
	delete(r.messages, key)
	m.ID = stored.ID
	m.CreatedAt = stored.CreatedAt
	m.advance(StatusSent)
	r.messages[m.ID] = m
	r.aliases[m.LocalID] = m.ID
	confirmed := *m
	r.mu.Unlock()

	r.notify(confirmed)

	env := envelope.Envelope{
		Kind:        envelope.KindMessage,
		SenderID:    confirmed.SenderID,
		RecipientID: confirmed.RecipientID,
		GroupID:     confirmed.GroupID,
		Content:     confirmed.Content,
		MessageID:   confirmed.ID,
		CreatedAt:   envelope.Timestamp(confirmed.CreatedAt),
	}
	if err := r.sender.Send(env); err != nil {
		r.logger.Warn("stored message not relayed", zap.String("id", confirmed.ID), zap.Error(err))
		return confirmed, fmt.Errorf("relay message %s: %w", confirmed.ID, err)
	}
	return confirmed, nil
}

// HandleEnvelope applies an envelope received from the relay.
func (r *Reconciler) HandleEnvelope(env envelope.Envelope) {
	switch env.Kind {
	case envelope.KindMessage:
		r.handleMessage(env)
	case envelope.KindRead:
		r.handleRead(env)
	case envelope.KindTyping:
		r.handleTyping(env)
	default:
		r.logger.Debug("ignoring envelope", zap.String("kind", string(env.Kind)))
	}
}

func (r *Reconciler) handleMessage(env envelope.Envelope) {
	if env.MessageID == "" {
		r.logger.Warn("ignoring message without messageId", zap.String("sender", env.SenderID))
		return
	}

	r.mu.Lock()
	if m, ok := r.lookupLocked(env.MessageID); ok {
		var changed []LocalMessage
		if env.SenderID == r.self && m.advance(StatusDelivered) {
			changed = append(changed, *m)
		}
		r.mu.Unlock()
		r.notify(changed...)
		return
	}

	m := LocalMessage{
		ID:          env.MessageID,
		Content:     env.Content,
		SenderID:    env.SenderID,
		RecipientID: env.RecipientID,
		GroupID:     env.GroupID,
		CreatedAt:   r.createdAt(env),
		Status:      StatusDelivered,
	}
	r.messages[m.ID] = &m
	reads := r.pendingReadsLocked()
	r.mu.Unlock()

	r.notify(m)
	r.sendReads(reads)
}

func (r *Reconciler) handleRead(env envelope.Envelope) {
	r.mu.Lock()
	m, ok := r.lookupLocked(env.MessageID)
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("read receipt for unknown message", zap.String("message_id", env.MessageID))
		return
	}
	var changed []LocalMessage
	if m.advance(StatusRead) {
		changed = append(changed, *m)
	}
	r.mu.Unlock()
	r.notify(changed...)
}

func (r *Reconciler) handleTyping(env envelope.Envelope) {
	if env.SenderID == r.self {
		return
	}

	r.mu.Lock()
	if typingConversation(env) != r.active {
		r.mu.Unlock()
		return
	}
	_, present := r.typing[env.SenderID]
	if env.IsTyping() == present {
		r.mu.Unlock()
		return
	}
	if env.IsTyping() {
		r.typing[env.SenderID] = struct{}{}
	} else {
		delete(r.typing, env.SenderID)
	}
	typing := r.typingLocked()
	r.mu.Unlock()

	r.notifyTyping(typing)
}

// SetDraft records the text being composed in the active conversation and
// signals typing to it when the draft turns non-empty or empty again.
func (r *Reconciler) SetDraft(text string) error {
	r.mu.Lock()
	if r.active.IsZero() {
		r.mu.Unlock()
		return ErrNoConversation
	}
	prev := r.draft
	out := r.setDraftLocked(text)
	r.mu.Unlock()

	for _, env := range out {
		if err := r.sender.Send(env); err != nil {
			// Restore the old draft so the next call repeats the transition.
			r.mu.Lock()
			if r.draft == text {
				r.draft = prev
			}
			r.mu.Unlock()
			return fmt.Errorf("send typing: %w", err)
		}
	}
	return nil
}

func (r *Reconciler) setDraftLocked(text string) []envelope.Envelope {
	was := r.draft != ""
	r.draft = text
	now := text != ""
	if was == now || r.active.IsZero() {
		return nil
	}
	env := envelope.Envelope{
		Kind:     envelope.KindTyping,
		SenderID: r.self,
		Typing:   envelope.Bool(now),
	}
	r.active.address(&env)
	return []envelope.Envelope{env}
}

// Typing returns the identities typing in the active conversation, sorted.
func (r *Reconciler) Typing() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typingLocked()
}

// Message returns the message with the given authoritative or local id.
func (r *Reconciler) Message(id string) (LocalMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.lookupLocked(id)
	if !ok {
		return LocalMessage{}, false
	}
	return *m, true
}

// Messages returns the active conversation's messages ordered by creation
// time.
func (r *Reconciler) Messages() []LocalMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active.IsZero() {
		return nil
	}
	var out []LocalMessage
	for _, m := range r.messages {
		if r.active.includes(r.self, *m) {
			out = append(out, *m)
		}
	}
	sortMessages(out)
	return out
}

func sortMessages(msgs []LocalMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func (r *Reconciler) lookupLocked(id string) (*LocalMessage, bool) {
	if id == "" {
		return nil, false
	}
	if m, ok := r.messages[id]; ok {
		return m, true
	}
	if target, ok := r.aliases[id]; ok {
		m, ok := r.messages[target]
		return m, ok
	}
	return nil, false
}

// pendingReadsLocked returns read envelopes for visible messages from other
// identities that have not been acknowledged yet, marking them acknowledged.
// sendReads clears the mark of any read that fails to go out.
func (r *Reconciler) pendingReadsLocked() []envelope.Envelope {
	if r.active.IsZero() {
		return nil
	}
	var visible []LocalMessage
	for id, m := range r.messages {
		if m.SenderID == r.self || !r.active.includes(r.self, *m) {
			continue
		}
		if _, done := r.readSent[id]; done {
			continue
		}
		visible = append(visible, *m)
	}
	sortMessages(visible)

	reads := make([]envelope.Envelope, 0, len(visible))
	for _, m := range visible {
		r.readSent[m.ID] = struct{}{}
		reads = append(reads, envelope.Envelope{
			Kind:        envelope.KindRead,
			SenderID:    r.self,
			RecipientID: m.SenderID,
			MessageID:   m.ID,
		})
	}
	return reads
}

func (r *Reconciler) typingLocked() []string {
	out := make([]string, 0, len(r.typing))
	for id := range r.typing {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (r *Reconciler) createdAt(env envelope.Envelope) time.Time {
	if env.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, env.CreatedAt); err == nil {
			return t.UTC()
		}
	}
	return r.clock.Now().UTC()
}

func (r *Reconciler) sendAll(envs []envelope.Envelope) {
	for _, env := range envs {
		if err := r.sender.Send(env); err != nil {
			r.logger.Warn("envelope not sent",
				zap.String("kind", string(env.Kind)),
				zap.String("message_id", env.MessageID),
				zap.Error(err))
		}
	}
}

func (r *Reconciler) sendReads(reads []envelope.Envelope) {
	for _, env := range reads {
		if err := r.sender.Send(env); err != nil {
			r.logger.Warn("read receipt not sent",
				zap.String("message_id", env.MessageID),
				zap.Error(err))
			r.mu.Lock()
			delete(r.readSent, env.MessageID)
			r.mu.Unlock()
		}
	}
}

func (r *Reconciler) notify(changed ...LocalMessage) {
	if len(changed) == 0 {
		return
	}
	r.subMu.RLock()
	subs := slices.Clone(r.subscribers)
	r.subMu.RUnlock()
	for _, m := range changed {
		for _, fn := range subs {
			fn(m)
		}
	}
}

func (r *Reconciler) notifyTyping(typing []string) {
	r.subMu.RLock()
	subs := slices.Clone(r.typingSubs)
	r.subMu.RUnlock()
	if typing == nil {
		typing = []string{}
	}
	for _, fn := range subs {
		fn(slices.Clone(typing))
	}
}
