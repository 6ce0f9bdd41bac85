// Package chat is the message channel: optimistic sends, arrival-ordered
// receives, delivery/read receipts, typing indicators and history hydration.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/time/rate"

	"github.com/careline/careline/internal/presence"
	"github.com/careline/careline/internal/proto"
)

var log = logging.Logger("chat")

const (
	// DefaultTypingTimeout is how long a remote typing flag stays up without
	// a fresh typing event or message.
	DefaultTypingTimeout = 3 * time.Second

	// DefaultTypingInterval spaces outbound typing events per conversation.
	DefaultTypingInterval = time.Second

	defaultSubscriberBuffer = 32

	localIDPrefix = "local-"
)

var (
	ErrNoIdentity     = errors.New("chat: no local identity")
	ErrEmptyMessage   = errors.New("chat: empty message")
	ErrUnknownMessage = errors.New("chat: unknown message")
	ErrNoCache        = errors.New("chat: no message cache configured")
)

// Sender emits one event to the relay.
type Sender interface {
	Send(ctx context.Context, event string, payload any) error
}

// IdentitySource supplies the local identity.
type IdentitySource interface {
	Current() (presence.Identity, bool)
}

// HistorySource is the one-shot REST collaborator for hydration.
type HistorySource interface {
	FetchMessages(ctx context.Context, conversationID, token string) ([]Message, error)
	FetchConversations(ctx context.Context, role proto.Role, userID, token string) ([]ConversationRecord, error)
}

// Cache persists messages locally. Optional.
type Cache interface {
	Replace(conversationID string, msgs []Message) error
	Put(msg Message) error
	SetStatus(messageID string, status Status, at time.Time) error
	Load(conversationID string) ([]Message, error)
}

// Options tunes a Manager. Zero values take the package defaults.
type Options struct {
	TypingTimeout    time.Duration
	TypingInterval   time.Duration
	SubscriberBuffer int
	Cache            Cache
}

// UpdateKind says which part of the chat state changed.
type UpdateKind int

const (
	UpdateMessages UpdateKind = iota
	UpdateTyping
	UpdateConversations
)

// Update is published to subscribers after every state change.
type Update struct {
	Kind           UpdateKind
	ConversationID string
}

// Manager holds the message list, typing flags and conversation list.
// All mutations go through mu, so an optimistic append from Send and a remote
// append from Handle never interleave.
type Manager struct {
	sender  Sender
	self    IdentitySource
	history HistorySource
	cache   Cache
	opts    Options

	mu            sync.Mutex
	messages      []*Message
	conversations []Conversation
	typing        map[string]*time.Timer
	limiters      map[string]*rate.Limiter
	closed        bool

	listenerMu sync.RWMutex
	listeners  map[chan Update]struct{}
}

// New creates a chat manager. history may be nil when hydration is not
// needed.
func New(sender Sender, self IdentitySource, history HistorySource, opts Options) *Manager {
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = DefaultTypingInterval
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberBuffer
	}
	return &Manager{
		sender:    sender,
		self:      self,
		history:   history,
		cache:     opts.Cache,
		opts:      opts,
		typing:    make(map[string]*time.Timer),
		limiters:  make(map[string]*rate.Limiter),
		listeners: make(map[chan Update]struct{}),
	}
}

// Send emits a chat message and appends an optimistic copy, with a
// placeholder id and status sent, before the relay sees it. If the emission
// fails the copy stays in the list flagged Failed and the error is returned.
func (m *Manager) Send(ctx context.Context, conversationID, receiverID string, receiverRole proto.Role, content string, kind proto.MessageKind) (Message, error) {
	me, ok := m.self.Current()
	if !ok {
		return Message{}, ErrNoIdentity
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyMessage
	}
	if kind == "" {
		kind = proto.KindText
	}

	msg := &Message{
		ID:             localIDPrefix + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       me.UserID,
		SenderRole:     me.Role,
		ReceiverID:     receiverID,
		ReceiverRole:   receiverRole,
		Kind:           kind,
		Content:        content,
		Status:         StatusSent,
		SentAt:         time.Now(),
		Local:          true,
	}

	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.touchConversation(msg)
	m.mu.Unlock()
	m.notify(Update{Kind: UpdateMessages, ConversationID: conversationID})

	err := m.emit(ctx, msg)

	m.mu.Lock()
	msg.Failed = err != nil
	out := *msg
	m.mu.Unlock()

	if err != nil {
		m.notify(Update{Kind: UpdateMessages, ConversationID: conversationID})
		return out, err
	}
	return out, nil
}

// Resend retries a failed optimistic message.
func (m *Manager) Resend(ctx context.Context, localID string) error {
	m.mu.Lock()
	var msg *Message
	for _, cand := range m.messages {
		if cand.ID == localID && cand.Local && cand.Failed {
			msg = cand
			break
		}
	}
	if msg == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, localID)
	}
	msg.Failed = false
	m.mu.Unlock()

	err := m.emit(ctx, msg)
	if err != nil {
		m.mu.Lock()
		msg.Failed = true
		m.mu.Unlock()
	}
	m.notify(Update{Kind: UpdateMessages, ConversationID: msg.ConversationID})
	return err
}

func (m *Manager) emit(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	payload := proto.ChatSend{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderRole:     msg.SenderRole,
		ReceiverID:     msg.ReceiverID,
		ReceiverRole:   msg.ReceiverRole,
		Kind:           msg.Kind,
		Content:        msg.Content,
	}
	m.mu.Unlock()

	if err := m.sender.Send(ctx, proto.EvChatSend, payload); err != nil {
		log.Warnf("chat [%s]: send failed: %v", msg.ConversationID, err)
		return err
	}
	return nil
}

// SendTyping tells the receiver that we are typing. Fire-and-forget: it is
// throttled per conversation and failures are only logged.
func (m *Manager) SendTyping(ctx context.Context, conversationID, receiverID string) {
	me, ok := m.self.Current()
	if !ok {
		return
	}

	m.mu.Lock()
	lim, ok := m.limiters[conversationID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(m.opts.TypingInterval), 1)
		m.limiters[conversationID] = lim
	}
	m.mu.Unlock()
	if !lim.Allow() {
		return
	}

	err := m.sender.Send(ctx, proto.EvChatTyping, proto.Typing{
		ConversationID: conversationID,
		SenderID:       me.UserID,
		ReceiverID:     receiverID,
	})
	if err != nil {
		log.Debugf("chat [%s]: typing not sent: %v", conversationID, err)
	}
}

// MarkAsRead emits a read receipt. Message statuses are not touched here;
// they move only when the relay echoes the receipt back. The viewer's own
// unread counter for the conversation is cleared.
func (m *Manager) MarkAsRead(ctx context.Context, conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	me, ok := m.self.Current()
	if !ok {
		return ErrNoIdentity
	}
	err := m.sender.Send(ctx, proto.EvChatRead, proto.Read{
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
		ReaderID:       me.UserID,
		ReadAt:         time.Now(),
	})
	if err != nil {
		return fmt.Errorf("mark read %s: %w", conversationID, err)
	}

	m.mu.Lock()
	changed := false
	for i := range m.conversations {
		if m.conversations[i].ID == conversationID && m.conversations[i].Unread != 0 {
			m.conversations[i].Unread = 0
			changed = true
		}
	}
	m.mu.Unlock()
	if changed {
		m.notify(Update{Kind: UpdateConversations, ConversationID: conversationID})
	}
	return nil
}

// LoadHistory replaces the whole message list with the conversation's
// history. On failure the current list is kept.
func (m *Manager) LoadHistory(ctx context.Context, conversationID, token string) error {
	if m.history == nil {
		return errors.New("chat: no history source configured")
	}
	msgs, err := m.history.FetchMessages(ctx, conversationID, token)
	if err != nil {
		log.Warnf("chat [%s]: history fetch failed, keeping %d messages: %v", conversationID, m.count(), err)
		return fmt.Errorf("load history %s: %w", conversationID, err)
	}

	m.replace(conversationID, msgs)
	if m.cache != nil {
		if err := m.cache.Replace(conversationID, msgs); err != nil {
			log.Warnf("chat [%s]: cache write failed: %v", conversationID, err)
		}
	}
	log.Infof("chat [%s]: loaded %d messages", conversationID, len(msgs))
	return nil
}

// LoadCached replaces the message list with the locally cached copy of a
// conversation.
func (m *Manager) LoadCached(conversationID string) error {
	if m.cache == nil {
		return ErrNoCache
	}
	msgs, err := m.cache.Load(conversationID)
	if err != nil {
		return fmt.Errorf("load cached %s: %w", conversationID, err)
	}
	m.replace(conversationID, msgs)
	return nil
}

func (m *Manager) replace(conversationID string, msgs []Message) {
	list := make([]*Message, len(msgs))
	for i := range msgs {
		msg := msgs[i]
		list[i] = &msg
	}
	m.mu.Lock()
	m.messages = list
	m.mu.Unlock()
	m.notify(Update{Kind: UpdateMessages, ConversationID: conversationID})
}

// LoadConversations replaces the conversation list. Unread counts come from
// the fetched counter for role, not from local message state.
func (m *Manager) LoadConversations(ctx context.Context, role proto.Role, userID, token string) error {
	if m.history == nil {
		return errors.New("chat: no history source configured")
	}
	recs, err := m.history.FetchConversations(ctx, role, userID, token)
	if err != nil {
		log.Warnf("chat: conversation fetch failed: %v", err)
		return fmt.Errorf("load conversations: %w", err)
	}
	list := make([]Conversation, len(recs))
	for i, rec := range recs {
		list[i] = conversationFor(rec, role)
	}
	m.mu.Lock()
	m.conversations = list
	m.mu.Unlock()
	m.notify(Update{Kind: UpdateConversations})
	return nil
}

// Handle applies one inbound relay event. Events for other components are
// ignored.
func (m *Manager) Handle(ev proto.Event) {
	switch e := ev.(type) {
	case proto.ChatMessage:
		m.onMessage(e)
	case proto.Typing:
		m.onTyping(e)
	case proto.Delivered:
		m.onReceipt([]string{e.MessageID}, StatusDelivered, e.DeliveredAt)
	case proto.Read:
		m.onReceipt(e.MessageIDs, StatusRead, e.ReadAt)
	case proto.Connected, proto.Disconnected, proto.ConnectError:
		log.Debugf("chat: connectivity %s", e.EventName())
	case proto.IncomingCall, proto.CallOffer, proto.CallAnswer, proto.CallCandidate, proto.CallEnd:
	}
}

// Run applies events until ctx is done or events is closed.
func (m *Manager) Run(ctx context.Context, events <-chan proto.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.Handle(ev)
		}
	}
}

func (m *Manager) onMessage(ev proto.ChatMessage) {
	msg := fromEvent(ev)
	me, _ := m.self.Current()

	m.mu.Lock()
	m.messages = append(m.messages, &msg)
	convChanged := m.touchConversation(&msg)
	if msg.ReceiverID == me.UserID && msg.SenderID != me.UserID {
		for i := range m.conversations {
			if m.conversations[i].ID == msg.ConversationID {
				m.conversations[i].Unread++
				convChanged = true
			}
		}
	}
	typingCleared := false
	if msg.SenderID != me.UserID {
		typingCleared = m.stopTypingLocked(msg.ConversationID)
	}
	m.mu.Unlock()

	log.Debugf("chat [%s]: message %s from %s", msg.ConversationID, msg.ID, msg.SenderID)
	if m.cache != nil {
		if err := m.cache.Put(msg); err != nil {
			log.Warnf("chat [%s]: cache write failed: %v", msg.ConversationID, err)
		}
	}

	m.notify(Update{Kind: UpdateMessages, ConversationID: msg.ConversationID})
	if typingCleared {
		m.notify(Update{Kind: UpdateTyping, ConversationID: msg.ConversationID})
	}
	if convChanged {
		m.notify(Update{Kind: UpdateConversations, ConversationID: msg.ConversationID})
	}
}

// touchConversation records msg as the latest in its conversation. Caller
// holds mu.
func (m *Manager) touchConversation(msg *Message) bool {
	changed := false
	for i := range m.conversations {
		c := &m.conversations[i]
		if c.ID == msg.ConversationID && !msg.SentAt.Before(c.LastMessageAt) {
			c.LastMessage = msg.Content
			c.LastMessageAt = msg.SentAt
			changed = true
		}
	}
	return changed
}

func (m *Manager) onTyping(ev proto.Typing) {
	if me, _ := m.self.Current(); ev.SenderID != "" && ev.SenderID == me.UserID {
		return
	}
	conv := ev.ConversationID

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	_, wasTyping := m.typing[conv]
	m.stopTypingLocked(conv)
	var t *time.Timer
	t = time.AfterFunc(m.opts.TypingTimeout, func() {
		m.mu.Lock()
		expired := m.typing[conv] == t
		if expired {
			delete(m.typing, conv)
		}
		m.mu.Unlock()
		if expired {
			m.notify(Update{Kind: UpdateTyping, ConversationID: conv})
		}
	})
	m.typing[conv] = t
	m.mu.Unlock()

	if !wasTyping {
		m.notify(Update{Kind: UpdateTyping, ConversationID: conv})
	}
}

// stopTypingLocked clears the typing flag of conv. Caller holds mu.
func (m *Manager) stopTypingLocked(conv string) bool {
	t, ok := m.typing[conv]
	if !ok {
		return false
	}
	t.Stop()
	delete(m.typing, conv)
	return true
}

func (m *Manager) onReceipt(ids []string, status Status, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	var changed []*Message
	m.mu.Lock()
	for _, msg := range m.messages {
		if _, ok := want[msg.ID]; ok && msg.advance(status, at) {
			changed = append(changed, msg)
		}
	}
	convs := make(map[string]struct{}, len(changed))
	for _, msg := range changed {
		convs[msg.ConversationID] = struct{}{}
	}
	m.mu.Unlock()

	if m.cache != nil {
		for _, id := range ids {
			if err := m.cache.SetStatus(id, status, at); err != nil {
				log.Warnf("chat: cache status %s: %v", id, err)
			}
		}
	}
	if len(changed) == 0 {
		log.Debugf("chat: %s receipt for %d unknown message(s)", status, len(ids))
		return
	}
	for conv := range convs {
		m.notify(Update{Kind: UpdateMessages, ConversationID: conv})
	}
}

// Messages returns a copy of the message list in arrival order.
func (m *Manager) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	for i, msg := range m.messages {
		out[i] = *msg
	}
	return out
}

// ConversationMessages returns the messages of one conversation in arrival
// order.
func (m *Manager) ConversationMessages(conversationID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, 0)
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, *msg)
		}
	}
	return out
}

// Conversations returns a copy of the conversation list.
func (m *Manager) Conversations() []Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Conversation, len(m.conversations))
	copy(out, m.conversations)
	return out
}

// Typing reports whether the peer in conversationID is typing.
func (m *Manager) Typing(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.typing[conversationID]
	return ok
}

func (m *Manager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Subscribe returns a channel of state-change notifications. Slow
// subscribers miss updates instead of blocking the manager.
func (m *Manager) Subscribe() (ch <-chan Update, cancel func()) {
	c := make(chan Update, m.opts.SubscriberBuffer)
	m.listenerMu.Lock()
	m.listeners[c] = struct{}{}
	m.listenerMu.Unlock()

	cancel = func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[c]; ok {
			delete(m.listeners, c)
			close(c)
		}
		m.listenerMu.Unlock()
	}
	return c, cancel
}

func (m *Manager) notify(u Update) {
	m.listenerMu.RLock()
	for ch := range m.listeners {
		select {
		case ch <- u:
		default:
		}
	}
	m.listenerMu.RUnlock()
}

// Close stops typing timers and closes all subscriber channels.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	for conv := range m.typing {
		m.stopTypingLocked(conv)
	}
	m.mu.Unlock()

	m.listenerMu.Lock()
	for ch := range m.listeners {
		close(ch)
	}
	m.listeners = make(map[chan Update]struct{})
	m.listenerMu.Unlock()
	return nil
}
