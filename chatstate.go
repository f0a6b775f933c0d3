package pocpoc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChatBackend is the REST side of chat state. *ChatsClient implements it.
type ChatBackend interface {
	List(ctx context.Context) ([]Chat, error)
	Messages(ctx context.Context, chatID string, page, size int) ([]Message, error)
	Send(ctx context.Context, chatID string, req SendMessageRequest) (*Message, error)
}

// SendResult is the confirmation of an optimistic send.
type SendResult struct {
	Message Message
	Err     error
}

// ChangeListener is told which chat changed. An empty chatID means the chat
// list itself changed.
type ChangeListener func(chatID string)

type chatEntry struct {
	chat     Chat
	messages []Message
	loaded   bool
	err      error
}

// ChatSessionState merges REST pages, realtime events and optimistic sends
// into one view of the user's chats. It implements Handler for chat topics.
type ChatSessionState struct {
	mu        sync.Mutex
	backend   ChatBackend
	chats     map[string]*chatEntry
	msgIndex  map[string]string // message id -> chat id
	focused   string
	listeners map[uint64]ChangeListener
	nextID    uint64

	self        func() string
	now         func() time.Time
	newID       func() string
	sendTimeout time.Duration
	logger      *zap.Logger
}

// ChatStateOption configures a ChatSessionState.
type ChatStateOption func(*ChatSessionState)

// WithSelf reports the current user id; messages from that user never count
// as unread.
func WithSelf(fn func() string) ChatStateOption {
	return func(s *ChatSessionState) { s.self = fn }
}

// WithSendTimeout bounds each send request.
func WithSendTimeout(d time.Duration) ChatStateOption {
	return func(s *ChatSessionState) { s.sendTimeout = d }
}

// WithChatLogger sets the logger.
func WithChatLogger(l *zap.Logger) ChatStateOption {
	return func(s *ChatSessionState) { s.logger = l }
}

// NewChatSessionState creates empty chat state on top of backend.
func NewChatSessionState(backend ChatBackend, opts ...ChatStateOption) *ChatSessionState {
	s := &ChatSessionState{
		backend:     backend,
		chats:       make(map[string]*chatEntry),
		msgIndex:    make(map[string]string),
		listeners:   make(map[uint64]ChangeListener),
		self:        func() string { return "" },
		now:         time.Now,
		newID:       uuid.NewString,
		sendTimeout: 30 * time.Second,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ============================================================================
// Reads
// ============================================================================

// Chats returns the chat list, most recent activity first.
func (s *ChatSessionState) Chats() []Chat {
	s.mu.Lock()
	out := make([]Chat, 0, len(s.chats))
	for _, e := range s.chats {
		out = append(out, copyChat(e.chat))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LatestMessage, out[j].LatestMessage
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return b.Less(*a)
	})
	return out
}

// Chat returns one chat.
func (s *ChatSessionState) Chat(chatID string) (Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.chats[chatID]
	if !ok {
		return Chat{}, false
	}
	return copyChat(e.chat), true
}

// Messages returns the history of chatID in order, tombstones included.
func (s *ChatSessionState) Messages(chatID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	return append([]Message(nil), e.messages...)
}

// HistoryErr returns the error of the last failed history load of chatID.
func (s *ChatSessionState) HistoryErr(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.chats[chatID]; ok {
		return e.err
	}
	return nil
}

// Focused returns the focused chat id.
func (s *ChatSessionState) Focused() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}

// OnChange registers fn. The returned func removes it.
func (s *ChatSessionState) OnChange(fn ChangeListener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// ============================================================================
// REST loads
// ============================================================================

// LoadChats fetches the chat list and merges it. Local histories are kept.
func (s *ChatSessionState) LoadChats(ctx context.Context) error {
	chats, err := s.backend.List(ctx)
	if err != nil {
		return fmt.Errorf("load chats: %w", err)
	}

	s.mu.Lock()
	for _, c := range chats {
		e := s.entry(c.ID)
		latest := e.chat.LatestMessage
		e.chat = c
		if latest != nil && (c.LatestMessage == nil || c.LatestMessage.Less(*latest)) {
			e.chat.LatestMessage = latest
		}
		if c.ID == s.focused {
			e.chat.UnreadCount = 0
		}
	}
	s.mu.Unlock()

	s.emit("")
	return nil
}

// LoadHistory fetches one page of chatID's history and merges it by id.
// Known messages pick up edits and deletions from the page in place. A
// failure is kept as the chat's error state until the next successful load.
func (s *ChatSessionState) LoadHistory(ctx context.Context, chatID string, page, size int) error {
	msgs, err := s.backend.Messages(ctx, chatID, page, size)

	s.mu.Lock()
	e := s.entry(chatID)
	if err != nil {
		e.err = fmt.Errorf("load history of %s: %w", chatID, err)
		err = e.err
		s.mu.Unlock()
		s.logger.Warn("history load failed", zap.String("chat_id", chatID), zap.Error(err))
		s.emit(chatID)
		return err
	}
	e.err = nil
	e.loaded = true
	for _, m := range msgs {
		if m.ChatID == "" {
			m.ChatID = chatID
		}
		if known, ok := s.msgIndex[m.ID]; ok {
			s.modify(s.chats[known], m.ID, func(cur *Message) bool { return reconcile(cur, m) })
			continue
		}
		s.insert(e, m)
	}
	s.mu.Unlock()

	s.emit(chatID)
	return nil
}

// ============================================================================
// Realtime merges
// ============================================================================

// HandleEvent applies chat topic events.
func (s *ChatSessionState) HandleEvent(ev Event) {
	if ev.Message == nil {
		return
	}
	switch ev.Kind {
	case KindNewMessage:
		s.ApplyIncoming(*ev.Message)
	case KindEdit:
		s.ApplyEdit(ev.Message.ID, ev.Message.Content)
	case KindDelete:
		s.ApplyDelete(ev.Message.ID)
	}
}

// ApplyIncoming merges a server message. A known id is a no-op. A message
// carrying the correlation id of a local optimistic entry replaces it. Anything
// else is appended and counts as unread unless its chat is focused or it was
// sent by the current user.
func (s *ChatSessionState) ApplyIncoming(m Message) bool {
	m.Status, m.Err = StatusConfirmed, ""

	s.mu.Lock()
	if _, ok := s.msgIndex[m.ID]; ok {
		s.mu.Unlock()
		return false
	}
	e := s.entry(m.ChatID)
	if m.CorrelationID != "" {
		if i := indexOfCorrelation(e.messages, m.CorrelationID); i >= 0 {
			s.replace(e, i, m)
			s.mu.Unlock()
			s.emit(m.ChatID)
			return true
		}
	}
	s.insert(e, m)
	if m.ChatID != s.focused && m.SenderID != s.self() {
		e.chat.UnreadCount++
	}
	s.mu.Unlock()

	s.emit(m.ChatID)
	return true
}

// ApplyEdit sets new content on messageID. Tombstones stay deleted.
func (s *ChatSessionState) ApplyEdit(messageID, content string) bool {
	return s.update(messageID, func(m *Message) bool {
		if m.Deleted || (m.Edited && m.Content == content) {
			return false
		}
		m.Content = content
		m.Edited = true
		return true
	})
}

// ApplyDelete turns messageID into a tombstone. The entry keeps its position.
func (s *ChatSessionState) ApplyDelete(messageID string) bool {
	return s.update(messageID, func(m *Message) bool {
		if m.Deleted {
			return false
		}
		m.Deleted = true
		m.Content = ""
		m.Attachment = nil
		return true
	})
}

// Focus marks chatID as the open chat and resets its unread count.
func (s *ChatSessionState) Focus(chatID string) {
	s.mu.Lock()
	s.focused = chatID
	e := s.entry(chatID)
	changed := e.chat.UnreadCount != 0
	e.chat.UnreadCount = 0
	s.mu.Unlock()
	if changed {
		s.emit(chatID)
	}
}

// Blur clears the focus if chatID is focused.
func (s *ChatSessionState) Blur(chatID string) {
	s.mu.Lock()
	if s.focused == chatID {
		s.focused = ""
	}
	s.mu.Unlock()
}

// Reset forgets everything, used on logout.
func (s *ChatSessionState) Reset() {
	s.mu.Lock()
	s.chats = make(map[string]*chatEntry)
	s.msgIndex = make(map[string]string)
	s.focused = ""
	s.mu.Unlock()
	s.emit("")
}

// ============================================================================
// Optimistic send
// ============================================================================

// SendMessage appends a pending message to chatID and returns it at once. The
// channel yields exactly one result when the backend answers.
func (s *ChatSessionState) SendMessage(ctx context.Context, chatID, content string) (Message, <-chan SendResult) {
	return s.send(ctx, chatID, content, nil)
}

// SendAttachment is SendMessage for a file reference.
func (s *ChatSessionState) SendAttachment(ctx context.Context, chatID string, att Attachment, caption string) (Message, <-chan SendResult) {
	return s.send(ctx, chatID, caption, &att)
}

func (s *ChatSessionState) send(ctx context.Context, chatID, content string, att *Attachment) (Message, <-chan SendResult) {
	correlationID := s.newID()
	local := Message{
		ID:            "local-" + correlationID,
		CorrelationID: correlationID,
		ChatID:        chatID,
		SenderID:      s.self(),
		Content:       content,
		Attachment:    att,
		SentAt:        s.now(),
		Status:        StatusPending,
	}

	s.mu.Lock()
	s.insert(s.entry(chatID), local)
	s.mu.Unlock()
	s.emit(chatID)

	return local, s.deliver(ctx, local)
}

// RetrySend re-issues a failed message under its original correlation id.
func (s *ChatSessionState) RetrySend(ctx context.Context, correlationID string) (<-chan SendResult, error) {
	s.mu.Lock()
	var (
		msg   Message
		found bool
	)
	for _, e := range s.chats {
		if i := indexOfCorrelation(e.messages, correlationID); i >= 0 && e.messages[i].Status == StatusFailed {
			e.messages[i].Status = StatusPending
			e.messages[i].Err = ""
			msg, found = e.messages[i], true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return nil, fmt.Errorf("%w: no failed message %s", ErrUnknownMessage, correlationID)
	}

	s.emit(msg.ChatID)
	return s.deliver(ctx, msg), nil
}

func (s *ChatSessionState) deliver(ctx context.Context, local Message) <-chan SendResult {
	result := make(chan SendResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
		defer cancel()

		confirmed, err := s.backend.Send(ctx, local.ChatID, SendMessageRequest{
			CorrelationID: local.CorrelationID,
			Content:       local.Content,
			Attachment:    local.Attachment,
		})
		if err == nil && confirmed == nil {
			err = fmt.Errorf("empty send response")
		}
		if err != nil {
			s.logger.Warn("send failed", zap.String("chat_id", local.ChatID),
				zap.String("correlation_id", local.CorrelationID), zap.Error(err))
			result <- SendResult{Message: s.fail(local, err), Err: err}
			return
		}
		result <- SendResult{Message: s.confirm(local, *confirmed)}
	}()
	return result
}

// confirm swaps the optimistic entry for the server copy. When the realtime
// echo already delivered the server copy the optimistic entry is dropped.
func (s *ChatSessionState) confirm(local, server Message) Message {
	if server.ChatID == "" {
		server.ChatID = local.ChatID
	}
	server.CorrelationID = local.CorrelationID
	server.Status, server.Err = StatusConfirmed, ""

	s.mu.Lock()
	e := s.entry(local.ChatID)
	i := indexOfCorrelation(e.messages, local.CorrelationID)
	switch {
	case i < 0:
		// already replaced by the realtime echo
	case e.messages[i].ID == server.ID:
		e.messages[i].Status = StatusConfirmed
	case s.has(server.ID):
		s.remove(e, i)
	default:
		s.replace(e, i, server)
	}
	s.mu.Unlock()

	s.emit(local.ChatID)
	return server
}

func (s *ChatSessionState) fail(local Message, err error) Message {
	s.mu.Lock()
	e := s.entry(local.ChatID)
	i := indexOfCorrelation(e.messages, local.CorrelationID)
	if i < 0 || e.messages[i].Status != StatusPending {
		s.mu.Unlock()
		return local
	}
	e.messages[i].Status = StatusFailed
	e.messages[i].Err = err.Error()
	failed := e.messages[i]
	s.mu.Unlock()

	s.emit(local.ChatID)
	return failed
}

// ============================================================================
// internals, called with s.mu held
// ============================================================================

func (s *ChatSessionState) entry(chatID string) *chatEntry {
	e, ok := s.chats[chatID]
	if !ok {
		e = &chatEntry{chat: Chat{ID: chatID}}
		s.chats[chatID] = e
	}
	return e
}

func (s *ChatSessionState) has(messageID string) bool {
	_, ok := s.msgIndex[messageID]
	return ok
}

func (s *ChatSessionState) insert(e *chatEntry, m Message) {
	i := sort.Search(len(e.messages), func(i int) bool { return m.Less(e.messages[i]) })
	e.messages = append(e.messages, Message{})
	copy(e.messages[i+1:], e.messages[i:])
	e.messages[i] = m
	s.msgIndex[m.ID] = e.chat.ID
	s.touchLatest(e)
}

func (s *ChatSessionState) replace(e *chatEntry, i int, m Message) {
	s.remove(e, i)
	s.insert(e, m)
}

func (s *ChatSessionState) remove(e *chatEntry, i int) {
	id := e.messages[i].ID
	delete(s.msgIndex, id)
	e.messages = append(e.messages[:i], e.messages[i+1:]...)
	if e.chat.LatestMessage != nil && e.chat.LatestMessage.ID == id {
		e.chat.LatestMessage = nil
	}
	s.touchLatest(e)
}

func (s *ChatSessionState) touchLatest(e *chatEntry) {
	if len(e.messages) == 0 {
		return
	}
	last := e.messages[len(e.messages)-1]
	if e.chat.LatestMessage == nil || !last.Less(*e.chat.LatestMessage) {
		e.chat.LatestMessage = &last
	}
}

func (s *ChatSessionState) update(messageID string, fn func(*Message) bool) bool {
	s.mu.Lock()
	chatID, ok := s.msgIndex[messageID]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("update for unknown message", zap.String("message_id", messageID))
		return false
	}
	changed := s.modify(s.chats[chatID], messageID, fn)
	s.mu.Unlock()

	if changed {
		s.emit(chatID)
	}
	return changed
}

func (s *ChatSessionState) modify(e *chatEntry, messageID string, fn func(*Message) bool) bool {
	for i := range e.messages {
		if e.messages[i].ID != messageID {
			continue
		}
		if !fn(&e.messages[i]) {
			return false
		}
		if e.chat.LatestMessage != nil && e.chat.LatestMessage.ID == messageID {
			latest := e.messages[i]
			e.chat.LatestMessage = &latest
		}
		return true
	}
	return false
}

// reconcile folds a server copy of a known message into cur. Deletion is
// final and content only changes for messages the server marks edited.
func reconcile(cur *Message, from Message) bool {
	switch {
	case cur.Deleted:
		return false
	case from.Deleted:
		cur.Deleted = true
		cur.Content = ""
		cur.Attachment = nil
		return true
	case from.Edited && (!cur.Edited || cur.Content != from.Content):
		cur.Content = from.Content
		cur.Edited = true
		return true
	}
	return false
}

func (s *ChatSessionState) emit(chatID string) {
	s.mu.Lock()
	listeners := make([]ChangeListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l(chatID)
	}
}

func indexOfCorrelation(msgs []Message, correlationID string) int {
	for i := range msgs {
		if msgs[i].CorrelationID == correlationID && msgs[i].Status != StatusConfirmed {
			return i
		}
	}
	return -1
}

func copyChat(c Chat) Chat {
	c.Participants = append([]UserRef(nil), c.Participants...)
	if c.LatestMessage != nil {
		m := *c.LatestMessage
		c.LatestMessage = &m
	}
	return c
}
