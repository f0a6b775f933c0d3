package pocpoc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RuntimeConfig configures a Runtime.
type RuntimeConfig struct {
	BaseURL string
	// WSURL defaults to BaseURL + "/ws".
	WSURL string
	// SessionPath is the bbolt file holding the session. Empty keeps it in memory.
	SessionPath string

	Realtime        RealtimeConfig
	PresenceTTL     time.Duration
	HistoryPageSize int

	HTTPClient *http.Client
	Dialer     Dialer
	Logger     *zap.Logger
}

// Runtime is the per-session provider: it constructs every component once,
// wires them together and hands narrow views to consumers.
type Runtime struct {
	cfg    RuntimeConfig
	logger *zap.Logger

	storage       SessionStorage
	Tokens        *TokenStore
	Client        *Client
	Registry      *SubscriptionRegistry
	Router        *MessageRouter
	Conn          *ConnectionManager
	Chats         *ChatSessionState
	Notifications *NotificationFeed
	Presence      *PresenceTracker

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	boundUser    string
	userSubs     []*Subscription
	openViews    []string // one entry per open ChatView, newest last
	closed       bool
	unsubRefresh func()
}

// NewRuntime builds a Runtime. It restores the persisted session but does not
// connect; call Start.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.WSURL == "" {
		cfg.WSURL = cfg.BaseURL + "/ws"
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var storage SessionStorage = NewMemorySessionStorage()
	if cfg.SessionPath != "" {
		bolt, err := NewBoltSessionStorage(cfg.SessionPath)
		if err != nil {
			return nil, err
		}
		storage = bolt
	}

	tokens, err := NewTokenStore(storage, WithTokenLogger(logger.Named("token")))
	if err != nil {
		closeStorage(storage)
		return nil, err
	}

	clientOpts := []ClientOption{
		WithBaseURL(cfg.BaseURL),
		WithTokenStore(tokens),
		WithClientLogger(logger.Named("rest")),
	}
	if cfg.HTTPClient != nil {
		clientOpts = append(clientOpts, WithHTTPClient(cfg.HTTPClient))
	}
	client := NewClient(clientOpts...)

	registry := NewSubscriptionRegistry(logger.Named("subscriptions"))
	router := NewMessageRouter(registry, logger.Named("router"))

	rtCfg := cfg.Realtime
	rtCfg.URL = cfg.WSURL
	connOpts := []ConnectionOption{
		WithRefresher(client.Auth()),
		WithConnLogger(logger.Named("realtime")),
	}
	if cfg.Dialer != nil {
		connOpts = append(connOpts, WithDialer(cfg.Dialer))
	} else if cfg.HTTPClient != nil {
		connOpts = append(connOpts, WithDialer(&WSDialer{HTTPClient: cfg.HTTPClient}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		cfg:           cfg,
		logger:        logger,
		storage:       storage,
		Tokens:        tokens,
		Client:        client,
		Registry:      registry,
		Router:        router,
		Conn:          NewConnectionManager(rtCfg, tokens, registry, router, connOpts...),
		Notifications: NewNotificationFeed(client.Notifications(), logger.Named("notifications")),
		Presence:      NewPresenceTracker(ctx, cfg.PresenceTTL),
		ctx:           ctx,
		cancel:        cancel,
	}
	r.Chats = NewChatSessionState(client.Chats(),
		WithSelf(tokens.UserID),
		WithChatLogger(logger.Named("chats")),
	)

	r.unsubRefresh = tokens.OnRefresh(r.onToken)
	r.bindUser(tokens.UserID())
	return r, nil
}

// Start connects in the background. It is a no-op while connecting or connected.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return r.Conn.Start(ctx)
}

// Login stores a token obtained elsewhere and starts the connection.
func (r *Runtime) Login(ctx context.Context, token, userID string) error {
	if err := r.Tokens.SetToken(token, userID); err != nil {
		return err
	}
	return r.Start(ctx)
}

// Sync loads the chat list and the notification feed over REST.
func (r *Runtime) Sync(ctx context.Context) error {
	return errors.Join(r.Chats.LoadChats(ctx), r.Notifications.Load(ctx))
}

// WaitConnected waits for the current connect attempt.
func (r *Runtime) WaitConnected(ctx context.Context) error { return r.Conn.WaitConnected(ctx) }

// State returns the connection state.
func (r *Runtime) State() ConnState { return r.Conn.State() }

// Logout destroys the session and tears the runtime down.
func (r *Runtime) Logout() error {
	return errors.Join(r.Tokens.Clear(), r.Close())
}

// Close tears the session down: the connection is closed, every subscription
// dropped and the session storage released.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.unsubRefresh()
	err := r.Conn.Close()
	r.Registry.Reset()
	r.cancel()
	return errors.Join(err, closeStorage(r.storage))
}

// ============================================================================
// Views
// ============================================================================

// ChatView is a consumer's handle on one chat. Opening it subscribes the chat
// topic and focuses the chat; Close undoes both.
type ChatView struct {
	rt     *Runtime
	chatID string
	sub    *Subscription
	once   sync.Once
}

// UseChat opens a view on chatID and focuses it. When the focused chat's last
// view closes, focus moves to the most recently opened chat that still has
// one.
func (r *Runtime) UseChat(chatID string) *ChatView {
	v := &ChatView{
		rt:     r,
		chatID: chatID,
		sub:    r.Registry.Subscribe(ChatTopic(chatID), r.Chats),
	}
	r.mu.Lock()
	r.openViews = append(r.openViews, chatID)
	r.mu.Unlock()
	r.Chats.Focus(chatID)
	return v
}

func (v *ChatView) ID() string          { return v.chatID }
func (v *ChatView) Messages() []Message { return v.rt.Chats.Messages(v.chatID) }
func (v *ChatView) Chat() (Chat, bool)  { return v.rt.Chats.Chat(v.chatID) }
func (v *ChatView) Err() error          { return v.rt.Chats.HistoryErr(v.chatID) }

// Load fetches page of the history.
func (v *ChatView) Load(ctx context.Context, page int) error {
	return v.rt.Chats.LoadHistory(ctx, v.chatID, page, v.rt.cfg.HistoryPageSize)
}

// Send sends content optimistically.
func (v *ChatView) Send(ctx context.Context, content string) (Message, <-chan SendResult) {
	return v.rt.Chats.SendMessage(ctx, v.chatID, content)
}

// Retry re-sends a failed message.
func (v *ChatView) Retry(ctx context.Context, correlationID string) (<-chan SendResult, error) {
	return v.rt.Chats.RetrySend(ctx, correlationID)
}

// OnChange calls fn whenever this chat changes.
func (v *ChatView) OnChange(fn func()) (unsubscribe func()) {
	return v.rt.Chats.OnChange(func(chatID string) {
		if chatID == v.chatID {
			fn()
		}
	})
}

// Close releases the view.
func (v *ChatView) Close() {
	v.once.Do(func() {
		v.sub.Unsubscribe()
		r := v.rt
		r.mu.Lock()
		r.openViews = removeLast(r.openViews, v.chatID)
		last := !slices.Contains(r.openViews, v.chatID)
		next := ""
		if n := len(r.openViews); n > 0 {
			next = r.openViews[n-1]
		}
		r.mu.Unlock()
		if !last || r.Chats.Focused() != v.chatID {
			return
		}
		if next != "" {
			r.Chats.Focus(next)
		} else {
			r.Chats.Blur(v.chatID)
		}
	})
}

func removeLast(ids []string, id string) []string {
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] == id {
			return slices.Delete(ids, i, i+1)
		}
	}
	return ids
}

// NotificationsView is a consumer's handle on the notification feed.
type NotificationsView struct {
	rt   *Runtime
	sub  *Subscription
	once sync.Once
}

// UseNotifications opens a view on the current user's notifications.
func (r *Runtime) UseNotifications() *NotificationsView {
	return &NotificationsView{
		rt:  r,
		sub: r.Registry.Subscribe(NotificationTopic(r.Tokens.UserID()), r.Notifications),
	}
}

func (v *NotificationsView) Items() []Notification { return v.rt.Notifications.Items() }
func (v *NotificationsView) UnreadCount() int      { return v.rt.Notifications.UnreadCount() }

func (v *NotificationsView) MarkRead(ctx context.Context, id string) error {
	return v.rt.Notifications.MarkRead(ctx, id)
}

func (v *NotificationsView) OnChange(fn func()) (unsubscribe func()) {
	return v.rt.Notifications.OnChange(fn)
}

func (v *NotificationsView) Close() {
	v.once.Do(v.sub.Unsubscribe)
}

// WatchPresence subscribes to userID's online topic.
func (r *Runtime) WatchPresence(userID string) *Subscription {
	return r.Registry.Subscribe(PresenceTopic(userID), r.Presence)
}

// ============================================================================
// Session binding
// ============================================================================

func (r *Runtime) onToken(token string) {
	if token == "" {
		r.bindUser("")
		r.Chats.Reset()
		r.Notifications.Reset()
		return
	}
	r.bindUser(r.Tokens.UserID())
}

// bindUser keeps the per-user topics subscribed for the logged in user.
func (r *Runtime) bindUser(userID string) {
	r.mu.Lock()
	if r.boundUser == userID {
		r.mu.Unlock()
		return
	}
	old := r.userSubs
	r.userSubs = nil
	r.boundUser = userID
	r.mu.Unlock()

	for _, s := range old {
		s.Unsubscribe()
	}
	if userID == "" {
		return
	}

	topic := NotificationTopic(userID)
	subs := []*Subscription{
		r.Registry.Subscribe(topic, r.Notifications),
		r.Registry.Subscribe(topic, HandlerFunc(r.onNotification)),
	}
	r.mu.Lock()
	r.userSubs = subs
	r.mu.Unlock()
	r.logger.Debug("bound user topics", zap.String("user_id", userID))
}

func (r *Runtime) onNotification(ev Event) {
	if ev.Kind != EventKind(ActionNewChat) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, DefaultTimeout)
		defer cancel()
		if err := r.Chats.LoadChats(ctx); err != nil {
			r.logger.Warn("reload chats after NEW_CHAT", zap.Error(err))
		}
	}()
}

func closeStorage(s SessionStorage) error {
	if c, ok := s.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close session storage: %w", err)
		}
	}
	return nil
}
