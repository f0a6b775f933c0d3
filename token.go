package pocpoc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// DefaultTokenWait bounds how long a connect attempt waits for a refreshed token.
const DefaultTokenWait = 10 * time.Second

// Session is the authenticated identity of the current user.
type Session struct {
	AccessToken string
	UserID      string
	UserName    string
	ExpiresAt   time.Time
}

// RefreshListener receives the new token after SetToken, or "" after Clear.
type RefreshListener func(token string)

// Refresher exchanges the refresh cookie for a new access token.
type Refresher interface {
	RefreshToken(ctx context.Context) (*RefreshResult, error)
}

// TokenStore owns the current Session. It persists every change and notifies
// OnRefresh listeners synchronously.
type TokenStore struct {
	mu        sync.RWMutex
	storage   SessionStorage
	session   *Session
	listeners map[uint64]RefreshListener
	nextID    uint64

	refreshMu sync.Mutex
	now       func() time.Time
	logger    *zap.Logger
}

// TokenStoreOption configures a TokenStore.
type TokenStoreOption func(*TokenStore)

// WithTokenLogger sets the logger used by the store.
func WithTokenLogger(l *zap.Logger) TokenStoreOption {
	return func(s *TokenStore) { s.logger = l }
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) TokenStoreOption {
	return func(s *TokenStore) { s.now = now }
}

// NewTokenStore creates a store backed by storage and restores any persisted
// session. A nil storage keeps the session in memory.
func NewTokenStore(storage SessionStorage, opts ...TokenStoreOption) (*TokenStore, error) {
	if storage == nil {
		storage = NewMemorySessionStorage()
	}
	s := &TokenStore{
		storage:   storage,
		listeners: make(map[uint64]RefreshListener),
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	session, err := storage.Load()
	if err != nil {
		return nil, fmt.Errorf("restore session: %w", err)
	}
	s.session = session
	return s, nil
}

// Token returns the current access token, if any.
func (s *TokenStore) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil || s.session.AccessToken == "" {
		return "", false
	}
	return s.session.AccessToken, true
}

// Session returns a copy of the current session.
func (s *TokenStore) Session() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return Session{}, false
	}
	return *s.session, true
}

// UserID returns the id of the logged in user or "".
func (s *TokenStore) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return ""
	}
	return s.session.UserID
}

// IsValid decodes the token's exp claim and compares it with the clock.
// A missing, malformed or expiry-less token is invalid.
func (s *TokenStore) IsValid() bool {
	token, ok := s.Token()
	if !ok {
		return false
	}
	exp, ok := tokenExpiry(token)
	if !ok {
		return false
	}
	return exp.After(s.now())
}

// SetToken stores a new token for userID and notifies listeners. The user name
// of an existing session for the same user is kept.
func (s *TokenStore) SetToken(token, userID string) error {
	s.mu.Lock()
	next := Session{AccessToken: token, UserID: userID}
	if s.session != nil && s.session.UserID == userID {
		next.UserName = s.session.UserName
	}
	if exp, ok := tokenExpiry(token); ok {
		next.ExpiresAt = exp
	}
	s.session = &next
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	err := s.storage.Save(next)
	if err != nil {
		s.logger.Warn("persist session failed", zap.String("user_id", userID), zap.Error(err))
	}
	notify(listeners, token)
	if err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// SetUserName records the display name of the current user.
func (s *TokenStore) SetUserName(name string) error {
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return nil
	}
	s.session.UserName = name
	cp := *s.session
	s.mu.Unlock()
	return s.storage.Save(cp)
}

// Clear destroys the session and notifies listeners with "".
func (s *TokenStore) Clear() error {
	s.mu.Lock()
	s.session = nil
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	err := s.storage.Clear()
	notify(listeners, "")
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// OnRefresh registers fn for token changes. The returned func removes it.
func (s *TokenStore) OnRefresh(fn RefreshListener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// WaitValid returns a valid token, waiting up to timeout for a refresh to
// deliver one. It fails with ErrAuthTimeout when none arrives in time.
func (s *TokenStore) WaitValid(ctx context.Context, timeout time.Duration) (string, error) {
	refreshed := make(chan struct{}, 1)
	unsubscribe := s.OnRefresh(func(string) {
		select {
		case refreshed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if s.IsValid() {
			token, _ := s.Token()
			return token, nil
		}
		select {
		case <-refreshed:
		case <-timer.C:
			return "", ErrAuthTimeout
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Refresh asks r for a new token. On failure the session is cleared and
// ErrSessionExpired is returned. Concurrent calls are serialized and a call
// that finds a valid token after waiting returns it without another request.
func (s *TokenStore) Refresh(ctx context.Context, r Refresher) (string, error) {
	return s.refresh(ctx, r, "")
}

// RefreshRejected is Refresh for a token the backend refused even though its
// exp claim has not passed. rejected is never returned; a different valid
// token stored in the meantime is returned without another request.
func (s *TokenStore) RefreshRejected(ctx context.Context, r Refresher, rejected string) (string, error) {
	return s.refresh(ctx, r, rejected)
}

func (s *TokenStore) refresh(ctx context.Context, r Refresher, rejected string) (string, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if token, ok := s.usable(rejected); ok {
		return token, nil
	}

	result, err := r.RefreshToken(ctx)
	if err != nil && ctx.Err() != nil {
		return "", err
	}
	if err != nil || result == nil || result.Token == "" {
		if err == nil {
			err = fmt.Errorf("empty token in refresh response")
		}
		if token, ok := s.usable(rejected); ok {
			return token, nil
		}
		s.logger.Warn("token refresh failed, clearing session", zap.Error(err))
		_ = s.Clear()
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	userID := result.UserID
	if userID == "" {
		userID = s.UserID()
	}
	if err := s.SetToken(result.Token, userID); err != nil {
		return result.Token, err
	}
	return result.Token, nil
}

// usable returns the current token when it is unexpired and not rejected.
func (s *TokenStore) usable(rejected string) (string, bool) {
	token, ok := s.Token()
	if !ok || (rejected != "" && token == rejected) || !s.IsValid() {
		return "", false
	}
	return token, true
}

func (s *TokenStore) snapshotListeners() []RefreshListener {
	out := make([]RefreshListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

func notify(listeners []RefreshListener, token string) {
	for _, l := range listeners {
		l(token)
	}
}

// tokenExpiry reads the exp claim. The signature is not verified.
func tokenExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
