package pocpoc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"go.uber.org/zap"
)

// ============================================================================
// NotificationFeed
// ============================================================================

// NotificationBackend is the REST side of the feed. *NotificationsClient
// implements it.
type NotificationBackend interface {
	List(ctx context.Context) ([]Notification, error)
	MarkRead(ctx context.Context, id string) error
}

// NotificationFeed is the newest-first notification list of the current
// user. It implements Handler for the notification topic.
type NotificationFeed struct {
	mu        sync.Mutex
	backend   NotificationBackend
	items     []Notification
	byID      map[string]int
	listeners map[uint64]func()
	nextID    uint64
	logger    *zap.Logger
}

// NewNotificationFeed creates an empty feed.
func NewNotificationFeed(backend NotificationBackend, logger *zap.Logger) *NotificationFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationFeed{
		backend:   backend,
		byID:      make(map[string]int),
		listeners: make(map[uint64]func()),
		logger:    logger,
	}
}

// Load fetches the feed and merges it.
func (f *NotificationFeed) Load(ctx context.Context) error {
	list, err := f.backend.List(ctx)
	if err != nil {
		return fmt.Errorf("load notifications: %w", err)
	}
	f.mu.Lock()
	for _, n := range list {
		f.merge(n)
	}
	f.reindex()
	f.mu.Unlock()
	f.emit()
	return nil
}

// HandleEvent adds realtime notifications.
func (f *NotificationFeed) HandleEvent(ev Event) {
	if ev.Notification != nil {
		f.Add(*ev.Notification)
	}
}

// Add merges n by id. A known notification can only go from unread to read.
func (f *NotificationFeed) Add(n Notification) bool {
	f.mu.Lock()
	changed := f.merge(n)
	if changed {
		f.reindex()
	}
	f.mu.Unlock()
	if changed {
		f.emit()
	}
	return changed
}

// Items returns a copy of the feed, newest first.
func (f *NotificationFeed) Items() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.items...)
}

// UnreadCount returns how many notifications are unread.
func (f *NotificationFeed) UnreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, it := range f.items {
		if !it.IsRead {
			n++
		}
	}
	return n
}

// MarkRead flags id as read right away and confirms with the backend. The
// flag is rolled back when the backend call fails.
func (f *NotificationFeed) MarkRead(ctx context.Context, id string) error {
	f.mu.Lock()
	i, ok := f.byID[id]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: notification %s", ErrUnknownMessage, id)
	}
	if f.items[i].IsRead {
		f.mu.Unlock()
		return nil
	}
	f.items[i].IsRead = true
	f.mu.Unlock()
	f.emit()

	if err := f.backend.MarkRead(ctx, id); err != nil {
		f.logger.Warn("mark read failed, rolling back", zap.String("notification_id", id), zap.Error(err))
		f.mu.Lock()
		if i, ok := f.byID[id]; ok {
			f.items[i].IsRead = false
		}
		f.mu.Unlock()
		f.emit()
		return fmt.Errorf("mark %s read: %w", id, err)
	}
	return nil
}

// OnChange registers fn. The returned func removes it.
func (f *NotificationFeed) OnChange(fn func()) (unsubscribe func()) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

// Reset empties the feed.
func (f *NotificationFeed) Reset() {
	f.mu.Lock()
	f.items = nil
	f.byID = make(map[string]int)
	f.mu.Unlock()
	f.emit()
}

func (f *NotificationFeed) merge(n Notification) bool {
	if i, ok := f.byID[n.ID]; ok {
		if n.IsRead && !f.items[i].IsRead {
			f.items[i].IsRead = true
			return true
		}
		return false
	}
	pos := sort.Search(len(f.items), func(i int) bool { return newer(n, f.items[i]) })
	f.items = append(f.items, Notification{})
	copy(f.items[pos+1:], f.items[pos:])
	f.items[pos] = n
	f.byID[n.ID] = pos
	return true
}

func (f *NotificationFeed) reindex() {
	for i, it := range f.items {
		f.byID[it.ID] = i
	}
}

func (f *NotificationFeed) emit() {
	f.mu.Lock()
	listeners := make([]func(), 0, len(f.listeners))
	for _, l := range f.listeners {
		listeners = append(listeners, l)
	}
	f.mu.Unlock()
	for _, l := range listeners {
		l()
	}
}

func newer(a, b Notification) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.After(b.SentAt)
	}
	return a.ID > b.ID
}

// ============================================================================
// PresenceTracker
// ============================================================================

// DefaultPresenceTTL is how long an "online" update stays valid without a
// newer one.
const DefaultPresenceTTL = 2 * time.Minute

// PresenceTracker keeps the last presence of users seen on /online topics.
// Online entries expire after the TTL so a missed "offline" frame does not
// leave a user online forever.
type PresenceTracker struct {
	online geche.Geche[string, Presence]

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewPresenceTracker creates a tracker. Expired entries are swept until ctx ends.
func NewPresenceTracker(ctx context.Context, ttl time.Duration) *PresenceTracker {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &PresenceTracker{
		online:   geche.NewMapTTLCache[string, Presence](ctx, ttl, ttl/2),
		lastSeen: make(map[string]time.Time),
	}
}

// HandleEvent records presence events.
func (p *PresenceTracker) HandleEvent(ev Event) {
	if ev.Presence != nil {
		p.Update(*ev.Presence)
	}
}

// Update applies one presence frame.
func (p *PresenceTracker) Update(pr Presence) {
	if pr.Online {
		p.online.Set(pr.UserID, pr)
		return
	}
	_ = p.online.Del(pr.UserID)
	if !pr.LastSeen.IsZero() {
		p.mu.Lock()
		p.lastSeen[pr.UserID] = pr.LastSeen
		p.mu.Unlock()
	}
}

// Presence returns the known presence of userID.
func (p *PresenceTracker) Presence(userID string) Presence {
	pr, err := p.online.Get(userID)
	if err == nil {
		return pr
	}
	if !errors.Is(err, geche.ErrNotFound) {
		return Presence{UserID: userID}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Presence{UserID: userID, LastSeen: p.lastSeen[userID]}
}

// Online lists the users currently online.
func (p *PresenceTracker) Online() []string {
	snap := p.online.Snapshot()
	out := make([]string, 0, len(snap))
	for id := range snap {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
