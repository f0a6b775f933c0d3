package pocpoc

import (
	"context"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"go.uber.org/zap"
)

// Topics the backend publishes on.
func ChatTopic(chatID string) string         { return "/chat/" + chatID }
func NotificationTopic(userID string) string { return "/notifications/" + userID }
func PresenceTopic(userID string) string     { return "/online/" + userID }

// Handler receives routed events for a topic.
//
// Handlers whose dynamic type is comparable (pointers, for example) are
// identified by value: subscribing the same handler to the same topic again
// adds a reference instead of a second delivery.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to Handler. Functions are not comparable, so
// every HandlerFunc subscription is distinct.
type HandlerFunc func(Event)

func (f HandlerFunc) HandleEvent(e Event) { f(e) }

type frameWriter interface {
	WriteFrame(ctx context.Context, f *frame.Frame) error
}

type handlerEntry struct {
	handler Handler
	refs    int
}

type topicEntry struct {
	topic    string
	id       string
	handlers []*handlerEntry
	live     bool
}

// SubscriptionRegistry tracks topic subscriptions across reconnects. Each
// topic with at least one handler maps to exactly one server-side
// subscription while a transport is attached.
type SubscriptionRegistry struct {
	mu           sync.Mutex
	topics       map[string]*topicEntry
	byID         map[string]*topicEntry
	order        []string
	nextID       uint64
	wire         frameWriter
	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry(logger *zap.Logger) *SubscriptionRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionRegistry{
		topics:       make(map[string]*topicEntry),
		byID:         make(map[string]*topicEntry),
		writeTimeout: 5 * time.Second,
		logger:       logger,
	}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	registry *SubscriptionRegistry
	topic    string
	entry    *handlerEntry
	once     sync.Once
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe releases this handle. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.registry.release(s.topic, s.entry) })
}

// Subscribe registers h for topic. When no transport is attached the
// subscription is queued and issued on the next connect.
func (r *SubscriptionRegistry) Subscribe(topic string, h Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.topics[topic]
	if !ok {
		r.nextID++
		entry = &topicEntry{topic: topic, id: "sub-" + strconv.FormatUint(r.nextID, 10)}
		r.topics[topic] = entry
		r.byID[entry.id] = entry
		r.order = append(r.order, topic)
	}

	var he *handlerEntry
	for _, existing := range entry.handlers {
		if sameHandler(existing.handler, h) {
			he = existing
			break
		}
	}
	if he == nil {
		he = &handlerEntry{handler: h}
		entry.handlers = append(entry.handlers, he)
	}
	he.refs++

	if r.wire != nil && !entry.live {
		if err := r.write(subscribeFrame(entry.id, topic)); err != nil {
			r.logger.Warn("subscribe failed, will retry on reconnect",
				zap.String("topic", topic), zap.Error(err))
		} else {
			entry.live = true
		}
	}

	return &Subscription{registry: r, topic: topic, entry: he}
}

func (r *SubscriptionRegistry) release(topic string, he *handlerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.topics[topic]
	if !ok {
		return
	}
	he.refs--
	if he.refs > 0 {
		return
	}
	for i, existing := range entry.handlers {
		if existing == he {
			entry.handlers = append(entry.handlers[:i], entry.handlers[i+1:]...)
			break
		}
	}
	if len(entry.handlers) > 0 {
		return
	}

	delete(r.topics, topic)
	delete(r.byID, entry.id)
	for i, t := range r.order {
		if t == topic {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if entry.live && r.wire != nil {
		if err := r.write(unsubscribeFrame(entry.id)); err != nil {
			r.logger.Warn("unsubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	entry.live = false
}

// attach binds a freshly connected transport and re-issues every topic in
// registration order.
func (r *SubscriptionRegistry) attach(w frameWriter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.wire = w
	for _, topic := range r.order {
		entry := r.topics[topic]
		entry.live = false
		if err := r.write(subscribeFrame(entry.id, topic)); err != nil {
			return err
		}
		entry.live = true
	}
	return nil
}

// detach forgets the transport; server-side subscriptions died with it.
func (r *SubscriptionRegistry) detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wire = nil
	for _, entry := range r.topics {
		entry.live = false
	}
}

// Reset drops every subscription, used on session teardown.
func (r *SubscriptionRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, topic := range r.order {
		entry := r.topics[topic]
		if entry.live && r.wire != nil {
			_ = r.write(unsubscribeFrame(entry.id))
		}
	}
	r.topics = make(map[string]*topicEntry)
	r.byID = make(map[string]*topicEntry)
	r.order = nil
}

// Handlers returns the handlers of topic in registration order.
func (r *SubscriptionRegistry) Handlers(topic string) []Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.topics[topic]
	if !ok {
		return nil
	}
	out := make([]Handler, len(entry.handlers))
	for i, he := range entry.handlers {
		out[i] = he.handler
	}
	return out
}

// topicFor resolves a STOMP subscription id back to its topic.
func (r *SubscriptionRegistry) topicFor(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byID[id]
	if !ok {
		return "", false
	}
	return entry.topic, true
}

// Topics returns the topics with at least one handler, in registration order.
func (r *SubscriptionRegistry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// LiveCount returns how many server-side subscriptions are open.
func (r *SubscriptionRegistry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, entry := range r.topics {
		if entry.live {
			n++
		}
	}
	return n
}

func (r *SubscriptionRegistry) write(f *frame.Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	return r.wire.WriteFrame(ctx, f)
}

func sameHandler(a, b Handler) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta == nil || ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
