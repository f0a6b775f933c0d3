package pocpoc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/go-stomp/stomp/v3/frame"
	"go.uber.org/zap"
)

// ============================================================================
// Event Types
// ============================================================================

// EventKind discriminates routed events. Notification events use the
// notification's action as their kind.
type EventKind string

const (
	KindNewMessage EventKind = "NEW_MESSAGE"
	KindEdit       EventKind = "EDIT"
	KindDelete     EventKind = "DELETE"
	KindPresence   EventKind = "PRESENCE"
)

// IsNotification reports whether k is a notification action.
func (k EventKind) IsNotification() bool { return NotificationAction(k).Valid() }

// Event is one decoded inbound frame.
type Event struct {
	Topic        string
	Kind         EventKind
	ChatID       string
	Message      *Message
	Notification *Notification
	Presence     *Presence
	Raw          json.RawMessage
}

var errMalformed = errors.New("malformed payload")

type chatPayload struct {
	Type EventKind `json:"type"`
	Message
}

// ParseEvent decodes a frame body published on topic.
func ParseEvent(topic string, body []byte) (Event, error) {
	ev := Event{Topic: topic, Raw: json.RawMessage(body)}

	switch {
	case strings.HasPrefix(topic, "/chat/"):
		var p chatPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return ev, fmt.Errorf("%w: %v", errMalformed, err)
		}
		if p.ID == "" {
			return ev, fmt.Errorf("%w: message without id", errMalformed)
		}
		if p.ChatID == "" {
			p.ChatID = strings.TrimPrefix(topic, "/chat/")
		}
		switch p.Type {
		case "":
			p.Type = KindNewMessage
		case KindNewMessage, KindEdit, KindDelete:
		default:
			return ev, fmt.Errorf("%w: unknown chat event %q", errMalformed, p.Type)
		}
		msg := p.Message
		ev.Kind = p.Type
		ev.ChatID = msg.ChatID
		ev.Message = &msg

	case strings.HasPrefix(topic, "/notifications/"):
		var n Notification
		if err := json.Unmarshal(body, &n); err != nil {
			return ev, fmt.Errorf("%w: %v", errMalformed, err)
		}
		if n.ID == "" || !n.Action.Valid() {
			return ev, fmt.Errorf("%w: notification %q action %q", errMalformed, n.ID, n.Action)
		}
		ev.Kind = EventKind(n.Action)
		ev.Notification = &n

	case strings.HasPrefix(topic, "/online/"):
		var p Presence
		if err := json.Unmarshal(body, &p); err != nil {
			return ev, fmt.Errorf("%w: %v", errMalformed, err)
		}
		if p.UserID == "" {
			return ev, fmt.Errorf("%w: presence without userId", errMalformed)
		}
		ev.Kind = KindPresence
		ev.Presence = &p

	default:
		var generic struct {
			Type EventKind `json:"type"`
		}
		if err := json.Unmarshal(body, &generic); err != nil {
			return ev, fmt.Errorf("%w: %v", errMalformed, err)
		}
		ev.Kind = generic.Type
	}
	return ev, nil
}

// ============================================================================
// MessageRouter
// ============================================================================

// MessageRouter decodes MESSAGE frames and hands them to the topic's
// handlers synchronously, so per-topic order equals transport order.
type MessageRouter struct {
	registry *SubscriptionRegistry
	logger   *zap.Logger
	dropped  atomic.Int64
}

// NewMessageRouter creates a router reading handlers from registry.
func NewMessageRouter(registry *SubscriptionRegistry, logger *zap.Logger) *MessageRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageRouter{registry: registry, logger: logger}
}

// Route dispatches one MESSAGE frame. Malformed payloads are logged and dropped.
func (r *MessageRouter) Route(f *frame.Frame) {
	topic := f.Header.Get(hdrDestination)
	if id := f.Header.Get(hdrSubscription); id != "" {
		if t, ok := r.registry.topicFor(id); ok {
			topic = t
		}
	}
	if topic == "" {
		r.drop("", errors.New("frame without destination"))
		return
	}

	ev, err := ParseEvent(topic, f.Body)
	if err != nil {
		r.drop(topic, err)
		return
	}

	handlers := r.registry.Handlers(topic)
	if len(handlers) == 0 {
		r.logger.Debug("no handler for topic", zap.String("topic", topic))
		return
	}
	for _, h := range handlers {
		r.invoke(h, ev)
	}
}

// Dropped returns how many frames were discarded as malformed.
func (r *MessageRouter) Dropped() int64 { return r.dropped.Load() }

func (r *MessageRouter) drop(topic string, err error) {
	r.dropped.Add(1)
	r.logger.Warn("dropping frame", zap.String("topic", topic), zap.Error(err))
}

func (r *MessageRouter) invoke(h Handler, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panicked",
				zap.String("topic", ev.Topic),
				zap.String("kind", string(ev.Kind)),
				zap.Any("panic", p))
		}
	}()
	h.HandleEvent(ev)
}
