package pocpoc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned when a frame is written while no transport is live.
	ErrNotConnected = errors.New("pocpoc: not connected")
	// ErrClosed is returned by operations on a torn-down ConnectionManager or Runtime.
	ErrClosed = errors.New("pocpoc: closed")
	// ErrAuthTimeout is the fatal auth error surfaced when no valid token arrived
	// within the token wait window.
	ErrAuthTimeout = errors.New("pocpoc: timed out waiting for a valid token")
	// ErrSessionExpired means the refresh endpoint rejected the session and the
	// user has to log in again.
	ErrSessionExpired = errors.New("pocpoc: session expired")
	// ErrHandshakeRejected is returned when the server answers CONNECT with ERROR.
	ErrHandshakeRejected = errors.New("pocpoc: handshake rejected")
	// ErrReconnectExhausted is the persistent disconnected state after the
	// configured reconnect attempts were used up.
	ErrReconnectExhausted = errors.New("pocpoc: reconnect attempts exhausted")
	// ErrUnknownMessage is returned for retry/lookup of a message that is not tracked.
	ErrUnknownMessage = errors.New("pocpoc: unknown message")
)

// APIError is a non-200 envelope returned by the REST backend.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error %d", e.Code)
	}
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// envelope is the {code, body} wrapper every REST response uses.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Body    json.RawMessage `json:"body"`
}

// ============================================================================
// Domain Types
// ============================================================================

// UserRef identifies another user as embedded in chats and notifications.
type UserRef struct {
	ID        string `json:"id"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Attachment is a file reference carried instead of (or next to) text content.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Name     string `json:"name,omitempty"`
}

// SendStatus is the local delivery state of a message.
type SendStatus string

const (
	// StatusConfirmed messages came from the server.
	StatusConfirmed SendStatus = ""
	StatusPending   SendStatus = "pending"
	StatusFailed    SendStatus = "failed"
)

// Message is one chat message. Ordering key is SentAt with ID as tie-break.
type Message struct {
	ID            string      `json:"id"`
	CorrelationID string      `json:"correlationId,omitempty"`
	ChatID        string      `json:"chatId"`
	SenderID      string      `json:"senderId"`
	Content       string      `json:"content,omitempty"`
	Attachment    *Attachment `json:"attachment,omitempty"`
	SentAt        time.Time   `json:"sentAt"`
	Edited        bool        `json:"edited"`
	Deleted       bool        `json:"deleted"`

	Status SendStatus `json:"-"`
	Err    string     `json:"-"`
}

// Less reports whether m sorts before o.
func (m Message) Less(o Message) bool {
	if !m.SentAt.Equal(o.SentAt) {
		return m.SentAt.Before(o.SentAt)
	}
	return m.ID < o.ID
}

// Chat is one conversation in the chat list.
type Chat struct {
	ID            string    `json:"chatId"`
	Participants  []UserRef `json:"participants,omitempty"`
	LatestMessage *Message  `json:"latestMessage,omitempty"`
	UnreadCount   int       `json:"unreadCount"`
}

// NotificationAction enumerates what a notification is about.
type NotificationAction string

const (
	ActionFriendRequest  NotificationAction = "FRIEND_REQUEST"
	ActionFriendAccepted NotificationAction = "FRIEND_ACCEPTED"
	ActionLikePost       NotificationAction = "LIKE_POST"
	ActionCommentPost    NotificationAction = "COMMENT_POST"
	ActionSharePost      NotificationAction = "SHARE_POST"
	ActionNewChat        NotificationAction = "NEW_CHAT"
)

var notificationActions = map[NotificationAction]bool{
	ActionFriendRequest:  true,
	ActionFriendAccepted: true,
	ActionLikePost:       true,
	ActionCommentPost:    true,
	ActionSharePost:      true,
	ActionNewChat:        true,
}

// Valid reports whether a is a known action.
func (a NotificationAction) Valid() bool { return notificationActions[a] }

// Notification is one entry of the notification feed.
type Notification struct {
	ID      string             `json:"id"`
	Action  NotificationAction `json:"action"`
	Creator UserRef            `json:"creator"`
	SentAt  time.Time          `json:"sentAt"`
	IsRead  bool               `json:"isRead"`
}

// Presence is an online/offline update for a user.
type Presence struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// ============================================================================
// REST payloads
// ============================================================================

// SendMessageRequest is the body of POST /chat/messages/{chatId}.
type SendMessageRequest struct {
	CorrelationID string      `json:"correlationId"`
	Content       string      `json:"content,omitempty"`
	Attachment    *Attachment `json:"attachment,omitempty"`
}

// RefreshResult is the body of POST /auth/refresh.
type RefreshResult struct {
	Token  string `json:"token"`
	UserID string `json:"userId,omitempty"`
}
