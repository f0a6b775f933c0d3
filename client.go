// Package pocpoc is the client core of the PocPoc messenger: authenticated
// realtime STOMP connection, durable topic subscriptions, event routing and
// the merged chat and notification state built on top of them.
//
// Example:
//
//	rt, _ := pocpoc.NewRuntime(pocpoc.RuntimeConfig{BaseURL: "https://api.pocpoc.dev"})
//	defer rt.Close()
//	rt.Start(ctx)
//
//	view := rt.UseChat("42")
//	defer view.Close()
//	msg, confirmed := view.Send(ctx, "hello")
package pocpoc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the REST backend. Requests carry the TokenStore's bearer
// token; a 401 triggers one refresh and a retry.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *TokenStore
	logger     *zap.Logger

	chats         *ChatsClient
	notifications *NotificationsClient
	friends       *FriendsClient
	auth          *AuthClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the HTTP client. Keep a cookie jar on it, the
// refresh endpoint is cookie based.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTokenStore(tokens *TokenStore) ClientOption {
	return func(c *Client) { c.tokens = tokens }
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a REST client.
func NewClient(opts ...ClientOption) *Client {
	jar, _ := cookiejar.New(nil)
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			Jar:     jar,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.chats = &ChatsClient{c}
	c.notifications = &NotificationsClient{c}
	c.friends = &FriendsClient{c}
	c.auth = &AuthClient{c}
	return c
}

// BaseURL returns the backend root URL.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Chats() *ChatsClient                 { return c.chats }
func (c *Client) Notifications() *NotificationsClient { return c.notifications }
func (c *Client) Friends() *FriendsClient             { return c.friends }
func (c *Client) Auth() *AuthClient                   { return c.auth }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	token := c.bearer()
	data, status, err := c.send(ctx, token, method, path, body, query)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized && c.tokens != nil && path != refreshPath {
		c.logger.Debug("request unauthorized, refreshing token", zap.String("path", path))
		next, rerr := c.tokens.RefreshRejected(ctx, c.auth, token)
		if rerr != nil {
			return nil, rerr
		}
		data, status, err = c.send(ctx, next, method, path, body, query)
		if err != nil {
			return nil, err
		}
	}
	return unwrap(data, status)
}

func (c *Client) bearer() string {
	if c.tokens == nil {
		return ""
	}
	token, _ := c.tokens.Token()
	return token
}

func (c *Client) send(ctx context.Context, token, method, path string, body any, query url.Values) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

// unwrap checks the {code, body} envelope and returns body.
func unwrap(data []byte, status int) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if status != http.StatusOK {
			return nil, &APIError{Code: status, Message: strings.TrimSpace(string(data))}
		}
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if env.Code == 0 {
		env.Code = status
	}
	if env.Code != http.StatusOK {
		return nil, &APIError{Code: env.Code, Message: env.Message}
	}
	return env.Body, nil
}

func decodeJSON[T any](data []byte) (T, error) {
	var result T
	if len(data) == 0 || string(data) == "null" {
		return result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result, nil
}

// ============================================================================
// Chats
// ============================================================================

type ChatsClient struct{ c *Client }

// List returns the user's chats.
func (cc *ChatsClient) List(ctx context.Context) ([]Chat, error) {
	data, err := cc.c.doRequest(ctx, http.MethodGet, "/chats", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]Chat](data)
}

// Messages returns one page of a chat's history.
func (cc *ChatsClient) Messages(ctx context.Context, chatID string, page, size int) ([]Message, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}
	data, err := cc.c.doRequest(ctx, http.MethodGet, "/chat/messages/"+url.PathEscape(chatID), nil, q)
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]Message](data)
}

// Send posts a message and returns the stored copy.
func (cc *ChatsClient) Send(ctx context.Context, chatID string, req SendMessageRequest) (*Message, error) {
	data, err := cc.c.doRequest(ctx, http.MethodPost, "/chat/messages/"+url.PathEscape(chatID), req, nil)
	if err != nil {
		return nil, err
	}
	m, err := decodeJSON[*Message](data)
	if err != nil {
		return nil, err
	}
	if m != nil && m.ChatID == "" {
		m.ChatID = chatID
	}
	return m, nil
}

// ============================================================================
// Notifications
// ============================================================================

type NotificationsClient struct{ c *Client }

func (nc *NotificationsClient) List(ctx context.Context) ([]Notification, error) {
	data, err := nc.c.doRequest(ctx, http.MethodGet, "/notifications", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]Notification](data)
}

func (nc *NotificationsClient) MarkRead(ctx context.Context, id string) error {
	_, err := nc.c.doRequest(ctx, http.MethodPost, "/notifications/"+url.PathEscape(id)+"/read", nil, nil)
	return err
}

// ============================================================================
// Friends
// ============================================================================

type FriendsClient struct{ c *Client }

// Requests lists pending incoming friend requests.
func (fc *FriendsClient) Requests(ctx context.Context) ([]UserRef, error) {
	data, err := fc.c.doRequest(ctx, http.MethodGet, "/friend-requests", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]UserRef](data)
}

func (fc *FriendsClient) Request(ctx context.Context, userID string) error {
	_, err := fc.c.doRequest(ctx, http.MethodPost, "/friend-requests/"+url.PathEscape(userID), nil, nil)
	return err
}

func (fc *FriendsClient) Cancel(ctx context.Context, userID string) error {
	_, err := fc.c.doRequest(ctx, http.MethodDelete, "/friend-requests/"+url.PathEscape(userID), nil, nil)
	return err
}

// ============================================================================
// Auth
// ============================================================================

const refreshPath = "/auth/refresh"

type AuthClient struct{ c *Client }

// RefreshToken exchanges the refresh cookie for a new access token.
func (ac *AuthClient) RefreshToken(ctx context.Context) (*RefreshResult, error) {
	data, err := ac.c.doRequest(ctx, http.MethodPost, refreshPath, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[*RefreshResult](data)
}
