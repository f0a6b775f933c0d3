package pocpoc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) (*Runtime, *fakeDialer, *atomic.Int32) {
	t.Helper()
	var chatLoads atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /chats", func(w http.ResponseWriter, r *http.Request) {
		chatLoads.Add(1)
		writeEnvelope(w, 200, []map[string]any{{"chatId": "42"}})
	})
	mux.HandleFunc("GET /notifications", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 200, []map[string]any{{"id": "n1", "action": "LIKE_POST", "creator": map[string]any{"id": "u2"}}})
	})
	mux.HandleFunc("POST /chat/messages/{chatId}", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 200, map[string]any{"id": "srv-1", "chatId": r.PathValue("chatId"), "content": "hi"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	dialer := newFakeDialer()
	rt, err := NewRuntime(RuntimeConfig{
		BaseURL:     srv.URL,
		SessionPath: filepath.Join(t.TempDir(), "session.db"),
		Realtime:    testRealtimeConfig(),
		Dialer:      dialer,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt, dialer, &chatLoads
}

func TestRuntime_LoginSubscribesUserTopics(t *testing.T) {
	rt, dialer, _ := newTestRuntime(t)
	require.NoError(t, rt.Login(context.Background(), validToken(t, "u1"), "u1"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.WaitConnected(ctx))
	assert.Equal(t, StateConnected, rt.State())
	assert.Equal(t, []string{"/notifications/u1"}, subscribedTopics(dialer.last()))

	require.NoError(t, rt.Sync(ctx))
	assert.Len(t, rt.Chats.Chats(), 1)
	assert.Equal(t, 1, rt.Notifications.UnreadCount())
}

func TestRuntime_ChatViewsShareTopic(t *testing.T) {
	rt, dialer, _ := newTestRuntime(t)
	require.NoError(t, rt.Login(context.Background(), validToken(t, "u1"), "u1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.WaitConnected(ctx))
	tr := dialer.last()

	first := rt.UseChat("42")
	second := rt.UseChat("42")
	assert.Equal(t, []string{"/notifications/u1", "/chat/42"}, subscribedTopics(tr))

	var changes atomic.Int32
	second.OnChange(func() { changes.Add(1) })

	first.Close()
	first.Close()
	assert.Empty(t, tr.frames(frame.UNSUBSCRIBE), "second view keeps the topic")
	assert.Equal(t, "42", rt.Chats.Focused())

	tr.deliver(messageFrame("", "/chat/42", `{"id":"m1","senderId":"u2","content":"still here"}`))
	require.Eventually(t, func() bool { return len(second.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Positive(t, changes.Load())

	second.Close()
	assert.Len(t, tr.frames(frame.UNSUBSCRIBE), 1)
	assert.Empty(t, rt.Chats.Focused())
}

func TestRuntime_ClosingViewRestoresFocus(t *testing.T) {
	rt, dialer, _ := newTestRuntime(t)
	require.NoError(t, rt.Login(context.Background(), validToken(t, "u1"), "u1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.WaitConnected(ctx))
	tr := dialer.last()

	a := rt.UseChat("41")
	b := rt.UseChat("42")
	assert.Equal(t, "42", rt.Chats.Focused())

	b.Close()
	assert.Equal(t, "41", rt.Chats.Focused(), "focus returns to the view still open")

	tr.deliver(messageFrame("", "/chat/41", `{"id":"m1","senderId":"u2","content":"while reading"}`))
	require.Eventually(t, func() bool { return len(a.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	chat, ok := a.Chat()
	require.True(t, ok)
	assert.Zero(t, chat.UnreadCount)

	c := rt.UseChat("43")
	a.Close()
	assert.Equal(t, "43", rt.Chats.Focused(), "closing an unfocused chat keeps focus")

	c.Close()
	assert.Empty(t, rt.Chats.Focused())
}

func TestRuntime_ChatViewSend(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	require.NoError(t, rt.Tokens.SetToken(validToken(t, "u1"), "u1"))

	view := rt.UseChat("42")
	defer view.Close()

	local, done := view.Send(context.Background(), "hi")
	assert.Equal(t, StatusPending, local.Status)
	res := <-done
	require.NoError(t, res.Err)

	msgs := view.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
}

func TestRuntime_NewChatNotificationReloadsChats(t *testing.T) {
	rt, dialer, chatLoads := newTestRuntime(t)
	require.NoError(t, rt.Login(context.Background(), validToken(t, "u1"), "u1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.WaitConnected(ctx))

	notifications := rt.UseNotifications()
	defer notifications.Close()

	dialer.last().deliver(messageFrame("", "/notifications/u1",
		`{"id":"n2","action":"NEW_CHAT","creator":{"id":"u3"},"sentAt":"2026-03-01T12:00:00Z"}`))

	require.Eventually(t, func() bool { return chatLoads.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(notifications.Items()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, rt.Notifications.Items(), 1, "feed is delivered once despite two subscriptions")
}

func TestRuntime_LogoutClearsSession(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	require.NoError(t, rt.Tokens.SetToken(validToken(t, "u1"), "u1"))
	rt.Chats.ApplyIncoming(msg("m1", "42", 0))

	require.NoError(t, rt.Logout())
	_, ok := rt.Tokens.Token()
	assert.False(t, ok)
	assert.Empty(t, rt.Chats.Chats())
	assert.Empty(t, rt.Registry.Topics())
	assert.ErrorIs(t, rt.Start(context.Background()), ErrClosed)
}

func TestRuntime_RestoresSessionFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	tok := validToken(t, "u1")

	rt, err := NewRuntime(RuntimeConfig{SessionPath: path, Dialer: newFakeDialer()})
	require.NoError(t, err)
	require.NoError(t, rt.Tokens.SetToken(tok, "u1"))
	require.NoError(t, rt.Close())

	rt, err = NewRuntime(RuntimeConfig{SessionPath: path, Dialer: newFakeDialer()})
	require.NoError(t, err)
	defer func() { _ = rt.Close() }()
	got, ok := rt.Tokens.Token()
	require.True(t, ok)
	assert.Equal(t, tok, got)
	assert.Equal(t, []string{"/notifications/u1"}, rt.Registry.Topics())
}
