//go:build integration

package pocpoc_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	pocpoc "github.com/Hoang18769/pocpoc-sub004"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helpers ---------------------------------------------------------------

func requireEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Fatalf("%s environment variable is required", key)
	}
	return v
}

func newRuntime(t *testing.T) *pocpoc.Runtime {
	t.Helper()
	rt, err := pocpoc.NewRuntime(pocpoc.RuntimeConfig{
		BaseURL: requireEnv(t, "POCPOC_BASE_URL_TEST"),
		WSURL:   os.Getenv("POCPOC_WS_URL_TEST"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	require.NoError(t, rt.Tokens.SetToken(
		requireEnv(t, "POCPOC_TOKEN_TEST"),
		requireEnv(t, "POCPOC_USER_TEST"),
	))
	return rt
}

// =======================================================================
// REST
// =======================================================================

func TestIntegration_Sync(t *testing.T) {
	rt := newRuntime(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, rt.Sync(ctx))
	t.Logf("chats=%d notifications=%d unread=%d",
		len(rt.Chats.Chats()), len(rt.Notifications.Items()), rt.Notifications.UnreadCount())
}

// =======================================================================
// Realtime
// =======================================================================

func TestIntegration_Connect(t *testing.T) {
	rt := newRuntime(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, rt.Start(ctx))
	require.NoError(t, rt.WaitConnected(ctx))
	assert.Equal(t, pocpoc.StateConnected, rt.State())
}

func TestIntegration_SendEcho(t *testing.T) {
	chatID := requireEnv(t, "POCPOC_CHAT_TEST")
	rt := newRuntime(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	view := rt.UseChat(chatID)
	defer view.Close()
	require.NoError(t, rt.Start(ctx))
	require.NoError(t, rt.WaitConnected(ctx))

	content := fmt.Sprintf("integration %d", time.Now().UnixNano())
	local, done := view.Send(ctx, content)
	assert.Equal(t, pocpoc.StatusPending, local.Status)

	res := <-done
	require.NoError(t, res.Err)

	// The confirmed message and the topic echo collapse into one entry.
	require.Eventually(t, func() bool {
		n := 0
		for _, m := range view.Messages() {
			if m.Content == content {
				n++
			}
		}
		return n == 1
	}, 10*time.Second, 100*time.Millisecond)
}
