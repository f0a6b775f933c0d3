package pocpoc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenStore_IsValid(t *testing.T) {
	ts := newTestTokens(t)
	assert.False(t, ts.IsValid(), "empty store")

	require.NoError(t, ts.SetToken(validToken(t, "u1"), "u1"))
	assert.True(t, ts.IsValid())

	require.NoError(t, ts.SetToken(expiredToken(t, "u1"), "u1"))
	assert.False(t, ts.IsValid())

	for _, bad := range []string{"garbage", "a.b.c", "", "eyJhbGciOiJIUzI1NiJ9.e30.sig"} {
		require.NoError(t, ts.SetToken(bad, "u1"))
		assert.NotPanics(t, func() { ts.IsValid() })
		assert.False(t, ts.IsValid(), "token %q", bad)
	}
}

func TestTokenStore_ClockOverride(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	now := exp.Add(-time.Second)
	ts, err := NewTokenStore(nil, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	require.NoError(t, ts.SetToken(makeToken(t, "u1", exp), "u1"))
	assert.True(t, ts.IsValid())

	now = exp
	assert.False(t, ts.IsValid(), "expiresAt <= now is invalid")
}

func TestTokenStore_NotifiesListeners(t *testing.T) {
	ts := newTestTokens(t)
	var got []string
	unsubscribe := ts.OnRefresh(func(token string) { got = append(got, token) })

	tok := validToken(t, "u1")
	require.NoError(t, ts.SetToken(tok, "u1"))
	require.NoError(t, ts.Clear())
	assert.Equal(t, []string{tok, ""}, got, "set notifies synchronously, clear notifies empty")

	unsubscribe()
	unsubscribe()
	require.NoError(t, ts.SetToken(tok, "u1"))
	assert.Len(t, got, 2)
}

func TestTokenStore_KeepsUserNameForSameUser(t *testing.T) {
	ts := newTestTokens(t)
	require.NoError(t, ts.SetToken(validToken(t, "u1"), "u1"))
	require.NoError(t, ts.SetUserName("alice"))

	require.NoError(t, ts.SetToken(validToken(t, "u1"), "u1"))
	s, ok := ts.Session()
	require.True(t, ok)
	assert.Equal(t, "alice", s.UserName)
	assert.False(t, s.ExpiresAt.IsZero())

	require.NoError(t, ts.SetToken(validToken(t, "u2"), "u2"))
	s, _ = ts.Session()
	assert.Empty(t, s.UserName)
}

func TestTokenStore_WaitValid(t *testing.T) {
	t.Run("already valid", func(t *testing.T) {
		ts := newTestTokens(t)
		tok := validToken(t, "u1")
		require.NoError(t, ts.SetToken(tok, "u1"))
		got, err := ts.WaitValid(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, tok, got)
	})

	t.Run("refresh arrives in window", func(t *testing.T) {
		ts := newTestTokens(t)
		require.NoError(t, ts.SetToken(expiredToken(t, "u1"), "u1"))
		fresh := validToken(t, "u1")
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = ts.SetToken(fresh, "u1")
		}()
		got, err := ts.WaitValid(context.Background(), 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, fresh, got)
	})

	t.Run("timeout", func(t *testing.T) {
		ts := newTestTokens(t)
		_, err := ts.WaitValid(context.Background(), 30*time.Millisecond)
		assert.ErrorIs(t, err, ErrAuthTimeout)
	})

	t.Run("context cancelled", func(t *testing.T) {
		ts := newTestTokens(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := ts.WaitValid(ctx, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

type stubRefresher struct {
	result *RefreshResult
	err    error
	calls  int
}

func (s *stubRefresher) RefreshToken(context.Context) (*RefreshResult, error) {
	s.calls++
	return s.result, s.err
}

func TestTokenStore_Refresh(t *testing.T) {
	t.Run("success keeps user id", func(t *testing.T) {
		ts := newTestTokens(t)
		require.NoError(t, ts.SetToken(expiredToken(t, "u1"), "u1"))
		fresh := validToken(t, "u1")
		r := &stubRefresher{result: &RefreshResult{Token: fresh}}

		got, err := ts.Refresh(context.Background(), r)
		require.NoError(t, err)
		assert.Equal(t, fresh, got)
		assert.Equal(t, "u1", ts.UserID())
		assert.True(t, ts.IsValid())
	})

	t.Run("valid token skips request", func(t *testing.T) {
		ts := newTestTokens(t)
		require.NoError(t, ts.SetToken(validToken(t, "u1"), "u1"))
		r := &stubRefresher{}
		_, err := ts.Refresh(context.Background(), r)
		require.NoError(t, err)
		assert.Zero(t, r.calls)
	})

	t.Run("failure clears session", func(t *testing.T) {
		ts := newTestTokens(t)
		require.NoError(t, ts.SetToken(expiredToken(t, "u1"), "u1"))
		var notified []string
		ts.OnRefresh(func(tok string) { notified = append(notified, tok) })

		_, err := ts.Refresh(context.Background(), &stubRefresher{err: &APIError{Code: 401}})
		require.ErrorIs(t, err, ErrSessionExpired)
		_, ok := ts.Token()
		assert.False(t, ok)
		assert.Equal(t, []string{""}, notified)
	})

	t.Run("empty token is a failure", func(t *testing.T) {
		ts := newTestTokens(t)
		_, err := ts.Refresh(context.Background(), &stubRefresher{result: &RefreshResult{}})
		assert.True(t, errors.Is(err, ErrSessionExpired))
	})
}

func TestTokenStore_RefreshRejected(t *testing.T) {
	t.Run("unexpired rejected token is replaced", func(t *testing.T) {
		ts := newTestTokens(t)
		revoked := validToken(t, "u1")
		require.NoError(t, ts.SetToken(revoked, "u1"))
		fresh := makeToken(t, "u1", time.Now().Add(2*time.Hour))
		r := &stubRefresher{result: &RefreshResult{Token: fresh}}

		got, err := ts.RefreshRejected(context.Background(), r, revoked)
		require.NoError(t, err)
		assert.Equal(t, fresh, got)
		assert.Equal(t, 1, r.calls)
	})

	t.Run("token replaced meanwhile skips request", func(t *testing.T) {
		ts := newTestTokens(t)
		current := validToken(t, "u1")
		require.NoError(t, ts.SetToken(current, "u1"))
		r := &stubRefresher{}

		got, err := ts.RefreshRejected(context.Background(), r, "older-token")
		require.NoError(t, err)
		assert.Equal(t, current, got)
		assert.Zero(t, r.calls)
	})

	t.Run("failure never hands back the rejected token", func(t *testing.T) {
		ts := newTestTokens(t)
		revoked := validToken(t, "u1")
		require.NoError(t, ts.SetToken(revoked, "u1"))

		_, err := ts.RefreshRejected(context.Background(), &stubRefresher{err: &APIError{Code: 401}}, revoked)
		require.ErrorIs(t, err, ErrSessionExpired)
		_, ok := ts.Token()
		assert.False(t, ok)
	})
}

func TestTokenStore_RestoresPersistedSession(t *testing.T) {
	storage := NewMemorySessionStorage()
	tok := validToken(t, "u1")
	require.NoError(t, storage.Save(Session{AccessToken: tok, UserID: "u1", UserName: "alice"}))

	ts, err := NewTokenStore(storage)
	require.NoError(t, err)
	got, ok := ts.Token()
	require.True(t, ok)
	assert.Equal(t, tok, got)
	assert.Equal(t, "u1", ts.UserID())

	require.NoError(t, ts.Clear())
	s, err := storage.Load()
	require.NoError(t, err)
	assert.Nil(t, s)
}
