package pocpoc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testSigningKey = []byte("test-signing-key")

func makeToken(t *testing.T, userID string, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(exp.Add(-time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSigningKey)
	require.NoError(t, err)
	return token
}

func validToken(t *testing.T, userID string) string {
	return makeToken(t, userID, time.Now().Add(time.Hour))
}

func expiredToken(t *testing.T, userID string) string {
	return makeToken(t, userID, time.Now().Add(-time.Minute))
}

func newTestTokens(t *testing.T) *TokenStore {
	t.Helper()
	ts, err := NewTokenStore(nil)
	require.NoError(t, err)
	return ts
}

// ── fake transport ───────────────────────────────────────

// fakeTransport is an in-memory Transport. Frames pushed with deliver are
// returned by ReadFrame; written frames are recorded.
type fakeTransport struct {
	header  http.Header
	inbound chan *frame.Frame
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written []*frame.Frame

	// onWrite, when set, is called for every written frame.
	onWrite func(*fakeTransport, *frame.Frame)
	// rejectWrite, when set, fails writes of commands it returns true for.
	rejectWrite func(command string) bool
}

func newFakeTransport(header http.Header) *fakeTransport {
	return &fakeTransport{
		header:  header,
		inbound: make(chan *frame.Frame, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadFrame(ctx context.Context) (*frame.Frame, error) {
	select {
	case fr := <-f.inbound:
		return fr, nil
	case <-f.closed:
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) WriteFrame(_ context.Context, fr *frame.Frame) error {
	select {
	case <-f.closed:
		return errors.New("transport closed")
	default:
	}
	if f.rejectWrite != nil && f.rejectWrite(fr.Command) {
		return fmt.Errorf("write %s: broken pipe", fr.Command)
	}
	f.mu.Lock()
	f.written = append(f.written, fr)
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(f, fr)
	}
	return nil
}

func (f *fakeTransport) WriteHeartbeat(context.Context) error { return nil }

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) deliver(fr *frame.Frame) { f.inbound <- fr }

// drop simulates the server going away.
func (f *fakeTransport) drop() { _ = f.Close() }

func (f *fakeTransport) frames(command string) []*frame.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*frame.Frame
	for _, fr := range f.written {
		if fr.Command == command {
			out = append(out, fr)
		}
	}
	return out
}

// autoConnect answers CONNECT with CONNECTED and SEND receipts with RECEIPT.
func autoConnect(f *fakeTransport, fr *frame.Frame) {
	switch fr.Command {
	case frame.CONNECT:
		f.deliver(frame.New(frame.CONNECTED, "version", "1.2", hdrHeartBeat, "0,0"))
	case frame.SEND:
		if r := fr.Header.Get(hdrReceipt); r != "" {
			f.deliver(frame.New(frame.RECEIPT, hdrReceiptID, r))
		}
	}
}

// fakeDialer hands out fake transports and records each dial.
type fakeDialer struct {
	mu      sync.Mutex
	dials   []*fakeTransport
	dialed  chan *fakeTransport
	fail    error
	onWrite func(*fakeTransport, *frame.Frame)

	rejectWrite func(command string) bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeTransport, 16), onWrite: autoConnect}
}

func (d *fakeDialer) Dial(_ context.Context, _ string, header http.Header) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	tr := newFakeTransport(header.Clone())
	tr.onWrite = d.onWrite
	tr.rejectWrite = d.rejectWrite
	d.dials = append(d.dials, tr)
	d.dialed <- tr
	return tr, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dials) == 0 {
		return nil
	}
	return d.dials[len(d.dials)-1]
}

// ── recording handler ────────────────────────────────────

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) HandleEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func messageFrame(subID, destination, body string) *frame.Frame {
	f := frame.New(frame.MESSAGE,
		hdrSubscription, subID,
		hdrDestination, destination,
		"message-id", "m-"+destination,
	)
	f.Body = []byte(body)
	return f
}
