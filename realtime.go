package pocpoc

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the ConnectionManager.
type RealtimeConfig struct {
	// URL of the WebSocket endpoint, e.g. "wss://api.example.com/ws".
	URL string
	// ReconnectDelay is the fixed wait before the next connect attempt.
	ReconnectDelay time.Duration
	// ReconnectJitter caps the random delay added to ReconnectDelay.
	ReconnectJitter time.Duration
	// MaxReconnectAttempts is the number of consecutive failed attempts after
	// which the manager stays Disconnected. Negative means unlimited.
	MaxReconnectAttempts int
	// TokenWait bounds how long a connect attempt waits for a valid token.
	TokenWait        time.Duration
	HandshakeTimeout time.Duration
	// HeartbeatInterval is offered in both directions during CONNECT.
	// Negative disables heart-beating.
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.ReconnectJitter == 0 {
		c.ReconnectJitter = time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.TokenWait == 0 {
		c.TokenWait = DefaultTokenWait
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// ConnState is the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// StateListener observes state transitions. err is the cause of the
// transition when there is one.
type StateListener func(from, to ConnState, err error)

var (
	errTokenRefreshed   = errors.New("token refreshed during handshake")
	errHeartbeatTimeout = errors.New("heart-beat timeout")
)

// connectAttempt resolves exactly once per connect attempt.
type connectAttempt struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newConnectAttempt() *connectAttempt {
	return &connectAttempt{done: make(chan struct{})}
}

func (a *connectAttempt) resolve(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the single authenticated realtime connection of a
// session and drives reconnects.
type ConnectionManager struct {
	cfg       RealtimeConfig
	host      string
	tokens    *TokenStore
	refresher Refresher
	registry  *SubscriptionRegistry
	router    *MessageRouter
	dialer    Dialer
	logger    *zap.Logger

	mu        sync.Mutex
	state     ConnState
	lastErr   error
	transport Transport
	running   bool
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}
	attempt   *connectAttempt
	listeners map[uint64]StateListener
	nextID    uint64

	pendingMu  sync.Mutex
	pending    map[string]chan error
	receiptSeq atomic.Uint64
}

// ConnectionOption configures a ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) ConnectionOption {
	return func(m *ConnectionManager) { m.dialer = d }
}

// WithRefresher lets the manager refresh an expired token before waiting.
func WithRefresher(r Refresher) ConnectionOption {
	return func(m *ConnectionManager) { m.refresher = r }
}

// WithConnLogger sets the logger.
func WithConnLogger(l *zap.Logger) ConnectionOption {
	return func(m *ConnectionManager) { m.logger = l }
}

// NewConnectionManager wires a manager to its collaborators. It does not connect.
func NewConnectionManager(cfg RealtimeConfig, tokens *TokenStore, registry *SubscriptionRegistry, router *MessageRouter, opts ...ConnectionOption) *ConnectionManager {
	cfg.defaults()
	m := &ConnectionManager{
		cfg:       cfg,
		tokens:    tokens,
		registry:  registry,
		router:    router,
		dialer:    &WSDialer{},
		logger:    zap.NewNop(),
		state:     StateDisconnected,
		listeners: make(map[uint64]StateListener),
		pending:   make(map[string]chan error),
	}
	for _, opt := range opts {
		opt(m)
	}
	if u, err := url.Parse(cfg.URL); err == nil {
		m.host = u.Hostname()
	}
	return m
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent connection error.
func (m *ConnectionManager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// OnStateChange registers l. The returned func removes it.
func (m *ConnectionManager) OnStateChange(l StateListener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Start begins connecting in the background. Calling Start while a
// connection is being established or is up is a no-op.
func (m *ConnectionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.attempt = newConnectAttempt()
	go m.run(runCtx, m.done)
	return nil
}

// WaitConnected blocks until the current connect attempt resolves. It returns
// the attempt's error, or ctx.Err() when ctx ends first.
func (m *ConnectionManager) WaitConnected(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	a := m.attempt
	m.mu.Unlock()
	if a == nil {
		return ErrNotConnected
	}

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the connection down for good.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel, done, tr := m.cancel, m.done, m.transport
	m.mu.Unlock()

	if tr != nil {
		ctx, c := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
		_ = tr.WriteFrame(ctx, frame.New(frame.DISCONNECT))
		c()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	m.setState(StateDisconnected, nil)
	return nil
}

// Publish sends body to destination and waits for the server's receipt.
func (m *ConnectionManager) Publish(ctx context.Context, destination string, body []byte, headers ...string) error {
	m.mu.Lock()
	tr := m.transport
	m.mu.Unlock()
	if tr == nil {
		return ErrNotConnected
	}

	receipt := "r-" + strconv.FormatUint(m.receiptSeq.Add(1), 10)
	ch := make(chan error, 1)
	m.pendingMu.Lock()
	m.pending[receipt] = ch
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, receipt)
		m.pendingMu.Unlock()
	}()

	f := sendFrame(destination, body, append(headers, hdrReceipt, receipt)...)
	if err := tr.WriteFrame(ctx, f); err != nil {
		return fmt.Errorf("publish to %s: %w", destination, err)
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── run loop ─────────────────────────────────────────────

func (m *ConnectionManager) run(ctx context.Context, done chan struct{}) {
	var fatal error
	defer func() {
		m.mu.Lock()
		m.running = false
		a := m.attempt
		m.mu.Unlock()
		if a != nil {
			if fatal != nil {
				a.resolve(fatal)
			} else {
				a.resolve(ErrClosed)
			}
		}
		m.failPending(ErrNotConnected)
		if fatal != nil {
			m.setState(StateDisconnected, fatal)
		}
		close(done)
	}()

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		token, err := m.awaitToken(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("connect blocked on auth", zap.Error(err))
			m.resolveAttempt(err)
			fatal = err
			return
		}

		m.setState(StateConnecting, nil)
		tr, in, out, err := m.handshake(ctx, token)
		if errors.Is(err, errTokenRefreshed) {
			m.logger.Debug("token refreshed mid-handshake, restarting")
			continue
		}
		if err == nil {
			err = m.attach(tr)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			m.resolveAttempt(err)
			m.setState(StateDisconnected, err)
			if m.exhausted(failures) {
				fatal = ErrReconnectExhausted
				return
			}
			if !m.sleep(ctx, m.backoff()) {
				return
			}
			continue
		}

		failures = 0
		err = m.serve(ctx, tr, in, out)
		if ctx.Err() != nil {
			return
		}
		m.logger.Info("connection lost", zap.Error(err))
		m.setState(StateReconnecting, err)
		m.newAttempt()
		if !m.sleep(ctx, m.backoff()) {
			return
		}
	}
}

// awaitToken returns a valid token. With an expired token it asks the
// refresher (if any) and waits up to TokenWait for OnRefresh to deliver.
func (m *ConnectionManager) awaitToken(ctx context.Context) (string, error) {
	if m.tokens.IsValid() {
		token, _ := m.tokens.Token()
		return token, nil
	}

	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if m.refresher != nil {
		go func() {
			if _, err := m.tokens.Refresh(ctx, m.refresher); err != nil {
				cancel(err)
			}
		}()
	}

	token, err := m.tokens.WaitValid(waitCtx, m.cfg.TokenWait)
	if err != nil {
		if ctx.Err() == nil {
			if cause := context.Cause(waitCtx); cause != nil && !errors.Is(cause, context.Canceled) {
				return "", cause
			}
		}
		return "", err
	}
	return token, nil
}

// handshake dials and completes CONNECT/CONNECTED with token. A token refresh
// while it is in flight aborts it with errTokenRefreshed.
func (m *ConnectionManager) handshake(ctx context.Context, token string) (Transport, time.Duration, time.Duration, error) {
	hctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	hctx, cancelTimeout := context.WithTimeout(hctx, m.cfg.HandshakeTimeout)
	defer cancelTimeout()

	unsubscribe := m.tokens.OnRefresh(func(next string) {
		if next != token {
			cancel(errTokenRefreshed)
		}
	})
	defer unsubscribe()
	if cur, _ := m.tokens.Token(); cur != token {
		return nil, 0, 0, errTokenRefreshed
	}

	stale := func(err error) error {
		if errors.Is(context.Cause(hctx), errTokenRefreshed) {
			return errTokenRefreshed
		}
		return err
	}

	header := http.Header{}
	header.Set(hdrAuthorization, "Bearer "+token)
	tr, err := m.dialer.Dial(hctx, m.cfg.URL, header)
	if err != nil {
		return nil, 0, 0, stale(err)
	}

	if err := tr.WriteFrame(hctx, connectFrame(m.host, token, m.cfg.HeartbeatInterval)); err != nil {
		_ = tr.Close()
		return nil, 0, 0, stale(fmt.Errorf("send CONNECT: %w", err))
	}

	for {
		f, err := tr.ReadFrame(hctx)
		if err != nil {
			_ = tr.Close()
			return nil, 0, 0, stale(fmt.Errorf("read CONNECTED: %w", err))
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.CONNECTED:
			if err := stale(nil); err != nil {
				_ = tr.Close()
				return nil, 0, 0, err
			}
			in, out := negotiateHeartBeat(f.Header.Get(hdrHeartBeat), m.cfg.HeartbeatInterval)
			return tr, in, out, nil
		case frame.ERROR:
			_ = tr.Close()
			return nil, 0, 0, fmt.Errorf("%w: %s", ErrHandshakeRejected, f.Header.Get(hdrMessage))
		}
	}
}

// attach makes tr the live transport and replays every subscription on it.
// On failure tr is closed and nothing stays attached.
func (m *ConnectionManager) attach(tr Transport) error {
	m.mu.Lock()
	m.transport = tr
	m.mu.Unlock()

	if err := m.registry.attach(tr); err != nil {
		m.registry.detach()
		m.mu.Lock()
		m.transport = nil
		m.mu.Unlock()
		_ = tr.Close()
		return fmt.Errorf("resubscribe: %w", err)
	}
	return nil
}

// serve runs an attached connection until it fails.
func (m *ConnectionManager) serve(ctx context.Context, tr Transport, in, out time.Duration) error {
	defer func() {
		m.registry.detach()
		m.mu.Lock()
		m.transport = nil
		m.mu.Unlock()
		m.failPending(ErrNotConnected)
		_ = tr.Close()
	}()

	m.setState(StateConnected, nil)
	m.resolveAttempt(nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.readLoop(gctx, tr, in) })
	if out > 0 {
		g.Go(func() error { return m.heartbeatLoop(gctx, tr, out) })
	}
	return g.Wait()
}

func (m *ConnectionManager) readLoop(ctx context.Context, tr Transport, in time.Duration) error {
	for {
		rctx, cancel := ctx, context.CancelFunc(func() {})
		if in > 0 {
			rctx, cancel = context.WithTimeout(ctx, 2*in)
		}
		f, err := tr.ReadFrame(rctx)
		timedOut := errors.Is(rctx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			if timedOut && ctx.Err() == nil {
				return errHeartbeatTimeout
			}
			return err
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			m.router.Route(f)
		case frame.RECEIPT:
			m.settle(f.Header.Get(hdrReceiptID), nil)
		case frame.ERROR:
			msg := f.Header.Get(hdrMessage)
			if id := f.Header.Get(hdrReceiptID); id != "" {
				m.settle(id, fmt.Errorf("server rejected frame: %s", msg))
				continue
			}
			return fmt.Errorf("server error: %s", msg)
		}
	}
}

func (m *ConnectionManager) heartbeatLoop(ctx context.Context, tr Transport, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
			err := tr.WriteHeartbeat(wctx)
			cancel()
			if err != nil {
				return fmt.Errorf("write heart-beat: %w", err)
			}
		}
	}
}

// ── helpers ──────────────────────────────────────────────

func (m *ConnectionManager) setState(to ConnState, err error) {
	m.mu.Lock()
	from := m.state
	m.state = to
	if err != nil {
		m.lastErr = err
	}
	listeners := make([]StateListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	if from == to && err == nil {
		return
	}
	m.logger.Debug("connection state", zap.String("from", string(from)), zap.String("to", string(to)), zap.Error(err))
	for _, l := range listeners {
		l(from, to, err)
	}
}

func (m *ConnectionManager) resolveAttempt(err error) {
	m.mu.Lock()
	a := m.attempt
	if err != nil {
		m.attempt = newConnectAttempt()
	}
	m.mu.Unlock()
	if a != nil {
		a.resolve(err)
	}
}

func (m *ConnectionManager) newAttempt() {
	m.mu.Lock()
	m.attempt = newConnectAttempt()
	m.mu.Unlock()
}

func (m *ConnectionManager) exhausted(failures int) bool {
	return m.cfg.MaxReconnectAttempts >= 0 && failures >= m.cfg.MaxReconnectAttempts
}

func (m *ConnectionManager) backoff() time.Duration {
	d := m.cfg.ReconnectDelay
	if m.cfg.ReconnectJitter > 0 {
		d += time.Duration(rand.Int64N(int64(m.cfg.ReconnectJitter)))
	}
	return d
}

func (m *ConnectionManager) sleep(ctx context.Context, d time.Duration) bool {
	m.logger.Info("reconnecting", zap.Duration("delay", d))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *ConnectionManager) settle(receipt string, err error) {
	m.pendingMu.Lock()
	ch, ok := m.pending[receipt]
	delete(m.pending, receipt)
	m.pendingMu.Unlock()
	if ok {
		ch <- err
	}
}

func (m *ConnectionManager) failPending(err error) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	for k, ch := range m.pending {
		ch <- err
		delete(m.pending, k)
	}
}
