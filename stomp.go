package pocpoc

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"nhooyr.io/websocket"
)

// ============================================================================
// Transport
// ============================================================================

// Transport is one open realtime connection that carries STOMP frames.
// ReadFrame returns (nil, nil) for a heart-beat. ReadFrame is only called from
// one goroutine; WriteFrame may be called concurrently.
type Transport interface {
	ReadFrame(ctx context.Context) (*frame.Frame, error)
	WriteFrame(ctx context.Context, f *frame.Frame) error
	WriteHeartbeat(ctx context.Context) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

// WSDialer dials a WebSocket endpoint and frames STOMP on text messages.
type WSDialer struct {
	HTTPClient *http.Client
	ReadLimit  int64
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   header,
		Subprotocols: []string{"v12.stomp", "v11.stomp"},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	conn.SetReadLimit(limit)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame(ctx context.Context) (*frame.Frame, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return decodeFrame(data)
}

func (t *wsTransport) WriteFrame(ctx context.Context, f *frame.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) WriteHeartbeat(ctx context.Context) error {
	return t.conn.Write(ctx, websocket.MessageText, []byte("\n"))
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// ============================================================================
// Codec
// ============================================================================

func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

func decodeFrame(data []byte) (*frame.Frame, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

const (
	hdrAuthorization = "Authorization"
	hdrDestination   = "destination"
	hdrID            = "id"
	hdrSubscription  = "subscription"
	hdrReceipt       = "receipt"
	hdrReceiptID     = "receipt-id"
	hdrHeartBeat     = "heart-beat"
	hdrMessage       = "message"
	hdrContentType   = "content-type"
	hdrCorrelationID = "correlation-id"
)

func connectFrame(host, token string, heartbeat time.Duration) *frame.Frame {
	hb := strconv.FormatInt(max(heartbeat, 0).Milliseconds(), 10)
	return frame.New(frame.CONNECT,
		"accept-version", "1.2,1.1",
		"host", host,
		hdrHeartBeat, hb+","+hb,
		hdrAuthorization, "Bearer "+token,
	)
}

func subscribeFrame(id, topic string) *frame.Frame {
	return frame.New(frame.SUBSCRIBE,
		hdrID, id,
		hdrDestination, topic,
		"ack", "auto",
	)
}

func unsubscribeFrame(id string) *frame.Frame {
	return frame.New(frame.UNSUBSCRIBE, hdrID, id)
}

func sendFrame(destination string, body []byte, headers ...string) *frame.Frame {
	f := frame.New(frame.SEND, append([]string{
		hdrDestination, destination,
		hdrContentType, "application/json",
	}, headers...)...)
	f.Body = body
	return f
}

// negotiateHeartBeat applies the STOMP heart-beat rules to the server's
// "sx,sy" header given that we offered want in both directions. in is how
// often the server will send, out how often we must send; zero disables.
func negotiateHeartBeat(value string, want time.Duration) (in, out time.Duration) {
	parts := strings.SplitN(value, ",", 2)
	if len(parts) != 2 || want <= 0 {
		return 0, 0
	}
	sx, errX := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	sy, errY := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if errX == nil && sx > 0 {
		in = max(time.Duration(sx)*time.Millisecond, want)
	}
	if errY == nil && sy > 0 {
		out = max(time.Duration(sy)*time.Millisecond, want)
	}
	return in, out
}
