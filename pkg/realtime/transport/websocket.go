package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexushq/rectoc/pkg/core"
)

// WebSocketTransport carries the control channel over a websocket for
// environments without UDP connectivity. Audio flows as base64 frames inside
// control messages, so no separate media path is negotiated.
type WebSocketTransport struct {
	baseURL string
	model   string
	dialer  *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex

	frames chan []byte
	errs   chan error

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewWebSocketTransport builds a websocket transport for the given endpoint.
func NewWebSocketTransport(baseURL, model string) *WebSocketTransport {
	return &WebSocketTransport{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:   strings.TrimSpace(model),
		dialer:  websocket.DefaultDialer,
		frames:  make(chan []byte, 256),
		errs:    make(chan error, 1),
	}
}

// Connect dials the endpoint with the bearer credential. The control channel
// is open as soon as the dial completes.
func (t *WebSocketTransport) Connect(ctx context.Context, token string) error {
	if t.closed.Load() {
		return core.NewInvalidRequestError("transport is closed")
	}

	wsURL, err := t.websocketURL()
	if err != nil {
		return err
	}

	connectCtx, cancel := ConnectTimeout(ctx, DefaultConnectTimeout)
	defer cancel()

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+token)

	conn, resp, err := t.dialer.DialContext(connectCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return core.NewSignalingError(fmt.Sprintf("websocket dial failed (status %d)", resp.StatusCode), err)
		}
		return core.NewSignalingError("websocket dial failed", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn)
	return nil
}

func (t *WebSocketTransport) websocketURL() (string, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return "", core.NewInvalidRequestError("invalid realtime base URL")
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", core.NewInvalidRequestError("realtime base URL must use http(s) or ws(s)")
	}
	if t.model != "" {
		q := u.Query()
		q.Set("model", t.model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || t.closed.Load() {
				t.teardown()
				return
			}
			t.fail(core.NewTransportError("websocket read", err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		t.emitFrame(data)
	}
}

func (t *WebSocketTransport) emitFrame(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return
	}
	select {
	case t.frames <- data:
	default:
		// Drop rather than stall the read loop.
	}
}

// Send writes one control-channel frame.
func (t *WebSocketTransport) Send(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if t.closed.Load() || conn == nil {
		return core.NewChannelClosedError("control channel is not open")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Frames yields inbound control-channel frames.
func (t *WebSocketTransport) Frames() <-chan []byte {
	return t.frames
}

// Errs yields the terminal asynchronous transport failure, if any.
func (t *WebSocketTransport) Errs() <-chan error {
	return t.errs
}

// Close closes the websocket. Safe to call multiple times and from any
// state.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		t.writeMu.Unlock()
	}
	t.teardown()
	return nil
}

func (t *WebSocketTransport) fail(err error) {
	select {
	case t.errs <- err:
	default:
	}
	t.teardown()
}

func (t *WebSocketTransport) teardown() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed.Store(true)
		conn := t.conn
		t.conn = nil
		close(t.frames)
		t.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
	})
}
