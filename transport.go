package lexchat

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// TransportKind names a push transport.
type TransportKind string

const (
	TransportWebSocket TransportKind = "websocket"
	TransportSSE       TransportKind = "sse"
)

const maxFrameSize = 1 << 20

var errReceiveOnly = errors.New("transport is receive-only")

// transport is one established push connection.
type transport interface {
	Kind() TransportKind
	// Read blocks until the next frame. It returns an error once the
	// connection is closed or broken.
	Read(ctx context.Context) (RealtimeEnvelope, error)
	Write(ctx context.Context, data []byte) error
	CanWrite() bool
	// Ping checks liveness.
	Ping(ctx context.Context) error
	Close() error
}

func dialTransport(ctx context.Context, kind TransportKind, baseURL string, sess Session, cfg *RealtimeConfig) (transport, error) {
	switch kind {
	case TransportWebSocket:
		return dialWebSocket(ctx, baseURL, sess, cfg)
	case TransportSSE:
		return dialSSE(ctx, baseURL, sess, cfg)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

func authFailure(status int, body string) error {
	reason := strings.TrimSpace(body)
	if reason == "" {
		reason = http.StatusText(status)
	}
	return &AuthError{Reason: reason}
}

// ============================================================================
// WebSocket
// ============================================================================

type wsTransport struct {
	conn *websocket.Conn
}

func dialWebSocket(ctx context.Context, baseURL string, sess Session, cfg *RealtimeConfig) (*wsTransport, error) {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.TrimRight(u, "/") + "/ws?userId=" + url.QueryEscape(sess.UserID)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+sess.Token)
	opts := &websocket.DialOptions{HTTPHeader: header}
	if cfg.HTTPClient != nil && cfg.HTTPClient.Timeout == 0 {
		opts.HTTPClient = cfg.HTTPClient
	}

	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(hctx, u, opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, authFailure(resp.StatusCode, "")
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	// The server answers the handshake with authenticated or unauthorized.
	_, data, err := conn.Read(hctx)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake")
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake")
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}
	switch env.Type {
	case "authenticated":
		return &wsTransport{conn: conn}, nil
	case "unauthorized":
		conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		var p struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(env.Payload, &p)
		return nil, authFailure(http.StatusUnauthorized, p.Message)
	default:
		conn.Close(websocket.StatusProtocolError, "handshake")
		return nil, fmt.Errorf("websocket handshake: unexpected %q frame", env.Type)
	}
}

func (t *wsTransport) Kind() TransportKind { return TransportWebSocket }
func (t *wsTransport) CanWrite() bool      { return true }

func (t *wsTransport) Read(ctx context.Context) (RealtimeEnvelope, error) {
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			return RealtimeEnvelope{}, err
		}
		var env RealtimeEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			continue
		}
		if env.Type == "pong" {
			continue
		}
		return env, nil
	}
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// ============================================================================
// SSE
// ============================================================================

type sseTransport struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	stale   time.Duration

	mu       sync.Mutex
	lastSeen time.Time
}

func dialSSE(ctx context.Context, baseURL string, sess Session, cfg *RealtimeConfig) (*sseTransport, error) {
	u := strings.TrimRight(baseURL, "/") + "/sse?userId=" + url.QueryEscape(sess.UserID)

	// The stream outlives ctx, which only bounds the wait for response headers.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u, nil)
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := cfg.HTTPClient.Do(req)
	if !stop() {
		if resp != nil {
			resp.Body.Close()
		}
		cancel()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("sse dial: %w", err)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sse dial: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		cancel()
		return nil, authFailure(resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("sse dial: unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &sseTransport{
		body:     resp.Body,
		scanner:  scanner,
		cancel:   cancel,
		stale:    3 * cfg.HeartbeatInterval,
		lastSeen: time.Now(),
	}, nil
}

func (t *sseTransport) Kind() TransportKind { return TransportSSE }
func (t *sseTransport) CanWrite() bool      { return false }

func (t *sseTransport) Read(ctx context.Context) (RealtimeEnvelope, error) {
	for t.scanner.Scan() {
		line := t.scanner.Text()
		t.touch()
		if !strings.HasPrefix(line, "data:") {
			// comments, event names and keep-alives
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var env RealtimeEnvelope
		if err := json.Unmarshal([]byte(data), &env); err != nil || env.Type == "" {
			continue
		}
		if env.Type == "authenticated" || env.Type == "pong" {
			continue
		}
		return env, nil
	}
	if err := t.scanner.Err(); err != nil {
		return RealtimeEnvelope{}, err
	}
	if err := ctx.Err(); err != nil {
		return RealtimeEnvelope{}, err
	}
	return RealtimeEnvelope{}, io.EOF
}

func (t *sseTransport) Write(context.Context, []byte) error { return errReceiveOnly }

// Ping fails when the stream has been silent for three heartbeat intervals.
func (t *sseTransport) Ping(context.Context) error {
	t.mu.Lock()
	idle := time.Since(t.lastSeen)
	t.mu.Unlock()
	if idle > t.stale {
		return fmt.Errorf("sse stream silent for %s", idle.Round(time.Second))
	}
	return nil
}

func (t *sseTransport) Close() error {
	t.cancel()
	return t.body.Close()
}

func (t *sseTransport) touch() {
	t.mu.Lock()
	t.lastSeen = time.Now()
	t.mu.Unlock()
}
