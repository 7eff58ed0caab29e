// Package lexchat is the Go client SDK for the marketplace chat and
// notification service.
//
// It owns the real-time delivery layer of a signed-in session: one push
// connection, a reconciling in-memory cache of conversations, derived unread
// counters and the operations UI code calls to send, read, delete and block.
//
// Example:
//
//	m, err := lexchat.Login(ctx, lexchat.Session{UserID: "u1", Token: jwt},
//		lexchat.WithClientOptions(lexchat.WithBaseURL("https://api.example.com")))
//	if err != nil {
//		return err
//	}
//	defer m.Logout()
//
//	cancel := m.Subscribe(func(s lexchat.Snapshot) { render(s) })
//	defer cancel()
//	m.SendMessage(ctx, "lawyer-42", "Hello", nil)
package lexchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/lexbridge/lexchat/sdk/golang"

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client performs the durable REST writes and fetches the chat core depends on.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
	tracer     trace.Tracer

	Chat          *ChatClient
	Notifications *NotificationsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithTracerProvider sets where request spans go. The global provider is
// used otherwise.
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewClient creates a REST client authenticated with the bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log:    zap.NewNop(),
		tracer: otel.GetTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Chat = &ChatClient{c: c}
	c.Notifications = &NotificationsClient{c: c}
	return c
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// SetToken replaces the bearer credential.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, op, method, path string, body interface{}) (*Result, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(op, req)
}

func (c *Client) do(op string, req *http.Request) (*Result, error) {
	ctx, span := c.tracer.Start(req.Context(), "lexchat."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URL.Path),
		))
	defer span.End()
	req = req.WithContext(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	result, status, err := c.roundTrip(op, req)
	if status != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcomeOf(err))
	}
	return result, err
}

func (c *Client) roundTrip(op string, req *http.Request) (*Result, int, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = classifyTransportError(op, err)
		observeRequest(op, outcomeOf(err), time.Since(start))
		c.log.Debug("request failed", zap.String("op", op), zap.Error(err))
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		err = classifyTransportError(op, err)
		observeRequest(op, outcomeOf(err), time.Since(start))
		return nil, resp.StatusCode, err
	}

	result, err := decodeResult(resp.StatusCode, data)
	observeRequest(op, outcomeOf(err), time.Since(start))
	if err != nil {
		c.log.Debug("request rejected", zap.String("op", op), zap.Int("status", resp.StatusCode), zap.Error(err))
		return nil, resp.StatusCode, err
	}
	return result, resp.StatusCode, nil
}

func decodeResult(status int, data []byte) (*Result, error) {
	var result Result
	decodeErr := json.Unmarshal(data, &result)
	if status < 200 || status >= 300 {
		apiErr := &APIError{Status: status, Message: http.StatusText(status)}
		if decodeErr == nil && result.Error != nil {
			apiErr.Code = result.Error.Code
			apiErr.Message = result.Error.Message
		}
		return nil, apiErr
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &Result{OK: true}, nil
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", decodeErr)
	}
	if !result.OK {
		apiErr := &APIError{Status: status, Message: "request failed"}
		if result.Error != nil {
			apiErr.Code = result.Error.Code
			apiErr.Message = result.Error.Message
		}
		return nil, apiErr
	}
	return &result, nil
}

func decodeData[T any](r *Result) (T, error) {
	var v T
	if err := r.Decode(&v); err != nil {
		return v, fmt.Errorf("failed to decode response: %w", err)
	}
	return v, nil
}

func classifyTransportError(op string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &TimeoutError{Op: op, Err: err}
	}
	return &NetworkError{Op: op, Err: err}
}

func outcomeOf(err error) string {
	var te *TimeoutError
	var ne *NetworkError
	var ae *APIError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &te):
		return "timeout"
	case errors.As(err, &ne):
		return "network"
	case errors.As(err, &ae):
		return "rejected"
	}
	return "error"
}

// ============================================================================
// Chat endpoints
// ============================================================================

// ChatClient handles direct-message endpoints.
type ChatClient struct{ c *Client }

// SendRequest is the body of POST /chat/send.
type SendRequest struct {
	ReceiverID string      `json:"receiverId"`
	Body       string      `json:"message,omitempty"`
	ClientID   string      `json:"clientId,omitempty"`
	Attachment *Attachment `json:"file,omitempty"`
}

// History returns every message of every conversation involving userID.
func (ch *ChatClient) History(ctx context.Context, userID string) ([]Message, error) {
	res, err := ch.c.doRequest(ctx, "chat.history", http.MethodGet, "/chat-history/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]Message](res)
}

// Send creates a message. Attachments that still carry bytes are sent as
// multipart form data; everything else is JSON.
func (ch *ChatClient) Send(ctx context.Context, req SendRequest) (*Message, error) {
	var (
		res *Result
		err error
	)
	if req.Attachment != nil && len(req.Attachment.Data) > 0 {
		res, err = ch.sendMultipart(ctx, req)
	} else {
		res, err = ch.c.doRequest(ctx, "chat.send", http.MethodPost, "/chat/send", req)
	}
	if err != nil {
		return nil, err
	}
	msg, err := decodeData[Message](res)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (ch *ChatClient) sendMultipart(ctx context.Context, req SendRequest) (*Result, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("receiverId", req.ReceiverID)
	if req.Body != "" {
		_ = w.WriteField("message", req.Body)
	}
	if req.ClientID != "" {
		_ = w.WriteField("clientId", req.ClientID)
	}

	mimeType := req.Attachment.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(req.Attachment.FileName)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, req.Attachment.FileName))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("chat.send: create form file: %w", err)
	}
	if _, err := part.Write(req.Attachment.Data); err != nil {
		return nil, fmt.Errorf("chat.send: write file data: %w", err)
	}
	_ = w.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.c.baseURL+"/chat/send", &buf)
	if err != nil {
		return nil, fmt.Errorf("chat.send: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	return ch.c.do("chat.send", httpReq)
}

// MarkRead acknowledges a single message as read.
func (ch *ChatClient) MarkRead(ctx context.Context, messageID string) error {
	_, err := ch.c.doRequest(ctx, "chat.read", http.MethodPatch, "/chat/read/"+url.PathEscape(messageID), nil)
	return err
}

// Delete removes a message for both parties.
func (ch *ChatClient) Delete(ctx context.Context, messageID string) error {
	_, err := ch.c.doRequest(ctx, "chat.delete", http.MethodDelete, "/chat/"+url.PathEscape(messageID), nil)
	return err
}

// Block blocks a counterpart.
func (ch *ChatClient) Block(ctx context.Context, userID string) error {
	_, err := ch.c.doRequest(ctx, "chat.block", http.MethodPost, "/chat/block/"+url.PathEscape(userID), nil)
	return err
}

// Unblock removes a block on a counterpart.
func (ch *ChatClient) Unblock(ctx context.Context, userID string) error {
	_, err := ch.c.doRequest(ctx, "chat.unblock", http.MethodPost, "/chat/unblock/"+url.PathEscape(userID), nil)
	return err
}

// BlockStatus reports whether the session user blocked userID (or the reverse).
func (ch *ChatClient) BlockStatus(ctx context.Context, userID string) (BlockStatus, error) {
	res, err := ch.c.doRequest(ctx, "chat.block_status", http.MethodGet, "/chat/block-status/"+url.PathEscape(userID), nil)
	if err != nil {
		return BlockStatus{}, err
	}
	return decodeData[BlockStatus](res)
}

// ============================================================================
// Notification endpoints
// ============================================================================

// NotificationsClient handles the notification panel endpoints.
type NotificationsClient struct{ c *Client }

// List returns the session user's notifications.
func (n *NotificationsClient) List(ctx context.Context) ([]Notification, error) {
	res, err := n.c.doRequest(ctx, "notifications.list", http.MethodGet, "/notifications", nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]Notification](res)
}

// UnreadCount returns the server's unread notification count. Both a bare
// integer and {"count": n} are accepted as data.
func (n *NotificationsClient) UnreadCount(ctx context.Context) (int, error) {
	res, err := n.c.doRequest(ctx, "notifications.unread_count", http.MethodGet, "/notifications/unread-count", nil)
	if err != nil {
		return 0, err
	}
	var count int
	if err := res.Decode(&count); err == nil {
		return count, nil
	}
	data, err := decodeData[unreadCountData](res)
	if err != nil {
		return 0, err
	}
	return data.Count, nil
}

// MarkRead acknowledges one notification.
func (n *NotificationsClient) MarkRead(ctx context.Context, id string) error {
	_, err := n.c.doRequest(ctx, "notifications.read", http.MethodPatch, "/notifications/"+url.PathEscape(id)+"/read", nil)
	return err
}

// MarkAllRead acknowledges every notification.
func (n *NotificationsClient) MarkAllRead(ctx context.Context) error {
	_, err := n.c.doRequest(ctx, "notifications.read_all", http.MethodPatch, "/notifications/mark-all-read", nil)
	return err
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".md": "text/markdown", ".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		".webp": "image/webp", ".heic": "image/heic",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
