package lexchat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ============================================================================
// Events
// ============================================================================

// Inbound server events.
const (
	EventNewMessage      = "new_message"
	EventChatDeleted     = "chat_deleted"
	EventChatRead        = "chat_read"
	EventUserTyping      = "user_typing"
	EventNewNotification = "new_notification"
)

// Internal events raised by the connection manager itself.
const (
	EventStatus          = "status"
	EventConnectionError = "connection_error"
	EventReconnected     = "reconnected"

	// EventAny receives every event.
	EventAny = "*"
)

// Outbound client events.
const (
	EventTyping = "typing"
)

// Event is one item delivered to handlers.
type Event struct {
	Name      string
	Payload   json.RawMessage
	State     RealtimeState
	Transport TransportKind
	Err       error
	At        time.Time
}

// Decode unmarshals the event payload.
func (e Event) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return errors.New("event " + e.Name + " has no payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// RealtimeEnvelope is the wire format for all real-time frames.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RealtimeCommand is a client-to-server frame.
type RealtimeCommand struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Handler receives events. Handlers of comparable types, such as pointers,
// are registered at most once per event.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to Handler. Functions are not comparable, so
// register them with OnFunc and keep the Subscription to remove them.
type HandlerFunc func(Event)

func (f HandlerFunc) HandleEvent(e Event) { f(e) }

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the connection manager.
type RealtimeConfig struct {
	DisableReconnect     bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// FallbackAfter is the number of consecutive failures on one transport
	// before the next attempt switches to the other.
	FallbackAfter     int
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	Transports        []TransportKind
	// HTTPClient must not set Timeout: it carries long-lived streams.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.FallbackAfter == 0 {
		c.FallbackAfter = 2
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if len(c.Transports) == 0 {
		c.Transports = []TransportKind{TransportWebSocket, TransportSSE}
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

const emitTimeout = 5 * time.Second

// ============================================================================
// Listener registry
// ============================================================================

type listener struct {
	id uint64
	h  Handler
}

type listenerSet struct {
	mu     sync.RWMutex
	nextID uint64
	byName map[string][]listener
}

func (l *listenerSet) add(event string, h Handler, dedupe bool) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if dedupe && reflect.TypeOf(h).Comparable() {
		for _, e := range l.byName[event] {
			if reflect.TypeOf(e.h) == reflect.TypeOf(h) && e.h == h {
				return e.id
			}
		}
	}
	l.nextID++
	l.byName[event] = append(l.byName[event], listener{id: l.nextID, h: h})
	return l.nextID
}

func (l *listenerSet) remove(event string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h == nil {
		delete(l.byName, event)
		return
	}
	if !reflect.TypeOf(h).Comparable() {
		return
	}
	kept := l.byName[event][:0]
	for _, e := range l.byName[event] {
		if reflect.TypeOf(e.h) == reflect.TypeOf(h) && e.h == h {
			continue
		}
		kept = append(kept, e)
	}
	l.byName[event] = kept
}

func (l *listenerSet) removeID(event string, id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.byName[event][:0]
	for _, e := range l.byName[event] {
		if e.id != id {
			kept = append(kept, e)
		}
	}
	l.byName[event] = kept
}

func (l *listenerSet) clear() {
	l.mu.Lock()
	l.byName = make(map[string][]listener)
	l.mu.Unlock()
}

func (l *listenerSet) handlers(event string) []Handler {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Handler, 0, len(l.byName[event])+len(l.byName[EventAny]))
	for _, e := range l.byName[event] {
		out = append(out, e.h)
	}
	if event != EventAny {
		for _, e := range l.byName[EventAny] {
			out = append(out, e.h)
		}
	}
	return out
}

// Subscription identifies a handler registered with OnFunc.
type Subscription struct {
	set   *listenerSet
	event string
	id    uint64
}

// Cancel removes the handler. It is safe to call more than once.
func (s Subscription) Cancel() {
	if s.set != nil {
		s.set.removeID(s.event, s.id)
	}
}

// ============================================================================
// ConnManager
// ============================================================================

type queuedEvent struct {
	ev     Event
	server bool
	gen    uint64
}

// ConnManager owns the single push connection of one session. Inbound frames
// and internal events are delivered to handlers one at a time, in order, on a
// dedicated dispatch goroutine.
type ConnManager struct {
	baseURL string
	cfg     *RealtimeConfig
	log     *zap.Logger

	mu         sync.Mutex
	state      RealtimeState
	session    *Session
	conn       transport
	gen        uint64
	sessCtx    context.Context
	sessCancel context.CancelFunc

	listeners *listenerSet
	queue     chan queuedEvent
	stop      chan struct{}
	closeOnce sync.Once
}

// NewConnManager creates a disconnected manager for the push server at baseURL.
// Call Close when the manager is no longer needed.
func NewConnManager(baseURL string, config *RealtimeConfig) *ConnManager {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	m := &ConnManager{
		baseURL:   baseURL,
		cfg:       &cfg,
		log:       cfg.Logger.Named("realtime"),
		state:     StateDisconnected,
		listeners: &listenerSet{byName: make(map[string][]listener)},
		queue:     make(chan queuedEvent, 1024),
		stop:      make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

// On registers a handler for an event. Registering the same comparable
// handler twice for one event keeps a single registration.
func (m *ConnManager) On(event string, h Handler) {
	if h == nil {
		return
	}
	m.listeners.add(event, h, true)
}

// OnFunc registers a function handler and returns its subscription.
func (m *ConnManager) OnFunc(event string, fn func(Event)) Subscription {
	id := m.listeners.add(event, HandlerFunc(fn), false)
	return Subscription{set: m.listeners, event: event, id: id}
}

// Off removes h from event, or every handler of event when h is nil.
func (m *ConnManager) Off(event string, h Handler) {
	m.listeners.remove(event, h)
}

// State returns the current connection state.
func (m *ConnManager) State() RealtimeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transport returns the kind of the live transport, or "" when disconnected.
func (m *ConnManager) Transport() TransportKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return ""
	}
	return m.conn.Kind()
}

// Connect establishes the push connection for sess. It is a no-op when sess
// is already connected or being connected; a different session is torn down
// first. ctx bounds the dial attempts only, not the connection's lifetime.
func (m *ConnManager) Connect(ctx context.Context, sess Session) error {
	if err := sess.Validate(); err != nil {
		m.enqueue(queuedEvent{ev: Event{Name: EventConnectionError, Err: err, State: m.State()}})
		return err
	}

	m.mu.Lock()
	if m.session != nil && m.session.Key() == sess.Key() && m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	other := m.session != nil && m.session.Key() != sess.Key()
	m.mu.Unlock()
	if other {
		m.Disconnect()
	}

	m.mu.Lock()
	s := sess
	m.session = &s
	m.sessCtx, m.sessCancel = context.WithCancel(context.Background())
	sessCtx := m.sessCtx
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	dialCtx, stop := mergeCancel(ctx, sessCtx)
	defer stop()
	conn, err := m.dialWithRetry(dialCtx, sess)
	if err != nil {
		m.mu.Lock()
		if m.sessCtx == sessCtx {
			m.setStateLocked(StateDisconnected)
		}
		m.mu.Unlock()
		m.enqueue(queuedEvent{ev: Event{Name: EventConnectionError, Err: err, State: StateDisconnected}})
		return err
	}
	if !m.install(sessCtx, conn) {
		return &TransportError{Transport: string(conn.Kind()), Attempts: 1, Err: errors.New("disconnected during connect")}
	}
	return nil
}

// Disconnect closes the connection and clears every registered handler. It
// always succeeds and is a no-op when already disconnected.
func (m *ConnManager) Disconnect() {
	m.mu.Lock()
	if m.sessCancel != nil {
		m.sessCancel()
		m.sessCancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.session = nil
	m.gen++
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	m.listeners.clear()
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Debug("close transport", zap.Error(err))
		}
	}
}

// Close disconnects and stops the dispatch goroutine.
func (m *ConnManager) Close() {
	m.Disconnect()
	m.closeOnce.Do(func() { close(m.stop) })
}

// Emit sends a best-effort client event. It never blocks and silently does
// nothing while disconnected or on a receive-only transport.
func (m *ConnManager) Emit(event string, payload interface{}) {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()
	if conn == nil || !connected || !conn.CanWrite() {
		m.log.Debug("emit skipped", zap.String("event", event))
		return
	}
	data, err := json.Marshal(&RealtimeCommand{Type: event, Payload: payload})
	if err != nil {
		m.log.Debug("emit marshal", zap.String("event", event), zap.Error(err))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := conn.Write(ctx, data); err != nil {
			m.log.Debug("emit failed", zap.String("event", event), zap.Error(err))
		}
	}()
}

// ── Connection lifecycle ──────────────────────────────────

func (m *ConnManager) dialWithRetry(ctx context.Context, sess Session) (transport, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.ReconnectBaseDelay
	b.MaxInterval = m.cfg.ReconnectMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.cfg.MaxReconnectAttempts-1)), ctx)

	kinds := m.cfg.Transports
	var (
		idx, failures, attempts int
		lastKind                TransportKind
		lastErr                 error
		conn                    transport
	)

	op := func() error {
		kind := kinds[idx]
		lastKind = kind
		attempts++
		c, err := dialTransport(ctx, kind, m.baseURL, sess, m.cfg)
		if err != nil {
			ReconnectAttempts.WithLabelValues(string(kind), "error").Inc()
			var ae *AuthError
			if errors.As(err, &ae) {
				return backoff.Permanent(err)
			}
			lastErr = err
			failures++
			if failures >= m.cfg.FallbackAfter && len(kinds) > 1 {
				idx = (idx + 1) % len(kinds)
				failures = 0
			}
			return err
		}
		ReconnectAttempts.WithLabelValues(string(kind), "ok").Inc()
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		m.log.Info("push dial failed, retrying",
			zap.String("transport", string(lastKind)),
			zap.Int("attempt", attempts),
			zap.Duration("next", next),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		var ae *AuthError
		if errors.As(err, &ae) {
			return nil, ae
		}
		if lastErr == nil {
			lastErr = err
		}
		return nil, &TransportError{Transport: string(lastKind), Attempts: attempts, Err: lastErr}
	}
	return conn, nil
}

// install makes conn the live connection of the session bound to sessCtx and
// starts its loops. It reports false if the session ended meanwhile.
func (m *ConnManager) install(sessCtx context.Context, conn transport) bool {
	m.mu.Lock()
	if sessCtx.Err() != nil || m.sessCtx != sessCtx {
		m.mu.Unlock()
		_ = conn.Close()
		return false
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.log.Info("push connected", zap.String("transport", string(conn.Kind())))
	connCtx, cancel := context.WithCancel(sessCtx)
	go m.readLoop(connCtx, cancel, conn, gen)
	go m.heartbeatLoop(connCtx, conn)
	return true
}

func (m *ConnManager) readLoop(ctx context.Context, cancel context.CancelFunc, conn transport, gen uint64) {
	defer cancel()
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			m.handleDrop(conn, gen, err)
			return
		}
		EventsReceived.WithLabelValues(env.Type).Inc()
		m.enqueue(queuedEvent{
			ev:     Event{Name: env.Type, Payload: env.Payload, Transport: conn.Kind(), At: time.Now()},
			server: true,
			gen:    gen,
		})
	}
}

func (m *ConnManager) heartbeatLoop(ctx context.Context, conn transport) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatInterval)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				m.log.Info("heartbeat failed", zap.String("transport", string(conn.Kind())), zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (m *ConnManager) handleDrop(conn transport, gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.conn != conn || m.session == nil || m.sessCtx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	sess := *m.session
	sessCtx := m.sessCtx
	reconnect := !m.cfg.DisableReconnect
	if reconnect {
		m.setStateLocked(StateReconnecting)
	} else {
		m.setStateLocked(StateDisconnected)
	}
	state := m.state
	m.mu.Unlock()

	_ = conn.Close()
	m.log.Warn("push connection dropped", zap.String("transport", string(conn.Kind())), zap.Error(cause))
	m.enqueue(queuedEvent{ev: Event{Name: EventConnectionError, Err: cause, State: state, Transport: conn.Kind()}})
	if reconnect {
		go m.reconnect(sessCtx, sess)
	}
}

func (m *ConnManager) reconnect(sessCtx context.Context, sess Session) {
	conn, err := m.dialWithRetry(sessCtx, sess)
	if err != nil {
		m.mu.Lock()
		if m.sessCtx == sessCtx && sessCtx.Err() == nil {
			m.setStateLocked(StateDisconnected)
		}
		m.mu.Unlock()
		if sessCtx.Err() == nil {
			m.log.Error("push reconnect gave up", zap.Error(err))
			m.enqueue(queuedEvent{ev: Event{Name: EventConnectionError, Err: err, State: StateDisconnected}})
		}
		return
	}
	if m.install(sessCtx, conn) {
		m.enqueue(queuedEvent{ev: Event{Name: EventReconnected, State: StateConnected, Transport: conn.Kind(), At: time.Now()}})
	}
}

// setStateLocked must be called with m.mu held.
func (m *ConnManager) setStateLocked(s RealtimeState) {
	if m.state == s {
		return
	}
	m.state = s
	setConnectionState(s)
	select {
	case m.queue <- queuedEvent{ev: Event{Name: EventStatus, State: s, At: time.Now()}}:
	default:
		m.log.Debug("status event dropped, queue full", zap.String("state", string(s)))
	}
}

// ── Dispatch ──────────────────────────────────────────────

func (m *ConnManager) enqueue(q queuedEvent) {
	if q.ev.At.IsZero() {
		q.ev.At = time.Now()
	}
	select {
	case m.queue <- q:
	case <-m.stop:
	}
}

func (m *ConnManager) dispatchLoop() {
	for {
		select {
		case <-m.stop:
			return
		case q := <-m.queue:
			m.deliver(q)
		}
	}
}

func (m *ConnManager) deliver(q queuedEvent) {
	if q.server {
		m.mu.Lock()
		live := q.gen == m.gen && m.state == StateConnected
		m.mu.Unlock()
		if !live {
			m.log.Debug("dropping event from a closed connection", zap.String("event", q.ev.Name))
			return
		}
	}
	for _, h := range m.listeners.handlers(q.ev.Name) {
		m.call(h, q.ev)
	}
}

func (m *ConnManager) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("event handler panicked", zap.String("event", ev.Name), zap.Any("panic", r))
		}
	}()
	h.HandleEvent(ev)
}

// mergeCancel returns a context cancelled when either parent is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
