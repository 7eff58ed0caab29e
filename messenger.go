package lexchat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultRequestTimeout bounds a durable write once it has been issued.
const DefaultRequestTimeout = 30 * time.Second

const (
	defaultBulkParallelism = 4
	defaultTypingTTL       = 5 * time.Second
)

// ============================================================================
// Options
// ============================================================================

type messengerOptions struct {
	clientOpts      []ClientOption
	realtime        RealtimeConfig
	journal         Journal
	log             *zap.Logger
	requestTimeout  time.Duration
	matchWindow     time.Duration
	bulkParallelism int
	typingTTL       time.Duration
}

// Option configures Login.
type Option func(*messengerOptions)

// WithClientOptions passes options to the REST client.
func WithClientOptions(opts ...ClientOption) Option {
	return func(o *messengerOptions) { o.clientOpts = append(o.clientOpts, opts...) }
}

// WithRealtimeConfig sets the push connection configuration.
func WithRealtimeConfig(cfg RealtimeConfig) Option {
	return func(o *messengerOptions) { o.realtime = cfg }
}

// WithJournal sets where failed sends are kept. The journal is not closed by Logout.
func WithJournal(j Journal) Option {
	return func(o *messengerOptions) { o.journal = j }
}

// WithMessengerLogger sets the logger shared by every component of the session.
func WithMessengerLogger(log *zap.Logger) Option {
	return func(o *messengerOptions) { o.log = log }
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *messengerOptions) { o.requestTimeout = d }
}

// WithMatchWindow overrides DefaultMatchWindow.
func WithMatchWindow(d time.Duration) Option {
	return func(o *messengerOptions) { o.matchWindow = d }
}

// WithBulkParallelism bounds concurrent read acknowledgements in MarkAllAsRead.
func WithBulkParallelism(n int) Option {
	return func(o *messengerOptions) { o.bulkParallelism = n }
}

// WithTypingTTL sets how long an inbound typing indicator stays visible.
func WithTypingTTL(d time.Duration) Option {
	return func(o *messengerOptions) { o.typingTTL = d }
}

// ============================================================================
// Messenger
// ============================================================================

type subscriber struct {
	fn     func(Snapshot)
	signal chan struct{}
	done   chan struct{}
}

// Messenger is the delivery orchestrator of one logged-in session. It owns
// the REST client, the push connection, the conversation store and the
// unread accounting; nothing outlives Logout.
type Messenger struct {
	sess   Session
	opts   messengerOptions
	log    *zap.Logger
	client *Client
	conn   *ConnManager
	store  *Store
	unread *Unread

	journal Journal

	resyncMu sync.Mutex

	blockMu sync.Mutex
	blocks  map[string]BlockStatus

	typingMu sync.Mutex
	typing   map[string]time.Time

	subMu   sync.Mutex
	subs    map[uint64]*subscriber
	nextSub uint64
	closed  bool

	closeOnce sync.Once
}

// Login builds the session's object graph, restores journaled failed sends,
// connects the push channel and performs the initial load.
func Login(ctx context.Context, sess Session, opts ...Option) (*Messenger, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	o := messengerOptions{
		requestTimeout:  DefaultRequestTimeout,
		matchWindow:     DefaultMatchWindow,
		bulkParallelism: defaultBulkParallelism,
		typingTTL:       defaultTypingTTL,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.journal == nil {
		o.journal = NewMemoryJournal()
	}
	if o.bulkParallelism <= 0 {
		o.bulkParallelism = defaultBulkParallelism
	}
	log := o.log.With(zap.String("user_id", sess.UserID))

	client := NewClient(sess.Token, append([]ClientOption{WithLogger(log)}, o.clientOpts...)...)
	rc := o.realtime
	if rc.Logger == nil {
		rc.Logger = log
	}
	store := NewStore(sess.UserID, log)
	store.SetMatchWindow(o.matchWindow)

	m := &Messenger{
		sess:    sess,
		opts:    o,
		log:     log.Named("messenger"),
		client:  client,
		conn:    NewConnManager(client.BaseURL(), &rc),
		store:   store,
		unread:  NewUnread(store),
		journal: o.journal,
		blocks:  make(map[string]BlockStatus),
		typing:  make(map[string]time.Time),
		subs:    make(map[uint64]*subscriber),
	}
	for _, ev := range []string{
		EventNewMessage, EventChatDeleted, EventChatRead, EventUserTyping,
		EventNewNotification, EventReconnected, EventConnectionError, EventStatus,
	} {
		m.conn.On(ev, m)
	}

	if err := m.restoreJournal(ctx); err != nil {
		m.log.Warn("restore failed sends", zap.Error(err))
	}
	if err := m.conn.Connect(ctx, sess); err != nil {
		m.conn.Close()
		return nil, err
	}
	if err := m.Resync(ctx); err != nil {
		m.conn.Close()
		return nil, fmt.Errorf("initial load: %w", err)
	}
	return m, nil
}

// Logout disconnects and stops every subscriber. It is safe to call twice.
func (m *Messenger) Logout() {
	m.closeOnce.Do(func() {
		m.conn.Close()
		m.subMu.Lock()
		m.closed = true
		for id, s := range m.subs {
			close(s.done)
			delete(m.subs, id)
		}
		m.subMu.Unlock()
		m.log.Info("logged out")
	})
}

func (m *Messenger) Session() Session   { return m.sess }
func (m *Messenger) Client() *Client    { return m.client }
func (m *Messenger) Conn() *ConnManager { return m.conn }
func (m *Messenger) Store() *Store      { return m.store }
func (m *Messenger) Unread() *Unread    { return m.unread }

// ConnectionState returns the push connection state.
func (m *Messenger) ConnectionState() RealtimeState { return m.conn.State() }

// ── Sending ──────────────────────────────────────────────

// SendMessage inserts an optimistic entry and performs the durable write.
// Invalid input and blocked conversations fail before any network call. A
// failed write is not an error: the returned message is in the failed state,
// carries the cause and has been journaled for RetrySend.
func (m *Messenger) SendMessage(ctx context.Context, counterpart, body string, att *Attachment) (Message, error) {
	if counterpart == "" || counterpart == m.sess.UserID {
		return Message{}, fmt.Errorf("%w: counterpart %q", ErrInvalidArgument, counterpart)
	}
	if strings.TrimSpace(body) == "" && att == nil {
		return Message{}, fmt.Errorf("%w: empty message", ErrInvalidArgument)
	}
	if att != nil && att.FileName == "" {
		return Message{}, fmt.Errorf("%w: attachment without a file name", ErrInvalidArgument)
	}
	if m.blockedCached(counterpart) {
		return Message{}, &BlockedError{CounterpartID: counterpart}
	}

	id := LocalIDPrefix + uuid.NewString()
	local := Message{
		ID:         id,
		ClientID:   id,
		SenderID:   m.sess.UserID,
		ReceiverID: counterpart,
		Body:       body,
		CreatedAt:  time.Now(),
		Status:     StatusSending,
	}
	if att != nil {
		a := *att
		local.Attachment = &a
	}
	m.store.UpsertMessage(local)
	m.notify()

	if err := ctx.Err(); err != nil {
		m.store.RemoveMessage(id)
		m.notify()
		return Message{}, err
	}
	return m.deliver(ctx, local), nil
}

// RetrySend re-issues the durable write of a failed message.
func (m *Messenger) RetrySend(ctx context.Context, localID string) (Message, error) {
	msg, ok := m.store.Get(localID)
	if !ok {
		return Message{}, fmt.Errorf("retry %s: %w", localID, ErrNotFound)
	}
	if !msg.IsLocal() || msg.Status != StatusFailed {
		return Message{}, fmt.Errorf("%w: message %s is %s", ErrInvalidArgument, localID, msg.Status)
	}
	if m.blockedCached(msg.ReceiverID) {
		return Message{}, &BlockedError{CounterpartID: msg.ReceiverID}
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	m.store.SetLocalStatus(msg.ID, StatusSending, "")
	m.notify()
	return m.deliver(ctx, msg), nil
}

// deliver performs the write for a local entry on a context detached from
// the caller and reconciles the result.
func (m *Messenger) deliver(ctx context.Context, local Message) Message {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.requestTimeout)
	defer cancel()

	srv, err := m.client.Chat.Send(wctx, SendRequest{
		ReceiverID: local.ReceiverID,
		Body:       local.Body,
		ClientID:   local.ID,
		Attachment: local.Attachment,
	})
	if err != nil {
		return m.fail(local, err)
	}

	if srv == nil || srv.ID == "" {
		// a push echo may already have confirmed the entry further
		m.store.SetLocalStatus(local.ID, StatusSent, "")
		m.forget(local.ID)
		m.notify()
		out, _ := m.store.Get(local.ID)
		return out
	}
	if srv.ClientID == "" {
		srv.ClientID = local.ID
	}
	if srv.SenderID == "" {
		srv.SenderID = local.SenderID
	}
	if srv.ReceiverID == "" {
		srv.ReceiverID = local.ReceiverID
	}
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = local.CreatedAt
	}
	if srv.Status == "" {
		srv.Status = StatusSent
	}
	m.store.UpsertMessage(*srv)
	m.forget(local.ID)
	m.notify()

	out, ok := m.store.Get(srv.ID)
	if !ok {
		// deleted by a push that raced the response
		return *srv
	}
	return out
}

func (m *Messenger) fail(local Message, cause error) Message {
	if !m.store.SetLocalStatus(local.ID, StatusFailed, cause.Error()) {
		// the server copy arrived over push while the write was pending
		if out, ok := m.store.Get(local.ID); ok && !out.IsLocal() {
			m.log.Info("send confirmed by push despite write error",
				zap.String("message_id", out.ID),
				zap.String("local_id", local.ID),
				zap.Error(cause))
			m.forget(local.ID)
			m.notify()
			return out
		}
	}

	FailedSends.Inc()
	m.log.Warn("send failed",
		zap.String("message_id", local.ID),
		zap.String("counterpart_id", local.ReceiverID),
		zap.Error(cause))

	out, ok := m.store.Get(local.ID)
	if !ok {
		out = local
		out.Status = StatusFailed
		out.Error = cause.Error()
	}

	jctx, cancel := context.WithTimeout(context.Background(), m.opts.requestTimeout)
	defer cancel()
	if err := m.journal.Save(jctx, out); err != nil {
		m.log.Error("journal failed send", zap.String("message_id", local.ID), zap.Error(err))
	}
	m.notify()
	return out
}

func (m *Messenger) forget(localID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.requestTimeout)
	defer cancel()
	if err := m.journal.Delete(ctx, localID); err != nil {
		m.log.Warn("drop journaled send", zap.String("message_id", localID), zap.Error(err))
	}
}

func (m *Messenger) restoreJournal(ctx context.Context) error {
	msgs, err := m.journal.List(ctx, m.sess.UserID)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		msg.Status = StatusFailed
		m.store.UpsertMessage(msg)
	}
	if len(msgs) > 0 {
		m.log.Info("restored failed sends", zap.Int("count", len(msgs)))
	}
	return nil
}

// ── Read state ───────────────────────────────────────────

// MarkAsRead acknowledges one received message. Marking a read message again
// makes no network call.
func (m *Messenger) MarkAsRead(ctx context.Context, messageID string) error {
	msg, ok := m.store.Get(messageID)
	if !ok {
		return fmt.Errorf("mark read %s: %w", messageID, ErrNotFound)
	}
	if msg.ReceiverID != m.sess.UserID || msg.IsLocal() {
		return fmt.Errorf("%w: message %s was not received by this user", ErrInvalidArgument, messageID)
	}
	if msg.Read {
		return nil
	}
	if err := m.client.Chat.MarkRead(ctx, msg.ID); err != nil {
		return err
	}
	if m.store.MarkMessageRead(msg.ID) {
		m.notify()
	}
	return nil
}

// MarkAllAsRead acknowledges every unread message from counterpart, or from
// everyone when counterpart is empty. Messages whose acknowledgement failed
// stay unread; the first failure is returned with the number marked.
func (m *Messenger) MarkAllAsRead(ctx context.Context, counterpart string) (int, error) {
	ids := m.store.UnreadIDs(counterpart)
	if len(ids) == 0 {
		return 0, nil
	}

	// a failed acknowledgement does not cancel the others
	var g errgroup.Group
	g.SetLimit(m.opts.bulkParallelism)
	var (
		mu    sync.Mutex
		acked []string
	)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := m.client.Chat.MarkRead(ctx, id); err != nil {
				return err
			}
			mu.Lock()
			acked = append(acked, id)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	n := m.store.MarkMessagesRead(acked)
	if n > 0 {
		m.notify()
	}
	return n, err
}

// ── Deletion and blocking ────────────────────────────────

// DeleteMessage removes a message. Failed drafts that never reached the
// server are discarded locally.
func (m *Messenger) DeleteMessage(ctx context.Context, messageID string) error {
	msg, ok := m.store.Get(messageID)
	if !ok {
		return fmt.Errorf("delete %s: %w", messageID, ErrNotFound)
	}
	if msg.IsLocal() {
		if msg.Status == StatusSending {
			return fmt.Errorf("%w: message %s is still sending", ErrInvalidArgument, messageID)
		}
		m.store.RemoveMessage(msg.ID)
		m.forget(msg.ID)
		m.notify()
		return nil
	}

	if err := m.client.Chat.Delete(ctx, msg.ID); err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
			return err
		}
		m.log.Debug("message already gone on server", zap.String("message_id", msg.ID))
	}
	m.store.RemoveMessage(msg.ID)
	m.notify()
	return nil
}

// SetBlocked blocks or unblocks counterpart.
func (m *Messenger) SetBlocked(ctx context.Context, counterpart string, blocked bool) error {
	if counterpart == "" || counterpart == m.sess.UserID {
		return fmt.Errorf("%w: counterpart %q", ErrInvalidArgument, counterpart)
	}
	var err error
	if blocked {
		err = m.client.Chat.Block(ctx, counterpart)
	} else {
		err = m.client.Chat.Unblock(ctx, counterpart)
	}
	if err != nil {
		return err
	}
	m.blockMu.Lock()
	st := m.blocks[counterpart]
	st.Blocked = blocked
	m.blocks[counterpart] = st
	m.blockMu.Unlock()
	m.notify()
	return nil
}

// BlockStatus returns the cached block relation with counterpart, querying
// the server on first use.
func (m *Messenger) BlockStatus(ctx context.Context, counterpart string) (BlockStatus, error) {
	m.blockMu.Lock()
	st, ok := m.blocks[counterpart]
	m.blockMu.Unlock()
	if ok {
		return st, nil
	}
	st, err := m.client.Chat.BlockStatus(ctx, counterpart)
	if err != nil {
		return BlockStatus{}, err
	}
	m.blockMu.Lock()
	m.blocks[counterpart] = st
	m.blockMu.Unlock()
	return st, nil
}

// IsBlocked reports whether messages to counterpart are refused in either direction.
func (m *Messenger) IsBlocked(ctx context.Context, counterpart string) (bool, error) {
	st, err := m.BlockStatus(ctx, counterpart)
	if err != nil {
		return false, err
	}
	return st.Blocked || st.BlockedBy, nil
}

func (m *Messenger) blockedCached(counterpart string) bool {
	m.blockMu.Lock()
	defer m.blockMu.Unlock()
	st := m.blocks[counterpart]
	return st.Blocked || st.BlockedBy
}

// Typing tells counterpart the session user is typing. Best effort.
func (m *Messenger) Typing(counterpart string) {
	m.conn.Emit(EventTyping, TypingPayload{SenderID: m.sess.UserID, ReceiverID: counterpart, IsTyping: true})
}

// ── Notifications ────────────────────────────────────────

// FetchNotifications loads the notification list.
func (m *Messenger) FetchNotifications(ctx context.Context) ([]Notification, error) {
	list, err := m.client.Notifications.List(ctx)
	if err != nil {
		return nil, err
	}
	m.unread.ReplaceNotifications(list)
	return m.unread.Notifications(), nil
}

// MarkNotificationRead acknowledges one notification.
func (m *Messenger) MarkNotificationRead(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty notification id", ErrInvalidArgument)
	}
	if err := m.client.Notifications.MarkRead(ctx, id); err != nil {
		return err
	}
	if m.unread.MarkNotificationRead(id) {
		m.notify()
	}
	return nil
}

// MarkAllNotificationsRead clears the notification badge.
func (m *Messenger) MarkAllNotificationsRead(ctx context.Context) error {
	if err := m.client.Notifications.MarkAllRead(ctx); err != nil {
		return err
	}
	m.unread.ClearNotifications()
	m.notify()
	return nil
}

// ── Resync ───────────────────────────────────────────────

// Resync refetches history and the notification count and installs them as
// the authoritative state. Changes made locally while the fetch was in
// flight are kept.
func (m *Messenger) Resync(ctx context.Context) error {
	m.resyncMu.Lock()
	defer m.resyncMu.Unlock()

	since := m.store.Version()
	var (
		history []Message
		notifs  []Notification
		count   int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		history, err = m.client.Chat.History(gctx, m.sess.UserID)
		return err
	})
	g.Go(func() error {
		var err error
		count, err = m.client.Notifications.UnreadCount(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		notifs, err = m.client.Notifications.List(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	m.store.ReplaceAllSince(history, since)
	m.unread.ResyncNotifications(notifs, count)
	m.log.Debug("resynced", zap.Int("messages", len(history)), zap.Int("notifications_unread", count))
	m.notify()
	return nil
}

// ── Push events ──────────────────────────────────────────

// HandleEvent applies push and connection events. It runs on the connection
// manager's dispatch goroutine.
func (m *Messenger) HandleEvent(ev Event) {
	switch ev.Name {
	case EventNewMessage:
		var msg Message
		if err := ev.Decode(&msg); err != nil {
			m.log.Warn("bad new_message payload", zap.Error(err))
			return
		}
		if msg.SenderID == m.sess.UserID && msg.Status == "" {
			msg.Status = StatusDelivered
		}
		if m.store.UpsertMessage(msg) != UpsertIgnored {
			m.notify()
		}

	case EventChatDeleted:
		var p ChatDeletedPayload
		if err := ev.Decode(&p); err != nil {
			m.log.Warn("bad chat_deleted payload", zap.Error(err))
			return
		}
		if m.store.RemoveMessage(p.ID) {
			m.notify()
		}

	case EventChatRead:
		var p ChatReadPayload
		if err := ev.Decode(&p); err != nil {
			m.log.Warn("bad chat_read payload", zap.Error(err))
			return
		}
		if m.store.MarkReadBy(p.ReaderID, p.MessageIDs) > 0 {
			m.notify()
		}

	case EventUserTyping:
		var p TypingPayload
		if err := ev.Decode(&p); err != nil {
			m.log.Warn("bad user_typing payload", zap.Error(err))
			return
		}
		m.observeTyping(p)

	case EventNewNotification:
		var n Notification
		if err := ev.Decode(&n); err != nil {
			m.log.Warn("bad new_notification payload", zap.Error(err))
			return
		}
		if m.unread.ObserveNotification(n) {
			m.notify()
		}

	case EventReconnected:
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.requestTimeout)
		defer cancel()
		if err := m.Resync(ctx); err != nil {
			m.log.Error("resync after reconnect", zap.Error(err))
		}

	case EventStatus, EventConnectionError:
		m.notify()
	}
}

func (m *Messenger) observeTyping(p TypingPayload) {
	if p.SenderID == "" || p.SenderID == m.sess.UserID {
		return
	}
	if p.ReceiverID != "" && p.ReceiverID != m.sess.UserID {
		return
	}
	m.typingMu.Lock()
	if p.IsTyping {
		m.typing[p.SenderID] = time.Now().Add(m.opts.typingTTL)
	} else {
		delete(m.typing, p.SenderID)
	}
	m.typingMu.Unlock()
	m.notify()
	if p.IsTyping {
		time.AfterFunc(m.opts.typingTTL, m.notify)
	}
}

// ── Snapshots ────────────────────────────────────────────

// Snapshot returns the current aggregate state.
func (m *Messenger) Snapshot() Snapshot {
	summaries, byConv := m.store.View()
	global := 0
	for _, n := range byConv {
		global += n
	}

	now := time.Now()
	m.typingMu.Lock()
	var typing []string
	for id, until := range m.typing {
		if until.After(now) {
			typing = append(typing, id)
		} else {
			delete(m.typing, id)
		}
	}
	m.typingMu.Unlock()
	sort.Strings(typing)

	return Snapshot{
		Summaries:            summaries,
		UnreadByConversation: byConv,
		GlobalUnread:         global,
		NotificationUnread:   m.unread.NotificationUnread(),
		ConnectionStatus:     m.conn.State(),
		Typing:               typing,
	}
}

// Subscribe calls fn with the current snapshot and again after changes.
// Bursts of changes are coalesced, so fn sees the latest state but not
// necessarily every intermediate one. Calls are sequential. The returned
// function unsubscribes. After Logout, Subscribe does nothing.
func (m *Messenger) Subscribe(fn func(Snapshot)) (cancel func()) {
	s := &subscriber{fn: fn, signal: make(chan struct{}, 1), done: make(chan struct{})}
	m.subMu.Lock()
	if m.closed {
		m.subMu.Unlock()
		return func() {}
	}
	m.nextSub++
	id := m.nextSub
	m.subs[id] = s
	m.subMu.Unlock()

	s.signal <- struct{}{}
	go func() {
		for {
			select {
			case <-s.done:
				return
			case <-s.signal:
				s.fn(m.Snapshot())
			}
		}
	}()

	return func() {
		m.subMu.Lock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(s.done)
		}
		m.subMu.Unlock()
	}
}

func (m *Messenger) notify() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, s := range m.subs {
		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
}
