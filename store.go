package lexchat

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultMatchWindow bounds how far apart the local and server timestamps of
// the same sent message may be for content matching.
const DefaultMatchWindow = 2 * time.Minute

// UpsertResult reports how UpsertMessage applied a record.
type UpsertResult string

const (
	UpsertInserted UpsertResult = "inserted"
	UpsertMerged   UpsertResult = "merged"
	UpsertReplaced UpsertResult = "replaced"
	UpsertIgnored  UpsertResult = "ignored"
)

type conversation struct {
	counterpart string
	messages    []*Message
}

// Store is the client-owned cache of conversations for one session user.
//
// Every method runs as a single critical section, so a reader never observes
// a half-applied reconciliation. Records are keyed by server id once known;
// local entries (LocalIDPrefix ids) are kept until a server copy claims them,
// either by echoing their client id or by matching sender, receiver, body,
// attachment name and an approximate timestamp.
type Store struct {
	mu          sync.RWMutex
	self        string
	matchWindow time.Duration
	log         *zap.Logger

	convs      map[string]*conversation
	byID       map[string]*Message
	byClientID map[string]*Message
	profiles   map[string]Participant
	tombstones map[string]uint64

	// version counts mutations; touched records the version that last
	// changed each server id.
	version uint64
	touched map[string]uint64
}

// NewStore creates an empty store for selfID.
func NewStore(selfID string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		self:        selfID,
		matchWindow: DefaultMatchWindow,
		log:         log.Named("store"),
	}
	s.reset()
	return s
}

// SetMatchWindow overrides DefaultMatchWindow.
func (s *Store) SetMatchWindow(d time.Duration) {
	s.mu.Lock()
	s.matchWindow = d
	s.mu.Unlock()
}

// Self returns the session user id the store is scoped to.
func (s *Store) Self() string { return s.self }

func (s *Store) reset() {
	s.convs = make(map[string]*conversation)
	s.byID = make(map[string]*Message)
	s.byClientID = make(map[string]*Message)
	s.tombstones = make(map[string]uint64)
	s.touched = make(map[string]uint64)
	if s.profiles == nil {
		s.profiles = make(map[string]Participant)
	}
}

// ── Mutators ─────────────────────────────────────────────

// UpsertMessage inserts a record or reconciles it with the entry it describes.
func (s *Store) UpsertMessage(in Message) UpsertResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(in)
}

func (s *Store) upsertLocked(in Message) UpsertResult {
	msg := in.clone()
	if msg.ID == "" {
		s.warn("invalid", "", "record without id")
		return UpsertIgnored
	}
	cp := msg.Counterpart(s.self)
	if cp == "" {
		s.warn("foreign", msg.ID, "session user is neither sender nor receiver")
		return UpsertIgnored
	}
	s.learnProfiles(&msg)
	if _, dead := s.tombstones[msg.ID]; dead {
		s.warn("tombstoned", msg.ID, "record arrived after its deletion")
		return UpsertIgnored
	}
	s.normalize(&msg)

	if existing := s.byID[msg.ID]; existing != nil {
		s.claimClientID(existing, msg.ClientID)
		s.merge(existing, &msg)
		Reconciliations.WithLabelValues("merged").Inc()
		return UpsertMerged
	}

	if msg.IsLocal() {
		msg.ClientID = msg.ID
		s.insert(&msg)
		return UpsertInserted
	}

	if msg.ClientID != "" {
		if e := s.byClientID[msg.ClientID]; e != nil && e.IsLocal() {
			s.replace(e, &msg)
			Reconciliations.WithLabelValues("client_id").Inc()
			return UpsertReplaced
		}
	} else if e := s.matchLocal(cp, &msg); e != nil {
		s.replace(e, &msg)
		Reconciliations.WithLabelValues("content").Inc()
		return UpsertReplaced
	}

	s.insert(&msg)
	return UpsertInserted
}

// ReplaceAll makes msgs the authoritative message set, as after a full
// resync. Local entries still sending or failed survive unless msgs already
// contains their server copy.
func (s *Store) ReplaceAll(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceAllLocked(msgs, s.version)
}

// ReplaceAllSince is ReplaceAll for a list fetched when Version returned
// since. Changes applied after that point, including deletions, are kept on
// top of msgs.
func (s *Store) ReplaceAllSince(msgs []Message, since uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceAllLocked(msgs, since)
}

// Version returns the store's mutation counter.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) replaceAllLocked(msgs []Message, since uint64) {
	var locals, newer []*Message
	for _, c := range s.convs {
		for _, m := range c.messages {
			switch {
			case m.IsLocal():
				locals = append(locals, m)
			case s.touched[m.ID] > since:
				newer = append(newer, m)
			}
		}
	}
	sort.Slice(locals, func(i, j int) bool { return less(locals[i], locals[j]) })
	dead := make(map[string]uint64)
	for id, v := range s.tombstones {
		if v > since {
			dead[id] = v
		}
	}

	s.reset()
	s.tombstones = dead
	for _, m := range msgs {
		s.upsertLocked(m)
	}
	for _, m := range newer {
		s.upsertLocked(*m)
	}
	for _, l := range locals {
		if s.byClientID[l.ClientID] != nil {
			continue
		}
		if srv := s.matchServer(l); srv != nil {
			srv.ClientID = l.ClientID
			s.byClientID[l.ClientID] = srv
			Reconciliations.WithLabelValues("resync_content").Inc()
			continue
		}
		s.insert(l)
	}
}

// MarkMessageRead flips the read flag of one message. It reports whether the
// flag changed; calling it again is a no-op.
func (s *Store) MarkMessageRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markReadLocked(s.byID[id])
}

// MarkMessagesRead flips the read flag of every listed message and returns
// how many changed.
func (s *Store) MarkMessagesRead(ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if s.markReadLocked(s.byID[id]) {
			n++
		}
	}
	return n
}

// MarkConversationRead marks every message received from counterpart as read
// and returns the ids that changed.
func (s *Store) MarkConversationRead(counterpart string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.convs[counterpart]
	if c == nil {
		return nil
	}
	var ids []string
	for _, m := range c.messages {
		if m.ReceiverID == s.self && s.markReadLocked(m) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// MarkAllRead marks every received message read in one transaction.
func (s *Store) MarkAllRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.convs {
		for _, m := range c.messages {
			if m.ReceiverID == s.self && s.markReadLocked(m) {
				n++
			}
		}
	}
	return n
}

func (s *Store) markReadLocked(m *Message) bool {
	if m == nil || m.Read {
		return false
	}
	m.Read = true
	if m.SenderID == s.self {
		m.Status = StatusRead
	}
	s.touch(m)
	return true
}

// MarkReadBy applies a read receipt from reader to messages the session user sent.
func (s *Store) MarkReadBy(reader string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		m := s.byID[id]
		if m == nil || m.SenderID != s.self || (reader != "" && m.ReceiverID != reader) {
			continue
		}
		if s.markReadLocked(m) {
			n++
		}
	}
	return n
}

// SetStatus moves a message to status, recording errMsg for failures. A
// confirmed server record never moves backwards along the lifecycle.
func (s *Store) SetStatus(id string, status MessageStatus, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.lookup(id)
	if m == nil {
		return false
	}
	if !m.IsLocal() && status.rank() < m.Status.rank() {
		s.warn("regression", m.ID, "refused "+string(m.Status)+" -> "+string(status))
		return false
	}
	s.setStatusLocked(m, status, errMsg)
	return true
}

// SetLocalStatus is SetStatus restricted to an unconfirmed local entry. It
// reports false once localID has been replaced by its server copy.
func (s *Store) SetLocalStatus(localID string, status MessageStatus, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.byID[localID]
	if m == nil || !m.IsLocal() {
		return false
	}
	s.setStatusLocked(m, status, errMsg)
	return true
}

func (s *Store) setStatusLocked(m *Message, status MessageStatus, errMsg string) {
	m.Status = status
	m.Error = ""
	if status == StatusFailed {
		m.Error = errMsg
	}
	s.touch(m)
}

// RemoveMessage deletes a message locally. Removing an absent id is a no-op;
// server ids are remembered so a late copy does not resurrect the message.
func (s *Store) RemoveMessage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		return false
	}
	m := s.lookup(id)
	if m == nil {
		if !isLocalID(id) {
			s.tombstones[id] = s.bump()
		}
		return false
	}
	s.detach(m)
	if !m.IsLocal() {
		s.tombstones[m.ID] = s.bump()
	}
	return true
}

// SetProfile records a counterpart's public profile.
func (s *Store) SetProfile(p Participant) {
	if p.ID == "" {
		return
	}
	s.mu.Lock()
	s.profiles[p.ID] = mergeProfile(s.profiles[p.ID], p)
	s.mu.Unlock()
}

// ── Readers ──────────────────────────────────────────────

// Profile returns the cached public profile of a participant.
func (s *Store) Profile(id string) (Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	return p, ok
}

// Get returns the message with the given server or local id.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.lookup(id)
	if m == nil {
		return Message{}, false
	}
	return m.clone(), true
}

// History returns the conversation with counterpart ordered by timestamp,
// ties broken by id.
func (s *Store) History(counterpart string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.convs[counterpart]
	if c == nil {
		return nil
	}
	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.clone()
	}
	return out
}

// Summaries returns one entry per counterpart, most recent conversation first.
func (s *Store) Summaries() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summariesLocked()
}

func (s *Store) summariesLocked() []Summary {
	out := make([]Summary, 0, len(s.convs))
	for cp, c := range s.convs {
		if len(c.messages) == 0 {
			continue
		}
		last := c.messages[len(c.messages)-1]
		p, ok := s.profiles[cp]
		if !ok {
			p = Participant{ID: cp}
		}
		out = append(out, Summary{
			Counterpart:   p,
			LastMessage:   last.Preview(),
			LastSenderID:  last.SenderID,
			LastMessageAt: last.CreatedAt,
			Unread:        s.unreadLocked(c),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].Counterpart.ID < out[j].Counterpart.ID
	})
	return out
}

// View returns the summaries and per-conversation unread counts as of one
// instant.
func (s *Store) View() ([]Summary, map[string]int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summariesLocked(), s.unreadMapLocked()
}

// UnreadCount counts messages received from counterpart that are still unread.
func (s *Store) UnreadCount(counterpart string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadLocked(s.convs[counterpart])
}

// UnreadByConversation returns the unread count of every conversation that has one.
func (s *Store) UnreadByConversation() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadMapLocked()
}

func (s *Store) unreadMapLocked() map[string]int {
	out := make(map[string]int)
	for cp, c := range s.convs {
		if n := s.unreadLocked(c); n > 0 {
			out[cp] = n
		}
	}
	return out
}

// UnreadIDs lists unread received message ids for counterpart, or for every
// conversation when counterpart is empty.
func (s *Store) UnreadIDs(counterpart string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	collect := func(c *conversation) {
		for _, m := range c.messages {
			if m.ReceiverID == s.self && !m.Read && !m.IsLocal() {
				ids = append(ids, m.ID)
			}
		}
	}
	if counterpart != "" {
		if c := s.convs[counterpart]; c != nil {
			collect(c)
		}
		return ids
	}
	for _, c := range s.convs {
		collect(c)
	}
	return ids
}

// Pending returns local entries in the given status, oldest first.
func (s *Store) Pending(status MessageStatus) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, c := range s.convs {
		for _, m := range c.messages {
			if m.IsLocal() && m.Status == status {
				out = append(out, m.clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(&out[i], &out[j]) })
	return out
}

func (s *Store) unreadLocked(c *conversation) int {
	if c == nil {
		return 0
	}
	n := 0
	for _, m := range c.messages {
		if m.ReceiverID == s.self && !m.Read {
			n++
		}
	}
	return n
}

// ── Internals ────────────────────────────────────────────

func less(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func isLocalID(id string) bool {
	m := Message{ID: id}
	return m.IsLocal()
}

func (s *Store) lookup(id string) *Message {
	if m := s.byID[id]; m != nil {
		return m
	}
	return s.byClientID[id]
}

func (s *Store) normalize(m *Message) {
	if m.Status != "" {
		return
	}
	switch {
	case m.IsLocal():
		m.Status = StatusSending
	case m.Read && m.SenderID == s.self:
		m.Status = StatusRead
	default:
		m.Status = StatusDelivered
	}
}

func (s *Store) insert(m *Message) {
	cp := m.Counterpart(s.self)
	c := s.convs[cp]
	if c == nil {
		c = &conversation{counterpart: cp}
		s.convs[cp] = c
	}
	idx := sort.Search(len(c.messages), func(i int) bool { return !less(c.messages[i], m) })
	if idx < len(c.messages) {
		s.log.Debug("out-of-order message inserted before newer entries",
			zap.String("message_id", m.ID), zap.String("counterpart_id", cp))
		Reconciliations.WithLabelValues("out_of_order").Inc()
	}
	c.messages = append(c.messages, nil)
	copy(c.messages[idx+1:], c.messages[idx:])
	c.messages[idx] = m

	s.byID[m.ID] = m
	if m.ClientID != "" {
		s.byClientID[m.ClientID] = m
	}
	s.touch(m)
}

func (s *Store) detach(m *Message) {
	if c := s.convs[m.Counterpart(s.self)]; c != nil {
		for i, e := range c.messages {
			if e == m {
				c.messages = append(c.messages[:i], c.messages[i+1:]...)
				break
			}
		}
		if len(c.messages) == 0 {
			delete(s.convs, c.counterpart)
		}
	}
	if s.byID[m.ID] == m {
		delete(s.byID, m.ID)
	}
	if m.ClientID != "" && s.byClientID[m.ClientID] == m {
		delete(s.byClientID, m.ClientID)
	}
}

// replace swaps a local entry for the server record that confirms it.
func (s *Store) replace(local, srv *Message) {
	if srv.ClientID == "" {
		srv.ClientID = local.ClientID
	}
	if srv.Body == "" {
		srv.Body = local.Body
	}
	if srv.Attachment == nil && local.Attachment != nil {
		a := *local.Attachment
		a.Data = nil
		srv.Attachment = &a
	}
	srv.Read = srv.Read || local.Read
	if local.Status.rank() > srv.Status.rank() {
		srv.Status = local.Status
	}
	srv.Error = ""
	s.detach(local)
	s.insert(srv)
}

// merge folds a second copy of a known message into the stored entry. Every
// rule is commutative so the arrival order of copies does not matter.
func (s *Store) merge(dst, src *Message) {
	s.touch(dst)
	dst.Read = dst.Read || src.Read
	if src.Status.rank() > dst.Status.rank() {
		dst.Status = src.Status
	}
	if dst.Status != StatusFailed {
		dst.Error = ""
	}
	if dst.Body == "" {
		dst.Body = src.Body
	}
	if src.Attachment != nil && (dst.Attachment == nil || dst.Attachment.URL == "") {
		a := *src.Attachment
		dst.Attachment = &a
	}
	if dst.Sender == nil {
		dst.Sender = src.Sender
	}
	if dst.Receiver == nil {
		dst.Receiver = src.Receiver
	}
	if !src.CreatedAt.IsZero() && (dst.CreatedAt.IsZero() || src.CreatedAt.Before(dst.CreatedAt)) {
		s.detach(dst)
		dst.CreatedAt = src.CreatedAt
		s.insert(dst)
	}
}

// claimClientID attaches clientID to entry. A separate local entry with that
// client id is a duplicate and is dropped; a server entry that holds it was
// matched to the wrong local copy and loses the claim.
func (s *Store) claimClientID(entry *Message, clientID string) {
	if clientID == "" || entry.ClientID == clientID {
		return
	}
	if other := s.byClientID[clientID]; other != nil && other != entry {
		if other.IsLocal() {
			s.warn("duplicate", other.ID, "local copy superseded by "+entry.ID)
			s.detach(other)
		} else {
			s.warn("misclaimed", other.ID, "client id "+clientID+" belongs to "+entry.ID)
			delete(s.byClientID, clientID)
			other.ClientID = ""
		}
	}
	if entry.ClientID != "" && s.byClientID[entry.ClientID] == entry {
		delete(s.byClientID, entry.ClientID)
	}
	entry.ClientID = clientID
	s.byClientID[clientID] = entry
}

// matchLocal finds the oldest local entry the server copy srv could confirm.
func (s *Store) matchLocal(cp string, srv *Message) *Message {
	if srv.SenderID != s.self {
		return nil
	}
	c := s.convs[cp]
	if c == nil {
		return nil
	}
	for _, e := range c.messages {
		if e.IsLocal() && s.sameContent(e, srv) {
			return e
		}
	}
	return nil
}

// matchServer finds the oldest unclaimed server entry that confirms local.
func (s *Store) matchServer(local *Message) *Message {
	c := s.convs[local.Counterpart(s.self)]
	if c == nil {
		return nil
	}
	for _, e := range c.messages {
		if !e.IsLocal() && e.ClientID == "" && e.SenderID == s.self && s.sameContent(local, e) {
			return e
		}
	}
	return nil
}

func (s *Store) sameContent(a, b *Message) bool {
	if a.SenderID != b.SenderID || a.ReceiverID != b.ReceiverID {
		return false
	}
	if a.Body != b.Body || a.attachmentName() != b.attachmentName() {
		return false
	}
	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= s.matchWindow
}

func (s *Store) learnProfiles(m *Message) {
	for _, p := range []*Participant{m.Sender, m.Receiver} {
		if p != nil && p.ID != "" {
			s.profiles[p.ID] = mergeProfile(s.profiles[p.ID], *p)
		}
	}
}

func mergeProfile(old, p Participant) Participant {
	if p.Name == "" {
		p.Name = old.Name
	}
	if p.Role == "" {
		p.Role = old.Role
	}
	if p.Avatar == "" {
		p.Avatar = old.Avatar
	}
	return p
}

func (s *Store) bump() uint64 {
	s.version++
	return s.version
}

func (s *Store) touch(m *Message) {
	s.touched[m.ID] = s.bump()
}

func (s *Store) warn(kind, id, detail string) {
	w := &ReconciliationWarning{Kind: kind, MessageID: id, Detail: detail}
	Reconciliations.WithLabelValues(kind).Inc()
	s.log.Warn("reconciliation warning", zap.String("kind", kind), zap.String("message_id", id), zap.Error(w))
}
