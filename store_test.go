package lexchat

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	selfID  = "client-1"
	lawyerA = "lawyer-a"
	lawyerB = "lawyer-b"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func inbound(id, from string, sec int) Message {
	return Message{ID: id, SenderID: from, ReceiverID: selfID, Body: "msg " + id, CreatedAt: at(sec)}
}

func outbound(id, to, body string, sec int) Message {
	return Message{ID: id, SenderID: selfID, ReceiverID: to, Body: body, CreatedAt: at(sec)}
}

func newTestStore(t *testing.T) (*Store, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	return NewStore(selfID, zap.New(core)), logs
}

func historyIDs(s *Store, cp string) []string {
	var ids []string
	for _, m := range s.History(cp) {
		ids = append(ids, m.ID)
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ============================================================================
// Ordering
// ============================================================================

func TestStoreOrdering(t *testing.T) {
	t.Run("late arrival is placed by timestamp", func(t *testing.T) {
		s, logs := newTestStore(t)
		s.UpsertMessage(inbound("m100", lawyerA, 100))
		s.UpsertMessage(inbound("m50", lawyerA, 50))

		if got := historyIDs(s, lawyerA); !equalIDs(got, []string{"m50", "m100"}) {
			t.Fatalf("history = %v, want [m50 m100]", got)
		}
		if logs.FilterMessage("out-of-order message inserted before newer entries").Len() != 1 {
			t.Fatal("expected an out-of-order debug entry")
		}
	})

	t.Run("equal timestamps break ties by id", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.UpsertMessage(inbound("b", lawyerA, 10))
		s.UpsertMessage(inbound("a", lawyerA, 10))
		if got := historyIDs(s, lawyerA); !equalIDs(got, []string{"a", "b"}) {
			t.Fatalf("history = %v, want [a b]", got)
		}
	})

	t.Run("summaries sort by last activity", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.UpsertMessage(inbound("a1", lawyerA, 10))
		s.UpsertMessage(inbound("b1", lawyerB, 20))
		s.UpsertMessage(outbound("a2", lawyerA, "later", 30))

		sums := s.Summaries()
		if len(sums) != 2 {
			t.Fatalf("expected 2 summaries, got %d", len(sums))
		}
		if sums[0].Counterpart.ID != lawyerA || sums[0].LastMessage != "later" {
			t.Fatalf("first summary = %+v", sums[0])
		}
		if sums[0].Unread != 1 || sums[1].Unread != 1 {
			t.Fatalf("unread = %d/%d, want 1/1", sums[0].Unread, sums[1].Unread)
		}
	})

	t.Run("attachment preview", func(t *testing.T) {
		s, _ := newTestStore(t)
		m := inbound("f1", lawyerA, 1)
		m.Body = ""
		m.Attachment = &Attachment{FileName: "retainer.pdf"}
		s.UpsertMessage(m)
		if got := s.Summaries()[0].LastMessage; got != "[file] retainer.pdf" {
			t.Fatalf("preview = %q", got)
		}
	})
}

// ============================================================================
// Reconciliation of sent messages
// ============================================================================

func TestStoreReconcileSend(t *testing.T) {
	local := func() Message {
		m := outbound("local-1", lawyerA, "hello", 100)
		m.Status = StatusSending
		return m
	}
	restCopy := func() Message {
		m := outbound("srv-1", lawyerA, "hello", 101)
		m.ClientID = "local-1"
		m.Status = StatusSent
		return m
	}
	pushCopy := func() Message {
		m := outbound("srv-1", lawyerA, "hello", 101)
		m.Status = StatusDelivered
		return m
	}

	check := func(t *testing.T, s *Store) {
		t.Helper()
		h := s.History(lawyerA)
		if len(h) != 1 {
			t.Fatalf("expected exactly one entry, got %d: %v", len(h), historyIDs(s, lawyerA))
		}
		if h[0].ID != "srv-1" || h[0].ClientID != "local-1" {
			t.Fatalf("entry = %s/%s, want srv-1/local-1", h[0].ID, h[0].ClientID)
		}
		if h[0].Status != StatusDelivered {
			t.Fatalf("status = %s, want delivered", h[0].Status)
		}
		if _, ok := s.Get("local-1"); !ok {
			t.Fatal("expected lookup by client id to resolve")
		}
	}

	t.Run("rest response then push echo", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.UpsertMessage(local())
		if r := s.UpsertMessage(restCopy()); r != UpsertReplaced {
			t.Fatalf("rest copy: %s, want replaced", r)
		}
		if r := s.UpsertMessage(pushCopy()); r != UpsertMerged {
			t.Fatalf("push copy: %s, want merged", r)
		}
		check(t, s)
	})

	t.Run("push echo then rest response", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.UpsertMessage(local())
		if r := s.UpsertMessage(pushCopy()); r != UpsertReplaced {
			t.Fatalf("push copy: %s, want replaced", r)
		}
		if r := s.UpsertMessage(restCopy()); r != UpsertMerged {
			t.Fatalf("rest copy: %s, want merged", r)
		}
		check(t, s)
	})

	t.Run("echo without client id outside window stays separate", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.UpsertMessage(local())
		far := pushCopy()
		far.CreatedAt = at(100 + 600)
		s.UpsertMessage(far)
		if n := len(s.History(lawyerA)); n != 2 {
			t.Fatalf("expected 2 entries, got %d", n)
		}
	})

	t.Run("identical bodies match oldest first", func(t *testing.T) {
		s, _ := newTestStore(t)
		a := outbound("local-a", lawyerA, "ok", 100)
		b := outbound("local-b", lawyerA, "ok", 105)
		s.UpsertMessage(a)
		s.UpsertMessage(b)

		echo := outbound("srv-a", lawyerA, "ok", 101)
		s.UpsertMessage(echo)
		got, _ := s.Get("srv-a")
		if got.ClientID != "local-a" {
			t.Fatalf("echo claimed %q, want local-a", got.ClientID)
		}
		if _, ok := s.Get("local-b"); !ok {
			t.Fatal("local-b should still be pending")
		}
	})

	t.Run("rest copy corrects a misclaimed echo", func(t *testing.T) {
		s, logs := newTestStore(t)
		s.UpsertMessage(outbound("local-a", lawyerA, "ok", 100))
		s.UpsertMessage(outbound("local-b", lawyerA, "ok", 101))

		// the server copy of b is echoed first and content-matches a
		s.UpsertMessage(outbound("srv-b", lawyerA, "ok", 102))
		restB := outbound("srv-b", lawyerA, "ok", 102)
		restB.ClientID = "local-b"
		s.UpsertMessage(restB)
		restA := outbound("srv-a", lawyerA, "ok", 100)
		restA.ClientID = "local-a"
		s.UpsertMessage(restA)

		h := s.History(lawyerA)
		if len(h) != 2 {
			t.Fatalf("expected 2 entries, got %v", historyIDs(s, lawyerA))
		}
		a, _ := s.Get("srv-a")
		b, _ := s.Get("srv-b")
		if a.ClientID != "local-a" || b.ClientID != "local-b" {
			t.Fatalf("client ids = %q/%q", a.ClientID, b.ClientID)
		}
		if logs.FilterMessage("reconciliation warning").Len() == 0 {
			t.Fatal("expected a reconciliation warning")
		}
	})

	t.Run("status never moves backwards", func(t *testing.T) {
		s, _ := newTestStore(t)
		read := outbound("srv-1", lawyerA, "hi", 1)
		read.Status = StatusRead
		read.Read = true
		s.UpsertMessage(read)
		s.UpsertMessage(pushCopy())
		got, _ := s.Get("srv-1")
		if got.Status != StatusRead || !got.Read {
			t.Fatalf("status = %s read=%v", got.Status, got.Read)
		}
	})
}

// ============================================================================
// Duplicates, deletion, foreign records
// ============================================================================

func TestStoreDuplicates(t *testing.T) {
	t.Run("same push twice is one entry and one unread", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.UpsertMessage(inbound("m1", lawyerA, 1))
		s.UpsertMessage(inbound("m1", lawyerA, 1))
		if n := len(s.History(lawyerA)); n != 1 {
			t.Fatalf("entries = %d", n)
		}
		if n := s.UnreadCount(lawyerA); n != 1 {
			t.Fatalf("unread = %d", n)
		}
	})

	t.Run("read flag is or-ed across copies", func(t *testing.T) {
		s, _ := newTestStore(t)
		r := inbound("m1", lawyerA, 1)
		r.Read = true
		s.UpsertMessage(r)
		s.UpsertMessage(inbound("m1", lawyerA, 1))
		if n := s.UnreadCount(lawyerA); n != 0 {
			t.Fatalf("unread = %d, want 0", n)
		}
	})

	t.Run("record for another user is ignored", func(t *testing.T) {
		s, logs := newTestStore(t)
		r := s.UpsertMessage(Message{ID: "x", SenderID: "a", ReceiverID: "b"})
		if r != UpsertIgnored {
			t.Fatalf("result = %s", r)
		}
		if logs.FilterField(zap.String("kind", "foreign")).Len() != 1 {
			t.Fatal("expected a foreign warning")
		}
	})
}

func TestStoreRemove(t *testing.T) {
	t.Run("remove is idempotent", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.UpsertMessage(inbound("m1", lawyerA, 1))
		if !s.RemoveMessage("m1") {
			t.Fatal("first remove should report a change")
		}
		if s.RemoveMessage("m1") {
			t.Fatal("second remove should be a no-op")
		}
		if len(s.Summaries()) != 0 {
			t.Fatal("empty conversation should disappear")
		}
	})

	t.Run("late copy after delete stays deleted", func(t *testing.T) {
		s, logs := newTestStore(t)
		s.UpsertMessage(inbound("m1", lawyerA, 1))
		s.RemoveMessage("m1")
		if r := s.UpsertMessage(inbound("m1", lawyerA, 1)); r != UpsertIgnored {
			t.Fatalf("late copy: %s", r)
		}
		if logs.FilterField(zap.String("kind", "tombstoned")).Len() != 1 {
			t.Fatal("expected a tombstoned warning")
		}
	})

	t.Run("delete before arrival", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.RemoveMessage("m9")
		if r := s.UpsertMessage(inbound("m9", lawyerA, 1)); r != UpsertIgnored {
			t.Fatalf("result = %s", r)
		}
	})

	t.Run("removing by client id drops the confirmed entry", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.UpsertMessage(outbound("local-1", lawyerA, "x", 1))
		srv := outbound("srv-1", lawyerA, "x", 1)
		srv.ClientID = "local-1"
		s.UpsertMessage(srv)
		if !s.RemoveMessage("local-1") {
			t.Fatal("expected removal through client id")
		}
		if _, ok := s.Get("srv-1"); ok {
			t.Fatal("server entry should be gone")
		}
	})
}

// ============================================================================
// Read state
// ============================================================================

func TestStoreRead(t *testing.T) {
	t.Run("mark read is monotonic", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.UpsertMessage(inbound("m1", lawyerA, 1))
		if !s.MarkMessageRead("m1") {
			t.Fatal("first mark should change state")
		}
		if s.MarkMessageRead("m1") {
			t.Fatal("second mark should be a no-op")
		}
		s.UpsertMessage(inbound("m1", lawyerA, 1))
		if n := s.UnreadCount(lawyerA); n != 0 {
			t.Fatalf("a stale unread copy must not resurrect unread, got %d", n)
		}
	})

	t.Run("conversation and global", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.UpsertMessage(inbound("a1", lawyerA, 1))
		s.UpsertMessage(inbound("a2", lawyerA, 2))
		s.UpsertMessage(inbound("b1", lawyerB, 3))
		s.UpsertMessage(outbound("o1", lawyerA, "mine", 4))

		ids := s.MarkConversationRead(lawyerA)
		if !equalIDs(ids, []string{"a1", "a2"}) {
			t.Fatalf("marked %v", ids)
		}
		if n := s.MarkAllRead(); n != 1 {
			t.Fatalf("MarkAllRead = %d, want 1", n)
		}
		if len(s.UnreadByConversation()) != 0 {
			t.Fatal("expected no unread left")
		}
	})

	t.Run("read receipt from counterpart", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.UpsertMessage(outbound("o1", lawyerA, "q", 1))
		s.UpsertMessage(outbound("o2", lawyerB, "q", 2))
		if n := s.MarkReadBy(lawyerA, []string{"o1", "o2", "missing"}); n != 1 {
			t.Fatalf("receipts applied = %d, want 1", n)
		}
		got, _ := s.Get("o1")
		if got.Status != StatusRead {
			t.Fatalf("status = %s", got.Status)
		}
	})
}

// ============================================================================
// ReplaceAll
// ============================================================================

func TestStoreReplaceAll(t *testing.T) {
	t.Run("server list becomes authoritative", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.UpsertMessage(inbound("gone", lawyerA, 1))
		s.UpsertMessage(inbound("kept", lawyerA, 2))
		s.ReplaceAll([]Message{inbound("kept", lawyerA, 2), inbound("new", lawyerB, 3)})

		if _, ok := s.Get("gone"); ok {
			t.Fatal("entry missing from the server list should be dropped")
		}
		if len(s.Summaries()) != 2 {
			t.Fatalf("summaries = %d", len(s.Summaries()))
		}
	})

	t.Run("pending and failed locals survive", func(t *testing.T) {
		s, _ := newTestStore(t)
		pending := outbound("local-1", lawyerA, "draft", 1)
		failed := outbound("local-2", lawyerA, "oops", 2)
		failed.Status = StatusFailed
		s.UpsertMessage(pending)
		s.UpsertMessage(failed)

		confirmed := outbound("srv-1", lawyerA, "draft", 1)
		s.ReplaceAll([]Message{confirmed})

		h := s.History(lawyerA)
		if len(h) != 2 {
			t.Fatalf("history = %v", historyIDs(s, lawyerA))
		}
		if got, _ := s.Get("local-1"); got.ID != "srv-1" {
			t.Fatalf("local-1 should resolve to the server copy, got %s", got.ID)
		}
		if got, _ := s.Get("local-2"); got.Status != StatusFailed {
			t.Fatalf("failed draft status = %s", got.Status)
		}
	})

	t.Run("changes after the fetch are kept", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.UpsertMessage(inbound("m1", lawyerA, 1))
		s.UpsertMessage(inbound("m2", lawyerA, 2))
		since := s.Version()

		s.MarkMessageRead("m1")
		s.RemoveMessage("m2")
		s.UpsertMessage(inbound("m3", lawyerA, 3))

		s.ReplaceAllSince([]Message{inbound("m1", lawyerA, 1), inbound("m2", lawyerA, 2)}, since)
		if got := historyIDs(s, lawyerA); !equalIDs(got, []string{"m1", "m3"}) {
			t.Fatalf("history = %v, want [m1 m3]", got)
		}
		if n := s.UnreadCount(lawyerA); n != 1 {
			t.Fatalf("unread = %d, want 1", n)
		}
	})

	t.Run("clears tombstones", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.RemoveMessage("m1")
		s.ReplaceAll([]Message{inbound("m1", lawyerA, 1)})
		if _, ok := s.Get("m1"); !ok {
			t.Fatal("authoritative list should restore m1")
		}
	})
}

func TestStoreStatus(t *testing.T) {
	t.Run("confirmed record never regresses", func(t *testing.T) {
		s, logs := newTestStore(t)
		m := outbound("srv-1", lawyerA, "hello", 1)
		m.Status = StatusDelivered
		s.UpsertMessage(m)

		if s.SetStatus("srv-1", StatusFailed, "timed out") {
			t.Fatal("delivered -> failed must be refused")
		}
		if s.SetStatus("srv-1", StatusSent, "") {
			t.Fatal("delivered -> sent must be refused")
		}
		got, _ := s.Get("srv-1")
		if got.Status != StatusDelivered || got.Error != "" {
			t.Fatalf("message = %+v", got)
		}
		if logs.FilterField(zap.String("kind", "regression")).Len() != 2 {
			t.Fatal("expected two regression warnings")
		}
		if !s.SetStatus("srv-1", StatusRead, "") {
			t.Fatal("delivered -> read should apply")
		}
	})

	t.Run("local status stops at the server copy", func(t *testing.T) {
		s, _ := newTestStore(t)
		local := outbound(LocalIDPrefix+"1", lawyerA, "hello", 1)
		local.Status = StatusSending
		s.UpsertMessage(local)
		if !s.SetLocalStatus(local.ID, StatusFailed, "boom") {
			t.Fatal("local entry should accept a status")
		}
		if got, _ := s.Get(local.ID); got.Status != StatusFailed || got.Error != "boom" {
			t.Fatalf("local = %+v", got)
		}

		srv := outbound("srv-1", lawyerA, "hello", 1)
		srv.ClientID = local.ID
		srv.Status = StatusDelivered
		s.UpsertMessage(srv)

		if s.SetLocalStatus(local.ID, StatusFailed, "late timeout") {
			t.Fatal("replaced entry must not accept a local status")
		}
		got, ok := s.Get(local.ID)
		if !ok || got.ID != "srv-1" || got.Status != StatusDelivered || got.Error != "" {
			t.Fatalf("server copy = %+v", got)
		}
		if s.SetLocalStatus("missing", StatusFailed, "x") {
			t.Fatal("unknown id must report false")
		}
	})
}

func TestStoreProfiles(t *testing.T) {
	s, _ := newTestStore(t)
	m := inbound("m1", lawyerA, 1)
	m.Sender = &Participant{ID: lawyerA, Name: "Ada Counsel", Role: RoleLawyer}
	s.UpsertMessage(m)
	s.SetProfile(Participant{ID: lawyerA, Avatar: "a.png"})

	p := s.Summaries()[0].Counterpart
	if p.Name != "Ada Counsel" || p.Avatar != "a.png" || p.Role != RoleLawyer {
		t.Fatalf("profile = %+v", p)
	}
	if got, ok := s.Profile(lawyerA); !ok || got != p {
		t.Fatalf("Profile = %+v, %v; want %+v", got, ok, p)
	}
	if _, ok := s.Profile("stranger"); ok {
		t.Fatal("unknown participant should not have a profile")
	}
}
