package lexchat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// ============================================================================
// Fake backend: REST on chi, push over gorilla/websocket and SSE
// ============================================================================

const testToken = "tok-client-1"

type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *wsPeer) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu            sync.Mutex
	history       []Message
	notifications []Notification
	notifUnread   int
	blocks        map[string]BlockStatus
	calls         map[string]int
	nextID        int

	// behaviour switches
	sendStatus    int // non-zero fails POST /chat/send with this status
	sendDelay     time.Duration
	echoClientID  bool
	pushEcho      bool
	readFail      map[string]bool
	wsStatus      int // non-zero rejects /ws with this status
	sseStatus     int
	wsUnauthFrame bool

	peers    map[*wsPeer]bool
	streams  map[chan []byte]bool
	received []RealtimeEnvelope
	wsDials  int
	sseDials int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	f := &fakeBackend{
		t:            t,
		blocks:       make(map[string]BlockStatus),
		calls:        make(map[string]int),
		readFail:     make(map[string]bool),
		peers:        make(map[*wsPeer]bool),
		streams:      make(map[chan []byte]bool),
		echoClientID: true,
	}

	r := chi.NewRouter()
	r.Use(f.record)
	r.Get("/chat-history/{userId}", f.handleHistory)
	r.Post("/chat/send", f.handleSend)
	r.Patch("/chat/read/{id}", f.handleRead)
	r.Delete("/chat/{id}", f.handleDelete)
	r.Post("/chat/block/{id}", f.handleBlock(true))
	r.Post("/chat/unblock/{id}", f.handleBlock(false))
	r.Get("/chat/block-status/{id}", f.handleBlockStatus)
	r.Get("/notifications", f.handleNotifications)
	r.Get("/notifications/unread-count", f.handleUnreadCount)
	r.Patch("/notifications/mark-all-read", f.handleMarkAllNotifications)
	r.Patch("/notifications/{id}/read", f.handleMarkNotification)
	r.Get("/ws", f.handleWS)
	r.Get("/sse", f.handleSSE)

	f.srv = httptest.NewServer(r)
	t.Cleanup(func() {
		f.dropPush()
		f.srv.CloseClientConnections()
		f.srv.Close()
	})
	return f
}

func (f *fakeBackend) URL() string { return f.srv.URL }

func (f *fakeBackend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		pattern := chi.RouteContext(r.Context()).RoutePattern()
		f.mu.Lock()
		f.calls[r.Method+" "+pattern]++
		f.mu.Unlock()
	})
}

func (f *fakeBackend) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeBackend) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+testToken
}

func writeOK(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]interface{}{"ok": true}
	if data != nil {
		body["data"] = data
	}
	_ = json.NewEncoder(w).Encode(body)
}

func writeFail(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":    false,
		"error": map[string]string{"code": code, "message": msg},
	})
}

// ── REST ─────────────────────────────────────────────────

// addHistory records messages the server already holds.
func (f *fakeBackend) addHistory(msgs ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, msgs...)
}

func (f *fakeBackend) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		writeFail(w, http.StatusUnauthorized, "UNAUTHORIZED", "bad token")
		return
	}
	user := chi.URLParam(r, "userId")
	f.mu.Lock()
	var out []Message
	for _, m := range f.history {
		if m.SenderID == user || m.ReceiverID == user {
			out = append(out, m)
		}
	}
	f.mu.Unlock()
	writeOK(w, out)
}

func (f *fakeBackend) handleSend(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	status, delay, echoID, push := f.sendStatus, f.sendDelay, f.echoClientID, f.pushEcho
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		writeFail(w, status, "SEND_FAILED", "cannot store message")
		return
	}

	var req SendRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			writeFail(w, http.StatusBadRequest, "BAD_FORM", err.Error())
			return
		}
		req.ReceiverID = r.FormValue("receiverId")
		req.Body = r.FormValue("message")
		req.ClientID = r.FormValue("clientId")
		if file, hdr, err := r.FormFile("file"); err == nil {
			file.Close()
			req.Attachment = &Attachment{FileName: hdr.Filename, Size: hdr.Size, URL: "/uploads/" + hdr.Filename}
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}

	f.mu.Lock()
	f.nextID++
	msg := Message{
		ID:         fmt.Sprintf("srv-%d", f.nextID),
		SenderID:   selfID,
		ReceiverID: req.ReceiverID,
		Body:       req.Body,
		Attachment: req.Attachment,
		CreatedAt:  time.Now().UTC(),
	}
	f.history = append(f.history, msg)
	f.mu.Unlock()

	if push {
		f.push(EventNewMessage, msg)
	}
	if echoID {
		msg.ClientID = req.ClientID
	}
	writeOK(w, msg)
}

func (f *fakeBackend) handleRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f.mu.Lock()
	fail := f.readFail[id]
	if !fail {
		for i := range f.history {
			if f.history[i].ID == id {
				f.history[i].Read = true
			}
		}
	}
	f.mu.Unlock()
	if fail {
		writeFail(w, http.StatusInternalServerError, "READ_FAILED", "cannot mark read")
		return
	}
	writeOK(w, nil)
}

func (f *fakeBackend) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f.mu.Lock()
	found := false
	kept := f.history[:0]
	for _, m := range f.history {
		if m.ID == id {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	f.history = kept
	f.mu.Unlock()
	if !found {
		writeFail(w, http.StatusNotFound, "NOT_FOUND", "no such message")
		return
	}
	writeOK(w, nil)
}

func (f *fakeBackend) handleBlock(blocked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		f.mu.Lock()
		st := f.blocks[id]
		st.Blocked = blocked
		f.blocks[id] = st
		f.mu.Unlock()
		writeOK(w, nil)
	}
}

func (f *fakeBackend) handleBlockStatus(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	st := f.blocks[chi.URLParam(r, "id")]
	f.mu.Unlock()
	writeOK(w, st)
}

func (f *fakeBackend) handleNotifications(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	list := append([]Notification(nil), f.notifications...)
	f.mu.Unlock()
	writeOK(w, list)
}

func (f *fakeBackend) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		writeFail(w, http.StatusUnauthorized, "UNAUTHORIZED", "bad token")
		return
	}
	f.mu.Lock()
	n := f.notifUnread
	f.mu.Unlock()
	writeOK(w, map[string]int{"count": n})
}

func (f *fakeBackend) handleMarkNotification(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	if f.notifUnread > 0 {
		f.notifUnread--
	}
	f.mu.Unlock()
	writeOK(w, nil)
}

func (f *fakeBackend) handleMarkAllNotifications(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.notifUnread = 0
	f.mu.Unlock()
	writeOK(w, nil)
}

// ── Push ─────────────────────────────────────────────────

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (f *fakeBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.wsDials++
	status, unauthFrame := f.wsStatus, f.wsUnauthFrame
	f.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if !f.authorized(r) {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return
	}
	if r.URL.Query().Get("userId") == "" {
		http.Error(w, "userId required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	peer := &wsPeer{conn: conn}
	if unauthFrame {
		_ = peer.write([]byte(`{"type":"unauthorized","payload":{"message":"session revoked"}}`))
		conn.Close()
		return
	}
	// registered before the handshake frame so a push right after Connect lands
	f.mu.Lock()
	f.peers[peer] = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.peers, peer)
		f.mu.Unlock()
		conn.Close()
	}()
	if err := peer.write([]byte(`{"type":"authenticated"}`)); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) == nil {
			f.mu.Lock()
			f.received = append(f.received, env)
			f.mu.Unlock()
		}
	}
}

func (f *fakeBackend) handleSSE(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.sseDials++
	status := f.sseStatus
	f.mu.Unlock()
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if !f.authorized(r) {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	ch := make(chan []byte, 64)
	f.mu.Lock()
	f.streams[ch] = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.streams, ch)
		f.mu.Unlock()
	}()

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "data: {\"type\":\"authenticated\"}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// push sends an event to every connected push client.
func (f *fakeBackend) push(event string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		f.t.Errorf("marshal push payload: %v", err)
		return
	}
	data, _ := json.Marshal(RealtimeEnvelope{Type: event, Payload: raw})

	f.mu.Lock()
	peers := make([]*wsPeer, 0, len(f.peers))
	for p := range f.peers {
		peers = append(peers, p)
	}
	for ch := range f.streams {
		select {
		case ch <- data:
		default:
		}
	}
	f.mu.Unlock()

	for _, p := range peers {
		_ = p.write(data)
	}
}

// dropPush closes every push connection from the server side.
func (f *fakeBackend) dropPush() {
	f.mu.Lock()
	peers := f.peers
	f.peers = make(map[*wsPeer]bool)
	for ch := range f.streams {
		close(ch)
	}
	f.streams = make(map[chan []byte]bool)
	f.mu.Unlock()
	for p := range peers {
		p.conn.Close()
	}
}

func (f *fakeBackend) pushClients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers) + len(f.streams)
}

func (f *fakeBackend) receivedEvents() []RealtimeEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RealtimeEnvelope(nil), f.received...)
}

// ============================================================================
// Helpers
// ============================================================================

func testRealtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    20 * time.Millisecond,
		HeartbeatInterval:    time.Second,
		HandshakeTimeout:     2 * time.Second,
	}
}

func testSession() Session {
	return Session{UserID: selfID, Role: RoleClient, Token: testToken}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
