package lexchat

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Participants
// ============================================================================

// Role is the marketplace role of a participant.
type Role string

const (
	RoleClient Role = "client"
	RoleLawyer Role = "lawyer"
	RoleAdmin  Role = "admin"
)

// Participant is the public profile of a chat counterpart.
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Role   Role   `json:"role,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// ============================================================================
// Messages
// ============================================================================

// LocalIDPrefix marks ids assigned on the client before the server confirms a message.
const LocalIDPrefix = "local-"

// MessageStatus is the delivery lifecycle of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// rank orders statuses along the lifecycle. Failed ranks lowest so a server
// copy of a message that was committed despite a client-side timeout wins.
func (s MessageStatus) rank() int {
	switch s {
	case StatusFailed:
		return 0
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return -1
}

// Attachment is a file carried by a message. Data is only set on outbound
// messages whose file has not been uploaded yet.
type Attachment struct {
	FileName string `json:"fileName"`
	MimeType string `json:"fileType,omitempty"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Data     []byte `json:"-"`
}

// Message is a single chat message between two users.
type Message struct {
	ID         string        `json:"id"`
	ClientID   string        `json:"clientId,omitempty"`
	SenderID   string        `json:"senderId"`
	ReceiverID string        `json:"receiverId"`
	Sender     *Participant  `json:"sender,omitempty"`
	Receiver   *Participant  `json:"receiver,omitempty"`
	Body       string        `json:"message,omitempty"`
	Attachment *Attachment   `json:"file,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	Read       bool          `json:"read"`
	Status     MessageStatus `json:"status,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// IsLocal reports whether the message still carries a client-assigned id.
func (m *Message) IsLocal() bool {
	return strings.HasPrefix(m.ID, LocalIDPrefix)
}

// Counterpart returns the id of the other party relative to self, or "" if
// self is not a party to the message.
func (m *Message) Counterpart(self string) string {
	switch self {
	case m.SenderID:
		return m.ReceiverID
	case m.ReceiverID:
		return m.SenderID
	}
	return ""
}

// Preview is the one-line text shown in a conversation list.
func (m *Message) Preview() string {
	if m.Body != "" {
		return m.Body
	}
	if m.Attachment != nil {
		return "[file] " + m.Attachment.FileName
	}
	return ""
}

func (m *Message) attachmentName() string {
	if m.Attachment == nil {
		return ""
	}
	return m.Attachment.FileName
}

func (m Message) clone() Message {
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	if m.Sender != nil {
		p := *m.Sender
		m.Sender = &p
	}
	if m.Receiver != nil {
		p := *m.Receiver
		m.Receiver = &p
	}
	return m
}

// ============================================================================
// Conversations, notifications, snapshots
// ============================================================================

// Summary is the derived list entry for one counterpart.
type Summary struct {
	Counterpart   Participant `json:"counterpart"`
	LastMessage   string      `json:"lastMessage"`
	LastSenderID  string      `json:"lastSenderId"`
	LastMessageAt time.Time   `json:"lastMessageAt"`
	Unread        int         `json:"unread"`
}

// Notification is a badge-level event not tied to a conversation.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Snapshot is the aggregate state handed to subscribers.
type Snapshot struct {
	Summaries            []Summary      `json:"summaries"`
	UnreadByConversation map[string]int `json:"unreadByConversation"`
	GlobalUnread         int            `json:"globalUnread"`
	NotificationUnread   int            `json:"notificationUnread"`
	ConnectionStatus     RealtimeState  `json:"connectionStatus"`
	Typing               []string       `json:"typing,omitempty"`
}

// ============================================================================
// Push payloads
// ============================================================================

// ChatDeletedPayload is carried by chat_deleted events.
type ChatDeletedPayload struct {
	ID string `json:"id"`
}

// ChatReadPayload is carried by chat_read events when the counterpart reads
// messages sent by the session user.
type ChatReadPayload struct {
	MessageIDs []string `json:"messageIds"`
	ReaderID   string   `json:"readerId"`
}

// TypingPayload is carried by user_typing events.
type TypingPayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

// ============================================================================
// REST envelope
// ============================================================================

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// BlockStatus reports the block relationship with a counterpart.
type BlockStatus struct {
	Blocked   bool `json:"blocked"`
	BlockedBy bool `json:"blockedBy"`
}

// unreadCountData is the body of GET /notifications/unread-count.
type unreadCountData struct {
	Count int `json:"count"`
}
