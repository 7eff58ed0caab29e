package lexchat

import (
	"sort"
	"sync"
)

// Unread derives conversation unread counters from a Store and keeps the
// notification badge counter.
//
// Conversation counts are never incremented independently: they are counted
// from the store's read flags, so the global count is always the sum of the
// per-conversation counts and a message the store already holds cannot be
// counted twice. The notification badge is authoritative from the server on
// resync and moves by exactly one per distinct push in between.
type Unread struct {
	store *Store

	mu            sync.Mutex
	notifications map[string]*Notification
	notifUnread   int
}

// NewUnread creates the accounting view over store.
func NewUnread(store *Store) *Unread {
	return &Unread{
		store:         store,
		notifications: make(map[string]*Notification),
	}
}

// RecomputeUnread returns the unread count of the conversation with counterpart.
func (u *Unread) RecomputeUnread(counterpart string) int {
	return u.store.UnreadCount(counterpart)
}

// ByConversation returns the non-zero unread counts keyed by counterpart.
func (u *Unread) ByConversation() map[string]int {
	return u.store.UnreadByConversation()
}

// Global is the badge count over every conversation.
func (u *Unread) Global() int {
	total := 0
	for _, n := range u.store.UnreadByConversation() {
		total += n
	}
	return total
}

// ── Notifications ────────────────────────────────────────

// SetNotificationCount installs the server count after a resync. Known
// notifications are kept so a push seen before the resync is not counted again.
func (u *Unread) SetNotificationCount(n int) {
	if n < 0 {
		n = 0
	}
	u.mu.Lock()
	u.notifUnread = n
	u.mu.Unlock()
}

// ResyncNotifications installs the server count together with the ids it
// covers, so a later push of an already counted notification is ignored.
// Ids seen earlier but missing from list are kept.
func (u *Unread) ResyncNotifications(list []Notification, count int) {
	if count < 0 {
		count = 0
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := range list {
		n := list[i]
		u.notifications[n.ID] = &n
	}
	u.notifUnread = count
}

// ReplaceNotifications installs a freshly fetched notification list.
func (u *Unread) ReplaceNotifications(list []Notification) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.notifications = make(map[string]*Notification, len(list))
	for i := range list {
		n := list[i]
		u.notifications[n.ID] = &n
	}
}

// ObserveNotification accounts a pushed notification. It reports whether the
// badge moved; a repeated id never moves it.
func (u *Unread) ObserveNotification(n Notification) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if n.ID != "" {
		if _, seen := u.notifications[n.ID]; seen {
			return false
		}
		u.notifications[n.ID] = &n
	}
	if n.Read {
		return false
	}
	u.notifUnread++
	return true
}

// MarkNotificationRead decrements the badge once for an unread notification,
// floored at zero.
func (u *Unread) MarkNotificationRead(id string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	n, ok := u.notifications[id]
	if ok && n.Read {
		return false
	}
	if ok {
		n.Read = true
	} else {
		u.notifications[id] = &Notification{ID: id, Read: true}
	}
	if u.notifUnread > 0 {
		u.notifUnread--
	}
	return true
}

// ClearNotifications zeroes the badge and marks every known notification read.
func (u *Unread) ClearNotifications() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, n := range u.notifications {
		n.Read = true
	}
	u.notifUnread = 0
}

// NotificationUnread returns the badge count.
func (u *Unread) NotificationUnread() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.notifUnread
}

// Notifications returns known notifications, newest first.
func (u *Unread) Notifications() []Notification {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]Notification, 0, len(u.notifications))
	for _, n := range u.notifications {
		if n.CreatedAt.IsZero() && n.Type == "" && n.Message == "" {
			// placeholder recorded by MarkNotificationRead
			continue
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
