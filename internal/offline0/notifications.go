package offline0

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NotificationOptions are the display options of a notification.
type NotificationOptions struct {
	Body     string `json:"body"`
	Icon     string `json:"icon"`
	Badge    string `json:"badge"`
	Vibrate  []int  `json:"vibrate"`
	Tag      string `json:"tag"`
	Renotify bool   `json:"renotify"`
}

type Notification struct {
	ID      string              `json:"id"`
	Title   string              `json:"title"`
	Options NotificationOptions `json:"options"`
	ShownAt time.Time           `json:"shownAt"`

	// Alert is false when a same-tag replacement should be silent.
	Alert bool `json:"alert"`
}

// NotificationCenter keeps the notifications currently on display and fans
// them out to connected pages.
type NotificationCenter struct {
	hub        *ClientHub
	permission string

	mu        sync.Mutex
	displayed map[string]Notification
	byTag     map[string]string
}

func NewNotificationCenter(hub *ClientHub, permission string) *NotificationCenter {
	return &NotificationCenter{
		hub:        hub,
		permission: permission,
		displayed:  make(map[string]Notification),
		byTag:      make(map[string]string),
	}
}

// Show displays a notification. A notification with the same tag as one on
// display replaces it, alerting again only when Renotify is set.
func (nc *NotificationCenter) Show(ctx context.Context, title string, opts NotificationOptions) (Notification, error) {
	if err := ctx.Err(); err != nil {
		return Notification{}, err
	}
	if nc.permission != PermissionGranted {
		return Notification{}, ErrPermissionDenied
	}

	n := Notification{
		ID:      uuid.NewString(),
		Title:   title,
		Options: opts,
		ShownAt: time.Now().UTC(),
		Alert:   true,
	}

	nc.mu.Lock()
	var replaced string
	if opts.Tag != "" {
		if old, ok := nc.byTag[opts.Tag]; ok {
			replaced = old
			delete(nc.displayed, old)
			n.Alert = opts.Renotify
		}
		nc.byTag[opts.Tag] = n.ID
	}
	nc.displayed[n.ID] = n
	nc.mu.Unlock()

	if replaced != "" {
		nc.hub.Broadcast(Message{Type: MsgNotificationGone, Data: map[string]string{"id": replaced}})
	}
	nc.hub.Broadcast(Message{Type: MsgNotification, Data: n})
	return n, nil
}

// Close removes a displayed notification.
func (nc *NotificationCenter) Close(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	nc.mu.Lock()
	n, ok := nc.displayed[id]
	if ok {
		delete(nc.displayed, id)
		if nc.byTag[n.Options.Tag] == id {
			delete(nc.byTag, n.Options.Tag)
		}
	}
	nc.mu.Unlock()
	if !ok {
		return ErrNotificationNotFound
	}
	nc.hub.Broadcast(Message{Type: MsgNotificationGone, Data: map[string]string{"id": id}})
	return nil
}

func (nc *NotificationCenter) Get(id string) (Notification, bool) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	n, ok := nc.displayed[id]
	return n, ok
}

// Displayed lists notifications on display, oldest first.
func (nc *NotificationCenter) Displayed() []Notification {
	nc.mu.Lock()
	out := make([]Notification, 0, len(nc.displayed))
	for _, n := range nc.displayed {
		out = append(out, n)
	}
	nc.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ShownAt.Before(out[j].ShownAt) })
	return out
}

// replay sends every displayed notification to a page that just connected.
func (nc *NotificationCenter) replay(info ClientInfo) {
	for _, n := range nc.Displayed() {
		n.Alert = false
		nc.hub.SendTo(info.ID, Message{Type: MsgNotification, Data: n})
	}
}
