package offline0

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Notifier displays and dismisses notifications.
type Notifier interface {
	Show(ctx context.Context, title string, opts NotificationOptions) (Notification, error)
	Close(ctx context.Context, id string) error
}

// WindowOpener opens or focuses a page. It returns nil when nothing could be opened.
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) (*ClientInfo, error)
}

// PayloadKind tells how a push payload was decoded.
type PayloadKind string

const (
	PayloadJSON PayloadKind = "json"
	PayloadText PayloadKind = "text"
)

// PushMessage is a decoded push payload. Empty fields mean "use the default".
type PushMessage struct {
	Kind  PayloadKind
	Title string
	Body  string
}

// decodePushPayload never fails: anything that is not JSON becomes a text
// message carrying fallbackTitle and the raw payload as body. Only string
// title/body fields of a JSON object are honored.
func decodePushPayload(raw []byte, fallbackTitle string) PushMessage {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return PushMessage{Kind: PayloadText, Title: fallbackTitle, Body: string(raw)}
	}
	msg := PushMessage{Kind: PayloadJSON}
	if obj, ok := v.(map[string]any); ok {
		msg.Title, _ = obj["title"].(string)
		msg.Body, _ = obj["body"].(string)
	}
	return msg
}

// Bridge turns push messages into notifications and notification clicks into
// window opens.
type Bridge struct {
	cfg     NotificationConfig
	notes   Notifier
	windows WindowOpener
	events  *dispatcher
	log     *zap.Logger
	metrics *metrics
}

func newBridge(cfg NotificationConfig, notes Notifier, windows WindowOpener, events *dispatcher, log *zap.Logger, m *metrics) *Bridge {
	return &Bridge{
		cfg:     cfg,
		notes:   notes,
		windows: windows,
		events:  events,
		log:     log,
		metrics: m,
	}
}

// options builds the fixed display options around body.
func (b *Bridge) options(body string) NotificationOptions {
	return NotificationOptions{
		Body:     body,
		Icon:     b.cfg.Icon,
		Badge:    b.cfg.Badge,
		Vibrate:  append([]int(nil), b.cfg.Vibrate...),
		Tag:      b.cfg.Tag,
		Renotify: *b.cfg.Renotify,
	}
}

// HandlePush displays the notification for one push payload. Display
// failures are returned, not retried.
func (b *Bridge) HandlePush(ctx context.Context, raw []byte) (Notification, error) {
	b.log.Info("push received", zap.Int("bytes", len(raw)))

	msg := decodePushPayload(raw, b.cfg.FallbackTitle)
	b.metrics.pushes.WithLabelValues(string(msg.Kind)).Inc()

	title := msg.Title
	if title == "" {
		title = b.cfg.DefaultTitle
	}
	body := msg.Body
	if body == "" {
		body = b.cfg.DefaultBody
	}
	opts := b.options(body)

	var shown Notification
	err := b.events.dispatch(ctx, EventPush, func(ev *ExtendableEvent) {
		ev.WaitUntil(func(ctx context.Context) error {
			n, err := b.notes.Show(ctx, title, opts)
			if err != nil {
				return fmt.Errorf("show notification: %w", err)
			}
			shown = n
			return nil
		})
	})
	if err != nil {
		b.log.Error("push not displayed", zap.Error(err))
		return Notification{}, err
	}
	b.metrics.notifications.WithLabelValues("shown").Inc()
	return shown, nil
}

// HandleClick closes the clicked notification and opens the click URL. Every
// notification leads to the same URL.
func (b *Bridge) HandleClick(ctx context.Context, id string) (*ClientInfo, error) {
	b.log.Info("notification clicked", zap.String("notification", id))

	var opened *ClientInfo
	err := b.events.dispatch(ctx, EventNotificationClick, func(ev *ExtendableEvent) {
		if err := b.notes.Close(ev.Context(), id); err != nil {
			ev.WaitUntil(func(context.Context) error { return err })
			return
		}
		b.metrics.notifications.WithLabelValues("clicked").Inc()
		ev.WaitUntil(func(ctx context.Context) error {
			c, err := b.windows.OpenWindow(ctx, b.cfg.ClickURL)
			if err != nil {
				return fmt.Errorf("open %s: %w", b.cfg.ClickURL, err)
			}
			opened = c
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if opened == nil {
		b.log.Debug("no page available to open", zap.String("url", b.cfg.ClickURL))
	}
	return opened, nil
}
