package offline0

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type shownNotification struct {
	title string
	opts  NotificationOptions
}

type fakeNotifier struct {
	mu      sync.Mutex
	shown   []shownNotification
	closed  []string
	showErr error
}

func (f *fakeNotifier) Show(_ context.Context, title string, opts NotificationOptions) (Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.showErr != nil {
		return Notification{}, f.showErr
	}
	f.shown = append(f.shown, shownNotification{title: title, opts: opts})
	return Notification{ID: "n1", Title: title, Options: opts}, nil
}

func (f *fakeNotifier) Close(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != "n1" {
		return ErrNotificationNotFound
	}
	f.closed = append(f.closed, id)
	return nil
}

type fakeWindows struct {
	mu     sync.Mutex
	opened []string
}

func (f *fakeWindows) OpenWindow(_ context.Context, url string) (*ClientInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, url)
	return &ClientInfo{ID: "c1", URL: url}, nil
}

func newTestBridge(notes Notifier, windows WindowOpener) *Bridge {
	cfg := DefaultConfig("http://app")
	return newBridge(cfg.Notifications, notes, windows, testDispatcher(), zap.NewNop(), newMetrics())
}

func TestDecodePushPayload(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want PushMessage
	}{
		{"object", `{"title":"T","body":"B"}`, PushMessage{Kind: PayloadJSON, Title: "T", Body: "B"}},
		{"partial object", `{"body":"only body"}`, PushMessage{Kind: PayloadJSON, Body: "only body"}},
		{"non string fields", `{"title":42,"body":["x"]}`, PushMessage{Kind: PayloadJSON}},
		{"json scalar", `"hello"`, PushMessage{Kind: PayloadJSON}},
		{"plain text", `hello`, PushMessage{Kind: PayloadText, Title: "Fallback", Body: "hello"}},
		{"empty", ``, PushMessage{Kind: PayloadText, Title: "Fallback"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodePushPayload([]byte(tt.raw), "Fallback"))
		})
	}
}

func TestHandlePushJSONPayload(t *testing.T) {
	notes := &fakeNotifier{}
	b := newTestBridge(notes, &fakeWindows{})

	n, err := b.HandlePush(context.Background(), []byte(`{"title":"T","body":"B"}`))
	require.NoError(t, err)
	assert.Equal(t, "T", n.Title)

	require.Len(t, notes.shown, 1)
	got := notes.shown[0]
	assert.Equal(t, "T", got.title)
	assert.Equal(t, NotificationOptions{
		Body:     "B",
		Icon:     "/icons/icon-192x192.png",
		Badge:    "/icons/icon-192x192.png",
		Vibrate:  []int{200, 100, 200},
		Tag:      "minha-rotina-notification",
		Renotify: true,
	}, got.opts)
}

func TestHandlePushTextPayloadUsesFallbackTitle(t *testing.T) {
	notes := &fakeNotifier{}
	b := newTestBridge(notes, &fakeWindows{})

	_, err := b.HandlePush(context.Background(), []byte("hello"))
	require.NoError(t, err)
	require.Len(t, notes.shown, 1)
	assert.Equal(t, "Nova Notificação", notes.shown[0].title)
	assert.Equal(t, "hello", notes.shown[0].opts.Body)
}

func TestHandlePushDefaultsMissingFields(t *testing.T) {
	notes := &fakeNotifier{}
	b := newTestBridge(notes, &fakeWindows{})

	_, err := b.HandlePush(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "Minha Rotina", notes.shown[0].title)
	assert.Equal(t, "Você tem uma nova notificação.", notes.shown[0].opts.Body)
}

func TestHandlePushDisplayFailurePropagates(t *testing.T) {
	notes := &fakeNotifier{showErr: ErrPermissionDenied}
	b := newTestBridge(notes, &fakeWindows{})

	_, err := b.HandlePush(context.Background(), []byte(`{"title":"T"}`))
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestHandleClickClosesAndOpensRoot(t *testing.T) {
	notes := &fakeNotifier{}
	windows := &fakeWindows{}
	b := newTestBridge(notes, windows)

	opened, err := b.HandleClick(context.Background(), "n1")
	require.NoError(t, err)
	require.NotNil(t, opened)
	assert.Equal(t, []string{"n1"}, notes.closed)
	assert.Equal(t, []string{"/"}, windows.opened)
}

func TestHandleClickUnknownNotification(t *testing.T) {
	windows := &fakeWindows{}
	b := newTestBridge(&fakeNotifier{}, windows)

	_, err := b.HandleClick(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotificationNotFound)
	assert.Empty(t, windows.opened)
}

func TestPushAndClickEndpoints(t *testing.T) {
	origin := newTestOrigin(t)
	svc, _ := newTestService(t, DefaultConfig(origin.URL))
	h := svc.Handler()

	rec := serve(h, http.MethodPost, ControlPrefix+"/push", strings.NewReader(`{"title":"Hora da Tarefa: Ler","body":"Sua tarefa está agendada para agora!"}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var n Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &n))
	assert.Equal(t, "Hora da Tarefa: Ler", n.Title)
	assert.Equal(t, "Sua tarefa está agendada para agora!", n.Options.Body)

	rec = serve(h, http.MethodGet, ControlPrefix+"/notifications", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var shown []Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &shown))
	require.Len(t, shown, 1)

	rec = serve(h, http.MethodPost, ControlPrefix+"/notifications/"+n.ID+"/click", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"client":null}`, rec.Body.String())
	assert.Empty(t, svc.notes.Displayed())

	rec = serve(h, http.MethodPost, ControlPrefix+"/notifications/"+n.ID+"/click", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, origin.totalHits())
}

func TestPushEndpointPermissionDenied(t *testing.T) {
	cfg := DefaultConfig("http://app.invalid")
	cfg.Notifications.Permission = PermissionDenied
	svc, _ := newTestService(t, cfg)

	rec := serve(svc.Handler(), http.MethodPost, ControlPrefix+"/push", strings.NewReader("hi"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, svc.notes.Displayed())
}
