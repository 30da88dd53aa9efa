package offline0

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10

	clientBufferSize = 32
)

// Message is a JSON frame pushed to client pages.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Message types sent to pages.
const (
	MsgHello            = "hello"
	MsgControllerChange = "controllerchange"
	MsgNotification     = "notification"
	MsgNotificationGone = "notificationclose"
	MsgFocus            = "focus"
	MsgOpenWindow       = "openwindow"
	MsgPong             = "pong"
)

type controlMessage struct {
	Action string `json:"action"`
	URL    string `json:"url"`
}

// ClientInfo describes a connected page.
type ClientInfo struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Controlled bool   `json:"controlled"`
}

// ClientHub tracks the pages connected to the worker over websockets.
type ClientHub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	seq     uint64
	claimed bool
	changed chan struct{} // closed and replaced whenever the client set changes

	onConnect func(ClientInfo)
	onCount   func(int)
}

func NewClientHub(log *zap.Logger) *ClientHub {
	return &ClientHub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		clients: make(map[string]*client),
		changed: make(chan struct{}),
	}
}

// Serve upgrades the request and registers the page until it disconnects.
// The page reports its location in the "url" query parameter.
func (h *ClientHub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("client upgrade failed", zap.Error(err))
		return
	}

	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		pageURL = "/"
	}
	c := &client{
		hub:    h,
		id:     uuid.NewString(),
		url:    pageURL,
		socket: conn,
		send:   make(chan Message, clientBufferSize),
	}
	info := h.register(c)

	go c.writeLoop()
	c.enqueue(Message{Type: MsgHello, Data: info})
	if h.onConnect != nil {
		h.onConnect(info)
	}
	c.readLoop()
}

func (h *ClientHub) register(c *client) ClientInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	c.seq = h.seq
	c.controlled = h.claimed
	h.clients[c.id] = c
	h.notifyChangedLocked()
	return c.infoLocked()
}

func (h *ClientHub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	h.notifyChangedLocked()
}

func (h *ClientHub) notifyChangedLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
	if h.onCount != nil {
		h.onCount(len(h.clients))
	}
}

// Clients returns the connected pages in connection order.
func (h *ClientHub) Clients() []ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.infosLocked()
}

func (h *ClientHub) infosLocked() []ClientInfo {
	cs := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		cs = append(cs, c)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].seq < cs[j].seq })
	out := make([]ClientInfo, len(cs))
	for i, c := range cs {
		out[i] = c.infoLocked()
	}
	return out
}

func (h *ClientHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// WaitIdle blocks until no page is connected.
func (h *ClientHub) WaitIdle(ctx context.Context) error {
	for {
		h.mu.RLock()
		n, changed := len(h.clients), h.changed
		h.mu.RUnlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Claim makes every current and future page controlled by the worker.
func (h *ClientHub) Claim(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.claimed = true
	for _, c := range h.clients {
		if c.controlled {
			continue
		}
		c.controlled = true
		c.enqueue(Message{Type: MsgControllerChange, Data: c.infoLocked()})
	}
	return nil
}

// Broadcast sends msg to every connected page.
func (h *ClientHub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.enqueue(msg)
	}
}

// SendTo delivers msg to a single page. It reports whether the page exists.
func (h *ClientHub) SendTo(id string, msg Message) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	if ok {
		c.enqueue(msg)
	}
	return ok
}

// OpenWindow focuses a page already showing url, or asks the oldest page to
// open it. With no page connected nothing can be opened and it returns nil.
func (h *ClientHub) OpenWindow(ctx context.Context, url string) (*ClientInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := h.infosLocked()
	if len(infos) == 0 {
		return nil, nil
	}
	for _, info := range infos {
		if info.URL == url {
			h.clients[info.ID].enqueue(Message{Type: MsgFocus, Data: info})
			return &info, nil
		}
	}
	target := infos[0]
	h.clients[target.ID].enqueue(Message{Type: MsgOpenWindow, Data: map[string]string{"url": url}})
	target.URL = url
	return &target, nil
}

// Close disconnects every page.
func (h *ClientHub) Close() {
	h.mu.RLock()
	cs := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		cs = append(cs, c)
	}
	h.mu.RUnlock()
	for _, c := range cs {
		c.close()
	}
}

func (h *ClientHub) setURL(c *client, url string) {
	h.mu.Lock()
	c.url = url
	h.mu.Unlock()
}

type client struct {
	hub        *ClientHub
	id         string
	seq        uint64
	url        string
	controlled bool

	socket *websocket.Conn
	send   chan Message
	mu     sync.Mutex // guards closed and sends on send
	closed bool
}

func (c *client) infoLocked() ClientInfo {
	return ClientInfo{ID: c.id, URL: c.url, Controlled: c.controlled}
}

func (c *client) enqueue(msg Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- msg:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.hub.log.Warn("dropping slow client", zap.String("client", c.id))
		go c.close()
	}
}

func (c *client) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("client closed unexpectedly", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		if len(payload) == 0 {
			continue
		}

		var ctrl controlMessage
		if err := json.Unmarshal(payload, &ctrl); err != nil {
			c.hub.log.Debug("invalid client message", zap.String("client", c.id), zap.Error(err))
			continue
		}
		switch strings.ToLower(strings.TrimSpace(ctrl.Action)) {
		case "navigate":
			if ctrl.URL != "" {
				c.hub.setURL(c, ctrl.URL)
			}
		case "ping":
			c.enqueue(Message{Type: MsgPong})
		default:
			c.hub.log.Debug("unsupported client action", zap.String("client", c.id), zap.String("action", ctrl.Action))
		}
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.socket.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.hub.unregister(c)
}
