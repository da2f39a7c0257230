package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dman/internal/download"
	"dman/internal/logging"
	"dman/internal/ui"
)

const (
	uiWriteWait   = 10 * time.Second
	uiMaxQueue    = 4096
	closeReplaced = 4000
)

// UI feed message types.
const (
	MsgAdd          = "add"
	MsgUpdate       = "update"
	MsgFinishRemove = "finishRemove"
)

type uiMessage struct {
	Type string   `json:"type"`
	ID   int64    `json:"id,omitempty"`
	View *ui.View `json:"view,omitempty"`
	IDs  []int64  `json:"ids,omitempty"`
}

// uiClient is one dashboard connection acting as the Presenter. Calls
// arrive under the manager's lock, so they only queue; a writer goroutine
// drains the queue at most once per interval. Queued updates for the same
// id are merged in place.
type uiClient struct {
	ws       *websocket.Conn
	icons    ui.IconLookup
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	queue   []uiMessage
	updates map[int64]int
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

var _ download.Presenter = (*uiClient)(nil)

func newUIClient(ws *websocket.Conn, icons ui.IconLookup, interval time.Duration, log *slog.Logger) *uiClient {
	return &uiClient{
		ws:       ws,
		icons:    icons,
		interval: interval,
		log:      log,
		updates:  make(map[int64]int),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (c *uiClient) Add(d download.Download) {
	v := ui.NewView(d, c.icons)
	c.enqueue(uiMessage{Type: MsgAdd, ID: d.ID, View: &v})
}

func (c *uiClient) Update(d download.Download) {
	v := ui.NewView(d, c.icons)
	c.enqueue(uiMessage{Type: MsgUpdate, ID: d.ID, View: &v})
}

func (c *uiClient) FinishRemove(ids []int64) {
	c.enqueue(uiMessage{Type: MsgFinishRemove, IDs: append([]int64(nil), ids...)})
}

func (c *uiClient) enqueue(msg uiMessage) {
	c.mu.Lock()
	if msg.Type == MsgUpdate {
		if i, ok := c.updates[msg.ID]; ok {
			c.queue[i] = msg
			c.mu.Unlock()
			return
		}
		c.updates[msg.ID] = len(c.queue)
	}
	c.queue = append(c.queue, msg)
	overflow := len(c.queue) > uiMaxQueue
	c.mu.Unlock()

	if overflow {
		c.log.Warn("ui_client_overflow")
		c.close()
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *uiClient) drain() []uiMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := c.queue
	c.queue = nil
	clear(c.updates)
	return batch
}

func (c *uiClient) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for _, m := range c.drain() {
			_ = c.ws.SetWriteDeadline(time.Now().Add(uiWriteWait))
			if err := c.ws.WriteJSON(m); err != nil {
				c.log.Debug("ui_write_failed", "error", err)
				c.close()
				return
			}
		}
		if c.interval > 0 {
			t := time.NewTimer(c.interval)
			select {
			case <-c.done:
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

// readLoop discards client messages and returns when the connection ends.
func (c *uiClient) readLoop() {
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// replace tells the client a newer dashboard took over and closes it.
func (c *uiClient) replace() {
	msg := websocket.FormatCloseMessage(closeReplaced, "replaced")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.close()
}

func (c *uiClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// presenterHub serves /ws/ui. The newest connection becomes the manager's
// Presenter and the previous one is closed.
type presenterHub struct {
	sessions Sessions
	interval time.Duration
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	cur     *uiClient
	clients map[*uiClient]struct{}
	closed  bool
}

func newPresenterHub(sessions Sessions, interval time.Duration, log *slog.Logger) *presenterHub {
	return &presenterHub{
		sessions: sessions,
		interval: interval,
		log:      log.With("feed", "ui"),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		clients:  make(map[*uiClient]struct{}),
	}
}

func (h *presenterHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ui_upgrade_failed", "error", err)
		return
	}
	c := newUIClient(ws, h.sessions.Icons().DataURL, h.interval, h.log)
	go c.writeLoop()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close()
		return
	}
	old := h.cur
	h.cur = c
	h.clients[c] = struct{}{}
	h.sessions.AttachPresenter(c)
	h.mu.Unlock()
	if old != nil {
		old.replace()
	}
	logging.LogClientAttach("ui", r.RemoteAddr, true)

	c.readLoop()

	h.sessions.DetachPresenter(c)
	c.close()
	h.mu.Lock()
	delete(h.clients, c)
	if h.cur == c {
		h.cur = nil
	}
	h.mu.Unlock()
	logging.LogClientAttach("ui", r.RemoteAddr, false)
}

// Attached reports whether a dashboard is connected.
func (h *presenterHub) Attached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cur != nil
}

func (h *presenterHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*uiClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
