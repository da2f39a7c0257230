// Package bridge links the core to the browser extension over a WebSocket.
// The core issues calls ("pause", "search", ...) and the extension answers
// with results; the extension also pushes "changed" events for downloads
// whose final path is known.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"dman/internal/download"
	"dman/internal/intercept"
	"dman/internal/logging"
	"dman/internal/notify"
)

const (
	writeWait     = 10 * time.Second
	maxFrameSize  = 4 << 20
	changeTimeout = 30 * time.Second
)

// Frame types.
const (
	TypeCall    = "call"
	TypeResult  = "result"
	TypeChanged = "changed"
)

// Call methods understood by the extension.
const (
	MethodPause             = "pause"
	MethodResume            = "resume"
	MethodErase             = "erase"
	MethodSearch            = "search"
	MethodIcon              = "icon"
	MethodDownload          = "download"
	MethodNotify            = "notify"
	MethodClearNotification = "clearNotification"
	MethodSetBadge          = "setBadge"
)

// Frame is one WebSocket message in either direction.
type Frame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ChangeHandler receives intercepted browser downloads.
type ChangeHandler func(ctx context.Context, ch intercept.Change)

var (
	_ download.Browser  = (*Bridge)(nil)
	_ intercept.Browser = (*Bridge)(nil)
	_ notify.Backend    = (*Bridge)(nil)
)

type link struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (l *link) write(f Frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return l.ws.WriteJSON(f)
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		_ = l.ws.Close()
	})
}

// Bridge serves the extension endpoint. At most one extension is linked;
// a new connection replaces the old one.
type Bridge struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu       sync.Mutex
	cur      *link
	pending  map[string]chan Frame
	onChange ChangeHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(log *slog.Logger) *Bridge {
	if log == nil {
		log = logging.With(context.Background())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The extension connects from a chrome-extension:// origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:     log.With("component", "bridge"),
		pending: make(map[string]chan Frame),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetChangeHandler installs the receiver of "changed" events. Each event is
// handled on its own goroutine.
func (b *Bridge) SetChangeHandler(h ChangeHandler) {
	b.mu.Lock()
	b.onChange = h
	b.mu.Unlock()
}

// Connected reports whether an extension is linked.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur != nil
}

// ServeHTTP upgrades the request and serves the link until it closes.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("browser_upgrade_failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)
	l := &link{ws: ws, done: make(chan struct{})}

	b.mu.Lock()
	old := b.cur
	b.cur = l
	b.mu.Unlock()
	if old != nil {
		old.close()
	}
	logging.LogClientAttach("browser", r.RemoteAddr, true)

	b.readLoop(l)

	b.mu.Lock()
	if b.cur == l {
		b.cur = nil
	}
	b.mu.Unlock()
	l.close()
	logging.LogClientAttach("browser", r.RemoteAddr, false)
}

func (b *Bridge) readLoop(l *link) {
	for {
		var f Frame
		if err := l.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.log.Debug("browser_read_failed", "error", err)
			}
			return
		}
		switch f.Type {
		case TypeResult:
			b.mu.Lock()
			ch, ok := b.pending[f.ID]
			b.mu.Unlock()
			if !ok {
				b.log.Debug("browser_result_unmatched", "call_id", f.ID)
				continue
			}
			select {
			case ch <- f:
			default:
			}
		case TypeChanged:
			var ch intercept.Change
			if err := json.Unmarshal(f.Params, &ch); err != nil {
				b.log.Warn("browser_change_malformed", "error", err)
				continue
			}
			b.dispatchChange(ch)
		default:
			b.log.Warn("browser_frame_unknown", "type", f.Type)
		}
	}
}

func (b *Bridge) dispatchChange(ch intercept.Change) {
	b.mu.Lock()
	h := b.onChange
	b.mu.Unlock()
	if h == nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(b.ctx, changeTimeout)
		defer cancel()
		h(ctx, ch)
	}()
}

// Close drops the link and waits for in-flight change handlers.
func (b *Bridge) Close() {
	b.cancel()
	b.mu.Lock()
	l := b.cur
	b.cur = nil
	b.mu.Unlock()
	if l != nil {
		l.close()
	}
	b.wg.Wait()
}

// call sends method with params and decodes the result into out.
func (b *Bridge) call(ctx context.Context, method string, params, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%s: encode params: %w", method, err)
	}

	b.mu.Lock()
	l := b.cur
	if l == nil {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", method, ErrNoBrowser)
	}
	id := uuid.NewString()
	reply := make(chan Frame, 1)
	b.pending[id] = reply
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	if err := l.write(Frame{Type: TypeCall, ID: id, Method: method, Params: raw}); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case f := <-reply:
		if f.Error != "" {
			return fmt.Errorf("%w: %s: %s", ErrCallFailed, method, f.Error)
		}
		if out != nil && len(f.Result) > 0 {
			if err := json.Unmarshal(f.Result, out); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return nil
	case <-l.done:
		return fmt.Errorf("%s: %w", method, ErrNoBrowser)
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

type idParams struct {
	ID int64 `json:"id"`
}

func (b *Bridge) Pause(ctx context.Context, native int64) error {
	return b.call(ctx, MethodPause, idParams{ID: native}, nil)
}

func (b *Bridge) Resume(ctx context.Context, native int64) error {
	return b.call(ctx, MethodResume, idParams{ID: native}, nil)
}

// Erase drops the download from the browser's list without touching files.
func (b *Bridge) Erase(ctx context.Context, native int64) error {
	return b.call(ctx, MethodErase, idParams{ID: native}, nil)
}

func (b *Bridge) Search(ctx context.Context, native int64) (intercept.Item, error) {
	var item intercept.Item
	err := b.call(ctx, MethodSearch, idParams{ID: native}, &item)
	return item, err
}

// FileIcon fetches the browser's icon for the download. The extension
// answers with a data URL; an empty answer means no icon.
func (b *Bridge) FileIcon(ctx context.Context, native int64) ([]byte, error) {
	var dataURL string
	if err := b.call(ctx, MethodIcon, idParams{ID: native}, &dataURL); err != nil {
		return nil, err
	}
	if dataURL == "" {
		return nil, nil
	}
	return DecodeDataURL(dataURL)
}

func (b *Bridge) SetBadge(ctx context.Context, count int) error {
	return b.call(ctx, MethodSetBadge, struct {
		Count int `json:"count"`
	}{count}, nil)
}

// Download asks the browser to start downloading url. The download then
// comes back through interception like any other.
func (b *Bridge) Download(ctx context.Context, url string) error {
	return b.call(ctx, MethodDownload, struct {
		URL string `json:"url"`
	}{url}, nil)
}

func (b *Bridge) Show(ctx context.Context, key, title, body string) error {
	return b.call(ctx, MethodNotify, struct {
		Key   string `json:"key"`
		Title string `json:"title"`
		Body  string `json:"body"`
	}{key, title, body}, nil)
}

func (b *Bridge) Clear(ctx context.Context, key string) error {
	return b.call(ctx, MethodClearNotification, struct {
		Key string `json:"key"`
	}{key}, nil)
}

// DecodeDataURL returns the payload of a base64 data URL.
func DecodeDataURL(s string) ([]byte, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return nil, fmt.Errorf("not a data url")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("data url without payload")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return []byte(payload), nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode data url: %w", err)
	}
	return data, nil
}
