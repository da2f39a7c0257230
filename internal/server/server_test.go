package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"dman/internal/bridge"
	"dman/internal/download"
	"dman/internal/engine"
	"dman/internal/opener"
	"dman/internal/settings"
)

type stubEngine struct {
	mu     sync.Mutex
	sent   []engine.Request
	events chan engine.Event
	done   chan struct{}
	once   sync.Once
}

func newStubEngine() *stubEngine {
	return &stubEngine{events: make(chan engine.Event, 16), done: make(chan struct{})}
}

func (e *stubEngine) Send(req engine.Request) error {
	select {
	case <-e.done:
		return engine.ErrDisconnected
	default:
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, req)
	return nil
}

func (e *stubEngine) Events() <-chan engine.Event { return e.events }
func (e *stubEngine) Done() <-chan struct{}       { return e.done }
func (e *stubEngine) Err() error                  { return nil }

func (e *stubEngine) Close() error {
	e.once.Do(func() {
		close(e.done)
		close(e.events)
	})
	return nil
}

func (e *stubEngine) requests() []engine.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Request(nil), e.sent...)
}

type stubBrowser struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (b *stubBrowser) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
}

func (b *stubBrowser) Download(ctx context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.urls = append(b.urls, url)
	return nil
}

func (b *stubBrowser) Connected() bool { return true }

type stubOpener struct {
	mu     sync.Mutex
	opened []string
	err    error
}

func (o *stubOpener) OpenFile(ctx context.Context, path string) error {
	return o.record("file:" + path)
}

func (o *stubOpener) OpenDir(ctx context.Context, dir string) error {
	return o.record("dir:" + dir)
}

func (o *stubOpener) record(s string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.opened = append(o.opened, s)
	return nil
}

type testEnv struct {
	mgr     *download.Manager
	eng     *stubEngine
	browser *stubBrowser
	opener  *stubOpener
	srv     *Server
}

// newTestEnv restores three downloads: 1 Completed, 2 Paused at 47%,
// 3 Failed.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mgr := download.NewManager(download.Options{})
	mgr.Restore(download.Snapshot{
		Downloads: []download.Download{
			{ID: 3, State: download.StateFailed, URL: "https://example.com/c.bin", Dir: "/dl", Filename: "c.bin", Error: "HTTP 404",
				CreatedAt: time.UnixMilli(3000)},
			{ID: 2, State: download.StatePaused, URL: "https://example.com/b.iso", Dir: "/dl", Filename: "b.iso", Size: 1000,
				Progress: &download.Progress{Percent: 47, Written: 470}, CreatedAt: time.UnixMilli(2000)},
			{ID: 1, State: download.StateCompleted, URL: "https://example.com/a.zip", Dir: "/dl", Filename: "a.zip", Size: 2048, CreatedAt: time.UnixMilli(1000)},
		},
		Settings: settings.Default(),
	})
	eng := newStubEngine()
	mgr.Connect(eng)

	env := &testEnv{mgr: mgr, eng: eng, browser: &stubBrowser{}, opener: &stubOpener{}}
	env.srv = New(mgr, Options{Browser: env.browser, Opener: env.opener})
	t.Cleanup(func() {
		env.srv.Close()
		_ = mgr.Close()
	})
	return env
}

// startDownloading moves id 2 to Downloading through an engine reply.
func (e *testEnv) startDownloading(t *testing.T) {
	t.Helper()
	if err := e.mgr.Resume(2); err != nil {
		t.Fatalf("resume: %v", err)
	}
	e.mgr.HandleEvent(engine.Added{ID: 2, Filename: "b.iso"})
	if d, _ := e.mgr.Get(2); d.State != download.StateDownloading {
		t.Fatalf("state=%s", d.State)
	}
}

// helpers
func doJSON(t *testing.T, h http.Handler, method, path, ip string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type apiResp struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func decodeResp(t *testing.T, w *httptest.ResponseRecorder) apiResp {
	t.Helper()
	var resp apiResp
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestDownload_Success(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.srv, http.MethodPost, "/api/download", "10.0.0.1", map[string]string{"url": "  https://example.com/file.zip "})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%s", ct)
	}
	resp := decodeResp(t, w)
	if resp.Status != "success" || resp.Message != "requested" {
		t.Fatalf("resp=%+v", resp)
	}
	if len(env.browser.urls) != 1 || env.browser.urls[0] != "https://example.com/file.zip" {
		t.Fatalf("browser urls=%v", env.browser.urls)
	}
}

func TestDownload_InvalidURL(t *testing.T) {
	env := newTestEnv(t)
	for _, u := range []string{"notaurl", "file:///etc/passwd", "https://"} {
		w := doJSON(t, env.srv, http.MethodPost, "/api/download", "10.0.0.2", map[string]string{"url": u})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%q: status=%d", u, w.Code)
		}
		if resp := decodeResp(t, w); resp.Message != "invalid_url" {
			t.Fatalf("%q: resp=%+v", u, resp)
		}
	}
}

func TestDownload_BrowserErrors(t *testing.T) {
	env := newTestEnv(t)
	env.browser.err = bridge.ErrNoBrowser
	w := doJSON(t, env.srv, http.MethodPost, "/api/download", "10.0.0.3", map[string]string{"url": "https://example.com/x"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}

	mgr := download.NewManager(download.Options{})
	defer mgr.Close()
	srv := New(mgr, Options{})
	defer srv.Close()
	w = doJSON(t, srv, http.MethodPost, "/api/download", "10.0.0.3", map[string]string{"url": "https://example.com/x"})
	if w.Code != http.StatusServiceUnavailable || decodeResp(t, w).Message != "browser_unavailable" {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestDownload_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.srv, http.MethodGet, "/api/download", "10.0.0.4", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestListDownloads(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.srv, http.MethodGet, "/api/downloads", "10.0.0.5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var resp struct {
		Status    string `json:"status"`
		Downloads []struct {
			ID      int64   `json:"id"`
			State   string  `json:"state"`
			Percent float64 `json:"percent"`
		} `json:"downloads"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Downloads) != 3 {
		t.Fatalf("downloads=%+v", resp.Downloads)
	}
	if resp.Downloads[0].ID != 3 || resp.Downloads[2].ID != 1 {
		t.Fatalf("expected newest first, got %+v", resp.Downloads)
	}
	if resp.Downloads[1].Percent != 47 {
		t.Fatalf("percent=%v", resp.Downloads[1].Percent)
	}
	if resp.Downloads[2].Percent != 100 {
		t.Fatalf("completed percent=%v", resp.Downloads[2].Percent)
	}
}

func TestListDownloads_ByID(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.srv, http.MethodGet, "/api/downloads?id=3", "10.0.0.6", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"error":"HTTP 404"`) {
		t.Fatalf("body=%s", w.Body.String())
	}
	if w := doJSON(t, env.srv, http.MethodGet, "/api/downloads?id=99", "10.0.0.6", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing id status=%d", w.Code)
	}
	if w := doJSON(t, env.srv, http.MethodGet, "/api/downloads?id=x", "10.0.0.6", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id status=%d", w.Code)
	}
}

func TestPauseResume(t *testing.T) {
	env := newTestEnv(t)

	// Paused cannot be paused again.
	w := doJSON(t, env.srv, http.MethodPost, "/api/pause", "10.0.0.7", map[string]int64{"id": 2})
	if w.Code != http.StatusConflict || decodeResp(t, w).Message != "invalid_state" {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, env.srv, http.MethodPost, "/api/resume", "10.0.0.7", map[string]int64{"id": 2})
	if w.Code != http.StatusOK {
		t.Fatalf("resume status=%d body=%s", w.Code, w.Body.String())
	}
	var add engine.Add
	for _, r := range env.eng.requests() {
		if a, ok := r.(engine.Add); ok {
			add = a
		}
	}
	if add.ID != 2 || add.Filename != "b.iso" {
		t.Fatalf("engine add=%+v", add)
	}

	env.mgr.HandleEvent(engine.Added{ID: 2, Filename: "b.iso"})
	w = doJSON(t, env.srv, http.MethodPost, "/api/pause", "10.0.0.7", map[string]int64{"id": 2})
	if w.Code != http.StatusOK {
		t.Fatalf("pause status=%d body=%s", w.Code, w.Body.String())
	}
	if d, _ := env.mgr.Get(2); d.State != download.StatePaused {
		t.Fatalf("state=%s", d.State)
	}
}

func TestIDAction_BadRequest(t *testing.T) {
	env := newTestEnv(t)
	for _, body := range []any{nil, map[string]int64{"id": 0}, map[string]string{"id": "two"}} {
		w := doJSON(t, env.srv, http.MethodPost, "/api/pause", "10.0.0.8", body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body=%v status=%d", body, w.Code)
		}
	}
	w := doJSON(t, env.srv, http.MethodPost, "/api/resume", "10.0.0.8", map[string]int64{"id": 42})
	if w.Code != http.StatusNotFound || decodeResp(t, w).Message != "not_found" {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestRemove(t *testing.T) {
	env := newTestEnv(t)
	env.startDownloading(t)

	w := doJSON(t, env.srv, http.MethodPost, "/api/remove", "10.0.0.9", map[string]any{"id": 2})
	if w.Code != http.StatusConflict || decodeResp(t, w).Message != "in_progress" {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, env.srv, http.MethodPost, "/api/remove", "10.0.0.9", map[string]any{"id": 3, "delete_files": true})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if _, err := env.mgr.Get(3); !errors.Is(err, download.ErrNotFound) {
		t.Fatalf("expected removed, got %v", err)
	}
	var sawDelete bool
	for _, r := range env.eng.requests() {
		if d, ok := r.(engine.Delete); ok && d.Filename == "c.bin" {
			sawDelete = true
		}
	}
	if !sawDelete {
		t.Fatalf("expected delete request, got %+v", env.eng.requests())
	}
}

func TestClearAndPauseAll(t *testing.T) {
	env := newTestEnv(t)
	env.startDownloading(t)

	w := doJSON(t, env.srv, http.MethodPost, "/api/clear", "10.0.0.10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var resp struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.IDs) != 2 {
		t.Fatalf("ids=%v", resp.IDs)
	}
	if n := len(env.mgr.List()); n != 1 {
		t.Fatalf("expected only the active download left, got %d", n)
	}

	w = doJSON(t, env.srv, http.MethodPost, "/api/pause_all", "10.0.0.10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pause_all status=%d", w.Code)
	}
	reqs := env.eng.requests()
	if _, ok := reqs[len(reqs)-1].(engine.PauseAll); !ok {
		t.Fatalf("last request=%#v", reqs[len(reqs)-1])
	}
}

func TestEngineUnavailable(t *testing.T) {
	env := newTestEnv(t)
	_ = env.eng.Close()
	deadline := time.Now().Add(2 * time.Second)
	for env.mgr.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w := doJSON(t, env.srv, http.MethodPost, "/api/resume", "10.0.0.11", map[string]int64{"id": 2})
	if w.Code != http.StatusServiceUnavailable || decodeResp(t, w).Message != "engine_unavailable" {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	w = doJSON(t, env.srv, http.MethodPost, "/api/engine/reconnect", "10.0.0.11", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("reconnect without dialer status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestOpen(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(t, env.srv, http.MethodPost, "/api/open", "10.0.0.12", map[string]int64{"id": 1})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	w = doJSON(t, env.srv, http.MethodPost, "/api/open", "10.0.0.12", map[string]int64{"id": 2})
	if w.Code != http.StatusConflict {
		t.Fatalf("open unfinished status=%d", w.Code)
	}
	w = doJSON(t, env.srv, http.MethodPost, "/api/open_dir", "10.0.0.12", map[string]int64{"id": 2})
	if w.Code != http.StatusOK {
		t.Fatalf("open_dir status=%d", w.Code)
	}
	want := []string{"file:/dl/a.zip", "dir:/dl"}
	if len(env.opener.opened) != 2 || env.opener.opened[0] != want[0] || env.opener.opened[1] != want[1] {
		t.Fatalf("opened=%v", env.opener.opened)
	}

	env.opener.err = opener.ErrMissing
	w = doJSON(t, env.srv, http.MethodPost, "/api/open", "10.0.0.12", map[string]int64{"id": 1})
	if w.Code != http.StatusNotFound || decodeResp(t, w).Message != "missing_on_disk" {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestChangeURL(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.srv, http.MethodPost, "/api/change_url", "10.0.0.13", map[string]int64{"id": 3})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if id, ok := env.mgr.AwaitingURL(); !ok || id != 3 {
		t.Fatalf("awaiting=%d,%v", id, ok)
	}
	w = doJSON(t, env.srv, http.MethodPost, "/api/change_url", "10.0.0.13", map[string]int64{"id": 1})
	if w.Code != http.StatusConflict {
		t.Fatalf("completed change_url status=%d", w.Code)
	}
}

func TestSettings(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(t, env.srv, http.MethodGet, "/api/settings", "10.0.0.14", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"categories_text"`) {
		t.Fatalf("body=%s", w.Body.String())
	}

	text := "Books: epub pdf\nMusic: mp3"
	w = doJSON(t, env.srv, http.MethodPost, "/api/settings", "10.0.0.14", map[string]any{
		"max_conns":       4,
		"categories_text": text,
		"notify":          map[string]bool{"on_start": true},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	got := env.mgr.Settings()
	if got.MaxConns != 4 || len(got.Categories) != 2 || got.Categories[0].Name != "Books" {
		t.Fatalf("settings=%+v", got)
	}

	w = doJSON(t, env.srv, http.MethodPost, "/api/settings", "10.0.0.14", map[string]any{"max_conns": 0})
	if w.Code != http.StatusBadRequest || decodeResp(t, w).Message != "invalid_settings" {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, env.srv, http.MethodPost, "/api/settings/reset", "10.0.0.14", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reset status=%d", w.Code)
	}
	if env.mgr.Settings().MaxConns != settings.DefaultMaxConns {
		t.Fatalf("settings not reset: %+v", env.mgr.Settings())
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	env.startDownloading(t)
	w := doJSON(t, env.srv, http.MethodGet, "/api/status", "10.0.0.15", nil)
	var resp struct {
		Engine  bool `json:"engine_connected"`
		Browser bool `json:"browser_connected"`
		Active  int  `json:"active"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Engine || !resp.Browser || resp.Active != 1 {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestBrowserFeedMounted(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.srv, http.MethodGet, "/ws/browser", "", nil)
	if w.Code != http.StatusTeapot {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t)
	ip := "203.0.113.1"
	var last int
	for i := 0; i < 150; i++ {
		last = doJSON(t, env.srv, http.MethodGet, "/api/status", ip, nil).Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after limit, got %d", last)
	}
	// Healthcheck is never limited.
	if w := doJSON(t, env.srv, http.MethodGet, "/healthz", ip, nil); w.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
		msg  string
	}{
		{download.ErrNotFound, http.StatusNotFound, "not_found"},
		{download.ErrInProgress, http.StatusConflict, "in_progress"},
		{download.ErrNoEngine, http.StatusServiceUnavailable, "engine_unavailable"},
		{bridge.ErrCallFailed, http.StatusBadGateway, "browser_call_failed"},
		{opener.ErrWrongKind, http.StatusBadRequest, "wrong_kind"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		code, msg := statusFor(tc.err)
		if code != tc.code || msg != tc.msg {
			t.Errorf("%v: got %d %s, want %d %s", tc.err, code, msg, tc.code, tc.msg)
		}
	}
}

func TestValidURL(t *testing.T) {
	ok := []string{"http://example.com", "https://example.com/a?b=c", "ftp://mirror.example.org/pub/x.iso"}
	bad := []string{"", "example.com", "javascript:alert(1)", "http://", "https://" + strings.Repeat("a", 2050)}
	for _, u := range ok {
		if !validURL(u) {
			t.Errorf("expected valid: %q", u)
		}
	}
	for _, u := range bad {
		if validURL(u) {
			t.Errorf("expected invalid: %q", u)
		}
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	if ip := clientIP(req); ip != "192.0.2.7" {
		t.Fatalf("ip=%s", ip)
	}
	req.Header.Set("X-Real-IP", "198.51.100.2")
	if ip := clientIP(req); ip != "198.51.100.2" {
		t.Fatalf("ip=%s", ip)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if ip := clientIP(req); ip != "203.0.113.9" {
		t.Fatalf("ip=%s", ip)
	}
}
