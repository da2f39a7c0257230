package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dman/internal/bridge"
	"dman/internal/download"
	"dman/internal/icon"
	"dman/internal/logging"
	"dman/internal/opener"
	"dman/internal/settings"
	"dman/internal/ui"
)

// Sessions is the part of download.Manager the HTTP layer drives.
type Sessions interface {
	List() []download.Download
	Get(id int64) (download.Download, error)
	Pause(id int64) error
	Resume(id int64) error
	Remove(id int64, withFiles bool) error
	ClearFinished() []int64
	PauseAll() error
	RequestURLChange(id int64) error
	Settings() settings.Settings
	SaveSettings(s settings.Settings) (settings.Settings, error)
	ResetSettings() settings.Settings
	Reconnect(ctx context.Context) error
	Connected() bool
	Badge() int
	PendingCount() int
	AttachPresenter(p download.Presenter)
	DetachPresenter(p download.Presenter)
	Icons() *icon.Cache
}

var _ Sessions = (*download.Manager)(nil)

// Browser is the extension link: it starts downloads by URL and serves
// the extension's WebSocket endpoint.
type Browser interface {
	http.Handler
	Download(ctx context.Context, url string) error
	Connected() bool
}

var _ Browser = (*bridge.Bridge)(nil)

// Opener opens files and folders on the desktop.
type Opener interface {
	OpenFile(ctx context.Context, path string) error
	OpenDir(ctx context.Context, dir string) error
}

var _ Opener = (*opener.Opener)(nil)

type rateLimiter interface {
	Allow(key string) bool
}

// Options carries the collaborators of the HTTP layer. Browser and Opener
// may be nil; their routes then answer 503.
type Options struct {
	Browser      Browser
	Opener       Opener
	StatInterval time.Duration
	Logger       *slog.Logger
}

// Server routes the JSON API, the dashboard and the two WebSocket feeds.
type Server struct {
	handler   http.Handler
	rl        *ipRateLimiter
	presenter *presenterHub
}

const requestTimeout = 10 * time.Second

// New returns a Server with routes and middleware wired.
func New(sessions Sessions, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logging.With(context.Background())
	}
	log = log.With("component", "server")

	rl := newIPRateLimiter(120, time.Minute) // 120 req/min/IP
	hub := newPresenterHub(sessions, opts.StatInterval, log)
	icons := sessions.Icons().DataURL
	mux := http.NewServeMux()

	// Start-by-URL: the browser starts the download and it comes back
	// through interception.
	mux.HandleFunc("/api/download", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || req.URL == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_request"})
			return
		}
		req.URL = strings.TrimSpace(req.URL)
		if !validURL(req.URL) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_url"})
			return
		}
		if opts.Browser == nil {
			writeError(w, bridge.ErrNoBrowser)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		if err := opts.Browser.Download(ctx, req.URL); err != nil {
			log.Warn("start_by_url_failed", "url", logging.RedactURL(req.URL), "error", err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "success", "message": "requested"})
	}))

	mux.HandleFunc("/api/downloads", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		if raw := r.URL.Query().Get("id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_id"})
				return
			}
			d, err := sessions.Get(id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "success", "download": ui.NewView(d, icons)})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "downloads": ui.NewViews(sessions.List(), icons)})
	}))

	mux.HandleFunc("/api/pause", with(rl, idAction(func(r *http.Request, req idRequest) error {
		return sessions.Pause(req.ID)
	})))
	mux.HandleFunc("/api/resume", with(rl, idAction(func(r *http.Request, req idRequest) error {
		return sessions.Resume(req.ID)
	})))
	mux.HandleFunc("/api/remove", with(rl, idAction(func(r *http.Request, req idRequest) error {
		return sessions.Remove(req.ID, req.DeleteFiles)
	})))
	mux.HandleFunc("/api/change_url", with(rl, idAction(func(r *http.Request, req idRequest) error {
		return sessions.RequestURLChange(req.ID)
	})))
	mux.HandleFunc("/api/open", with(rl, idAction(func(r *http.Request, req idRequest) error {
		if opts.Opener == nil {
			return errNoOpener
		}
		d, err := sessions.Get(req.ID)
		if err != nil {
			return err
		}
		if d.State != download.StateCompleted {
			return fmt.Errorf("%w: cannot open %s", download.ErrInvalidState, d.State)
		}
		return opts.Opener.OpenFile(r.Context(), d.Path())
	})))
	mux.HandleFunc("/api/open_dir", with(rl, idAction(func(r *http.Request, req idRequest) error {
		if opts.Opener == nil {
			return errNoOpener
		}
		d, err := sessions.Get(req.ID)
		if err != nil {
			return err
		}
		return opts.Opener.OpenDir(r.Context(), d.Dir)
	})))

	mux.HandleFunc("/api/clear", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		ids := sessions.ClearFinished()
		if ids == nil {
			ids = []int64{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "ids": ids})
	}))

	mux.HandleFunc("/api/pause_all", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if err := sessions.PauseAll(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
	}))

	mux.HandleFunc("/api/settings", with(rl, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{"status": "success", "settings": newSettingsPayload(sessions.Settings())})
		case http.MethodPost, http.MethodPut:
			var req settingsPayload
			if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_request"})
				return
			}
			saved, err := sessions.SaveSettings(req.settings())
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_settings", "detail": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "success", "settings": newSettingsPayload(saved)})
		default:
			methodNotAllowed(w)
		}
	}))

	mux.HandleFunc("/api/settings/reset", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "settings": newSettingsPayload(sessions.ResetSettings())})
	}))

	mux.HandleFunc("/api/engine/reconnect", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		if err := sessions.Reconnect(ctx); err != nil {
			log.Warn("engine_reconnect_failed", "error", err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "connected"})
	}))

	mux.HandleFunc("/api/status", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		browser := false
		if opts.Browser != nil {
			browser = opts.Browser.Connected()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":            "success",
			"engine_connected":  sessions.Connected(),
			"browser_connected": browser,
			"active":            sessions.Badge(),
			"pending":           sessions.PendingCount(),
		})
	}))

	// Dashboard (HTML via templ components)
	dashboard := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = ui.Dashboard(ui.NewViews(sessions.List(), icons)).Render(r.Context(), w)
	}
	mux.HandleFunc("/", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("not found"))
			return
		}
		dashboard(w, r)
	}))
	mux.HandleFunc("/dashboard", with(rl, dashboard))

	mux.HandleFunc("/dashboard/row", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("invalid id"))
			return
		}
		d, err := sessions.Get(id)
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("not found"))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = ui.Row(ui.NewView(d, icons)).Render(r.Context(), w)
	})

	// WebSocket feeds
	mux.Handle("/ws/ui", hub)
	if opts.Browser != nil {
		mux.Handle("/ws/browser", opts.Browser)
	}

	// Healthcheck
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Add minimal logging + recover
	return &Server{
		handler:   recoverer(log, logger(mux)),
		rl:        rl,
		presenter: hub,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops the rate limiter janitor and drops UI clients.
func (s *Server) Close() {
	s.rl.Stop()
	s.presenter.Close()
}

var errNoOpener = errors.New("opener_unavailable")

type idRequest struct {
	ID          int64 `json:"id"`
	DeleteFiles bool  `json:"delete_files"`
}

// idAction decodes {"id": n} and maps the action's error to a response.
func idAction(fn func(r *http.Request, req idRequest) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req idRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil || req.ID == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_request"})
			return
		}
		if err := fn(r, req); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "id": req.ID})
	}
}

// settingsPayload is the API form of settings. CategoriesText, when sent,
// replaces Categories using the "Name: ext ext" line format.
type settingsPayload struct {
	MaxConns       int                 `json:"max_conns"`
	Categories     []settings.Category `json:"categories"`
	CategoriesText *string             `json:"categories_text,omitempty"`
	Notify         settings.Notify     `json:"notify"`
}

func newSettingsPayload(s settings.Settings) settingsPayload {
	text := settings.FormatCategories(s.Categories)
	return settingsPayload{
		MaxConns:       s.MaxConns,
		Categories:     s.Categories,
		CategoriesText: &text,
		Notify:         s.Notify,
	}
}

func (p settingsPayload) settings() settings.Settings {
	s := settings.Settings{MaxConns: p.MaxConns, Categories: p.Categories, Notify: p.Notify}
	if p.CategoriesText != nil {
		s.Categories = settings.ParseCategories(*p.CategoriesText)
	}
	return s
}

// Utilities

// statusFor maps domain errors to a status code and a snake_case message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, download.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, download.ErrInProgress):
		return http.StatusConflict, "in_progress"
	case errors.Is(err, download.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, download.ErrNoEngine):
		return http.StatusServiceUnavailable, "engine_unavailable"
	case errors.Is(err, bridge.ErrNoBrowser):
		return http.StatusServiceUnavailable, "browser_unavailable"
	case errors.Is(err, bridge.ErrCallFailed):
		return http.StatusBadGateway, "browser_call_failed"
	case errors.Is(err, errNoOpener):
		return http.StatusServiceUnavailable, "opener_unavailable"
	case errors.Is(err, opener.ErrMissing):
		return http.StatusNotFound, "missing_on_disk"
	case errors.Is(err, opener.ErrWrongKind):
		return http.StatusBadRequest, "wrong_kind"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, msg := statusFor(err)
	writeJSON(w, code, map[string]any{"status": "error", "message": msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"status": "error", "message": "method_not_allowed"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func validURL(u string) bool {
	if len(u) == 0 || len(u) > 2048 { // sanity cap
		return false
	}
	parsed, err := url.Parse(u)
	if err != nil || parsed == nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" && parsed.Scheme != "ftp" {
		return false
	}
	if parsed.Host == "" {
		return false
	}
	return true
}

// Middleware

func with(rl rateLimiter, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.Allow(ip) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"status": "error", "message": "rate_limited"})
			return
		}
		h(w, r)
	}
}

// statusRecorder captures the response code and size for request logs.
// It passes Hijack through so WebSocket upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijack not supported")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		// Skip noisy log line for per-row refreshes
		if r.URL.Path == "/dashboard/row" {
			return
		}
		logging.LogHTTPRequest(r.Method, r.URL.Path, r.RemoteAddr, time.Since(start), rec.status, rec.bytes)
	})
}

func recoverer(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				log.Error("panic", "path", r.URL.Path, "panic", v)
				writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	// Respect common proxy headers, then fall back to RemoteAddr
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		return strings.TrimSpace(xr)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
