package download

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dman/internal/engine"
	"dman/internal/settings"
)

type fakeEngine struct {
	mu     sync.Mutex
	sent   []engine.Request
	events chan engine.Event
	done   chan struct{}
	once   sync.Once
	full   bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		events: make(chan engine.Event, 16),
		done:   make(chan struct{}),
	}
}

func (f *fakeEngine) Send(req engine.Request) error {
	select {
	case <-f.done:
		return engine.ErrDisconnected
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return engine.ErrQueueFull
	}
	f.sent = append(f.sent, req)
	return nil
}

// setFull makes Send behave like a stalled engine with a full queue.
func (f *fakeEngine) setFull(full bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.full = full
}

func (f *fakeEngine) Events() <-chan engine.Event { return f.events }
func (f *fakeEngine) Done() <-chan struct{}       { return f.done }

func (f *fakeEngine) Err() error {
	select {
	case <-f.done:
		return engine.ErrDisconnected
	default:
		return nil
	}
}

func (f *fakeEngine) Close() error {
	f.once.Do(func() {
		close(f.done)
		close(f.events)
	})
	return nil
}

func (f *fakeEngine) requests() []engine.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Request(nil), f.sent...)
}

func (f *fakeEngine) last() engine.Request {
	reqs := f.requests()
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

func sentOf[T engine.Request](f *fakeEngine) []T {
	var out []T
	for _, r := range f.requests() {
		if v, ok := r.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type browserCall struct {
	name   string
	native int64
}

type fakeBrowser struct {
	mu    sync.Mutex
	calls []browserCall
	badge int
}

func (b *fakeBrowser) Resume(ctx context.Context, native int64) error {
	b.record("resume", native)
	return nil
}

func (b *fakeBrowser) Erase(ctx context.Context, native int64) error {
	b.record("erase", native)
	return nil
}

func (b *fakeBrowser) SetBadge(ctx context.Context, count int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.badge = count
	return nil
}

func (b *fakeBrowser) record(name string, native int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, browserCall{name, native})
}

func (b *fakeBrowser) called(name string, native int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.calls {
		if c.name == name && c.native == native {
			return true
		}
	}
	return false
}

func (b *fakeBrowser) currentBadge() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.badge
}

type note struct {
	title, body, key string
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []note
}

func (n *fakeNotifier) Notify(title, body, key string, timeout time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note{title, body, key})
}

func (n *fakeNotifier) all() []note {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]note(nil), n.notes...)
}

func (n *fakeNotifier) has(title string) bool {
	for _, nt := range n.all() {
		if nt.title == title {
			return true
		}
	}
	return false
}

type fakePresenter struct {
	mu      sync.Mutex
	added   []Download
	updated []Download
	removed []int64
}

func (p *fakePresenter) Add(d Download) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, d)
}

func (p *fakePresenter) Update(d Download) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updated = append(p.updated, d)
}

func (p *fakePresenter) FinishRemove(ids []int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, ids...)
}

func (p *fakePresenter) counts() (added, updated, removed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.added), len(p.updated), len(p.removed)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

type harness struct {
	m        *Manager
	eng      *fakeEngine
	browser  *fakeBrowser
	notifier *fakeNotifier
	clock    *fakeClock
}

// newHarness returns a connected manager whose first allocated id is 123.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		eng:      newFakeEngine(),
		browser:  &fakeBrowser{},
		notifier: &fakeNotifier{},
		clock:    &fakeClock{t: time.UnixMilli(123)},
	}
	h.m = NewManager(Options{
		Browser:  h.browser,
		Notifier: h.notifier,
		Now:      h.clock.Now,
	})
	h.m.Connect(h.eng)
	t.Cleanup(func() { _ = h.m.Close() })
	return h
}

var baseDir = filepath.Join("/home", "user", "Downloads")

func documentsSettings() settings.Settings {
	return settings.Settings{
		MaxConns:   16,
		Categories: []settings.Category{{Name: "Documents", Extensions: []string{"pdf", "epub"}}},
		Notify:     settings.Notify{OnComplete: true, OnFailure: true},
	}
}

// start intercepts path and confirms it with the engine.
func (h *harness) start(t *testing.T, native int64, name string, iconData []byte) int64 {
	t.Helper()
	id, err := h.m.Begin(BeginRequest{
		Native: native,
		URL:    "http://example.com/" + name,
		Path:   filepath.Join(baseDir, name),
		Icon:   iconData,
	})
	require.NoError(t, err)
	h.m.HandleEvent(engine.Added{ID: id})
	d, err := h.m.Get(id)
	require.NoError(t, err)
	require.Equal(t, StateDownloading, d.State)
	return id
}
