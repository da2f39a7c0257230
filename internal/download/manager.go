package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dman/internal/engine"
	"dman/internal/icon"
	"dman/internal/logging"
	"dman/internal/settings"
)

const (
	DefaultPendingTimeout = 2 * time.Minute
	DefaultNotifyTimeout  = 5 * time.Second

	browserCallTimeout = 10 * time.Second
	disconnectedError  = "engine disconnected"
)

// Options configures a Manager. Every collaborator is optional.
type Options struct {
	Browser        Browser
	Notifier       Notifier
	Store          SnapshotStore
	Dial           Dialer
	PendingTimeout time.Duration
	NotifyTimeout  time.Duration
	SaveDelay      time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Manager owns every download, the icon cache, the pending table and the
// settings. Mutations are serialized by one mutex; List, Get and Badge only
// take the registry's read lock.
type Manager struct {
	mu sync.Mutex

	reg      *Registry
	pending  *PendingRegistry
	icons    *icon.Cache
	ids      *IDAllocator
	settings settings.Settings
	awaiting int64 // id holding the URL-change slot, 0 if free

	eng       Engine
	updatesOn bool
	presenter Presenter
	badge     int

	browser  Browser
	notifier Notifier
	dial     Dialer
	worker   *DBWorker

	pendingTTL    time.Duration
	notifyTimeout time.Duration
	now           func() time.Time
	log           *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewManager creates a Manager with default settings and no downloads. Call
// Restore to load a snapshot and Start to run background work.
func NewManager(opts Options) *Manager {
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = DefaultPendingTimeout
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = DefaultNotifyTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.With(context.Background())
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		reg:           NewRegistry(0),
		pending:       NewPendingRegistry(),
		icons:         icon.NewCache(),
		ids:           NewIDAllocator(opts.Now),
		settings:      settings.Default(),
		browser:       opts.Browser,
		notifier:      opts.Notifier,
		dial:          opts.Dial,
		pendingTTL:    opts.PendingTimeout,
		notifyTimeout: opts.NotifyTimeout,
		now:           opts.Now,
		log:           opts.Logger.With("component", "manager"),
		ctx:           ctx,
		cancel:        cancel,
	}
	if opts.Store != nil {
		m.worker = NewDBWorker(opts.Store, m.Snapshot, opts.SaveDelay, opts.Logger)
	}
	return m
}

// Start runs the snapshot writer and the pending sweeper.
func (m *Manager) Start() {
	if m.worker != nil {
		m.worker.Start()
	}
	m.wg.Add(1)
	go m.sweep()
}

// Close detaches the engine without failing its sessions, stops background
// work and writes a final snapshot.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	e := m.eng
	m.eng = nil
	m.presenter = nil
	m.mu.Unlock()

	m.cancel()
	var err error
	if e != nil {
		err = e.Close()
	}
	m.wg.Wait()
	if m.worker != nil {
		m.worker.Stop()
	}
	return err
}

// Flush writes a snapshot now, if a store is configured.
func (m *Manager) Flush(ctx context.Context) error {
	if m.worker == nil {
		return nil
	}
	return m.worker.Flush(ctx)
}

// Icons exposes the icon cache for display lookups.
func (m *Manager) Icons() *icon.Cache { return m.icons }

// Connect makes e the current engine. A previous engine is treated as
// disconnected.
func (m *Manager) Connect(e Engine) {
	var fx effects
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = e.Close()
		return
	}
	old := m.eng
	if old != nil {
		m.dropEngineLocked(&fx)
	}
	m.eng = e
	m.updatesOn = false
	m.afterMutation(&fx)
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info("engine_connected")
	if old != nil {
		_ = old.Close()
	}
	go m.pump(e)
	fx.run()
}

// Reconnect dials a fresh engine and connects it.
func (m *Manager) Reconnect(ctx context.Context) error {
	if m.dial == nil {
		return fmt.Errorf("%w: no dialer configured", ErrNoEngine)
	}
	e, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoEngine, err)
	}
	m.Connect(e)
	return nil
}

// Connected reports whether an engine is attached.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eng != nil
}

func (m *Manager) pump(e Engine) {
	defer m.wg.Done()
	for ev := range e.Events() {
		m.dispatch(e, ev)
	}
	m.handleDisconnect(e)
}

func (m *Manager) handleDisconnect(e Engine) {
	var fx effects
	m.mu.Lock()
	if m.eng != e || m.closed {
		m.mu.Unlock()
		return
	}
	reason := disconnectedError
	if err := e.Err(); err != nil {
		reason = err.Error()
	}
	m.log.Warn("engine_lost", "reason", reason)
	m.notify(&fx, "Engine disconnected", reason, "engine")
	m.dropEngineLocked(&fx)
	m.afterMutation(&fx)
	m.mu.Unlock()
	fx.run()
}

// dropEngineLocked rolls back pending adds and fails active sessions.
func (m *Manager) dropEngineLocked(fx *effects) {
	for _, p := range m.pending.All() {
		m.pending.Discard(p.ID)
		m.rollbackLocked(p, disconnectedError, fx)
	}
	for _, d := range m.reg.Snapshot() {
		if !d.State.Active() {
			continue
		}
		m.setState(d.ID, StateFailed, disconnectedError, fx)
	}
	m.eng = nil
	m.updatesOn = false
}

// Badge returns the number of Downloading and Rebuilding sessions.
func (m *Manager) Badge() int { return m.reg.CountActive() }

// List returns all downloads, most recent first.
func (m *Manager) List() []Download { return m.reg.Snapshot() }

// Get returns one download.
func (m *Manager) Get(id int64) (Download, error) {
	d, ok := m.reg.Get(id)
	if !ok {
		return Download{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return d, nil
}

// AwaitingURL returns the id holding the URL-change slot.
func (m *Manager) AwaitingURL() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.awaiting, m.awaiting != 0
}

// PendingCount returns the number of adds waiting for the engine.
func (m *Manager) PendingCount() int { return m.pending.Len() }

// AttachPresenter makes p the active UI surface, replacing any other, and
// replays the current downloads to it. Progress updates are switched on
// whenever an engine is connected.
func (m *Manager) AttachPresenter(p Presenter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presenter = p
	ds := m.reg.Snapshot()
	for i := len(ds) - 1; i >= 0; i-- {
		p.Add(ds[i])
	}
	if m.eng != nil {
		if err := m.send(engine.SetUpdates{Enabled: true}); err == nil {
			m.updatesOn = true
		}
	}
}

// DetachPresenter clears p if it is still the active surface.
func (m *Manager) DetachPresenter(p Presenter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.presenter == p {
		m.presenter = nil
	}
}

// Snapshot returns the persistent state. Icon references held only by
// pending adds are left out.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	icons := m.icons.Snapshot()
	for _, p := range m.pending.All() {
		if p.Icon == "" {
			continue
		}
		e, ok := icons[p.Icon]
		if !ok {
			continue
		}
		e.Refcount--
		if e.Refcount <= 0 {
			delete(icons, p.Icon)
		} else {
			icons[p.Icon] = e
		}
	}
	return Snapshot{
		Downloads: m.reg.Snapshot(),
		Settings:  m.settings.Clone(),
		Icons:     icons,
	}
}

// Restore replaces all state with snap. Sessions that were active or
// waiting for a URL come back as Paused (or Failed if they carry an error)
// since no engine knows about them yet. Icon refcounts are recomputed from
// the downloads that reference them.
func (m *Manager) Restore(snap Snapshot) {
	var fx effects
	m.mu.Lock()

	s := snap.Settings.Clone()
	if err := s.Validate(); err != nil {
		m.log.Warn("restore_settings_invalid", "error", err)
		s = settings.Default()
	}
	m.settings = s

	refs := make(map[icon.Ref]int)
	ds := make([]Download, 0, len(snap.Downloads))
	for _, d := range snap.Downloads {
		if d.ID == 0 {
			continue
		}
		switch {
		case !d.State.Valid(), d.State.Active(), d.State == StateAwaitingURL:
			d.State = revertState(d)
		}
		if d.State == StateCompleted {
			d.Progress = nil
			d.Error = ""
		} else if d.Progress == nil {
			d.Progress = &Progress{}
		}
		if d.State != StateFailed {
			d.Error = ""
		}
		if d.Icon != "" {
			if _, ok := snap.Icons[d.Icon]; ok {
				refs[d.Icon]++
			} else {
				d.Icon = ""
			}
		}
		m.ids.Observe(d.ID)
		ds = append(ds, d)
	}
	m.reg.Replace(ds)

	entries := make(map[icon.Ref]icon.Entry, len(refs))
	for ref, n := range refs {
		entries[ref] = icon.Entry{Refcount: n, Data: snap.Icons[ref].Data}
	}
	m.icons.Restore(entries)
	m.awaiting = 0
	m.afterMutation(&fx)
	m.mu.Unlock()

	logging.LogStoreOperation("restore", len(ds), nil)
	fx.run()
}

func revertState(d Download) State {
	if d.Error != "" {
		return StateFailed
	}
	return StatePaused
}

// ExpirePending rolls back adds the engine has not answered within the
// pending timeout. It returns how many were rolled back.
func (m *Manager) ExpirePending(now time.Time) int {
	var fx effects
	m.mu.Lock()
	expired := m.pending.Expired(now, m.pendingTTL)
	for _, p := range expired {
		if _, ok := m.pending.Discard(p.ID); !ok {
			continue
		}
		m.log.Warn("pending_expired", "session_id", p.ID, "age", now.Sub(p.CreatedAt).String())
		m.rollbackLocked(p, "engine did not answer", &fx)
	}
	m.afterMutation(&fx)
	m.mu.Unlock()
	fx.run()
	return len(expired)
}

func (m *Manager) sweep() {
	defer m.wg.Done()

	interval := m.pendingTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.ExpirePending(m.now())
		}
	}
}

// effects are collaborator calls made after the lock is released.
type effects []func()

func (fx *effects) add(f func()) { *fx = append(*fx, f) }

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

func (m *Manager) send(req engine.Request) error {
	if m.eng == nil {
		return ErrNoEngine
	}
	if err := m.eng.Send(req); err != nil {
		return fmt.Errorf("%w: %w", ErrNoEngine, err)
	}
	logging.LogEngineMessage("out", engine.RequestKind(req), requestID(req))
	return nil
}

// sendBestEffort is for requests whose loss leaves local state correct.
func (m *Manager) sendBestEffort(req engine.Request) {
	err := m.send(req)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrQueueFull):
		m.log.Warn("engine_send_failed", "kind", engine.RequestKind(req), "error", err)
	default:
		m.log.Debug("engine_send_skipped", "kind", engine.RequestKind(req), "error", err)
	}
}

func requestID(req engine.Request) int64 {
	switch r := req.(type) {
	case engine.Add:
		return r.ID
	case engine.Pause:
		return r.ID
	case engine.Remove:
		return r.ID
	default:
		return 0
	}
}

// afterMutation recomputes the badge and the engine update subscription.
func (m *Manager) afterMutation(fx *effects) {
	count := m.reg.CountActive()
	if count != m.badge {
		m.badge = count
		if m.browser != nil {
			b := m.browser
			fx.add(func() {
				ctx, cancel := context.WithTimeout(m.ctx, browserCallTimeout)
				defer cancel()
				if err := b.SetBadge(ctx, count); err != nil {
					m.log.Debug("set_badge_failed", "error", err)
				}
			})
		}
	}
	desired := count > 0
	if m.eng != nil && desired != m.updatesOn {
		if err := m.send(engine.SetUpdates{Enabled: desired}); err == nil {
			m.updatesOn = desired
		}
	}
}

func (m *Manager) persist() {
	if m.worker != nil {
		m.worker.Trigger()
	}
}

func (m *Manager) notify(fx *effects, title, body, key string) {
	m.log.Info("notify", "title", title, "body", body, "key", key)
	if m.notifier == nil {
		return
	}
	n, timeout := m.notifier, m.notifyTimeout
	fx.add(func() { n.Notify(title, body, key, timeout) })
}

func (m *Manager) browserCall(fx *effects, name string, native int64, call func(Browser, context.Context, int64) error) {
	if m.browser == nil {
		return
	}
	b := m.browser
	fx.add(func() {
		ctx, cancel := context.WithTimeout(m.ctx, browserCallTimeout)
		defer cancel()
		if err := call(b, ctx, native); err != nil {
			m.log.Warn("browser_call_failed", "call", name, "native_id", native, "error", err)
		}
	})
}

func (m *Manager) resumeNative(fx *effects, native int64) {
	m.browserCall(fx, "resume", native, Browser.Resume)
}

func (m *Manager) eraseNative(fx *effects, native int64) {
	m.browserCall(fx, "erase", native, Browser.Erase)
}

func (m *Manager) pushAdd(d Download) {
	if m.presenter != nil {
		m.presenter.Add(d)
	}
}

func (m *Manager) pushUpdate(d Download) {
	if m.presenter != nil {
		m.presenter.Update(d)
	}
}

func (m *Manager) pushRemove(ids []int64) {
	if m.presenter != nil && len(ids) > 0 {
		m.presenter.FinishRemove(ids)
	}
}

// rollbackLocked undoes a pending add: the icon is released and the
// browser keeps the download.
func (m *Manager) rollbackLocked(p PendingEntry, reason string, fx *effects) {
	if p.Icon != "" {
		m.icons.Release(p.Icon)
	}
	m.resumeNative(fx, p.Native)
	m.notify(fx, "Download not taken over", reason+"\nContinuing in browser", fmt.Sprintf("pending-%d", p.ID))
}

// setState moves id to state, keeping the progress block and error field
// consistent with it.
func (m *Manager) setState(id int64, state State, errMsg string, fx *effects) (Download, bool) {
	var from State
	d, err := m.reg.Update(id, func(d *Download) {
		from = d.State
		d.State = state
		switch state {
		case StateCompleted:
			d.Progress = nil
			d.Error = ""
		case StateFailed:
			d.Error = errMsg
		default:
			d.Error = ""
		}
		if state != StateCompleted && d.Progress == nil {
			d.Progress = &Progress{}
		}
	})
	if err != nil {
		return Download{}, false
	}
	if from != state {
		logging.LogSessionState(id, d.URL, string(from), string(state))
	}
	if m.awaiting == id && state != StateAwaitingURL {
		m.awaiting = 0
	}
	m.pushUpdate(d)
	m.persist()
	return d, true
}
