package download

import (
	"fmt"

	"dman/internal/engine"
	"dman/internal/icon"
	"dman/internal/logging"
	"dman/internal/settings"
)

// BeginRequest describes a paused browser download to hand to the engine.
type BeginRequest struct {
	Native int64
	URL    string
	Path   string // final path chosen by the browser
	Icon   []byte
}

// Begin classifies the target directory, registers the icon and sends add.
// Nothing is kept when it fails; the caller still owns the browser download.
func (m *Manager) Begin(req BeginRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.eng == nil {
		return 0, ErrNoEngine
	}
	dir, filename := m.settings.Classify(req.Path)

	var ref icon.Ref
	if len(req.Icon) > 0 {
		ref = m.icons.AcquireData(req.Icon)
	}
	id := m.ids.Next(m.idTaken)
	entry := PendingEntry{
		ID:        id,
		Native:    req.Native,
		Icon:      ref,
		URL:       req.URL,
		Dir:       dir,
		Filename:  filename,
		CreatedAt: m.now(),
	}
	if err := m.pending.Create(entry); err != nil {
		m.releaseIcon(ref)
		return 0, err
	}
	if err := m.send(engine.Add{ID: id, URL: req.URL, Dir: dir, MaxConns: m.settings.MaxConns}); err != nil {
		m.pending.Discard(id)
		m.releaseIcon(ref)
		return 0, err
	}
	logging.LogIntercept(req.Native, req.URL, dir, filename)
	return id, nil
}

// Adopt gives the URL of a freshly intercepted browser download to the
// session waiting for a new URL. It reports false when no session waits.
func (m *Manager) Adopt(native int64, url string) (int64, bool, error) {
	var fx effects
	m.mu.Lock()
	if m.awaiting == 0 {
		m.mu.Unlock()
		return 0, false, nil
	}
	d, ok := m.reg.Get(m.awaiting)
	if !ok || d.State != StateAwaitingURL {
		m.awaiting = 0
		m.mu.Unlock()
		return 0, false, nil
	}
	req := engine.Add{ID: d.ID, URL: url, Dir: d.Dir, MaxConns: m.settings.MaxConns, Filename: d.Filename}
	if err := m.send(req); err != nil {
		m.mu.Unlock()
		return d.ID, false, err
	}
	m.reg.Update(d.ID, func(d *Download) { d.URL = url })
	m.setState(d.ID, StateDownloading, "", &fx)
	m.awaiting = 0
	m.eraseNative(&fx, native)
	m.afterMutation(&fx)
	m.mu.Unlock()

	logging.LogIntercept(native, url, d.Dir, d.Filename)
	fx.run()
	return d.ID, true, nil
}

// Pause stops a Downloading session.
func (m *Manager) Pause(id int64) error {
	var fx effects
	m.mu.Lock()
	d, ok := m.reg.Get(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if d.State != StateDownloading {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot pause %s", ErrInvalidState, d.State)
	}
	if err := m.send(engine.Pause{ID: id}); err != nil {
		m.mu.Unlock()
		return err
	}
	m.setState(id, StatePaused, "", &fx)
	m.afterMutation(&fx)
	m.mu.Unlock()
	fx.run()
	return nil
}

// Resume asks the engine to continue a Paused or Failed session. The state
// changes when the engine confirms.
func (m *Manager) Resume(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.reg.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if d.State != StatePaused && d.State != StateFailed {
		return fmt.Errorf("%w: cannot resume %s", ErrInvalidState, d.State)
	}
	return m.send(engine.Add{ID: id, URL: d.URL, Dir: d.Dir, MaxConns: m.settings.MaxConns, Filename: d.Filename})
}

// Remove deletes a session that is not in progress. withFiles also deletes
// partial files of an unfinished session.
func (m *Manager) Remove(id int64, withFiles bool) error {
	m.mu.Lock()
	d, ok := m.reg.Get(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if d.State.Active() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrInProgress, id)
	}
	m.removeLocked(d)
	if d.State != StateCompleted {
		m.sendBestEffort(engine.Remove{ID: id})
		if withFiles {
			m.sendBestEffort(engine.Delete{Dir: d.Dir, Filename: d.Filename})
		}
	}
	m.pushRemove([]int64{id})
	var fx effects
	m.afterMutation(&fx)
	m.mu.Unlock()
	fx.run()
	return nil
}

// ClearFinished removes every session that is not in progress and returns
// their ids.
func (m *Manager) ClearFinished() []int64 {
	m.mu.Lock()
	var ids []int64
	for _, d := range m.reg.Snapshot() {
		if d.State.Active() {
			continue
		}
		m.removeLocked(d)
		if d.State != StateCompleted {
			m.sendBestEffort(engine.Remove{ID: d.ID})
		}
		ids = append(ids, d.ID)
	}
	m.pushRemove(ids)
	var fx effects
	m.afterMutation(&fx)
	m.mu.Unlock()
	fx.run()
	return ids
}

func (m *Manager) removeLocked(d Download) {
	if _, ok := m.reg.Delete(d.ID); !ok {
		return
	}
	m.releaseIcon(d.Icon)
	if m.awaiting == d.ID {
		m.awaiting = 0
	}
	logging.LogSessionState(d.ID, d.URL, string(d.State), "removed")
	m.persist()
}

// PauseAll asks the engine to pause everything. States change on its reply.
func (m *Manager) PauseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.send(engine.PauseAll{})
}

// RequestURLChange makes id wait for the next intercepted browser download
// to take its URL from. A previous holder of the slot goes back to Failed
// if it has an error, Paused otherwise.
func (m *Manager) RequestURLChange(id int64) error {
	var fx effects
	m.mu.Lock()
	d, ok := m.reg.Get(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	switch d.State {
	case StatePaused, StateFailed, StateAwaitingURL:
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot change url while %s", ErrInvalidState, d.State)
	}
	if prev := m.awaiting; prev != 0 && prev != id {
		if pd, ok := m.reg.Get(prev); ok && pd.State == StateAwaitingURL {
			m.setState(prev, revertState(pd), pd.Error, &fx)
		}
	}
	m.setStateKeepError(id, StateAwaitingURL)
	m.awaiting = id
	m.afterMutation(&fx)
	m.mu.Unlock()
	fx.run()
	return nil
}

// setStateKeepError changes the state without touching the error text, so
// a download reverted from AwaitingURL can go back to Failed with it.
func (m *Manager) setStateKeepError(id int64, state State) {
	var from State
	d, err := m.reg.Update(id, func(d *Download) {
		from = d.State
		d.State = state
		if d.Progress == nil {
			d.Progress = &Progress{}
		}
	})
	if err != nil {
		return
	}
	if from != state {
		logging.LogSessionState(id, d.URL, string(from), string(state))
	}
	m.pushUpdate(d)
	m.persist()
}

// Settings returns a copy of the current settings.
func (m *Manager) Settings() settings.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings.Clone()
}

// SaveSettings validates s and replaces the current settings with it.
func (m *Manager) SaveSettings(s settings.Settings) (settings.Settings, error) {
	s = s.Clone()
	if err := s.Validate(); err != nil {
		return settings.Settings{}, err
	}
	m.mu.Lock()
	m.settings = s
	m.persist()
	m.mu.Unlock()
	m.log.Info("settings_saved", "max_conns", s.MaxConns, "categories", len(s.Categories))
	return s.Clone(), nil
}

// ResetSettings restores the defaults.
func (m *Manager) ResetSettings() settings.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings.Default()
	m.persist()
	return m.settings.Clone()
}

func (m *Manager) idTaken(id int64) bool {
	return m.pending.Has(id) || m.reg.Has(id)
}

func (m *Manager) releaseIcon(ref icon.Ref) {
	if ref != "" {
		m.icons.Release(ref)
	}
}
