package download

import (
	"fmt"

	"dman/internal/engine"
	"dman/internal/logging"
)

// HandleEvent applies one engine event.
func (m *Manager) HandleEvent(ev engine.Event) {
	m.dispatch(nil, ev)
}

// dispatch applies ev if src is still the current engine. A nil src skips
// the check.
func (m *Manager) dispatch(src Engine, ev engine.Event) {
	var fx effects
	m.mu.Lock()
	if src != nil && m.eng != src {
		m.mu.Unlock()
		logging.LogEngineIgnored(engine.KindOf(ev), 0, "stale engine")
		return
	}

	switch e := ev.(type) {
	case engine.Progress:
		m.onProgress(e.Stats)
	case engine.Added:
		logging.LogEngineMessage("in", engine.KindOf(ev), e.ID)
		if e.Err != "" {
			m.onAddRejected(e, &fx)
		} else {
			m.onAdded(e, &fx)
		}
	case engine.Paused:
		logging.LogEngineMessage("in", engine.KindOf(ev), e.ID)
		m.onPaused(e, &fx)
	case engine.PausedAll:
		logging.LogEngineMessage("in", engine.KindOf(ev), 0)
		m.onPausedAll(e.Stats, &fx)
	case engine.Failed:
		logging.LogEngineMessage("in", engine.KindOf(ev), e.ID)
		m.onFailed(e, &fx)
	case engine.Completed:
		logging.LogEngineMessage("in", engine.KindOf(ev), e.ID)
		m.onCompleted(e, &fx)
	case engine.Removed:
		logging.LogEngineMessage("in", engine.KindOf(ev), e.ID)
		m.onRemoved(e, &fx)
	case engine.ProtocolError:
		m.log.Error("engine_protocol_error", "message", e.Message)
		m.notify(&fx, "Engine error", "Error: "+e.Message, "engine-error")
	case engine.Unknown:
		err := &engine.UnknownMessageError{Type: e.Type}
		m.log.Warn("engine_unknown_message", "error", err)
		m.notify(&fx, "Engine error", err.Error(), "engine-error")
	default:
		m.log.Error("engine_invalid_event", "type", fmt.Sprintf("%T", ev))
	}

	m.afterMutation(&fx)
	m.mu.Unlock()
	fx.run()
}

func (m *Manager) onProgress(stats []engine.Stat) {
	for _, st := range stats {
		d, ok := m.reg.Get(st.ID)
		if !ok {
			logging.LogEngineIgnored("progress", st.ID, "unknown id")
			continue
		}
		switch d.State {
		case StateDownloading:
			if st.Rebuilding {
				d, _ = m.reg.Update(st.ID, func(d *Download) {
					d.State = StateRebuilding
					d.Progress = &Progress{Percent: clampPercent(st.Percent)}
				})
				logging.LogSessionState(d.ID, d.URL, string(StateDownloading), string(StateRebuilding))
				m.persist()
			} else {
				d, _ = m.reg.Update(st.ID, func(d *Download) { applyStat(d, st) })
			}
		case StateRebuilding:
			d, _ = m.reg.Update(st.ID, func(d *Download) {
				if d.Progress == nil {
					d.Progress = &Progress{}
				}
				d.Progress.Percent = clampPercent(st.Percent)
			})
		default:
			continue
		}
		m.pushUpdate(d)
	}
}

// applyStat records a sample on a Downloading session. Percent never moves
// backwards.
func applyStat(d *Download, st engine.Stat) {
	if d.Progress == nil {
		d.Progress = &Progress{}
	}
	p := d.Progress
	if pct := clampPercent(st.Percent); pct > p.Percent {
		p.Percent = pct
	}
	p.Written = st.Written
	p.Conns = st.Conns
	p.Speed = st.Speed
	p.ETA = st.ETA
}

func (m *Manager) onAdded(e engine.Added, fx *effects) {
	if p, ok := m.pending.Resolve(e.ID); ok {
		d := Download{
			ID:        e.ID,
			State:     StateDownloading,
			URL:       firstNonEmpty(e.URL, p.URL),
			Dir:       firstNonEmpty(e.Dir, p.Dir),
			Filename:  firstNonEmpty(e.Filename, p.Filename),
			Size:      e.Size,
			Progress:  &Progress{},
			Icon:      p.Icon,
			CreatedAt: m.now(),
		}
		if err := m.reg.Create(d); err != nil {
			m.log.Error("session_create_failed", "session_id", e.ID, "error", err)
			if p.Icon != "" {
				m.icons.Release(p.Icon)
			}
			return
		}
		logging.LogSessionState(d.ID, d.URL, "", string(StateDownloading))
		m.eraseNative(fx, p.Native)
		if m.settings.Notify.OnStart {
			m.notify(fx, "Download started", d.Filename, fmt.Sprintf("session-%d", d.ID))
		}
		m.pushAdd(d)
		m.persist()
		return
	}

	d, ok := m.reg.Get(e.ID)
	if !ok {
		// Rolled back already; keep the engine from running an untracked transfer.
		logging.LogEngineIgnored("added", e.ID, "unknown id")
		m.sendBestEffort(engine.Remove{ID: e.ID})
		return
	}

	switch d.State {
	case StatePaused, StateFailed, StateDownloading, StateRebuilding:
	default:
		logging.LogEngineIgnored("added", e.ID, "state "+string(d.State))
		return
	}

	if e.Filename != "" && e.Filename != d.Filename {
		err := fmt.Errorf("%w: have %q, engine reported %q", ErrResumeMismatch, d.Filename, e.Filename)
		logging.LogSessionError(d.ID, "resume mismatch", err)
		m.sendBestEffort(engine.Pause{ID: d.ID})
		if d.State.Active() {
			m.setState(d.ID, StateFailed, err.Error(), fx)
		}
		m.notify(fx, "Resume error", "Filenames don't match: "+d.Filename, fmt.Sprintf("session-%d", d.ID))
		return
	}

	if e.Size > 0 && d.Size == 0 {
		d, _ = m.reg.Update(d.ID, func(d *Download) { d.Size = e.Size })
	}
	m.setState(d.ID, StateDownloading, "", fx)
}

func (m *Manager) onAddRejected(e engine.Added, fx *effects) {
	if p, ok := m.pending.Discard(e.ID); ok {
		logging.LogSessionError(e.ID, "engine rejected add", fmt.Errorf("%w: %s", ErrEngineRejected, e.Err))
		m.rollbackLocked(p, e.Err, fx)
		return
	}

	d, ok := m.reg.Get(e.ID)
	if !ok {
		logging.LogEngineIgnored("added", e.ID, "unknown id")
		m.notify(fx, "Engine error", e.Err, "engine-error")
		return
	}
	logging.LogSessionError(d.ID, "engine rejected resume", fmt.Errorf("%w: %s", ErrEngineRejected, e.Err))
	switch d.State {
	case StateDownloading, StateFailed:
		m.setState(d.ID, StateFailed, e.Err, fx)
	}
	m.notify(fx, "Download error", d.Filename+": "+e.Err, fmt.Sprintf("session-%d", d.ID))
}

func (m *Manager) onPaused(e engine.Paused, fx *effects) {
	d, ok := m.reg.Get(e.ID)
	if !ok {
		logging.LogEngineIgnored("paused", e.ID, "unknown id")
		return
	}
	if d.State == StateDownloading {
		m.setState(d.ID, StatePaused, "", fx)
	}
	if e.Err != "" {
		m.notify(fx, "Pause error", d.Filename+": "+e.Err, fmt.Sprintf("session-%d", d.ID))
	}
}

func (m *Manager) onPausedAll(stats []engine.Stat, fx *effects) {
	for _, st := range stats {
		d, ok := m.reg.Get(st.ID)
		if !ok {
			logging.LogEngineIgnored("paused-all", st.ID, "unknown id")
			continue
		}
		if d.State == StateDownloading {
			m.reg.Update(st.ID, func(d *Download) { applyStat(d, st) })
		}
		if d.State.Active() {
			m.setState(st.ID, StatePaused, "", fx)
		}
	}
}

func (m *Manager) onFailed(e engine.Failed, fx *effects) {
	d, ok := m.reg.Get(e.ID)
	if !ok || !d.State.Active() {
		logging.LogEngineIgnored("failed", e.ID, "not active")
		return
	}
	m.setState(d.ID, StateFailed, e.Err, fx)
	if m.settings.Notify.OnFailure {
		m.notify(fx, "Download failed", d.Filename+": "+e.Err, fmt.Sprintf("session-%d", d.ID))
	}
}

func (m *Manager) onCompleted(e engine.Completed, fx *effects) {
	d, ok := m.reg.Get(e.ID)
	if !ok {
		logging.LogEngineIgnored("completed", e.ID, "unknown id")
		return
	}
	switch d.State {
	case StateDownloading, StateRebuilding, StatePaused:
	default:
		logging.LogEngineIgnored("completed", e.ID, "state "+string(d.State))
		return
	}
	m.reg.Update(d.ID, func(d *Download) {
		if e.Filename != "" {
			d.Filename = e.Filename
		}
		if d.Size == 0 && e.Length > 0 {
			d.Size = e.Length
		}
	})
	d, _ = m.setState(d.ID, StateCompleted, "", fx)
	if m.settings.Notify.OnComplete {
		m.notify(fx, "Download complete", d.Filename, fmt.Sprintf("session-%d", d.ID))
	}
}

func (m *Manager) onRemoved(e engine.Removed, fx *effects) {
	if e.Err != "" {
		m.notify(fx, "Remove error", e.Err, fmt.Sprintf("session-%d", e.ID))
	}
	d, ok := m.reg.Get(e.ID)
	if !ok || d.State.Active() {
		return
	}
	m.removeLocked(d)
	m.pushRemove([]int64{d.ID})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
