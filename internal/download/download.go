package download

import (
	"path/filepath"
	"time"

	"dman/internal/icon"
)

type State string

const (
	StateDownloading State = "downloading"
	StatePaused      State = "paused"
	StateFailed      State = "failed"
	StateAwaitingURL State = "awaiting_url"
	StateRebuilding  State = "rebuilding"
	StateCompleted   State = "completed"
)

// rank orders states for display ties.
func (s State) rank() int {
	switch s {
	case StateDownloading:
		return 0
	case StatePaused:
		return 1
	case StateFailed:
		return 2
	case StateAwaitingURL:
		return 3
	case StateRebuilding:
		return 4
	case StateCompleted:
		return 5
	default:
		return 6
	}
}

// Active reports whether the engine is working on the download. Active
// downloads count toward the badge and cannot be removed.
func (s State) Active() bool {
	return s == StateDownloading || s == StateRebuilding
}

// Valid reports whether s is a known state.
func (s State) Valid() bool { return s.rank() < 6 }

// Progress is the transient part of a download. It is dropped on completion.
type Progress struct {
	Percent float64 `json:"percent"` // 0-100
	Written int64   `json:"written"`
	Conns   int     `json:"conns"`
	Speed   float64 `json:"speed"` // bytes per second
	ETA     int64   `json:"eta"`   // seconds
}

type Download struct {
	ID        int64     `json:"id"`
	State     State     `json:"state"`
	URL       string    `json:"url"`
	Dir       string    `json:"dir"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"` // 0 until known
	Progress  *Progress `json:"progress,omitempty"`
	Icon      icon.Ref  `json:"icon,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Error     string    `json:"error,omitempty"`
}

// Path is the artifact location on disk.
func (d Download) Path() string {
	return filepath.Join(d.Dir, d.Filename)
}

// Clone returns a copy that shares no memory with d.
func (d Download) Clone() Download {
	if d.Progress != nil {
		p := *d.Progress
		d.Progress = &p
	}
	return d
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
