package engine

// Request is an outbound message to the engine. The set of implementations
// is closed; handlers switch over the concrete types.
type Request interface {
	request()
}

// Add starts a new session, or resumes an existing one when Filename is set.
type Add struct {
	ID       int64
	URL      string
	Dir      string
	MaxConns int
	Filename string
}

// Pause stops a running session, keeping its partial data.
type Pause struct{ ID int64 }

// Remove forgets a session on the engine side.
type Remove struct{ ID int64 }

// Delete removes the partial files of a session from disk.
type Delete struct {
	Dir      string
	Filename string
}

// PauseAll pauses every running session.
type PauseAll struct{}

// SetUpdates toggles periodic progress pushes.
type SetUpdates struct{ Enabled bool }

func (Add) request()        {}
func (Pause) request()      {}
func (Remove) request()     {}
func (Delete) request()     {}
func (PauseAll) request()   {}
func (SetUpdates) request() {}

// Event is an inbound, unsolicited message from the engine. The set of
// implementations is closed.
type Event interface {
	event()
}

// Stat is a per-session progress sample.
type Stat struct {
	ID         int64   `json:"id"`
	Percent    float64 `json:"percent,omitempty"`
	Written    int64   `json:"written,omitempty"`
	Speed      float64 `json:"speed,omitempty"` // bytes per second
	ETA        int64   `json:"eta,omitempty"`   // seconds
	Conns      int     `json:"conns,omitempty"`
	Rebuilding bool    `json:"rebuilding,omitempty"`
}

// Progress carries a batch of samples.
type Progress struct{ Stats []Stat }

// Added confirms (Err empty) or rejects an Add.
type Added struct {
	ID       int64
	URL      string
	Dir      string
	Filename string
	Size     int64
	Err      string
}

// Paused confirms a pause; Err is set when the pause did not go cleanly.
type Paused struct {
	ID  int64
	Err string
}

// PausedAll confirms PauseAll with the last sample of each paused session.
type PausedAll struct{ Stats []Stat }

// Failed reports a transfer failure.
type Failed struct {
	ID  int64
	Err string
}

// Completed reports a finished session. Filename and Length are optional.
type Completed struct {
	ID       int64
	Filename string
	Length   int64
}

// Removed confirms a Remove.
type Removed struct {
	ID  int64
	Err string
}

// ProtocolError is an engine-side complaint about something we sent.
type ProtocolError struct{ Message string }

// Unknown wraps an inbound message whose type is not recognized.
type Unknown struct {
	Type string
	Raw  []byte
}

func (Progress) event()      {}
func (Added) event()         {}
func (Paused) event()        {}
func (PausedAll) event()     {}
func (Failed) event()        {}
func (Completed) event()     {}
func (Removed) event()       {}
func (ProtocolError) event() {}
func (Unknown) event()       {}

// KindOf returns the wire type name of an event, for logging.
func KindOf(ev Event) string {
	switch e := ev.(type) {
	case Progress:
		return typeProgress
	case Added:
		return typeAdded
	case Paused:
		return typePaused
	case PausedAll:
		return typePausedAll
	case Failed:
		return typeFailed
	case Completed:
		return typeCompleted
	case Removed:
		return typeRemoved
	case ProtocolError:
		return typeError
	case Unknown:
		return e.Type
	default:
		return "invalid"
	}
}

// RequestKind returns the wire type name of a request, for logging.
func RequestKind(req Request) string {
	switch req.(type) {
	case Add:
		return typeAdd
	case Pause:
		return typePause
	case Remove:
		return typeRemove
	case Delete:
		return typeDelete
	case PauseAll:
		return typePauseAll
	case SetUpdates:
		return typeSetUpdates
	default:
		return "invalid"
	}
}
