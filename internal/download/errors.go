package download

import "errors"

var (
	// ErrNotFound indicates no download with the given id
	ErrNotFound = errors.New("not_found")

	// ErrInProgress indicates the download is Downloading or Rebuilding
	ErrInProgress = errors.New("in_progress")

	// ErrInvalidState indicates the action does not apply to the current state
	ErrInvalidState = errors.New("invalid_state")

	// ErrEngineRejected indicates the engine answered an add with an error
	ErrEngineRejected = errors.New("engine_rejected")

	// ErrResumeMismatch indicates a resume was confirmed for a different file
	ErrResumeMismatch = errors.New("resume_mismatch")

	// ErrNoEngine indicates there is no connected engine to send to
	ErrNoEngine = errors.New("engine_unavailable")

	// ErrPendingExists indicates a pending id collision
	ErrPendingExists = errors.New("pending_exists")
)
