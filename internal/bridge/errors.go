package bridge

import "errors"

var (
	// ErrNoBrowser indicates no browser extension is connected
	ErrNoBrowser = errors.New("browser_unavailable")
	// ErrCallFailed indicates the browser answered a call with an error
	ErrCallFailed = errors.New("browser_call_failed")
)
