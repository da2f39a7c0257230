package download

import (
	"context"
	"time"

	"dman/internal/engine"
)

// Presenter is an attached UI surface. Manager calls it while holding its
// lock, so implementations must not block or call back into Manager.
type Presenter interface {
	Add(d Download)
	Update(d Download)
	FinishRemove(ids []int64)
}

// Notifier shows user notifications. Calls may block.
type Notifier interface {
	Notify(title, body, key string, timeout time.Duration)
}

// Browser is the host browser's download machinery.
type Browser interface {
	Resume(ctx context.Context, native int64) error
	Erase(ctx context.Context, native int64) error
	SetBadge(ctx context.Context, count int) error
}

// Engine is a connected engine channel.
type Engine interface {
	Send(req engine.Request) error
	Events() <-chan engine.Event
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer starts a new engine connection.
type Dialer func(ctx context.Context) (Engine, error)

var _ Engine = (*engine.Channel)(nil)
