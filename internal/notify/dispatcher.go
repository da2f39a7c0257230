// Package notify posts best-effort user notifications.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"dman/internal/logging"
)

const callTimeout = 5 * time.Second

// Backend shows and clears notifications by key.
type Backend interface {
	Show(ctx context.Context, key, title, body string) error
	Clear(ctx context.Context, key string) error
}

type shown struct {
	gen   uint64
	timer *time.Timer
}

// Dispatcher keys notifications so a newer one replaces an older one with
// the same key, and clears them after their timeout. Backend errors are
// logged and otherwise ignored.
type Dispatcher struct {
	primary  Backend
	fallback Backend
	log      *slog.Logger

	mu     sync.Mutex
	gen    uint64
	active map[string]shown
	closed bool
}

// NewDispatcher uses primary and falls back to fallback when primary fails.
// Either may be nil.
func NewDispatcher(primary, fallback Backend, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = logging.With(context.Background())
	}
	return &Dispatcher{
		primary:  primary,
		fallback: fallback,
		log:      log.With("component", "notify"),
		active:   make(map[string]shown),
	}
}

// Notify posts a notification. An empty key gets a fresh one. timeout <= 0
// leaves it up until replaced or cleared.
func (d *Dispatcher) Notify(title, body, key string, timeout time.Duration) {
	if key == "" {
		key = uuid.NewString()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if prev, ok := d.active[key]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	d.gen++
	gen := d.gen
	s := shown{gen: gen}
	if timeout > 0 {
		s.timer = time.AfterFunc(timeout, func() { d.expire(key, gen) })
	}
	d.active[key] = s
	d.mu.Unlock()

	d.show(key, title, body)
}

// Clear removes the notification with key.
func (d *Dispatcher) Clear(key string) {
	d.mu.Lock()
	prev, ok := d.active[key]
	if ok {
		if prev.timer != nil {
			prev.timer.Stop()
		}
		delete(d.active, key)
	}
	d.mu.Unlock()
	if ok {
		d.clear(key)
	}
}

// Active returns the number of notifications currently shown.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Close stops pending auto-clears.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for k, s := range d.active {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(d.active, k)
	}
}

func (d *Dispatcher) expire(key string, gen uint64) {
	d.mu.Lock()
	s, ok := d.active[key]
	if !ok || s.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.active, key)
	d.mu.Unlock()
	d.clear(key)
}

func (d *Dispatcher) show(key, title, body string) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if d.primary != nil {
		err := d.primary.Show(ctx, key, title, body)
		if err == nil {
			return
		}
		d.log.Debug("notify_primary_failed", "key", key, "error", err)
	}
	if d.fallback != nil {
		if err := d.fallback.Show(ctx, key, title, body); err != nil {
			d.log.Warn("notify_failed", "key", key, "error", err)
		}
	}
}

func (d *Dispatcher) clear(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	for _, b := range []Backend{d.primary, d.fallback} {
		if b == nil {
			continue
		}
		if err := b.Clear(ctx, key); err != nil {
			d.log.Debug("notify_clear_failed", "key", key, "error", err)
		}
	}
}

// LogBackend writes notifications to the structured log.
type LogBackend struct {
	Logger *slog.Logger
}

func (b LogBackend) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return logging.With(context.Background())
}

func (b LogBackend) Show(ctx context.Context, key, title, body string) error {
	b.logger().Info("notification", "event", "notification", "key", key, "title", title, "body", body)
	return nil
}

func (b LogBackend) Clear(ctx context.Context, key string) error {
	return nil
}
