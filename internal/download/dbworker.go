package download

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dman/internal/icon"
	"dman/internal/settings"
)

// Snapshot is everything that survives a restart.
type Snapshot struct {
	Downloads []Download
	Settings  settings.Settings
	Icons     map[icon.Ref]icon.Entry
}

// SnapshotStore persists whole snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
}

const defaultSaveDelay = 250 * time.Millisecond

// DBWorker writes coalesced snapshots in the background. Triggers arriving
// while a write is scheduled are folded into it; a crash may lose the last
// one.
type DBWorker struct {
	store  SnapshotStore
	source func() Snapshot
	delay  time.Duration
	log    *slog.Logger

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	saveMu sync.Mutex
	saves  int
}

// NewDBWorker creates a worker that saves source() to store at most once
// per delay.
func NewDBWorker(store SnapshotStore, source func() Snapshot, delay time.Duration, log *slog.Logger) *DBWorker {
	if delay <= 0 {
		delay = defaultSaveDelay
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DBWorker{
		store:  store,
		source: source,
		delay:  delay,
		log:    log.With("component", "dbworker"),
		kick:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start begins the background loop.
func (dw *DBWorker) Start() {
	go dw.run()
}

// Stop ends the loop, writing any scheduled snapshot first.
func (dw *DBWorker) Stop() {
	dw.cancel()
	<-dw.done
}

// Trigger schedules a save. It never blocks.
func (dw *DBWorker) Trigger() {
	select {
	case dw.kick <- struct{}{}:
	default:
	}
}

// Flush saves immediately.
func (dw *DBWorker) Flush(ctx context.Context) error {
	return dw.save(ctx)
}

// Saves returns the number of successful writes.
func (dw *DBWorker) Saves() int {
	dw.saveMu.Lock()
	defer dw.saveMu.Unlock()
	return dw.saves
}

func (dw *DBWorker) run() {
	defer close(dw.done)

	var (
		timer  *time.Timer
		timerC <-chan time.Time
		dirty  bool
	)
	for {
		select {
		case <-dw.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			select {
			case <-dw.kick:
				dirty = true
			default:
			}
			if dirty {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := dw.save(ctx); err != nil {
					dw.log.Error("final_snapshot_failed", "error", err)
				}
				cancel()
			}
			return
		case <-dw.kick:
			dirty = true
			if timerC == nil {
				timer = time.NewTimer(dw.delay)
				timerC = timer.C
			}
		case <-timerC:
			timerC = nil
			dirty = false
			if err := dw.save(dw.ctx); err != nil {
				dw.log.Error("snapshot_failed", "error", err)
			}
		}
	}
}

func (dw *DBWorker) save(ctx context.Context) error {
	dw.saveMu.Lock()
	defer dw.saveMu.Unlock()

	snap := dw.source()
	start := time.Now()
	if err := dw.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	dw.saves++
	dw.log.Debug("snapshot_saved",
		"downloads", len(snap.Downloads),
		"icons", len(snap.Icons),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}
