package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingBackend struct {
	mu      sync.Mutex
	shown   map[string]string
	cleared []string
	fail    bool
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{shown: make(map[string]string)}
}

func (b *recordingBackend) Show(ctx context.Context, key, title, body string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("no browser")
	}
	b.shown[key] = title + ": " + body
	return nil
}

func (b *recordingBackend) Clear(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.shown, key)
	b.cleared = append(b.cleared, key)
	return nil
}

func (b *recordingBackend) get(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.shown[key]
	return v, ok
}

func (b *recordingBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.shown)
}

func TestNotifyReplacesByKey(t *testing.T) {
	b := newRecordingBackend()
	d := NewDispatcher(b, nil, nil)
	defer d.Close()

	d.Notify("Download started", "a.zip", "session-1", 0)
	d.Notify("Download complete", "a.zip", "session-1", 0)

	got, ok := b.get("session-1")
	require.True(t, ok)
	require.Equal(t, "Download complete: a.zip", got)
	require.Equal(t, 1, d.Active())
}

func TestNotifyAutoClears(t *testing.T) {
	b := newRecordingBackend()
	d := NewDispatcher(b, nil, nil)
	defer d.Close()

	d.Notify("Engine error", "boom", "engine", 20*time.Millisecond)
	_, ok := b.get("engine")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := b.get("engine")
		return !ok
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, d.Active())
}

func TestReplacementKeepsNewTimeout(t *testing.T) {
	b := newRecordingBackend()
	d := NewDispatcher(b, nil, nil)
	defer d.Close()

	d.Notify("first", "", "k", 20*time.Millisecond)
	d.Notify("second", "", "k", 0)

	time.Sleep(60 * time.Millisecond)
	got, ok := b.get("k")
	require.True(t, ok, "old timer must not clear the replacement")
	require.Equal(t, "second: ", got)
}

func TestFallbackOnPrimaryError(t *testing.T) {
	primary := newRecordingBackend()
	primary.fail = true
	fallback := newRecordingBackend()
	d := NewDispatcher(primary, fallback, nil)
	defer d.Close()

	d.Notify("title", "body", "", 0)
	require.Equal(t, 0, primary.count())
	require.Equal(t, 1, fallback.count())
}

func TestClear(t *testing.T) {
	b := newRecordingBackend()
	d := NewDispatcher(b, LogBackend{}, nil)
	defer d.Close()

	d.Notify("t", "b", "x", time.Hour)
	d.Clear("x")
	_, ok := b.get("x")
	require.False(t, ok)
	require.Equal(t, 0, d.Active())

	d.Clear("never-shown")
}
