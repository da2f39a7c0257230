package download

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSnapshotStore struct {
	mock.Mock
}

func (m *mockSnapshotStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	args := m.Called(ctx, snap)
	return args.Error(0)
}

func TestDBWorker_CoalescesTriggers(t *testing.T) {
	store := &mockSnapshotStore{}
	store.On("SaveSnapshot", mock.Anything, mock.Anything).Return(nil)

	var built atomic.Int32
	source := func() Snapshot {
		built.Add(1)
		return Snapshot{Downloads: []Download{{ID: 1}}}
	}
	dw := NewDBWorker(store, source, 50*time.Millisecond, nil)
	dw.Start()

	for i := 0; i < 20; i++ {
		dw.Trigger()
	}
	require.Eventually(t, func() bool { return dw.Saves() == 1 }, 2*time.Second, 10*time.Millisecond)

	dw.Stop()
	require.Equal(t, 1, dw.Saves(), "nothing scheduled at stop")
	require.Equal(t, int32(1), built.Load())
	store.AssertNumberOfCalls(t, "SaveSnapshot", 1)
}

func TestDBWorker_StopFlushesScheduled(t *testing.T) {
	store := &mockSnapshotStore{}
	store.On("SaveSnapshot", mock.Anything, mock.Anything).Return(nil)

	dw := NewDBWorker(store, func() Snapshot { return Snapshot{} }, time.Hour, nil)
	dw.Start()
	dw.Trigger()
	dw.Stop()

	require.Equal(t, 1, dw.Saves())
	store.AssertExpectations(t)
}

func TestDBWorker_FlushReportsError(t *testing.T) {
	store := &mockSnapshotStore{}
	store.On("SaveSnapshot", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	dw := NewDBWorker(store, func() Snapshot { return Snapshot{} }, 0, nil)
	err := dw.Flush(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")
	require.Equal(t, 0, dw.Saves())
}

func TestManagerPersistsThroughWorker(t *testing.T) {
	store := &mockSnapshotStore{}
	store.On("SaveSnapshot", mock.Anything, mock.Anything).Return(nil)

	m := NewManager(Options{Store: store, SaveDelay: 10 * time.Millisecond})
	m.Start()
	m.Restore(Snapshot{Downloads: []Download{{ID: 7, State: StatePaused, Filename: "x"}}})
	require.NoError(t, m.RequestURLChange(7))
	require.NoError(t, m.Remove(7, false))
	m.Restore(Snapshot{Downloads: []Download{{ID: 8, State: StateDownloading, Filename: "y"}}})
	require.NoError(t, m.Flush(context.Background()))
	require.NoError(t, m.Close())

	require.NotEmpty(t, store.Calls)
	last := store.Calls[len(store.Calls)-1].Arguments.Get(1).(Snapshot)
	require.Len(t, last.Downloads, 1)
	require.Equal(t, int64(8), last.Downloads[0].ID)
	require.Equal(t, StatePaused, last.Downloads[0].State)
}
