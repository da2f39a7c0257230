package server

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dman/internal/download"
)

func dialUI(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/ui"
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readUI(t *testing.T, ws *websocket.Conn) uiMessage {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg uiMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestPresenter_ReplayAndUpdates(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ws := dialUI(t, ts)

	// Attach replays oldest first so the client can prepend.
	var ids []int64
	for i := 0; i < 3; i++ {
		msg := readUI(t, ws)
		require.Equal(t, MsgAdd, msg.Type)
		require.NotNil(t, msg.View)
		ids = append(ids, msg.ID)
	}
	assert.Equal(t, []int64{1, 2, 3}, ids)
	assert.Eventually(t, env.srv.presenter.Attached, time.Second, 10*time.Millisecond)

	require.NoError(t, env.mgr.RequestURLChange(3))
	msg := readUI(t, ws)
	assert.Equal(t, MsgUpdate, msg.Type)
	assert.Equal(t, int64(3), msg.ID)
	assert.Equal(t, download.StateAwaitingURL, msg.View.State)
	assert.Equal(t, "HTTP 404", msg.View.Error)

	require.NoError(t, env.mgr.Remove(1, false))
	msg = readUI(t, ws)
	assert.Equal(t, MsgFinishRemove, msg.Type)
	assert.Equal(t, []int64{1}, msg.IDs)
}

func TestPresenter_NewClientReplacesOld(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	first := dialUI(t, ts)
	for i := 0; i < 3; i++ {
		readUI(t, first)
	}

	second := dialUI(t, ts)
	for i := 0; i < 3; i++ {
		assert.Equal(t, MsgAdd, readUI(t, second).Type)
	}

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, closeReplaced), "unexpected close: %v", err)

	// Only the newest client sees later changes.
	require.NoError(t, env.mgr.Remove(3, false))
	msg := readUI(t, second)
	assert.Equal(t, MsgFinishRemove, msg.Type)
	assert.Equal(t, []int64{3}, msg.IDs)
}

func TestPresenter_DetachOnDisconnect(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ws := dialUI(t, ts)
	readUI(t, ws)
	require.True(t, env.srv.presenter.Attached())

	_ = ws.Close()
	assert.Eventually(t, func() bool { return !env.srv.presenter.Attached() }, 2*time.Second, 10*time.Millisecond)
}

func TestUIClient_CoalescesUpdates(t *testing.T) {
	c := newUIClient(nil, nil, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d := download.Download{ID: 7, State: download.StateDownloading, Filename: "x.bin", Progress: &download.Progress{Percent: 10}}
	c.Add(d)
	c.Update(d)
	d.Progress = &download.Progress{Percent: 30}
	c.Update(d)
	c.FinishRemove([]int64{7})

	batch := c.drain()
	require.Len(t, batch, 3)
	assert.Equal(t, MsgAdd, batch[0].Type)
	assert.Equal(t, MsgUpdate, batch[1].Type)
	assert.Equal(t, float64(30), batch[1].View.Percent)
	assert.Equal(t, MsgFinishRemove, batch[2].Type)
	assert.Empty(t, c.drain())
}
