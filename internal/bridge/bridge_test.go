package bridge

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/plysync/pkg/types"
)

type recordingSink struct {
	mu      sync.Mutex
	feeds   []string
	feedAt  []time.Time
	visuals []time.Time
	states  []types.ChannelState
	games   []string
}

func (r *recordingSink) OnFeed(raw []byte, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds = append(r.feeds, string(raw))
	r.feedAt = append(r.feedAt, at)
}

func (r *recordingSink) OnVisualChange(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visuals = append(r.visuals, at)
}

func (r *recordingSink) OnChannelState(s types.ChannelState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recordingSink) OnNewGame(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.games = append(r.games, id)
}

func (r *recordingSink) lastState() (types.ChannelState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return 0, false
	}
	return r.states[len(r.states)-1], true
}

func setupBridge(t *testing.T) (*Server, *recordingSink, *websocket.Conn) {
	t.Helper()
	sink := &recordingSink{}
	srv := New(DefaultConfig(), sink)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello["t"])
	assert.NotEmpty(t, hello["session"])
	return srv, sink, conn
}

func TestChannelStateFollowsCompanion(t *testing.T) {
	sink := &recordingSink{}
	srv := New(DefaultConfig(), sink)
	assert.Equal(t, types.ChannelClosed, srv.State(), "no companion")

	srv, sink, conn := setupBridge(t)
	assert.Equal(t, types.ChannelConnecting, srv.State())
	assert.NotEmpty(t, srv.Session())

	require.NoError(t, conn.WriteJSON(map[string]any{"t": "socket", "state": 1}))
	require.Eventually(t, func() bool { return srv.State() == types.ChannelOpen }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{"t": "socket", "state": "closing"}))
	require.Eventually(t, func() bool { return srv.State() == types.ChannelClosing }, time.Second, 5*time.Millisecond)

	_ = conn.Close()
	require.Eventually(t, func() bool {
		s, ok := sink.lastState()
		return ok && s == types.ChannelClosed && srv.State() == types.ChannelClosed
	}, time.Second, 5*time.Millisecond)
}

func TestRelaysFeedAndMutations(t *testing.T) {
	_, sink, conn := setupBridge(t)

	require.NoError(t, conn.WriteJSON(map[string]any{"t": "mutation", "at": 1_700_000_000_100}))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"t":    "feed",
		"at":   1_700_000_000_260,
		"data": map[string]any{"t": "move", "v": 3, "d": map[string]any{"fen": "8/8/8/8/8/8/8/8"}},
	}))
	require.NoError(t, conn.WriteJSON(map[string]any{"t": "feed", "data": `{"t":"move","v":4}`}))
	require.NoError(t, conn.WriteJSON(map[string]any{"t": "game", "id": "abcd1234"}))

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.games) == 1
	}, time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.visuals, 1)
	assert.Equal(t, time.UnixMilli(1_700_000_000_100), sink.visuals[0])
	require.Len(t, sink.feeds, 2)
	assert.JSONEq(t, `{"t":"move","v":3,"d":{"fen":"8/8/8/8/8/8/8/8"}}`, sink.feeds[0])
	assert.Equal(t, time.UnixMilli(1_700_000_000_260), sink.feedAt[0])
	assert.Equal(t, `{"t":"move","v":4}`, sink.feeds[1], "string relay is unwrapped")
	assert.False(t, sink.feedAt[1].IsZero(), "missing stamp falls back to local time")
	assert.Equal(t, []string{"abcd1234"}, sink.games)
}

func TestMistypedFramesKeepCompanion(t *testing.T) {
	srv, sink, conn := setupBridge(t)
	require.NoError(t, conn.WriteJSON(map[string]any{"t": "socket", "state": "open"}))
	require.Eventually(t, func() bool { return srv.State() == types.ChannelOpen }, time.Second, 5*time.Millisecond)

	for _, frame := range []string{
		`{"t":"mutation","at":1712345678901.5}`,
		`{"t":"game","id":42}`,
		`{"t":"feed","at":"soon"}`,
		`not json`,
	} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	}
	require.NoError(t, conn.WriteJSON(map[string]any{"t": "game", "id": "after"}))

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.games) == 1
	}, time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"after"}, sink.games)
	assert.Empty(t, sink.visuals)
	assert.Equal(t, types.ChannelOpen, srv.State(), "companion still attached")
}

func TestSendRequiresOpenSocket(t *testing.T) {
	sink := &recordingSink{}
	assert.ErrorIs(t, New(DefaultConfig(), sink).Send("e2e4"), ErrNoClient)

	srv, _, conn := setupBridge(t)
	assert.ErrorIs(t, srv.Send("e2e4"), ErrNotOpen)

	require.NoError(t, conn.WriteJSON(map[string]any{"t": "socket", "state": "open"}))
	require.Eventually(t, func() bool { return srv.State() == types.ChannelOpen }, time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Send("e2e4"))

	var frame struct {
		T string `json:"t"`
		D struct {
			U string `json:"u"`
			B int    `json:"b"`
			L int64  `json:"l"`
			A int    `json:"a"`
		} `json:"d"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "move", frame.T)
	assert.Equal(t, "e2e4", frame.D.U)
	assert.Equal(t, 1, frame.D.B)
	assert.Equal(t, 1, frame.D.A)
	assert.GreaterOrEqual(t, frame.D.L, int64(40))
	assert.LessOrEqual(t, frame.D.L, int64(90))
}

func TestNewCompanionReplacesOld(t *testing.T) {
	sink := &recordingSink{}
	srv := New(DefaultConfig(), sink)
	ts := httptest.NewServer(srv)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer first.Close()
	var hello map[string]any
	require.NoError(t, first.ReadJSON(&hello))
	firstSession := srv.Session()

	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.ReadJSON(&hello))

	assert.NotEqual(t, firstSession, srv.Session())
	assert.Equal(t, hello["session"], srv.Session())

	// The old connection was closed by the server.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = first.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, types.ChannelConnecting, srv.State(), "old detach does not clobber the new client")
}
