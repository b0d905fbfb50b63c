package mitm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shantenlens/backend/internal/liqi"
)

type fakeConn struct {
	peer     string
	toClient [][]byte
	toServer [][]byte
	sendErr  error
}

func (f *fakeConn) PeerKey() string { return f.peer }

func (f *fakeConn) Send(toClient bool, data []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	if toClient {
		f.toClient = append(f.toClient, data)
	} else {
		f.toServer = append(f.toServer, data)
	}
	return nil
}

func buildReq(t *testing.T, schema *liqi.Schema, msgID uint16, method string, body map[string]any) []byte {
	t.Helper()
	raw, err := liqi.NewCodec(schema).BuildFrame(&liqi.Frame{
		Kind: liqi.KindReq, MsgID: msgID, Method: method, Body: body,
	})
	require.NoError(t, err)
	return raw
}

func buildRes(t *testing.T, schema *liqi.Schema, msgID uint16, method string, body map[string]any) []byte {
	t.Helper()
	raw, err := liqi.NewCodec(schema).BuildFrame(&liqi.Frame{
		Kind: liqi.KindRes, MsgID: msgID, Method: method, Body: body,
	})
	require.NoError(t, err)
	return raw
}

func TestHandleMessagePassForwardsUnchanged(t *testing.T) {
	schema := liqi.DefaultSchema()
	a := NewAddon(schema, nil)
	conn := &fakeConn{peer: "1.2.3.4|5.6.7.8"}
	a.FlowOpened(conn)

	raw := buildReq(t, schema, 10, ".lq.Lobby.amuletActivityGiveup", map[string]any{"activityId": 250811})
	out, forward := a.HandleMessage(conn, raw, true)
	assert.True(t, forward)
	assert.Equal(t, raw, out)
}

func TestHandleMessageSubscribersSeeEveryFrame(t *testing.T) {
	schema := liqi.DefaultSchema()
	a := NewAddon(schema, nil)
	conn := &fakeConn{peer: "a|b"}
	a.FlowOpened(conn)

	var seen []string
	a.Subscribe(func(f *liqi.Frame) { seen = append(seen, f.Method) })
	a.Subscribe(func(f *liqi.Frame) { panic("bad subscriber") })

	raw := buildReq(t, schema, 1, ".lq.Route.heartbeat", map[string]any{"delay": 100})
	_, forward := a.HandleMessage(conn, raw, true)
	assert.True(t, forward)
	assert.Equal(t, []string{".lq.Route.heartbeat"}, seen)
}

func TestHandleMessageModifyRewritesFrame(t *testing.T) {
	schema := liqi.DefaultSchema()
	a := NewAddon(schema, nil)
	conn := &fakeConn{peer: "a|b"}
	a.FlowOpened(conn)

	a.OnOutbound = func(f *liqi.Frame) Verdict {
		body := map[string]any{"activityId": 111}
		return Verdict{Action: Modify, Body: body}
	}

	raw := buildReq(t, schema, 2, ".lq.Lobby.amuletActivityGiveup", map[string]any{"activityId": 250811})
	out, forward := a.HandleMessage(conn, raw, true)
	require.True(t, forward)
	require.NotEqual(t, raw, out)

	f, err := liqi.NewCodec(schema).ParseFrame(out, true)
	require.NoError(t, err)
	assert.Equal(t, int64(111), f.Body["activityId"])
	assert.Equal(t, uint16(2), f.MsgID)
}

func TestHandleMessageDropStillResolvesWaiter(t *testing.T) {
	schema := liqi.DefaultSchema()
	a := NewAddon(schema, nil)
	conn := &fakeConn{peer: "a|b"}
	a.FlowOpened(conn)

	// client request establishes the pairing
	req := buildReq(t, schema, 20, ".lq.Lobby.amuletActivityGiveup", map[string]any{"activityId": 250811})
	_, _ = a.HandleMessage(conn, req, true)

	w, err := a.Waiters().Register(20)
	require.NoError(t, err)

	a.OnInbound = func(f *liqi.Frame) Verdict { return Verdict{Action: Drop} }
	res := buildRes(t, schema, 20, ".lq.Lobby.amuletActivityGiveup", map[string]any{})
	out, forward := a.HandleMessage(conn, res, false)
	assert.False(t, forward)
	assert.Nil(t, out)

	require.True(t, w.Wait(context.Background(), time.Second))
	got := a.Waiters().Pop(20)
	require.NotNil(t, got)
	assert.Equal(t, ".lq.Lobby.amuletActivityGiveup", got.Method)
}

func TestHandleMessageHookPanicDegradesToPass(t *testing.T) {
	schema := liqi.DefaultSchema()
	a := NewAddon(schema, nil)
	conn := &fakeConn{peer: "a|b"}
	a.FlowOpened(conn)

	a.OnOutbound = func(f *liqi.Frame) Verdict { panic("hook bug") }
	raw := buildReq(t, schema, 3, ".lq.Lobby.amuletActivityGiveup", map[string]any{"activityId": 250811})
	out, forward := a.HandleMessage(conn, raw, true)
	assert.True(t, forward)
	assert.Equal(t, raw, out)
}

func TestHandleMessageUnparseableForwards(t *testing.T) {
	a := NewAddon(liqi.DefaultSchema(), nil)
	conn := &fakeConn{peer: "a|b"}
	a.FlowOpened(conn)

	raw := []byte{0xFF, 0x01, 0x02}
	out, forward := a.HandleMessage(conn, raw, true)
	assert.True(t, forward)
	assert.Equal(t, raw, out)
}

func TestHookInjectGoesOutAfterFrame(t *testing.T) {
	schema := liqi.DefaultSchema()
	a := NewAddon(schema, nil)
	conn := &fakeConn{peer: "a|b"}
	a.FlowOpened(conn)

	a.OnInbound = func(f *liqi.Frame) Verdict {
		return Verdict{Inject: []*liqi.Frame{{
			Kind:   liqi.KindNotify,
			Method: ".lq.NotifyAmuletActivityChange",
			Body:   map[string]any{"activityId": 250811, "stage": 4},
		}}}
	}

	// any server frame triggers the hook; use a notify
	notify, err := liqi.NewCodec(schema).BuildFrame(&liqi.Frame{
		Kind: liqi.KindNotify, Method: ".lq.NotifyAmuletActivityChange",
		Body: map[string]any{"activityId": 1, "stage": 1},
	})
	require.NoError(t, err)

	_, forward := a.HandleMessage(conn, notify, false)
	assert.True(t, forward)
	require.Len(t, conn.toClient, 1)

	f, err := liqi.NewCodec(schema).ParseFrame(conn.toClient[0], false)
	require.NoError(t, err)
	assert.Equal(t, int64(4), f.Body["stage"])
}

func TestPreferredFlowFollowsMarkerTraffic(t *testing.T) {
	schema := liqi.DefaultSchema()
	a := NewAddon(schema, nil)
	lobby := &fakeConn{peer: "c|lobby"}
	game := &fakeConn{peer: "c|game"}
	a.FlowOpened(lobby)
	a.FlowOpened(game)

	_, ok := a.PreferredPeer()
	assert.False(t, ok)

	hb := buildReq(t, schema, 1, ".lq.Route.heartbeat", map[string]any{"delay": 100})
	a.HandleMessage(lobby, hb, true)
	_, ok = a.PreferredPeer()
	assert.False(t, ok)

	marker := buildReq(t, schema, 2, ".lq.Lobby.fetchAmuletActivityData", map[string]any{"activityId": 250811})
	a.HandleMessage(game, marker, true)
	peer, ok := a.PreferredPeer()
	require.True(t, ok)
	assert.Equal(t, "c|game", peer)

	// injects without an explicit peer target the preferred flow
	_, _, err := a.InjectRequest(".lq.Lobby.amuletActivityGiveup", map[string]any{"activityId": 250811}, "")
	require.NoError(t, err)
	assert.Len(t, game.toServer, 1)
	assert.Empty(t, lobby.toServer)
}

func TestInjectRequestRegistersWaiterBeforeSend(t *testing.T) {
	schema := liqi.DefaultSchema()
	a := NewAddon(schema, nil)
	conn := &fakeConn{peer: "a|b"}
	a.FlowOpened(conn)

	// client id counter at 100
	req := buildReq(t, schema, 100, ".lq.Lobby.amuletActivityGiveup", map[string]any{"activityId": 250811})
	a.HandleMessage(conn, req, true)

	w, msgID, err := a.InjectRequest(".lq.Lobby.amuletActivityStartGame", map[string]any{"activityId": 250811}, "")
	require.NoError(t, err)
	assert.Equal(t, uint16(99), msgID)
	require.Len(t, conn.toServer, 1)

	// server responds; the relay path resolves the waiter
	res := buildRes(t, schema, msgID, ".lq.Lobby.amuletActivityStartGame", map[string]any{})
	_, forward := a.HandleMessage(conn, res, false)
	assert.True(t, forward)
	require.True(t, w.Wait(context.Background(), time.Second))

	got := a.Waiters().Pop(msgID)
	require.NotNil(t, got)
	assert.Equal(t, ".lq.Lobby.amuletActivityStartGame", got.Method)
	assert.False(t, got.Opaque())
}

func TestInjectRequestFailureReasons(t *testing.T) {
	schema := liqi.DefaultSchema()

	t.Run("no flow", func(t *testing.T) {
		a := NewAddon(schema, nil)
		_, _, err := a.InjectRequest(".lq.Lobby.amuletActivityGiveup", nil, "")
		assert.ErrorIs(t, err, ErrNoActiveFlow)
		assert.Equal(t, "no-active-flow", ReasonForError(err))
	})

	t.Run("closed addon", func(t *testing.T) {
		a := NewAddon(schema, nil)
		a.FlowOpened(&fakeConn{peer: "a|b"})
		a.Close()
		_, _, err := a.InjectRequest(".lq.Lobby.amuletActivityGiveup", nil, "")
		assert.ErrorIs(t, err, ErrNotRunning)
		assert.Equal(t, "no-master-loop", ReasonForError(err))
	})

	t.Run("unknown method", func(t *testing.T) {
		a := NewAddon(schema, nil)
		a.FlowOpened(&fakeConn{peer: "a|b"})
		_, _, err := a.InjectRequest(".lq.Lobby.noSuchThing", nil, "")
		var be *BuildFrameError
		require.ErrorAs(t, err, &be)
		assert.Contains(t, ReasonForError(err), "build-frame-failed:")
		assert.Equal(t, 0, a.Waiters().Len())
	})

	t.Run("send failure discards waiter", func(t *testing.T) {
		a := NewAddon(schema, nil)
		conn := &fakeConn{peer: "a|b", sendErr: errors.New("pipe broken")}
		a.FlowOpened(conn)
		_, _, err := a.InjectRequest(".lq.Lobby.amuletActivityGiveup", map[string]any{"activityId": 1}, "")
		var se *SendError
		require.ErrorAs(t, err, &se)
		assert.Contains(t, ReasonForError(err), "inject-failed:")
		assert.Equal(t, 0, a.Waiters().Len())
	})
}

func TestFlowClosedClearsPreferred(t *testing.T) {
	schema := liqi.DefaultSchema()
	a := NewAddon(schema, nil)
	conn := &fakeConn{peer: "a|b"}
	a.FlowOpened(conn)

	marker := buildReq(t, schema, 1, ".lq.Lobby.fetchAmuletActivityData", map[string]any{"activityId": 250811})
	a.HandleMessage(conn, marker, true)
	_, ok := a.PreferredPeer()
	require.True(t, ok)

	a.FlowClosed(conn)
	_, ok = a.PreferredPeer()
	assert.False(t, ok)

	_, _, err := a.InjectRequest(".lq.Lobby.amuletActivityGiveup", nil, "")
	assert.ErrorIs(t, err, ErrNoActiveFlow)
}
