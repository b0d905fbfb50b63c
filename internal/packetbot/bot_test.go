package packetbot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shantenlens/backend/internal/gamestate"
	"github.com/shantenlens/backend/internal/liqi"
	"github.com/shantenlens/backend/internal/mitm"
)

type injectCall struct {
	method string
	body   map[string]any
}

type fakeInjector struct {
	reg     *mitm.WaiterRegistry
	noPeer  bool
	nextID  uint16
	respond func(method string, body map[string]any) map[string]any // nil body → leave pending
	calls   []injectCall
}

func newFakeInjector() *fakeInjector {
	return &fakeInjector{reg: mitm.NewWaiterRegistry(), nextID: 50}
}

func (f *fakeInjector) PreferredPeer() (string, bool) {
	if f.noPeer {
		return "", false
	}
	return "client|server", true
}

func (f *fakeInjector) Waiters() *mitm.WaiterRegistry { return f.reg }

func (f *fakeInjector) InjectRequest(method string, body map[string]any, peerKey string) (*mitm.Waiter, uint16, error) {
	f.calls = append(f.calls, injectCall{method: method, body: body})
	f.nextID--
	id := f.nextID
	w, err := f.reg.Register(id)
	if err != nil {
		return nil, 0, err
	}
	if f.respond != nil {
		if resp := f.respond(method, body); resp != nil {
			f.reg.Resolve(id, &liqi.Frame{Kind: liqi.KindRes, MsgID: id, Method: method, Body: resp})
		}
	}
	return w, id, nil
}

type stateStub struct{ s *gamestate.State }

func (ss *stateStub) View(fn func(*gamestate.State)) { fn(ss.s) }

func okResponder(method string, body map[string]any) map[string]any {
	return map[string]any{}
}

func newBot(inj *fakeInjector, s *gamestate.State) *Bot {
	if s == nil {
		s = gamestate.NewState()
	}
	b := New(inj, &stateStub{s: s})
	b.Timeout = 100 * time.Millisecond
	return b
}

func TestCallSuccess(t *testing.T) {
	inj := newFakeInjector()
	inj.respond = func(method string, body map[string]any) map[string]any {
		return map[string]any{"data": map[string]any{"game": map[string]any{}}}
	}
	b := newBot(inj, nil)

	r := b.FetchActivityData(context.Background())
	require.True(t, r.OK)
	assert.Equal(t, "ok", r.Reason)
	assert.NotNil(t, liqi.Map(liqi.Map(r.Resp, "data"), "game"))
	require.Len(t, inj.calls, 1)
	assert.Equal(t, ".lq.Lobby.fetchAmuletActivityData", inj.calls[0].method)
	assert.Equal(t, ActivityID, inj.calls[0].body["activityId"])
}

func TestCallServerRefusal(t *testing.T) {
	inj := newFakeInjector()
	inj.respond = func(method string, body map[string]any) map[string]any {
		return map[string]any{"error": map[string]any{"code": int64(1004)}}
	}
	b := newBot(inj, nil)

	r := b.StartGame(context.Background())
	assert.False(t, r.OK)
	assert.Equal(t, "error code: 1004", r.Reason)
	assert.NotNil(t, r.Resp)
}

func TestCallWithoutFlow(t *testing.T) {
	inj := newFakeInjector()
	inj.noPeer = true
	b := newBot(inj, nil)

	r := b.StartGame(context.Background())
	assert.Equal(t, "no-preferred-flow", r.Reason)
}

func TestCallWithoutAddon(t *testing.T) {
	b := New(nil, &stateStub{s: gamestate.NewState()})
	r := b.StartGame(context.Background())
	assert.Equal(t, "addon-or-flow-not-ready", r.Reason)
}

func TestCallTimeoutDiscardsWaiter(t *testing.T) {
	inj := newFakeInjector() // respond nil: response never arrives
	b := newBot(inj, nil)

	r := b.StartGame(context.Background())
	assert.Equal(t, "timeout", r.Reason)
	assert.Equal(t, 0, inj.reg.Len())
}

func TestHeartbeatPayload(t *testing.T) {
	inj := newFakeInjector()
	inj.respond = okResponder
	b := newBot(inj, nil)

	r := b.Heartbeat(context.Background())
	require.True(t, r.OK)
	body := inj.calls[0].body
	assert.Equal(t, ".lq.Route.heartbeat", inj.calls[0].method)
	assert.Equal(t, 100, body["delay"])
	assert.Equal(t, 5, body["platform"])
	assert.Equal(t, 100, body["networkQuality"])
	assert.Equal(t, 0, body["noOperationCounter"])
}

func TestSelectFreeEffectGates(t *testing.T) {
	inj := newFakeInjector()
	inj.respond = okResponder
	s := gamestate.NewState()
	b := newBot(inj, s)

	s.Stage = gamestate.StagePlay
	assert.Equal(t, "in the illegal stage", b.SelectFreeEffect(context.Background(), 2300).Reason)

	s.Stage = gamestate.StageFreeEffect
	s.CandidateEffectList = []map[string]any{{"id": int64(2300)}}
	assert.Equal(t, "unknown id", b.SelectFreeEffect(context.Background(), 9999).Reason)

	r := b.SelectFreeEffect(context.Background(), 2300)
	require.True(t, r.OK)
	assert.Equal(t, ".lq.Lobby.amuletActivitySelectFreeEffect", inj.calls[0].method)
	assert.Equal(t, 2300, inj.calls[0].body["selectedId"])
}

func TestSelectEffectZeroSkips(t *testing.T) {
	inj := newFakeInjector()
	inj.respond = okResponder
	s := gamestate.NewState()
	s.Stage = gamestate.StageSelectPack
	b := newBot(inj, s)

	r := b.SelectEffect(context.Background(), 0)
	require.True(t, r.OK)
	assert.Equal(t, ".lq.Lobby.amuletActivitySelectPack", inj.calls[0].method)
	assert.Equal(t, 0, inj.calls[0].body["id"])
}

func TestBuyPackGates(t *testing.T) {
	inj := newFakeInjector()
	inj.respond = okResponder
	s := gamestate.NewState()
	s.Stage = gamestate.StageShop
	s.Coin = 10
	s.Goods = []map[string]any{
		{"id": int64(1), "goodsId": int64(100), "price": int64(8), "sold": false},
		{"id": int64(2), "goodsId": int64(101), "price": int64(20), "sold": false},
		{"id": int64(3), "goodsId": int64(102), "price": int64(5), "sold": true},
	}
	b := newBot(inj, s)
	ctx := context.Background()

	assert.Equal(t, "unknown id", b.BuyPack(ctx, 99).Reason)
	assert.Equal(t, "unknown id", b.BuyPack(ctx, 3).Reason)
	assert.Equal(t, "coin not enough", b.BuyPack(ctx, 2).Reason)

	r := b.BuyPack(ctx, 1)
	require.True(t, r.OK)
	assert.Equal(t, 1, inj.calls[0].body["id"])
}

func TestRefreshShopCoinGate(t *testing.T) {
	inj := newFakeInjector()
	inj.respond = okResponder
	s := gamestate.NewState()
	s.Stage = gamestate.StageShop
	s.Coin = 1
	s.RefreshPrice = 2
	b := newBot(inj, s)

	assert.Equal(t, "coin not enough", b.RefreshShop(context.Background()).Reason)

	s.Coin = 2
	assert.True(t, b.RefreshShop(context.Background()).OK)
}

func TestSellEffectUnknownUID(t *testing.T) {
	inj := newFakeInjector()
	inj.respond = okResponder
	s := gamestate.NewState()
	s.EffectList = []map[string]any{{"uid": int64(7)}}
	b := newBot(inj, s)

	assert.Equal(t, "unknown id", b.SellEffect(context.Background(), 8, 0).Reason)
	assert.True(t, b.SellEffect(context.Background(), 7, 0).OK)
}

func TestSortEffectGates(t *testing.T) {
	inj := newFakeInjector()
	inj.respond = okResponder
	s := gamestate.NewState()
	b := newBot(inj, s)
	ctx := context.Background()

	assert.Equal(t, "no-effects", b.SortEffect(ctx, []int{1}).Reason)

	s.EffectList = []map[string]any{{"uid": int64(1)}, {"uid": int64(2)}, {"uid": int64(3)}}
	assert.Equal(t, "sorted_uid-has-duplicates", b.SortEffect(ctx, []int{1, 1, 2}).Reason)
	assert.Equal(t, "sorted_uid-mismatch-current-effects", b.SortEffect(ctx, []int{1, 2, 4}).Reason)

	r := b.SortEffect(ctx, []int{1, 2, 3})
	assert.True(t, r.OK)
	assert.Equal(t, "already sorted", r.Reason)
	assert.Empty(t, inj.calls)

	r = b.SortEffect(ctx, []int{3, 1, 2})
	require.True(t, r.OK)
	assert.Equal(t, []int{3, 1, 2}, inj.calls[0].body["sortedUid"])
}

func TestOperateGating(t *testing.T) {
	inj := newFakeInjector()
	inj.respond = okResponder
	s := gamestate.NewState()
	b := newBot(inj, s)
	ctx := context.Background()

	assert.Equal(t, "gamestate disallow discard", b.OpDiscard(ctx, 12).Reason)
	assert.Equal(t, "gamestate disallow tsumo", b.OpTsumo(ctx).Reason)
	assert.Equal(t, "gamestate disallow replace", b.OpChange(ctx, []int{1}).Reason)

	s.NextOperation = []map[string]any{{"type": int64(gamestate.OpDiscard)}}
	r := b.OpDiscard(ctx, 12)
	require.True(t, r.OK)
	body := inj.calls[0].body
	assert.Equal(t, ".lq.Lobby.amuletActivityOperate", inj.calls[0].method)
	assert.Equal(t, gamestate.OpDiscard, body["type"])
	assert.Equal(t, []int{12}, body["tileList"])
}

func TestNextLevelStageGate(t *testing.T) {
	inj := newFakeInjector()
	inj.respond = okResponder
	s := gamestate.NewState()
	s.Stage = gamestate.StageShop
	b := newBot(inj, s)

	assert.Equal(t, "in the illegal stage", b.NextLevel(context.Background()).Reason)

	s.Stage = gamestate.StageLevelConfirm
	r := b.NextLevel(context.Background())
	require.True(t, r.OK)
	assert.Equal(t, ".lq.Lobby.amuletActivityUpgrade", inj.calls[0].method)
}
