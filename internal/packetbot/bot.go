// Package packetbot drives the amulet activity at the wire level: it forges
// client requests, injects them into the live flow, and matches the server's
// responses back, with game-state preconditions so an out-of-phase command
// fails locally instead of poking the server.
package packetbot

import (
	"context"
	"fmt"
	"time"

	"github.com/shantenlens/backend/internal/gamestate"
	"github.com/shantenlens/backend/internal/liqi"
	"github.com/shantenlens/backend/internal/mitm"
)

// ActivityID is the amulet activity instance every request addresses.
const ActivityID = 250811

// DefaultTimeout bounds one inject round trip.
const DefaultTimeout = 3 * time.Second

// Result is the outcome of one driven operation. Reason is a stable
// machine-readable string; Resp carries the decoded response body on
// successful round trips (and on server-side refusals).
type Result struct {
	OK     bool
	Reason string
	Resp   map[string]any
}

func fail(reason string) Result { return Result{Reason: reason} }

// Injector is the slice of the interception layer the bot uses.
type Injector interface {
	InjectRequest(method string, body map[string]any, peerKey string) (*mitm.Waiter, uint16, error)
	PreferredPeer() (string, bool)
	Waiters() *mitm.WaiterRegistry
}

// StateView grants locked read access to the projected game state.
type StateView interface {
	View(fn func(*gamestate.State))
}

// Bot forges and injects activity requests over a live flow.
type Bot struct {
	inj     Injector
	state   StateView
	Timeout time.Duration
}

func New(inj Injector, state StateView) *Bot {
	return &Bot{inj: inj, state: state, Timeout: DefaultTimeout}
}

// Call injects one request and waits for its paired response.
func (b *Bot) Call(ctx context.Context, method string, body map[string]any, timeout time.Duration) Result {
	if b == nil || b.inj == nil {
		return fail("addon-or-flow-not-ready")
	}
	peer, ok := b.inj.PreferredPeer()
	if !ok {
		return fail("no-preferred-flow")
	}
	if timeout <= 0 {
		timeout = b.Timeout
	}
	w, msgID, err := b.inj.InjectRequest(method, body, peer)
	if err != nil {
		return fail(mitm.ReasonForError(err))
	}
	if !w.Wait(ctx, timeout) {
		b.inj.Waiters().Discard(msgID)
		return fail("timeout")
	}
	frame := b.inj.Waiters().Pop(msgID)
	if frame == nil {
		return fail("timeout")
	}
	resp := frame.Body
	if e := liqi.Map(resp, "error"); e != nil {
		if code := liqi.Int(e, "code", 0); code != 0 {
			return Result{Reason: fmt.Sprintf("error code: %d", code), Resp: resp}
		}
	}
	return Result{OK: true, Reason: "ok", Resp: resp}
}

func (b *Bot) activity(ctx context.Context, method string, extra map[string]any, timeout time.Duration) Result {
	body := map[string]any{"activityId": ActivityID}
	for k, v := range extra {
		body[k] = v
	}
	return b.Call(ctx, method, body, timeout)
}

// Heartbeat keeps the route alive while automation holds the session.
func (b *Bot) Heartbeat(ctx context.Context) Result {
	return b.Call(ctx, ".lq.Route.heartbeat", map[string]any{
		"delay":              100,
		"platform":           5,
		"networkQuality":     100,
		"noOperationCounter": 0,
	}, 0)
}

func (b *Bot) StartGame(ctx context.Context) Result {
	return b.activity(ctx, ".lq.Lobby.amuletActivityStartGame", nil, 0)
}

func (b *Bot) Giveup(ctx context.Context) Result {
	return b.activity(ctx, ".lq.Lobby.amuletActivityGiveup", nil, 0)
}

func (b *Bot) FetchActivityData(ctx context.Context) Result {
	return b.activity(ctx, ".lq.Lobby.fetchAmuletActivityData", nil, 0)
}

// SelectFreeEffect picks the starter amulet. Only legal in the free-pick
// stage and only for an offered candidate.
func (b *Bot) SelectFreeEffect(ctx context.Context, id int) Result {
	if r, ok := b.require(gamestate.StageFreeEffect, func(s *gamestate.State) string {
		if !candidateOffered(s, id) {
			return "unknown id"
		}
		return ""
	}); !ok {
		return r
	}
	return b.activity(ctx, ".lq.Lobby.amuletActivitySelectFreeEffect", map[string]any{"selectedId": id}, 0)
}

// SelectEffect picks an amulet from a bought pack; id 0 skips the pick.
func (b *Bot) SelectEffect(ctx context.Context, id int) Result {
	if r, ok := b.require(gamestate.StageSelectPack, func(s *gamestate.State) string {
		if id != 0 && !candidateOffered(s, id) {
			return "unknown id"
		}
		return ""
	}); !ok {
		return r
	}
	return b.activity(ctx, ".lq.Lobby.amuletActivitySelectPack", map[string]any{"id": id}, 0)
}

// SelectRewardEffect picks an amulet from the level reward pack; id 0 skips.
func (b *Bot) SelectRewardEffect(ctx context.Context, id int) Result {
	if r, ok := b.require(gamestate.StageRewardPack, func(s *gamestate.State) string {
		if id != 0 && !candidateOffered(s, id) {
			return "unknown id"
		}
		return ""
	}); !ok {
		return r
	}
	return b.activity(ctx, ".lq.Lobby.amuletActivitySelectRewardPack", map[string]any{"id": id}, 0)
}

// BuyPack buys one shop good by its listing id.
func (b *Bot) BuyPack(ctx context.Context, goodID int) Result {
	if r, ok := b.require(gamestate.StageShop, func(s *gamestate.State) string {
		for _, g := range s.Goods {
			if liqi.Int(g, "id", -1) != goodID {
				continue
			}
			if liqi.Bool(g, "sold", false) {
				return "unknown id"
			}
			if liqi.Int(g, "price", 0) > s.Coin {
				return "coin not enough"
			}
			return ""
		}
		return "unknown id"
	}); !ok {
		return r
	}
	return b.activity(ctx, ".lq.Lobby.amuletActivityBuy", map[string]any{"id": goodID}, 0)
}

func (b *Bot) RefreshShop(ctx context.Context) Result {
	if r, ok := b.require(gamestate.StageShop, func(s *gamestate.State) string {
		if s.Coin < s.RefreshPrice {
			return "coin not enough"
		}
		return ""
	}); !ok {
		return r
	}
	return b.activity(ctx, ".lq.Lobby.amuletActivityRefreshShop", nil, 0)
}

// SellEffect sells an owned amulet by uid. timeout <= 0 uses the default.
func (b *Bot) SellEffect(ctx context.Context, uid int, timeout time.Duration) Result {
	var reason string
	b.state.View(func(s *gamestate.State) {
		if !ownedUID(s, uid) {
			reason = "unknown id"
		}
	})
	if reason != "" {
		return fail(reason)
	}
	return b.activity(ctx, ".lq.Lobby.amuletActivitySellEffect", map[string]any{"id": uid}, timeout)
}

// SortEffect reorders the owned amulets. The requested order must be a
// permutation of the current uids; a no-op order never hits the wire.
func (b *Bot) SortEffect(ctx context.Context, sortedUID []int) Result {
	var reason string
	alreadySorted := false
	b.state.View(func(s *gamestate.State) {
		cur := ownedUIDs(s)
		switch {
		case len(cur) == 0:
			reason = "no-effects"
		case hasDuplicates(sortedUID):
			reason = "sorted_uid-has-duplicates"
		case !sameMultiset(cur, sortedUID):
			reason = "sorted_uid-mismatch-current-effects"
		case sameOrder(cur, sortedUID):
			alreadySorted = true
		}
	})
	if reason != "" {
		return fail(reason)
	}
	if alreadySorted {
		return Result{OK: true, Reason: "already sorted"}
	}
	return b.activity(ctx, ".lq.Lobby.amuletActivitySortEffect", map[string]any{"sortedUid": sortedUID}, 0)
}

func (b *Bot) EndShopping(ctx context.Context) Result {
	if r, ok := b.require(gamestate.StageShop, nil); !ok {
		return r
	}
	return b.activity(ctx, ".lq.Lobby.amuletActivityEndShopping", nil, 0)
}

// NextLevel confirms advancing past the level screen.
func (b *Bot) NextLevel(ctx context.Context) Result {
	if r, ok := b.require(gamestate.StageLevelConfirm, nil); !ok {
		return r
	}
	return b.activity(ctx, ".lq.Lobby.amuletActivityUpgrade", nil, 0)
}

func (b *Bot) OpDiscard(ctx context.Context, tileID int) Result {
	return b.operate(ctx, gamestate.OpDiscard, "discard", []int{tileID})
}

func (b *Bot) OpTsumo(ctx context.Context) Result {
	return b.operate(ctx, gamestate.OpTsumo, "tsumo", nil)
}

func (b *Bot) OpKan(ctx context.Context, tiles []int) Result {
	return b.operate(ctx, gamestate.OpKan, "kan", tiles)
}

// OpChange exchanges tiles in the swap phase; keep lists the hand tiles to
// retain.
func (b *Bot) OpChange(ctx context.Context, keep []int) Result {
	return b.operate(ctx, gamestate.OpReplace, "replace", keep)
}

func (b *Bot) OpSkipChange(ctx context.Context) Result {
	return b.operate(ctx, gamestate.OpSkipReplace, "skip_replace", nil)
}

func (b *Bot) operate(ctx context.Context, opType int, name string, tiles []int) Result {
	var allowed bool
	b.state.View(func(s *gamestate.State) { allowed = s.AllowsOperation(opType) })
	if !allowed {
		return fail("gamestate disallow " + name)
	}
	extra := map[string]any{"type": opType}
	if tiles != nil {
		extra["tileList"] = tiles
	}
	return b.activity(ctx, ".lq.Lobby.amuletActivityOperate", extra, 0)
}

// require gates an operation on the current stage plus an optional extra
// check run under the state lock. The extra check returns "" when satisfied.
func (b *Bot) require(stage int, check func(*gamestate.State) string) (Result, bool) {
	reason := ""
	b.state.View(func(s *gamestate.State) {
		if s.Stage != stage {
			reason = "in the illegal stage"
			return
		}
		if check != nil {
			reason = check(s)
		}
	})
	if reason != "" {
		return fail(reason), false
	}
	return Result{}, true
}

func candidateOffered(s *gamestate.State, id int) bool {
	for _, c := range s.CandidateEffectList {
		if liqi.Int(c, "id", -1) == id {
			return true
		}
	}
	return false
}

func ownedUID(s *gamestate.State, uid int) bool {
	for _, e := range s.EffectList {
		if liqi.Int(e, "uid", -1) == uid {
			return true
		}
	}
	return false
}

func ownedUIDs(s *gamestate.State) []int {
	out := make([]int, 0, len(s.EffectList))
	for _, e := range s.EffectList {
		out = append(out, liqi.Int(e, "uid", -1))
	}
	return out
}

func hasDuplicates(ids []int) bool {
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return true
		}
		seen[id] = true
	}
	return false
}

func sameMultiset(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[int]int, len(a))
	for _, v := range a {
		counts[v]++
	}
	for _, v := range b {
		counts[v]--
		if counts[v] < 0 {
			return false
		}
	}
	return true
}

func sameOrder(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
