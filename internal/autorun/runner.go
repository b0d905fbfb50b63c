// Package autorun grinds the amulet activity unattended: it probes session
// readiness, then loops a per-stage strategy (pick, swap, discard toward
// pure-pinzu suu ankou, shop) until the configured collection targets are
// met, with status pushes and optional email notification.
package autorun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shantenlens/backend/internal/gamestate"
	"github.com/shantenlens/backend/internal/liqi"
	"github.com/shantenlens/backend/internal/packetbot"
)

// Run modes.
const (
	ModeContinuous = "continuous"
	ModeStep       = "step"
)

const (
	heartbeatInterval = time.Second
	tickLeadDelay     = 100 * time.Millisecond

	opRetryInterval = 3 * time.Second
	opRetryTimeout  = 3000 * time.Second

	sortRetryInterval = 300 * time.Millisecond
	sortRetryTimeout  = 10 * time.Second

	sellRetryTimeout = 30 * time.Second
)

const notProbedReason = "未探测，请点击“刷新状态”"

// BotAPI is the packet-bot surface the runner drives.
type BotAPI interface {
	StartGame(ctx context.Context) packetbot.Result
	Giveup(ctx context.Context) packetbot.Result
	FetchActivityData(ctx context.Context) packetbot.Result
	SelectFreeEffect(ctx context.Context, id int) packetbot.Result
	SelectEffect(ctx context.Context, id int) packetbot.Result
	SelectRewardEffect(ctx context.Context, id int) packetbot.Result
	BuyPack(ctx context.Context, goodID int) packetbot.Result
	RefreshShop(ctx context.Context) packetbot.Result
	SellEffect(ctx context.Context, uid int, timeout time.Duration) packetbot.Result
	SortEffect(ctx context.Context, sortedUID []int) packetbot.Result
	EndShopping(ctx context.Context) packetbot.Result
	NextLevel(ctx context.Context) packetbot.Result
	OpDiscard(ctx context.Context, tileID int) packetbot.Result
	OpTsumo(ctx context.Context) packetbot.Result
	OpChange(ctx context.Context, keep []int) packetbot.Result
	OpSkipChange(ctx context.Context) packetbot.Result
}

// StateView grants locked reads of the projected game state.
type StateView interface {
	View(fn func(*gamestate.State))
}

// FlowStatus reports whether an inject-capable flow is attached.
type FlowStatus interface {
	PreferredPeer() (string, bool)
}

// Options wires a Runner to its collaborators.
type Options struct {
	Bot       BotAPI
	State     StateView
	Flows     FlowStatus
	Config    func() map[string]any // autorun config table values
	Rarity    rarityValue
	Broadcast func(status map[string]any) // status push, may be nil
	Mail      mailFunc                    // nil → real SMTP
}

// Runner is the automation state machine.
type Runner struct {
	bot       BotAPI
	state     StateView
	flows     FlowStatus
	cfgFn     func() map[string]any
	rarity    rarityValue
	broadcast func(map[string]any)
	mail      mailFunc

	mu            sync.Mutex
	mode          string
	running       bool
	startedAt     int64 // wall clock ms
	startedMono   time.Time
	elapsedMS     int64
	runs          int
	bestAchieved  int
	currentStep   string
	lastError     string
	needStartGame bool

	probeAt        int64
	probeOK        *bool
	probeReason    string
	probeResp      map[string]any
	readyReason    string
	readyCode      string
	probeFailCount int

	endCount    int
	targets     []Target
	opInterval  time.Duration
	cutoffLevel int
	email       EmailSettings

	loopCancel context.CancelFunc
	hbCancel   context.CancelFunc
}

func NewRunner(opts Options) *Runner {
	r := &Runner{
		bot:         opts.Bot,
		state:       opts.State,
		flows:       opts.Flows,
		cfgFn:       opts.Config,
		rarity:      opts.Rarity,
		broadcast:   opts.Broadcast,
		mail:        opts.Mail,
		mode:        ModeContinuous,
		currentStep: "-",
		readyReason: notProbedReason,
		readyCode:   CodeNotProbed,
	}
	if r.mail == nil {
		r.mail = sendEmail
	}
	r.reloadConfig()
	return r
}

// UpdateConfig re-reads the autorun config table.
func (r *Runner) UpdateConfig() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloadConfig()
}

func (r *Runner) reloadConfig() {
	var cfg map[string]any
	if r.cfgFn != nil {
		cfg = r.cfgFn()
	}
	r.endCount = liqi.Int(cfg, "end_count", 1)
	if r.endCount < 1 {
		r.endCount = 1
	}
	r.targets = parseTargets(liqi.List(cfg, "targets"))
	ivMS := liqi.Int(cfg, "op_interval_ms", 1000)
	if ivMS < 1 {
		ivMS = 1
	}
	r.opInterval = time.Duration(ivMS) * time.Millisecond
	r.cutoffLevel = liqi.Int(cfg, "cutoff_level", 0)
	r.email = parseEmailSettings(liqi.Map(cfg, "email_notify"))
}

// InvalidateProbe drops the cached probe result, e.g. after the upstream
// flow went away.
func (r *Runner) InvalidateProbe() {
	r.mu.Lock()
	r.probeAt = 0
	r.probeOK = nil
	r.probeReason = ""
	r.probeResp = nil
	r.readyReason = notProbedReason
	r.readyCode = CodeNotProbed
	r.probeFailCount = 0
	r.mu.Unlock()
}

// RefreshProbe performs a readiness probe right now and reclassifies the
// ready flags from its outcome.
func (r *Runner) RefreshProbe(ctx context.Context, push bool) packetbot.Result {
	var res packetbot.Result
	if r.bot == nil {
		res = packetbot.Result{Reason: "PACKET_BOT missing"}
	} else {
		res = r.bot.FetchActivityData(ctx)
	}

	r.mu.Lock()
	ok := res.OK
	r.probeAt = nowMS()
	r.probeOK = &ok
	r.probeReason = res.Reason
	r.probeResp = res.Resp
	r.recomputeReadyLocked()
	if r.readyCode != CodeReady {
		r.probeFailCount++
	}
	r.mu.Unlock()

	if push {
		r.broadcastStatus()
	}
	return res
}

// recomputeReadyLocked folds the last probe into the ready flags. A
// business refusal still proves the pipeline, so it counts as ready.
func (r *Runner) recomputeReadyLocked() {
	if r.probeOK == nil {
		r.readyReason = notProbedReason
		r.readyCode = CodeNotProbed
		return
	}
	if *r.probeOK {
		r.readyReason = ""
		r.readyCode = CodeReady
		r.probeFailCount = 0
		return
	}
	code := classifyProbeFailure(r.probeReason)
	if code == CodeBusinessRefused {
		r.readyReason = ""
		r.readyCode = CodeReady
		r.probeFailCount = 0
		return
	}
	r.readyReason = r.probeReason
	if r.readyReason == "" {
		r.readyReason = "unknown"
	}
	if code == "" {
		code = CodeProbeTimeout
	}
	r.readyCode = code
}

// IsGameReady reports whether the last probe proved a workable session.
func (r *Runner) IsGameReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recomputeReadyLocked()
	return r.readyCode == CodeReady
}

// HasLiveGame reports whether the last probe saw a run in progress.
func (r *Runner) HasLiveGame() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return liqi.Map(liqi.Map(r.probeResp, "data"), "game") != nil
}

// SetMode switches between continuous and single-step operation. Switching
// to step while the loop runs stops the loop but keeps the run live.
func (r *Runner) SetMode(mode string) {
	if mode != ModeContinuous && mode != ModeStep {
		return
	}
	r.mu.Lock()
	r.mode = mode
	if mode == ModeStep && r.loopCancel != nil {
		r.loopCancel()
		r.loopCancel = nil
	}
	r.mu.Unlock()
	r.broadcastStatus()
}

func (r *Runner) Mode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start arms the runner: counters reset, the next tick starts a fresh game,
// and in continuous mode the main loop spins up.
func (r *Runner) Start(ctx context.Context) error {
	if !r.IsGameReady() {
		r.mu.Lock()
		reason := r.readyReason
		r.mu.Unlock()
		if reason == "" {
			reason = "未就绪"
		}
		return errors.New(reason)
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.reloadConfig()
	r.running = true
	r.elapsedMS = 0
	r.startedAt = nowMS()
	r.startedMono = time.Now()
	r.currentStep = "init"
	r.lastError = ""
	r.runs = 0
	r.bestAchieved = 0
	r.needStartGame = true

	if r.hbCancel != nil {
		r.hbCancel()
	}
	hbCtx, hbCancel := context.WithCancel(ctx)
	r.hbCancel = hbCancel
	go r.heartbeatLoop(hbCtx)

	if r.mode == ModeContinuous {
		if r.loopCancel != nil {
			r.loopCancel()
		}
		loopCtx, loopCancel := context.WithCancel(ctx)
		r.loopCancel = loopCancel
		go r.mainLoop(loopCtx)
	}
	r.mu.Unlock()

	r.broadcastStatus()
	slog.Info("autorun started", "mode", r.Mode())
	return nil
}

// Stop halts the run, freezing the elapsed clock. finalStep, when set,
// stays visible as the last status label.
func (r *Runner) Stop(finalStep string) {
	r.mu.Lock()
	if !r.running {
		if finalStep != "" {
			r.currentStep = finalStep
			r.mu.Unlock()
			r.broadcastStatus()
			return
		}
		r.mu.Unlock()
		return
	}
	r.elapsedMS = r.elapsedLocked()
	r.running = false
	r.startedMono = time.Time{}
	r.cancelLoopsLocked()
	if finalStep == "" {
		finalStep = "stopped"
	}
	r.currentStep = finalStep
	r.mu.Unlock()

	r.broadcastStatus()
	slog.Info("autorun stopped", "final_step", finalStep)
}

// Abort stops the run on a fatal error and fires the failure notification.
func (r *Runner) Abort(reason string) {
	if reason == "" {
		reason = "fatal error"
	}
	r.mu.Lock()
	r.lastError = reason
	email := r.email
	step := r.currentStep
	elapsed := r.elapsedLocked()
	runs := r.runs
	r.running = false
	r.elapsedMS = elapsed
	r.startedMono = time.Time{}
	r.cancelLoopsLocked()
	r.mu.Unlock()

	r.notifyFailure(email, reason, step, elapsed, runs)
	r.broadcastStatus()
	slog.Error("autorun aborted", "reason", reason)
}

func (r *Runner) cancelLoopsLocked() {
	if r.loopCancel != nil {
		r.loopCancel()
		r.loopCancel = nil
	}
	if r.hbCancel != nil {
		r.hbCancel()
		r.hbCancel = nil
	}
}

// StepOnce runs a single tick; only valid in step mode while running.
func (r *Runner) StepOnce(ctx context.Context) error {
	r.mu.Lock()
	running, mode := r.running, r.mode
	r.mu.Unlock()
	if !running {
		return errors.New("未启动，无法单步")
	}
	if mode != ModeStep {
		return errors.New("当前非调试模式")
	}
	r.RunTick(ctx)
	r.broadcastStatus()
	return nil
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !r.Running() {
				return
			}
			r.broadcastStatus()
		}
	}
}

func (r *Runner) mainLoop(ctx context.Context) {
	for {
		r.mu.Lock()
		cont := r.running && r.mode == ModeContinuous
		interval := r.opInterval
		r.mu.Unlock()
		if !cont || ctx.Err() != nil {
			return
		}
		r.RunTick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// tickState is the state snapshot one tick works from.
type tickState struct {
	stage                int
	level                int
	coin                 int
	refreshPrice         int
	changeTileCount      int
	totalChangeTileCount int
	maxEffectVolume      int
	handTiles            []int
	wallTiles            []int
	bossBuff             []int
	goods                []map[string]any
	effectList           []map[string]any
	candidateEffectList  []map[string]any
	faces                map[int]string
}

func (r *Runner) snapshotState() tickState {
	var ts tickState
	r.state.View(func(s *gamestate.State) {
		ts.stage = s.Stage
		ts.level = s.Level
		ts.coin = s.Coin
		ts.refreshPrice = s.RefreshPrice
		ts.changeTileCount = s.ChangeTileCount
		ts.totalChangeTileCount = s.TotalChangeTileCount
		ts.maxEffectVolume = s.MaxEffectVolume
		ts.handTiles = append([]int(nil), s.HandTiles...)
		ts.wallTiles = append([]int(nil), s.WallTiles...)
		ts.bossBuff = append([]int(nil), s.BossBuff...)
		ts.goods = append([]map[string]any(nil), s.Goods...)
		ts.effectList = append([]map[string]any(nil), s.EffectList...)
		ts.candidateEffectList = append([]map[string]any(nil), s.CandidateEffectList...)
		ts.faces = make(map[int]string, s.Deck.Len())
		for _, id := range s.Deck.IDs() {
			ts.faces[id] = s.Deck.Face(id)
		}
	})
	return ts
}

func (r *Runner) setStep(step string) {
	r.mu.Lock()
	r.currentStep = step
	r.mu.Unlock()
	r.broadcastStatus()
}

// fatal records the failure and aborts the run.
func (r *Runner) fatal(reason string) {
	r.mu.Lock()
	r.lastError = reason
	r.mu.Unlock()
	r.Abort("fatal: " + reason)
}

func (r *Runner) opRetry(ctx context.Context, call func() packetbot.Result) packetbot.Result {
	return retryTransient(ctx, call, opRetryInterval, opRetryTimeout)
}

// RunTick advances the automation by one decision. Stage dispatch mirrors
// the activity's phase machine; any unexpected failure aborts the run.
func (r *Runner) RunTick(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(tickLeadDelay):
	}

	if r.checkAndFinishIfDone() {
		return
	}

	r.mu.Lock()
	needStart := r.needStartGame
	r.mu.Unlock()
	if needStart {
		r.setStep("start_game")
		res := r.opRetry(ctx, func() packetbot.Result { return r.bot.StartGame(ctx) })
		if res.OK {
			r.mu.Lock()
			r.runs++
			r.needStartGame = false
			r.mu.Unlock()
			return
		}
		r.fatal(res.Reason)
		return
	}

	ts := r.snapshotState()
	switch ts.stage {
	case gamestate.StageFreeEffect:
		r.tickSelectFree(ctx, ts)
	case gamestate.StageLevelConfirm:
		r.tickLevelConfirm(ctx, ts)
	case gamestate.StageChange:
		r.tickChangeTiles(ctx, ts)
	case gamestate.StagePlay:
		r.tickPlay(ctx, ts)
	case gamestate.StageShop:
		r.tickShop(ctx, ts)
	case gamestate.StageSelectPack, gamestate.StageRewardPack:
		r.tickSelectPack(ctx, ts)
	}
}

func (r *Runner) tickSelectFree(ctx context.Context, ts tickState) {
	r.setStep("game.select_free_effect")
	if len(ts.candidateEffectList) == 0 {
		r.fatal("no free effect candidates")
		return
	}
	first := liqi.Int(ts.candidateEffectList[0], "id", 0)
	res := r.opRetry(ctx, func() packetbot.Result { return r.bot.SelectFreeEffect(ctx, first) })
	if !res.OK {
		r.fatal(res.Reason)
	}
}

func (r *Runner) tickLevelConfirm(ctx context.Context, ts tickState) {
	r.setStep("game.level_confirm")
	if uids := sortedUIDsByMode(ts.effectList, "pre_start"); uids != nil {
		r.setStep("game.pre_start_sort")
		sorted := retryTransient(ctx, func() packetbot.Result {
			return r.bot.SortEffect(ctx, uids)
		}, sortRetryInterval, sortRetryTimeout)
		if !sorted.OK {
			slog.Warn("pre-start sort failed", "reason", sorted.Reason)
		}
	}
	res := r.opRetry(ctx, func() packetbot.Result { return r.bot.NextLevel(ctx) })
	if !res.OK {
		r.fatal(res.Reason)
	}
}

func (r *Runner) tickChangeTiles(ctx context.Context, ts tickState) {
	r.setStep(fmt.Sprintf("game.change_tile(%d/%d)", ts.changeTileCount, ts.totalChangeTileCount))
	if ts.changeTileCount >= ts.totalChangeTileCount {
		res := r.opRetry(ctx, func() packetbot.Result { return r.bot.OpSkipChange(ctx) })
		if !res.OK {
			r.fatal(res.Reason)
		}
		return
	}

	preferKeep := make([]int, 0, len(ts.handTiles))
	for _, tid := range ts.handTiles {
		face, ok := ts.faces[tid]
		if !ok {
			continue
		}
		if face == "bd" || (len(face) > 0 && face[len(face)-1] == 'p') {
			preferKeep = append(preferKeep, tid)
		}
	}

	keep := preferKeep
	if containsInt(ts.bossBuff, bossBuffConduction) {
		// the conduction debuff only swaps three tiles a turn
		keepTarget := len(ts.handTiles) - 3
		if keepTarget < 0 {
			keepTarget = 0
		}
		if len(preferKeep) >= keepTarget {
			keep = preferKeep[:keepTarget]
		} else {
			inPrefer := make(map[int]bool, len(preferKeep))
			for _, tid := range preferKeep {
				inPrefer[tid] = true
			}
			keep = append([]int(nil), preferKeep...)
			for _, tid := range ts.handTiles {
				if len(keep) >= keepTarget {
					break
				}
				if !inPrefer[tid] {
					keep = append(keep, tid)
				}
			}
		}
	}

	res := r.opRetry(ctx, func() packetbot.Result { return r.bot.OpChange(ctx, keep) })
	if !res.OK {
		r.fatal(res.Reason)
	}
}

func (r *Runner) tickPlay(ctx context.Context, ts tickState) {
	r.setStep(fmt.Sprintf("game.discard(%d)", ts.level))
	plan := PlanPurePinzuSuuAnkou(ts.handTiles, ts.wallTiles, func(id int) string { return ts.faces[id] })

	switch plan.Status {
	case PlanImpossible:
		r.setStep("game.remake")
		r.mu.Lock()
		r.needStartGame = true
		r.mu.Unlock()
		res := r.opRetry(ctx, func() packetbot.Result { return r.bot.Giveup(ctx) })
		if !res.OK {
			r.fatal(res.Reason)
		}
	case PlanWinNow:
		if uids := sortedUIDsByMode(ts.effectList, "pre_win"); uids != nil {
			r.setStep("game.pre_win_sort")
			sorted := retryTransient(ctx, func() packetbot.Result {
				return r.bot.SortEffect(ctx, uids)
			}, sortRetryInterval, sortRetryTimeout)
			if !sorted.OK {
				slog.Warn("pre-win sort failed", "reason", sorted.Reason)
			}
		}
		r.setStep("game.tsumo")
		res := r.opRetry(ctx, func() packetbot.Result { return r.bot.OpTsumo(ctx) })
		if !res.OK {
			r.fatal(res.Reason)
		}
	case PlanSteps:
		discard := plan.Discards[0]
		res := r.opRetry(ctx, func() packetbot.Result { return r.bot.OpDiscard(ctx, discard) })
		if !res.OK {
			r.fatal(res.Reason)
		}
	}
}

func (r *Runner) tickShop(ctx context.Context, ts tickState) {
	r.setStep("game.buy_pack")

	unsold := make([]map[string]any, 0, len(ts.goods))
	for _, g := range ts.goods {
		if !liqi.Bool(g, "sold", false) {
			unsold = append(unsold, g)
		}
	}

	if len(unsold) == 0 {
		r.shopOutOfOptions(ctx, ts)
		return
	}

	cheapest := unsold[0]
	for _, g := range unsold[1:] {
		if lessGoods(g, cheapest) {
			cheapest = g
		}
	}
	if liqi.Int(cheapest, "price", 1_000_000) > ts.coin {
		r.shopOutOfOptions(ctx, ts)
		return
	}

	res := r.opRetry(ctx, func() packetbot.Result {
		return r.bot.BuyPack(ctx, liqi.Int(cheapest, "id", 0))
	})
	if res.OK {
		return
	}
	if res.Reason == "error code: 2691" {
		// shop state drifted; resync and try again next tick
		r.bot.FetchActivityData(ctx)
		return
	}
	r.fatal(res.Reason)
}

// shopOutOfOptions handles the shop when nothing affordable remains: refresh
// when the refresh fee fits, otherwise move on (or remake past the cutoff
// level).
func (r *Runner) shopOutOfOptions(ctx context.Context, ts tickState) {
	if ts.refreshPrice > ts.coin {
		if r.cutoffLevel <= ts.level {
			r.setStep("game.remake")
			r.mu.Lock()
			r.needStartGame = true
			r.mu.Unlock()
			res := r.opRetry(ctx, func() packetbot.Result { return r.bot.Giveup(ctx) })
			if !res.OK {
				r.fatal(res.Reason)
			}
			return
		}
		r.setStep("game.end_shopping")
		res := r.opRetry(ctx, func() packetbot.Result { return r.bot.EndShopping(ctx) })
		if !res.OK {
			r.fatal(res.Reason)
		}
		return
	}

	r.setStep("game.refresh_shop")
	res := r.opRetry(ctx, func() packetbot.Result { return r.bot.RefreshShop(ctx) })
	if !res.OK {
		r.fatal(res.Reason)
		return
	}

	// fund future refreshes: shed one fortune-badged amulet no target needs
	victim := 0
	found := false
	for _, e := range ts.effectList {
		_, _, bid := amuletSignature(e)
		if bid == badgeFortune && !isNeededForAnyTarget(e, r.currentTargets()) {
			if uid := liqi.Int(e, "uid", -1); uid >= 0 {
				victim, found = uid, true
			}
			break
		}
	}
	if found {
		r.setStep("game.sell_happiness_after_refresh")
		sold := retryTransient(ctx, func() packetbot.Result {
			return r.bot.SellEffect(ctx, victim, sellRetryTimeout)
		}, opRetryInterval, sellRetryTimeout)
		if !sold.OK {
			r.fatal(sold.Reason)
		}
	}
}

func (r *Runner) tickSelectPack(ctx context.Context, ts tickState) {
	reward := ts.stage == gamestate.StageRewardPack
	if reward {
		r.setStep("game.select_reward_effect")
	} else {
		r.setStep("game.select_effect")
	}

	targets := r.currentTargets()
	pick := selectAmuletFromCandidates(ts.candidateEffectList, ts.effectList, targets, r.rarity)

	if pick.SellOK {
		sold := retryTransient(ctx, func() packetbot.Result {
			return r.bot.SellEffect(ctx, pick.SellUID, sellRetryTimeout)
		}, opRetryInterval, sellRetryTimeout)
		if !sold.OK {
			r.fatal(sold.Reason)
			return
		}
	}

	needSpace := 1
	if pick.BadgeID == badgeColossus {
		needSpace = 2
	}
	freeSpace := ts.maxEffectVolume - totalVolume(ts.effectList)

	selectID := func(id int) packetbot.Result {
		return r.opRetry(ctx, func() packetbot.Result {
			if reward {
				return r.bot.SelectRewardEffect(ctx, id)
			}
			return r.bot.SelectEffect(ctx, id)
		})
	}

	if freeSpace >= needSpace {
		res := selectID(pick.Raw)
		if res.OK {
			if pick.Value == 0 {
				reg := pick.Raw / 10
				if reg == regWheel {
					return
				}
				if uid, ok := pickUIDToSellSameReg(ts.effectList, reg, targets, r.rarity); ok {
					r.setStep("game.sell_useless_effect")
					sold := r.opRetry(ctx, func() packetbot.Result {
						return r.bot.SellEffect(ctx, uid, 0)
					})
					if sold.OK {
						return
					}
					if sold.Reason == "error code: 2699" {
						r.bot.FetchActivityData(ctx)
						return
					}
					r.fatal(sold.Reason)
				}
			}
			return
		}
		if res.Reason == "error code: 2691" {
			r.bot.FetchActivityData(ctx)
			return
		}
		r.fatal(res.Reason)
		return
	}

	if pick.Value >= 99 {
		// target piece but no room: sell low-priority amulets to make space
		sellList := sortSellPriority(ts.effectList, targets)
		toSell, _, enough := selectItemsToSellForPurchase(freeSpace, needSpace, sellList)
		if enough {
			for _, it := range toSell {
				uid := liqi.Int(it, "uid", -1)
				if uid < 0 {
					continue
				}
				r.setStep("game.selling_to_make_space")
				sold := retryTransient(ctx, func() packetbot.Result {
					return r.bot.SellEffect(ctx, uid, 0)
				}, defaultRetryInterval, opRetryTimeout)
				if !sold.OK {
					r.fatal(sold.Reason)
					return
				}
			}
		} else {
			r.setStep("game.skip_buy_insufficient_space0")
			res := selectID(0)
			if !res.OK {
				r.fatal(res.Reason)
			}
		}
		return
	}

	r.setStep("game.skip_buy_insufficient_space1")
	res := selectID(0)
	if !res.OK {
		r.fatal(res.Reason)
	}
}

func (r *Runner) currentTargets() []Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targets
}

// checkAndFinishIfDone counts target progress and, when the goal value is
// reached, finishes the run with a success notification.
func (r *Runner) checkAndFinishIfDone() bool {
	var effects []map[string]any
	r.state.View(func(s *gamestate.State) {
		effects = append([]map[string]any(nil), s.EffectList...)
	})

	r.mu.Lock()
	achieved := countAchieved(effects, r.targets)
	if achieved > r.bestAchieved {
		r.bestAchieved = achieved
	}
	done := achieved >= r.endCount
	email := r.email
	targets := r.targets
	elapsed := r.elapsedLocked()
	runs := r.runs
	best := r.bestAchieved
	endCount := r.endCount
	r.mu.Unlock()

	if !done {
		return false
	}
	r.setStep("goal_met")
	r.notifySuccess(email, targets, effects, elapsed, runs, best, endCount)
	r.Stop("goal_met")
	return true
}

// StatusPayload renders the status block pushed to the UI.
func (r *Runner) StatusPayload() map[string]any {
	pfReady := false
	pfPeer := ""
	if r.flows != nil {
		pfPeer, pfReady = r.flows.PreferredPeer()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.recomputeReadyLocked()

	var probeOK any
	if r.probeOK != nil {
		probeOK = *r.probeOK
	}
	return map[string]any{
		"mode":                 r.mode,
		"running":              r.running,
		"runs":                 r.runs,
		"elapsed_ms":           r.elapsedLocked(),
		"best_achieved_count":  r.bestAchieved,
		"current_step":         orDash(r.currentStep),
		"last_error":           r.lastError,
		"started_at":           r.startedAt,
		"game_ready":           r.readyCode == CodeReady,
		"has_live_game":        liqi.Map(liqi.Map(r.probeResp, "data"), "game") != nil,
		"game_ready_reason":    r.readyReason,
		"game_ready_code":      r.readyCode,
		"probe_fail_count":     r.probeFailCount,
		"probe_ok":             probeOK,
		"probe_reason":         r.probeReason,
		"probe_at":             r.probeAt,
		"preferred_flow_ready": pfReady,
		"preferred_flow_peer":  pfPeer,
	}
}

func (r *Runner) broadcastStatus() {
	if r.broadcast == nil {
		return
	}
	r.broadcast(r.StatusPayload())
}

// NotifyTestEmail sends a test notification to verify the mail settings.
func (r *Runner) NotifyTestEmail() (bool, string) {
	r.mu.Lock()
	email := r.email
	r.mu.Unlock()
	return r.mail(email,
		"Shanten Lens 测试通知",
		"这是一封测试邮件：自动化完成/出错后会发送类似的邮件。",
		"")
}

// ControlStart is the UI start sequence: probe the session, ask for
// confirmation when a run is already live, optionally abandon it when
// forced, then arm the runner.
func (r *Runner) ControlStart(ctx context.Context, force bool) (ok bool, reason string, requiresConfirmation bool) {
	res := retryTransient(ctx, func() packetbot.Result {
		return r.bot.FetchActivityData(ctx)
	}, 400*time.Millisecond, 20*time.Second)
	if !res.OK {
		low := strings.ToLower(res.Reason)
		switch {
		case strings.Contains(low, "addon-or-flow-not-ready") || strings.Contains(low, "not ready"):
			return false, "游戏未启动或流程未就绪", false
		case strings.Contains(low, "timeout"):
			return false, "连接超时，请检查游戏/代理", false
		default:
			reason := res.Reason
			if reason == "" {
				reason = "unknown"
			}
			return false, "探测失败：" + reason, false
		}
	}

	r.mu.Lock()
	okVal := res.OK
	r.probeAt = nowMS()
	r.probeOK = &okVal
	r.probeReason = res.Reason
	r.probeResp = res.Resp
	r.recomputeReadyLocked()
	r.mu.Unlock()

	hasGame := liqi.Map(liqi.Map(res.Resp, "data"), "game") != nil
	if hasGame && !force {
		return false, "检测到已有对局，是否放弃当前对局并开始？", true
	}
	if hasGame {
		slog.Info("force start, abandoning live run")
		gave := retryTransient(ctx, func() packetbot.Result {
			return r.bot.Giveup(ctx)
		}, defaultRetryInterval, 30*time.Second)
		if !gave.OK {
			reason := gave.Reason
			if reason == "" {
				reason = "unknown"
			}
			return false, "放弃当前对局失败：" + reason, false
		}
		retryTransient(ctx, func() packetbot.Result {
			return r.bot.FetchActivityData(ctx)
		}, defaultRetryInterval, 10*time.Second)
	}

	if err := r.Start(ctx); err != nil {
		return false, "开启自动化失败：" + err.Error(), false
	}
	return true, "", false
}

func (r *Runner) notifySuccess(email EmailSettings, targets []Target, effects []map[string]any, elapsed int64, runs, best, endCount int) {
	if !email.Enabled {
		return
	}
	lines := []string{
		"自动化已完成（达到结束条件）。",
		fmt.Sprintf("- 运行时长：%s", fmtMS(elapsed)),
		fmt.Sprintf("- 已运行局数：%d", runs),
		fmt.Sprintf("- 达成目标数：%d/%d", best, endCount),
		"",
		"目标达成情况：",
	}
	lines = append(lines, targetStatusLines(effects, targets)...)
	lines = append(lines, "", "当前已拥有护身符：")
	lines = append(lines, ownedAmuletLines(effects)...)

	ok, reason := r.mail(email, "【Shanten Lens】自动化完成 ✓（目标已达成）", joinLines(lines), "")
	if !ok {
		slog.Warn("success email failed", "reason", reason)
	}
}

func (r *Runner) notifyFailure(email EmailSettings, reason, step string, elapsed int64, runs int) {
	if !email.Enabled {
		return
	}
	lines := []string{
		"自动化因错误中止。",
		fmt.Sprintf("- 错误原因：%s", reason),
		fmt.Sprintf("- 最后步骤：%s", orDash(step)),
		fmt.Sprintf("- 运行时长：%s", fmtMS(elapsed)),
		fmt.Sprintf("- 已运行局数：%d", runs),
	}
	ok, sendReason := r.mail(email, "【Shanten Lens】自动化中止 ✗", joinLines(lines), "")
	if !ok {
		slog.Warn("failure email failed", "reason", sendReason)
	}
}

// targetStatusLines reports per target whether the goal is currently owned.
func targetStatusLines(effects []map[string]any, targets []Target) []string {
	lines := make([]string, 0, len(targets))
	for i, t := range targets {
		switch t.Kind {
		case "badge":
			owned := false
			for _, e := range effects {
				if _, _, bid := amuletSignature(e); bid != 0 && bid == t.ID {
					owned = true
					break
				}
			}
			lines = append(lines, fmt.Sprintf("- 目标#%d 印章: %d —— %s", i+1, t.ID, ownedMark(owned)))
		case "amulet":
			owned := false
			for _, e := range effects {
				if matchesTarget(e, t) {
					owned = true
					break
				}
			}
			plusTxt := "plus=否"
			if t.Plus {
				plusTxt = "plus=是"
			}
			badgeTxt := ""
			if t.Badge != 0 {
				badgeTxt = fmt.Sprintf(", 需印章=%d", t.Badge)
			}
			lines = append(lines, fmt.Sprintf("- 目标#%d 护身符: reg=%d（%s%s） —— %s", i+1, t.ID, plusTxt, badgeTxt, ownedMark(owned)))
		default:
			lines = append(lines, fmt.Sprintf("- 目标#%d 未知类型 —— 跳过", i+1))
		}
	}
	return lines
}

func ownedAmuletLines(effects []map[string]any) []string {
	if len(effects) == 0 {
		return []string{"  （无）"}
	}
	lines := make([]string, 0, len(effects))
	for _, e := range effects {
		reg, plus, bid := amuletSignature(e)
		sig := fmt.Sprintf("reg=%d", reg)
		if plus {
			sig += "+"
		}
		if bid != 0 {
			sig += fmt.Sprintf(", badge=%d", bid)
		}
		lines = append(lines, "  • "+sig)
	}
	return lines
}

func ownedMark(owned bool) string {
	if owned {
		return "已拥有✓"
	}
	return "未拥有×"
}

func (r *Runner) elapsedLocked() int64 {
	if !r.running {
		if r.elapsedMS < 0 {
			return 0
		}
		return r.elapsedMS
	}
	add := int64(0)
	if !r.startedMono.IsZero() {
		add = time.Since(r.startedMono).Milliseconds()
	}
	total := r.elapsedMS + add
	if total < 0 {
		return 0
	}
	return total
}

func fmtMS(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	s := ms / 1000
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func lessGoods(a, b map[string]any) bool {
	ap, bp := liqi.Int(a, "price", 1_000_000), liqi.Int(b, "price", 1_000_000)
	if ap != bp {
		return ap < bp
	}
	ag, bg := liqi.Int(a, "goodsId", 1_000_000), liqi.Int(b, "goodsId", 1_000_000)
	if ag != bg {
		return ag < bg
	}
	return liqi.Int(a, "id", 1_000_000) < liqi.Int(b, "id", 1_000_000)
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}
