package gamestate

import (
	"log/slog"
	"sync"

	"github.com/shantenlens/backend/internal/liqi"
	"github.com/shantenlens/backend/internal/mitm"
)

// Server event types inside amulet activity responses.
const (
	eventStartGame   = 1
	eventSwitchTiles = 4
	eventDrawTile    = 6
	eventBuyPack     = 13
	eventSelectPack  = 14
	eventEndShopping = 22
	eventNewRound    = 23
	eventGameOver    = 100
)

const greetingAnnouncementID = 9999

// ConfigSource is the slice of runtime config the projector's policies need.
type ConfigSource interface {
	Bool(dotted string) bool
}

// Projector folds intercepted frames into a State and publishes a fresh
// snapshot after every mutation. Safe for concurrent reads while the relay
// goroutine writes.
type Projector struct {
	mu  sync.Mutex
	st  *State
	cfg ConfigSource

	// publish receives a snapshot after each change; may be nil. Called
	// without the projector lock held.
	publish func(snapshot map[string]any)
}

func NewProjector(cfg ConfigSource, publish func(map[string]any)) *Projector {
	return &Projector{st: NewState(), cfg: cfg, publish: publish}
}

// Snapshot returns a UI-ready copy of the current state.
func (p *Projector) Snapshot() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.Snapshot()
}

// View runs fn with the state under lock, for callers that need a coherent
// multi-field read. fn must not retain the *State.
func (p *Projector) View(fn func(*State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.st)
}

// OnGiveup resets the projection when a run is abandoned.
func (p *Projector) OnGiveup() {
	p.mu.Lock()
	p.st.Reset()
	p.st.UpdateReasons = []string{".lq.Lobby.amuletActivityGiveup"}
	snap := p.st.Snapshot()
	p.st.UpdateReasons = nil
	p.mu.Unlock()
	p.emit(snap)
}

// InboundHook builds the policy applied to server-origin frames: it keeps the
// projection current and, depending on config, rewrites the announcement list
// and reveals the full wall to the client.
func (p *Projector) InboundHook() mitm.HookFunc {
	return func(f *liqi.Frame) mitm.Verdict {
		if f.Kind != liqi.KindRes {
			return mitm.Verdict{}
		}
		switch f.Method {
		case ".lq.Lobby.fetchAnnouncement":
			return p.modifyAnnouncement(f)
		case ".lq.Lobby.amuletActivityUpgrade":
			return p.onUpgrade(f)
		case ".lq.Lobby.amuletActivityOperate":
			p.onOperate(f)
		case ".lq.Lobby.fetchAmuletActivityData":
			p.onFetchData(f)
		case ".lq.Lobby.amuletActivityStartGame":
			p.onEventStage(f, eventStartGame, false)
		case ".lq.Lobby.amuletActivityBuy":
			p.onEventStage(f, eventBuyPack, true)
		case ".lq.Lobby.amuletActivitySelectPack":
			p.onEventStage(f, eventSelectPack, true)
		case ".lq.Lobby.amuletActivityEndShopping":
			p.onEventStage(f, eventEndShopping, true)
		case ".lq.Lobby.amuletActivityGiveup":
			if liqi.Map(f.Body, "error") == nil {
				p.OnGiveup()
			}
		}
		return mitm.Verdict{}
	}
}

func (p *Projector) modifyAnnouncement(f *liqi.Frame) mitm.Verdict {
	if p.cfg == nil || !p.cfg.Bool("game.modify_announcement") {
		return mitm.Verdict{}
	}
	body := make(map[string]any, len(f.Body))
	for k, v := range f.Body {
		body[k] = v
	}
	anns := liqi.List(body, "announcements")
	greeting := map[string]any{
		"id":          greetingAnnouncementID,
		"title":       "欢迎使用向听镜",
		"content":     "向听镜已启动，祝各位大大欧气满满！",
		"headerImage": "internal://2.jpg",
	}
	body["announcements"] = append([]any{any(greeting)}, anns...)
	return mitm.Verdict{Action: mitm.Modify, Body: body}
}

// onUpgrade handles the round-start response. A new-round event rebuilds the
// pool; with full reveal enabled the response is rewritten so the client
// shows every remaining wall tile.
func (p *Projector) onUpgrade(f *liqi.Frame) mitm.Verdict {
	ev := findEvent(f.Body, eventNewRound)
	if ev == nil {
		return mitm.Verdict{}
	}
	vc := liqi.Map(ev, "valueChanges")
	round := liqi.Map(vc, "round")
	hands, _ := liqi.PatchIntList(round, "hands")
	poolRaw, _ := liqi.PatchValue(round, "pool")
	locked, _ := liqi.PatchIntList(round, "lockedTile")
	pool := poolTiles(poolRaw)
	if len(hands) == 0 || len(pool) == 0 {
		return mitm.Verdict{}
	}

	p.mu.Lock()
	if err := p.st.UpdatePool(pool, hands, locked); err != nil {
		p.mu.Unlock()
		slog.Error("pool rebuild failed", "err", err)
		return mitm.Verdict{}
	}
	remain, _ := liqi.PatchInt(round, "desktopRemain", 0)
	p.st.DesktopRemain = remain
	p.applyValueChangesLocked(vc, boolPtrOr(vc, "ended", p.st.Ended))

	var verdict mitm.Verdict
	if p.cfg != nil && p.cfg.Bool("game.public_all") {
		verdict = p.revealWallLocked(f, vc)
	}
	snap := p.st.Snapshot()
	p.mu.Unlock()
	p.emit(snap)
	return verdict
}

// revealWallLocked rewrites showDesktopTiles so every drawable and locked
// tile is face-up, positions descending from the back of the wall.
func (p *Projector) revealWallLocked(f *liqi.Frame, vc map[string]any) mitm.Verdict {
	show := make([]any, 0, len(p.st.WallTiles)+len(p.st.LockedTiles))
	pos := len(p.st.WallTiles) + len(p.st.LockedTiles) - 1
	for _, tile := range p.st.WallTiles {
		show = append(show, map[string]any{"id": tile, "pos": pos})
		pos--
	}
	for _, tile := range p.st.LockedTiles {
		show = append(show, map[string]any{"id": tile, "pos": pos})
		pos--
	}

	round := liqi.Map(vc, "round")
	if round == nil {
		return mitm.Verdict{}
	}
	round["showDesktopTiles"] = map[string]any{"dirty": true, "value": show}
	return mitm.Verdict{Action: mitm.Modify, Body: f.Body}
}

func (p *Projector) onOperate(f *liqi.Frame) {
	if end := findEvent(f.Body, eventGameOver); end != nil {
		vc := liqi.Map(end, "valueChanges")
		p.mu.Lock()
		p.applyValueChangesLocked(vc, boolPtrOr(vc, "ended", true))
		snap := p.st.Snapshot()
		p.mu.Unlock()
		p.emit(snap)
		return
	}

	changed := false
	p.mu.Lock()
	if sw := findEvent(f.Body, eventSwitchTiles); sw != nil {
		vc := liqi.Map(sw, "valueChanges")
		round := liqi.Map(vc, "round")
		if used, ok := liqi.PatchIntList(round, "used"); ok {
			p.st.UpdateSwitchUsed(used)
		}
		p.applyValueChangesLocked(vc, nil)
		changed = true
	}
	if draw := findEvent(f.Body, eventDrawTile); draw != nil {
		vc := liqi.Map(draw, "valueChanges")
		round := liqi.Map(vc, "round")
		if hands, ok := liqi.PatchIntList(round, "hands"); ok {
			p.st.OnDraw(hands)
		}
		if remain, ok := liqi.PatchInt(round, "desktopRemain", 0); ok {
			p.st.DesktopRemain = remain
		}
		p.applyValueChangesLocked(vc, boolPtrOr(vc, "ended", false))
		changed = true
	}
	var snap map[string]any
	if changed {
		snap = p.st.Snapshot()
	}
	p.mu.Unlock()
	if snap != nil {
		p.emit(snap)
	}
}

// onFetchData ingests a full game snapshot when attaching to a session that
// is already in progress.
func (p *Projector) onFetchData(f *liqi.Frame) {
	game := liqi.Map(liqi.Map(f.Body, "data"), "game")
	if game == nil {
		return
	}
	round := liqi.Map(game, "round")
	hands := liqi.IntList(round, "hands")
	pool := poolTiles(round["pool"])
	locked := liqi.IntList(round, "lockedTile")

	p.mu.Lock()
	if len(pool) > 0 {
		if err := p.st.UpdatePool(pool, hands, locked); err != nil {
			slog.Error("pool rebuild failed", "err", err)
		}
	}
	p.st.DesktopRemain = liqi.Int(round, "desktopRemain", 0)
	p.applyGameFieldsLocked(game)
	if p.st.DesktopRemain < wallCount {
		// mid-round attach: the positional wall partition no longer holds
		p.st.RefreshWallByRemaining()
	}
	snap := p.st.Snapshot()
	p.mu.Unlock()
	p.emit(snap)
}

// onEventStage applies the valueChanges of one expected event type.
func (p *Projector) onEventStage(f *liqi.Frame, eventType int, keepEnded bool) {
	ev := findEvent(f.Body, eventType)
	if ev == nil {
		return
	}
	vc := liqi.Map(ev, "valueChanges")
	var ended *bool
	if !keepEnded {
		ended = boolPtrOr(vc, "ended", false)
	}
	p.mu.Lock()
	p.applyValueChangesLocked(vc, ended)
	snap := p.st.Snapshot()
	p.mu.Unlock()
	p.emit(snap)
}

// applyValueChangesLocked merges the flat fields of a valueChanges block.
// Stage always applies, defaulting to -1 when the server omits it; ended is
// caller-controlled since its default differs per event type.
func (p *Projector) applyValueChangesLocked(vc map[string]any, ended *bool) {
	patch := Patch{Ended: ended}
	stage := liqi.Int(vc, "stage", -1)
	patch.Stage = &stage

	if liqi.HasKey(vc, "coin") {
		patch.Coin = intPtr(liqi.Int(vc, "coin", 0))
	}
	if liqi.HasKey(vc, "level") {
		patch.Level = intPtr(liqi.Int(vc, "level", 0))
	}
	if liqi.HasKey(vc, "effectList") {
		patch.EffectList = liqi.MapList(vc, "effectList")
	}
	if liqi.HasKey(vc, "candidateEffectList") {
		patch.CandidateEffectList = liqi.MapList(vc, "candidateEffectList")
	}
	if liqi.HasKey(vc, "tingList") {
		patch.TingList = liqi.MapList(vc, "tingList")
	}
	if liqi.HasKey(vc, "nextOperation") {
		patch.NextOperation = liqi.MapList(vc, "nextOperation")
	}
	if liqi.HasKey(vc, "goods") {
		patch.Goods = liqi.MapList(vc, "goods")
	}
	if liqi.HasKey(vc, "refreshPrice") {
		patch.RefreshPrice = intPtr(liqi.Int(vc, "refreshPrice", 0))
	}
	if liqi.HasKey(vc, "changeTileCount") {
		patch.ChangeTileCount = intPtr(liqi.Int(vc, "changeTileCount", 0))
	}
	if liqi.HasKey(vc, "totalChangeTileCount") {
		patch.TotalChangeTileCount = intPtr(liqi.Int(vc, "totalChangeTileCount", 0))
	}
	if liqi.HasKey(vc, "maxEffectVolume") {
		patch.MaxEffectVolume = intPtr(liqi.Int(vc, "maxEffectVolume", 0))
	}
	if liqi.HasKey(vc, "bossBuff") {
		patch.BossBuff = liqi.IntList(vc, "bossBuff")
	}
	p.st.Apply(patch)
	if rec := liqi.Map(vc, "record"); rec != nil {
		p.st.MergeRecord(rec)
	}
}

// applyGameFieldsLocked merges the flat fields of a full game snapshot.
func (p *Projector) applyGameFieldsLocked(game map[string]any) {
	stage := liqi.Int(game, "stage", -1)
	ended := liqi.Bool(game, "ended", false)
	p.st.Apply(Patch{
		Stage:                &stage,
		Ended:                &ended,
		Coin:                 intPtr(liqi.Int(game, "coin", 0)),
		Level:                intPtr(liqi.Int(game, "level", 0)),
		EffectList:           liqi.MapList(game, "effectList"),
		CandidateEffectList:  liqi.MapList(game, "candidateEffectList"),
		TingList:             liqi.MapList(game, "tingList"),
		NextOperation:        liqi.MapList(game, "nextOperation"),
		Goods:                liqi.MapList(game, "goods"),
		RefreshPrice:         intPtr(liqi.Int(game, "refreshPrice", 0)),
		ChangeTileCount:      intPtr(liqi.Int(game, "changeTileCount", 0)),
		TotalChangeTileCount: intPtr(liqi.Int(game, "totalChangeTileCount", 0)),
		MaxEffectVolume:      intPtr(liqi.Int(game, "maxEffectVolume", 0)),
		BossBuff:             liqi.IntList(game, "bossBuff"),
	})
	if rec := liqi.Map(game, "record"); rec != nil {
		p.st.MergeRecord(rec)
	}
}

func (p *Projector) emit(snapshot map[string]any) {
	if p.publish != nil {
		p.publish(snapshot)
	}
}

func findEvent(body map[string]any, eventType int) map[string]any {
	for _, ev := range liqi.MapList(body, "events") {
		if liqi.Int(ev, "type", -1) == eventType {
			return ev
		}
	}
	return nil
}

func poolTiles(raw any) []PoolTile {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]PoolTile, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, PoolTile{ID: liqi.Int(m, "id", 0), Face: liqi.Str(m, "tile")})
	}
	return out
}

func intPtr(v int) *int { return &v }

func boolPtrOr(m map[string]any, key string, def bool) *bool {
	v := liqi.Bool(m, key, def)
	return &v
}
