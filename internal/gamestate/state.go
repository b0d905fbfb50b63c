// Package gamestate mirrors the server-side roguelike session as a local
// projection: the tile deck, hand, wall partition, shop, owned amulets and
// scoring record, rebuilt from intercepted traffic so automation and the UI
// can reason about the game without asking the server.
package gamestate

import (
	"encoding/json"
	"fmt"
)

// Stage values as the server numbers them.
const (
	StageFreeEffect   = 1   // pick the free starter pack
	StageChange       = 2   // tile exchange phase
	StagePlay         = 3   // discard phase
	StageShop         = 4   // pack shop
	StageSelectPack   = 5   // pick amulet from a bought pack
	StageLevelConfirm = 6   // confirm advancing to next level
	StageRewardPack   = 7   // pick amulet from the level reward pack
	StageEnd          = 100 // run over
)

// Operation codes the server advertises in nextOperation.
const (
	OpDiscard     = 1
	OpKan         = 4
	OpTsumo       = 8
	OpSkipReplace = 100
	OpReplace     = 101
)

// The wall partition is fixed: after removing the hand from the deck, the
// first 10 ids are dora indicators and the next 36 form the drawable wall.
const (
	doraCount = 10
	wallCount = 36
)

// TileDeck is the id→face table for one round, in server deal order. Order is
// load-bearing: the wall partition is positional.
type TileDeck struct {
	ids   []int
	faces map[int]string
}

func NewTileDeck() *TileDeck {
	return &TileDeck{faces: make(map[int]string)}
}

func (d *TileDeck) Set(id int, face string) {
	if _, seen := d.faces[id]; !seen {
		d.ids = append(d.ids, id)
	}
	d.faces[id] = face
}

// Face returns the face for a tile id, or "" when unknown.
func (d *TileDeck) Face(id int) string {
	return d.faces[id]
}

func (d *TileDeck) Has(id int) bool {
	_, ok := d.faces[id]
	return ok
}

func (d *TileDeck) Len() int { return len(d.ids) }

// IDs returns the deal-ordered tile ids.
func (d *TileDeck) IDs() []int {
	out := make([]int, len(d.ids))
	copy(out, d.ids)
	return out
}

func (d *TileDeck) Clear() {
	d.ids = d.ids[:0]
	d.faces = make(map[int]string)
}

type deckEntry struct {
	ID   int    `json:"id"`
	Tile string `json:"tile"`
}

// MarshalJSON renders the deck as an ordered array of {id, tile} pairs.
func (d *TileDeck) MarshalJSON() ([]byte, error) {
	entries := make([]deckEntry, 0, len(d.ids))
	for _, id := range d.ids {
		entries = append(entries, deckEntry{ID: id, Tile: d.faces[id]})
	}
	return json.Marshal(entries)
}

// State is the projected session. It is plain data; Projector adds locking
// and change publication on top.
type State struct {
	Stage                int
	Deck                 *TileDeck
	HandTiles            []int
	DoraTiles            []int
	ReplacementTiles     []int
	WallTiles            []int
	SwitchUsedTiles      []int
	Ended                bool
	DesktopRemain        int
	LockedTiles          []int
	Coin                 int
	Level                int
	EffectList           []map[string]any
	CandidateEffectList  []map[string]any
	Record               map[string]any
	TingList             []map[string]any
	NextOperation        []map[string]any
	Goods                []map[string]any
	RefreshPrice         int
	ChangeTileCount      int
	TotalChangeTileCount int
	MaxEffectVolume      int
	BossBuff             []int

	UpdateReasons []string
}

func NewState() *State {
	return &State{
		Deck:   NewTileDeck(),
		Record: make(map[string]any),
	}
}

// PoolTile is one entry of the server's dealt pool.
type PoolTile struct {
	ID   int
	Face string
}

// UpdatePool rebuilds the round from a fresh deal: the full pool in order,
// the hand, and any locked tiles. The remainder after removing the hand
// partitions positionally into dora, wall, and replacement tiles; locked
// tiles are not drawable and leave the wall.
func (s *State) UpdatePool(pool []PoolTile, handTiles, lockedTiles []int) error {
	s.Deck.Clear()
	s.HandTiles = nil
	s.DoraTiles = nil
	s.ReplacementTiles = nil
	s.WallTiles = nil
	s.LockedTiles = nil
	s.SwitchUsedTiles = nil
	s.CandidateEffectList = nil
	s.Ended = true
	s.Stage = -1

	for _, t := range pool {
		s.Deck.Set(t.ID, t.Face)
	}

	inHand := make(map[int]bool, len(handTiles))
	s.HandTiles = append([]int(nil), handTiles...)
	for _, id := range handTiles {
		if !s.Deck.Has(id) {
			return fmt.Errorf("hand tile %d not in pool", id)
		}
		inHand[id] = true
	}

	rest := make([]int, 0, s.Deck.Len()-len(handTiles))
	for _, id := range s.Deck.IDs() {
		if !inHand[id] {
			rest = append(rest, id)
		}
	}
	if len(rest) < doraCount+wallCount {
		return fmt.Errorf("pool too small: %d tiles after hand removal", len(rest))
	}

	s.DoraTiles = append([]int(nil), rest[:doraCount]...)
	s.WallTiles = append([]int(nil), rest[doraCount:doraCount+wallCount]...)
	s.ReplacementTiles = append([]int(nil), rest[doraCount+wallCount:]...)

	s.LockedTiles = append([]int(nil), lockedTiles...)
	for _, locked := range s.LockedTiles {
		s.WallTiles = removeOne(s.WallTiles, locked)
	}
	return nil
}

// RefreshWallByRemaining recomputes the drawable wall from the remaining-draw
// counter, used when attaching to a game already in progress: the cursor
// skips the dora block and however many tiles were already drawn.
func (s *State) RefreshWallByRemaining() {
	inHand := make(map[int]bool, len(s.HandTiles))
	for _, id := range s.HandTiles {
		inHand[id] = true
	}
	rest := make([]int, 0, s.Deck.Len())
	for _, id := range s.Deck.IDs() {
		if !inHand[id] {
			rest = append(rest, id)
		}
	}
	cursor := doraCount + wallCount - s.DesktopRemain - 1
	if cursor < 0 {
		cursor = 0
	}
	end := cursor + s.DesktopRemain
	if end > len(rest) {
		end = len(rest)
	}
	if cursor > end {
		cursor = end
	}
	s.WallTiles = append([]int(nil), rest[cursor:end]...)
}

// OnDraw records a draw: the last tile of the new hand leaves the wall.
func (s *State) OnDraw(handTiles []int) {
	if len(handTiles) == 0 {
		return
	}
	drawn := handTiles[len(handTiles)-1]
	s.WallTiles = removeOne(s.WallTiles, drawn)
	s.HandTiles = append([]int(nil), handTiles...)
}

// UpdateSwitchUsed records the tiles received in the exchange phase. Ignored
// outside the change stage.
func (s *State) UpdateSwitchUsed(used []int) {
	if s.Stage == StageChange {
		s.SwitchUsedTiles = append([]int(nil), used...)
	}
}

// Patch is a partial update; nil pointers and nil slices mean "leave as is".
type Patch struct {
	DesktopRemain        *int
	Stage                *int
	Ended                *bool
	Coin                 *int
	Level                *int
	EffectList           []map[string]any
	CandidateEffectList  []map[string]any
	TingList             []map[string]any
	NextOperation        []map[string]any
	Goods                []map[string]any
	RefreshPrice         *int
	ChangeTileCount      *int
	TotalChangeTileCount *int
	MaxEffectVolume      *int
	BossBuff             []int
}

// Apply merges a patch into the state.
func (s *State) Apply(p Patch) {
	if p.DesktopRemain != nil {
		s.DesktopRemain = *p.DesktopRemain
	}
	if p.Stage != nil {
		s.Stage = *p.Stage
	}
	if p.Ended != nil {
		s.Ended = *p.Ended
	}
	if p.Coin != nil {
		s.Coin = *p.Coin
	}
	if p.Level != nil {
		s.Level = *p.Level
	}
	if p.EffectList != nil {
		s.EffectList = p.EffectList
	}
	if p.CandidateEffectList != nil {
		s.CandidateEffectList = p.CandidateEffectList
	}
	if p.TingList != nil {
		s.TingList = p.TingList
	}
	if p.NextOperation != nil {
		s.NextOperation = p.NextOperation
	}
	if p.Goods != nil {
		s.Goods = p.Goods
	}
	if p.RefreshPrice != nil {
		s.RefreshPrice = *p.RefreshPrice
	}
	if p.ChangeTileCount != nil {
		s.ChangeTileCount = *p.ChangeTileCount
	}
	if p.TotalChangeTileCount != nil {
		s.TotalChangeTileCount = *p.TotalChangeTileCount
	}
	if p.MaxEffectVolume != nil {
		s.MaxEffectVolume = *p.MaxEffectVolume
	}
	if p.BossBuff != nil {
		s.BossBuff = p.BossBuff
	}
}

// MergeRecord folds a record update in. Two shapes arrive on the wire: a
// full replacement map, or a per-key patch where live entries carry
// {dirty: true, value: v}.
func (s *State) MergeRecord(record map[string]any) {
	if len(record) == 0 {
		return
	}
	isPatch := false
	for _, v := range record {
		if m, ok := v.(map[string]any); ok {
			_, hasDirty := m["dirty"]
			_, hasValue := m["value"]
			if hasDirty && hasValue {
				isPatch = true
				break
			}
		}
	}
	if !isPatch {
		s.Record = record
		return
	}
	if s.Record == nil {
		s.Record = make(map[string]any)
	}
	for k, v := range record {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if dirty, _ := m["dirty"].(bool); dirty {
			s.Record[k] = m["value"]
		}
	}
}

// Reset clears everything back to the no-game state.
func (s *State) Reset() {
	s.Stage = -1
	s.Deck.Clear()
	s.HandTiles = nil
	s.DoraTiles = nil
	s.ReplacementTiles = nil
	s.WallTiles = nil
	s.SwitchUsedTiles = nil
	s.Ended = true
	s.DesktopRemain = 0
	s.LockedTiles = nil
	s.Coin = 0
	s.Level = 0
	s.EffectList = nil
	s.CandidateEffectList = nil
	s.Record = make(map[string]any)
	s.RefreshPrice = 0
	s.TotalChangeTileCount = 0
	s.ChangeTileCount = 0
	s.Goods = nil
	s.NextOperation = nil
	s.TingList = nil
	s.BossBuff = nil
	s.UpdateReasons = nil
}

// Snapshot renders the state for the UI. Slices are copied shallowly; the
// deck serializes as an ordered id/tile array.
func (s *State) Snapshot() map[string]any {
	deck := make([]map[string]any, 0, s.Deck.Len())
	for _, id := range s.Deck.IDs() {
		deck = append(deck, map[string]any{"id": id, "tile": s.Deck.Face(id)})
	}
	return map[string]any{
		"stage":                   s.Stage,
		"deck_map":                deck,
		"hand_tiles":              intsCopy(s.HandTiles),
		"dora_tiles":              intsCopy(s.DoraTiles),
		"replacement_tiles":       intsCopy(s.ReplacementTiles),
		"wall_tiles":              intsCopy(s.WallTiles),
		"switch_used_tiles":       intsCopy(s.SwitchUsedTiles),
		"ended":                   s.Ended,
		"desktop_remain":          s.DesktopRemain,
		"locked_tiles":            intsCopy(s.LockedTiles),
		"coin":                    s.Coin,
		"level":                   s.Level,
		"effect_list":             mapsCopy(s.EffectList),
		"candidate_effect_list":   mapsCopy(s.CandidateEffectList),
		"record":                  s.Record,
		"ting_list":               mapsCopy(s.TingList),
		"next_operation":          mapsCopy(s.NextOperation),
		"goods":                   mapsCopy(s.Goods),
		"refresh_price":           s.RefreshPrice,
		"change_tile_count":       s.ChangeTileCount,
		"total_change_tile_count": s.TotalChangeTileCount,
		"max_effect_volume":       s.MaxEffectVolume,
		"boss_buff":               intsCopy(s.BossBuff),
		"update_reason":           append([]string(nil), s.UpdateReasons...),
	}
}

// AllowsOperation reports whether the server offers the given operation code
// right now.
func (s *State) AllowsOperation(opType int) bool {
	for _, op := range s.NextOperation {
		if v, ok := op["type"]; ok {
			switch n := v.(type) {
			case int:
				if n == opType {
					return true
				}
			case int64:
				if int(n) == opType {
					return true
				}
			case float64:
				if int(n) == opType {
					return true
				}
			}
		}
	}
	return false
}

func removeOne(s []int, v int) []int {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

func intsCopy(s []int) []int {
	if s == nil {
		return []int{}
	}
	return append([]int(nil), s...)
}

func mapsCopy(s []map[string]any) []map[string]any {
	if s == nil {
		return []map[string]any{}
	}
	return append([]map[string]any(nil), s...)
}
