package autorun

import (
	"github.com/shantenlens/backend/internal/liqi"
)

// Item families and badges with hardwired roles in the strategy.
const (
	regUnstable = 228
	regTheft    = 229
	regKavi     = 230
	regHacker   = 232
	regWheel    = 146

	badgeEnhance  = 600050
	badgePioneer  = 600070
	badgeFortune  = 600110
	badgeColossus = 600160

	bossBuffConduction = 901
)

// needPioneerBadgeCount caps how many pioneer-badged amulets are hoarded.
const needPioneerBadgeCount = 4

// rarityValue resolves an amulet family to its rarity tier (0 if unknown).
type rarityValue func(family int) int

// Target is one collection goal: an amulet family (optionally the enhanced
// variant, optionally with a specific badge) or a badge on any amulet.
// Value weights the goal when counting progress.
type Target struct {
	Kind  string // "amulet" or "badge"
	ID    int    // family id for amulets, badge id for badges
	Plus  bool
	Badge int // 0 = no badge requirement
	Value int
}

// parseTargets decodes the config representation of the target list.
func parseTargets(raw []any) []Target {
	out := make([]Target, 0, len(raw))
	for _, it := range raw {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, Target{
			Kind:  liqi.Str(m, "kind"),
			ID:    liqi.Int(m, "id", 0),
			Plus:  liqi.Bool(m, "plus", false),
			Badge: liqi.Int(m, "badge", 0),
			Value: liqi.Int(m, "value", 1),
		})
	}
	return out
}

func targetValue(t Target) int {
	if t.Value < 0 {
		return 0
	}
	return t.Value
}

// amuletSignature splits an owned effect into family id, enhanced flag, and
// badge id (0 when unbadged).
func amuletSignature(effect map[string]any) (reg int, plus bool, badgeID int) {
	raw := liqi.Int(effect, "id", 0)
	reg = raw / 10
	plus = raw%10 == 1
	if b := liqi.Map(effect, "badge"); b != nil {
		badgeID = liqi.Int(b, "id", 0)
	}
	return reg, plus, badgeID
}

func matchesTarget(effect map[string]any, t Target) bool {
	reg, plus, badgeID := amuletSignature(effect)
	switch t.Kind {
	case "badge":
		return badgeID != 0 && badgeID == t.ID
	case "amulet":
		if reg != t.ID {
			return false
		}
		if t.Badge != 0 && badgeID != t.Badge {
			return false
		}
		return plus == t.Plus
	}
	return false
}

// countAchieved sums the values of targets currently satisfied by the owned
// amulets. Each target counts once no matter how many amulets hit it.
func countAchieved(effectList []map[string]any, targets []Target) int {
	total := 0
	for _, t := range targets {
		for _, e := range effectList {
			if matchesTarget(e, t) {
				total += targetValue(t)
				break
			}
		}
	}
	return total
}

func candidateBadgeID(c map[string]any) int {
	if bid := liqi.Int(c, "badgeId", 0); bid > 0 {
		return bid
	}
	return 0
}

func ownedCountWithBadge(effectList []map[string]any, want int) int {
	n := 0
	for _, e := range effectList {
		if b := liqi.Map(e, "badge"); b != nil && liqi.Int(b, "id", 0) == want {
			n++
		}
	}
	return n
}

// candidateValue scores a non-target candidate: rarity tier times three,
// tripled again by the enhance badge.
func candidateValue(rawID, badgeID int, rarity rarityValue) int {
	base := 0
	if rarity != nil {
		base = rarity(rawID/10) * 3
	}
	if badgeID == badgeEnhance {
		base *= 3
	}
	return base
}

// requiredNonPlusBadges collects the badges demanded by non-plus amulet
// targets for one family.
func requiredNonPlusBadges(targets []Target, reg int) map[int]bool {
	req := make(map[int]bool)
	for _, t := range targets {
		if t.Kind != "amulet" || t.ID != reg || t.Plus {
			continue
		}
		if t.Badge != 0 {
			req[t.Badge] = true
		}
	}
	return req
}

func findOwnedUIDForReg(effectList []map[string]any, reg int) (int, bool) {
	for _, e := range effectList {
		if liqi.Int(e, "id", 0)/10 == reg {
			if uid := liqi.Int(e, "uid", -1); uid >= 0 {
				return uid, true
			}
			return 0, false
		}
	}
	return 0, false
}

func isNeededForAnyTarget(effect map[string]any, targets []Target) bool {
	reg, _, badgeID := amuletSignature(effect)
	for _, t := range targets {
		switch t.Kind {
		case "badge":
			if badgeID != 0 && badgeID == t.ID {
				return true
			}
		case "amulet":
			if reg == t.ID {
				return true
			}
		}
	}
	return false
}

// ownedEffectValueForSelling prices an owned amulet for keep-or-sell
// decisions; higher means keep longer. Target pieces are effectively
// unsellable.
func ownedEffectValueForSelling(e map[string]any, targets []Target, rarity rarityValue) int {
	if isNeededForAnyTarget(e, targets) {
		return 1_000_000_000
	}
	reg, _, bid := amuletSignature(e)
	base := 0
	if rarity != nil {
		base = rarity(reg) * 3
	}
	if bid == badgeEnhance {
		base *= 3
	}
	if bid == badgePioneer {
		base += 10000
	}
	if bid == badgeFortune {
		base += 1000
	}
	if reg == regWheel {
		base += 10000
	}
	return base
}

// pickUIDToSellSameReg picks the least valuable owned duplicate of a family.
func pickUIDToSellSameReg(effectList []map[string]any, reg int, targets []Target, rarity rarityValue) (int, bool) {
	bestUID := 0
	bestKey := [2]int{0, 0}
	found := false
	for _, e := range effectList {
		if liqi.Int(e, "id", 0)/10 != reg {
			continue
		}
		uid := liqi.Int(e, "uid", 1_000_000_000)
		key := [2]int{ownedEffectValueForSelling(e, targets, rarity), uid}
		if !found || key[0] < bestKey[0] || (key[0] == bestKey[0] && key[1] < bestKey[1]) {
			found = true
			bestKey = key
			bestUID = liqi.Int(e, "uid", -1)
		}
	}
	if !found || bestUID < 0 {
		return 0, false
	}
	return bestUID, true
}

// pickResult is the outcome of selectAmuletFromCandidates.
type pickResult struct {
	Raw     int // candidate item id to select
	BadgeID int
	Value   int // 99 target hit, 2 pioneer stack, 1 fortune, 0 otherwise
	SellUID int // owned duplicate worth selling first, when SellOK
	SellOK  bool
	OK      bool
}

// selectAmuletFromCandidates scores a pack's candidates against the targets.
// Target badges and target families win outright; otherwise pioneer badges
// are stacked up to the cap, fortune badges taken for their resale bonus,
// and the rest ranked by rarity value.
func selectAmuletFromCandidates(candidates, effectList []map[string]any, targets []Target, rarity rarityValue) pickResult {
	if len(candidates) == 0 {
		return pickResult{}
	}

	wantBadges := make(map[int]bool)
	wantRegs := make(map[int]bool)
	for _, t := range targets {
		switch t.Kind {
		case "badge":
			wantBadges[t.ID] = true
		case "amulet":
			wantRegs[t.ID] = true
		}
	}

	zeroRaw := make(map[int]bool)
	for _, c := range candidates {
		raw := liqi.Int(c, "id", 0)
		if raw <= 0 {
			continue
		}
		reg := raw / 10
		bid := candidateBadgeID(c)

		if bid != 0 && wantBadges[bid] {
			return pickResult{Raw: raw, BadgeID: bid, Value: 99, OK: true}
		}
		if wantRegs[reg] {
			required := requiredNonPlusBadges(targets, reg)
			if len(required) > 0 {
				if required[bid] {
					return pickResult{Raw: raw, BadgeID: bid, Value: 99, OK: true}
				}
				zeroRaw[raw] = true
			} else {
				return pickResult{Raw: raw, BadgeID: bid, Value: 99, OK: true}
			}
		}
	}

	if ownedCountWithBadge(effectList, badgePioneer) < needPioneerBadgeCount {
		for _, c := range candidates {
			if bid := candidateBadgeID(c); bid == badgePioneer {
				return pickResult{Raw: liqi.Int(c, "id", 0), BadgeID: bid, Value: 2, OK: true}
			}
		}
	}

	for _, c := range candidates {
		if bid := candidateBadgeID(c); bid == badgeFortune {
			return pickResult{Raw: liqi.Int(c, "id", 0), BadgeID: bid, Value: 1, OK: true}
		}
	}

	best := pickResult{}
	bestVal := -1 << 40
	for _, c := range candidates {
		raw := liqi.Int(c, "id", 0)
		if raw <= 0 {
			continue
		}
		bid := candidateBadgeID(c)
		reg := raw / 10

		val := 0
		sellUID, sellOK := 0, false
		if zeroRaw[raw] {
			// zero-scored target dupe: suggest clearing the owned copy first
			// when it is not itself needed
			if uid, ok := findOwnedUIDForReg(effectList, reg); ok {
				for _, e := range effectList {
					if liqi.Int(e, "uid", -1) == uid && !isNeededForAnyTarget(e, targets) {
						sellUID, sellOK = uid, true
						break
					}
				}
			}
		} else {
			val = candidateValue(raw, bid, rarity)
		}

		if val > bestVal {
			bestVal = val
			best = pickResult{Raw: raw, BadgeID: bid, Value: 0, SellUID: sellUID, SellOK: sellOK, OK: true}
		}
	}
	return best
}

func totalVolume(effectList []map[string]any) int {
	s := 0
	for _, e := range effectList {
		if v := liqi.Int(e, "volume", 0); v > 0 {
			s += v
		}
	}
	return s
}

// findUIDForRawOrPlus locates the owned copy of an item id, matching either
// variant of its family.
func findUIDForRawOrPlus(effectList []map[string]any, raw int) (int, bool) {
	if raw <= 0 {
		return 0, false
	}
	reg := raw / 10
	for _, e := range effectList {
		id := liqi.Int(e, "id", -1)
		if id == raw || id == reg*10+1 {
			if uid := liqi.Int(e, "uid", -1); uid >= 0 {
				return uid, true
			}
			return 0, false
		}
	}
	return 0, false
}

// sortSellPriority orders the sellable amulets: target pieces are excluded,
// and the first few pioneer-badged ones sell last.
func sortSellPriority(effectList []map[string]any, targets []Target) []map[string]any {
	if len(effectList) == 0 {
		return nil
	}
	var normal, demoted []map[string]any
	demotedTaken := 0
	for _, e := range effectList {
		if isNeededForAnyTarget(e, targets) {
			continue
		}
		_, _, bid := amuletSignature(e)
		if bid == badgePioneer && demotedTaken < needPioneerBadgeCount {
			demoted = append(demoted, e)
			demotedTaken++
		} else {
			normal = append(normal, e)
		}
	}
	return append(normal, demoted...)
}

// selectItemsToSellForPurchase greedily picks sell candidates until the
// freed volume covers the gap between free and needed space.
func selectItemsToSellForPurchase(freeSpace, needSpace int, sellCandidates []map[string]any) (chosen []map[string]any, freed int, enough bool) {
	if needSpace <= freeSpace {
		return nil, 0, true
	}
	gap := needSpace
	if freeSpace > 0 {
		gap = needSpace - freeSpace
	}
	for _, it := range sellCandidates {
		v := liqi.Int(it, "volume", 0)
		if v <= 0 {
			continue
		}
		chosen = append(chosen, it)
		freed += v
		if freed >= gap {
			return chosen, freed, true
		}
	}
	return chosen, freed, false
}

func amuletFamily(effect map[string]any) int {
	return liqi.Int(effect, "id", 0) / 10
}

func firstStoreFamily(effect map[string]any) int {
	store := liqi.IntList(effect, "store")
	if len(store) == 0 {
		return 0
	}
	return store[0] / 10
}

func isTheftLike(effect map[string]any) bool {
	b := amuletFamily(effect)
	if b == regTheft {
		return true
	}
	if (b == regHacker || b == regUnstable) && firstStoreFamily(effect) == regTheft {
		return true
	}
	return false
}

func isKavi(effect map[string]any) bool {
	return amuletFamily(effect) == regKavi
}

// sortedUIDsByMode proposes a reorder of the owned amulets for the given
// phase, or nil when the current order already serves (or the list cannot be
// reordered safely).
func sortedUIDsByMode(effectList []map[string]any, mode string) []int {
	var kavi, theft, others []map[string]any
	for _, e := range effectList {
		switch {
		case isKavi(e):
			kavi = append(kavi, e)
		case isTheftLike(e):
			theft = append(theft, e)
		default:
			others = append(others, e)
		}
	}

	var order []map[string]any
	switch mode {
	case "pre_start":
		order = append(append(kavi, theft...), others...)
	case "pre_win":
		order = append(append(theft, kavi...), others...)
	default:
		return nil
	}

	uids := func(arr []map[string]any) []int {
		out := make([]int, 0, len(arr))
		for _, e := range arr {
			if uid := liqi.Int(e, "uid", -1); uid >= 0 {
				out = append(out, uid)
			}
		}
		return out
	}
	newUIDs := uids(order)
	oldUIDs := uids(effectList)
	if len(newUIDs) != len(oldUIDs) || !sameSet(newUIDs, oldUIDs) {
		return nil
	}
	if equalInts(newUIDs, oldUIDs) {
		return nil
	}
	return newUIDs
}

func sameSet(a, b []int) bool {
	as := make(map[int]bool, len(a))
	for _, v := range a {
		as[v] = true
	}
	bs := make(map[int]bool, len(b))
	for _, v := range b {
		bs[v] = true
	}
	if len(as) != len(bs) {
		return false
	}
	for v := range as {
		if !bs[v] {
			return false
		}
	}
	return true
}

func equalInts(a, b []int) bool {
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
