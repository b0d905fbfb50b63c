package autorun

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRarity maps a couple of families to fixed tiers.
func testRarity(family int) int {
	switch family {
	case 229, 146:
		return 4
	case 230:
		return 3
	case 101:
		return 1
	}
	return 2
}

func owned(uid, id int, badge int, volume int) map[string]any {
	e := map[string]any{"uid": int64(uid), "id": int64(id), "volume": int64(volume)}
	if badge != 0 {
		e["badge"] = map[string]any{"id": int64(badge), "uid": int64(uid)}
	}
	return e
}

func candidate(id, badgeID int) map[string]any {
	c := map[string]any{"id": int64(id)}
	if badgeID != 0 {
		c["badgeId"] = int64(badgeID)
	}
	return c
}

func TestAmuletSignature(t *testing.T) {
	reg, plus, bid := amuletSignature(owned(7, 2301, 600050, 1))
	assert.Equal(t, 230, reg)
	assert.True(t, plus)
	assert.Equal(t, 600050, bid)

	reg, plus, bid = amuletSignature(owned(8, 1010, 0, 1))
	assert.Equal(t, 101, reg)
	assert.False(t, plus)
	assert.Zero(t, bid)
}

func TestMatchesTarget(t *testing.T) {
	e := owned(1, 2291, 600070, 1)

	assert.True(t, matchesTarget(e, Target{Kind: "badge", ID: 600070}))
	assert.False(t, matchesTarget(e, Target{Kind: "badge", ID: 600110}))
	assert.True(t, matchesTarget(e, Target{Kind: "amulet", ID: 229, Plus: true}))
	assert.False(t, matchesTarget(e, Target{Kind: "amulet", ID: 229, Plus: false}))
	assert.True(t, matchesTarget(e, Target{Kind: "amulet", ID: 229, Plus: true, Badge: 600070}))
	assert.False(t, matchesTarget(e, Target{Kind: "amulet", ID: 229, Plus: true, Badge: 600050}))
}

func TestCountAchievedCountsEachTargetOnce(t *testing.T) {
	effects := []map[string]any{
		owned(1, 2290, 0, 1),
		owned(2, 2290, 0, 1),
		owned(3, 1460, 600110, 1),
	}
	targets := []Target{
		{Kind: "amulet", ID: 229, Value: 2},
		{Kind: "badge", ID: 600110, Value: 1},
		{Kind: "amulet", ID: 230, Value: 5},
	}
	assert.Equal(t, 3, countAchieved(effects, targets))
}

func TestSelectPrefersTargetBadge(t *testing.T) {
	cands := []map[string]any{
		candidate(1010, 0),
		candidate(2290, 600110),
	}
	pick := selectAmuletFromCandidates(cands, nil, []Target{{Kind: "badge", ID: 600110}}, testRarity)
	require.True(t, pick.OK)
	assert.Equal(t, 2290, pick.Raw)
	assert.Equal(t, 99, pick.Value)
}

func TestSelectPrefersTargetFamily(t *testing.T) {
	cands := []map[string]any{
		candidate(1010, 0),
		candidate(2300, 0),
	}
	pick := selectAmuletFromCandidates(cands, nil, []Target{{Kind: "amulet", ID: 230}}, testRarity)
	require.True(t, pick.OK)
	assert.Equal(t, 2300, pick.Raw)
	assert.Equal(t, 99, pick.Value)
}

func TestSelectTargetFamilyWithBadgeRequirement(t *testing.T) {
	targets := []Target{{Kind: "amulet", ID: 230, Badge: 600050}}

	// badge present → outright pick
	pick := selectAmuletFromCandidates([]map[string]any{candidate(2300, 600050)}, nil, targets, testRarity)
	require.True(t, pick.OK)
	assert.Equal(t, 99, pick.Value)

	// family matches but badge missing → scored zero, with the owned
	// duplicate offered for sale
	effects := []map[string]any{owned(11, 1010, 0, 1), owned(12, 2300, 0, 1)}
	pick = selectAmuletFromCandidates([]map[string]any{candidate(2300, 0)}, effects, targets, testRarity)
	require.True(t, pick.OK)
	assert.Equal(t, 2300, pick.Raw)
	assert.Equal(t, 0, pick.Value)
	assert.False(t, pick.SellOK) // owned 230 is still target material
}

func TestSelectStacksPioneerBadges(t *testing.T) {
	cands := []map[string]any{
		candidate(1010, 0),
		candidate(1020, 600070),
	}
	effects := []map[string]any{
		owned(1, 2280, 600070, 1),
		owned(2, 2281, 600070, 1),
		owned(3, 2320, 600070, 1),
	}
	pick := selectAmuletFromCandidates(cands, effects, nil, testRarity)
	require.True(t, pick.OK)
	assert.Equal(t, 1020, pick.Raw)
	assert.Equal(t, 2, pick.Value)

	// cap reached → pioneer no longer preferred
	effects = append(effects, owned(4, 2321, 600070, 1))
	pick = selectAmuletFromCandidates(cands, effects, nil, testRarity)
	require.True(t, pick.OK)
	assert.Equal(t, 0, pick.Value)
}

func TestSelectTakesFortuneBadge(t *testing.T) {
	cands := []map[string]any{
		candidate(2290, 0),
		candidate(1010, 600110),
	}
	effects := make([]map[string]any, 0)
	for uid := 1; uid <= needPioneerBadgeCount; uid++ {
		effects = append(effects, owned(uid, 2280, 600070, 1))
	}
	pick := selectAmuletFromCandidates(cands, effects, nil, testRarity)
	require.True(t, pick.OK)
	assert.Equal(t, 1010, pick.Raw)
	assert.Equal(t, 1, pick.Value)
}

func TestSelectFallsBackToRarity(t *testing.T) {
	cands := []map[string]any{
		candidate(1010, 0), // tier 1 → 3
		candidate(2290, 0), // tier 4 → 12
	}
	pick := selectAmuletFromCandidates(cands, nil, nil, testRarity)
	require.True(t, pick.OK)
	assert.Equal(t, 2290, pick.Raw)
	assert.Equal(t, 0, pick.Value)
}

func TestCandidateValueEnhanceBadgeTriples(t *testing.T) {
	assert.Equal(t, 12, candidateValue(2290, 0, testRarity))
	assert.Equal(t, 36, candidateValue(2290, badgeEnhance, testRarity))
}

func TestOwnedEffectValueForSelling(t *testing.T) {
	targets := []Target{{Kind: "amulet", ID: 229}}

	assert.Equal(t, 1_000_000_000, ownedEffectValueForSelling(owned(1, 2290, 0, 1), targets, testRarity))
	assert.Equal(t, 10009, ownedEffectValueForSelling(owned(2, 2300, 600070, 1), targets, testRarity))
	assert.Equal(t, 1009, ownedEffectValueForSelling(owned(3, 2300, 600110, 1), targets, testRarity))
	assert.Equal(t, 10012, ownedEffectValueForSelling(owned(4, 1460, 0, 1), targets, testRarity))
	assert.Equal(t, 27, ownedEffectValueForSelling(owned(5, 2300, 600050, 1), targets, testRarity))
}

func TestPickUIDToSellSameRegTakesCheapest(t *testing.T) {
	effects := []map[string]any{
		owned(10, 2300, 600070, 1),
		owned(11, 2300, 0, 1),
		owned(12, 2300, 0, 1),
	}
	uid, ok := pickUIDToSellSameReg(effects, 230, nil, testRarity)
	require.True(t, ok)
	assert.Equal(t, 11, uid)

	_, ok = pickUIDToSellSameReg(effects, 999, nil, testRarity)
	assert.False(t, ok)
}

func TestSortSellPriorityDemotesPioneers(t *testing.T) {
	effects := []map[string]any{
		owned(1, 2280, 600070, 1),
		owned(2, 1010, 0, 1),
		owned(3, 2290, 0, 1),
		owned(4, 1020, 0, 1),
	}
	targets := []Target{{Kind: "amulet", ID: 229}}

	got := sortSellPriority(effects, targets)
	require.Len(t, got, 3) // target piece excluded
	assert.Equal(t, int64(2), got[0]["uid"])
	assert.Equal(t, int64(4), got[1]["uid"])
	assert.Equal(t, int64(1), got[2]["uid"]) // pioneer sells last
}

func TestSelectItemsToSellForPurchase(t *testing.T) {
	_, _, enough := selectItemsToSellForPurchase(2, 1, nil)
	assert.True(t, enough)

	sell := []map[string]any{
		owned(1, 1010, 0, 1),
		owned(2, 1020, 0, 2),
	}
	chosen, freed, enough := selectItemsToSellForPurchase(0, 2, sell)
	require.True(t, enough)
	assert.Len(t, chosen, 2)
	assert.Equal(t, 3, freed)

	chosen, freed, enough = selectItemsToSellForPurchase(0, 9, sell)
	assert.False(t, enough)
	assert.Len(t, chosen, 2)
	assert.Equal(t, 3, freed)
}

func TestSortedUIDsByModePreStart(t *testing.T) {
	effects := []map[string]any{
		owned(1, 1010, 0, 1), // other
		owned(2, 2290, 0, 1), // theft
		owned(3, 2300, 0, 1), // kavi
	}
	assert.Equal(t, []int{3, 2, 1}, sortedUIDsByMode(effects, "pre_start"))
	assert.Equal(t, []int{2, 3, 1}, sortedUIDsByMode(effects, "pre_win"))
}

func TestSortedUIDsByModeTheftLikeViaStore(t *testing.T) {
	unstable := owned(5, 2280, 0, 1)
	unstable["store"] = []any{int64(2291)}
	effects := []map[string]any{
		owned(1, 1010, 0, 1),
		unstable,
	}
	assert.Equal(t, []int{5, 1}, sortedUIDsByMode(effects, "pre_win"))
}

func TestSortedUIDsByModeNilWhenAlreadyOrdered(t *testing.T) {
	effects := []map[string]any{
		owned(3, 2300, 0, 1),
		owned(2, 2290, 0, 1),
		owned(1, 1010, 0, 1),
	}
	assert.Nil(t, sortedUIDsByMode(effects, "pre_start"))
	assert.Nil(t, sortedUIDsByMode(effects, "bogus"))
}

func TestFindUIDForRawOrPlusMatchesEitherVariant(t *testing.T) {
	effects := []map[string]any{owned(9, 2301, 0, 1)}

	uid, ok := findUIDForRawOrPlus(effects, 2300)
	require.True(t, ok)
	assert.Equal(t, 9, uid)

	_, ok = findUIDForRawOrPlus(effects, 1010)
	assert.False(t, ok)
}

func TestTotalVolumeSkipsNonPositive(t *testing.T) {
	effects := []map[string]any{
		owned(1, 1010, 0, 2),
		owned(2, 1020, 0, 0),
		owned(3, 1030, 0, 3),
	}
	assert.Equal(t, 5, totalVolume(effects))
}

func TestParseTargets(t *testing.T) {
	raw := []any{
		map[string]any{"kind": "amulet", "id": int64(230), "plus": true, "badge": int64(600050), "value": int64(2)},
		map[string]any{"kind": "badge", "id": int64(600110)},
		"garbage",
	}
	got := parseTargets(raw)
	require.Len(t, got, 2)
	assert.Equal(t, Target{Kind: "amulet", ID: 230, Plus: true, Badge: 600050, Value: 2}, got[0])
	assert.Equal(t, Target{Kind: "badge", ID: 600110, Value: 1}, got[1])
}
