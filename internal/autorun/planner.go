package autorun

import "sort"

// Plan statuses.
const (
	PlanImpossible = "impossible"
	PlanWinNow     = "win_now"
	PlanSteps      = "plan"
)

// Plan is the route to a pure-pinzu four-concealed-triplets hand: how many
// draws it takes, the 14-tile target shape, and the discard for each step
// up to the winning draw.
type Plan struct {
	Status      string
	Reason      string
	DrawsNeeded int
	Target14    []string
	Discards    []int
}

// tileFaces resolves a tile id to its face string ("1p".."9p", "0p" for the
// red five, "bd" for the wildcard).
type tileFaces func(id int) string

// PlanPurePinzuSuuAnkou searches for the earliest draw count k at which the
// hand plus the next k wall tiles can form four concealed pinzu triplets and
// a pair. The red five counts as a five; "bd" wildcards fill any pinzu
// deficit. When a route exists the discard sequence keeps it intact,
// preferring to shed off-suit tiles, then surplus naturals, keeping red
// fives over plain fives.
func PlanPurePinzuSuuAnkou(hand, futureDraws []int, face tileFaces) Plan {
	p := planSuuAnkou(hand, futureDraws, face)
	if p == nil {
		return Plan{Status: PlanImpossible, Reason: "not-enough-pinzu-or-bd"}
	}
	if p.DrawsNeeded == 0 {
		p.Status = PlanWinNow
		p.Discards = []int{}
		return *p
	}
	p.Status = PlanSteps
	return *p
}

// need is tiles required per pinzu rank 1..9.
type need [10]int

func (n need) deficit(have counts) int {
	d := 0
	for r := 1; r <= 9; r++ {
		if n[r] > have.pin[r] {
			d += n[r] - have.pin[r]
		}
	}
	return d
}

type counts struct {
	pin [10]int // naturals per rank, red five folded into rank 5
	bd  int
}

func countTiles(ids []int, face tileFaces) counts {
	var c counts
	for _, id := range ids {
		f := face(id)
		if f == "bd" {
			c.bd++
			continue
		}
		if r := pinRank(f); r > 0 {
			c.pin[r]++
		}
	}
	return c
}

// pinRank maps a face to its pinzu rank 1..9 (0p → 5), or 0 for off-suit.
func pinRank(face string) int {
	if face == "0p" {
		return 5
	}
	if len(face) == 2 && face[1] == 'p' && face[0] >= '1' && face[0] <= '9' {
		return int(face[0] - '0')
	}
	return 0
}

func isPinzu(face string) bool {
	return len(face) == 2 && face[1] == 'p'
}

// findTarget picks the first viable 4-triplet+pair shape, scanning triplet
// rank combinations in ascending order. The pair rank may repeat a triplet
// rank, which then needs five of that rank.
func findTarget(c counts) (need, bool) {
	for a := 1; a <= 6; a++ {
		for b := a + 1; b <= 7; b++ {
			for cc := b + 1; cc <= 8; cc++ {
				for d := cc + 1; d <= 9; d++ {
					for pair := 1; pair <= 9; pair++ {
						var n need
						n[a] += 3
						n[b] += 3
						n[cc] += 3
						n[d] += 3
						n[pair] += 2
						if n.deficit(c) <= c.bd {
							return n, true
						}
					}
				}
			}
		}
	}
	return need{}, false
}

func planSuuAnkou(hand, futureDraws []int, face tileFaces) *Plan {
	var target need
	kFound := -1
	for k := 0; k <= len(futureDraws); k++ {
		pool := append(append([]int(nil), hand...), futureDraws[:k]...)
		if n, ok := findTarget(countTiles(pool, face)); ok {
			target = n
			kFound = k
			break
		}
	}
	if kFound < 0 {
		return nil
	}

	// how many of each rank the route covers with naturals rather than bd
	pool := append(append([]int(nil), hand...), futureDraws[:kFound]...)
	all := countTiles(pool, face)
	var natNeed need
	for r := 1; r <= 9; r++ {
		natNeed[r] = min(target[r], all.pin[r])
	}

	cur := append([]int(nil), hand...)

	feasibleAfter := func(discardID int, futureRest []int) bool {
		tmp := make([]int, 0, len(cur)+len(futureRest))
		removed := false
		for _, id := range cur {
			if !removed && id == discardID {
				removed = true
				continue
			}
			tmp = append(tmp, id)
		}
		c := countTiles(append(tmp, futureRest...), face)
		for r := 1; r <= 9; r++ {
			if c.pin[r] < natNeed[r] {
				return false
			}
		}
		return target.deficit(c) <= c.bd
	}

	// score orders discard preference: off-suit first, then over-quota
	// naturals, then exact-quota naturals; bd last. Red fives outrank plain
	// fives for keeping. Ties break on tile id.
	score := func(id int, futureRest []int) [3]int {
		f := face(id)
		r := pinRank(f)
		if f != "bd" && !isPinzu(f) {
			return [3]int{0, 0, id}
		}
		if f == "bd" {
			return [3]int{3, 0, id}
		}
		naturals := countTiles(cur, face).pin[r] + countTiles(futureRest, face).pin[r]
		base := 2
		if naturals > target[r] {
			base = 1
		}
		redBias := 0
		if r == 5 && f == "0p" {
			redBias = 1
		}
		return [3]int{base, redBias, id}
	}

	pickDiscard := func(futureRest []int) int {
		candidates := make([]int, 0, len(cur))
		for _, id := range uniqueIDs(cur) {
			if feasibleAfter(id, futureRest) {
				candidates = append(candidates, id)
			}
		}
		if len(candidates) == 0 {
			candidates = uniqueIDs(cur)
		}
		best := candidates[0]
		bestScore := score(best, futureRest)
		for _, id := range candidates[1:] {
			if s := score(id, futureRest); lessScore(s, bestScore) {
				best, bestScore = id, s
			}
		}
		return best
	}

	discards := []int{}
	if kFound > 0 {
		best := pickDiscard(futureDraws[:kFound])
		discards = append(discards, best)
		cur = removeFirst(cur, best)
	}
	for j := 0; j < kFound; j++ {
		cur = append(cur, futureDraws[j])
		if j == kFound-1 {
			break
		}
		rest := futureDraws[j+1 : kFound]
		best := pickDiscard(rest)
		discards = append(discards, best)
		cur = removeFirst(cur, best)
	}

	target14 := make([]string, 0, 14)
	for r := 1; r <= 9; r++ {
		for i := 0; i < target[r]; i++ {
			target14 = append(target14, string(rune('0'+r))+"p")
		}
	}
	return &Plan{DrawsNeeded: kFound, Target14: target14, Discards: discards}
}

func lessScore(a, b [3]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func uniqueIDs(ids []int) []int {
	seen := make(map[int]bool, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

func removeFirst(ids []int, v int) []int {
	for i, x := range ids {
		if x == v {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}
