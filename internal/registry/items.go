// Package registry carries the static item tables for the amulet activity:
// which amulets and badges exist, their display names and rarities. The
// builtin tables ship embedded; an external data directory can override them
// and gets seeded with the builtin copy on first run.
package registry

import (
	"fmt"
	"strings"
)

// CurrentSchemaVersion is the only table format this build understands.
const CurrentSchemaVersion = 1

// AmuletRarity orders amulet tiers; the numeric value feeds scoring.
type AmuletRarity int

const (
	AmuletGreen  AmuletRarity = 1
	AmuletBlue   AmuletRarity = 2
	AmuletOrange AmuletRarity = 3
	AmuletPurple AmuletRarity = 4
)

var amuletRarityNames = map[string]AmuletRarity{
	"GREEN":  AmuletGreen,
	"BLUE":   AmuletBlue,
	"ORANGE": AmuletOrange,
	"PURPLE": AmuletPurple,
}

func (r AmuletRarity) String() string {
	switch r {
	case AmuletGreen:
		return "GREEN"
	case AmuletBlue:
		return "BLUE"
	case AmuletOrange:
		return "ORANGE"
	case AmuletPurple:
		return "PURPLE"
	}
	return fmt.Sprintf("AmuletRarity(%d)", int(r))
}

// BadgeRarity orders badge tiers.
type BadgeRarity int

const (
	BadgeBrown BadgeRarity = 1
	BadgeBlue  BadgeRarity = 2
	BadgeRed   BadgeRarity = 3
)

var badgeRarityNames = map[string]BadgeRarity{
	"BROWN": BadgeBrown,
	"BLUE":  BadgeBlue,
	"RED":   BadgeRed,
}

func (r BadgeRarity) String() string {
	switch r {
	case BadgeBrown:
		return "BROWN"
	case BadgeBlue:
		return "BLUE"
	case BadgeRed:
		return "RED"
	}
	return fmt.Sprintf("BadgeRarity(%d)", int(r))
}

// Amulet is one row of the amulet table. ID is the raw item id the server
// uses (family id * 10, +1 for the enhanced variant).
type Amulet struct {
	ID     int          `json:"id"`
	IconID int          `json:"icon_id"`
	Name   string       `json:"name"`
	Rarity AmuletRarity `json:"-"`
	Desc   string       `json:"desc,omitempty"`
}

// Badge is one row of the badge table.
type Badge struct {
	ID     int         `json:"id"`
	IconID int         `json:"icon_id"`
	Name   string      `json:"name"`
	Rarity BadgeRarity `json:"-"`
	Desc   string      `json:"desc,omitempty"`
}

// Family returns the amulet family id, shared between the base and enhanced
// variants.
func (a Amulet) Family() int { return a.ID / 10 }

// Enhanced reports whether this is the + variant of its family.
func (a Amulet) Enhanced() bool { return a.ID%10 == 1 }

func parseAmuletRarity(s string) (AmuletRarity, error) {
	if r, ok := amuletRarityNames[strings.ToUpper(s)]; ok {
		return r, nil
	}
	return 0, fmt.Errorf("unknown amulet rarity %q", s)
}

func parseBadgeRarity(s string) (BadgeRarity, error) {
	if r, ok := badgeRarityNames[strings.ToUpper(s)]; ok {
		return r, nil
	}
	return 0, fmt.Errorf("unknown badge rarity %q", s)
}
