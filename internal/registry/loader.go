package registry

import (
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

//go:embed assets/amulets.json assets/badges.json
var builtinAssets embed.FS

const (
	amuletsFile = "amulets.json"
	badgesFile  = "badges.json"
)

type tableFile struct {
	SchemaVersion int       `json:"schema_version"`
	Items         []itemRow `json:"items"`
}

type itemRow struct {
	ID     int    `json:"id"`
	IconID int    `json:"icon_id"`
	Name   string `json:"name"`
	Rarity string `json:"rarity"`
	Desc   string `json:"desc,omitempty"`
}

// Registry holds the loaded amulet and badge tables, keyed by item id.
type Registry struct {
	amulets     map[int]Amulet
	amuletOrder []int
	badges      map[int]Badge
	badgeOrder  []int
}

// Builtin loads the embedded tables. Panics only if the embedded assets are
// corrupt, which is a build defect.
func Builtin() *Registry {
	r, err := load(mustAsset(amuletsFile), mustAsset(badgesFile))
	if err != nil {
		panic(fmt.Sprintf("builtin registry invalid: %v", err))
	}
	return r
}

// Load reads the tables from dir, seeding any missing file with the builtin
// copy. A present-but-invalid external file is ignored in favor of the
// builtin table so a bad edit cannot brick startup.
func Load(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("registry dir: %w", err)
	}
	amulets, err := loadOrSeed(dir, amuletsFile)
	if err != nil {
		return nil, err
	}
	badges, err := loadOrSeed(dir, badgesFile)
	if err != nil {
		return nil, err
	}
	return load(amulets, badges)
}

func loadOrSeed(dir, name string) ([]byte, error) {
	path := filepath.Join(dir, name)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		builtin := mustAsset(name)
		if werr := writeAtomic(path, builtin); werr != nil {
			return nil, fmt.Errorf("seed %s: %w", name, werr)
		}
		slog.Info("registry table seeded", "file", path)
		return builtin, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if _, verr := parseTable(raw); verr != nil {
		slog.Warn("external registry table invalid, using builtin", "file", path, "err", verr)
		return mustAsset(name), nil
	}
	return raw, nil
}

func load(amuletRaw, badgeRaw []byte) (*Registry, error) {
	r := &Registry{
		amulets: make(map[int]Amulet),
		badges:  make(map[int]Badge),
	}

	rows, err := parseTable(amuletRaw)
	if err != nil {
		return nil, fmt.Errorf("amulets: %w", err)
	}
	for _, row := range rows {
		rarity, err := parseAmuletRarity(row.Rarity)
		if err != nil {
			return nil, fmt.Errorf("amulet %d: %w", row.ID, err)
		}
		r.amulets[row.ID] = Amulet{ID: row.ID, IconID: row.IconID, Name: row.Name, Rarity: rarity, Desc: row.Desc}
		r.amuletOrder = append(r.amuletOrder, row.ID)
	}

	rows, err = parseTable(badgeRaw)
	if err != nil {
		return nil, fmt.Errorf("badges: %w", err)
	}
	for _, row := range rows {
		rarity, err := parseBadgeRarity(row.Rarity)
		if err != nil {
			return nil, fmt.Errorf("badge %d: %w", row.ID, err)
		}
		r.badges[row.ID] = Badge{ID: row.ID, IconID: row.IconID, Name: row.Name, Rarity: rarity, Desc: row.Desc}
		r.badgeOrder = append(r.badgeOrder, row.ID)
	}
	return r, nil
}

// parseTable validates one table file: schema version, required columns,
// unique ids, unique names (case-insensitive).
func parseTable(raw []byte) ([]itemRow, error) {
	var tf tableFile
	if err := json.Unmarshal(raw, &tf); err != nil {
		return nil, err
	}
	if tf.SchemaVersion != CurrentSchemaVersion {
		return nil, fmt.Errorf("schema_version %d, want %d", tf.SchemaVersion, CurrentSchemaVersion)
	}
	seenID := make(map[int]bool, len(tf.Items))
	seenName := make(map[string]bool, len(tf.Items))
	for i, row := range tf.Items {
		if row.ID <= 0 {
			return nil, fmt.Errorf("row %d: missing id", i)
		}
		if row.IconID <= 0 {
			return nil, fmt.Errorf("row %d (id %d): missing icon_id", i, row.ID)
		}
		if strings.TrimSpace(row.Name) == "" {
			return nil, fmt.Errorf("row %d (id %d): missing name", i, row.ID)
		}
		if row.Rarity == "" {
			return nil, fmt.Errorf("row %d (id %d): missing rarity", i, row.ID)
		}
		if seenID[row.ID] {
			return nil, fmt.Errorf("duplicate id %d", row.ID)
		}
		seenID[row.ID] = true
		nameKey := strings.ToLower(strings.TrimSpace(row.Name))
		if seenName[nameKey] {
			return nil, fmt.Errorf("duplicate name %q", row.Name)
		}
		seenName[nameKey] = true
	}
	return tf.Items, nil
}

func mustAsset(name string) []byte {
	raw, err := builtinAssets.ReadFile("assets/" + name)
	if err != nil {
		panic(fmt.Sprintf("missing embedded asset %s: %v", name, err))
	}
	return raw
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Amulet returns the table row for a raw amulet id.
func (r *Registry) Amulet(id int) (Amulet, bool) {
	a, ok := r.amulets[id]
	return a, ok
}

// Badge returns the table row for a badge id.
func (r *Registry) Badge(id int) (Badge, bool) {
	b, ok := r.badges[id]
	return b, ok
}

func (r *Registry) AmuletCount() int { return len(r.amulets) }
func (r *Registry) BadgeCount() int  { return len(r.badges) }

// Payload renders both tables for the UI, in file order.
func (r *Registry) Payload() map[string]any {
	amulets := make([]map[string]any, 0, len(r.amuletOrder))
	for _, id := range r.amuletOrder {
		a := r.amulets[id]
		amulets = append(amulets, map[string]any{
			"id": a.ID, "icon_id": a.IconID, "name": a.Name,
			"rarity": a.Rarity.String(), "desc": a.Desc,
		})
	}
	badges := make([]map[string]any, 0, len(r.badgeOrder))
	for _, id := range r.badgeOrder {
		b := r.badges[id]
		badges = append(badges, map[string]any{
			"id": b.ID, "icon_id": b.IconID, "name": b.Name,
			"rarity": b.Rarity.String(), "desc": b.Desc,
		})
	}
	return map[string]any{
		"schema_version": CurrentSchemaVersion,
		"amulets":        amulets,
		"badges":         badges,
	}
}
