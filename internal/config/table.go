package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Table is one named group of items backed by a JSON file.
type Table struct {
	Name string
	File string

	items map[string]*Item
}

func NewTable(name, file string) *Table {
	return &Table{Name: name, File: file, items: map[string]*Item{}}
}

// Add registers a default item. Chainable so the default tables read as one
// declaration.
func (t *Table) Add(key string, def any, desc, kind string) *Table {
	t.items[key] = &Item{Name: key, Default: def, Desc: desc, Kind: kind}
	return t
}

// Get returns the effective value for key, or def when unregistered.
func (t *Table) Get(key string, def any) any {
	it, ok := t.items[key]
	if !ok {
		return def
	}
	return it.Effective()
}

// Set stores an override, registering unknown keys on the fly.
func (t *Table) Set(key string, v any) {
	it, ok := t.items[key]
	if !ok {
		t.items[key] = &Item{Name: key, Value: v}
		return
	}
	it.Set(v)
}

// Values renders the effective key/value map.
func (t *Table) Values() map[string]any {
	out := make(map[string]any, len(t.items))
	for k, it := range t.items {
		out[k] = it.Effective()
	}
	return out
}

// LoadMerge folds the disk file into memory. It reports whether any
// effective value changed and whether the file needs a write-back (missing
// file or missing keys). A corrupt file reads as empty.
func (t *Table) LoadMerge() (changed, needWrite bool) {
	data := map[string]any{}
	raw, err := os.ReadFile(t.File)
	if err != nil {
		needWrite = true
	} else if err := json.Unmarshal(raw, &data); err != nil {
		data = map[string]any{}
	}

	for k, it := range t.items {
		old := it.Effective()
		v, ok := data[k]
		if !ok {
			needWrite = true
			continue
		}
		it.Set(v)
		if !sameValue(it.Effective(), old) {
			changed = true
		}
	}
	return changed, needWrite
}

// Save writes the effective values atomically.
func (t *Table) Save() error {
	obj := t.Values()
	raw, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.File), 0o755); err != nil {
		return err
	}
	tmp := t.File + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, t.File)
}

// Patch applies a partial update and reports whether anything effective
// changed.
func (t *Table) Patch(partial map[string]any) bool {
	changed := false
	for k, v := range partial {
		var old any
		if it, ok := t.items[k]; ok {
			old = it.Effective()
		}
		t.Set(k, v)
		if !sameValue(t.items[k].Effective(), old) {
			changed = true
		}
	}
	return changed
}
