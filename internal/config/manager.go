package config

import (
	"path/filepath"
	"strings"
	"sync"
)

// Manager owns the runtime tables and their disk files.
type Manager struct {
	mu     sync.Mutex
	root   string
	tables map[string]*Table
}

func NewManager(root string) *Manager {
	return &Manager{root: root, tables: map[string]*Table{}}
}

// AddTable registers a table. Chainable.
func (m *Manager) AddTable(t *Table) *Manager {
	m.mu.Lock()
	m.tables[t.Name] = t
	m.mu.Unlock()
	return m
}

// Get resolves a dotted "table.key" path.
func (m *Manager) Get(dotted string, def any) any {
	tname, key, ok := strings.Cut(dotted, ".")
	if !ok {
		return def
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, found := m.tables[tname]
	if !found {
		return def
	}
	return t.Get(key, def)
}

// GetBool resolves a dotted path as a boolean, tolerating JSON numbers.
func (m *Manager) GetBool(dotted string, def bool) bool {
	switch v := m.Get(dotted, def).(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return def
}

// Set stores one value, creating the table if needed, optionally persisting.
func (m *Manager) Set(dotted string, v any, persist bool) error {
	tname, key, ok := strings.Cut(dotted, ".")
	if !ok {
		return nil
	}
	m.mu.Lock()
	t, found := m.tables[tname]
	if !found {
		t = NewTable(tname, filepath.Join(m.root, tname+".json"))
		m.tables[tname] = t
	}
	t.Set(key, v)
	m.mu.Unlock()
	if persist {
		return t.Save()
	}
	return nil
}

// LoadAll merges every table from disk, writing back files that are missing
// keys. It reports whether any effective value changed.
func (m *Manager) LoadAll() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	anyChanged := false
	var firstErr error
	for _, t := range m.tables {
		changed, needWrite := t.LoadMerge()
		anyChanged = anyChanged || changed
		if needWrite {
			if err := t.Save(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return anyChanged, firstErr
}

// Payload renders every table's effective values, minus the fuse table which
// stays off the generic settings surface.
func (m *Manager) Payload() map[string]map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string]any, len(m.tables))
	for name, t := range m.tables {
		if name == "fuse" {
			continue
		}
		out[name] = t.Values()
	}
	return out
}

// TableValues renders one table's effective values ({} when absent).
func (m *Manager) TableValues(name string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[name]
	if !ok {
		return map[string]any{}
	}
	return t.Values()
}

// ApplyPatch applies a {table: {key: value}} edit and saves the touched
// tables. It returns the file paths written, so the caller can mark them as
// self-writes for the watcher.
func (m *Manager) ApplyPatch(edit map[string]map[string]any) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var written []string
	for tname, partial := range edit {
		t, ok := m.tables[tname]
		if !ok {
			t = NewTable(tname, filepath.Join(m.root, tname+".json"))
			m.tables[tname] = t
		}
		if t.Patch(partial) {
			if err := t.Save(); err == nil {
				written = append(written, t.File)
			}
		}
	}
	return written
}

// HandleFileChange re-merges the table matching a changed file. It returns
// the table name and whether its values moved.
func (m *Manager) HandleFileChange(path string) (string, bool) {
	tname := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[tname]
	if !ok {
		t = NewTable(tname, path)
		m.tables[tname] = t
	}
	changed, needWrite := t.LoadMerge()
	if needWrite {
		_ = t.Save()
	}
	return tname, changed || needWrite
}
