package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildManagerSeedsFiles(t *testing.T) {
	dir := t.TempDir()
	m, err := BuildManager(dir)
	require.NoError(t, err)

	for _, name := range []string{"game", "general", "backend", "fuse", "autorun"} {
		_, statErr := os.Stat(filepath.Join(dir, name+".json"))
		assert.NoError(t, statErr, name)
	}
	assert.Equal(t, true, m.GetBool("game.modify_announcement", false))
	assert.Equal(t, "zh-CN", m.Get("general.language", ""))
	assert.Equal(t, 8787, m.Get("backend.port", 0))
}

func TestManagerDottedGetSet(t *testing.T) {
	dir := t.TempDir()
	m, err := BuildManager(dir)
	require.NoError(t, err)

	require.NoError(t, m.Set("game.public_all", true, false))
	assert.True(t, m.GetBool("game.public_all", false))
	assert.Equal(t, "fallback", m.Get("nosuch.key", "fallback"))
	assert.Equal(t, "fallback", m.Get("nodot", "fallback"))
}

func TestManagerPayloadHidesFuseTable(t *testing.T) {
	dir := t.TempDir()
	m, err := BuildManager(dir)
	require.NoError(t, err)

	p := m.Payload()
	assert.Contains(t, p, "game")
	assert.Contains(t, p, "autorun")
	assert.NotContains(t, p, "fuse")

	// the fuse table stays reachable by name
	fuse := m.TableValues("fuse")
	assert.Equal(t, true, fuse["enable_skip_guard"])
	assert.Equal(t, map[string]any{}, m.TableValues("nosuch"))
}

func TestManagerApplyPatchPersists(t *testing.T) {
	dir := t.TempDir()
	m, err := BuildManager(dir)
	require.NoError(t, err)

	written := m.ApplyPatch(map[string]map[string]any{
		"autorun": {"end_count": float64(3)},
	})
	require.Len(t, written, 1)
	assert.Equal(t, filepath.Join(dir, "autorun.json"), written[0])

	// a no-op patch writes nothing
	written = m.ApplyPatch(map[string]map[string]any{
		"autorun": {"end_count": float64(3)},
	})
	assert.Empty(t, written)

	reloaded, err := BuildManager(dir)
	require.NoError(t, err)
	assert.Equal(t, float64(3), reloaded.Get("autorun.end_count", 0))
}

func TestManagerHandleFileChange(t *testing.T) {
	dir := t.TempDir()
	m, err := BuildManager(dir)
	require.NoError(t, err)

	file := filepath.Join(dir, "game.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"modify_announcement": false, "public_all": false, "auto_discard": false, "auto_tsumo": false}`), 0o644))

	name, changed := m.HandleFileChange(file)
	assert.Equal(t, "game", name)
	assert.True(t, changed)
	assert.False(t, m.GetBool("game.modify_announcement", true))
}

func TestWatcherFiresOnExternalEdit(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "game.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"a":1}`), 0o644))

	events := make(chan string, 4)
	w := NewWatcher(dir, func(path string) { events <- path })
	w.scan(false)

	// backdate the mtime so the rewrite below is a visible change
	old := time.Now().Add(-2 * time.Second)
	require.NoError(t, os.Chtimes(file, old, old))
	w.scan(false)

	require.NoError(t, os.WriteFile(file, []byte(`{"a":2}`), 0o644))
	w.scan(true)

	select {
	case got := <-events:
		assert.Equal(t, file, got)
	default:
		t.Fatal("expected a change event")
	}
}

func TestWatcherSuppressesSelfWrites(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "game.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"a":1}`), 0o644))

	events := make(chan string, 4)
	w := NewWatcher(dir, func(path string) { events <- path })
	w.scan(false)

	old := time.Now().Add(-2 * time.Second)
	require.NoError(t, os.Chtimes(file, old, old))
	w.scan(false)

	w.MarkSelfWrite(file)
	require.NoError(t, os.WriteFile(file, []byte(`{"a":2}`), 0o644))
	w.scan(true)

	select {
	case <-events:
		t.Fatal("self write must not fire")
	default:
	}
}
