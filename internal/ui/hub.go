// Package ui pushes live state to the desktop frontend over a websocket and
// accepts its commands: config edits, manual refreshes, and automation
// control. Every message is a {"type", "data"} JSON envelope.
package ui

import (
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shantenlens/backend/internal/packetbot"
)

var connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ui_connected_clients",
	Help: "Currently connected frontend clients",
})

// gamestateDebounce coalesces bursts of projector updates into one push.
const gamestateDebounce = 50 * time.Millisecond

// ConfigStore is the runtime config surface the hub edits and renders.
type ConfigStore interface {
	Payload() map[string]map[string]any
	TableValues(name string) map[string]any
	ApplyPatch(edit map[string]map[string]any) []string
}

// SelfWriteMarker suppresses watcher echoes for files this process wrote.
type SelfWriteMarker interface {
	MarkSelfWrite(path string)
}

// StateSource renders the projected game state.
type StateSource interface {
	Snapshot() map[string]any
}

// ItemSource renders the amulet and badge tables.
type ItemSource interface {
	Payload() map[string]any
}

// AutomationControl is the runner surface driven from the frontend.
type AutomationControl interface {
	StatusPayload() map[string]any
	UpdateConfig()
	RefreshProbe(ctx context.Context, push bool) packetbot.Result
	ControlStart(ctx context.Context, force bool) (ok bool, reason string, requiresConfirmation bool)
	Stop(finalStep string)
	Running() bool
	SetMode(mode string)
	StepOnce(ctx context.Context) error
	NotifyTestEmail() (bool, string)
}

// Hub owns the connected frontend clients.
type Hub struct {
	Config  ConfigStore
	Marker  SelfWriteMarker
	State   StateSource
	Items   ItemSource
	Autorun AutomationControl
	ConfDir string

	// OpenDir opens a directory in the platform file manager; replaced in
	// tests. Nil uses the default.
	OpenDir func(path string) error

	// OnMsgboxResult receives msgbox replies from the frontend. May be nil.
	OnMsgboxResult func(data map[string]any)

	mu      sync.Mutex
	clients map[*client]bool

	stateTimer *time.Timer
}

func NewHub() *Hub {
	return &Hub{clients: map[*client]bool{}}
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func message(msgType string, data any) []byte {
	raw, err := json.Marshal(map[string]any{"type": msgType, "data": data})
	if err != nil {
		slog.Error("marshal push failed", "type", msgType, "err", err)
		return nil
	}
	return raw
}

// Broadcast pushes one message to every connected client.
func (h *Hub) Broadcast(msgType string, data any) {
	raw := message(msgType, data)
	if raw == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.enqueue(raw)
	}
}

// NotifyGameState schedules a debounced gamestate push. Safe to call from
// the relay goroutine on every frame.
func (h *Hub) NotifyGameState() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stateTimer != nil {
		return
	}
	h.stateTimer = time.AfterFunc(gamestateDebounce, func() {
		h.mu.Lock()
		h.stateTimer = nil
		h.mu.Unlock()
		if h.State != nil {
			h.Broadcast("update_gamestate", h.State.Snapshot())
		}
	})
}

// BroadcastStatus pushes the automation status block.
func (h *Hub) BroadcastStatus(status map[string]any) {
	h.Broadcast("autorun_status", status)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	connectedClients.Set(float64(n))
	slog.Info("ui client connected", "id", c.id, "total", n)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	connectedClients.Set(float64(n))
	slog.Info("ui client disconnected", "id", c.id, "total", n)
}

// snapshotMessages is everything a client needs to render on connect.
func (h *Hub) snapshotMessages() [][]byte {
	var out [][]byte
	push := func(msgType string, data any) {
		if raw := message(msgType, data); raw != nil {
			out = append(out, raw)
		}
	}
	if h.Config != nil {
		push("update_fuse_config", h.Config.TableValues("fuse"))
		push("update_autorun_config", h.Config.TableValues("autorun"))
	}
	if h.Items != nil {
		push("update_registry", h.Items.Payload())
	}
	if h.Config != nil {
		push("update_config", h.Config.Payload())
	}
	if h.State != nil {
		push("update_gamestate", h.State.Snapshot())
	}
	if h.Autorun != nil {
		push("autorun_status", h.Autorun.StatusPayload())
	}
	return out
}

// handleCommand dispatches one frontend message.
func (h *Hub) handleCommand(ctx context.Context, c *client, env envelope) {
	switch env.Type {
	case "keep_alive":

	case "edit_config":
		var edit map[string]map[string]any
		if err := json.Unmarshal(env.Data, &edit); err != nil || h.Config == nil {
			return
		}
		written := h.Config.ApplyPatch(edit)
		if h.Marker != nil {
			for _, p := range written {
				h.Marker.MarkSelfWrite(p)
			}
		}
		if _, ok := edit["autorun"]; ok && h.Autorun != nil {
			h.Autorun.UpdateConfig()
			h.Broadcast("update_autorun_config", h.Config.TableValues("autorun"))
			h.BroadcastStatus(h.Autorun.StatusPayload())
		}
		if _, ok := edit["fuse"]; ok {
			h.Broadcast("update_fuse_config", h.Config.TableValues("fuse"))
		}
		h.Broadcast("update_config", h.Config.Payload())

	case "request_update":
		for _, raw := range h.snapshotMessages() {
			c.enqueue(raw)
		}

	case "open_config_dir":
		open := h.OpenDir
		if open == nil {
			open = openDir
		}
		if err := open(h.ConfDir); err != nil {
			c.send("open_result", map[string]any{"ok": false, "error": err.Error()})
		} else {
			c.send("open_result", map[string]any{"ok": true})
		}

	case "autorun_control":
		h.handleAutorunControl(ctx, c, env.Data)

	case "msgbox_result":
		if h.OnMsgboxResult == nil {
			return
		}
		var data map[string]any
		if err := json.Unmarshal(env.Data, &data); err == nil {
			h.OnMsgboxResult(data)
		}
	}
}

func (h *Hub) handleAutorunControl(ctx context.Context, c *client, raw json.RawMessage) {
	if h.Autorun == nil {
		return
	}
	var data struct {
		Action string `json:"action"`
		Force  bool   `json:"force"`
		Mode   string `json:"mode"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return
	}

	result := func(ok bool, reason string, extra map[string]any) {
		payload := map[string]any{"ok": ok, "reason": reason}
		for k, v := range extra {
			payload[k] = v
		}
		c.send("autorun_control_result", payload)
		c.send("autorun_status", h.Autorun.StatusPayload())
	}

	switch data.Action {
	case "probe":
		h.Autorun.RefreshProbe(ctx, true)

	case "start":
		ok, reason, confirm := h.Autorun.ControlStart(ctx, data.Force)
		if confirm {
			result(ok, reason, map[string]any{"requires_confirmation": true})
			return
		}
		result(ok, reason, nil)

	case "stop":
		if h.Autorun.Running() {
			h.Autorun.Stop("")
		}
		result(true, "", nil)

	case "set_mode":
		h.Autorun.SetMode(data.Mode)
		result(true, "", nil)

	case "step":
		if err := h.Autorun.StepOnce(ctx); err != nil {
			result(false, err.Error(), nil)
			return
		}
		result(true, "", nil)

	case "notify_test_email":
		if ok, reason := h.Autorun.NotifyTestEmail(); ok {
			c.send("ui_toast", map[string]any{"kind": "success", "msg": "测试邮件已发送", "duration": 1800})
		} else {
			c.send("ui_toast", map[string]any{"kind": "error", "msg": "发送失败: " + reason, "duration": 2600})
		}
	}
}

func openDir(path string) error {
	switch runtime.GOOS {
	case "windows":
		return exec.Command("explorer", path).Start()
	case "darwin":
		return exec.Command("open", path).Start()
	default:
		return exec.Command("xdg-open", path).Start()
	}
}
