// Package httpapi exposes the projected game state and a handful of manual
// bot actions over plain HTTP, for scripting and debugging alongside the
// websocket frontend.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shantenlens/backend/internal/gamestate"
	"github.com/shantenlens/backend/internal/packetbot"
)

// botCallTimeout bounds every injected request issued from an HTTP handler.
const botCallTimeout = 15 * time.Second

// GameView reads the projected session under its lock.
type GameView interface {
	View(fn func(*gamestate.State))
}

// BotAPI is the slice of the packet bot the API drives.
type BotAPI interface {
	StartGame(ctx context.Context) packetbot.Result
	BuyPack(ctx context.Context, goodID int) packetbot.Result
	OpDiscard(ctx context.Context, tileID int) packetbot.Result
	FetchActivityData(ctx context.Context) packetbot.Result
}

// Server routes the HTTP API.
type Server struct {
	State GameView
	Bot   BotAPI
}

func NewServer(state GameView, bot BotAPI) *Server {
	return &Server{State: state, Bot: bot}
}

// Router builds the API router, including /metrics and /healthz.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/gamestate/record", s.handleRecord).Methods(http.MethodGet)
	r.HandleFunc("/api/gamestate/effect_list", s.handleEffectList).Methods(http.MethodGet)
	r.HandleFunc("/api/gamestate/level", s.handleLevel).Methods(http.MethodGet)
	r.HandleFunc("/api/discard", s.handleDiscard).Methods(http.MethodGet)
	r.HandleFunc("/api/buy", s.handleBuy).Methods(http.MethodGet)
	r.HandleFunc("/api/start", s.handleStart).Methods(http.MethodGet)
	r.HandleFunc("/api/fetch_amulet_activity_data", s.handleFetchActivity).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("api response write failed", "err", err)
	}
}

func typed(w http.ResponseWriter, msgType string, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"type": msgType, "data": data})
}

func intQuery(r *http.Request, key string) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s *Server) handleRecord(w http.ResponseWriter, _ *http.Request) {
	var record map[string]any
	s.State.View(func(st *gamestate.State) { record = st.Record })
	if record == nil {
		record = map[string]any{}
	}
	typed(w, "request_gamestate", record)
}

func (s *Server) handleEffectList(w http.ResponseWriter, _ *http.Request) {
	var effects []map[string]any
	s.State.View(func(st *gamestate.State) { effects = st.EffectList })
	if effects == nil {
		effects = []map[string]any{}
	}
	typed(w, "request_effect_list", effects)
}

func (s *Server) handleLevel(w http.ResponseWriter, _ *http.Request) {
	var level int
	s.State.View(func(st *gamestate.State) { level = st.Level })
	typed(w, "request_level", level)
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	tileID, ok := intQuery(r, "tile_id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "tile_id is required"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), botCallTimeout)
	defer cancel()
	res := s.Bot.OpDiscard(ctx, tileID)
	typed(w, "discard", map[string]any{"ok": res.OK})
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	goodID, ok := intQuery(r, "good_id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "good_id is required"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), botCallTimeout)
	defer cancel()
	res := s.Bot.BuyPack(ctx, goodID)
	resp := res.Resp
	if resp == nil {
		resp = map[string]any{}
	}
	// The frontend expects the shop purchase result under the "give_up" type.
	typed(w, "give_up", map[string]any{"ok": res.OK, "reason": res.Reason, "resp": resp})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), botCallTimeout)
	defer cancel()
	res := s.Bot.StartGame(ctx)
	typed(w, "start", map[string]any{"ok": res.OK})
}

func (s *Server) handleFetchActivity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), botCallTimeout)
	defer cancel()
	res := s.Bot.FetchActivityData(ctx)
	typed(w, "fetch_amulet_activity_data", map[string]any{"ok": res.OK})
}
