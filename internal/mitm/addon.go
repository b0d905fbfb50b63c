// Package mitm is the interception core: it owns per-connection codec state,
// runs hook policies over every frame, fans parsed frames out to subscribers,
// and lets automation inject synthetic requests and wait for their responses.
package mitm

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/shantenlens/backend/internal/liqi"
)

// Action is a hook's decision about the current frame.
type Action int

const (
	// Pass forwards the frame unchanged.
	Pass Action = iota
	// Modify forwards the frame with a replacement body.
	Modify
	// Drop suppresses the frame. Waiters matching the frame still resolve.
	Drop
)

// Verdict is what a hook returns. Inject frames are sent after the current
// frame is handled, regardless of the action taken on it.
type Verdict struct {
	Action Action
	Body   map[string]any
	Inject []*liqi.Frame
}

// HookFunc inspects a parsed frame and renders a verdict. A panicking or
// misbehaving hook must never take the relay down; failures degrade to Pass.
type HookFunc func(*liqi.Frame) Verdict

// FlowConn is the transport half of one intercepted connection, implemented
// by the proxy host. Send is safe to call from any goroutine.
type FlowConn interface {
	PeerKey() string
	Send(toClient bool, data []byte) error
}

// Methods too chatty to be worth logging even in debug mode.
var ignoreMethods = map[string]bool{
	".lq.Lobby.oauth2Login":       true,
	".lq.Route.heartbeat":         true,
	".lq.Lobby.prepareLogin":      true,
	".lq.Route.requestConnection": true,
	".lq.Lobby.fetchServerTime":   true,
	".lq.Lobby.loginSuccess":      true,
	".lq.Lobby.loginBeat":         true,
}

// markerMethodPrefix identifies traffic that marks a flow as the game
// connection automation should prefer for injection.
const (
	markerMethodPrefix = ".lq.Lobby.amuletActivity"
	markerFetchMethod  = ".lq.Lobby.fetchAmuletActivityData"
)

var (
	ErrNotRunning   = errors.New("addon not running")
	ErrNoActiveFlow = errors.New("no active websocket flow")
)

// BuildFrameError wraps a failure to serialize an inject frame.
type BuildFrameError struct{ Err error }

func (e *BuildFrameError) Error() string { return "build frame: " + e.Err.Error() }
func (e *BuildFrameError) Unwrap() error { return e.Err }

// SendError wraps a transport failure while injecting.
type SendError struct{ Err error }

func (e *SendError) Error() string { return "send: " + e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// ReasonForError renders an inject error in the reason vocabulary consumed by
// automation and the UI.
func ReasonForError(err error) string {
	var be *BuildFrameError
	var se *SendError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotRunning):
		return "no-master-loop"
	case errors.Is(err, ErrNoActiveFlow):
		return "no-active-flow"
	case errors.As(err, &be):
		return "build-frame-failed:" + be.Err.Error()
	case errors.As(err, &se):
		return "inject-failed:" + se.Err.Error()
	default:
		return "inject-failed:" + err.Error()
	}
}

type flowState struct {
	conn  FlowConn
	codec *liqi.Codec
}

// Addon is the per-process interception state machine. All codec mutation
// happens under a single mutex, giving the same serial semantics as a
// dedicated proxy event loop: one frame is fully handled before the next.
type Addon struct {
	schema  *liqi.Schema
	waiters *WaiterRegistry
	metrics *Metrics

	// Debug reports whether verbose frame logging is on. May be nil.
	Debug func() bool

	// OnOutbound and OnInbound are the hook policies for client-origin and
	// server-origin frames. Either may be nil.
	OnOutbound HookFunc
	OnInbound  HookFunc

	mu          sync.Mutex
	running     bool
	flows       map[string]*flowState
	lastFlow    *flowState
	preferred   *flowState
	subscribers []func(*liqi.Frame)
}

func NewAddon(schema *liqi.Schema, metrics *Metrics) *Addon {
	return &Addon{
		schema:  schema,
		waiters: NewWaiterRegistry(),
		metrics: metrics,
		flows:   make(map[string]*flowState),
		running: true,
	}
}

// Waiters exposes the waiter registry for callers that manage their own
// inject sequencing.
func (a *Addon) Waiters() *WaiterRegistry { return a.waiters }

// Subscribe adds a callback invoked for every successfully parsed frame,
// before hooks run. Callbacks run on the relay goroutine and must be quick.
func (a *Addon) Subscribe(cb func(*liqi.Frame)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribers = append(a.subscribers, cb)
}

// Close marks the addon stopped; subsequent injects fail.
func (a *Addon) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
}

// FlowOpened registers a new intercepted connection.
func (a *Addon) FlowOpened(conn FlowConn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flows[conn.PeerKey()] = &flowState{conn: conn, codec: liqi.NewCodec(a.schema)}
	a.metrics.flows(len(a.flows))
	slog.Info("flow opened", "peer", conn.PeerKey())
}

// FlowClosed drops a connection's state.
func (a *Addon) FlowClosed(conn FlowConn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.flows[conn.PeerKey()]
	delete(a.flows, conn.PeerKey())
	if a.lastFlow == st {
		a.lastFlow = nil
	}
	if a.preferred == st {
		a.preferred = nil
	}
	a.metrics.flows(len(a.flows))
	slog.Info("flow closed", "peer", conn.PeerKey())
}

// PreferredPeer returns the peer key of the flow automation should inject
// into, and whether one is known.
func (a *Addon) PreferredPeer() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.preferred != nil {
		return a.preferred.conn.PeerKey(), true
	}
	return "", false
}

// HandleMessage processes one relayed websocket message and returns the bytes
// to forward, or forward=false when the frame is dropped. Called from the
// owning flow's relay goroutine.
func (a *Addon) HandleMessage(conn FlowConn, raw []byte, fromClient bool) (out []byte, forward bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.flows[conn.PeerKey()]
	if st == nil {
		st = &flowState{conn: conn, codec: liqi.NewCodec(a.schema)}
		a.flows[conn.PeerKey()] = st
		a.metrics.flows(len(a.flows))
	}
	a.lastFlow = st

	frame, err := st.codec.ParseFrame(raw, fromClient)
	if err != nil {
		a.metrics.parseFailure()
		slog.Error("frame parse failed", "peer", conn.PeerKey(), "from_client", fromClient, "err", err)
		return raw, true
	}
	a.metrics.frame(frame.Kind.String(), origin(fromClient))

	if isMarkerMethod(frame.Method) {
		a.preferred = st
	}

	for _, cb := range a.subscribers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("subscriber panic", "err", r)
				}
			}()
			cb(frame)
		}()
	}

	if a.Debug != nil && a.Debug() && !ignoreMethods[frame.Method] {
		slog.Debug("frame",
			"method", frame.Method, "kind", frame.Kind.String(),
			"id", frame.MsgID, "from_client", fromClient)
	}

	hook := a.OnInbound
	if fromClient {
		hook = a.OnOutbound
	}
	verdict := applyHook(hook, frame)

	// The response must reach its waiter even when the hook suppresses the
	// frame toward the client.
	if frame.Kind == liqi.KindRes && !fromClient {
		if rtt, ok := a.waiters.Resolve(frame.MsgID, frame); ok {
			a.metrics.injectRTT(rtt)
		}
	}

	out, forward = raw, true
	switch verdict.Action {
	case Drop:
		a.metrics.verdict("drop")
		slog.Info("frame dropped", "method", frame.Method, "id", frame.MsgID)
		out, forward = nil, false
	case Modify:
		a.metrics.verdict("modify")
		modified := &liqi.Frame{
			Kind: frame.Kind, MsgID: frame.MsgID, Method: frame.Method,
			Body: verdict.Body, FromClient: frame.FromClient,
		}
		rebuilt, err := st.codec.BuildFrame(modified)
		if err != nil {
			slog.Error("rebuild after modify failed", "method", frame.Method, "err", err)
		} else {
			slog.Info("frame modified", "method", frame.Method, "id", frame.MsgID)
			out = rebuilt
		}
	default:
		a.metrics.verdict("pass")
	}

	for _, inj := range verdict.Inject {
		if err := a.injectLocked(st, inj); err != nil {
			slog.Error("hook inject failed", "method", inj.Method, "err", err)
		}
	}
	return out, forward
}

// InjectRequest builds and sends a synthetic request on the selected flow and
// registers a waiter for its response before the frame leaves, so no
// interleaving can lose the completion. peerKey may be empty to use the
// preferred flow, falling back to the most recently active one.
func (a *Addon) InjectRequest(method string, body map[string]any, peerKey string) (*Waiter, uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil, 0, ErrNotRunning
	}
	st := a.pickFlow(peerKey)
	if st == nil {
		a.metrics.inject("no_flow")
		return nil, 0, ErrNoActiveFlow
	}

	msgID := st.codec.AllocateInjectID()
	w, err := a.waiters.Register(msgID)
	if err != nil {
		a.metrics.inject("build_failed")
		return nil, 0, &BuildFrameError{Err: err}
	}

	frame := &liqi.Frame{Kind: liqi.KindReq, MsgID: msgID, Method: method, Body: body, FromClient: true}
	raw, err := st.codec.BuildFrame(frame)
	if err != nil {
		a.waiters.Discard(msgID)
		a.metrics.inject("build_failed")
		return nil, 0, &BuildFrameError{Err: err}
	}
	if err := st.codec.RegisterPending(msgID, method); err != nil {
		a.waiters.Discard(msgID)
		a.metrics.inject("build_failed")
		return nil, 0, &BuildFrameError{Err: err}
	}
	if err := st.conn.Send(false, raw); err != nil {
		a.waiters.Discard(msgID)
		a.metrics.inject("send_failed")
		return nil, 0, &SendError{Err: err}
	}
	a.metrics.inject("ok")
	slog.Info("injected request", "method", method, "id", msgID, "peer", st.conn.PeerKey())
	return w, msgID, nil
}

// Inject sends a synthetic frame without waiting for anything. Requests go to
// the server; responses and notifies go to the client.
func (a *Addon) Inject(f *liqi.Frame, peerKey string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return ErrNotRunning
	}
	st := a.pickFlow(peerKey)
	if st == nil {
		a.metrics.inject("no_flow")
		return ErrNoActiveFlow
	}
	return a.injectLocked(st, f)
}

func (a *Addon) injectLocked(st *flowState, f *liqi.Frame) error {
	raw, err := st.codec.BuildFrame(f)
	if err != nil {
		a.metrics.inject("build_failed")
		return &BuildFrameError{Err: err}
	}
	if f.Kind == liqi.KindReq {
		if err := st.codec.RegisterPending(f.MsgID, f.Method); err != nil {
			a.metrics.inject("build_failed")
			return &BuildFrameError{Err: err}
		}
	}
	toClient := f.Kind != liqi.KindReq
	if err := st.conn.Send(toClient, raw); err != nil {
		a.metrics.inject("send_failed")
		return &SendError{Err: err}
	}
	a.metrics.inject("ok")
	return nil
}

func (a *Addon) pickFlow(peerKey string) *flowState {
	if peerKey != "" {
		return a.flows[peerKey]
	}
	if a.preferred != nil {
		return a.preferred
	}
	return a.lastFlow
}

func applyHook(hook HookFunc, f *liqi.Frame) (v Verdict) {
	if hook == nil {
		return Verdict{}
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("hook panic", "method", f.Method, "err", r)
			v = Verdict{}
		}
	}()
	return hook(f)
}

func isMarkerMethod(method string) bool {
	return method == markerFetchMethod || strings.HasPrefix(method, markerMethodPrefix)
}

func origin(fromClient bool) string {
	if fromClient {
		return "client"
	}
	return "server"
}
