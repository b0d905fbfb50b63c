// Package proxyhost terminates the game client's websocket, dials the real
// server, and relays frames in both directions through the interception
// addon. Each relayed connection is one flow; the addon decides per frame
// whether it passes, changes, or disappears.
package proxyhost

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shantenlens/backend/internal/mitm"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 4 * 1024 * 1024
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Relay is the websocket reverse proxy. Upstream is the base URL of the
// real game server; the request path and query are appended to it.
type Relay struct {
	addon    *mitm.Addon
	upstream *url.URL
	dialer   *websocket.Dialer

	// OnFlowOpened and OnFlowClosed fire after the addon has been told.
	// Either may be nil.
	OnFlowOpened func(peer string)
	OnFlowClosed func(peer string)
}

func NewRelay(addon *mitm.Addon, upstream string) (*Relay, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, err
	}
	return &Relay{
		addon:    addon,
		upstream: u,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}, nil
}

// ServeHTTP upgrades the client connection, dials the upstream with the
// same path, and starts the relay pumps.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	target := *r.upstream
	target.Path = req.URL.Path
	target.RawQuery = req.URL.RawQuery

	header := http.Header{}
	if ua := req.Header.Get("User-Agent"); ua != "" {
		header.Set("User-Agent", ua)
	}
	if cookie := req.Header.Get("Cookie"); cookie != "" {
		header.Set("Cookie", cookie)
	}

	server, resp, err := r.dialer.Dial(target.String(), header)
	if err != nil {
		slog.Error("upstream dial failed", "target", target.String(), "err", err)
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		http.Error(w, "upstream unavailable", status)
		return
	}

	client, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		server.Close()
		slog.Warn("client upgrade failed", "err", err)
		return
	}

	f := &flow{
		relay:    r,
		peer:     peerKey(req.RemoteAddr, server.RemoteAddr().String()),
		client:   client,
		server:   server,
		toClient: make(chan outFrame, sendBuffer),
		toServer: make(chan outFrame, sendBuffer),
		done:     make(chan struct{}),
	}

	r.addon.FlowOpened(f)
	if r.OnFlowOpened != nil {
		r.OnFlowOpened(f.peer)
	}

	go f.writePump(client, f.toClient)
	go f.writePump(server, f.toServer)
	go f.readPump(client, true)
	go f.readPump(server, false)
}

// peerKey identifies a flow as "clientIP|serverIP".
func peerKey(clientAddr, serverAddr string) string {
	return hostOf(clientAddr) + "|" + hostOf(serverAddr)
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// outFrame keeps the websocket message type with the payload so relayed
// text and control frames leave with the type they arrived with.
type outFrame struct {
	msgType int
	data    []byte
}

// flow is one relayed connection pair. All writes to a socket go through
// its send channel and write pump, so injects never race relayed frames.
type flow struct {
	relay    *Relay
	peer     string
	client   *websocket.Conn
	server   *websocket.Conn
	toClient chan outFrame
	toServer chan outFrame
	done     chan struct{}
	once     sync.Once
}

func (f *flow) PeerKey() string { return f.peer }

// Send queues a binary frame toward one side. Safe from any goroutine.
func (f *flow) Send(toClient bool, data []byte) error {
	return f.send(toClient, websocket.BinaryMessage, data)
}

func (f *flow) send(toClient bool, msgType int, data []byte) error {
	ch := f.toServer
	if toClient {
		ch = f.toClient
	}
	select {
	case <-f.done:
		return websocket.ErrCloseSent
	case ch <- outFrame{msgType: msgType, data: data}:
		return nil
	default:
		return errBufferFull
	}
}

var errBufferFull = errors.New("send buffer full")

func (f *flow) close() {
	f.once.Do(func() {
		close(f.done)
		f.client.Close()
		f.server.Close()
		f.relay.addon.FlowClosed(f)
		if f.relay.OnFlowClosed != nil {
			f.relay.OnFlowClosed(f.peer)
		}
	})
}

// readPump owns all reads from one socket. Binary frames run through the
// addon; anything else is relayed untouched.
func (f *flow) readPump(conn *websocket.Conn, fromClient bool) {
	defer f.close()
	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				slog.Warn("relay read failed", "peer", f.peer, "from_client", fromClient, "err", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		out, forward := raw, true
		if msgType == websocket.BinaryMessage {
			out, forward = f.relay.addon.HandleMessage(f, raw, fromClient)
		}
		if !forward {
			continue
		}
		if err := f.send(!fromClient, msgType, out); err != nil {
			slog.Warn("relay enqueue failed", "peer", f.peer, "err", err)
			return
		}
	}
}

// writePump owns all writes to one socket, including pings.
func (f *flow) writePump(conn *websocket.Conn, ch chan outFrame) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		f.close()
	}()

	for {
		select {
		case <-f.done:
			return
		case fr := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(fr.msgType, fr.data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func isExpectedClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
