// Package hub owns the WebSocket side of the control plane: admission,
// authentication, the per-connection read/write pumps, inbound dispatch,
// and heartbeat liveness.
package hub

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gridstore/internal/auth"
	"gridstore/internal/broker"
	"gridstore/internal/gate"
	"gridstore/internal/metrics"
	"gridstore/internal/registry"
	"gridstore/internal/store"
	"gridstore/internal/wire"
)

const (
	defaultWriteWait    = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 65 * time.Second
	defaultMaxMessage   = 64 << 20
	defaultSendBuffer   = 64
)

type Options struct {
	// AuthTimeout is how long a connection may sit unauthenticated.
	AuthTimeout time.Duration
	// WriteWait bounds each transport write.
	WriteWait time.Duration
	// PingInterval is the heartbeat probe period.
	PingInterval time.Duration
	// PongWait is the read deadline between liveness confirmations.
	PongWait time.Duration
	// MaxMessageSize caps one inbound transport message.
	MaxMessageSize int64
	// MaxMissedPongs force-closes a connection after that many unanswered
	// probes. Zero disables the policy and leaves death detection to the
	// transport, which is the baseline behavior.
	MaxMissedPongs int
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
}

func (o *Options) fill() {
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = auth.DefaultTimeout
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessage
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
}

type Hub struct {
	gate    *gate.Gate
	authn   *auth.Authenticator
	reg     *registry.Registry
	broker  *broker.Broker
	store   store.Store
	metrics *metrics.Metrics
	log     zerolog.Logger
	opts    Options

	upgrader websocket.Upgrader
}

func New(g *gate.Gate, authn *auth.Authenticator, reg *registry.Registry, b *broker.Broker, st store.Store, m *metrics.Metrics, log zerolog.Logger, opts Options) *Hub {
	opts.fill()
	return &Hub{
		gate:    g,
		authn:   authn,
		reg:     reg,
		broker:  b,
		store:   st,
		metrics: m,
		log:     log.With().Str("component", "hub").Logger(),
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			// Node agents are not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades an inbound node connection and runs it to completion.
// Mounted by the route layer, typically at /ws.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	source := sourceAddr(r.RemoteAddr)
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Str("source", source).Err(err).Msg("upgrade failed")
		return
	}
	if err := h.gate.Admit(source); err != nil {
		h.rejectAdmission(ws, source, err)
		return
	}
	h.metrics.IncAdmitted()
	nc := newNodeConn(h, ws, source)
	go nc.run()
}

// rejectAdmission closes the transport with the admission close code.
// Failure is terminal for the attempt; no retry is scheduled server-side.
func (h *Hub) rejectAdmission(ws *websocket.Conn, source string, cause error) {
	if errors.Is(cause, gate.ErrRateLimited) {
		h.metrics.IncRejectedRate()
	} else {
		h.metrics.IncRejectedCap()
	}
	h.log.Warn().Str("source", source).Err(cause).Msg("connection rejected")
	msg := websocket.FormatCloseMessage(wire.CloseAdmissionRejected, cause.Error())
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.opts.WriteWait))
	_ = ws.Close()
}

// SendCommand dispatches a command to a connected node and waits for its
// response. See broker.Send for failure modes.
func (h *Hub) SendCommand(ctx context.Context, nodeID string, cmd wire.Command, opts broker.SendOptions) (broker.Response, error) {
	return h.broker.Send(ctx, nodeID, cmd, opts)
}

// IsConnected reports whether nodeID has a live registered connection.
func (h *Hub) IsConnected(nodeID string) bool {
	return h.reg.Has(nodeID)
}

// ConnectionCount returns the number of live node connections.
func (h *Hub) ConnectionCount() int {
	return h.reg.Count()
}

func sourceAddr(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
