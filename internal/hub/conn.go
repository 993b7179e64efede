package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gridstore/internal/auth"
	"gridstore/internal/broker"
	"gridstore/internal/registry"
	"gridstore/internal/wire"
)

type outMessage struct {
	kind int
	data []byte
}

var errConnClosed = errors.New("connection closed")

// nodeConn is one node's live connection. It implements registry.Link; the
// registry owns it once authenticated, and all writes funnel through the
// send queue drained by a single write pump.
type nodeConn struct {
	hub     *Hub
	ws      *websocket.Conn
	source  string
	session *auth.Session
	log     zerolog.Logger

	nodeID string

	send        chan outMessage
	done        chan struct{}
	closeOnce   sync.Once
	missedPongs atomic.Int32
}

func newNodeConn(h *Hub, ws *websocket.Conn, source string) *nodeConn {
	return &nodeConn{
		hub:     h,
		ws:      ws,
		source:  source,
		session: auth.NewSession(),
		log:     h.log.With().Str("source", source).Logger(),
		send:    make(chan outMessage, h.opts.SendBuffer),
		done:    make(chan struct{}),
	}
}

// SendControl queues a JSON control message.
func (nc *nodeConn) SendControl(data []byte) error {
	return nc.enqueue(outMessage{kind: websocket.TextMessage, data: data})
}

// SendBinary queues a framed binary message.
func (nc *nodeConn) SendBinary(data []byte) error {
	return nc.enqueue(outMessage{kind: websocket.BinaryMessage, data: data})
}

func (nc *nodeConn) enqueue(m outMessage) error {
	select {
	case <-nc.done:
		return errConnClosed
	default:
	}
	select {
	case nc.send <- m:
		return nil
	case <-nc.done:
		return errConnClosed
	default:
		return registry.ErrSendBufferFull
	}
}

// Shut closes the transport with a close code. It never touches the
// registry; teardown runs in the serve goroutine once the read pump
// observes the closed socket.
func (nc *nodeConn) Shut(code int, reason string) {
	nc.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = nc.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(nc.hub.opts.WriteWait))
		_ = nc.ws.Close()
		close(nc.done)
	})
}

func (nc *nodeConn) run() {
	defer nc.teardown()

	nc.ws.SetReadLimit(nc.hub.opts.MaxMessageSize)
	if !nc.authenticate() {
		return
	}

	go nc.writePump()
	nc.readPump()
}

// authenticate runs the pre-auth phase: exactly one AUTH message within the
// deadline, or the connection closes.
func (nc *nodeConn) authenticate() bool {
	_ = nc.session.Begin(nc.hub.opts.AuthTimeout)
	_ = nc.ws.SetReadDeadline(nc.session.Deadline())

	kind, data, err := nc.ws.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			nc.hub.metrics.IncAuthTimeout()
			nc.log.Warn().Msg("auth deadline expired")
			nc.Shut(wire.CloseAuthTimeout, "authentication timeout")
		}
		return false
	}

	var msg wire.AuthMsg
	if kind != websocket.TextMessage || json.Unmarshal(data, &msg) != nil || msg.Type != wire.MsgTypeAuth {
		nc.rejectAuth("expected AUTH message")
		return false
	}
	if err := nc.hub.authn.Authenticate(context.Background(), msg.NodeID, msg.Token); err != nil {
		nc.log.Warn().Str("node_id", msg.NodeID).Err(err).Msg("authentication rejected")
		nc.rejectAuth("authentication rejected")
		return false
	}

	_ = nc.session.Succeed()
	nc.nodeID = msg.NodeID
	nc.log = nc.log.With().Str("node_id", msg.NodeID).Logger()

	ok, _ := json.Marshal(wire.AuthResultMsg{Type: wire.MsgTypeAuthSuccess})
	_ = nc.ws.SetWriteDeadline(time.Now().Add(nc.hub.opts.WriteWait))
	if err := nc.ws.WriteMessage(websocket.TextMessage, ok); err != nil {
		return false
	}

	if superseded := nc.hub.reg.Register(msg.NodeID, nc); superseded != nil {
		nc.hub.metrics.IncSuperseded()
		nc.log.Info().Msg("superseded previous connection")
	}
	now := time.Now().UTC()
	if err := nc.hub.store.SetOnline(context.Background(), msg.NodeID, true, now); err != nil {
		nc.log.Error().Err(err).Msg("mark online failed")
	}
	nc.hub.metrics.IncAuthSuccess()
	nc.log.Info().Msg("node authenticated")
	return true
}

func (nc *nodeConn) rejectAuth(message string) {
	nc.hub.metrics.IncAuthFailed()
	failed, _ := json.Marshal(wire.AuthResultMsg{Type: wire.MsgTypeAuthFailed, Message: message})
	_ = nc.ws.SetWriteDeadline(time.Now().Add(nc.hub.opts.WriteWait))
	_ = nc.ws.WriteMessage(websocket.TextMessage, failed)
	nc.Shut(wire.CloseAuthFailed, message)
}

// readPump demultiplexes inbound frames until the transport dies.
func (nc *nodeConn) readPump() {
	_ = nc.ws.SetReadDeadline(time.Now().Add(nc.hub.opts.PongWait))
	nc.ws.SetPongHandler(func(string) error {
		_ = nc.ws.SetReadDeadline(time.Now().Add(nc.hub.opts.PongWait))
		nc.missedPongs.Store(0)
		nc.hub.reg.Touch(nc.nodeID)
		return nil
	})
	for {
		kind, data, err := nc.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				nc.log.Debug().Err(err).Msg("read loop ended")
			}
			return
		}
		// Any inbound traffic proves the connection alive.
		_ = nc.ws.SetReadDeadline(time.Now().Add(nc.hub.opts.PongWait))
		nc.hub.reg.Touch(nc.nodeID)
		switch kind {
		case websocket.TextMessage:
			nc.dispatchText(data)
		case websocket.BinaryMessage:
			nc.dispatchBinary(data)
		}
	}
}

// writePump drains the send queue and emits heartbeat probes.
func (nc *nodeConn) writePump() {
	ticker := time.NewTicker(nc.hub.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case m := <-nc.send:
			_ = nc.ws.SetWriteDeadline(time.Now().Add(nc.hub.opts.WriteWait))
			if err := nc.ws.WriteMessage(m.kind, m.data); err != nil {
				nc.Shut(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			missed := nc.missedPongs.Add(1)
			if missed > 1 {
				nc.hub.reg.Suspect(nc.nodeID)
			}
			if limit := nc.hub.opts.MaxMissedPongs; limit > 0 && int(missed) > limit {
				nc.log.Warn().Int32("missed", missed).Msg("heartbeat limit exceeded")
				nc.Shut(websocket.CloseGoingAway, "missed heartbeats")
				return
			}
			_ = nc.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(nc.hub.opts.WriteWait))
		case <-nc.done:
			return
		}
	}
}

// dispatchText routes one structured control message. Unknown types are
// logged and ignored; a malformed message is dropped without closing the
// session.
func (nc *nodeConn) dispatchText(data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		nc.hub.metrics.IncProtoViolations()
		nc.log.Warn().Err(err).Msg("unparseable control message")
		return
	}
	switch env.Type {
	case wire.MsgTypeAuth:
		// Repeated AUTH after authentication is an anomaly, nothing more.
		nc.log.Warn().Msg("AUTH received on authenticated connection")
	case wire.MsgTypeCommandResult:
		nc.handleCommandResult(data)
	case wire.MsgTypeStatusReport:
		nc.handleStatusReport(data)
	default:
		nc.log.Debug().Str("type", env.Type).Msg("unknown message type ignored")
	}
}

func (nc *nodeConn) handleCommandResult(data []byte) {
	var res wire.CommandResult
	if err := json.Unmarshal(data, &res); err != nil {
		nc.hub.metrics.IncProtoViolations()
		nc.log.Warn().Err(err).Msg("malformed command result")
		return
	}
	// Deltas are relative adjustments from completed operations; they
	// accumulate, unlike the absolute values in a status report.
	if res.Success && (res.StorageDelta != 0 || res.ChunkDelta != 0) {
		if err := nc.hub.store.AddUsage(context.Background(), nc.nodeID, res.StorageDelta, res.ChunkDelta); err != nil {
			nc.log.Error().Str("command_id", res.CommandID).Err(err).Msg("usage increment failed")
		}
	}
	nc.hub.broker.Resolve(res.CommandID, broker.Response{Result: res})
}

func (nc *nodeConn) handleStatusReport(data []byte) {
	var sr wire.StatusReportMsg
	if err := json.Unmarshal(data, &sr); err != nil {
		nc.hub.metrics.IncProtoViolations()
		nc.log.Warn().Err(err).Msg("malformed status report")
		return
	}
	nc.hub.metrics.IncStatusReports()
	// Status reports are a push channel: apply whether or not anything is
	// waiting, as absolute overwrites.
	st := sr.Status
	if err := nc.hub.store.SetStatus(context.Background(), nc.nodeID, st.UsedSpaceBytes, st.MaxSpaceBytes, st.CurrentChunkCount); err != nil {
		nc.log.Error().Err(err).Msg("status update failed")
	}
	if sr.CommandID != "" {
		nc.hub.broker.Resolve(sr.CommandID, broker.Response{
			Result: wire.CommandResult{CommandID: sr.CommandID, Success: true},
			Status: &st,
		})
	}
}

// dispatchBinary decodes one framed binary message. A malformed frame is a
// protocol violation: logged, dropped, and the connection survives.
func (nc *nodeConn) dispatchBinary(data []byte) {
	hdr, payload, err := wire.DecodeBinary(data)
	if err != nil {
		nc.hub.metrics.IncProtoViolations()
		nc.log.Warn().Err(err).Msg("malformed binary frame dropped")
		return
	}
	nc.hub.broker.HandleBinary(hdr, payload)
}

// teardown runs exactly once when the serve goroutine exits, for any cause:
// transport error, auth failure, supersession, or heartbeat policy.
func (nc *nodeConn) teardown() {
	nc.Shut(websocket.CloseNormalClosure, "")
	wasAuthed := nc.session.Authenticated()
	nc.session.Close()
	if wasAuthed {
		// The link guard makes this a no-op when a newer connection has
		// superseded this one; the node is still online through it.
		if nc.hub.reg.Unregister(nc.nodeID, nc) {
			nc.hub.metrics.IncDisconnected()
			if err := nc.hub.store.SetOnline(context.Background(), nc.nodeID, false, time.Now().UTC()); err != nil {
				nc.log.Error().Err(err).Msg("mark offline failed")
			}
			nc.log.Info().Msg("node disconnected")
		}
	}
	nc.hub.gate.Release(nc.source)
}
