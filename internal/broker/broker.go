// Package broker multiplexes many outstanding commands over single node
// connections, correlating each response to its caller and enforcing
// deadlines.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gridstore/internal/metrics"
	"gridstore/internal/registry"
	"gridstore/internal/wire"
)

var (
	ErrNodeNotConnected = errors.New("node not connected")
	// ErrNodeBusy means the node's connection is live but its outbound queue
	// is full. Retryable, unlike ErrNodeNotConnected.
	ErrNodeBusy       = errors.New("node send queue full")
	ErrCommandTimeout = errors.New("command timed out")
	ErrReassembly     = errors.New("frame reassembly failed")
)

// DefaultTimeout bounds ordinary commands. Status probes use a much shorter
// budget (see StatusProbeTimeout); URL-transfer commands opt out entirely.
const DefaultTimeout = 30 * time.Second

// StatusProbeTimeout is the budget for freshness checks. A probe that
// misses it is benign: the connection being open already proves liveness,
// only the metrics refresh is skipped.
const StatusProbeTimeout = 1 * time.Second

const commandIDBytes = 12

// SendOptions tunes one Send call.
type SendOptions struct {
	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
	// NoTimeout waits indefinitely. Used for commands whose duration is
	// bounded by an external transfer, not by this broker; the trade is an
	// unbounded wait if the node hangs.
	NoTimeout bool
	// Payload is sent as a framed binary message right after the command
	// text, for commands that carry chunk bytes to the node.
	Payload []byte
}

// Response is the resolved outcome of a command. Exactly one of the
// channels populates it: a text COMMAND_RESULT (Result), a STATUS_REPORT
// (Status), or a reassembled binary result (Result + Payload). Err is set
// for server-side resolution failures such as reassembly errors.
type Response struct {
	Result  wire.CommandResult
	Status  *wire.NodeStatus
	Payload []byte
	Err     error
}

type Broker struct {
	mu      sync.Mutex
	pending map[string]chan Response
	buffers map[string]*frameBuffer

	reg            *registry.Registry
	metrics        *metrics.Metrics
	log            zerolog.Logger
	defaultTimeout time.Duration
}

func New(reg *registry.Registry, m *metrics.Metrics, log zerolog.Logger) *Broker {
	return &Broker{
		pending:        make(map[string]chan Response),
		buffers:        make(map[string]*frameBuffer),
		reg:            reg,
		metrics:        m,
		log:            log.With().Str("component", "broker").Logger(),
		defaultTimeout: DefaultTimeout,
	}
}

// Send dispatches cmd to nodeID and blocks until a matching response
// arrives or the deadline fires. The command id is generated here; any
// value already in cmd.CommandID is overwritten.
func (b *Broker) Send(ctx context.Context, nodeID string, cmd wire.Command, opts SendOptions) (Response, error) {
	link, ok := b.reg.Lookup(nodeID)
	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrNodeNotConnected, nodeID)
	}

	id, ch := b.addPending()
	cmd.CommandID = id
	data, err := json.Marshal(cmd)
	if err != nil {
		b.take(id)
		return Response{}, err
	}
	if err := link.SendControl(data); err != nil {
		b.take(id)
		return Response{}, sendFailure(err)
	}
	if len(opts.Payload) > 0 {
		frame, err := wire.EncodeBinary(wire.BinaryHeader{
			CommandID: id,
			ChunkID:   cmd.ChunkID,
			Success:   true,
			DataSize:  int64(len(opts.Payload)),
		}, opts.Payload)
		if err != nil {
			b.take(id)
			return Response{}, err
		}
		if err := link.SendBinary(frame); err != nil {
			b.take(id)
			return Response{}, sendFailure(err)
		}
	}
	b.metrics.IncCommandsSent()

	var deadline <-chan time.Time
	if !opts.NoTimeout {
		d := opts.Timeout
		if d <= 0 {
			d = b.defaultTimeout
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case resp := <-ch:
		return b.finish(resp)
	case <-deadline:
		if _, ok := b.take(id); ok {
			b.metrics.IncCommandsTimedOut()
			return Response{}, fmt.Errorf("%w: command %s to %s", ErrCommandTimeout, id, nodeID)
		}
		// The response won the race; it is already in the buffered channel.
		return b.finish(<-ch)
	case <-ctx.Done():
		if _, ok := b.take(id); ok {
			return Response{}, ctx.Err()
		}
		return b.finish(<-ch)
	}
}

func (b *Broker) finish(resp Response) (Response, error) {
	if resp.Err != nil {
		return Response{}, resp.Err
	}
	b.metrics.IncCommandsResolved()
	return resp, nil
}

// Resolve completes the pending command for commandID. The first resolution
// wins; a duplicate or late call finds no pending entry and is a no-op.
// Reports whether a command was resolved.
func (b *Broker) Resolve(commandID string, resp Response) bool {
	ch, ok := b.take(commandID)
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// PendingCount returns the number of outstanding commands.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// addPending registers a fresh pending command under a fresh correlation id.
// Generation retries on collision with any currently pending id.
func (b *Broker) addPending() (string, chan Response) {
	ch := make(chan Response, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		id := newCommandID()
		if _, exists := b.pending[id]; exists {
			continue
		}
		b.pending[id] = ch
		return id, ch
	}
}

// take removes and returns the pending command for id, dropping any
// partially reassembled frames with it. Removal from the map is what makes
// resolution exactly-once: whichever of response and deadline takes the
// entry wins, the other sees absence.
func (b *Broker) take(id string) (chan Response, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	delete(b.buffers, id)
	return ch, ok
}

// sendFailure classifies a link write error: a full send queue means the
// node is backlogged, anything else means the connection is gone.
func sendFailure(err error) error {
	if errors.Is(err, registry.ErrSendBufferFull) {
		return fmt.Errorf("%w: %v", ErrNodeBusy, err)
	}
	return fmt.Errorf("%w: %v", ErrNodeNotConnected, err)
}

func newCommandID() string {
	raw := make([]byte, commandIDBytes)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return hex.EncodeToString(raw)
}
