package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Admission   AdmissionMetrics  `json:"admission"`
	Auth        AuthMetrics       `json:"auth"`
	Commands    CommandMetrics    `json:"commands"`
	Frames      FrameMetrics      `json:"frames"`
	Connections ConnectionMetrics `json:"connections"`
}

type AdmissionMetrics struct {
	Admitted     uint64 `json:"admitted"`
	RejectedRate uint64 `json:"rejected_rate"`
	RejectedCap  uint64 `json:"rejected_cap"`
}

type AuthMetrics struct {
	Success uint64 `json:"success"`
	Failed  uint64 `json:"failed"`
	Timeout uint64 `json:"timeout"`
}

type CommandMetrics struct {
	Sent     uint64 `json:"sent"`
	Resolved uint64 `json:"resolved"`
	TimedOut uint64 `json:"timed_out"`
}

type FrameMetrics struct {
	Ingested           uint64 `json:"ingested"`
	Reassembled        uint64 `json:"reassembled"`
	ProtocolViolations uint64 `json:"protocol_violations"`
	ReassemblyErrors   uint64 `json:"reassembly_errors"`
}

type ConnectionMetrics struct {
	Superseded    uint64 `json:"superseded"`
	Disconnected  uint64 `json:"disconnected"`
	StatusReports uint64 `json:"status_reports"`
}

type Metrics struct {
	admitted         atomic.Uint64
	rejectedRate     atomic.Uint64
	rejectedCap      atomic.Uint64
	authSuccess      atomic.Uint64
	authFailed       atomic.Uint64
	authTimeout      atomic.Uint64
	commandsSent     atomic.Uint64
	commandsResolved atomic.Uint64
	commandsTimedOut atomic.Uint64
	framesIngested   atomic.Uint64
	reassembled      atomic.Uint64
	protoViolations  atomic.Uint64
	reassemblyErrors atomic.Uint64
	superseded       atomic.Uint64
	disconnected     atomic.Uint64
	statusReports    atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncAdmitted()         { m.admitted.Add(1) }
func (m *Metrics) IncRejectedRate()     { m.rejectedRate.Add(1) }
func (m *Metrics) IncRejectedCap()      { m.rejectedCap.Add(1) }
func (m *Metrics) IncAuthSuccess()      { m.authSuccess.Add(1) }
func (m *Metrics) IncAuthFailed()       { m.authFailed.Add(1) }
func (m *Metrics) IncAuthTimeout()      { m.authTimeout.Add(1) }
func (m *Metrics) IncCommandsSent()     { m.commandsSent.Add(1) }
func (m *Metrics) IncCommandsResolved() { m.commandsResolved.Add(1) }
func (m *Metrics) IncCommandsTimedOut() { m.commandsTimedOut.Add(1) }
func (m *Metrics) IncFramesIngested()   { m.framesIngested.Add(1) }
func (m *Metrics) IncReassembled()      { m.reassembled.Add(1) }
func (m *Metrics) IncProtoViolations()  { m.protoViolations.Add(1) }
func (m *Metrics) IncReassemblyErrors() { m.reassemblyErrors.Add(1) }
func (m *Metrics) IncSuperseded()       { m.superseded.Add(1) }
func (m *Metrics) IncDisconnected()     { m.disconnected.Add(1) }
func (m *Metrics) IncStatusReports()    { m.statusReports.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Admission: AdmissionMetrics{
			Admitted:     m.admitted.Load(),
			RejectedRate: m.rejectedRate.Load(),
			RejectedCap:  m.rejectedCap.Load(),
		},
		Auth: AuthMetrics{
			Success: m.authSuccess.Load(),
			Failed:  m.authFailed.Load(),
			Timeout: m.authTimeout.Load(),
		},
		Commands: CommandMetrics{
			Sent:     m.commandsSent.Load(),
			Resolved: m.commandsResolved.Load(),
			TimedOut: m.commandsTimedOut.Load(),
		},
		Frames: FrameMetrics{
			Ingested:           m.framesIngested.Load(),
			Reassembled:        m.reassembled.Load(),
			ProtocolViolations: m.protoViolations.Load(),
			ReassemblyErrors:   m.reassemblyErrors.Load(),
		},
		Connections: ConnectionMetrics{
			Superseded:    m.superseded.Load(),
			Disconnected:  m.disconnected.Load(),
			StatusReports: m.statusReports.Load(),
		},
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
