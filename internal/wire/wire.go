// Package wire defines the messages exchanged with storage node agents and
// the binary framing used for payload-bearing results.
package wire

// Text message types. Every control message carries a "type" tag.
const (
	MsgTypeAuth          = "AUTH"
	MsgTypeAuthSuccess   = "AUTH_SUCCESS"
	MsgTypeAuthFailed    = "AUTH_FAILED"
	MsgTypeCommandResult = "COMMAND_RESULT"
	MsgTypeStatusReport  = "STATUS_REPORT"
)

// Command types understood by node agents.
const (
	CmdStatusRequest         = "STATUS_REQUEST"
	CmdStoreChunk            = "STORE_CHUNK"
	CmdGetChunk              = "GET_CHUNK"
	CmdDeleteChunk           = "DELETE_CHUNK"
	CmdPrepUpload            = "PREP_UPLOAD"
	CmdDownloadAndStoreChunk = "DOWNLOAD_AND_STORE_CHUNK"
	CmdRetrieveAndUpload     = "RETRIEVE_AND_UPLOAD_CHUNK"
)

// Application close codes. 4000-4999 is the range reserved for applications
// by the WebSocket protocol.
const (
	CloseAdmissionRejected = 4001
	CloseAuthFailed        = 4002
	CloseAuthTimeout       = 4003
	CloseSuperseded        = 4004
)

// Envelope is the minimal probe used to classify an inbound text message.
type Envelope struct {
	Type string `json:"type"`
}

// AuthMsg is the first message a node must send after connecting.
type AuthMsg struct {
	Type   string `json:"type"`
	NodeID string `json:"node_id"`
	Token  string `json:"token"`
}

// AuthResultMsg acknowledges or rejects an AUTH attempt.
type AuthResultMsg struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Command is an outbound instruction to a node. Fields beyond CommandType
// and CommandID are set per command type.
type Command struct {
	CommandType string `json:"command_type"`
	CommandID   string `json:"command_id"`
	ChunkID     string `json:"chunk_id,omitempty"`
	DataSize    int64  `json:"data_size,omitempty"`
	URL         string `json:"url,omitempty"`
}

// CommandResult is a node's text-channel answer to a command. Error and the
// deltas are passed through to callers verbatim; the server does not assign
// meaning to business error strings.
type CommandResult struct {
	Type         string `json:"type,omitempty"`
	CommandID    string `json:"command_id"`
	Success      bool   `json:"success"`
	ChunkID      string `json:"chunk_id,omitempty"`
	Error        string `json:"error,omitempty"`
	StorageDelta int64  `json:"storage_delta,omitempty"`
	ChunkDelta   int64  `json:"chunk_delta,omitempty"`
}

// NodeStatus is the metrics block a node reports about itself.
type NodeStatus struct {
	UsedSpaceBytes    int64 `json:"used_space_bytes"`
	MaxSpaceBytes     int64 `json:"max_space_bytes"`
	CurrentChunkCount int64 `json:"current_chunk_count"`
}

// StatusReportMsg carries a NodeStatus, either as the reply to a
// STATUS_REQUEST (CommandID set) or pushed unsolicited (CommandID empty).
type StatusReportMsg struct {
	Type      string     `json:"type"`
	CommandID string     `json:"command_id,omitempty"`
	Status    NodeStatus `json:"status"`
}

// BinaryHeader is the JSON header inside a binary frame. FrameNumber and
// TotalFrames are 1-based; both absent (zero) or TotalFrames==1 means the
// payload is complete in this single frame.
type BinaryHeader struct {
	CommandID   string `json:"command_id"`
	Success     bool   `json:"success"`
	ChunkID     string `json:"chunk_id,omitempty"`
	DataSize    int64  `json:"data_size,omitempty"`
	FrameNumber int    `json:"frame_number,omitempty"`
	TotalFrames int    `json:"total_frames,omitempty"`
	Error       string `json:"error,omitempty"`
}
