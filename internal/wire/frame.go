package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProtocolViolation marks a frame that does not conform to the binary
// layout. Violations are dropped at the dispatch layer; the connection
// survives.
var ErrProtocolViolation = errors.New("protocol violation")

// Binary frame layout: a 4-byte little-endian length of the UTF-8 JSON
// header, the header itself, then the raw payload filling the rest of the
// message.

const headerLenWidth = 4

// MaxHeaderLen bounds the declared header size. Headers are small JSON
// objects; anything past this is a malformed or hostile frame.
const MaxHeaderLen = 64 << 10

// EncodeBinary wraps a header and payload into one binary message.
func EncodeBinary(hdr BinaryHeader, payload []byte) ([]byte, error) {
	hb, err := json.Marshal(hdr)
	if err != nil {
		return nil, err
	}
	if len(hb) > MaxHeaderLen {
		return nil, fmt.Errorf("wire: header too large: %d bytes", len(hb))
	}
	out := make([]byte, headerLenWidth+len(hb)+len(payload))
	binary.LittleEndian.PutUint32(out[:headerLenWidth], uint32(len(hb)))
	copy(out[headerLenWidth:], hb)
	copy(out[headerLenWidth+len(hb):], payload)
	return out, nil
}

// DecodeBinary splits a binary message into its header and payload. A
// message shorter than the length prefix, or whose declared header length
// exceeds the remaining bytes, is a protocol violation.
func DecodeBinary(data []byte) (BinaryHeader, []byte, error) {
	var hdr BinaryHeader
	if len(data) < headerLenWidth {
		return hdr, nil, fmt.Errorf("%w: message shorter than length prefix: %d bytes", ErrProtocolViolation, len(data))
	}
	n := binary.LittleEndian.Uint32(data[:headerLenWidth])
	if n > MaxHeaderLen {
		return hdr, nil, fmt.Errorf("%w: declared header length %d exceeds cap", ErrProtocolViolation, n)
	}
	rest := data[headerLenWidth:]
	if int(n) > len(rest) {
		return hdr, nil, fmt.Errorf("%w: declared header length %d exceeds %d remaining bytes", ErrProtocolViolation, n, len(rest))
	}
	if err := json.Unmarshal(rest[:n], &hdr); err != nil {
		return hdr, nil, fmt.Errorf("%w: bad frame header: %v", ErrProtocolViolation, err)
	}
	return hdr, rest[n:], nil
}
