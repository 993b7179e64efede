package broker

import (
	"fmt"

	"gridstore/internal/wire"
)

// frameBuffer collects the frames of one multi-frame binary result.
// Frame indices are 1-based and contiguous 1..total. Completion is decided
// by the count of distinct frames received, never by the highest index
// seen, so a lost frame can not be masked by a duplicated one.
type frameBuffer struct {
	total  int
	frames map[int][]byte
	header wire.BinaryHeader
}

// HandleBinary routes one decoded binary message. Single-frame results
// resolve immediately; multi-frame results are buffered until complete.
// Frames for unknown command ids (late arrivals after timeout, or stray
// traffic) are dropped.
func (b *Broker) HandleBinary(hdr wire.BinaryHeader, payload []byte) {
	b.metrics.IncFramesIngested()

	if !hdr.Success {
		b.Resolve(hdr.CommandID, Response{Result: wire.CommandResult{
			CommandID: hdr.CommandID,
			Success:   false,
			ChunkID:   hdr.ChunkID,
			Error:     hdr.Error,
		}})
		return
	}
	if hdr.TotalFrames <= 1 {
		b.Resolve(hdr.CommandID, Response{
			Result: wire.CommandResult{
				CommandID: hdr.CommandID,
				Success:   true,
				ChunkID:   hdr.ChunkID,
			},
			Payload: payload,
		})
		return
	}

	complete, assembled, err := b.ingestFrame(hdr, payload)
	if err != nil {
		b.metrics.IncReassemblyErrors()
		b.log.Error().
			Str("command_id", hdr.CommandID).
			Int("frame", hdr.FrameNumber).
			Int("total", hdr.TotalFrames).
			Err(err).
			Msg("frame reassembly failed")
		b.Resolve(hdr.CommandID, Response{Err: fmt.Errorf("%w: %v", ErrReassembly, err)})
		return
	}
	if !complete {
		return
	}
	b.metrics.IncReassembled()
	b.Resolve(hdr.CommandID, Response{
		Result: wire.CommandResult{
			CommandID: hdr.CommandID,
			Success:   true,
			ChunkID:   hdr.ChunkID,
		},
		Payload: assembled,
	})
}

// ingestFrame buffers one frame. Out-of-order arrival is expected; a
// duplicate index is ignored without counting toward completion. On the
// final distinct frame the payload is concatenated in index order.
func (b *Broker) ingestFrame(hdr wire.BinaryHeader, payload []byte) (bool, []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, waiting := b.pending[hdr.CommandID]; !waiting {
		return false, nil, nil
	}
	if hdr.FrameNumber < 1 || hdr.FrameNumber > hdr.TotalFrames {
		return false, nil, fmt.Errorf("frame index %d outside 1..%d", hdr.FrameNumber, hdr.TotalFrames)
	}

	buf, ok := b.buffers[hdr.CommandID]
	if !ok {
		buf = &frameBuffer{
			total:  hdr.TotalFrames,
			frames: make(map[int][]byte),
			header: hdr,
		}
		b.buffers[hdr.CommandID] = buf
	} else if buf.total != hdr.TotalFrames {
		return false, nil, fmt.Errorf("total_frames changed mid-stream: %d then %d", buf.total, hdr.TotalFrames)
	}

	if _, dup := buf.frames[hdr.FrameNumber]; dup {
		// First write wins.
		return false, nil, nil
	}
	buf.frames[hdr.FrameNumber] = payload

	if len(buf.frames) < buf.total {
		return false, nil, nil
	}
	delete(b.buffers, hdr.CommandID)
	assembled, err := buf.assemble()
	if err != nil {
		return false, nil, err
	}
	return true, assembled, nil
}

// assemble concatenates frames strictly in index order. A gap here is
// impossible by construction (completion requires count equality over
// validated indices), but a corrupt buffer must fail loudly rather than
// ship spliced bytes.
func (fb *frameBuffer) assemble() ([]byte, error) {
	size := 0
	for i := 1; i <= fb.total; i++ {
		part, ok := fb.frames[i]
		if !ok {
			return nil, fmt.Errorf("missing frame %d of %d at finalize", i, fb.total)
		}
		size += len(part)
	}
	out := make([]byte, 0, size)
	for i := 1; i <= fb.total; i++ {
		out = append(out, fb.frames[i]...)
	}
	return out, nil
}
