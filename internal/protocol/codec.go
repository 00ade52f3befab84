package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Channel tags (frame byte 0).
const (
	ChannelSync        = byte(0)
	ChannelPresenceAux = byte(1)
)

// Sync phase tags (frame byte 1 when the channel is sync).
const (
	PhaseStateSummary      = byte(0)
	PhaseDiff              = byte(1)
	PhaseIncrementalUpdate = byte(2)
)

var (
	ErrTruncatedFrame = errors.New("truncated frame")
	ErrUnknownChannel = errors.New("unknown channel tag")
	ErrUnknownPhase   = errors.New("unknown phase tag")
)

// Frame is one decoded document-channel message.
type Frame struct {
	Channel byte
	Phase   byte // meaningful only for ChannelSync
	Payload []byte
}

// EncodeFrame serializes a frame: channel byte, phase byte for sync
// frames, then a uvarint length-prefixed payload.
func EncodeFrame(f Frame) []byte {
	head := make([]byte, 0, 2+binary.MaxVarintLen64)
	head = append(head, f.Channel)
	if f.Channel == ChannelSync {
		head = append(head, f.Phase)
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(f.Payload)))
	head = append(head, lenBuf[:n]...)
	return append(head, f.Payload...)
}

// DecodeFrame parses a wire frame. Unknown channel or phase tags are
// reported as errors so the caller can log and drop the frame without
// closing the connection.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < 1 {
		return Frame{}, ErrTruncatedFrame
	}
	f := Frame{Channel: b[0]}
	rest := b[1:]

	switch f.Channel {
	case ChannelSync:
		if len(rest) < 1 {
			return Frame{}, ErrTruncatedFrame
		}
		f.Phase = rest[0]
		if f.Phase != PhaseStateSummary && f.Phase != PhaseDiff && f.Phase != PhaseIncrementalUpdate {
			return Frame{}, fmt.Errorf("%w: %d", ErrUnknownPhase, f.Phase)
		}
		rest = rest[1:]
	case ChannelPresenceAux:
		// no phase byte
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownChannel, f.Channel)
	}

	size, n := binary.Uvarint(rest)
	if n <= 0 {
		return Frame{}, ErrTruncatedFrame
	}
	rest = rest[n:]
	if uint64(len(rest)) < size {
		return Frame{}, ErrTruncatedFrame
	}
	f.Payload = rest[:size]
	return f, nil
}
