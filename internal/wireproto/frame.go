package wireproto

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// FrameKind is the first byte of every data-channel frame.
type FrameKind byte

const (
	FrameText      FrameKind = 0x01
	FrameFileStart FrameKind = 0x02
	FrameChunk     FrameKind = 0x03
	FrameFileEnd   FrameKind = 0x04
	FrameCancel    FrameKind = 0x05
)

// frameHeaderLen is the fixed 25-byte header: kind(1) + transferID(16) +
// seq(4) + payloadLen(4).
const frameHeaderLen = 1 + 16 + 4 + 4

// Frame is one decoded data-channel frame.
type Frame struct {
	Kind       FrameKind
	TransferID uuid.UUID
	Seq        uint32
	Payload    []byte
}

// Encode serializes f into the fixed-header wire layout.
func Encode(f Frame) []byte {
	buf := make([]byte, frameHeaderLen+len(f.Payload))
	buf[0] = byte(f.Kind)
	copy(buf[1:17], f.TransferID[:])
	binary.BigEndian.PutUint32(buf[17:21], f.Seq)
	binary.BigEndian.PutUint32(buf[21:25], uint32(len(f.Payload)))
	copy(buf[25:], f.Payload)
	return buf
}

// Decode parses a data-channel frame, validating the header against the
// actual buffer length.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < frameHeaderLen {
		return Frame{}, fmt.Errorf("wireproto: frame too short: %d bytes", len(raw))
	}
	kind := FrameKind(raw[0])
	var id uuid.UUID
	copy(id[:], raw[1:17])
	seq := binary.BigEndian.Uint32(raw[17:21])
	payloadLen := binary.BigEndian.Uint32(raw[21:25])
	if uint32(len(raw)-frameHeaderLen) != payloadLen {
		return Frame{}, fmt.Errorf("wireproto: payload-len mismatch: header says %d, have %d", payloadLen, len(raw)-frameHeaderLen)
	}
	payload := make([]byte, payloadLen)
	copy(payload, raw[25:])
	return Frame{Kind: kind, TransferID: id, Seq: seq, Payload: payload}, nil
}

// FileStartPayload is the UTF-8 JSON payload of a file-start frame.
type FileStartPayload struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	TotalChunks uint32 `json:"totalChunks"`
}
