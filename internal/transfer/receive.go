package transfer

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"log"

	"github.com/dropmesh/dropmesh/internal/pcm"
	"github.com/dropmesh/dropmesh/internal/wireproto"
)

// Run drains the Peer Connection Manager's event channel (typically a
// *pcm.Manager's Events field), decoding each data event as a
// data-channel frame and routing it to the matching transfer. It blocks
// until the channel closes; callers run it in its own goroutine.
func (e *Engine) Run(events <-chan pcm.Event) {
	for ev := range events {
		if ev.Kind != pcm.EventDataReceived {
			continue
		}
		e.handleDataFrame(ev.PeerID, ev.Data)
	}
}

func (e *Engine) handleDataFrame(peerID string, raw []byte) {
	frame, err := wireproto.Decode(raw)
	if err != nil {
		log.Printf("transfer: invalid frame from %s: %v", peerID, err)
		return
	}

	if frame.Kind == wireproto.FrameText {
		e.recordInboundText(peerID, string(frame.Payload))
		return
	}

	t, ok := e.Transfer(frame.TransferID)
	if !ok {
		return // transfer already finished, cancelled, or unknown to us
	}

	// Nothing but a cancel is honored before the local side has accepted:
	// a sender streaming ahead of (or without) a file-response gets its
	// frames dropped rather than buffered.
	e.mu.Lock()
	notAccepted := t.Direction == DirectionRecv && t.State == StateRequested
	e.mu.Unlock()
	if notAccepted && frame.Kind != wireproto.FrameCancel {
		log.Printf("transfer: dropping %#x frame for unaccepted transfer %s", byte(frame.Kind), t.ID)
		return
	}

	payload := frame.Payload
	if frame.Kind == wireproto.FrameChunk && e.pcm.Mode(peerID) == pcm.StateRelay {
		key, ok := e.pcm.SharedKey(peerID)
		if !ok {
			log.Printf("transfer: relay chunk from %s with no shared key yet", peerID)
			return
		}
		decrypted, err := decryptChunk(key, frame.TransferID, frame.Seq, frame.Payload)
		if err != nil {
			e.failTransfer(t, KindCorrupt)
			return
		}
		payload = decrypted
	}

	switch frame.Kind {
	case wireproto.FrameFileStart:
		e.handleFileStart(t, payload)
	case wireproto.FrameChunk:
		e.handleChunk(t, frame.Seq, payload)
	case wireproto.FrameFileEnd:
		e.handleFileEnd(t, payload)
	case wireproto.FrameCancel:
		e.cancelTransfer(t, cancelReasonFromFrame(payload), false)
	}
}

// cancelReasonFromFrame decodes a cancel frame's one-byte reason payload.
func cancelReasonFromFrame(payload []byte) string {
	if len(payload) == 0 {
		return "peer-left"
	}
	switch wireproto.CancelReason(payload[0]) {
	case wireproto.CancelReasonPeerLeft:
		return "peer-left"
	case wireproto.CancelReasonError:
		return "error"
	default:
		return "user"
	}
}

func (e *Engine) handleFileStart(t *Transfer, payload []byte) {
	var start wireproto.FileStartPayload
	if err := json.Unmarshal(payload, &start); err != nil {
		log.Printf("transfer: invalid file-start for %s: %v", t.ID, err)
		e.failTransfer(t, KindInvalidFrame)
		return
	}
	e.mu.Lock()
	t.nextSeq = 0
	t.assembled = t.assembled[:0]
	t.Mode = e.currentMode(t.PeerID)
	e.mu.Unlock()
}

func (e *Engine) handleChunk(t *Transfer, seq uint32, payload []byte) {
	e.mu.Lock()
	if seq >= t.TotalChunks || int64(len(t.assembled)+len(payload)) > t.Size {
		e.mu.Unlock()
		// Receive buffers are bounded by the metadata announced at
		// file-request time; anything past them is rejected outright.
		e.failTransfer(t, KindInvalidFrame)
		return
	}
	if seq != t.nextSeq {
		e.mu.Unlock()
		// Out-of-order chunk: the data channel (SCTP ordered, or the relay
		// reassembler beneath it) should already guarantee order; treat a
		// mismatch here as corruption rather than silently reordering.
		e.failTransfer(t, KindCorrupt)
		return
	}
	t.assembled = append(t.assembled, payload...)
	t.nextSeq++
	t.BytesDone = int64(len(t.assembled))
	e.mu.Unlock()

	e.emitProgress(t)
}

func (e *Engine) handleFileEnd(t *Transfer, wantSum []byte) {
	e.mu.Lock()
	got := sha256.Sum256(t.assembled)
	blob := t.assembled
	e.mu.Unlock()

	if !bytes.Equal(got[:], wantSum) {
		e.failTransfer(t, KindCorrupt)
		return
	}

	e.mu.Lock()
	t.State = StateDone
	e.mu.Unlock()

	e.emit(Event{Kind: EventFileReceived, PeerID: t.PeerID, FileID: t.ID, FileName: t.Name, FileSize: t.Size, Blob: blob})
	e.destroy(t)
}
