package transfer

import (
	"crypto/sha256"
	"encoding/json"
	"log"
	"time"

	"github.com/dropmesh/dropmesh/internal/pcm"
	"github.com/dropmesh/dropmesh/internal/wireproto"
)

// stream is the sender's chunking loop: it emits one file-start frame,
// then every chunk in order gated by the high/low water marks on the live
// data channel, then one file-end frame carrying the whole file's SHA-256
// for the receiver to verify against.
func (e *Engine) stream(t *Transfer) {
	e.mu.Lock()
	t.State = StateStreaming
	t.Mode = e.currentMode(t.PeerID)
	e.mu.Unlock()

	go e.watchStall(t)

	startPayload, _ := json.Marshal(wireproto.FileStartPayload{
		Name: t.Name, Size: t.Size, TotalChunks: t.TotalChunks,
	})
	if err := e.sendFrame(t, wireproto.FrameFileStart, 0, startPayload); err != nil {
		e.failTransfer(t, KindTransportClosed)
		return
	}

	hasher := sha256.New()
	offset := 0
	for seq := uint32(0); seq < t.TotalChunks; seq++ {
		select {
		case <-t.cancelRequested:
			return
		default:
		}

		e.waitForBufferDrain(t.PeerID)

		end := offset + ChunkSize
		if end > len(t.data) {
			end = len(t.data)
		}
		chunk := t.data[offset:end]
		hasher.Write(chunk)

		if err := e.sendFrame(t, wireproto.FrameChunk, seq, chunk); err != nil {
			e.failTransfer(t, KindTransportClosed)
			return
		}

		offset = end
		e.mu.Lock()
		t.BytesDone = int64(offset)
		e.mu.Unlock()
		e.emitProgress(t)
	}

	sum := hasher.Sum(nil)
	if err := e.sendFrame(t, wireproto.FrameFileEnd, 0, sum); err != nil {
		e.failTransfer(t, KindTransportClosed)
		return
	}

	e.mu.Lock()
	t.State = StateDone
	e.mu.Unlock()
	e.destroy(t)
}

// waitForBufferDrain blocks while the live connection's outbound queue is
// above HighWaterMark, resuming once it falls back to LowWaterMark. It is
// a no-op for relay mode, whose own blocking Room-Server write is its
// backpressure.
func (e *Engine) waitForBufferDrain(peerID string) {
	if e.pcm.BufferedAmount(peerID) < HighWaterMark {
		return
	}
	for e.pcm.BufferedAmount(peerID) > LowWaterMark {
		time.Sleep(10 * time.Millisecond)
	}
}

// sendFrame encodes one data-channel frame. Chunk payloads are
// AEAD-encrypted when the connection is in relay mode; everything else
// travels as-is (on the direct path DTLS already covers the channel, and
// on the relay path only chunk payloads carry file content).
func (e *Engine) sendFrame(t *Transfer, kind wireproto.FrameKind, seq uint32, payload []byte) error {
	if kind == wireproto.FrameChunk && e.pcm.Mode(t.PeerID) == pcm.StateRelay {
		key, err := e.awaitSharedKey(t)
		if err != nil {
			return err
		}
		enc, err := encryptChunk(key, t.ID, seq, payload)
		if err != nil {
			return err
		}
		payload = enc
	}
	frame := wireproto.Encode(wireproto.Frame{Kind: kind, TransferID: t.ID, Seq: seq, Payload: payload})
	return e.pcm.Send(t.PeerID, frame)
}

// awaitSharedKey waits for the relay-mode key exchange to finish. The
// exchange starts when the connection falls back to relay, so the first
// chunk may race it by a round trip; everything after finds the key
// immediately.
func (e *Engine) awaitSharedKey(t *Transfer) ([]byte, error) {
	deadline := time.Now().Add(10 * time.Second)
	for {
		if key, ok := e.pcm.SharedKey(t.PeerID); ok {
			return key, nil
		}
		if time.Now().After(deadline) {
			log.Printf("transfer: key exchange with %s never completed", t.PeerID)
			return nil, errNoSharedKey
		}
		select {
		case <-t.cancelRequested:
			return nil, errNoSharedKey
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// watchStall fails a relay-mode transfer whose byte count stops moving.
// The direct path does not need this: a dead data channel surfaces as a
// connection state change instead.
func (e *Engine) watchStall(t *Transfer) {
	ticker := time.NewTicker(RelayStallTimeout)
	defer ticker.Stop()

	last := int64(-1)
	for {
		select {
		case <-t.cancelRequested:
			return
		case <-ticker.C:
			e.mu.Lock()
			done := t.BytesDone
			state := t.State
			e.mu.Unlock()
			if state != StateStreaming && state != StateReceiving {
				return
			}
			if e.currentMode(t.PeerID) == ModeRelay && done == last {
				e.failTransfer(t, KindTimeout)
				return
			}
			last = done
		}
	}
}

func (e *Engine) emitProgress(t *Transfer) {
	elapsed := time.Since(t.StartTime).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(t.BytesDone) / elapsed
	}
	percent := 100
	if t.Size > 0 {
		percent = int(t.BytesDone * 100 / t.Size)
	}
	e.emit(Event{
		Kind: EventProgress, PeerID: t.PeerID, FileID: t.ID,
		FileName: t.Name, FileSize: t.Size, Percent: percent,
		SpeedBps: speed, Mode: e.currentMode(t.PeerID),
	})
}
