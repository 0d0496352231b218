package transfer

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/dropmesh/dropmesh/internal/pcm"
	"github.com/dropmesh/dropmesh/internal/trust"
	"github.com/dropmesh/dropmesh/internal/wireproto"
)

// SendFile begins a new outbound transfer: it records the transfer,
// sends a file-request over the control plane, and arms the 60-second
// accept timeout. The actual byte stream starts only once
// handleFileResponse observes Accepted. A zero-byte file has zero chunks;
// its stream is just a file-start followed by a file-end.
func (e *Engine) SendFile(peerID, name string, data []byte) *Transfer {
	totalChunks := uint32((len(data) + ChunkSize - 1) / ChunkSize)

	t := e.newTransfer(DirectionSend, peerID, name, int64(len(data)), totalChunks)
	t.data = data
	t.State = StateRequested

	payload, _ := json.Marshal(wireproto.FileRequestData{
		FileID:      t.ID.String(),
		Name:        name,
		Size:        int64(len(data)),
		TotalChunks: totalChunks,
		TransferMode: string(ModeP2P), // advisory; the real mode is decided at stream time from pcm's live state
	})
	if err := e.signaler.Send(wireproto.Envelope{Type: wireproto.TypeFileRequest, To: peerID, Data: payload}); err != nil {
		log.Printf("transfer: send file-request for %s: %v", t.ID, err)
	}

	go e.awaitAccept(t)
	return t
}

func (e *Engine) awaitAccept(t *Transfer) {
	select {
	case <-time.After(AcceptTimeout):
		e.mu.Lock()
		stillWaiting := t.State == StateRequested
		e.mu.Unlock()
		if stillWaiting {
			e.failTransfer(t, KindTimeout)
		}
	case <-t.cancelRequested:
	}
}

func (e *Engine) handleFileRequest(from string, raw json.RawMessage) {
	var data wireproto.FileRequestData
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Printf("transfer: invalid file-request from %s: %v", from, err)
		return
	}
	fileID, err := uuid.Parse(data.FileID)
	if err != nil {
		log.Printf("transfer: invalid file-request id from %s: %v", from, err)
		return
	}

	t := &Transfer{
		ID:              fileID,
		Direction:       DirectionRecv,
		PeerID:          from,
		Name:            data.Name,
		Size:            data.Size,
		TotalChunks:     data.TotalChunks,
		State:           StateRequested,
		StartTime:       time.Now(),
		cancelRequested: make(chan struct{}),
		assembled:       make([]byte, 0, data.Size),
	}
	e.mu.Lock()
	e.transfers[t.ID] = t
	e.byFileID[t.ID.String()] = t.ID
	e.mu.Unlock()

	if e.isTrustedSender(from) {
		e.RespondToRequest(t.ID, true)
		return
	}

	go e.awaitAccept(t)
	e.emit(Event{
		Kind:        EventIncomingRequest,
		PeerID:      from,
		FileID:      t.ID,
		FileName:    t.Name,
		FileSize:    t.Size,
		TotalChunks: t.TotalChunks,
		Trusted:     false,
	})
}

// isTrustedSender reports whether the requesting peer's last-known
// identity fingerprint is in the local trust store, in which case the
// request auto-accepts without prompting.
func (e *Engine) isTrustedSender(peerID string) bool {
	if e.trustStore == nil || e.peerInfo == nil {
		return false
	}
	info, ok := e.peerInfo(peerID)
	if !ok {
		return false
	}
	fp := trust.Fingerprint(info.Name, info.DeviceClass, info.BrowserInfo)
	return e.trustStore.IsTrusted(fp)
}

// RespondToRequest is the host-facing API for answering an incoming
// file-request, whether via the trusted-sender shortcut or an explicit
// user decision.
func (e *Engine) RespondToRequest(fileID uuid.UUID, accept bool) {
	t, ok := e.Transfer(fileID)
	if !ok {
		return
	}

	// Record the decision before answering, so frames the sender streams
	// as soon as it sees the acceptance are not dropped as pre-accept.
	e.mu.Lock()
	if !accept {
		t.State = StateDeclined
	} else {
		t.State = StateReceiving
	}
	e.mu.Unlock()

	payload, _ := json.Marshal(wireproto.FileResponseData{FileID: fileID.String(), Accepted: accept})
	if err := e.signaler.Send(wireproto.Envelope{Type: wireproto.TypeFileResponse, To: t.PeerID, Data: payload}); err != nil {
		log.Printf("transfer: send file-response for %s: %v", fileID, err)
	}

	if !accept {
		e.emit(Event{Kind: EventTransferFailed, PeerID: t.PeerID, FileID: t.ID, FailKind: KindDeclined, Reason: "declined"})
		e.destroy(t)
		return
	}
	e.emit(Event{Kind: EventTransferStart, PeerID: t.PeerID, FileID: t.ID, FileName: t.Name, FileSize: t.Size, Mode: e.currentMode(t.PeerID)})
	go e.watchStall(t)
}

func (e *Engine) handleFileResponse(from string, raw json.RawMessage) {
	var data wireproto.FileResponseData
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Printf("transfer: invalid file-response from %s: %v", from, err)
		return
	}
	fileID, err := uuid.Parse(data.FileID)
	if err != nil {
		return
	}
	t, ok := e.Transfer(fileID)
	if !ok || t.Direction != DirectionSend {
		return
	}

	if !data.Accepted {
		e.mu.Lock()
		t.State = StateDeclined
		e.mu.Unlock()
		e.emit(Event{Kind: EventTransferFailed, PeerID: from, FileID: t.ID, FailKind: KindDeclined, Reason: "declined"})
		e.destroy(t)
		return
	}

	e.mu.Lock()
	t.State = StateAccepted
	e.mu.Unlock()
	e.emit(Event{Kind: EventTransferStart, PeerID: from, FileID: t.ID, FileName: t.Name, FileSize: t.Size, Mode: e.currentMode(from)})
	go e.stream(t)
}

func (e *Engine) currentMode(peerID string) Mode {
	if e.pcm.Mode(peerID) == pcm.StateRelay {
		return ModeRelay
	}
	return ModeP2P
}
