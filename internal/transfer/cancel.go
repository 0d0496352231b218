package transfer

import (
	"encoding/json"
	"errors"
	"log"

	"github.com/google/uuid"

	"github.com/dropmesh/dropmesh/internal/wireproto"
)

var errNoSharedKey = errors.New("transfer: relay-mode shared key not yet established")

// CancelTransfer is the host-facing API for a user-initiated cancel: it
// notifies the peer over both the control plane and the data channel,
// whichever arrives first.
func (e *Engine) CancelTransfer(id uuid.UUID) {
	t, ok := e.Transfer(id)
	if !ok {
		return
	}
	e.cancelTransfer(t, "user", true)
}

// cancelTransfer tears a transfer down exactly once. notifyPeer is true
// only when the cancellation originates locally; a cancel learned from
// the peer (file-cancel control message, or a FrameCancel data frame)
// must not be echoed back.
func (e *Engine) cancelTransfer(t *Transfer, reason string, notifyPeer bool) {
	e.mu.Lock()
	if t.State == StateCancelled || t.State == StateDone || t.State == StateFailed || t.State == StateDeclined {
		e.mu.Unlock()
		return
	}
	t.State = StateCancelled
	t.CancelledBy = reason
	e.mu.Unlock()

	closeOnce(t)

	if notifyPeer {
		e.notifyCancel(t, reason)
	}

	e.emit(Event{Kind: EventTransferCancelled, PeerID: t.PeerID, FileID: t.ID, Reason: reason, FailKind: KindCancelled})
	e.destroy(t)
}

func (e *Engine) notifyCancel(t *Transfer, reason string) {
	wireReason := wireproto.CancelReasonUser
	switch reason {
	case "peer-left":
		wireReason = wireproto.CancelReasonPeerLeft
	case "error":
		wireReason = wireproto.CancelReasonError
	}

	payload, _ := json.Marshal(wireproto.FileCancelData{FileID: t.ID.String(), Reason: wireReason})
	if err := e.signaler.Send(wireproto.Envelope{Type: wireproto.TypeFileCancel, To: t.PeerID, Data: payload}); err != nil {
		log.Printf("transfer: send file-cancel for %s: %v", t.ID, err)
	}

	// Best-effort: also push a cancel frame down the data channel in case
	// the peer is past the handshake and only watching frames.
	frame := wireproto.Encode(wireproto.Frame{
		Kind:       wireproto.FrameCancel,
		TransferID: t.ID,
		Payload:    []byte{byte(wireReason)},
	})
	_ = e.pcm.Send(t.PeerID, frame)
}

func (e *Engine) failTransfer(t *Transfer, kind Kind) {
	e.mu.Lock()
	if t.State == StateCancelled || t.State == StateDone || t.State == StateFailed || t.State == StateDeclined {
		e.mu.Unlock()
		return
	}
	t.State = StateFailed
	t.FailKind = kind
	e.mu.Unlock()

	closeOnce(t)
	e.emit(Event{Kind: EventTransferFailed, PeerID: t.PeerID, FileID: t.ID, FailKind: kind, Reason: string(kind)})
	e.destroy(t)
}

// closeOnce closes a transfer's cancelRequested channel exactly once,
// unblocking any goroutine (accept-timeout watcher, streaming loop)
// selecting on it.
func closeOnce(t *Transfer) {
	t.cancelOnce.Do(func() { close(t.cancelRequested) })
}
