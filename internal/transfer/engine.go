package transfer

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dropmesh/dropmesh/internal/pcm"
	"github.com/dropmesh/dropmesh/internal/trust"
	"github.com/dropmesh/dropmesh/internal/wireproto"
)

// Signaler sends one control-plane envelope to the Room Server.
type Signaler interface {
	Send(env wireproto.Envelope) error
}

// Transport is the subset of *pcm.Manager the Transfer Engine drives: byte
// delivery plus enough visibility into connection state to decide when to
// AEAD-encrypt a chunk and when to pause for flow control. Narrowing this
// to an interface (rather than depending on *pcm.Manager directly) keeps
// the engine's handshake and streaming logic testable without a real
// WebRTC stack.
type Transport interface {
	Send(peerID string, data []byte) error
	Mode(peerID string) pcm.State
	SharedKey(peerID string) ([]byte, bool)
	BufferedAmount(peerID string) int
}

// PeerInfo is the sender-identifying metadata the Engine needs to compute
// a trust fingerprint for an inbound file-request.
type PeerInfo struct {
	Name        string
	DeviceClass string
	BrowserInfo string
}

// PeerInfoLookup resolves a peer-id to its last-known device metadata.
type PeerInfoLookup func(peerID string) (PeerInfo, bool)

// Engine is the Transfer Engine: one instance per local peer, multiplexed
// across every remote peer.
type Engine struct {
	pcm        Transport
	signaler   Signaler
	trustStore *trust.Store
	peerInfo   PeerInfoLookup

	Events chan Event

	history *history

	mu        sync.Mutex
	transfers map[uuid.UUID]*Transfer
	byFileID  map[string]uuid.UUID // string(fileID) -> transfer id, since wire fileId is a plain string
}

// NewEngine builds a Transfer Engine. transport is typically a
// *pcm.Manager; tests substitute a fake.
func NewEngine(transport Transport, signaler Signaler, trustStore *trust.Store, peerInfo PeerInfoLookup) *Engine {
	return &Engine{
		pcm:        transport,
		signaler:   signaler,
		trustStore: trustStore,
		peerInfo:   peerInfo,
		history:    newHistory(),
		Events:     make(chan Event, 256),
		transfers:  make(map[uuid.UUID]*Transfer),
		byFileID:   make(map[string]uuid.UUID),
	}
}

func (e *Engine) emit(ev Event) {
	select {
	case e.Events <- ev:
	default:
		log.Printf("transfer: event buffer full, dropping %v", ev.Kind)
	}
}

func (e *Engine) newTransfer(direction Direction, peerID, name string, size int64, totalChunks uint32) *Transfer {
	t := &Transfer{
		ID:              uuid.New(),
		Direction:       direction,
		PeerID:          peerID,
		Name:            name,
		Size:            size,
		TotalChunks:     totalChunks,
		State:           StateInit,
		StartTime:       time.Now(),
		cancelRequested: make(chan struct{}),
	}
	e.mu.Lock()
	e.transfers[t.ID] = t
	e.byFileID[t.ID.String()] = t.ID
	e.mu.Unlock()
	return t
}

// Transfer looks up a transfer by id.
func (e *Engine) Transfer(id uuid.UUID) (*Transfer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[id]
	return t, ok
}

func (e *Engine) destroy(t *Transfer) {
	e.mu.Lock()
	delete(e.transfers, t.ID)
	delete(e.byFileID, t.ID.String())
	e.mu.Unlock()
}

// HandleEnvelope dispatches one inbound control-plane message
// (file-request, file-response, file-cancel, text) from the Room Server.
func (e *Engine) HandleEnvelope(env wireproto.Envelope) {
	switch env.Type {
	case wireproto.TypeFileRequest:
		e.handleFileRequest(env.From, env.Data)
	case wireproto.TypeFileResponse:
		e.handleFileResponse(env.From, env.Data)
	case wireproto.TypeFileCancel:
		e.handleFileCancelControl(env.From, env.Data)
	case wireproto.TypeText:
		e.handleTextEnvelope(env.From, env.Data)
	}
}

func (e *Engine) transferByFileID(fileID string) (*Transfer, bool) {
	e.mu.Lock()
	id, ok := e.byFileID[fileID]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	return e.Transfer(id)
}

func (e *Engine) handleFileCancelControl(from string, raw json.RawMessage) {
	var data wireproto.FileCancelData
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Printf("transfer: invalid file-cancel from %s: %v", from, err)
		return
	}
	t, ok := e.transferByFileID(data.FileID)
	if !ok {
		return
	}
	reason := "user"
	switch data.Reason {
	case wireproto.CancelReasonPeerLeft:
		reason = "peer-left"
	case wireproto.CancelReasonError:
		reason = "error"
	}
	e.cancelTransfer(t, reason, false)
}

// PeerDisconnected cancels every in-flight transfer with the given peer
// with reason "peer-left", so a receiver mid-stream learns the sender is
// gone instead of waiting out a stall.
func (e *Engine) PeerDisconnected(peerID string) {
	e.mu.Lock()
	var affected []*Transfer
	for _, t := range e.transfers {
		if t.PeerID == peerID {
			affected = append(affected, t)
		}
	}
	e.mu.Unlock()

	for _, t := range affected {
		e.cancelTransfer(t, "peer-left", false)
	}
}

// TransportClosed fails every in-flight transfer after the signaling
// transport drops. In-flight state cannot survive a reconnect: the fresh
// join hands out new peer ids, so nothing here could resume.
func (e *Engine) TransportClosed() {
	e.mu.Lock()
	all := make([]*Transfer, 0, len(e.transfers))
	for _, t := range e.transfers {
		all = append(all, t)
	}
	e.mu.Unlock()

	for _, t := range all {
		e.failTransfer(t, KindTransportClosed)
	}
}
