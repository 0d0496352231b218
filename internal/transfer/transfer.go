// Package transfer implements the Transfer Engine: file and text semantics
// on top of a pcm.Manager's byte-oriented per-peer streams — the
// request/response handshake, chunked streaming with flow control,
// relay-mode AEAD encryption, integrity checking, cancellation, and the
// trusted-sender auto-accept shortcut.
package transfer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChunkSize is the default data-channel chunk size.
const ChunkSize = 64 * 1024

// High/low water marks gate the sender's outbound buffer.
const (
	HighWaterMark = 1 << 20   // 1 MiB
	LowWaterMark  = 256 << 10 // 256 KiB
)

const (
	// AcceptTimeout bounds how long a sender waits for a file-response.
	AcceptTimeout     = 60 * time.Second
	// RelayStallTimeout fails a relay-mode transfer that makes no progress.
	RelayStallTimeout = 15 * time.Second
)

// Mode records which path a transfer's bytes travel over.
type Mode string

const (
	ModeP2P   Mode = "p2p"
	ModeRelay Mode = "relay"
)

// Direction distinguishes the sending from the receiving side.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// State is a transfer's position in its lifecycle. Senders move
// init → requested → accepted → streaming; receivers move
// requested → receiving. Both end in done, cancelled, failed, or declined.
type State string

const (
	StateInit      State = "init"
	StateRequested State = "requested"
	StateAccepted  State = "accepted"
	StateStreaming State = "streaming" // sender
	StateReceiving State = "receiving" // receiver
	StateDone      State = "done"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
	StateDeclined  State = "declined"
)

// Kind names a failure cause, surfaced to the host through events rather
// than as a Go error type: hosts present these, they don't branch on them.
type Kind string

const (
	KindDeclined          Kind = "declined"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindCorrupt           Kind = "corrupt"
	KindNegotiationFailed Kind = "negotiation-failed"
	KindTransportClosed   Kind = "transport-closed"
	KindPasswordRequired  Kind = "password-required"
	KindPasswordIncorrect Kind = "password-incorrect"
	KindRoomFull          Kind = "room-full"
	KindInvalidFrame      Kind = "invalid-frame"
)

// Transfer is the client-side record of one file exchange.
type Transfer struct {
	ID          uuid.UUID
	Direction   Direction
	PeerID      string
	Name        string
	Size        int64
	TotalChunks uint32
	Mode        Mode
	State       State
	BytesDone   int64
	StartTime   time.Time
	FailKind    Kind
	CancelledBy string // "user" | "peer-left" | "error", empty unless cancelled

	cancelRequested chan struct{}
	cancelOnce      sync.Once

	// sender-only
	data []byte

	// receiver-only
	assembled []byte
	nextSeq   uint32
}

// EventKind distinguishes the Engine's observables.
type EventKind int

const (
	EventProgress EventKind = iota
	EventFileReceived
	EventTransferStart
	EventTransferCancelled
	EventTransferFailed
	EventIncomingRequest
	EventTextReceived
)

// Event is one observable on the Engine's bounded Events channel. A
// single channel carries every kind; unused fields are zero.
type Event struct {
	Kind EventKind

	PeerID string
	FileID uuid.UUID

	// EventProgress
	FileName string
	FileSize int64
	Percent  int
	SpeedBps float64
	Mode     Mode

	// EventFileReceived
	Blob []byte

	// EventTransferCancelled / EventTransferFailed
	Reason   string
	FailKind Kind

	// EventIncomingRequest
	TotalChunks uint32
	Trusted     bool

	// EventTextReceived
	Text string
}
