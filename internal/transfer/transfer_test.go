package transfer

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/dropmesh/dropmesh/internal/pcm"
	"github.com/dropmesh/dropmesh/internal/trust"
	"github.com/dropmesh/dropmesh/internal/wireproto"
)

// fakeTransport delivers everything sent through it straight into the
// paired peer's handleDataFrame, standing in for a real *pcm.Manager so
// the handshake and streaming logic can be tested without WebRTC.
type fakeTransport struct {
	peer                *Engine
	fromPeerID          string
	mode                pcm.State
	sharedKey           []byte
	mutateBeforeDeliver func(wireproto.Frame) wireproto.Frame
}

func (f *fakeTransport) Send(peerID string, data []byte) error {
	if f.mutateBeforeDeliver != nil {
		frame, err := wireproto.Decode(data)
		if err == nil {
			frame = f.mutateBeforeDeliver(frame)
			data = wireproto.Encode(frame)
		}
	}
	f.peer.handleDataFrame(f.fromPeerID, data)
	return nil
}

func (f *fakeTransport) Mode(string) pcm.State { return f.mode }

func (f *fakeTransport) SharedKey(string) ([]byte, bool) {
	if f.mode != pcm.StateRelay {
		return nil, false
	}
	return f.sharedKey, true
}

func (f *fakeTransport) BufferedAmount(string) int { return 0 }

// fakeSignaler delivers control-plane envelopes straight into the paired
// peer's HandleEnvelope, stamping From the way the Room Server would.
type fakeSignaler struct {
	peer       *Engine
	fromPeerID string
}

func (f *fakeSignaler) Send(env wireproto.Envelope) error {
	env.From = f.fromPeerID
	f.peer.HandleEnvelope(env)
	return nil
}

func noTrust(string) (PeerInfo, bool) { return PeerInfo{}, false }

// wirePair builds two engines, "alice" and "bob", each able to reach the
// other through fake transport/signaler pairs in p2p mode.
func wirePair(t *testing.T, trustA, trustB *trust.Store, peerInfoA, peerInfoB PeerInfoLookup) (alice, bob *Engine) {
	t.Helper()
	alice = NewEngine(nil, nil, trustA, peerInfoA)
	bob = NewEngine(nil, nil, trustB, peerInfoB)

	alice.pcm = &fakeTransport{peer: bob, fromPeerID: "alice", mode: pcm.StateP2P}
	alice.signaler = &fakeSignaler{peer: bob, fromPeerID: "alice"}
	bob.pcm = &fakeTransport{peer: alice, fromPeerID: "bob", mode: pcm.StateP2P}
	bob.signaler = &fakeSignaler{peer: alice, fromPeerID: "bob"}
	return alice, bob
}

func waitForEvent(t *testing.T, events chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func TestSendFileExactChunkBoundary(t *testing.T) {
	alice, bob := wirePair(t, nil, nil, noTrust, noTrust)
	data := make([]byte, ChunkSize*2)
	for i := range data {
		data[i] = byte(i)
	}

	bob.RespondToRequest(mustFirstIncoming(t, bob, alice, "hello.bin", data).FileID, true)

	ev := waitForEvent(t, bob.Events, EventFileReceived)
	if ev.FileName != "hello.bin" {
		t.Fatalf("unexpected file name %q", ev.FileName)
	}
	if len(ev.Blob) != len(data) {
		t.Fatalf("got %d bytes, want %d", len(ev.Blob), len(data))
	}
	for i := range data {
		if ev.Blob[i] != data[i] {
			t.Fatalf("byte %d mismatch", i)
		}
	}
}

func TestSendFileChunkBoundaryPlusOne(t *testing.T) {
	alice, bob := wirePair(t, nil, nil, noTrust, noTrust)
	data := make([]byte, ChunkSize+1)
	data[ChunkSize] = 0xAB

	bob.RespondToRequest(mustFirstIncoming(t, bob, alice, "odd.bin", data).FileID, true)

	ev := waitForEvent(t, bob.Events, EventFileReceived)
	if len(ev.Blob) != len(data) || ev.Blob[ChunkSize] != 0xAB {
		t.Fatalf("chunk+1 boundary not reassembled correctly: got %d bytes", len(ev.Blob))
	}
}

func TestSendFileZeroBytes(t *testing.T) {
	alice, bob := wirePair(t, nil, nil, noTrust, noTrust)
	bob.RespondToRequest(mustFirstIncoming(t, bob, alice, "empty.txt", nil).FileID, true)

	ev := waitForEvent(t, bob.Events, EventFileReceived)
	if len(ev.Blob) != 0 {
		t.Fatalf("expected zero-byte blob, got %d bytes", len(ev.Blob))
	}
	want := sha256.Sum256(nil)
	got := sha256.Sum256(ev.Blob)
	if got != want {
		t.Fatal("zero-byte checksum mismatch")
	}
}

func TestDeclineRequestFailsSenderTransfer(t *testing.T) {
	alice, bob := wirePair(t, nil, nil, noTrust, noTrust)
	req := mustFirstIncoming(t, bob, alice, "no-thanks.bin", []byte("x"))
	bob.RespondToRequest(req.FileID, false)

	ev := waitForEvent(t, alice.Events, EventTransferFailed)
	if ev.FailKind != KindDeclined {
		t.Fatalf("got fail kind %v, want declined", ev.FailKind)
	}
}

func TestTrustedSenderAutoAccept(t *testing.T) {
	trustB := trust.NewStore()
	fp := trust.Fingerprint("alice", "desktop", "test-agent")
	trustB.Trust(fp, "alice", "desktop", "test-agent")

	peerInfoB := func(peerID string) (PeerInfo, bool) {
		if peerID == "alice" {
			return PeerInfo{Name: "alice", DeviceClass: "desktop", BrowserInfo: "test-agent"}, true
		}
		return PeerInfo{}, false
	}

	alice, bob := wirePair(t, nil, trustB, noTrust, peerInfoB)
	alice.SendFile("bob", "auto.bin", []byte("trusted payload"))

	// No EventIncomingRequest should reach the host; the engine accepts
	// on its own.
	ev := waitForEvent(t, bob.Events, EventFileReceived)
	if string(ev.Blob) != "trusted payload" {
		t.Fatalf("got %q", ev.Blob)
	}
}

func TestCancelBeforeAcceptRemovesBothSides(t *testing.T) {
	alice, bob := wirePair(t, nil, nil, noTrust, noTrust)
	req := mustFirstIncoming(t, bob, alice, "cancel-me.bin", []byte("data"))

	alice.CancelTransfer(req.FileID)
	waitForEvent(t, bob.Events, EventTransferCancelled)

	if _, ok := alice.Transfer(req.FileID); ok {
		t.Fatal("sender transfer should be gone after cancel")
	}
	if _, ok := bob.Transfer(req.FileID); ok {
		t.Fatal("receiver transfer should be gone after cancel notice")
	}
}

func TestCorruptPayloadFailsReceiver(t *testing.T) {
	alice, bob := wirePair(t, nil, nil, noTrust, noTrust)
	// Flip a byte in the file-end checksum so it can never match.
	transport := alice.pcm.(*fakeTransport)
	transport.mutateBeforeDeliver = func(f wireproto.Frame) wireproto.Frame {
		if f.Kind == wireproto.FrameFileEnd && len(f.Payload) > 0 {
			f.Payload[0] ^= 0xFF
		}
		return f
	}

	bob.RespondToRequest(mustFirstIncoming(t, bob, alice, "corrupt.bin", []byte("abcdef")).FileID, true)

	ev := waitForEvent(t, bob.Events, EventTransferFailed)
	if ev.FailKind != KindCorrupt {
		t.Fatalf("got fail kind %v, want corrupt", ev.FailKind)
	}
}

func TestRelayModeEncryptsChunksEndToEnd(t *testing.T) {
	alice, bob := wirePair(t, nil, nil, noTrust, noTrust)
	key := bytes.Repeat([]byte{0x5A}, chacha20poly1305.KeySize)
	for _, e := range []*Engine{alice, bob} {
		tr := e.pcm.(*fakeTransport)
		tr.mode = pcm.StateRelay
		tr.sharedKey = key
	}

	// Capture chunk payloads on the wire: they must never be cleartext.
	data := []byte("relay me, but never in the clear")
	var sawCleartext bool
	alice.pcm.(*fakeTransport).mutateBeforeDeliver = func(f wireproto.Frame) wireproto.Frame {
		if f.Kind == wireproto.FrameChunk && bytes.Contains(f.Payload, data) {
			sawCleartext = true
		}
		return f
	}

	bob.RespondToRequest(mustFirstIncoming(t, bob, alice, "relay.bin", data).FileID, true)

	ev := waitForEvent(t, bob.Events, EventFileReceived)
	if !bytes.Equal(ev.Blob, data) {
		t.Fatalf("relay round trip mismatch: got %q", ev.Blob)
	}
	if sawCleartext {
		t.Fatal("chunk payload crossed the relay path in cleartext")
	}
}

func TestSendTextRoundTripAndHistory(t *testing.T) {
	alice, bob := wirePair(t, nil, nil, noTrust, noTrust)

	if err := alice.SendText("bob", "hello over the channel"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	ev := waitForEvent(t, bob.Events, EventTextReceived)
	if ev.Text != "hello over the channel" || ev.PeerID != "alice" {
		t.Fatalf("unexpected text event: %+v", ev)
	}

	sent := alice.History("bob")
	if len(sent) != 1 || sent[0].Direction != DirectionSend || sent[0].Failed {
		t.Fatalf("sender history wrong: %+v", sent)
	}
	recvd := bob.History("alice")
	if len(recvd) != 1 || recvd[0].Direction != DirectionRecv {
		t.Fatalf("receiver history wrong: %+v", recvd)
	}
}

func TestFileStartBeforeAcceptIsDropped(t *testing.T) {
	alice, bob := wirePair(t, nil, nil, noTrust, noTrust)
	req := mustFirstIncoming(t, bob, alice, "early.bin", []byte("abc"))

	// A file-start arriving while the request is still pending must not
	// move the transfer forward.
	startPayload, _ := json.Marshal(wireproto.FileStartPayload{Name: "early.bin", Size: 3, TotalChunks: 1})
	frame := wireproto.Encode(wireproto.Frame{Kind: wireproto.FrameFileStart, TransferID: req.FileID, Payload: startPayload})
	bob.handleDataFrame("alice", frame)

	tr, ok := bob.Transfer(req.FileID)
	if !ok {
		t.Fatal("transfer should still exist")
	}
	if tr.State != StateRequested {
		t.Fatalf("state moved to %s on a pre-accept file-start", tr.State)
	}
}

// nopSignaler and nopTransport satisfy the engine's interfaces for tests
// that drive a single receiving engine by hand, with no sender attached.
type nopSignaler struct{}

func (nopSignaler) Send(wireproto.Envelope) error { return nil }

type nopTransport struct{}

func (nopTransport) Send(string, []byte) error { return nil }
func (nopTransport) Mode(string) pcm.State { return pcm.StateP2P }
func (nopTransport) SharedKey(string) ([]byte, bool) { return nil, false }
func (nopTransport) BufferedAmount(string) int { return 0 }

func TestChunkPastTotalChunksFailsTransfer(t *testing.T) {
	bob := NewEngine(nopTransport{}, nopSignaler{}, nil, nil)
	reqData, _ := json.Marshal(wireproto.FileRequestData{
		FileID: uuid.NewString(), Name: "bounds.bin", Size: 3, TotalChunks: 1, TransferMode: "p2p",
	})
	bob.handleFileRequest("alice", reqData)
	req := waitForEvent(t, bob.Events, EventIncomingRequest)
	bob.RespondToRequest(req.FileID, true)

	// Forge a chunk beyond the announced totalChunks.
	frame := wireproto.Encode(wireproto.Frame{Kind: wireproto.FrameChunk, TransferID: req.FileID, Seq: 99, Payload: []byte("overflow")})
	bob.handleDataFrame("alice", frame)

	ev := waitForEvent(t, bob.Events, EventTransferFailed)
	if ev.FailKind != KindInvalidFrame {
		t.Fatalf("got fail kind %v, want invalid-frame", ev.FailKind)
	}
	if _, ok := bob.Transfer(req.FileID); ok {
		t.Fatal("out-of-bounds chunk should destroy the transfer")
	}
}

// mustFirstIncoming has alice send name/data to bob and returns bob's
// EventIncomingRequest once it arrives, so the caller can drive
// RespondToRequest or CancelTransfer against a known transfer id.
func mustFirstIncoming(t *testing.T, bob, alice *Engine, name string, data []byte) Event {
	t.Helper()
	alice.SendFile("bob", name, data)
	return waitForEvent(t, bob.Events, EventIncomingRequest)
}
