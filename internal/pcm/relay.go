package pcm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/dropmesh/dropmesh/internal/wireproto"
)

// MaxRelayFramePayload caps the chunk payload one relay frame carries
// before base64 expansion; base64 plus JSON overhead puts the wire frame
// near 90 KiB.
const MaxRelayFramePayload = 64 * 1024

// relayFrameOverhead is what the Transfer Engine wraps around one chunk
// payload: the 25-byte data-channel frame header and the 16-byte AEAD tag.
const relayFrameOverhead = 25 + 16

// send dispatches data over whichever path is currently active. p2p and
// slow both use the live data channel directly — SCTP delivers ordered
// and reliable by default, so no PCM-level sequencing is needed there.
// relay mode wraps the blob in a relay-data envelope with a monotonic seq
// so the far side can reassemble in order despite WebSocket/JSON relay
// hops.
func (c *connection) send(data []byte) error {
	c.mu.Lock()
	state := c.state
	dc := c.dc
	c.mu.Unlock()

	if state == StateRelay {
		return c.sendRelay(data)
	}
	if dc == nil {
		return fmt.Errorf("pcm: no data channel to %s yet", c.remoteID)
	}
	return dc.Send(data)
}

// BufferedAmount reports the live data channel's outbound queue depth, so
// a caller can gate on high/low water marks before sending the next
// chunk. Relay mode has no equivalent queue of its own — sending
// over the Room Server WebSocket already blocks the caller, which is its
// own backpressure — so this always reports 0 outside p2p/slow.
func (m *Manager) BufferedAmount(remotePeerID string) int {
	m.mu.Lock()
	c, ok := m.conns[remotePeerID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	c.mu.Lock()
	dc := c.dc
	state := c.state
	c.mu.Unlock()
	if dc == nil || (state != StateP2P && state != StateSlow) {
		return 0
	}
	return int(dc.BufferedAmount())
}

func (c *connection) sendRelay(data []byte) error {
	if len(data) > MaxRelayFramePayload+relayFrameOverhead {
		return fmt.Errorf("pcm: relay payload %d bytes exceeds cap of %d", len(data), MaxRelayFramePayload+relayFrameOverhead)
	}

	c.mu.Lock()
	seq := c.outSeq
	c.outSeq++
	c.mu.Unlock()

	payload, err := json.Marshal(wireproto.RelayDataPayload{
		Seq:        seq,
		PayloadB64: base64.StdEncoding.EncodeToString(data),
		Enc:        true,
	})
	if err != nil {
		return fmt.Errorf("pcm: marshal relay payload: %w", err)
	}
	c.signal(wireproto.TypeRelayData, payload)
	return nil
}

func (c *connection) handleRelayData(raw json.RawMessage) {
	var payload wireproto.RelayDataPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Printf("pcm: invalid relay-data from %s: %v", c.remoteID, err)
		return
	}

	// A peer sending relay-data has given up on the direct path; adopt
	// relay on this side too so both ends agree on the mode (and on
	// whether chunk payloads are encrypted) before any frame is surfaced.
	c.mu.Lock()
	onRelay := c.state == StateRelay
	c.mu.Unlock()
	if !onRelay {
		c.switchToRelay()
	}
	data, err := base64.StdEncoding.DecodeString(payload.PayloadB64)
	if err != nil {
		log.Printf("pcm: invalid base64 relay payload from %s: %v", c.remoteID, err)
		return
	}

	for _, ordered := range c.recv.accept(payload.Seq, data) {
		c.mgr.emit(Event{Kind: EventDataReceived, PeerID: c.remoteID, Data: ordered})
	}
}

// relayReassembler buffers out-of-order relay-data frames. Forwarding
// through the Room Server is FIFO today, but a retried frame or a future
// multi-path relay could reorder, and the transfer layer's own chunk
// sequencing treats any reorder as corruption — cheaper to restore order
// here at the transport boundary.
type relayReassembler struct {
	mu      sync.Mutex
	next    uint32
	pending map[uint32][]byte
}

func newRelayReassembler() *relayReassembler {
	return &relayReassembler{pending: make(map[uint32][]byte)}
}

// accept records one arrival and returns every frame now ready for
// delivery in order, including any buffered frames the new arrival
// unblocked.
func (r *relayReassembler) accept(seq uint32, data []byte) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[seq] = data

	var ready [][]byte
	for {
		next, ok := r.pending[r.next]
		if !ok {
			break
		}
		ready = append(ready, next)
		delete(r.pending, r.next)
		r.next++
	}

	// Guard against unbounded growth from a skipped seq: if pending grows
	// past a small window, flush the lowest-numbered entries anyway so a
	// single lost frame cannot wedge the connection forever.
	const maxPendingWindow = 256
	if len(r.pending) > maxPendingWindow {
		seqs := make([]uint32, 0, len(r.pending))
		for s := range r.pending {
			seqs = append(seqs, s)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for _, s := range seqs[:len(seqs)-maxPendingWindow] {
			ready = append(ready, r.pending[s])
			delete(r.pending, s)
			if s >= r.next {
				r.next = s + 1
			}
		}
	}

	return ready
}
