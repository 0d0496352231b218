package pcm

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/dropmesh/dropmesh/internal/wireproto"
)

// connection is one negotiated (or negotiating) link to a single remote
// peer. makingOffer, ignoreOffer, and polite are the perfect-negotiation
// glare-resolution state.
type connection struct {
	mgr      *Manager
	remoteID string
	polite   bool

	mu          sync.Mutex
	state       State
	pc          *webrtc.PeerConnection
	dc          *webrtc.DataChannel
	makingOffer bool
	ignoreOffer bool
	negotiated  bool // true once ensureNegotiating has kicked things off

	pendingCandidates []webrtc.ICECandidateInit
	remoteDescSet     bool

	watchdogStart time.Time
	watchdogTimer *time.Timer
	relayTimer    *time.Timer

	outSeq uint32
	recv   *relayReassembler

	localPriv []byte
	sharedKey []byte
}

func newConnection(mgr *Manager, remoteID string, polite bool) (*connection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	c := &connection{
		mgr:      mgr,
		remoteID: remoteID,
		polite:   polite,
		state:    StateIdle,
		pc:       pc,
		recv:     newRelayReassembler(),
	}
	c.wireHandlers()
	return c, nil
}

func (c *connection) wireHandlers() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		payload, err := json.Marshal(cand.ToJSON())
		if err != nil {
			log.Printf("pcm: marshal ICE candidate for %s: %v", c.remoteID, err)
			return
		}
		c.signal(wireproto.TypeICECandidate, payload)
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.setState(StateP2P)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			c.considerRelayFallback()
		case webrtc.PeerConnectionStateClosed:
			c.setState(StateClosed)
		}
	})

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.attachDataChannel(dc)
	})
}

func (c *connection) attachDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mgr.emit(Event{Kind: EventDataReceived, PeerID: c.remoteID, Data: msg.Data})
	})
}

// ensureNegotiating creates the local data channel and fires an offer if
// this connection hasn't started negotiating yet. Safe to call repeatedly.
func (c *connection) ensureNegotiating() {
	c.mu.Lock()
	if c.negotiated {
		c.mu.Unlock()
		return
	}
	c.negotiated = true
	c.mu.Unlock()

	dc, err := c.pc.CreateDataChannel("transfer", nil)
	if err != nil {
		log.Printf("pcm: create data channel to %s: %v", c.remoteID, err)
		return
	}
	c.attachDataChannel(dc)

	c.setState(StateConnecting)
	c.startWatchdog()
	c.makeOffer()
}

func (c *connection) makeOffer() {
	c.mu.Lock()
	c.makingOffer = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.makingOffer = false
		c.mu.Unlock()
	}()

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		log.Printf("pcm: create offer to %s: %v", c.remoteID, err)
		return
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		log.Printf("pcm: set local description (offer) to %s: %v", c.remoteID, err)
		return
	}

	payload, _ := json.Marshal(c.pc.LocalDescription())
	c.signal(wireproto.TypeOffer, payload)
}

// handleOffer implements perfect-negotiation glare resolution: an
// impolite side mid-offer ignores a colliding remote offer; a polite side
// rolls back and accepts it.
func (c *connection) handleOffer(raw json.RawMessage) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		log.Printf("pcm: invalid offer from %s: %v", c.remoteID, err)
		return
	}

	c.mu.Lock()
	offerCollision := c.makingOffer || c.pc.SignalingState() != webrtc.SignalingStateStable
	c.ignoreOffer = !c.polite && offerCollision
	ignore := c.ignoreOffer
	c.mu.Unlock()

	if ignore {
		return
	}

	if offerCollision {
		// Polite side rolls back its local description before accepting
		// the remote offer.
		if err := c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			log.Printf("pcm: rollback for %s: %v", c.remoteID, err)
		}
	}

	if err := c.pc.SetRemoteDescription(desc); err != nil {
		log.Printf("pcm: set remote description (offer) from %s: %v", c.remoteID, err)
		return
	}
	c.markRemoteDescSet()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		log.Printf("pcm: create answer to %s: %v", c.remoteID, err)
		return
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		log.Printf("pcm: set local description (answer) to %s: %v", c.remoteID, err)
		return
	}

	c.setState(StateConnecting)
	c.startWatchdog()
	payload, _ := json.Marshal(c.pc.LocalDescription())
	c.signal(wireproto.TypeAnswer, payload)
}

func (c *connection) handleAnswer(raw json.RawMessage) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		log.Printf("pcm: invalid answer from %s: %v", c.remoteID, err)
		return
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		log.Printf("pcm: set remote description (answer) from %s: %v", c.remoteID, err)
		return
	}
	c.markRemoteDescSet()
}

func (c *connection) markRemoteDescSet() {
	c.mu.Lock()
	c.remoteDescSet = true
	pending := c.pendingCandidates
	c.pendingCandidates = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.Printf("pcm: add buffered ICE candidate for %s: %v", c.remoteID, err)
		}
	}
}

// handleRemoteICECandidate buffers candidates that arrive before the
// remote description is set, applying them once it is.
func (c *connection) handleRemoteICECandidate(raw json.RawMessage) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		log.Printf("pcm: invalid ICE candidate from %s: %v", c.remoteID, err)
		return
	}

	c.mu.Lock()
	if !c.remoteDescSet {
		c.pendingCandidates = append(c.pendingCandidates, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.pc.AddICECandidate(cand); err != nil {
		if c.ignoreOffer {
			return // expected: we rejected the offer this candidate belongs to
		}
		log.Printf("pcm: add ICE candidate from %s: %v", c.remoteID, err)
	}
}

func (c *connection) signal(typ wireproto.Type, payload json.RawMessage) {
	if err := c.mgr.signaler.Send(wireproto.Envelope{Type: typ, To: c.remoteID, Data: payload}); err != nil {
		log.Printf("pcm: send %s to %s: %v", typ, c.remoteID, err)
	}
}

// setState transitions state and emits a state-changed observable. It
// never regresses out of StateClosed.
func (c *connection) setState(s State) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed {
		if s == StateP2P || s == StateRelay || s == StateClosed {
			c.stopWatchdog()
		}
		c.mgr.emit(Event{Kind: EventStateChanged, PeerID: c.remoteID, State: s})
	}
}

// startWatchdog arms the slow (4s) and relay (8s) timers from the moment
// negotiation begins.
func (c *connection) startWatchdog() {
	c.mu.Lock()
	c.watchdogStart = time.Now()
	c.mu.Unlock()

	c.watchdogTimer = time.AfterFunc(slowAfter, func() {
		c.mu.Lock()
		stillNegotiating := c.state == StateConnecting
		c.mu.Unlock()
		if stillNegotiating {
			c.setState(StateSlow)
		}
	})
	c.relayTimer = time.AfterFunc(relayAfter, func() {
		c.mu.Lock()
		notConnected := c.state != StateP2P
		c.mu.Unlock()
		if notConnected {
			c.switchToRelay()
		}
	})
}

func (c *connection) stopWatchdog() {
	if c.watchdogTimer != nil {
		c.watchdogTimer.Stop()
	}
	if c.relayTimer != nil {
		c.relayTimer.Stop()
	}
}

// considerRelayFallback handles ICE failed/disconnected for >2s by
// falling back to relay; a brief disconnect within 2s is tolerated.
func (c *connection) considerRelayFallback() {
	time.AfterFunc(2*time.Second, func() {
		state := c.pc.ConnectionState()
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
			c.switchToRelay()
		}
	})
}

func (c *connection) switchToRelay() {
	c.ensureKeyExchange()
	c.setState(StateRelay)
}

func (c *connection) close() {
	c.stopWatchdog()
	c.pc.Close()
	c.setState(StateClosed)
}
