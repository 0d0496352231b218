// Package pcm is the Peer Connection Manager: for each remote peer it
// maintains one negotiated WebRTC connection, converging via perfect
// negotiation regardless of which side initiates, and falls back to a
// Room-Server-relayed path when the direct one fails or stalls. Callers
// get two primitives — Send toward a peer id, and a data-received event
// on the Events channel — and never see which path is in use beyond the
// connection state itself.
package pcm

import (
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/dropmesh/dropmesh/internal/wireproto"
)

// State is one connection's position in its lifecycle:
// idle → connecting → p2p | slow | relay → closed. slow is a connecting
// connection past its patience window; it still resolves to p2p or relay.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateP2P        State = "p2p"
	StateSlow       State = "slow"
	StateRelay      State = "relay"
	StateClosed     State = "closed"
)

// EventKind distinguishes the two observables pcm emits.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventDataReceived
)

// Event is one observable on the Manager's bounded Events channel.
type Event struct {
	Kind   EventKind
	PeerID string
	State  State  // valid when Kind == EventStateChanged
	Data   []byte // valid when Kind == EventDataReceived
}

// Signaler sends one control-plane envelope to the Room Server for
// forwarding. *rsclient.Client satisfies this.
type Signaler interface {
	Send(env wireproto.Envelope) error
}

// iceServers is shared by every connection. pion tries STUN-derived
// candidate pairs before TURN automatically, so one configuration covers
// both without a separate TURN-specific connection type.
var iceServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
}

// SetTURNServers appends TURN relay servers to the shared ICE
// configuration used by every subsequently created connection.
func SetTURNServers(servers []TURNServer) {
	for _, s := range servers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       []string{s.URL},
			Username:   s.Username,
			Credential: s.Password,
		})
	}
}

// TURNServer is one TURN relay's address and credentials.
type TURNServer struct {
	URL      string
	Username string
	Password string
}

// Negotiation watchdog windows: a connection still negotiating after
// slowAfter is reported slow; one not up after relayAfter falls back to
// the relay path.
const (
	slowAfter  = 4 * time.Second
	relayAfter = 8 * time.Second
)

// Manager owns every remote connection for one local peer.
type Manager struct {
	localPeerID string
	signaler    Signaler

	Events chan Event

	mu    sync.Mutex
	conns map[string]*connection
}

// NewManager builds a Manager for localPeerID, sending signaling frames
// through signaler and emitting observables on a buffered Events channel.
func NewManager(localPeerID string, signaler Signaler) *Manager {
	return &Manager{
		localPeerID: localPeerID,
		signaler:    signaler,
		Events:      make(chan Event, 256),
		conns:       make(map[string]*connection),
	}
}

// isPolite decides the perfect-negotiation role: the side with the higher
// peer id is polite. strings.Compare is byte-wise over the UTF-8 encoding
// and never consults locale collation, so both sides agree on the order
// no matter their environment.
func isPolite(local, remote string) bool {
	return strings.Compare(local, remote) > 0
}

// getOrCreate returns the connection for remotePeerID, creating it (idle,
// not yet negotiating) on first use.
func (m *Manager) getOrCreate(remotePeerID string) (*connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[remotePeerID]; ok {
		return c, nil
	}
	c, err := newConnection(m, remotePeerID, isPolite(m.localPeerID, remotePeerID))
	if err != nil {
		return nil, err
	}
	m.conns[remotePeerID] = c
	return c, nil
}

// EnsureConnection begins (or reuses) negotiation toward remotePeerID.
// Prewarming callers invoke this as soon as a peer-joined broadcast
// arrives, so the first transfer isn't blocked on the handshake; failure
// here is silent and the next Send retries.
func (m *Manager) EnsureConnection(remotePeerID string) {
	c, err := m.getOrCreate(remotePeerID)
	if err != nil {
		return
	}
	c.ensureNegotiating()
}

// Send transmits bytes to remotePeerID over whichever path is currently
// active (data channel in p2p/slow, Room-Server relay in relay mode).
func (m *Manager) Send(remotePeerID string, data []byte) error {
	c, err := m.getOrCreate(remotePeerID)
	if err != nil {
		return err
	}
	c.ensureNegotiating()
	return c.send(data)
}

// HandleEnvelope routes one inbound signaling envelope (offer, answer,
// ice-candidate, key-exchange, relay-data) from the Room Server to the
// right connection.
func (m *Manager) HandleEnvelope(env wireproto.Envelope) {
	if env.From == "" {
		return
	}
	c, err := m.getOrCreate(env.From)
	if err != nil {
		return
	}

	switch env.Type {
	case wireproto.TypeOffer:
		c.handleOffer(env.Data)
	case wireproto.TypeAnswer:
		c.handleAnswer(env.Data)
	case wireproto.TypeICECandidate:
		c.handleRemoteICECandidate(env.Data)
	case wireproto.TypeKeyExchange:
		c.handleKeyExchange(env.Data)
	case wireproto.TypeRelayData:
		c.handleRelayData(env.Data)
	}
}

// CloseAll tears down every connection, e.g. when the signaling
// transport is lost and the negotiation state behind each connection is
// no longer meaningful.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*connection)
	m.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// CloseConnection tears a connection down explicitly, e.g. on peer-left.
func (m *Manager) CloseConnection(remotePeerID string) {
	m.mu.Lock()
	c, ok := m.conns[remotePeerID]
	if ok {
		delete(m.conns, remotePeerID)
	}
	m.mu.Unlock()
	if ok {
		c.close()
	}
}

func (m *Manager) emit(ev Event) {
	select {
	case m.Events <- ev:
	default:
	}
}
