package signaling

import (
	"encoding/json"
	"log"

	"github.com/dropmesh/dropmesh/internal/room"
	"github.com/dropmesh/dropmesh/internal/wireproto"
)

// maxRelayFrameWire caps a relay-data payload as it crosses the server:
// 64 KiB of chunk plus base64 expansion and JSON framing lands near
// 90 KiB, so anything above this is a misbehaving (or hostile) sender.
const maxRelayFrameWire = 96 * 1024

// forwardableTypes are control/data-plane messages carrying a "to" field
// that get relayed verbatim to the named peer.
var forwardableTypes = map[wireproto.Type]bool{
	wireproto.TypeOffer:        true,
	wireproto.TypeAnswer:       true,
	wireproto.TypeICECandidate: true,
	wireproto.TypeText:         true,
	wireproto.TypeRelayData:    true,
	wireproto.TypeKeyExchange:  true,
	wireproto.TypeFileRequest:  true,
	wireproto.TypeFileResponse: true,
	wireproto.TypeFileCancel:   true,
}

// handle dispatches one parsed envelope from client c.
func (h *Hub) handle(c *Client, env wireproto.Envelope) {
	switch env.Type {
	case wireproto.TypeJoin:
		h.handleJoin(c, env)

	case wireproto.TypeNameChanged:
		h.handleNameChanged(c, env)

	default:
		if forwardableTypes[env.Type] {
			h.forward(c, env)
			return
		}
		log.Printf("signaling: unrecognized message type %q from %s, dropping", env.Type, c.peerID)
	}
}

func (h *Hub) handleJoin(c *Client, env wireproto.Envelope) {
	if c.peerID != "" {
		return // already joined; a second join must not mint a new identity
	}
	var data wireproto.JoinData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		log.Printf("signaling: invalid join payload: %v", err)
		return
	}

	rm, err := h.rooms.GetOrCreate(c.roomCode)
	if err != nil {
		log.Printf("signaling: join failed to obtain room %s: %v", c.roomCode, err)
		return
	}

	c.peerID = room.NewPeerID()
	rm.AddPeer(&room.Peer{
		ID:          c.peerID,
		Name:        data.Name,
		DeviceType:  data.DeviceType,
		BrowserInfo: data.BrowserInfo,
	})

	h.mu.Lock()
	if h.clients[c.roomCode] == nil {
		h.clients[c.roomCode] = make(map[string]*Client)
	}
	h.clients[c.roomCode][c.peerID] = c
	h.mu.Unlock()

	others := rm.Peers(c.peerID)
	peerInfos := make([]wireproto.PeerInfo, len(others))
	for i, p := range others {
		peerInfos[i] = wireproto.PeerInfo{ID: p.ID, Name: p.Name, DeviceType: p.DeviceType, BrowserInfo: p.BrowserInfo}
	}

	joinedData, _ := json.Marshal(wireproto.JoinedData{
		PeerID:   c.peerID,
		RoomCode: c.roomCode,
		Peers:    peerInfos,
	})
	c.enqueue(mustEnvelope(wireproto.TypeJoined, "", "", joinedData))

	broadcastData, _ := json.Marshal(wireproto.PeerInfo{
		ID: c.peerID, Name: data.Name, DeviceType: data.DeviceType, BrowserInfo: data.BrowserInfo,
	})
	h.broadcastExcept(c.roomCode, c.peerID, wireproto.TypePeerJoined, broadcastData)
}

func (h *Hub) handleNameChanged(c *Client, env wireproto.Envelope) {
	if c.peerID == "" {
		return
	}
	var data wireproto.PeerInfo
	if err := json.Unmarshal(env.Data, &data); err != nil {
		log.Printf("signaling: invalid name-changed payload: %v", err)
		return
	}

	rm, ok := h.rooms.Get(c.roomCode)
	if !ok {
		return
	}
	rm.UpdatePeerName(c.peerID, data.Name)

	out, _ := json.Marshal(wireproto.PeerInfo{ID: c.peerID, Name: data.Name})
	h.broadcastExcept(c.roomCode, c.peerID, wireproto.TypeNameChanged, out)
}

// forward relays a control/data-plane message to its "to" peer verbatim,
// with "from" overwritten to the true sender so it cannot be spoofed.
// Messages addressed to a peer with no live connection are dropped
// silently.
func (h *Hub) forward(c *Client, env wireproto.Envelope) {
	if env.To == "" || c.peerID == "" {
		return
	}

	if env.Type == wireproto.TypeRelayData && len(env.Data) > maxRelayFrameWire {
		n := h.relayDropped.Add(1)
		log.Printf("signaling: dropping oversized relay frame (%d bytes) from %s (%d dropped total)", len(env.Data), c.peerID, n)
		return
	}

	h.mu.RLock()
	target, ok := h.clients[c.roomCode][env.To]
	h.mu.RUnlock()
	if !ok {
		return
	}

	env.From = c.peerID
	env.To = ""
	raw, err := json.Marshal(env)
	if err != nil {
		log.Printf("signaling: failed to marshal forwarded frame: %v", err)
		return
	}
	target.enqueue(raw)
}

// broadcastExcept sends a message to every peer in room except excludeID.
func (h *Hub) broadcastExcept(roomCode, excludeID string, typ wireproto.Type, data json.RawMessage) {
	env := mustEnvelope(typ, excludeID, "", data)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.clients[roomCode] {
		if id == excludeID {
			continue
		}
		c.enqueue(env)
	}
}

// unregister tears down a client on socket close/error: it drops the
// peer from the room roster, broadcasts peer-left to the rest of the
// room, and reclaims the room if it is now empty and carries no durable
// state.
func (h *Hub) unregister(c *Client) {
	c.conn.Close()

	if c.peerID == "" {
		return
	}

	h.mu.Lock()
	if m := h.clients[c.roomCode]; m != nil {
		delete(m, c.peerID)
		if len(m) == 0 {
			delete(h.clients, c.roomCode)
		}
	}
	h.mu.Unlock()

	if rm, ok := h.rooms.Get(c.roomCode); ok {
		rm.RemovePeer(c.peerID)
		data, _ := json.Marshal(wireproto.PeerLeftData{ID: c.peerID})
		h.broadcastExcept(c.roomCode, c.peerID, wireproto.TypePeerLeft, data)
		h.rooms.MaybeDestroy(c.roomCode)
	}

	close(c.send)
}

func mustEnvelope(typ wireproto.Type, from, to string, data json.RawMessage) []byte {
	raw, err := json.Marshal(wireproto.Envelope{Type: typ, From: from, To: to, Data: data})
	if err != nil {
		// Only reachable if data itself is not valid json.RawMessage, which
		// callers construct via json.Marshal just above — a programmer error.
		panic(err)
	}
	return raw
}
