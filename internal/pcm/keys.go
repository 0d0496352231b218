package pcm

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log"

	"golang.org/x/crypto/curve25519"

	"github.com/dropmesh/dropmesh/internal/wireproto"
)

// ensureKeyExchange generates a fresh ephemeral X25519 keypair (if one
// isn't already pending or established for this connection) and sends the
// public half via key-exchange. ECDH state lives per connection, so a
// closed-and-reopened connection rekeys from scratch.
func (c *connection) ensureKeyExchange() {
	c.mu.Lock()
	if c.localPriv != nil {
		c.mu.Unlock()
		return
	}
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		c.mu.Unlock()
		log.Printf("pcm: generating ECDH key for %s: %v", c.remoteID, err)
		return
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		c.mu.Unlock()
		log.Printf("pcm: deriving ECDH public key for %s: %v", c.remoteID, err)
		return
	}
	c.localPriv = priv[:]
	c.mu.Unlock()

	payload, _ := json.Marshal(wireproto.KeyExchangeData{PublicKey: base64.StdEncoding.EncodeToString(pub)})
	c.signal(wireproto.TypeKeyExchange, payload)
}

func (c *connection) handleKeyExchange(raw json.RawMessage) {
	var data wireproto.KeyExchangeData
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Printf("pcm: invalid key-exchange from %s: %v", c.remoteID, err)
		return
	}
	remotePub, err := base64.StdEncoding.DecodeString(data.PublicKey)
	if err != nil || len(remotePub) != 32 {
		log.Printf("pcm: malformed public key from %s", c.remoteID)
		return
	}

	c.mu.Lock()
	if c.localPriv == nil {
		var priv [32]byte
		if _, err := rand.Read(priv[:]); err != nil {
			c.mu.Unlock()
			log.Printf("pcm: generating ECDH key responding to %s: %v", c.remoteID, err)
			return
		}
		c.localPriv = priv[:]
		pub, err := curve25519.X25519(c.localPriv, curve25519.Basepoint)
		if err != nil {
			c.mu.Unlock()
			return
		}
		payload, _ := json.Marshal(wireproto.KeyExchangeData{PublicKey: base64.StdEncoding.EncodeToString(pub)})
		c.mu.Unlock()
		c.signal(wireproto.TypeKeyExchange, payload)
		c.mu.Lock()
	}
	priv := c.localPriv
	c.mu.Unlock()

	shared, err := curve25519.X25519(priv, remotePub)
	if err != nil {
		log.Printf("pcm: ECDH with %s failed: %v", c.remoteID, err)
		return
	}
	// Run the raw ECDH output through SHA-256 to get a uniformly random
	// AEAD key rather than using the curve point directly.
	key := sha256.Sum256(shared)

	c.mu.Lock()
	c.sharedKey = key[:]
	c.mu.Unlock()
}

// SharedKey exposes the derived per-peer symmetric key to the Transfer
// Engine, which performs the actual AEAD encryption of chunk payloads;
// pcm itself only transports opaque bytes.
func (m *Manager) SharedKey(remotePeerID string) ([]byte, bool) {
	m.mu.Lock()
	c, ok := m.conns[remotePeerID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sharedKey == nil {
		return nil, false
	}
	key := make([]byte, len(c.sharedKey))
	copy(key, c.sharedKey)
	return key, true
}

// Mode reports the connection's current state, letting the Transfer
// Engine decide whether to AEAD-encrypt a chunk before calling Send.
func (m *Manager) Mode(remotePeerID string) State {
	m.mu.Lock()
	c, ok := m.conns[remotePeerID]
	m.mu.Unlock()
	if !ok {
		return StateIdle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
