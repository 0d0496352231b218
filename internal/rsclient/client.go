// Package rsclient is the client-side half of the signaling transport: it
// dials the Room Server's WebSocket, performs the join handshake, and
// exposes a typed inbound envelope stream plus a Send method, recovering
// from disconnects with exponential backoff.
package rsclient

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dropmesh/dropmesh/internal/wireproto"
)

const (
	initialBackoff = 3 * time.Second
	maxBackoff     = 30 * time.Second
)

// Client is one local peer's connection to the Room Server.
type Client struct {
	serverURL   string
	roomCode    string
	name        string
	deviceType  string
	browserInfo string

	mu           sync.Mutex
	passwordHash string
	conn         *websocket.Conn
	peerID       string
	closed       bool

	Inbound chan wireproto.Envelope

	// onPasswordError is invoked with the error code ("PASSWORD_REQUIRED" or
	// "PASSWORD_INCORRECT") whenever the server rejects admission. The
	// in-memory password material is always cleared before this runs.
	onPasswordError func(code string)

	// onDisconnect is invoked after an unexpected transport loss, before
	// the reconnect backoff starts. Hosts use it to fail in-flight
	// transfers and tear down peer connections that the coming re-join
	// (with fresh peer ids) would orphan anyway.
	onDisconnect func()
}

// New builds a Client. serverURL is the ws:// or wss:// base URL of the
// Room Server's upgrade endpoint (without query parameters).
func New(serverURL, roomCode, name, deviceType, browserInfo string) *Client {
	return &Client{
		serverURL:   serverURL,
		roomCode:    roomCode,
		name:        name,
		deviceType:  deviceType,
		browserInfo: browserInfo,
		Inbound:     make(chan wireproto.Envelope, 256),
	}
}

// SetPasswordHash sets the hash presented on the next (re)connect.
func (c *Client) SetPasswordHash(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.passwordHash = hash
}

// OnPasswordError registers a callback for admission failures.
func (c *Client) OnPasswordError(fn func(code string)) {
	c.onPasswordError = fn
}

// OnDisconnect registers a callback for unexpected transport loss.
func (c *Client) OnDisconnect(fn func()) {
	c.onDisconnect = fn
}

// PeerID returns this client's server-assigned id, once joined.
func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// Run dials the server, joins the room, and pumps inbound frames onto
// Inbound until Close is called. On unexpected disconnect it reconnects
// with exponential backoff (3s, 6s, 12s, 24s, capped at 30s), and never
// reconnects after a password rejection.
func (c *Client) Run() {
	backoff := initialBackoff
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		rejected, err := c.connectOnce()
		if rejected {
			return
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		if err != nil {
			log.Printf("rsclient: connection attempt failed: %v", err)
			if c.onDisconnect != nil {
				c.onDisconnect()
			}
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// connectOnce performs one dial+join+pump cycle. It returns rejected=true
// if the server closed with a password error (4001/4002), signaling the
// caller to stop reconnecting.
func (c *Client) connectOnce() (rejected bool, err error) {
	c.mu.Lock()
	hash := c.passwordHash
	c.mu.Unlock()

	u, err := url.Parse(c.serverURL)
	if err != nil {
		return false, fmt.Errorf("rsclient: bad server url: %w", err)
	}
	q := u.Query()
	q.Set("room", c.roomCode)
	if hash != "" {
		q.Set("passwordHash", hash)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return false, fmt.Errorf("rsclient: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	joinData, _ := json.Marshal(wireproto.JoinData{
		Name: c.name, DeviceType: c.deviceType, BrowserInfo: c.browserInfo,
	})
	if err := c.send(wireproto.Envelope{Type: wireproto.TypeJoin, Data: joinData}); err != nil {
		conn.Close()
		return false, err
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok &&
				(closeErr.Code == 4001 || closeErr.Code == 4002) {
				c.handlePasswordRejection(closeErr)
				return true, nil
			}
			return false, err
		}

		var env wireproto.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("rsclient: invalid frame: %v", err)
			continue
		}
		if env.Type == wireproto.TypeJoined {
			var jd wireproto.JoinedData
			if err := json.Unmarshal(env.Data, &jd); err == nil {
				c.mu.Lock()
				c.peerID = jd.PeerID
				c.mu.Unlock()
			}
		}

		select {
		case c.Inbound <- env:
		default:
			log.Printf("rsclient: inbound buffer full, dropping %s frame", env.Type)
		}
	}
}

// handlePasswordRejection clears in-memory password material, so a wrong
// password is never silently retried, then invokes the registered
// callback, if any.
func (c *Client) handlePasswordRejection(closeErr *websocket.CloseError) {
	c.mu.Lock()
	c.passwordHash = ""
	c.roomCode = ""
	c.mu.Unlock()

	errCode := "PASSWORD_REQUIRED"
	if closeErr.Code == 4002 {
		errCode = "PASSWORD_INCORRECT"
	}
	if strings.TrimSpace(closeErr.Text) != "" {
		errCode = closeErr.Text
	}
	if c.onPasswordError != nil {
		c.onPasswordError(errCode)
	}
}

// Send marshals and writes env over the live connection.
func (c *Client) Send(env wireproto.Envelope) error {
	return c.send(env)
}

func (c *Client) send(env wireproto.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("rsclient: not connected")
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("rsclient: marshal: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// Close shuts the client down for good; Run's reconnect loop observes
// closed and returns.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
