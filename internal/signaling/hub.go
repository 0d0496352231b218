// Package signaling implements the Room Server's WebSocket transport:
// admission (including the password gate), roster bookkeeping, and
// message forwarding between the peers of a room.
package signaling

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dropmesh/dropmesh/internal/room"
	"github.com/dropmesh/dropmesh/internal/wireproto"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // generous: control-plane JSON plus base64 relay frames

	// Non-standard close codes a client distinguishes from ordinary
	// disconnects: it must not auto-reconnect after either of these.
	closeCodePasswordRequired  = 4001
	closeCodePasswordIncorrect = 4002
)

// Client is one peer's live WebSocket connection plus its room attachment.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	roomCode string
	peerID   string
}

// Hub brokers every room on the server. One Hub instance serves all rooms.
// Each room's roster and password are guarded by that room's own lock
// (room.Room); the client index below sits under one hub-wide lock, held
// only for map updates, lookups and non-blocking enqueues.
type Hub struct {
	rooms *room.Manager

	relayDropped atomic.Int64

	mu      sync.RWMutex
	clients map[string]map[string]*Client // room code -> peer id -> client
}

// NewHub builds a Hub over the given room Manager.
func NewHub(rooms *room.Manager) *Hub {
	return &Hub{
		rooms:   rooms,
		clients: make(map[string]map[string]*Client),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request, gates on the room's password, and runs the
// client's read/write pumps until the socket closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("room")
	if code == "" {
		code = room.AssignRoomCode(r.RemoteAddr)
	}
	code = room.NormalizeCode(code)
	presentedHash := r.URL.Query().Get("passwordHash")

	rm, err := h.rooms.GetOrCreate(code)
	if err != nil {
		http.Error(w, "room unavailable", http.StatusInternalServerError)
		return
	}

	if rm.HasPassword() {
		has, match := h.rooms.CheckPassword(code, presentedHash)
		if has && presentedHash == "" {
			h.rejectWithPasswordError(w, r, "PASSWORD_REQUIRED", closeCodePasswordRequired)
			return
		}
		if has && !match {
			h.rejectWithPasswordError(w, r, "PASSWORD_INCORRECT", closeCodePasswordIncorrect)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("signaling: upgrade error: %v", err)
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 256),
		roomCode: code,
	}

	go client.writePump()
	client.readPump()
}

// rejectWithPasswordError upgrades just long enough to deliver the error
// frame and the matching close code, then tears the socket down. Browsers
// cannot read a response body on a rejected upgrade, so the error must
// travel as a WebSocket frame before the close.
func (h *Hub) rejectWithPasswordError(w http.ResponseWriter, r *http.Request, errCode string, closeCode int) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("signaling: upgrade error during password rejection: %v", err)
		return
	}
	defer conn.Close()

	data, _ := json.Marshal(wireproto.ErrorData{Error: errCode})
	env := wireproto.Envelope{Type: wireproto.TypeError, Data: data}
	raw, _ := json.Marshal(env)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, raw)

	closeMsg := websocket.FormatCloseMessage(closeCode, errCode)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, closeMsg)
}

func (c *Client) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("signaling: read error for peer %s: %v", c.peerID, err)
			}
			return
		}

		var env wireproto.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			// A malformed frame costs only itself, never the socket.
			log.Printf("signaling: invalid frame from %s: %v", c.peerID, err)
			continue
		}

		c.hub.handle(c, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			// Auto-pong is implicit: gorilla/websocket answers PingMessage
			// frames from the peer automatically at the protocol layer.
			// Here we originate the liveness ping in the other direction.
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) enqueue(raw []byte) {
	select {
	case c.send <- raw:
	default:
		log.Printf("signaling: send buffer full for peer %s, dropping connection", c.peerID)
		c.conn.Close()
	}
}
