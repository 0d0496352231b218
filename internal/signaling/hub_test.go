package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dropmesh/dropmesh/internal/room"
	"github.com/dropmesh/dropmesh/internal/wireproto"
)

func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	mgr := room.NewManager(room.NewMemPasswordStore())
	hub := NewHub(mgr)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	return srv, hub
}

func dialAndJoin(t *testing.T, srv *httptest.Server, roomCode, name string) (*websocket.Conn, wireproto.JoinedData) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?room=" + roomCode
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	joinData, _ := json.Marshal(wireproto.JoinData{Name: name, DeviceType: "desktop"})
	env := wireproto.Envelope{Type: wireproto.TypeJoin, Data: joinData}
	raw, _ := json.Marshal(env)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write join failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read joined reply failed: %v", err)
	}

	var gotEnv wireproto.Envelope
	if err := json.Unmarshal(msg, &gotEnv); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if gotEnv.Type != wireproto.TypeJoined {
		t.Fatalf("expected joined, got %s", gotEnv.Type)
	}
	var joined wireproto.JoinedData
	if err := json.Unmarshal(gotEnv.Data, &joined); err != nil {
		t.Fatalf("unmarshal joined data: %v", err)
	}
	return conn, joined
}

// TestRosterExcludesSelfAndDuplicates checks that a joined reply lists
// exactly the other live peers — no duplicates, no self.
func TestRosterExcludesSelfAndDuplicates(t *testing.T) {
	srv, _ := newTestServer(t)

	aliceConn, aliceJoined := dialAndJoin(t, srv, "ROOM1", "alice")
	defer aliceConn.Close()
	if len(aliceJoined.Peers) != 0 {
		t.Fatalf("alice should see no peers yet, got %+v", aliceJoined.Peers)
	}

	bobConn, bobJoined := dialAndJoin(t, srv, "ROOM1", "bob")
	defer bobConn.Close()
	if len(bobJoined.Peers) != 1 || bobJoined.Peers[0].ID != aliceJoined.PeerID {
		t.Fatalf("bob should see exactly [alice], got %+v", bobJoined.Peers)
	}

	// alice should receive a peer-joined broadcast for bob.
	aliceConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := aliceConn.ReadMessage()
	if err != nil {
		t.Fatalf("alice did not receive peer-joined: %v", err)
	}
	var env wireproto.Envelope
	json.Unmarshal(raw, &env)
	if env.Type != wireproto.TypePeerJoined {
		t.Fatalf("expected peer-joined, got %s", env.Type)
	}
}

// TestOfferForwardedWithFromSet verifies forwarding semantics.
func TestOfferForwardedWithFromSet(t *testing.T) {
	srv, _ := newTestServer(t)

	aliceConn, aliceJoined := dialAndJoin(t, srv, "ROOM2", "alice")
	defer aliceConn.Close()
	bobConn, bobJoined := dialAndJoin(t, srv, "ROOM2", "bob")
	defer bobConn.Close()

	// Drain alice's peer-joined broadcast for bob.
	aliceConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	aliceConn.ReadMessage()

	offerData := json.RawMessage(`"sdp-blob"`)
	env := wireproto.Envelope{Type: wireproto.TypeOffer, To: bobJoined.PeerID, Data: offerData}
	raw, _ := json.Marshal(env)
	if err := aliceConn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write offer failed: %v", err)
	}

	bobConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := bobConn.ReadMessage()
	if err != nil {
		t.Fatalf("bob did not receive offer: %v", err)
	}
	var gotEnv wireproto.Envelope
	json.Unmarshal(got, &gotEnv)
	if gotEnv.Type != wireproto.TypeOffer || gotEnv.From != aliceJoined.PeerID {
		t.Fatalf("unexpected forwarded envelope: %+v", gotEnv)
	}
}

// TestForwardToUnknownPeerIsDropped checks the "no live to" silent-drop
// rule without hanging the test: no response should ever be observed.
func TestForwardToUnknownPeerIsDropped(t *testing.T) {
	srv, _ := newTestServer(t)
	aliceConn, _ := dialAndJoin(t, srv, "ROOM3", "alice")
	defer aliceConn.Close()

	env := wireproto.Envelope{Type: wireproto.TypeOffer, To: "ghost-peer", Data: json.RawMessage(`"x"`)}
	raw, _ := json.Marshal(env)
	if err := aliceConn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	aliceConn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := aliceConn.ReadMessage(); err == nil {
		t.Fatal("expected no message to be delivered back for a dropped forward")
	}
}
