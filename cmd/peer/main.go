// Command peer is a terminal harness for the Peer Connection Manager and
// Transfer Engine: it joins a room on a Room Server, tracks the roster,
// and lets an operator drive file/text transfers from stdin. The core
// packages only emit events; this binary is the host adapter that turns
// them into terminal output, with no UI of its own.
package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/dropmesh/dropmesh/internal/pcm"
	"github.com/dropmesh/dropmesh/internal/room"
	"github.com/dropmesh/dropmesh/internal/rsclient"
	"github.com/dropmesh/dropmesh/internal/transfer"
	"github.com/dropmesh/dropmesh/internal/trust"
	"github.com/dropmesh/dropmesh/internal/wireproto"
)

const passwordKDFIterations = 100_000

// terminalOnce keeps a reconnect's fresh joined event from spawning a
// second stdin reader.
var terminalOnce sync.Once

// hashRoomPassword derives the hash the Room Server stores and compares,
// never the plaintext itself.
func hashRoomPassword(roomCode, password string) string {
	key := pbkdf2.Key([]byte(password), []byte(room.NormalizeCode(roomCode)), passwordKDFIterations, sha256.Size, sha256.New)
	return hex.EncodeToString(key)
}

// roster tracks the device metadata the Transfer Engine needs to compute
// trust fingerprints for inbound requests.
type roster struct {
	mu    sync.RWMutex
	peers map[string]transfer.PeerInfo
}

func newRoster() *roster { return &roster{peers: make(map[string]transfer.PeerInfo)} }

func (r *roster) set(id string, info transfer.PeerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[id] = info
}

func (r *roster) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

func (r *roster) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[string]transfer.PeerInfo)
}

func (r *roster) lookup(id string) (transfer.PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.peers[id]
	return info, ok
}

func main() {
	var (
		serverURL   string
		roomCode    string
		name        string
		deviceType  string
		browserInfo string
		password    string
	)
	flag.StringVar(&serverURL, "server", "ws://localhost:8080/ws", "Room Server WebSocket URL")
	flag.StringVar(&roomCode, "room", "", "room code to join (blank lets the server assign one)")
	flag.StringVar(&name, "name", "peer", "display name announced to the room")
	flag.StringVar(&deviceType, "device-type", "desktop", "device class announced to the room")
	flag.StringVar(&browserInfo, "browser-info", "dropmesh-cli", "browser/agent string announced to the room")
	flag.StringVar(&password, "password", "", "room password, if any (hashed client-side before sending)")
	flag.Parse()

	client := rsclient.New(serverURL, roomCode, name, deviceType, browserInfo)
	if password != "" {
		client.SetPasswordHash(hashRoomPassword(roomCode, password))
	}
	client.OnPasswordError(func(code string) {
		log.Printf("peer: room rejected admission: %s", code)
	})

	rost := newRoster()
	trustStore := trust.NewStore()

	var (
		mgrMu sync.Mutex
		mgr   *pcm.Manager
		eng   *transfer.Engine
	)

	client.OnDisconnect(func() {
		mgrMu.Lock()
		m, e := mgr, eng
		mgrMu.Unlock()
		if e != nil {
			e.TransportClosed()
		}
		if m != nil {
			m.CloseAll()
		}
		rost.clear()
	})

	go client.Run()

	for env := range client.Inbound {
		switch env.Type {
		case wireproto.TypeJoined:
			handleJoined(client, env, rost, trustStore, &mgrMu, &mgr, &eng)

		case wireproto.TypePeerJoined:
			handlePeerJoined(env, rost, &mgrMu, &mgr)

		case wireproto.TypePeerLeft:
			handlePeerLeft(env, rost, &mgrMu, &mgr, &eng)

		case wireproto.TypeOffer, wireproto.TypeAnswer, wireproto.TypeICECandidate,
			wireproto.TypeKeyExchange, wireproto.TypeRelayData:
			mgrMu.Lock()
			m := mgr
			mgrMu.Unlock()
			if m != nil {
				m.HandleEnvelope(env)
			}

		case wireproto.TypeFileRequest, wireproto.TypeFileResponse, wireproto.TypeFileCancel, wireproto.TypeText:
			mgrMu.Lock()
			e := eng
			mgrMu.Unlock()
			if e != nil {
				e.HandleEnvelope(env)
			}

		case wireproto.TypeNameChanged:
			var info wireproto.PeerInfo
			if err := decodeData(env.Data, &info); err == nil && env.From != "" {
				if old, ok := rost.lookup(env.From); ok {
					old.Name = info.Name
					rost.set(env.From, old)
				}
				log.Printf("peer: %s is now known as %s", env.From, info.Name)
			}

		case wireproto.TypeError:
			log.Printf("peer: server error: %s", string(env.Data))
		}
	}
}

func handleJoined(client *rsclient.Client, env wireproto.Envelope, rost *roster, trustStore *trust.Store, mgrMu *sync.Mutex, mgr **pcm.Manager, eng **transfer.Engine) {
	var joined wireproto.JoinedData
	if err := decodeData(env.Data, &joined); err != nil {
		log.Printf("peer: invalid joined payload: %v", err)
		return
	}

	for _, p := range joined.Peers {
		rost.set(p.ID, transfer.PeerInfo{Name: p.Name, DeviceClass: p.DeviceType, BrowserInfo: p.BrowserInfo})
	}

	mgrMu.Lock()
	m := pcm.NewManager(joined.PeerID, client)
	e := transfer.NewEngine(m, client, trustStore, rost.lookup)
	*mgr = m
	*eng = e
	mgrMu.Unlock()

	// m.Events has a single reader, which logs state changes and passes
	// data events on to the Engine.
	dataEvents := make(chan pcm.Event, cap(m.Events))
	go e.Run(dataEvents)
	go drainTransferEvents(e)
	go drainConnectionEvents(m, dataEvents)
	terminalOnce.Do(func() {
		go runTerminal(mgrMu, eng, client, rost, trustStore, joined.PeerID, joined.RoomCode)
	})

	log.Printf("peer: joined room %s as %s", joined.RoomCode, joined.PeerID)
	for _, p := range joined.Peers {
		m.EnsureConnection(p.ID)
	}
}

func handlePeerJoined(env wireproto.Envelope, rost *roster, mgrMu *sync.Mutex, mgr **pcm.Manager) {
	var info wireproto.PeerInfo
	if err := decodeData(env.Data, &info); err != nil {
		log.Printf("peer: invalid peer-joined payload: %v", err)
		return
	}
	rost.set(info.ID, transfer.PeerInfo{Name: info.Name, DeviceClass: info.DeviceType, BrowserInfo: info.BrowserInfo})
	log.Printf("peer: %s (%s) joined the room", info.Name, info.ID)

	mgrMu.Lock()
	m := *mgr
	mgrMu.Unlock()
	if m != nil {
		m.EnsureConnection(info.ID)
	}
}

func handlePeerLeft(env wireproto.Envelope, rost *roster, mgrMu *sync.Mutex, mgr **pcm.Manager, eng **transfer.Engine) {
	var data wireproto.PeerLeftData
	if err := decodeData(env.Data, &data); err != nil {
		log.Printf("peer: invalid peer-left payload: %v", err)
		return
	}
	rost.remove(data.ID)
	log.Printf("peer: %s left the room", data.ID)

	mgrMu.Lock()
	m, e := *mgr, *eng
	mgrMu.Unlock()
	if e != nil {
		e.PeerDisconnected(data.ID)
	}
	if m != nil {
		m.CloseConnection(data.ID)
	}
}

func drainTransferEvents(e *transfer.Engine) {
	for ev := range e.Events {
		switch ev.Kind {
		case transfer.EventIncomingRequest:
			fmt.Printf("\nincoming file %q (%d bytes) from %s — accept with: accept %s\n", ev.FileName, ev.FileSize, ev.PeerID, ev.FileID)
		case transfer.EventProgress:
			fmt.Printf("\rtransfer %s: %d%% (%s, %.0f B/s)", ev.FileID, ev.Percent, ev.Mode, ev.SpeedBps)
		case transfer.EventTransferStart:
			fmt.Printf("\ntransfer %s started\n", ev.FileID)
		case transfer.EventFileReceived:
			if err := os.WriteFile(ev.FileName, ev.Blob, 0o644); err != nil {
				log.Printf("peer: writing received file %q: %v", ev.FileName, err)
				continue
			}
			fmt.Printf("\nreceived %q (%d bytes), saved to disk\n", ev.FileName, len(ev.Blob))
		case transfer.EventTransferCancelled:
			fmt.Printf("\ntransfer %s cancelled (%s)\n", ev.FileID, ev.Reason)
		case transfer.EventTransferFailed:
			fmt.Printf("\ntransfer %s failed: %s\n", ev.FileID, ev.FailKind)
		case transfer.EventTextReceived:
			fmt.Printf("\n%s: %s\n", ev.PeerID, ev.Text)
		}
	}
}

func drainConnectionEvents(m *pcm.Manager, data chan<- pcm.Event) {
	for ev := range m.Events {
		if ev.Kind == pcm.EventStateChanged {
			log.Printf("peer: connection to %s is now %s", ev.PeerID, ev.State)
			continue
		}
		data <- ev
	}
}

// runTerminal reads operator commands from stdin:
//
//	send <peer> <path>     send a file to a peer
//	text <peer> <message>  send a text message to a peer
//	accept <fileId>        accept a pending incoming file request
//	decline <fileId>       decline a pending incoming file request
//	cancel <fileId>        cancel an in-flight transfer
//	trust <peer>           remember a peer's device as trusted
//	name <newname>         announce a new display name to the room
//	quit                   exit
func runTerminal(mgrMu *sync.Mutex, engPtr **transfer.Engine, client *rsclient.Client, rost *roster, trustStore *trust.Store, selfID, roomCode string) {
	fmt.Printf("peer %s ready in room %s\n", selfID, roomCode)

	engine := func() *transfer.Engine {
		mgrMu.Lock()
		defer mgrMu.Unlock()
		return *engPtr
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "send":
			if len(fields) != 3 {
				fmt.Println("usage: send <peer> <path>")
				continue
			}
			data, err := os.ReadFile(fields[2])
			if err != nil {
				fmt.Printf("read error: %v\n", err)
				continue
			}
			engine().SendFile(fields[1], fields[2], data)

		case "text":
			if len(fields) < 3 {
				fmt.Println("usage: text <peer> <message>")
				continue
			}
			if err := engine().SendText(fields[1], strings.Join(fields[2:], " ")); err != nil {
				fmt.Printf("text send failed: %v\n", err)
			}

		case "accept", "decline":
			if len(fields) != 2 {
				fmt.Printf("usage: %s <fileId>\n", fields[0])
				continue
			}
			id, err := uuid.Parse(fields[1])
			if err != nil {
				fmt.Printf("bad file id: %v\n", err)
				continue
			}
			engine().RespondToRequest(id, fields[0] == "accept")

		case "cancel":
			if len(fields) != 2 {
				fmt.Println("usage: cancel <fileId>")
				continue
			}
			id, err := uuid.Parse(fields[1])
			if err != nil {
				fmt.Printf("bad file id: %v\n", err)
				continue
			}
			engine().CancelTransfer(id)

		case "trust":
			if len(fields) != 2 {
				fmt.Println("usage: trust <peer>")
				continue
			}
			info, ok := rost.lookup(fields[1])
			if !ok {
				fmt.Printf("unknown peer %q\n", fields[1])
				continue
			}
			fp := trust.Fingerprint(info.Name, info.DeviceClass, info.BrowserInfo)
			trustStore.Trust(fp, info.Name, info.DeviceClass, info.BrowserInfo)
			fmt.Printf("trusting %s (%s); future requests auto-accept\n", info.Name, fields[1])

		case "name":
			if len(fields) != 2 {
				fmt.Println("usage: name <newname>")
				continue
			}
			payload, _ := json.Marshal(wireproto.PeerInfo{Name: fields[1]})
			if err := client.Send(wireproto.Envelope{Type: wireproto.TypeNameChanged, Data: payload}); err != nil {
				fmt.Printf("name change failed: %v\n", err)
			}

		case "quit":
			return

		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func decodeData(raw []byte, v interface{}) error {
	return json.Unmarshal(raw, v)
}
