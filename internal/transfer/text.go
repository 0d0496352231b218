package transfer

import (
	"encoding/json"
	"log"
	"time"

	"github.com/dropmesh/dropmesh/internal/wireproto"
)

// SendText delivers a short text message to peerID. Unlike files there is
// no request/response handshake: the message rides a single text frame on
// the data channel, falling back to a server-forwarded text envelope when
// no channel is up yet. Delivery is best-effort; a failure surfaces only
// to the local caller (and as Failed in the message history).
func (e *Engine) SendText(peerID, text string) error {
	entry := TextEntry{Direction: DirectionSend, Text: text, Timestamp: time.Now()}

	frame := wireproto.Encode(wireproto.Frame{Kind: wireproto.FrameText, Payload: []byte(text)})
	err := e.pcm.Send(peerID, frame)
	if err != nil {
		payload, _ := json.Marshal(wireproto.TextData{Text: text})
		err = e.signaler.Send(wireproto.Envelope{Type: wireproto.TypeText, To: peerID, Data: payload})
	}
	if err != nil {
		entry.Failed = true
	}
	e.history.add(peerID, entry)
	return err
}

// handleTextEnvelope surfaces a server-forwarded text message, the
// control-plane twin of a FrameText arriving on the data channel.
func (e *Engine) handleTextEnvelope(from string, raw json.RawMessage) {
	var data wireproto.TextData
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Printf("transfer: invalid text from %s: %v", from, err)
		return
	}
	e.recordInboundText(from, data.Text)
}

func (e *Engine) recordInboundText(from, text string) {
	e.history.add(from, TextEntry{Direction: DirectionRecv, Text: text, Timestamp: time.Now()})
	e.emit(Event{Kind: EventTextReceived, PeerID: from, Text: text})
}
