package transfer

import (
	"sync"
	"time"
)

// TextEntry is one line of a peer's in-memory message history. Nothing
// here is persisted; the history dies with the process.
type TextEntry struct {
	Direction Direction
	Text      string
	Timestamp time.Time
	Failed    bool
}

// history keeps an ordered per-peer list of text entries.
type history struct {
	mu     sync.Mutex
	byPeer map[string][]TextEntry
}

func newHistory() *history {
	return &history{byPeer: make(map[string][]TextEntry)}
}

func (h *history) add(peerID string, entry TextEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byPeer[peerID] = append(h.byPeer[peerID], entry)
}

// History returns a copy of the text exchange with peerID, oldest first.
func (e *Engine) History(peerID string) []TextEntry {
	e.history.mu.Lock()
	defer e.history.mu.Unlock()
	entries := e.history.byPeer[peerID]
	out := make([]TextEntry, len(entries))
	copy(out, entries)
	return out
}
