package room

import (
	"sync"
	"testing"
)

func TestSetPasswordOnceWins(t *testing.T) {
	m := NewManager(NewMemPasswordStore())

	const n = 50
	var wg sync.WaitGroup
	successes := make([]bool, n)
	args := make([]string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		hash := "hash-" + string(rune('a'+i%26))
		args[i] = hash
		go func(i int, hash string) {
			defer wg.Done()
			err := m.SetPassword("R1", hash)
			successes[i] = err == nil
		}(i, hash)
	}
	wg.Wait()

	winners := 0
	var winningHash string
	for i, ok := range successes {
		if ok {
			winners++
			winningHash = args[i]
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one SetPassword to succeed, got %d", winners)
	}

	r, ok := m.Get("R1")
	if !ok {
		t.Fatal("room not created")
	}
	stored, set := r.PasswordHash()
	if !set || stored != winningHash {
		t.Fatalf("stored hash %q does not match winning argument %q", stored, winningHash)
	}

	if err := m.SetPassword("R1", "late-comer"); err != ErrPasswordAlreadySet {
		t.Fatalf("expected ErrPasswordAlreadySet, got %v", err)
	}
}

func TestCheckPasswordConstantTime(t *testing.T) {
	m := NewManager(NewMemPasswordStore())
	if err := m.SetPassword("R2", "correct-hash"); err != nil {
		t.Fatal(err)
	}

	if has, ok := m.CheckPassword("R2", "correct-hash"); !has || !ok {
		t.Fatalf("expected match, got has=%v ok=%v", has, ok)
	}
	if has, ok := m.CheckPassword("R2", "wrong-hash"); !has || ok {
		t.Fatalf("expected mismatch, got has=%v ok=%v", has, ok)
	}
	if has, ok := m.CheckPassword("UNKNOWN-ROOM", "anything"); has || !ok {
		t.Fatalf("expected no password on unknown room, got has=%v ok=%v", has, ok)
	}
}

func TestRoomPeerRosterExcludesSelfAndDuplicates(t *testing.T) {
	m := NewManager(NewMemPasswordStore())
	r, err := m.GetOrCreate("R3")
	if err != nil {
		t.Fatal(err)
	}

	r.AddPeer(&Peer{ID: "p1", Name: "alice"})
	r.AddPeer(&Peer{ID: "p2", Name: "bob"})
	r.AddPeer(&Peer{ID: "p2", Name: "bob"})

	peers := r.Peers("p1")
	if len(peers) != 1 || peers[0].ID != "p2" {
		t.Fatalf("expected roster [p2], got %+v", peers)
	}

	r.RemovePeer("p2")
	if r.PeerCount() != 1 {
		t.Fatalf("expected 1 remaining peer, got %d", r.PeerCount())
	}
}

func TestNormalizeCode(t *testing.T) {
	cases := map[string]string{
		" abcd ": "ABCD",
		"WxYz12": "WXYZ12",
	}
	for in, want := range cases {
		if got := NormalizeCode(in); got != want {
			t.Errorf("NormalizeCode(%q) = %q, want %q", in, got, want)
		}
	}
}
