package relay

import (
	"errors"
	"strings"
	"testing"

	"github.com/beamlink/beamlink/pkg/protocol"
)

func testClient(id string) *client {
	return &client{info: protocol.Client{ID: id, DisplayName: "Client " + id}}
}

func TestSessionStore_CreateAssignsCode(t *testing.T) {
	store := newSessionStore()
	host := testClient("h1")

	sess := store.create(host)
	if len(sess.id) != codeLength {
		t.Fatalf("code %q has length %d, want %d", sess.id, len(sess.id), codeLength)
	}
	for _, r := range sess.id {
		if !strings.ContainsRune(codeAlphabet, r) {
			t.Errorf("code %q contains %q outside the alphabet", sess.id, r)
		}
	}
	if host.session() != sess.id {
		t.Errorf("host session = %q, want %q", host.session(), sess.id)
	}
	if sess.host != "h1" {
		t.Errorf("session host = %q, want h1", sess.host)
	}
}

func TestSessionStore_JoinAndSnapshot(t *testing.T) {
	store := newSessionStore()
	host := testClient("h1")
	guest := testClient("g1")

	sess := store.create(host)
	if _, err := store.join(sess.id, guest); err != nil {
		t.Fatalf("join: %v", err)
	}

	snap, ok := store.snapshot(sess.id)
	if !ok {
		t.Fatal("snapshot: session missing")
	}
	if snap.Host != "h1" || len(snap.Clients) != 2 {
		t.Fatalf("snapshot = %+v, want host h1 with 2 clients", snap)
	}
	if _, found := snap.Find("g1"); !found {
		t.Error("guest missing from snapshot")
	}
}

func TestSessionStore_JoinUnknownCode(t *testing.T) {
	store := newSessionStore()
	if _, err := store.join("NOSUCH", testClient("g1")); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("join err = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionStore_JoinFullSession(t *testing.T) {
	store := newSessionStore()
	sess := store.create(testClient("h1"))
	if _, err := store.join(sess.id, testClient("g1")); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if _, err := store.join(sess.id, testClient("g2")); !errors.Is(err, ErrSessionFull) {
		t.Fatalf("second join err = %v, want ErrSessionFull", err)
	}
}

func TestSessionStore_RejoinIsIdempotent(t *testing.T) {
	store := newSessionStore()
	guest := testClient("g1")
	sess := store.create(testClient("h1"))

	if _, err := store.join(sess.id, guest); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := store.join(sess.id, guest); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	snap, _ := store.snapshot(sess.id)
	if len(snap.Clients) != 2 {
		t.Fatalf("snapshot has %d clients after rejoin, want 2", len(snap.Clients))
	}
}

func TestSessionStore_GuestLeaveKeepsSession(t *testing.T) {
	store := newSessionStore()
	host := testClient("h1")
	guest := testClient("g1")
	sess := store.create(host)
	if _, err := store.join(sess.id, guest); err != nil {
		t.Fatalf("join: %v", err)
	}

	left, remaining, hostLeft, ok := store.leave(guest)
	if !ok || hostLeft {
		t.Fatalf("leave: ok=%v hostLeft=%v, want ok and not hostLeft", ok, hostLeft)
	}
	if left.id != sess.id {
		t.Errorf("left session %q, want %q", left.id, sess.id)
	}
	if len(remaining) != 1 || remaining[0].info.ID != "h1" {
		t.Fatalf("remaining = %v, want just the host", remaining)
	}
	if _, found := store.get(sess.id); !found {
		t.Error("session torn down by guest departure")
	}
	if guest.session() != "" {
		t.Error("guest still attached to session")
	}
}

func TestSessionStore_HostLeaveTearsDown(t *testing.T) {
	store := newSessionStore()
	host := testClient("h1")
	guest := testClient("g1")
	sess := store.create(host)
	if _, err := store.join(sess.id, guest); err != nil {
		t.Fatalf("join: %v", err)
	}

	_, remaining, hostLeft, ok := store.leave(host)
	if !ok || !hostLeft {
		t.Fatalf("leave: ok=%v hostLeft=%v, want both", ok, hostLeft)
	}
	if len(remaining) != 1 || remaining[0].info.ID != "g1" {
		t.Fatalf("remaining = %v, want just the guest", remaining)
	}
	if _, found := store.get(sess.id); found {
		t.Error("session still present after host departure")
	}
	if guest.session() != "" {
		t.Error("guest still attached to torn-down session")
	}
}

func TestSessionStore_LeaveWithoutSession(t *testing.T) {
	store := newSessionStore()
	if _, _, _, ok := store.leave(testClient("x")); ok {
		t.Fatal("leave reported ok for a client with no session")
	}
}
