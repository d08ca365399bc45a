package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/beamlink/beamlink/internal/logging"
	"github.com/beamlink/beamlink/internal/relay"
	"github.com/beamlink/beamlink/pkg/protocol"
)

func startRelay(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(relay.NewServer(logging.Discard()).Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func startClient(t *testing.T, url string) *Client {
	t.Helper()
	c := New(url, logging.Discard())
	connected := make(chan protocol.Client, 1)
	c.OnConnect(func(identity protocol.Client) {
		select {
		case connected <- identity:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	select {
	case identity := <-connected:
		if identity.ID == "" {
			t.Fatal("connected with empty identity")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client did not connect")
	}
	return c
}

func TestClient_CreateAndJoinSession(t *testing.T) {
	url := startRelay(t)

	host := startClient(t, url)
	joinedCh := make(chan protocol.Client, 1)
	host.On(protocol.TypeClientJoined, func(msg protocol.Message) {
		var c protocol.Client
		if err := msg.DecodePayload(&c); err == nil {
			joinedCh <- c
		}
	})

	code, err := host.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("session code %q, want 6 chars", code)
	}

	guest := startClient(t, url)
	sess, err := guest.JoinSession(context.Background(), code)
	if err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	if len(sess.Clients) != 2 {
		t.Fatalf("joined session has %d clients, want 2", len(sess.Clients))
	}
	guestID, _ := guest.Identity()
	if _, found := sess.Find(guestID.ID); !found {
		t.Error("guest missing from joined session")
	}

	select {
	case joined := <-joinedCh:
		if joined.ID != guestID.ID {
			t.Errorf("client-joined carried id %q, want %q", joined.ID, guestID.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("host never saw client-joined")
	}
}

func TestClient_JoinUnknownSession(t *testing.T) {
	url := startRelay(t)
	c := startClient(t, url)

	_, err := c.JoinSession(context.Background(), "NOSUCH")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("JoinSession err = %v, want ErrSessionNotFound", err)
	}
}

func TestClient_SessionFull(t *testing.T) {
	url := startRelay(t)
	host := startClient(t, url)

	code, err := host.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := startClient(t, url).JoinSession(context.Background(), code); err != nil {
		t.Fatalf("first join: %v", err)
	}
	_, err = startClient(t, url).JoinSession(context.Background(), code)
	if !errors.Is(err, ErrSessionFull) {
		t.Fatalf("second join err = %v, want ErrSessionFull", err)
	}
}

func TestClient_SendWithoutConnection(t *testing.T) {
	c := New("ws://127.0.0.1:1/ws", logging.Discard())
	err := c.SendPayload(protocol.TypeLeaveSession, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendPayload err = %v, want ErrNotConnected", err)
	}
}

func TestClient_HostLeaveNotifiesGuest(t *testing.T) {
	url := startRelay(t)
	host := startClient(t, url)
	guest := startClient(t, url)

	code, err := host.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	leftCh := make(chan struct{}, 1)
	guest.On(protocol.TypeSessionLeft, func(protocol.Message) {
		leftCh <- struct{}{}
	})
	if _, err := guest.JoinSession(context.Background(), code); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	if err := host.LeaveSession(); err != nil {
		t.Fatalf("LeaveSession: %v", err)
	}

	select {
	case <-leftCh:
	case <-time.After(3 * time.Second):
		t.Fatal("guest never saw session-left")
	}
}
