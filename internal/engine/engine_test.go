package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/beamlink/beamlink/internal/file"
	"github.com/beamlink/beamlink/internal/logging"
	"github.com/beamlink/beamlink/internal/relay"
	"github.com/beamlink/beamlink/internal/transfer"
	"github.com/beamlink/beamlink/pkg/protocol"
)

func startRelay(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(relay.NewServer(logging.Discard()).Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// loopbackAPI builds a WebRTC stack that gathers loopback candidates, so two
// engines in the same process can reach each other without a network.
func loopbackAPI() *webrtc.API {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func startEngine(t *testing.T, relayURL string) (*Engine, string) {
	t.Helper()
	downloadDir := t.TempDir()
	e := New(Config{
		RelayURL:    relayURL,
		DownloadDir: downloadDir,
		Logger:      logging.Discard(),
		WebRTCAPI:   loopbackAPI(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Run(ctx)

	waitFor(t, 3*time.Second, func() bool {
		_, ok := e.Identity()
		return ok
	}, "engine never connected to relay")
	return e, downloadDir
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestShareFiles_RegistersAndAnnounces(t *testing.T) {
	e, _ := startEngine(t, startRelay(t))

	paths := []string{
		writeTempFile(t, "report.pdf", "pdf bytes"),
		writeTempFile(t, "notes.txt", "hello"),
	}
	metas, err := e.ShareFiles(paths)
	if err != nil {
		t.Fatalf("ShareFiles: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("got %d metas, want 2", len(metas))
	}
	if metas[0].Name != "report.pdf" || metas[1].Name != "notes.txt" {
		t.Errorf("unexpected names: %q, %q", metas[0].Name, metas[1].Name)
	}
	if metas[1].Size != int64(len("hello")) {
		t.Errorf("size = %d, want %d", metas[1].Size, len("hello"))
	}
	if metas[0].ID == metas[1].ID {
		t.Error("file ids are not unique")
	}
	if got := e.uploads.Len(); got != 2 {
		t.Errorf("upload set has %d entries, want 2", got)
	}
}

func TestShareFiles_MissingPath(t *testing.T) {
	e, _ := startEngine(t, startRelay(t))

	_, err := e.ShareFiles([]string{filepath.Join(t.TempDir(), "no-such-file")})
	if err == nil {
		t.Fatal("ShareFiles accepted a missing path")
	}
	if got := e.uploads.Len(); got != 0 {
		t.Errorf("failed share left %d uploads behind", got)
	}
}

func TestCancelShare_ClearsUploadSet(t *testing.T) {
	e, _ := startEngine(t, startRelay(t))

	if _, err := e.ShareFiles([]string{writeTempFile(t, "a.txt", "a")}); err != nil {
		t.Fatalf("ShareFiles: %v", err)
	}
	e.CancelShare()
	if got := e.uploads.Len(); got != 0 {
		t.Errorf("upload set has %d entries after cancel, want 0", got)
	}
}

func TestSessionFlow_NegotiatesPeers(t *testing.T) {
	relayURL := startRelay(t)
	host, _ := startEngine(t, relayURL)
	guest, _ := startEngine(t, relayURL)

	code, err := host.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := guest.JoinSession(context.Background(), code); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	// client-joined triggers the host's offer; the answer travels back
	// through the relay. Both sides should end up tracking one peer.
	waitFor(t, 5*time.Second, func() bool {
		return len(host.manager.Peers()) == 1 && len(guest.manager.Peers()) == 1
	}, "offer/answer exchange never completed")

	hostID, _ := host.Identity()
	guestID, _ := guest.Identity()
	if got := host.manager.Peers()[0]; got != guestID.ID {
		t.Errorf("host tracks peer %q, want %q", got, guestID.ID)
	}
	if got := guest.manager.Peers()[0]; got != hostID.ID {
		t.Errorf("guest tracks peer %q, want %q", got, hostID.ID)
	}
}

func TestTwoPartyFileTransfer(t *testing.T) {
	relayURL := startRelay(t)
	host, _ := startEngine(t, relayURL)
	guest, guestDir := startEngine(t, relayURL)

	// Enough bytes to span several chunk frames.
	content := bytes.Repeat([]byte("0123456789abcdef"), 2500)
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	code, err := host.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	metas, err := host.ShareFiles([]string{path})
	if err != nil {
		t.Fatalf("ShareFiles: %v", err)
	}

	advertised := make(chan string, 1)
	guest.OnAdvertised(func(peerID string, files []file.Metadata) {
		if len(files) == 0 {
			return
		}
		select {
		case advertised <- peerID:
		default:
		}
	})

	if _, err := guest.JoinSession(context.Background(), code); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	var hostPeerID string
	select {
	case hostPeerID = <-advertised:
	case <-time.After(15 * time.Second):
		t.Fatal("host's offer never reached the guest")
	}

	offered := guest.manager.AdvertisedFiles(hostPeerID)
	if len(offered) != 1 || offered[0].Name != "payload.bin" || offered[0].Size != int64(len(content)) {
		t.Fatalf("advertised files = %+v, want payload.bin of %d bytes", offered, len(content))
	}

	if err := guest.RequestAll(hostPeerID); err != nil {
		t.Fatalf("RequestAll: %v", err)
	}

	waitFor(t, 30*time.Second, func() bool {
		return guest.Incoming().Aggregate().Status == transfer.AggregateComplete
	}, "download never completed")

	tr, ok := guest.Incoming().Find(metas[0].ID)
	if !ok {
		t.Fatal("incoming transfer record missing")
	}
	if tr.Status != transfer.StatusComplete {
		t.Errorf("transfer status = %q, want %q", tr.Status, transfer.StatusComplete)
	}
	if tr.TransferredBytes != int64(len(content)) {
		t.Errorf("transferred %d bytes, want %d", tr.TransferredBytes, len(content))
	}

	got, err := os.ReadFile(filepath.Join(guestDir, "payload.bin"))
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("downloaded bytes differ from shared file: got %d bytes, want %d", len(got), len(content))
	}

	waitFor(t, 5*time.Second, func() bool {
		return host.Outgoing().Aggregate().Status == transfer.AggregateComplete
	}, "upload never marked complete on the host")
}

func TestMalformedSignalingPayload_IsIgnored(t *testing.T) {
	e, _ := startEngine(t, startRelay(t))

	handler := e.handleRTC(e.manager.HandleOffer)
	handler(protocol.Message{Type: protocol.TypeOffer, Payload: json.RawMessage(`"not an object"`)})

	if got := len(e.manager.Peers()); got != 0 {
		t.Errorf("malformed offer created %d peers", got)
	}
}
