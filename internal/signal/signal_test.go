package signal

import (
	"errors"
	"testing"

	"github.com/beamlink/beamlink/internal/file"
)

func TestDecode_ShareFiles(t *testing.T) {
	files := []file.Metadata{
		{ID: "aaaaaaaaaaaaaaaaaaaaa", Name: "photo.jpg", Mime: "image/jpeg", Size: 1024},
		{ID: "bbbbbbbbbbbbbbbbbbbbb", Name: "notes.txt", Mime: "text/plain", Size: 42},
	}
	data, err := ShareFiles(files)
	if err != nil {
		t.Fatalf("ShareFiles: %v", err)
	}

	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Kind != KindShareFiles {
		t.Errorf("Kind = %q, want %q", msg.Kind, KindShareFiles)
	}
	if len(msg.Files) != 2 || msg.Files[0].Name != "photo.jpg" || msg.Files[1].Size != 42 {
		t.Errorf("Files = %+v", msg.Files)
	}
}

func TestDecode_RoundTrips(t *testing.T) {
	tests := []struct {
		name   string
		encode func() ([]byte, error)
		check  func(t *testing.T, msg Message)
	}{
		{
			name:   "request-file",
			encode: func() ([]byte, error) { return RequestFile("ccccccccccccccccccccc") },
			check: func(t *testing.T, msg Message) {
				if msg.Kind != KindRequestFile || msg.FileID != "ccccccccccccccccccccc" {
					t.Errorf("msg = %+v", msg)
				}
			},
		},
		{
			name:   "cancel-share",
			encode: CancelShare,
			check: func(t *testing.T, msg Message) {
				if msg.Kind != KindCancelShare {
					t.Errorf("msg = %+v", msg)
				}
			},
		},
		{
			name:   "stop-transfer",
			encode: func() ([]byte, error) { return StopTransfer("transfer-1") },
			check: func(t *testing.T, msg Message) {
				if msg.Kind != KindStopTransfer || msg.TransferID != "transfer-1" {
					t.Errorf("msg = %+v", msg)
				}
			},
		},
		{
			name:   "ready-to-receive",
			encode: func() ([]byte, error) { return ReadyToReceive("client-1") },
			check: func(t *testing.T, msg Message) {
				if msg.Kind != KindReadyToReceive || msg.ClientID != "client-1" {
					t.Errorf("msg = %+v", msg)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.encode()
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			msg, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			tt.check(t, msg)
		})
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"type":"self-destruct","payload":{}}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("err = %v, want ErrUnknownKind", err)
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"payload":{}}`,
		`{"type":"request-file","payload":{}}`,
		`{"type":"stop-transfer","payload":{}}`,
	}
	for _, raw := range cases {
		if _, err := Decode([]byte(raw)); err == nil {
			t.Errorf("Decode(%q) should fail", raw)
		}
	}
}
