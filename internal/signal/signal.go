// Package signal implements the JSON sub-protocol carried on the dedicated
// reliable/ordered signal channel, separate from the binary file channels.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/beamlink/beamlink/internal/file"
)

// Message kinds.
const (
	KindShareFiles     = "share-files"
	KindRequestFile    = "request-file"
	KindCancelShare    = "cancel-share"
	KindStopTransfer   = "stop-transfer"
	KindReadyToReceive = "ready-to-receive"
)

var ErrUnknownKind = errors.New("unknown signal message kind")

// Message is the decoded tagged union. Only the fields belonging to Kind
// are populated.
type Message struct {
	Kind       string
	Files      []file.Metadata // share-files
	FileID     string          // request-file
	TransferID string          // stop-transfer
	ClientID   string          // ready-to-receive
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type shareFilesPayload struct {
	Files []file.Metadata `json:"files"`
}

type requestFilePayload struct {
	FileID string `json:"file_id"`
}

type stopTransferPayload struct {
	ID string `json:"id"`
}

type readyToReceivePayload struct {
	ClientID string `json:"client_id"`
}

// ShareFiles encodes an offer announcement.
func ShareFiles(files []file.Metadata) ([]byte, error) {
	return encode(KindShareFiles, shareFilesPayload{Files: files})
}

// RequestFile encodes a request to start receiving one file.
func RequestFile(fileID string) ([]byte, error) {
	return encode(KindRequestFile, requestFilePayload{FileID: fileID})
}

// CancelShare encodes a withdrawal of the whole offer set.
func CancelShare() ([]byte, error) {
	return encode(KindCancelShare, nil)
}

// StopTransfer encodes an abort for one transfer id.
func StopTransfer(transferID string) ([]byte, error) {
	return encode(KindStopTransfer, stopTransferPayload{ID: transferID})
}

// ReadyToReceive encodes the availability announcement sent when the signal
// channel opens.
func ReadyToReceive(clientID string) ([]byte, error) {
	return encode(KindReadyToReceive, readyToReceivePayload{ClientID: clientID})
}

func encode(kind string, payload any) ([]byte, error) {
	env := envelope{Type: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decode parses and validates one signal channel message. Unrecognized kinds
// return ErrUnknownKind so the caller can log and drop without failing the
// channel.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("unmarshal signal message: %w", err)
	}
	if env.Type == "" {
		return Message{}, errors.New("signal message missing type")
	}

	msg := Message{Kind: env.Type}
	switch env.Type {
	case KindShareFiles:
		var p shareFilesPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("share-files payload: %w", err)
		}
		msg.Files = p.Files
	case KindRequestFile:
		var p requestFilePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("request-file payload: %w", err)
		}
		if p.FileID == "" {
			return Message{}, errors.New("request-file missing file_id")
		}
		msg.FileID = p.FileID
	case KindCancelShare:
		// no payload
	case KindStopTransfer:
		var p stopTransferPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("stop-transfer payload: %w", err)
		}
		if p.ID == "" {
			return Message{}, errors.New("stop-transfer missing id")
		}
		msg.TransferID = p.ID
	case KindReadyToReceive:
		var p readyToReceivePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("ready-to-receive payload: %w", err)
		}
		msg.ClientID = p.ClientID
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	return msg, nil
}
