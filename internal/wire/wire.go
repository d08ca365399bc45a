// Package wire implements the binary chunk frame exchanged on file channels.
//
// Each data channel message is exactly one frame:
//
//	16 bytes  compact file id
//	 4 bytes  chunk index, little endian
//	 n bytes  chunk data, n <= ChunkDataSize
//
// The file id is a 21-character nanoid over a 64-character alphabet, packed
// at 6 bits per character to keep per-packet overhead fixed. Partial frames
// are never tolerated; decoding anything shorter than the header fails.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	// PacketSize is the maximum size of one data channel message.
	PacketSize = 16 * 1024
	// FileIDSize is the packed file id length.
	FileIDSize = 16
	// ChunkIndexSize is the chunk index field length.
	ChunkIndexSize = 4
	// HeaderSize is the fixed frame header length.
	HeaderSize = FileIDSize + ChunkIndexSize
	// ChunkDataSize is the maximum data bytes carried by one frame.
	ChunkDataSize = PacketSize - HeaderSize

	// IDLength is the unpacked file id length in characters.
	IDLength = 21

	idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"
)

var (
	ErrIDLength      = errors.New("file id must be 21 characters")
	ErrIDAlphabet    = errors.New("file id contains character outside alphabet")
	ErrIDBufferSize  = errors.New("packed id must be exactly 16 bytes")
	ErrFrameTooShort = errors.New("frame shorter than header")
	ErrFrameTooLong  = errors.New("frame exceeds packet size")
)

// Chunk is one decoded frame.
type Chunk struct {
	FileID string
	Index  uint32
	Data   []byte
}

// EncodeID packs a 21-character file id into 16 bytes, 6 bits per character.
func EncodeID(id string) ([FileIDSize]byte, error) {
	var packed [FileIDSize]byte
	if len(id) != IDLength {
		return packed, ErrIDLength
	}

	var bitBuffer uint32
	bitsInBuffer := 0
	byteIndex := 0
	for i := 0; i < IDLength; i++ {
		charValue := strings.IndexByte(idAlphabet, id[i])
		if charValue < 0 {
			return packed, fmt.Errorf("%w: %q", ErrIDAlphabet, id[i])
		}
		bitBuffer = bitBuffer<<6 | uint32(charValue)
		bitsInBuffer += 6
		for bitsInBuffer >= 8 {
			bitsInBuffer -= 8
			packed[byteIndex] = byte(bitBuffer >> bitsInBuffer)
			byteIndex++
		}
	}
	// 126 bits leave a 6-bit remainder; it pads the final byte's high bits.
	if bitsInBuffer > 0 {
		packed[byteIndex] = byte(bitBuffer << (8 - bitsInBuffer))
	}
	return packed, nil
}

// DecodeID unpacks a 16-byte compact id back to its 21-character form.
func DecodeID(packed []byte) (string, error) {
	if len(packed) != FileIDSize {
		return "", ErrIDBufferSize
	}

	var id strings.Builder
	id.Grow(IDLength)
	var bitBuffer uint32
	bitsInBuffer := 0
	for i := 0; i < FileIDSize; i++ {
		bitBuffer = bitBuffer<<8 | uint32(packed[i])
		bitsInBuffer += 8
		for bitsInBuffer >= 6 && id.Len() < IDLength {
			bitsInBuffer -= 6
			id.WriteByte(idAlphabet[bitBuffer>>bitsInBuffer&0x3f])
		}
	}
	if id.Len() != IDLength {
		return "", ErrIDLength
	}
	return id.String(), nil
}

// EncodeChunk serializes a chunk into a single frame.
func EncodeChunk(c Chunk) ([]byte, error) {
	if len(c.Data) > ChunkDataSize {
		return nil, ErrFrameTooLong
	}
	id, err := EncodeID(c.FileID)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, HeaderSize+len(c.Data))
	copy(frame, id[:])
	binary.LittleEndian.PutUint32(frame[FileIDSize:], c.Index)
	copy(frame[HeaderSize:], c.Data)
	return frame, nil
}

// DecodeChunk parses one frame. The returned data aliases the input buffer.
func DecodeChunk(frame []byte) (Chunk, error) {
	if len(frame) < HeaderSize {
		return Chunk{}, ErrFrameTooShort
	}
	if len(frame) > PacketSize {
		return Chunk{}, ErrFrameTooLong
	}
	id, err := DecodeID(frame[:FileIDSize])
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{
		FileID: id,
		Index:  binary.LittleEndian.Uint32(frame[FileIDSize:HeaderSize]),
		Data:   frame[HeaderSize:],
	}, nil
}
