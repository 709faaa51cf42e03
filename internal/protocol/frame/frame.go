package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	Sentinel byte = 0xAA

	MaxShortPayload = 200
	MaxChunkPayload = 0xFFFF
	MaxMetadataLen  = 0xFF

	shortOverhead        = 3
	chunkHeaderLen       = 9
	fileControlHeaderLen = 4
)

var (
	ErrPayloadTooLarge  = errors.New("frame: payload too large")
	ErrMetadataTooLarge = errors.New("frame: metadata too large")
	ErrKindMismatch     = errors.New("frame: kind does not belong to packet shape")
)

// Kind is the packet type byte carried by chunk and file-control frames.
type Kind uint8

const (
	KindData        Kind = 0x01
	KindAck         Kind = 0x02
	KindRetry       Kind = 0x03
	KindFileRequest Kind = 0x10
	KindFileAccept  Kind = 0x11
	KindFileReject  Kind = 0x12
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindAck:
		return "ack"
	case KindRetry:
		return "retry"
	case KindFileRequest:
		return "file_request"
	case KindFileAccept:
		return "file_accept"
	case KindFileReject:
		return "file_reject"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

// IsChunk reports whether k travels in the chunk shape.
func (k Kind) IsChunk() bool {
	return k == KindData || k == KindAck || k == KindRetry
}

// IsFileControl reports whether k travels in the file-control shape.
func (k Kind) IsFileControl() bool {
	return k == KindFileRequest || k == KindFileAccept || k == KindFileReject
}

// ShortPacket is one size-bounded application message.
type ShortPacket struct {
	Payload []byte
}

// ChunkPacket is one sequenced piece of a chunked transfer, or its Ack/Retry.
type ChunkPacket struct {
	Kind      Kind
	SessionID uint8
	Seq       uint16
	Total     uint16
	Payload   []byte
}

// FileControlPacket carries the file-transfer handshake.
type FileControlPacket struct {
	Kind      Kind
	SessionID uint8
	Metadata  []byte
}

// Checksum is the byte sum modulo 256.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

func EncodeShort(p ShortPacket) ([]byte, error) {
	if len(p.Payload) > MaxShortPayload {
		return nil, fmt.Errorf("%w: short payload %d > %d", ErrPayloadTooLarge, len(p.Payload), MaxShortPayload)
	}
	buf := make([]byte, 0, len(p.Payload)+shortOverhead)
	buf = append(buf, Sentinel, byte(len(p.Payload)))
	buf = append(buf, p.Payload...)
	buf = append(buf, Checksum(p.Payload))
	return buf, nil
}

// DecodeShort parses one complete short frame. valid is false on a checksum
// mismatch or when the declared length disagrees with len(b).
func DecodeShort(b []byte) (ShortPacket, bool) {
	if len(b) < shortOverhead || b[0] != Sentinel {
		return ShortPacket{}, false
	}
	n := int(b[1])
	if len(b) != n+shortOverhead {
		return ShortPacket{}, false
	}
	payload := b[2 : 2+n]
	pkt := ShortPacket{Payload: cloneBytes(payload)}
	return pkt, Checksum(payload) == b[2+n]
}

func EncodeChunk(p ChunkPacket) ([]byte, error) {
	if !p.Kind.IsChunk() {
		return nil, fmt.Errorf("%w: %s", ErrKindMismatch, p.Kind)
	}
	if len(p.Payload) > MaxChunkPayload {
		return nil, fmt.Errorf("%w: chunk payload %d > %d", ErrPayloadTooLarge, len(p.Payload), MaxChunkPayload)
	}
	buf := make([]byte, chunkHeaderLen, chunkHeaderLen+len(p.Payload)+1)
	buf[0] = Sentinel
	buf[1] = byte(p.Kind)
	buf[2] = p.SessionID
	binary.BigEndian.PutUint16(buf[3:5], p.Seq)
	binary.BigEndian.PutUint16(buf[5:7], p.Total)
	binary.BigEndian.PutUint16(buf[7:9], uint16(len(p.Payload)))
	buf = append(buf, p.Payload...)
	buf = append(buf, Checksum(buf[1:]))
	return buf, nil
}

func DecodeChunk(b []byte) (ChunkPacket, bool) {
	if len(b) < chunkHeaderLen+1 || b[0] != Sentinel {
		return ChunkPacket{}, false
	}
	n := int(binary.BigEndian.Uint16(b[7:9]))
	if len(b) != chunkHeaderLen+n+1 {
		return ChunkPacket{}, false
	}
	pkt := ChunkPacket{
		Kind:      Kind(b[1]),
		SessionID: b[2],
		Seq:       binary.BigEndian.Uint16(b[3:5]),
		Total:     binary.BigEndian.Uint16(b[5:7]),
		Payload:   cloneBytes(b[chunkHeaderLen : chunkHeaderLen+n]),
	}
	return pkt, pkt.Kind.IsChunk() && Checksum(b[1:len(b)-1]) == b[len(b)-1]
}

func EncodeFileControl(p FileControlPacket) ([]byte, error) {
	if !p.Kind.IsFileControl() {
		return nil, fmt.Errorf("%w: %s", ErrKindMismatch, p.Kind)
	}
	if len(p.Metadata) > MaxMetadataLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrMetadataTooLarge, len(p.Metadata), MaxMetadataLen)
	}
	buf := make([]byte, 0, fileControlHeaderLen+len(p.Metadata)+1)
	buf = append(buf, Sentinel, byte(p.Kind), p.SessionID, byte(len(p.Metadata)))
	buf = append(buf, p.Metadata...)
	buf = append(buf, Checksum(buf[1:]))
	return buf, nil
}

func DecodeFileControl(b []byte) (FileControlPacket, bool) {
	if len(b) < fileControlHeaderLen+1 || b[0] != Sentinel {
		return FileControlPacket{}, false
	}
	n := int(b[3])
	if len(b) != fileControlHeaderLen+n+1 {
		return FileControlPacket{}, false
	}
	pkt := FileControlPacket{
		Kind:      Kind(b[1]),
		SessionID: b[2],
		Metadata:  cloneBytes(b[fileControlHeaderLen : fileControlHeaderLen+n]),
	}
	return pkt, pkt.Kind.IsFileControl() && Checksum(b[1:len(b)-1]) == b[len(b)-1]
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
