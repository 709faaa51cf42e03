package frame

import "encoding/binary"

// Shape identifies which of the three wire layouts a packet used.
type Shape uint8

const (
	ShapeShort Shape = iota + 1
	ShapeChunk
	ShapeFileControl
)

func (s Shape) String() string {
	switch s {
	case ShapeShort:
		return "short"
	case ShapeChunk:
		return "chunk"
	case ShapeFileControl:
		return "file_control"
	default:
		return "unknown"
	}
}

// Packet is one framed unit pulled off the stream. Valid is false only for
// short frames that failed their checksum; corrupt chunk and file-control
// frames are dropped inside the framer.
type Packet struct {
	Shape       Shape
	Valid       bool
	Short       ShortPacket
	Chunk       ChunkPacket
	FileControl FileControlPacket
	Raw         []byte
}

// Limits constrains what the framer accepts as a chunk frame.
type Limits struct {
	MaxChunkPayload int
}

func DefaultLimits() Limits {
	return Limits{MaxChunkPayload: 16 * 1024}
}

// Stats counts what the framer threw away.
type Stats struct {
	Packets            uint64
	DiscardedBytes     uint64
	CorruptShort       uint64
	CorruptChunk       uint64
	CorruptFileControl uint64
}

// Framer turns an arbitrarily fragmented byte stream into packets. It is not
// safe for concurrent use; one read loop owns it.
type Framer struct {
	limits Limits
	buf    []byte
	off    int
	stats  Stats
}

func NewFramer(limits Limits) *Framer {
	if limits.MaxChunkPayload <= 0 || limits.MaxChunkPayload > MaxChunkPayload {
		limits.MaxChunkPayload = DefaultLimits().MaxChunkPayload
	}
	return &Framer{limits: limits}
}

// Feed appends p to the receive buffer and returns every packet that is now
// complete. Incomplete trailing bytes stay buffered.
func (f *Framer) Feed(p []byte) []Packet {
	f.buf = append(f.buf, p...)
	return f.drain(false)
}

// Flush is called when the link has gone quiet. A complete short frame whose
// length byte collides with a chunk or file-control kind is released instead
// of waiting for more bytes.
func (f *Framer) Flush() []Packet {
	return f.drain(true)
}

// Buffered returns the number of bytes waiting for a complete frame.
func (f *Framer) Buffered() int {
	return len(f.buf) - f.off
}

func (f *Framer) Stats() Stats {
	return f.stats
}

func (f *Framer) drain(idle bool) []Packet {
	var out []Packet
	for f.off < len(f.buf) {
		pkt, emitted, wait := f.next(idle)
		if wait {
			break
		}
		if emitted {
			f.stats.Packets++
			out = append(out, pkt)
		}
	}
	f.compact()
	return out
}

// next makes exactly one step: it consumes at least one byte, or reports that
// more input is needed.
func (f *Framer) next(idle bool) (Packet, bool, bool) {
	b := f.buf[f.off:]
	if b[0] != Sentinel {
		f.discard(1)
		return Packet{}, false, false
	}
	if len(b) < 2 {
		return Packet{}, false, true
	}

	kind := Kind(b[1])
	pending := false
	corruptLen := 0
	var corruptShape Shape

	switch {
	case kind.IsFileControl():
		if len(b) < fileControlHeaderLen {
			pending = true
			break
		}
		n := fileControlHeaderLen + int(b[3]) + 1
		if len(b) < n {
			pending = true
			break
		}
		if pkt, ok := DecodeFileControl(b[:n]); ok {
			f.consume(n)
			return Packet{Shape: ShapeFileControl, Valid: true, FileControl: pkt}, true, false
		}
		corruptLen, corruptShape = n, ShapeFileControl
	case kind.IsChunk():
		if len(b) < chunkHeaderLen {
			pending = true
			break
		}
		ln := int(binary.BigEndian.Uint16(b[7:9]))
		if ln > f.limits.MaxChunkPayload {
			break
		}
		n := chunkHeaderLen + ln + 1
		if len(b) < n {
			pending = true
			break
		}
		if pkt, ok := DecodeChunk(b[:n]); ok {
			f.consume(n)
			return Packet{Shape: ShapeChunk, Valid: true, Chunk: pkt}, true, false
		}
		corruptLen, corruptShape = n, ShapeChunk
	}

	ln := int(b[1])
	if ln > MaxShortPayload {
		if pending {
			return Packet{}, false, true
		}
		if corruptLen > 0 {
			f.dropCorrupt(corruptShape, corruptLen)
			return Packet{}, false, false
		}
		f.discard(1)
		return Packet{}, false, false
	}
	n := ln + shortOverhead
	complete := len(b) >= n

	if pending {
		if idle && complete {
			if pkt, ok := DecodeShort(b[:n]); ok {
				f.consume(n)
				return Packet{Shape: ShapeShort, Valid: true, Short: pkt}, true, false
			}
		}
		return Packet{}, false, true
	}
	if corruptLen > 0 {
		if !complete {
			return Packet{}, false, true
		}
		if pkt, ok := DecodeShort(b[:n]); ok {
			f.consume(n)
			return Packet{Shape: ShapeShort, Valid: true, Short: pkt}, true, false
		}
		f.dropCorrupt(corruptShape, corruptLen)
		return Packet{}, false, false
	}
	if !complete {
		return Packet{}, false, true
	}

	raw := cloneBytes(b[:n])
	f.consume(n)
	pkt, ok := DecodeShort(raw)
	if !ok {
		f.stats.CorruptShort++
		return Packet{Shape: ShapeShort, Valid: false, Raw: raw}, true, false
	}
	return Packet{Shape: ShapeShort, Valid: true, Short: pkt}, true, false
}

func (f *Framer) dropCorrupt(shape Shape, n int) {
	switch shape {
	case ShapeChunk:
		f.stats.CorruptChunk++
	case ShapeFileControl:
		f.stats.CorruptFileControl++
	}
	f.stats.DiscardedBytes += uint64(n)
	f.consume(n)
}

func (f *Framer) discard(n int) {
	f.stats.DiscardedBytes += uint64(n)
	f.consume(n)
}

func (f *Framer) consume(n int) {
	f.off += n
}

func (f *Framer) compact() {
	if f.off == 0 {
		return
	}
	rest := copy(f.buf, f.buf[f.off:])
	f.buf = f.buf[:rest]
	f.off = 0
}
