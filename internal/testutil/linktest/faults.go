package linktest

import (
	"sync"

	"github.com/danmuck/serialsync/internal/protocol/frame"
)

// Filter rewrites one outbound frame. Returning nil drops it.
type Filter func(b []byte) []byte

// Chain applies filters in order, stopping at the first drop.
func Chain(filters ...Filter) Filter {
	return func(b []byte) []byte {
		for _, f := range filters {
			if b = f(b); b == nil {
				return nil
			}
		}
		return b
	}
}

type ackKey struct {
	sid uint8
	seq uint16
}

// DropAcks drops the first n Acks written for each (session, seq).
func DropAcks(n int) Filter {
	var mu sync.Mutex
	seen := make(map[ackKey]int)
	return func(b []byte) []byte {
		p, ok := frame.DecodeChunk(b)
		if !ok || p.Kind != frame.KindAck {
			return b
		}
		mu.Lock()
		defer mu.Unlock()
		key := ackKey{sid: p.SessionID, seq: p.Seq}
		seen[key]++
		if seen[key] <= n {
			return nil
		}
		return b
	}
}

// DropAllAcks drops every Ack.
func DropAllAcks() Filter {
	return func(b []byte) []byte {
		if p, ok := frame.DecodeChunk(b); ok && p.Kind == frame.KindAck {
			return nil
		}
		return b
	}
}

// DropKind drops every chunk or file-control frame of kind k.
func DropKind(k frame.Kind) Filter {
	return func(b []byte) []byte {
		if kindOf(b) == k {
			return nil
		}
		return b
	}
}

// CorruptShorts flips the checksum of the first n short frames.
func CorruptShorts(n int) Filter {
	var mu sync.Mutex
	count := 0
	return func(b []byte) []byte {
		if _, ok := frame.DecodeShort(b); !ok {
			return b
		}
		mu.Lock()
		defer mu.Unlock()
		if count >= n {
			return b
		}
		count++
		b[len(b)-1] ^= 0xFF
		return b
	}
}

// CountChunks counts written chunk frames of kind k.
func CountChunks(writes [][]byte, k frame.Kind) int {
	n := 0
	for _, w := range writes {
		if p, ok := frame.DecodeChunk(w); ok && p.Kind == k {
			n++
		}
	}
	return n
}

// CountFileControl counts written file-control frames of kind k.
func CountFileControl(writes [][]byte, k frame.Kind) int {
	n := 0
	for _, w := range writes {
		if p, ok := frame.DecodeFileControl(w); ok && p.Kind == k {
			n++
		}
	}
	return n
}

func kindOf(b []byte) frame.Kind {
	if p, ok := frame.DecodeChunk(b); ok {
		return p.Kind
	}
	if p, ok := frame.DecodeFileControl(b); ok {
		return p.Kind
	}
	return 0
}
