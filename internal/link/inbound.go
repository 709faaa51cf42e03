package link

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kelindar/bitmap"

	"github.com/danmuck/serialsync/internal/observability"
	"github.com/danmuck/serialsync/internal/protocol/frame"
	"github.com/danmuck/serialsync/internal/protocol/session"
)

// inboundSession reassembles one transfer. total is learned from the first
// Data chunk.
type inboundSession struct {
	id           uint8
	meta         session.FileMeta
	destination  string
	bare         bool
	total        uint16
	chunks       map[uint16][]byte
	received     bitmap.Bitmap
	highest      uint16
	bytes        int
	startedAt    time.Time
	lastActivity time.Time
}

func newInboundSession(id uint8, now time.Time) *inboundSession {
	return &inboundSession{
		id:           id,
		chunks:       make(map[uint16][]byte),
		startedAt:    now,
		lastActivity: now,
	}
}

func (s *inboundSession) count() int {
	return s.received.Count()
}

func (s *inboundSession) has(seq uint16) bool {
	return s.received.Contains(uint32(seq))
}

func (s *inboundSession) store(seq uint16, payload []byte) {
	s.chunks[seq] = payload
	s.received.Set(uint32(seq))
	s.bytes += len(payload)
	if seq > s.highest {
		s.highest = seq
	}
}

func (s *inboundSession) assemble() []byte {
	out := make([]byte, 0, s.bytes)
	for seq := uint16(0); seq < s.total; seq++ {
		out = append(out, s.chunks[seq]...)
	}
	return out
}

// restarts reports whether p on the bare session begins a new transfer
// rather than continuing the open one.
func (s *inboundSession) restarts(p frame.ChunkPacket) bool {
	if s.count() == 0 {
		return false
	}
	if p.Total != s.total {
		return true
	}
	if p.Seq != 0 {
		return false
	}
	return s.highest > 0 || !bytes.Equal(s.chunks[0], p.Payload)
}

// completedSession remembers a finished transfer so a resent final chunk,
// whose Ack was lost, is acknowledged again.
type completedSession struct {
	total   uint16
	lastLen int
	lastSum byte
	at      time.Time
}

func (r completedSession) matches(p frame.ChunkPacket) bool {
	return p.Total == r.total &&
		p.Seq == r.total-1 &&
		len(p.Payload) == r.lastLen &&
		frame.Checksum(p.Payload) == r.lastSum
}

type inboundTable struct {
	mu        sync.Mutex
	sessions  map[uint8]*inboundSession
	completed map[uint8]completedSession
	pending   map[uint8]*IncomingFile
}

func newInboundTable() *inboundTable {
	return &inboundTable{
		sessions:  make(map[uint8]*inboundSession),
		completed: make(map[uint8]completedSession),
		pending:   make(map[uint8]*IncomingFile),
	}
}

func (t *inboundTable) counts() (sessions, pending int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions), len(t.pending)
}

type expired struct {
	sessions []uint8
	requests []uint8
}

// expire drops sessions idle longer than ttl, undecided requests older than
// ttl, and completion records older than ttl.
func (t *inboundTable) expire(now time.Time, ttl time.Duration) expired {
	var out expired
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, s := range t.sessions {
		if now.Sub(s.lastActivity) > ttl {
			delete(t.sessions, id)
			out.sessions = append(out.sessions, id)
		}
	}
	for id, f := range t.pending {
		if now.Sub(f.ReceivedAt) <= ttl {
			continue
		}
		f.mu.Lock()
		if !f.decided {
			f.expired = true
		}
		f.mu.Unlock()
		delete(t.pending, id)
		out.requests = append(out.requests, id)
	}
	for id, r := range t.completed {
		if now.Sub(r.at) > ttl {
			delete(t.completed, id)
		}
	}
	sort.Slice(out.sessions, func(i, j int) bool { return out.sessions[i] < out.sessions[j] })
	sort.Slice(out.requests, func(i, j int) bool { return out.requests[i] < out.requests[j] })
	return out
}

func (l *Link) handleData(c *conn, p frame.ChunkPacket) {
	now := l.now()
	t := l.inbound

	t.mu.Lock()
	s := t.sessions[p.SessionID]
	if s == nil {
		if r, ok := t.completed[p.SessionID]; ok && r.matches(p) {
			t.mu.Unlock()
			l.logger.Debug().Uint8("session", p.SessionID).Uint16("seq", p.Seq).Msg("re-acking final chunk")
			l.ack(c, p)
			return
		}
		if p.SessionID != session.BareSessionID {
			t.mu.Unlock()
			l.logger.Debug().Uint8("session", p.SessionID).Uint16("seq", p.Seq).Msg("data for unknown session")
			return
		}
		s = newInboundSession(session.BareSessionID, now)
		s.bare = true
		t.sessions[s.id] = s
	}
	if s.bare && s.restarts(p) {
		l.logger.Info().Uint16("total", p.Total).Msg("bare transfer restarted")
		s = newInboundSession(session.BareSessionID, now)
		s.bare = true
		t.sessions[s.id] = s
	}
	if s.total == 0 {
		s.total = p.Total
	}
	if p.Total == 0 || p.Total != s.total || p.Seq >= s.total {
		t.mu.Unlock()
		l.logger.Warn().
			Uint8("session", p.SessionID).
			Uint16("seq", p.Seq).
			Uint16("total", p.Total).
			Uint16("expected_total", s.total).
			Msg("chunk outside session bounds")
		return
	}

	duplicate := s.has(p.Seq)
	if !duplicate {
		s.store(p.Seq, p.Payload)
	}
	s.lastActivity = now
	received := s.count()
	var done *inboundSession
	if !duplicate && received == int(s.total) {
		delete(t.sessions, s.id)
		done = s
		if !(s.bare && s.total == 1) {
			t.completed[s.id] = completedSession{
				total:   s.total,
				lastLen: len(s.chunks[s.total-1]),
				lastSum: frame.Checksum(s.chunks[s.total-1]),
				at:      now,
			}
		}
	}
	prog := Progress{
		Direction: DirectionReceive,
		SessionID: s.id,
		Seq:       p.Seq,
		Total:     int(s.total),
		Percent:   percent(received, int(s.total)),
		Bytes:     s.bytes,
		Done:      done != nil,
	}
	if elapsed := now.Sub(s.startedAt); elapsed > 0 {
		prog.Speed = float64(s.bytes) / elapsed.Seconds()
		prog.ETA = eta(elapsed, received, int(s.total))
	}
	open := len(t.sessions)
	t.mu.Unlock()

	l.ack(c, p)
	if duplicate {
		return
	}
	observability.SetInboundSessions(open)
	l.emitProgress(prog)
	if done != nil {
		l.finishInbound(done, now)
	}
}

func (l *Link) ack(c *conn, p frame.ChunkPacket) {
	err := l.writeChunk(context.Background(), c, frame.ChunkPacket{
		Kind:      frame.KindAck,
		SessionID: p.SessionID,
		Seq:       p.Seq,
		Total:     p.Total,
	})
	if err != nil {
		l.logger.Debug().Err(err).Uint8("session", p.SessionID).Uint16("seq", p.Seq).Msg("ack write failed")
	}
}

func (l *Link) finishInbound(s *inboundSession, now time.Time) {
	data := s.assemble()
	if l.cfg.Compression {
		inflated, err := session.Decompress(data)
		if err != nil {
			l.logger.Warn().Err(err).Uint8("session", s.id).Msg("payload not compressed, delivering raw")
		} else {
			data = inflated
		}
	}
	elapsed := now.Sub(s.startedAt)
	if !s.bare {
		if err := session.VerifyDigest(s.meta, data); err != nil {
			observability.RecordTransfer(string(DirectionReceive), len(data), elapsed, false)
			l.emitError(err)
			return
		}
	}
	observability.RecordTransfer(string(DirectionReceive), len(data), elapsed, true)
	l.audit.Info().
		Uint8("session", s.id).
		Str("name", s.meta.Name).
		Str("destination", s.destination).
		Int("bytes", len(data)).
		Dur("elapsed", elapsed).
		Msg("transfer received")
	l.emitFileReceived(ReceivedFile{
		SessionID:   s.id,
		Meta:        s.meta,
		Destination: s.destination,
		Data:        data,
		Bare:        s.bare,
		Elapsed:     elapsed,
	})
}
