package link

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/serialsync/internal/protocol/frame"
	"github.com/danmuck/serialsync/internal/protocol/session"
)

// FileOptions control one file send.
type FileOptions struct {
	RequireConfirm bool
	ChunkSize      int
}

// noHandlerReason is sent when nothing can decide a request.
const noHandlerReason = "no handler"

// SendFile offers data to the peer and, once accepted, sends it as a chunked
// transfer on the negotiated session id.
func (l *Link) SendFile(ctx context.Context, data []byte, meta session.FileMeta, opts FileOptions) (TransferReport, error) {
	c, err := l.active()
	if err != nil {
		return TransferReport{}, err
	}
	chunkSize, err := l.chunkSize(opts.ChunkSize)
	if err != nil {
		return TransferReport{}, err
	}
	if strings.TrimSpace(meta.Name) == "" {
		meta.Name = "payload.bin"
	}
	meta.Size = int64(len(data))
	meta.RequireConfirm = meta.RequireConfirm || opts.RequireConfirm
	meta.Digest = session.Digest(data)
	body, err := session.EncodeFileMeta(meta)
	if err != nil {
		return TransferReport{}, err
	}
	payload, err := l.outboundPayload(data)
	if err != nil {
		return TransferReport{}, err
	}
	if n := chunkCount(len(payload), chunkSize); n > maxChunks {
		return TransferReport{}, fmt.Errorf("%w: %d chunks", ErrTooManyChunks, n)
	}

	sid, err := l.ids.Acquire()
	if err != nil {
		return TransferReport{}, err
	}
	defer l.ids.Release(sid)

	if err := l.requestFile(ctx, c, sid, meta, body); err != nil {
		return TransferReport{}, err
	}
	return l.transfer(ctx, c, sid, payload, chunkSize, fmt.Sprintf("sending %s", meta.Name))
}

// SendFilePath reads path and sends it under its base name.
func (l *Link) SendFilePath(ctx context.Context, path string, opts FileOptions) (TransferReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TransferReport{}, fmt.Errorf("link: read %s: %w", path, err)
	}
	return l.SendFile(ctx, data, session.FileMeta{Name: filepath.Base(path)}, opts)
}

// requestFile sends FileRequest and waits for the peer's decision.
func (l *Link) requestFile(ctx context.Context, c *conn, sid uint8, meta session.FileMeta, body []byte) error {
	ch, cancel := l.waiters.ExpectReply(sid)
	defer cancel()

	l.setTask(fmt.Sprintf("waiting for %s to be accepted", meta.Name))
	err := l.writeFileControl(ctx, c, frame.FileControlPacket{
		Kind:      frame.KindFileRequest,
		SessionID: sid,
		Metadata:  body,
	})
	if err != nil {
		return err
	}

	timeout := l.cfg.ImplicitConfirmTimeout
	if meta.RequireConfirm {
		timeout = l.cfg.ConfirmTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if !reply.Accepted {
			l.logger.Info().Uint8("session", sid).Str("name", meta.Name).Str("reason", reply.Reason).Msg("file rejected")
			return &HandshakeRejectedError{SessionID: sid, Name: meta.Name, Reason: reply.Reason}
		}
		l.logger.Debug().Uint8("session", sid).Str("name", meta.Name).Msg("file accepted")
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s after %s", ErrHandshakeTimeout, meta.Name, timeout)
	case <-ctx.Done():
		return waitErr(ctx, c)
	case <-c.ctx.Done():
		return waitErr(ctx, c)
	}
}

func (l *Link) handleFileRequest(c *conn, p frame.FileControlPacket) {
	meta, err := session.DecodeFileMeta(p.Metadata)
	if err != nil {
		l.emitError(err)
		l.reply(c, p.SessionID, false, "invalid request")
		return
	}
	f := &IncomingFile{
		SessionID:          p.SessionID,
		Meta:               meta,
		DefaultDestination: l.defaultDestination(p.SessionID, meta.Name),
		ReceivedAt:         l.now(),
		link:               l,
		conn:               c,
	}

	t := l.inbound
	t.mu.Lock()
	if old := t.pending[f.SessionID]; old != nil {
		old.mu.Lock()
		if !old.decided {
			old.expired = true
		}
		old.mu.Unlock()
	}
	t.pending[f.SessionID] = f
	t.mu.Unlock()

	l.audit.Info().
		Uint8("session", f.SessionID).
		Str("name", meta.Name).
		Int64("size", meta.Size).
		Bool("require_confirm", meta.RequireConfirm).
		Msg("file request")

	if !meta.RequireConfirm && l.cfg.AutoAccept {
		if err := f.Accept(""); err != nil {
			l.logger.Warn().Err(err).Uint8("session", f.SessionID).Msg("auto-accept failed")
		}
		l.emitFileRequest(f)
		return
	}
	if l.handlers().OnFileRequest == nil {
		if err := f.Reject(noHandlerReason); err != nil {
			l.logger.Warn().Err(err).Uint8("session", f.SessionID).Msg("reject failed")
		}
		return
	}
	l.emitFileRequest(f)
}

func (l *Link) decide(f *IncomingFile, accept bool, destination, reason string) error {
	f.mu.Lock()
	if f.expired {
		f.mu.Unlock()
		return ErrRequestExpired
	}
	if f.decided {
		f.mu.Unlock()
		return ErrRequestDecided
	}
	f.decided = true
	f.accepted = accept
	if accept {
		destination = strings.TrimSpace(destination)
		if destination == "" {
			destination = f.DefaultDestination
		}
		f.destination = destination
	}
	f.mu.Unlock()

	// The session goes in before FileAccept so the first Data chunk finds it.
	t := l.inbound
	var s *inboundSession
	var completed completedSession
	var hadCompleted bool
	t.mu.Lock()
	wasPending := t.pending[f.SessionID] == f
	if wasPending {
		delete(t.pending, f.SessionID)
	}
	if accept {
		s = newInboundSession(f.SessionID, l.now())
		s.meta = f.Meta
		s.destination = destination
		completed, hadCompleted = t.completed[f.SessionID]
		delete(t.completed, f.SessionID)
		t.sessions[f.SessionID] = s
	}
	t.mu.Unlock()

	if err := l.reply(f.conn, f.SessionID, accept, reason); err != nil {
		l.undecide(f, s, wasPending, completed, hadCompleted)
		return err
	}
	return nil
}

// undecide restores f after its reply could not be written, so the request
// can be decided again.
func (l *Link) undecide(f *IncomingFile, s *inboundSession, wasPending bool, completed completedSession, hadCompleted bool) {
	t := l.inbound
	t.mu.Lock()
	if s != nil && t.sessions[f.SessionID] == s {
		delete(t.sessions, f.SessionID)
		if hadCompleted {
			if _, ok := t.completed[f.SessionID]; !ok {
				t.completed[f.SessionID] = completed
			}
		}
	}
	if _, ok := t.pending[f.SessionID]; wasPending && !ok {
		t.pending[f.SessionID] = f
	}
	t.mu.Unlock()

	f.mu.Lock()
	f.decided = false
	f.accepted = false
	f.destination = ""
	f.mu.Unlock()
}

func (l *Link) reply(c *conn, sid uint8, accept bool, reason string) error {
	p := frame.FileControlPacket{Kind: frame.KindFileAccept, SessionID: sid}
	if !accept {
		p.Kind = frame.KindFileReject
		p.Metadata = session.EncodeReason(reason)
	}
	return l.writeFileControl(context.Background(), c, p)
}

// defaultDestination keeps only the base name of what the peer sent.
func (l *Link) defaultDestination(sid uint8, name string) string {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if base == "/" || base == "." || base == "" {
		base = fmt.Sprintf("session-%d.bin", sid)
	}
	return filepath.Join(l.cfg.SaveDir, base)
}

// PendingRequests lists undecided file requests by session id.
func (l *Link) PendingRequests() []*IncomingFile {
	t := l.inbound
	t.mu.Lock()
	out := make([]*IncomingFile, 0, len(t.pending))
	for _, f := range t.pending {
		out = append(out, f)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (l *Link) PendingRequest(sid uint8) (*IncomingFile, bool) {
	t := l.inbound
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.pending[sid]
	return f, ok
}
