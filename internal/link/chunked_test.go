package link

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/serialsync/internal/protocol/frame"
	"github.com/danmuck/serialsync/internal/protocol/session"
	"github.com/danmuck/serialsync/internal/testutil/linktest"
	"github.com/danmuck/serialsync/internal/testutil/testlog"
)

func patterned(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + i/13)
	}
	return out
}

func TestSendChunkedDeliversBarePayload(t *testing.T) {
	testlog.Start(t)
	p := newPair(t, testConfig(t), testConfig(t), false)
	payload := patterned(100)

	report, err := p.a.SendChunked(context.Background(), payload, SendOptions{})
	if err != nil {
		t.Fatalf("send chunked: %v", err)
	}
	if report.Total != 7 || report.Bytes != len(payload) || report.SessionID != session.BareSessionID {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.TotalRetries != 0 || report.LostBlocks != 0 || report.TransferID == "" {
		t.Fatalf("unexpected report: %+v", report)
	}

	waitFor(t, "bare payload", func() bool { return len(p.rb.snapshot().received) == 1 })
	got := p.rb.snapshot().received[0]
	if !got.Bare || got.Destination != "" || !bytes.Equal(got.Data, payload) {
		t.Fatalf("unexpected received file: bare=%v dest=%q len=%d", got.Bare, got.Destination, len(got.Data))
	}

	sent := p.ra.snapshot().progress
	if len(sent) != 7 || !sent[6].Done || sent[6].Percent != 100 || sent[6].Direction != DirectionSend {
		t.Fatalf("unexpected send progress: %+v", sent)
	}
}

func TestSendChunkedConvergesWithOneLostAckPerChunk(t *testing.T) {
	testlog.Start(t)
	p := newPair(t, testConfig(t), testConfig(t), false)
	p.pb.SetFilter(linktest.DropAcks(1))
	payload := patterned(100)

	report, err := p.a.SendChunked(context.Background(), payload, SendOptions{})
	if err != nil {
		t.Fatalf("send chunked: %v", err)
	}
	if report.TotalRetries != report.Total || report.LostBlocks != report.Total {
		t.Fatalf("expected one retry and one lost block per chunk, got %+v", report)
	}

	waitFor(t, "payload", func() bool { return len(p.rb.snapshot().received) == 1 })
	if !bytes.Equal(p.rb.snapshot().received[0].Data, payload) {
		t.Fatalf("payload corrupted in transit")
	}
	// The resent final chunk arrives after completion and is acked from the
	// completion record, not delivered twice.
	time.Sleep(100 * time.Millisecond)
	if got := len(p.rb.snapshot().received); got != 1 {
		t.Fatalf("received got=%d", got)
	}
}

func TestSendChunkedFailsAfterRetryBudget(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	cfg.RetryAttempts = 3
	p := newPair(t, cfg, testConfig(t), false)
	p.pb.SetFilter(linktest.DropAllAcks())

	_, err := p.a.SendChunked(context.Background(), patterned(40), SendOptions{})
	var cde *ChunkDeliveryError
	if !errors.As(err, &cde) {
		t.Fatalf("expected ChunkDeliveryError, got %v", err)
	}
	if !errors.Is(err, ErrChunkDeliveryFailed) {
		t.Fatalf("expected ErrChunkDeliveryFailed match")
	}
	if cde.Seq != 0 || cde.Attempts != 3 || cde.TotalRetries != 3 || cde.LostBlocks != 1 {
		t.Fatalf("unexpected delivery error: %+v", cde)
	}
	if got := linktest.CountChunks(p.pa.Writes(), frame.KindData); got != 3 {
		t.Fatalf("data writes got=%d", got)
	}
	if len(p.a.Status().ActiveOutbound) != 0 {
		t.Fatalf("bare session should be released after failure")
	}
}

func TestSendChunkedAbortsOnDisconnect(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	cfg.AckTimeout = 5 * time.Second
	p := newPair(t, cfg, testConfig(t), false)
	p.pb.SetFilter(linktest.DropAllAcks())

	errc := make(chan error, 1)
	go func() {
		_, err := p.a.SendChunked(context.Background(), patterned(40), SendOptions{})
		errc <- err
	}()
	waitFor(t, "first data frame", func() bool {
		return linktest.CountChunks(p.pa.Writes(), frame.KindData) == 1
	})
	if err := p.a.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrTransportNotOpen) {
			t.Fatalf("expected ErrTransportNotOpen, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("transfer did not abort on disconnect")
	}
}

func TestSendChunkedHonorsContext(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	cfg.AckTimeout = 5 * time.Second
	p := newPair(t, cfg, testConfig(t), false)
	p.pb.SetFilter(linktest.DropAllAcks())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.a.SendChunked(ctx, patterned(40), SendOptions{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

func TestBareSessionIsSingleFlight(t *testing.T) {
	testlog.Start(t)
	p := newPair(t, testConfig(t), testConfig(t), false)
	if err := p.a.ids.Reserve(session.BareSessionID); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	defer p.a.ids.Release(session.BareSessionID)

	if _, err := p.a.SendChunked(context.Background(), patterned(10), SendOptions{}); !errors.Is(err, ErrSessionCollision) {
		t.Fatalf("expected ErrSessionCollision, got %v", err)
	}
}

func TestSendChunkedValidation(t *testing.T) {
	testlog.Start(t)
	p := newPair(t, testConfig(t), testConfig(t), false)
	ctx := context.Background()

	if _, err := p.a.SendChunked(ctx, nil, SendOptions{}); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
	if _, err := p.a.SendChunked(ctx, patterned(maxChunks+1), SendOptions{ChunkSize: 1}); !errors.Is(err, ErrTooManyChunks) {
		t.Fatalf("expected ErrTooManyChunks, got %v", err)
	}
	if _, err := p.a.SendChunked(ctx, patterned(10), SendOptions{ChunkSize: frame.DefaultLimits().MaxChunkPayload + 1}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestSendChunkedPerCallChunkSize(t *testing.T) {
	testlog.Start(t)
	p := newPair(t, testConfig(t), testConfig(t), false)
	report, err := p.a.SendChunked(context.Background(), patterned(100), SendOptions{ChunkSize: 50})
	if err != nil {
		t.Fatalf("send chunked: %v", err)
	}
	if report.Total != 2 {
		t.Fatalf("total got=%d", report.Total)
	}
}

func TestCompressedChunkedTransfer(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	cfg.Compression = true
	p := newPair(t, cfg, cfg, false)
	payload := bytes.Repeat([]byte("serial sync "), 300)

	report, err := p.a.SendChunked(context.Background(), payload, SendOptions{ChunkSize: 64})
	if err != nil {
		t.Fatalf("send chunked: %v", err)
	}
	if report.Bytes >= len(payload) {
		t.Fatalf("expected compressed wire bytes, got %d", report.Bytes)
	}
	waitFor(t, "payload", func() bool { return len(p.rb.snapshot().received) == 1 })
	if !bytes.Equal(p.rb.snapshot().received[0].Data, payload) {
		t.Fatalf("payload mismatch after decompression")
	}
}

func TestReceiverAcksDuplicateWithoutProgress(t *testing.T) {
	testlog.Start(t)
	pa, pb := linktest.Pipe()
	rec := &recorder{}
	newTestLink(t, testConfig(t), pb, rec, false)
	peer := newRawPeer(pa)

	chunk := frame.ChunkPacket{Kind: frame.KindData, SessionID: 0, Seq: 0, Total: 2, Payload: []byte("first")}
	peer.sendChunk(t, chunk)
	peer.sendChunk(t, chunk)
	for i := 0; i < 2; i++ {
		ack := peer.next(t)
		if ack.Shape != frame.ShapeChunk || ack.Chunk.Kind != frame.KindAck || ack.Chunk.Seq != 0 || ack.Chunk.Total != 2 {
			t.Fatalf("ack %d unexpected: %+v", i, ack)
		}
	}
	if got := len(rec.snapshot().progress); got != 1 {
		t.Fatalf("duplicate must not emit progress, got=%d", got)
	}
}

func TestBareSessionRestartsOnNewTransfer(t *testing.T) {
	testlog.Start(t)
	now := time.Now()
	s := newInboundSession(session.BareSessionID, now)
	s.bare = true
	s.total = 3
	s.store(0, []byte("aa"))

	if s.restarts(frame.ChunkPacket{Seq: 0, Total: 3, Payload: []byte("aa")}) {
		t.Fatalf("identical resend of seq 0 is a duplicate")
	}
	if !s.restarts(frame.ChunkPacket{Seq: 0, Total: 3, Payload: []byte("bb")}) {
		t.Fatalf("different seq 0 payload starts a new transfer")
	}
	if !s.restarts(frame.ChunkPacket{Seq: 0, Total: 4, Payload: []byte("aa")}) {
		t.Fatalf("different total starts a new transfer")
	}
	s.store(1, []byte("cc"))
	if !s.restarts(frame.ChunkPacket{Seq: 0, Total: 3, Payload: []byte("aa")}) {
		t.Fatalf("seq 0 after seq 1 starts a new transfer")
	}
	if s.restarts(frame.ChunkPacket{Seq: 1, Total: 3, Payload: []byte("cc")}) {
		t.Fatalf("resend of the current chunk is a duplicate")
	}
}

func TestCompletionRecordMatchesOnlyFinalChunk(t *testing.T) {
	testlog.Start(t)
	final := []byte("tail")
	r := completedSession{total: 3, lastLen: len(final), lastSum: frame.Checksum(final)}
	if !r.matches(frame.ChunkPacket{Seq: 2, Total: 3, Payload: final}) {
		t.Fatalf("final chunk should match")
	}
	if r.matches(frame.ChunkPacket{Seq: 1, Total: 3, Payload: final}) {
		t.Fatalf("non-final seq must not match")
	}
	if r.matches(frame.ChunkPacket{Seq: 2, Total: 3, Payload: []byte("tall")}) {
		t.Fatalf("different payload must not match")
	}
}
