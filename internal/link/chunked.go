package link

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/serialsync/internal/observability"
	"github.com/danmuck/serialsync/internal/protocol/frame"
	"github.com/danmuck/serialsync/internal/protocol/session"
)

// maxChunks is the largest chunk count a u16 total can carry.
const maxChunks = 0xFFFF

// SendOptions override engine config for one chunked send.
type SendOptions struct {
	ChunkSize int
}

// SendChunked sends data as a bare chunked transfer on session 0. Only one
// bare transfer may be in flight.
func (l *Link) SendChunked(ctx context.Context, data []byte, opts SendOptions) (TransferReport, error) {
	if len(data) == 0 {
		return TransferReport{}, ErrEmptyPayload
	}
	c, err := l.active()
	if err != nil {
		return TransferReport{}, err
	}
	chunkSize, err := l.chunkSize(opts.ChunkSize)
	if err != nil {
		return TransferReport{}, err
	}
	if err := l.ids.Reserve(session.BareSessionID); err != nil {
		return TransferReport{}, err
	}
	defer l.ids.Release(session.BareSessionID)

	payload, err := l.outboundPayload(data)
	if err != nil {
		return TransferReport{}, err
	}
	return l.transfer(ctx, c, session.BareSessionID, payload, chunkSize, fmt.Sprintf("sending %d bytes", len(data)))
}

func (l *Link) chunkSize(override int) (int, error) {
	size := l.cfg.ChunkSize
	if override > 0 {
		size = override
	}
	if size > l.limits.MaxChunkPayload || size > frame.MaxChunkPayload {
		return 0, fmt.Errorf("%w: chunk size %d exceeds %d", ErrPayloadTooLarge, size, l.limits.MaxChunkPayload)
	}
	return size, nil
}

func (l *Link) outboundPayload(data []byte) ([]byte, error) {
	if !l.cfg.Compression {
		return data, nil
	}
	packed, err := session.Compress(data)
	if err != nil {
		return nil, fmt.Errorf("link: compress payload: %w", err)
	}
	return packed, nil
}

// chunkCount is ceil(n/size), with at least one chunk.
func chunkCount(n, size int) int {
	if n == 0 {
		return 1
	}
	return (n + size - 1) / size
}

// transfer runs stop-and-wait over payload on session sid.
func (l *Link) transfer(ctx context.Context, c *conn, sid uint8, payload []byte, chunkSize int, task string) (TransferReport, error) {
	total := chunkCount(len(payload), chunkSize)
	if total > maxChunks {
		return TransferReport{}, fmt.Errorf("%w: %d bytes at chunk size %d", ErrTooManyChunks, len(payload), chunkSize)
	}
	report := TransferReport{
		TransferID: uuid.NewString(),
		SessionID:  sid,
		Total:      total,
	}
	start := l.now()
	l.setTask(task)
	defer l.setTask("")

	logger := l.logger.With().
		Str("transfer", report.TransferID).
		Uint8("session", sid).
		Int("total", total).
		Logger()
	logger.Debug().Int("bytes", len(payload)).Int("chunk_size", chunkSize).Msg("transfer started")

	fail := func(err error) (TransferReport, error) {
		report.Elapsed = l.now().Sub(start)
		observability.RecordTransfer(string(DirectionSend), report.Bytes, report.Elapsed, false)
		logger.Warn().Err(err).Int("total_retries", report.TotalRetries).Msg("transfer failed")
		return report, err
	}

	for seq := 0; seq < total; seq++ {
		lo := seq * chunkSize
		hi := min(lo+chunkSize, len(payload))
		pkt, err := frame.EncodeChunk(frame.ChunkPacket{
			Kind:      frame.KindData,
			SessionID: sid,
			Seq:       uint16(seq),
			Total:     uint16(total),
			Payload:   payload[lo:hi],
		})
		if err != nil {
			return fail(err)
		}

		attempts := 0
		for {
			acked, err := l.sendAndAwaitAck(ctx, c, pkt, sid, uint16(seq))
			if err != nil {
				return fail(err)
			}
			if acked {
				break
			}
			attempts++
			observability.RecordChunkRetry()
			logger.Debug().Int("seq", seq).Int("attempt", attempts).Msg("ack timeout")
			if attempts == l.cfg.RetryAttempts {
				return fail(&ChunkDeliveryError{
					SessionID:    sid,
					Seq:          uint16(seq),
					Attempts:     attempts,
					TotalRetries: report.TotalRetries + attempts,
					LostBlocks:   report.LostBlocks + 1,
				})
			}
		}
		report.TotalRetries += attempts
		if attempts > 0 {
			report.LostBlocks++
		}
		report.Bytes += hi - lo

		elapsed := l.now().Sub(start)
		l.emitProgress(sendProgress(report, seq, attempts, elapsed, seq == total-1))
	}

	report.Elapsed = l.now().Sub(start)
	observability.RecordTransfer(string(DirectionSend), report.Bytes, report.Elapsed, true)
	l.audit.Info().
		Str("transfer", report.TransferID).
		Uint8("session", sid).
		Int("bytes", report.Bytes).
		Int("total_retries", report.TotalRetries).
		Int("lost_blocks", report.LostBlocks).
		Dur("elapsed", report.Elapsed).
		Msg("transfer sent")
	return report, nil
}

// sendAndAwaitAck writes one Data frame and waits AckTimeout for its Ack.
// The waiter is registered before the write so a fast Ack is never missed.
func (l *Link) sendAndAwaitAck(ctx context.Context, c *conn, pkt []byte, sid uint8, seq uint16) (bool, error) {
	ch, cancel := l.waiters.ExpectAck(sid, seq)
	defer cancel()
	if err := l.write(ctx, c, pkt, frame.KindData.String()); err != nil {
		return false, err
	}
	timer := time.NewTimer(l.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, waitErr(ctx, c)
	case <-c.ctx.Done():
		return false, waitErr(ctx, c)
	}
}

func sendProgress(r TransferReport, seq, retries int, elapsed time.Duration, done bool) Progress {
	p := Progress{
		Direction:    DirectionSend,
		SessionID:    r.SessionID,
		Seq:          uint16(seq),
		Total:        r.Total,
		Percent:      percent(seq+1, r.Total),
		Retries:      retries,
		TotalRetries: r.TotalRetries,
		LostBlocks:   r.LostBlocks,
		Bytes:        r.Bytes,
		Done:         done,
	}
	if elapsed > 0 {
		p.Speed = float64(r.Bytes) / elapsed.Seconds()
		p.ETA = eta(elapsed, seq+1, r.Total)
	}
	return p
}

func percent(n, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(n) * 100 / float64(total)
}

// eta projects the remaining time from the average time per chunk so far.
func eta(elapsed time.Duration, done, total int) time.Duration {
	if done <= 0 || done >= total {
		return 0
	}
	per := elapsed / time.Duration(done)
	return per * time.Duration(total-done)
}
