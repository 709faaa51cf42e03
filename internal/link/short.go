package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/serialsync/internal/protocol/frame"
	"github.com/danmuck/serialsync/internal/protocol/session"
)

// ackToken is the plain-text receipt written after each short message.
var ackToken = []byte("ACK\r\n")

// SendShort writes one short message. It returns once the frame is written;
// no acknowledgment is awaited.
func (l *Link) SendShort(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}
	c, err := l.active()
	if err != nil {
		return err
	}
	payload := data
	if l.cfg.Compression {
		payload, err = session.Compress(data)
		if err != nil {
			return fmt.Errorf("link: compress short message: %w", err)
		}
	}
	b, err := frame.EncodeShort(frame.ShortPacket{Payload: payload})
	if err != nil {
		return fmt.Errorf("link: short message of %d bytes: %w", len(payload), err)
	}

	l.shortMu.Lock()
	l.lastShort = b
	l.shortRetried = false
	l.shortMu.Unlock()

	return l.write(ctx, c, b, "short")
}

func (l *Link) handleShort(c *conn, payload []byte) {
	msg := payload
	if l.cfg.Compression {
		inflated, err := session.Decompress(payload)
		if err != nil {
			l.logger.Warn().Err(err).Int("bytes", len(payload)).Msg("short message not compressed, delivering raw")
		} else {
			msg = inflated
		}
	}
	l.emitMessage(msg)
	if err := l.write(context.Background(), c, ackToken, "ack_token"); err != nil {
		l.logger.Debug().Err(err).Msg("ack token write failed")
	}
}

// handleCorruptShort reports the bad frame and asks the peer to resend it.
func (l *Link) handleCorruptShort(c *conn, raw []byte) {
	l.emitError(fmt.Errorf("%w: short frame of %d bytes", ErrChecksumMismatch, len(raw)))
	err := l.writeChunk(context.Background(), c, frame.ChunkPacket{
		Kind:      frame.KindRetry,
		SessionID: session.BareSessionID,
	})
	if err != nil && !errors.Is(err, ErrTransportNotOpen) {
		l.logger.Warn().Err(err).Msg("retry request write failed")
	}
}

// handleRetry resends the last short frame, once per frame.
func (l *Link) handleRetry(c *conn, p frame.ChunkPacket) {
	if p.SessionID != session.BareSessionID {
		l.logger.Debug().Uint8("session", p.SessionID).Msg("ignoring retry for chunk session")
		return
	}
	l.shortMu.Lock()
	b := l.lastShort
	if b == nil || l.shortRetried {
		l.shortMu.Unlock()
		return
	}
	l.shortRetried = true
	l.shortMu.Unlock()

	l.logger.Info().Int("bytes", len(b)).Msg("resending short message on peer request")
	if err := l.write(context.Background(), c, b, "short"); err != nil {
		l.logger.Warn().Err(err).Msg("short resend failed")
	}
}
