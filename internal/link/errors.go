package link

import (
	"errors"
	"fmt"

	"github.com/danmuck/serialsync/internal/protocol/frame"
	"github.com/danmuck/serialsync/internal/protocol/session"
)

var (
	ErrTransportNotOpen    = errors.New("link: transport not open")
	ErrNoEndpoint          = errors.New("link: no endpoint configured")
	ErrChecksumMismatch    = errors.New("link: checksum mismatch")
	ErrChunkDeliveryFailed = errors.New("link: chunk delivery failed")
	ErrHandshakeRejected   = errors.New("link: file request rejected")
	ErrHandshakeTimeout    = errors.New("link: file request timed out")
	ErrTooManyChunks       = errors.New("link: payload needs more than 65535 chunks")
	ErrEmptyPayload        = errors.New("link: empty payload")
	ErrRequestExpired      = errors.New("link: file request expired")
	ErrRequestDecided      = errors.New("link: file request already decided")
	ErrReconnectExhausted  = errors.New("link: reconnect attempts exhausted")

	ErrPayloadTooLarge     = frame.ErrPayloadTooLarge
	ErrSessionCollision    = session.ErrSessionCollision
	ErrMetadataTooLarge    = session.ErrMetadataTooLarge
	ErrDigestMismatch      = session.ErrDigestMismatch
	ErrDecompressionFailed = session.ErrDecompressionFailed
)

// ChunkDeliveryError reports a transfer aborted after the retry budget for
// one chunk ran out.
type ChunkDeliveryError struct {
	SessionID    uint8
	Seq          uint16
	Attempts     int
	TotalRetries int
	LostBlocks   int
}

func (e *ChunkDeliveryError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempts (session=%d total_retries=%d lost_blocks=%d)",
		e.Seq, e.Attempts, e.SessionID, e.TotalRetries, e.LostBlocks)
}

func (e *ChunkDeliveryError) Is(target error) bool {
	return target == ErrChunkDeliveryFailed
}

// HandshakeRejectedError carries the reason the peer gave for refusing a file.
type HandshakeRejectedError struct {
	SessionID uint8
	Name      string
	Reason    string
}

func (e *HandshakeRejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("file %q rejected by peer", e.Name)
	}
	return fmt.Sprintf("file %q rejected by peer: %s", e.Name, e.Reason)
}

func (e *HandshakeRejectedError) Is(target error) bool {
	return target == ErrHandshakeRejected
}
