package session

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"

	"github.com/danmuck/serialsync/internal/protocol/frame"
)

var (
	ErrInvalidFileMeta  = errors.New("session: invalid file metadata")
	ErrMetadataTooLarge = errors.New("session: file metadata too large")
	ErrDigestMismatch   = errors.New("session: payload digest mismatch")
)

// FileMeta is the JSON body of a FileRequest.
type FileMeta struct {
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	RequireConfirm bool   `json:"requireConfirm"`
	Digest         string `json:"digest,omitempty"`
}

func (m FileMeta) Validate() error {
	if m.Size < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalidFileMeta)
	}
	if strings.ContainsRune(m.Name, 0) {
		return fmt.Errorf("%w: name contains NUL", ErrInvalidFileMeta)
	}
	if m.Digest != "" {
		if _, err := hex.DecodeString(m.Digest); err != nil {
			return fmt.Errorf("%w: digest is not hex", ErrInvalidFileMeta)
		}
	}
	return nil
}

// EncodeFileMeta marshals m and enforces the one-byte metadata length.
func EncodeFileMeta(m FileMeta) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(b) > frame.MaxMetadataLen {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrMetadataTooLarge, len(b), frame.MaxMetadataLen)
	}
	return b, nil
}

func DecodeFileMeta(b []byte) (FileMeta, error) {
	var m FileMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return FileMeta{}, fmt.Errorf("%w: %v", ErrInvalidFileMeta, err)
	}
	if err := m.Validate(); err != nil {
		return FileMeta{}, err
	}
	return m, nil
}

// EncodeReason truncates a reject reason to the metadata limit without
// splitting a UTF-8 sequence.
func EncodeReason(reason string) []byte {
	b := []byte(strings.TrimSpace(reason))
	if len(b) <= frame.MaxMetadataLen {
		return b
	}
	b = b[:frame.MaxMetadataLen]
	for len(b) > 0 && !utf8.Valid(b) {
		b = b[:len(b)-1]
	}
	return b
}

// Digest is the hex BLAKE2b-256 of payload.
func Digest(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// VerifyDigest checks payload against m.Digest. An empty digest always passes.
func VerifyDigest(m FileMeta, payload []byte) error {
	if m.Digest == "" {
		return nil
	}
	if got := Digest(payload); !strings.EqualFold(got, m.Digest) {
		return fmt.Errorf("%w: name=%q want=%s got=%s", ErrDigestMismatch, m.Name, m.Digest, got)
	}
	return nil
}
