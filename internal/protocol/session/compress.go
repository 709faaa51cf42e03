package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// MaxInflatedSize caps decompression output.
const MaxInflatedSize = 512 << 20

var ErrDecompressionFailed = errors.New("session: decompression failed")

// Compress deflates payload in zlib format, the format the peer expects when
// compression is enabled on both ends.
func Compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Decompress(payload []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, MaxInflatedSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
	}
	if len(out) > MaxInflatedSize {
		return nil, fmt.Errorf("%w: output exceeds %d bytes", ErrDecompressionFailed, MaxInflatedSize)
	}
	return out, nil
}
