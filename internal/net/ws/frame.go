package ws

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// Every websocket message starts with one flag byte describing the body.
const (
	flagRaw byte = iota
	flagLZ4
)

var errEmptyMessage = errors.New("ws: empty message")

var bufferPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// encodeFrame wraps a peer frame for the wire. Frames of at least threshold
// bytes are lz4 compressed when that makes them smaller. A threshold of zero
// disables compression.
func encodeFrame(frame []byte, threshold int) ([]byte, bool, error) {
	if threshold > 0 && len(frame) >= threshold {
		compressed, err := compressLZ4(frame)
		if err != nil {
			return nil, false, err
		}
		if len(compressed) < len(frame) {
			return append([]byte{flagLZ4}, compressed...), true, nil
		}
	}
	out := make([]byte, 0, len(frame)+1)
	out = append(out, flagRaw)
	return append(out, frame...), false, nil
}

// decodeFrame reverses encodeFrame. At most limit bytes are inflated.
func decodeFrame(data []byte, limit int64) ([]byte, error) {
	if len(data) == 0 {
		return nil, errEmptyMessage
	}
	switch data[0] {
	case flagRaw:
		return data[1:], nil
	case flagLZ4:
		return decompressLZ4(data[1:], limit)
	default:
		return nil, fmt.Errorf("ws: unknown frame flag %d", data[0])
	}
}

func compressLZ4(src []byte) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	zw := lz4.NewWriter(buf)
	if _, err := zw.Write(src); err != nil {
		return nil, fmt.Errorf("ws: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("ws: compress: %w", err)
	}
	return bytes.Clone(buf.Bytes()), nil
}

func decompressLZ4(src []byte, limit int64) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	zr := lz4.NewReader(bytes.NewReader(src))
	n, err := io.Copy(buf, io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("ws: decompress: %w", err)
	}
	if n > limit {
		return nil, fmt.Errorf("ws: decompressed frame exceeds %d bytes", limit)
	}
	return bytes.Clone(buf.Bytes()), nil
}
