package ws

import (
	"bytes"
	"testing"
)

func TestEncodeFrameCompressesAboveThreshold(t *testing.T) {
	frame := bytes.Repeat([]byte("replica"), 200)

	data, compressed, err := encodeFrame(frame, 256)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !compressed || data[0] != flagLZ4 {
		t.Fatalf("expected lz4 frame, got flag %d", data[0])
	}
	if len(data) >= len(frame) {
		t.Fatalf("expected compressed frame smaller than %d bytes, got %d", len(frame), len(data))
	}

	decoded, err := decodeFrame(data, 1<<20)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, frame) {
		t.Fatalf("decoded frame differs from input")
	}
}

func TestEncodeFrameKeepsSmallFramesRaw(t *testing.T) {
	frame := []byte{1, 2, 3}
	for _, threshold := range []int{0, 64} {
		data, compressed, err := encodeFrame(frame, threshold)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if compressed || data[0] != flagRaw {
			t.Fatalf("threshold %d: expected raw frame", threshold)
		}
		if !bytes.Equal(data[1:], frame) {
			t.Fatalf("threshold %d: expected body %v, got %v", threshold, frame, data[1:])
		}
	}
}

func TestDecodeFrameRejectsMalformedInput(t *testing.T) {
	if _, err := decodeFrame(nil, 16); err == nil {
		t.Fatalf("expected error for empty message")
	}
	if _, err := decodeFrame([]byte{9, 1}, 16); err == nil {
		t.Fatalf("expected error for unknown flag")
	}

	data, _, err := encodeFrame(bytes.Repeat([]byte{0}, 4096), 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := decodeFrame(data, 1024); err == nil {
		t.Fatalf("expected error when the inflated frame exceeds the limit")
	}
}
