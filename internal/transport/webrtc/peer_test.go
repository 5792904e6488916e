package webrtc

import (
	"sync"
	"testing"

	"github.com/corvoxlabs/corvox/internal/frame"
)

func TestInputChunker_FixedSizeChunks(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var chunks []frame.AudioInput
	c := newInputChunker(canonicalChunkBytes, func(in frame.AudioInput) {
		mu.Lock()
		chunks = append(chunks, in)
		mu.Unlock()
	})

	// Decoded packets rarely align with the chunk size; feed 1.5 chunks,
	// then the other half.
	c.write(make([]byte, canonicalChunkBytes+canonicalChunkBytes/2))
	mu.Lock()
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	mu.Unlock()

	c.write(make([]byte, canonicalChunkBytes/2))
	mu.Lock()
	defer mu.Unlock()
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	for i, in := range chunks {
		if len(in.PCM16) != canonicalChunkBytes {
			t.Errorf("chunk %d size = %d, want %d", i, len(in.PCM16), canonicalChunkBytes)
		}
		if in.SampleRate != 16000 || in.Channels != 1 {
			t.Errorf("chunk %d format = %d Hz / %d ch", i, in.SampleRate, in.Channels)
		}
		if in.Capture.IsZero() {
			t.Errorf("chunk %d has no capture time", i)
		}
	}
}

func TestInputChunker_NilEmitIsInert(t *testing.T) {
	t.Parallel()

	c := newInputChunker(canonicalChunkBytes, nil)
	c.write(make([]byte, 4*canonicalChunkBytes)) // must not panic
	if len(c.buf) != 0 && c.emit == nil {
		// Buffering without a consumer would grow unboundedly.
		t.Errorf("chunker buffered %d bytes with no consumer", len(c.buf))
	}
}

func TestNewPeer_BuildsAndClosesIdempotently(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var reasons []string
	p, err := NewPeer(PeerConfig{
		OnClosed: func(reason string) {
			mu.Lock()
			reasons = append(reasons, reason)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}

	p.Close("session_end")
	p.Close("session_end")

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != "session_end" {
		t.Errorf("close callbacks = %v, want exactly one", reasons)
	}
}

func TestPeer_NoVideoMeansNoFrame(t *testing.T) {
	t.Parallel()

	p, err := NewPeer(PeerConfig{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	t.Cleanup(func() { p.Close("test") })

	if got := p.LatestVideoFrame(); got != nil {
		t.Errorf("video frame = %d bytes on an audio-only peer", len(got))
	}
}
