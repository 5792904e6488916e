package audio

import (
	"math"
	"testing"
)

// makeSinePCM generates count samples of a 440 Hz sine per channel,
// interleaved, as little-endian int16 bytes.
func makeSinePCM(count, sampleRate, channels int) []byte {
	pcm := make([]int16, count*channels)
	for i := 0; i < count; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		for c := 0; c < channels; c++ {
			pcm[i*channels+c] = v
		}
	}
	return int16sToBytes(pcm)
}

func TestOpusFrameSize(t *testing.T) {
	if got := OpusFrameSize(48000); got != 960 {
		t.Errorf("OpusFrameSize(48000) = %d, want 960", got)
	}
	if got := OpusFrameSize(16000); got != 320 {
		t.Errorf("OpusFrameSize(16000) = %d, want 320", got)
	}
}

func TestOpusRoundTrip(t *testing.T) {
	enc, err := NewOpusEncoder(OpusSampleRate, 2)
	if err != nil {
		t.Fatalf("NewOpusEncoder: %v", err)
	}
	dec, err := NewOpusDecoder(OpusSampleRate, 2)
	if err != nil {
		t.Fatalf("NewOpusDecoder: %v", err)
	}

	frameSamples := OpusFrameSize(OpusSampleRate)
	pcm := makeSinePCM(frameSamples, OpusSampleRate, 2)

	packet, err := enc.Encode(pcm)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(packet) == 0 {
		t.Fatal("Encode: empty packet")
	}
	if len(packet) >= len(pcm) {
		t.Errorf("Encode: packet (%d bytes) not smaller than PCM (%d bytes)", len(packet), len(pcm))
	}

	decoded, err := dec.Decode(packet)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded) != len(pcm) {
		t.Errorf("Decode: got %d bytes, want %d", len(decoded), len(pcm))
	}
}

func TestOpusDecoder_SilenceFrame(t *testing.T) {
	dec, err := NewOpusDecoder(OpusSampleRate, 2)
	if err != nil {
		t.Fatalf("NewOpusDecoder: %v", err)
	}

	// Canonical 3-byte Opus silence frame.
	silence := []byte{0xF8, 0xFF, 0xFE}
	pcm, err := dec.Decode(silence)
	if err != nil {
		t.Fatalf("Decode silence: %v", err)
	}
	if len(pcm) == 0 {
		t.Error("expected non-empty PCM from silence frame")
	}
	if len(pcm)%4 != 0 {
		t.Errorf("stereo PCM length should be a multiple of 4, got %d", len(pcm))
	}
}

func TestOpusEncoder_RejectsMisalignedPCM(t *testing.T) {
	enc, err := NewOpusEncoder(OpusSampleRate, 2)
	if err != nil {
		t.Fatalf("NewOpusEncoder: %v", err)
	}

	if _, err := enc.Encode(nil); err == nil {
		t.Error("expected error for empty PCM")
	}
	if _, err := enc.Encode([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for PCM not aligned to stereo int16 frames")
	}
}

func TestOpusEncoder_RejectsIllegalFrameDuration(t *testing.T) {
	enc, err := NewOpusEncoder(OpusSampleRate, 2)
	if err != nil {
		t.Fatalf("NewOpusEncoder: %v", err)
	}

	// 100 samples per channel is not a legal Opus frame duration at 48 kHz.
	pcm := makeSinePCM(100, OpusSampleRate, 2)
	if _, err := enc.Encode(pcm); err == nil {
		t.Error("expected error for illegal frame duration")
	}
}

func TestInt16BytesRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 12345}
	got := bytesToInt16s(int16sToBytes(samples))
	if len(got) != len(samples) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], samples[i])
		}
	}
}
