package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// WebRTC audio runs 48 kHz Opus at 20 ms frames; these are the values the
// transport negotiates and the pacer emits.
const (
	OpusSampleRate  = 48000
	OpusFrameSizeMs = 20

	// maxDecodeMs bounds how long a single incoming Opus packet may be.
	// Peers normally send 20 ms frames but the codec allows up to 60 ms.
	maxDecodeMs = 60
)

// OpusFrameSize returns the number of samples per channel in one pacer frame
// at the given rate.
func OpusFrameSize(sampleRate int) int {
	return sampleRate * OpusFrameSizeMs / 1000
}

// OpusDecoder wraps a gopus decoder for one incoming track. Opus decoders are
// stateful across consecutive packets, so each track needs its own instance.
// Not safe for concurrent use.
type OpusDecoder struct {
	dec        *gopus.Decoder
	channels   int
	maxSamples int
}

// NewOpusDecoder creates a decoder producing PCM at the given rate and
// channel count.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:        dec,
		channels:   channels,
		maxSamples: sampleRate * maxDecodeMs / 1000,
	}, nil
}

// Decode decodes one Opus packet into interleaved little-endian int16 PCM bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, d.maxSamples, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// OpusEncoder wraps a gopus encoder for the outgoing track. Not safe for
// concurrent use.
type OpusEncoder struct {
	enc      *gopus.Encoder
	channels int
}

// NewOpusEncoder creates an encoder consuming PCM at the given rate and
// channel count, tuned for speech-bearing audio.
func NewOpusEncoder(sampleRate, channels int) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc, channels: channels}, nil
}

// Encode encodes interleaved little-endian int16 PCM bytes into one Opus
// packet. The input must hold a whole number of sample frames sized to a legal
// Opus frame duration (2.5–60 ms); the pacer's 20 ms frames always qualify.
func (e *OpusEncoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 || len(pcm)%(2*e.channels) != 0 {
		return nil, fmt.Errorf("audio: opus encode: PCM length %d is not a whole frame for %d channels", len(pcm), e.channels)
	}
	samples := bytesToInt16s(pcm)
	frameSize := len(samples) / e.channels
	packet, err := e.enc.Encode(samples, frameSize, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}

// int16sToBytes converts int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
