package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — decoded from the peer's Opus
// track, processed by VAD and STT, and synthesised back out through the paced
// Opus sender.
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are determined by the pipeline config.
	Data []byte

	// SampleRate in Hz (e.g., 48000 on the WebRTC track, 16000 for STT/VAD).
	SampleRate int

	// Channels: 1 for mono (STT/VAD input), 2 for stereo (WebRTC track).
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
