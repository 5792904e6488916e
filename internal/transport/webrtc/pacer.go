package webrtc

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/corvoxlabs/corvox/internal/frame"
	"github.com/corvoxlabs/corvox/pkg/audio"
)

// Peer track format. The resampler upstream already emits this; the pacer
// converts as a safety net if a frame arrives in another format.
var peerFormat = audio.Format{SampleRate: audio.OpusSampleRate, Channels: 2}

// pacerFrameBytes is one 20 ms frame of 48 kHz stereo PCM16.
const pacerFrameBytes = audio.OpusSampleRate / 1000 * audio.OpusFrameSizeMs * 2 * 2

// SampleWriter receives encoded media samples. *webrtc.TrackLocalStaticSample
// and Peer both satisfy it.
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

// frameEncoder turns one PCM frame into an Opus packet.
type frameEncoder interface {
	Encode(pcm []byte) ([]byte, error)
}

// Pacer drains the pipeline's output queue and writes Opus to the peer track
// at real-time cadence: one 20 ms frame per tick, however bursty the TTS
// provider was. An Interrupt frame discards everything still pending so a
// barge-in silences the track within one tick.
type Pacer struct {
	w    SampleWriter
	enc  frameEncoder
	conv *audio.FormatConverter
	log  *slog.Logger

	// buf accumulates PCM until a whole frame is available; pending holds
	// complete frames awaiting their tick. Both touched only by Run.
	buf     bytes.Buffer
	pending [][]byte
}

// NewPacer creates a pacer writing to w.
func NewPacer(w SampleWriter, log *slog.Logger) (*Pacer, error) {
	enc, err := audio.NewOpusEncoder(peerFormat.SampleRate, peerFormat.Channels)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create pacer encoder: %w", err)
	}
	return newPacer(w, enc, log), nil
}

func newPacer(w SampleWriter, enc frameEncoder, log *slog.Logger) *Pacer {
	if log == nil {
		log = slog.Default()
	}
	return &Pacer{
		w:    w,
		enc:  enc,
		conv: &audio.FormatConverter{Target: peerFormat},
		log:  log.With("component", "pacer"),
	}
}

// Run paces frames from out until the context ends or the queue closes.
func (p *Pacer) Run(ctx context.Context, out *frame.Queue) error {
	ticker := time.NewTicker(audio.OpusFrameSizeMs * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			p.tick()

		case f, ok := <-out.Out():
			if !ok {
				// Queue closed: play out what is already buffered.
				p.drain(ctx, ticker)
				return nil
			}
			p.consume(f)
		}
	}
}

func (p *Pacer) consume(f frame.Frame) {
	switch v := f.(type) {
	case frame.AudioOutput:
		pcm := v.PCM16
		if v.SampleRate != peerFormat.SampleRate || v.Channels != peerFormat.Channels {
			pcm = p.conv.Convert(audio.AudioFrame{
				Data:       pcm,
				SampleRate: v.SampleRate,
				Channels:   v.Channels,
			}).Data
		}
		p.buf.Write(pcm)
		for p.buf.Len() >= pacerFrameBytes {
			pcmFrame := make([]byte, pacerFrameBytes)
			p.buf.Read(pcmFrame)
			p.pending = append(p.pending, pcmFrame)
		}

	case frame.Interrupt:
		p.flush()

	case frame.TTSStopped:
		// End of a turn: pad the trailing partial frame with silence so the
		// reply does not lose its last few milliseconds.
		if p.buf.Len() > 0 {
			pcmFrame := make([]byte, pacerFrameBytes)
			p.buf.Read(pcmFrame)
			p.pending = append(p.pending, pcmFrame)
			p.buf.Reset()
		}
	}
}

// tick encodes and sends at most one frame.
func (p *Pacer) tick() {
	if len(p.pending) == 0 {
		return
	}
	pcmFrame := p.pending[0]
	p.pending = p.pending[1:]

	packet, err := p.enc.Encode(pcmFrame)
	if err != nil {
		p.log.Warn("opus encode failed", "error", err)
		return
	}
	if err := p.w.WriteSample(media.Sample{
		Data:     packet,
		Duration: audio.OpusFrameSizeMs * time.Millisecond,
	}); err != nil {
		p.log.Debug("track write failed", "error", err)
	}
}

// flush discards all buffered and pending audio immediately.
func (p *Pacer) flush() {
	p.buf.Reset()
	p.pending = p.pending[:0]
}

// drain plays remaining frames at cadence after the queue has closed.
func (p *Pacer) drain(ctx context.Context, ticker *time.Ticker) {
	for len(p.pending) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}
