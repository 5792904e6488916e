package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/corvoxlabs/corvox/internal/frame"
	"github.com/corvoxlabs/corvox/pkg/audio"
)

const (
	opusPayloadType = 111
	opusFmtpLine    = "minptime=10;useinbandfec=1"

	h264PayloadType = 102
	h264FmtpLine    = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"

	// rtpBufferSize fits any RTP packet on a standard MTU path.
	rtpBufferSize = 1500

	// maxConsecutiveReadErrors bounds how long a broken track is retried
	// before its reader gives up.
	maxConsecutiveReadErrors = 10

	// DefaultFailGrace is how long a failed connection may linger before the
	// session is torn down. ICE restarts that recover within the grace keep
	// the session alive.
	DefaultFailGrace = 5 * time.Second
)

// canonicalFormat is the mono 16 kHz PCM the recognition stages consume.
var canonicalFormat = audio.Format{SampleRate: 16000, Channels: 1}

// canonicalChunkBytes is one 20 ms chunk in canonical format.
const canonicalChunkBytes = 16000 / 1000 * audio.OpusFrameSizeMs * 2

// PeerConfig wires one peer connection into its session.
type PeerConfig struct {
	Log *slog.Logger

	// OnAudio receives decoded, resampled 20 ms microphone chunks.
	OnAudio func(frame.AudioInput)

	// OnEventsOpen fires once the peer's "events" data channel is open.
	// The greeting hangs off this edge.
	OnEventsOpen func()

	// OnClosed fires exactly once when the connection is torn down, with a
	// short reason token.
	OnClosed func(reason string)

	// Events is bound to the data channel when the peer opens it.
	Events *EventWriter

	// FailGrace overrides DefaultFailGrace.
	FailGrace time.Duration
}

// Peer owns one pion peer connection: the negotiated tracks, the data
// channel, and the goroutines reading remote media. The local answer is
// produced with complete ICE gathering, so candidates collected before the
// local description is committed all ship inside the answer SDP; only the
// remote side trickles.
type Peer struct {
	cfg PeerConfig
	log *slog.Logger

	pc    *pion.PeerConnection
	track *pion.TrackLocalStaticSample

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	failTimer *time.Timer

	videoMu   sync.Mutex
	videoUnit []byte
	videoAU   []byte
}

// NewPeer builds the peer connection and its media plumbing. The returned
// peer is not connected until an offer is answered via Answer.
func NewPeer(cfg PeerConfig) (*Peer, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.FailGrace <= 0 {
		cfg.FailGrace = DefaultFailGrace
	}

	mediaEngine := &pion.MediaEngine{}
	if err := mediaEngine.RegisterCodec(pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeOpus,
			ClockRate:   audio.OpusSampleRate,
			Channels:    2,
			SDPFmtpLine: opusFmtpLine,
		},
		PayloadType: opusPayloadType,
	}, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("webrtc: register opus: %w", err)
	}
	// Video is receive-only and optional: offers without a usable video
	// payload still negotiate audio.
	if err := mediaEngine.RegisterCodec(pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: h264FmtpLine,
		},
		PayloadType: h264PayloadType,
	}, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("webrtc: register h264: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("webrtc: register interceptors: %w", err)
	}

	api := pion.NewAPI(
		pion.WithMediaEngine(mediaEngine),
		pion.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(pion.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("webrtc: create peer connection: %w", err)
	}

	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{
			MimeType:  pion.MimeTypeOpus,
			ClockRate: audio.OpusSampleRate,
			Channels:  2,
		},
		"audio", "corvox-voice",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: create local track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: add local track: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		cfg:    cfg,
		log:    cfg.Log.With("component", "peer"),
		pc:     pc,
		track:  track,
		ctx:    ctx,
		cancel: cancel,
	}
	p.installHandlers()
	return p, nil
}

func (p *Peer) installHandlers() {
	p.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		switch track.Kind() {
		case pion.RTPCodecTypeAudio:
			p.log.Info("remote audio track", "codec", track.Codec().MimeType)
			go p.readAudio(track)
		case pion.RTPCodecTypeVideo:
			p.log.Info("remote video track", "codec", track.Codec().MimeType)
			go p.readVideo(track)
		}
	})

	p.pc.OnDataChannel(func(dc *pion.DataChannel) {
		if dc.Label() != "events" {
			p.log.Debug("ignoring data channel", "label", dc.Label())
			return
		}
		dc.OnOpen(func() {
			p.log.Info("events channel open")
			if p.cfg.Events != nil {
				p.cfg.Events.Bind(dc)
			}
			if p.cfg.OnEventsOpen != nil {
				p.cfg.OnEventsOpen()
			}
		})
	})

	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Info("connection state", "state", state.String())
		switch state {
		case pion.PeerConnectionStateConnected:
			p.cancelFailTimer()
		case pion.PeerConnectionStateFailed:
			// A failed connection gets a grace window to recover before the
			// session dies with it.
			p.startFailTimer()
		case pion.PeerConnectionStateClosed:
			p.Close("peer_closed")
		}
	})
}

func (p *Peer) startFailTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.failTimer != nil {
		return
	}
	p.failTimer = time.AfterFunc(p.cfg.FailGrace, func() {
		p.Close("ice_failed")
	})
}

func (p *Peer) cancelFailTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failTimer != nil {
		p.failTimer.Stop()
		p.failTimer = nil
	}
}

// Answer applies the remote offer and returns a complete local answer with
// all ICE candidates gathered.
func (p *Peer) Answer(ctx context.Context, offerSDP string) (string, error) {
	if err := p.pc.SetRemoteDescription(pion.SessionDescription{
		Type: pion.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		return "", fmt.Errorf("webrtc: set remote offer: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("webrtc: create answer: %w", err)
	}

	gathered := pion.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("webrtc: set local answer: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("webrtc: ice gathering: %w", ctx.Err())
	}
	return p.pc.LocalDescription().SDP, nil
}

// AddCandidates applies remote trickle candidates.
func (p *Peer) AddCandidates(candidates []Candidate) error {
	for _, c := range candidates {
		mid := c.SDPMid
		idx := c.SDPMLineIndex
		if err := p.pc.AddICECandidate(pion.ICECandidateInit{
			Candidate:     c.Candidate,
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		}); err != nil {
			return fmt.Errorf("webrtc: add ice candidate: %w", err)
		}
	}
	return nil
}

// WriteSample writes one encoded Opus sample to the outgoing track, making
// Peer the pacer's sink.
func (p *Peer) WriteSample(s media.Sample) error {
	return p.track.WriteSample(s)
}

// readAudio decodes the remote Opus track into canonical 16 kHz mono chunks.
// The decoder is per-track: Opus decoders carry state across packets.
func (p *Peer) readAudio(track *pion.TrackRemote) {
	if track.Codec().MimeType != pion.MimeTypeOpus {
		p.log.Error("unsupported audio codec", "codec", track.Codec().MimeType)
		return
	}
	dec, err := audio.NewOpusDecoder(audio.OpusSampleRate, 2)
	if err != nil {
		p.log.Error("opus decoder init failed", "error", err)
		return
	}
	conv := &audio.FormatConverter{Target: canonicalFormat}
	chunker := newInputChunker(canonicalChunkBytes, p.cfg.OnAudio)

	buf := make([]byte, rtpBufferSize)
	readErrors := 0
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		n, _, err := track.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			readErrors++
			if readErrors >= maxConsecutiveReadErrors {
				p.log.Error("audio track read failing, stopping reader", "error", err)
				return
			}
			continue
		}
		readErrors = 0

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil || len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := dec.Decode(pkt.Payload)
		if err != nil {
			p.log.Debug("opus decode failed", "error", err)
			continue
		}
		chunker.write(conv.Convert(audio.AudioFrame{
			Data:       pcm,
			SampleRate: audio.OpusSampleRate,
			Channels:   2,
		}).Data)
	}
}

// readVideo retains the most recent complete access unit. Nothing decodes it
// until the vision tool asks; frames the tool never sees cost nothing beyond
// this buffer.
func (p *Peer) readVideo(track *pion.TrackRemote) {
	buf := make([]byte, rtpBufferSize)
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		n, _, err := track.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			continue
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil || len(pkt.Payload) == 0 {
			continue
		}

		p.videoMu.Lock()
		p.videoAU = append(p.videoAU, pkt.Payload...)
		if pkt.Marker {
			p.videoUnit = p.videoAU
			p.videoAU = nil
		}
		p.videoMu.Unlock()
	}
}

// LatestVideoFrame returns the payload of the most recent complete video
// access unit, or nil when the peer sends no video.
func (p *Peer) LatestVideoFrame() []byte {
	p.videoMu.Lock()
	defer p.videoMu.Unlock()
	if p.videoUnit == nil {
		return nil
	}
	out := make([]byte, len(p.videoUnit))
	copy(out, p.videoUnit)
	return out
}

// Close tears the connection down. Idempotent.
func (p *Peer) Close(reason string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.failTimer != nil {
		p.failTimer.Stop()
		p.failTimer = nil
	}
	p.mu.Unlock()

	p.cancel()
	if err := p.pc.Close(); err != nil {
		p.log.Debug("peer connection close", "error", err)
	}
	p.log.Info("peer closed", "reason", reason)
	if p.cfg.OnClosed != nil {
		p.cfg.OnClosed(reason)
	}
}

// inputChunker slices a continuous PCM stream into fixed-size chunks for the
// pipeline's audio queue.
type inputChunker struct {
	size int
	emit func(frame.AudioInput)
	buf  []byte
}

func newInputChunker(size int, emit func(frame.AudioInput)) *inputChunker {
	return &inputChunker{size: size, emit: emit}
}

func (c *inputChunker) write(pcm []byte) {
	if c.emit == nil {
		return
	}
	c.buf = append(c.buf, pcm...)
	for len(c.buf) >= c.size {
		chunk := make([]byte, c.size)
		copy(chunk, c.buf[:c.size])
		c.buf = c.buf[c.size:]
		c.emit(frame.AudioInput{
			Base:       frame.NewBase(),
			PCM16:      chunk,
			SampleRate: canonicalFormat.SampleRate,
			Channels:   canonicalFormat.Channels,
			Capture:    time.Now(),
		})
	}
}
