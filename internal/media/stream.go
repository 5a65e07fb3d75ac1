// Package media provides the pion/webrtc implementations of the call
// package's media capabilities: local streams and peer endpoints.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/models"
)

var (
	opusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Codec  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}

	// a 20ms Opus frame of silence
	opusSilence = []byte{0xf8, 0xff, 0xfe}
)

const audioFrame = 20 * time.Millisecond

// Track is one local track. Writes are dropped while the track is disabled.
type Track struct {
	kind    call.TrackKind
	sample  *webrtc.TrackLocalStaticSample
	rtp     *webrtc.TrackLocalStaticRTP
	enabled atomic.Bool
}

func newSampleTrack(kind call.TrackKind, codec webrtc.RTPCodecCapability, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}
	t := &Track{kind: kind, sample: local}
	t.enabled.Store(true)
	return t, nil
}

func newRTPTrack(kind call.TrackKind, codec webrtc.RTPCodecCapability, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}
	t := &Track{kind: kind, rtp: local}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) ID() string {
	return t.TrackLocal().ID()
}

func (t *Track) Kind() call.TrackKind {
	return t.kind
}

// TrackLocal is what gets attached to a peer connection
func (t *Track) TrackLocal() webrtc.TrackLocal {
	if t.sample != nil {
		return t.sample
	}
	return t.rtp
}

func (t *Track) WriteSample(s media.Sample) error {
	if !t.enabled.Load() || t.sample == nil {
		return nil
	}
	return t.sample.WriteSample(s)
}

func (t *Track) WriteRTP(p *rtp.Packet) error {
	if !t.enabled.Load() || t.rtp == nil {
		return nil
	}
	return t.rtp.WriteRTP(p)
}

// Stream is a set of local tracks implementing call.LocalStream
type Stream struct {
	id     string
	tracks []*Track

	// loopback streams are fed from the peer's inbound tracks
	loopback bool

	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) Tracks() []call.LocalTrack {
	out := make([]call.LocalTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *Stream) track(kind call.TrackKind) *Track {
	for _, t := range s.tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

func (s *Stream) HasTrack(kind call.TrackKind) bool {
	return s.track(kind) != nil
}

func (s *Stream) Enabled(kind call.TrackKind) bool {
	t := s.track(kind)
	return t != nil && t.enabled.Load()
}

func (s *Stream) SetEnabled(kind call.TrackKind, on bool) bool {
	t := s.track(kind)
	if t == nil {
		return false
	}
	t.enabled.Store(on)
	return on
}

// Stop ends the sample pumps. Safe to call more than once.
func (s *Stream) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func newStream(callType models.CallType, loopback bool) (*Stream, error) {
	if !callType.Valid() {
		return nil, fmt.Errorf("unknown call type %q", callType)
	}

	s := &Stream{id: uuid.New().String(), loopback: loopback}
	build := newSampleTrack
	if loopback {
		build = newRTPTrack
	}

	audio, err := build(call.TrackAudio, opusCodec, s.id)
	if err != nil {
		return nil, err
	}
	s.tracks = append(s.tracks, audio)

	if callType == models.CallTypeVideo {
		video, err := build(call.TrackVideo, vp8Codec, s.id)
		if err != nil {
			return nil, err
		}
		s.tracks = append(s.tracks, video)
	}
	return s, nil
}

// SyntheticSource produces streams without capture devices. The audio track
// carries Opus silence; the video track is negotiated but carries no frames.
type SyntheticSource struct {
	log *zap.Logger
}

func NewSyntheticSource(log *zap.Logger) *SyntheticSource {
	return &SyntheticSource{log: log}
}

func (src *SyntheticSource) Acquire(ctx context.Context, callType models.CallType) (call.LocalStream, error) {
	s, err := newStream(callType, false)
	if err != nil {
		return nil, err
	}

	// the pump outlives the Acquire call, so it is bound to Stop rather than ctx
	pumpCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		src.pumpSilence(pumpCtx, s.track(call.TrackAudio))
	}()
	return s, nil
}

func (src *SyntheticSource) pumpSilence(ctx context.Context, t *Track) {
	ticker := time.NewTicker(audioFrame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := t.WriteSample(media.Sample{Data: opusSilence, Duration: audioFrame})
			if err != nil && !errors.Is(err, io.ErrClosedPipe) {
				src.log.Debug("Failed to write audio sample", zap.Error(err))
			}
		}
	}
}

// LoopbackSource produces streams that send back whatever the peer sends
type LoopbackSource struct{}

func (LoopbackSource) Acquire(ctx context.Context, callType models.CallType) (call.LocalStream, error) {
	return newStream(callType, true)
}
