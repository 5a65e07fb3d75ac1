package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/models"
)

// ICE timeouts: disconnected, failed, keepalive
const (
	iceDisconnectedTimeout = 10 * time.Second
	iceFailedTimeout       = 30 * time.Second
	iceKeepalive           = 2 * time.Second
)

// PeerFactory opens pion peer connections sharing one API instance
type PeerFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *zap.Logger
}

func NewPeerFactory(iceServers []webrtc.ICEServer, log *zap.Logger) (*PeerFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepalive)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return &PeerFactory{
		api:    api,
		config: webrtc.Configuration{ICEServers: iceServers},
		log:    log,
	}, nil
}

func (f *PeerFactory) NewEndpoint(h call.EndpointHandlers) (call.Endpoint, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &peer{pc: pc, log: f.log}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || h.OnICECandidate == nil {
			return
		}
		h.OnICECandidate(candidateFromPion(c.ToJSON()))
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		f.log.Debug("Peer connection state changed", zap.String("state", s.String()))
		if h.OnConnectionState != nil {
			h.OnConnectionState(call.ConnectionState(s.String()))
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := trackKind(remote.Kind())
		sink := newRemoteMedia()
		if h.OnRemoteTrack != nil {
			h.OnRemoteTrack(call.RemoteTrack{ID: remote.ID(), StreamID: remote.StreamID(), Kind: kind, Media: sink})
		}
		go p.consume(remote, kind, sink)
	})

	return p, nil
}

type peer struct {
	pc  *webrtc.PeerConnection
	log *zap.Logger

	mu       sync.Mutex
	loopback *Stream
}

func (p *peer) AddLocalStream(stream call.LocalStream) error {
	s, ok := stream.(*Stream)
	if !ok {
		return fmt.Errorf("unsupported stream type %T", stream)
	}

	for _, t := range s.tracks {
		sender, err := p.pc.AddTrack(t.TrackLocal())
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", t.kind, err)
		}
		go drainRTCP(sender)
	}

	if s.loopback {
		p.mu.Lock()
		p.loopback = s
		p.mu.Unlock()
	}
	return nil
}

func (p *peer) CreateOffer(_ context.Context) (models.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return descriptionFromPion(offer), nil
}

func (p *peer) CreateAnswer(_ context.Context) (models.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return descriptionFromPion(answer), nil
}

func (p *peer) SetLocalDescription(_ context.Context, sdp models.SessionDescription) error {
	return p.pc.SetLocalDescription(descriptionToPion(sdp))
}

func (p *peer) SetRemoteDescription(_ context.Context, sdp models.SessionDescription) error {
	return p.pc.SetRemoteDescription(descriptionToPion(sdp))
}

func (p *peer) AddICECandidate(c models.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *peer) Close() error {
	return p.pc.Close()
}

// consume reads a remote track until it ends and hands every packet to sink.
// Packets are also written back to the local track of the same kind when the
// attached stream is a loopback.
func (p *peer) consume(remote *webrtc.TrackRemote, kind call.TrackKind, sink *remoteMedia) {
	defer sink.end()

	p.mu.Lock()
	var local *Track
	if p.loopback != nil {
		local = p.loopback.track(kind)
	}
	p.mu.Unlock()

	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Debug("Remote track ended", zap.String("kind", string(kind)), zap.Error(err))
			}
			return
		}
		sink.offer(pkt)
		if local == nil {
			continue
		}
		if err := local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			p.log.Debug("Failed to loop back packet", zap.Error(err))
		}
	}
}

// drainRTCP keeps the sender's interceptors running
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func trackKind(k webrtc.RTPCodecType) call.TrackKind {
	if k == webrtc.RTPCodecTypeVideo {
		return call.TrackVideo
	}
	return call.TrackAudio
}

func descriptionFromPion(d webrtc.SessionDescription) models.SessionDescription {
	return models.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func descriptionToPion(d models.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func candidateFromPion(c webrtc.ICECandidateInit) models.ICECandidate {
	return models.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
