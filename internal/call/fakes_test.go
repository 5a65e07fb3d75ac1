package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtp"

	"github.com/mossy-p/call-signaling/internal/models"
)

// fakeRemoteMedia yields one packet stamped with the sending participant
type fakeRemoteMedia struct {
	from string
}

func (m fakeRemoteMedia) ReadRTP(ctx context.Context) (*rtp.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &rtp.Packet{Header: rtp.Header{PayloadType: 111}, Payload: []byte(m.from)}, nil
}

type fakeTrack struct {
	id   string
	kind TrackKind
}

func (t fakeTrack) ID() string      { return t.id }
func (t fakeTrack) Kind() TrackKind { return t.kind }

type fakeStream struct {
	mu      sync.Mutex
	tracks  []LocalTrack
	enabled map[TrackKind]bool
	stopped bool
}

func newFakeStream(callType models.CallType) *fakeStream {
	s := &fakeStream{enabled: map[TrackKind]bool{TrackAudio: true}}
	s.tracks = append(s.tracks, fakeTrack{id: "mic", kind: TrackAudio})
	if callType == models.CallTypeVideo {
		s.tracks = append(s.tracks, fakeTrack{id: "cam", kind: TrackVideo})
		s.enabled[TrackVideo] = true
	}
	return s
}

func (s *fakeStream) Tracks() []LocalTrack { return s.tracks }

func (s *fakeStream) HasTrack(kind TrackKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.enabled[kind]
	return ok
}

func (s *fakeStream) Enabled(kind TrackKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[kind]
}

func (s *fakeStream) SetEnabled(kind TrackKind, on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.enabled[kind]; !ok {
		return false
	}
	s.enabled[kind] = on
	return on
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *fakeStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// fakeMedia hands out fake streams. With a gate, Acquire waits until it is closed.
type fakeMedia struct {
	mu      sync.Mutex
	gate    chan struct{}
	err     error
	streams []*fakeStream
}

func (f *fakeMedia) Acquire(ctx context.Context, callType models.CallType) (LocalStream, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := newFakeStream(callType)
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeMedia) acquired() []*fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeStream(nil), f.streams...)
}

// fakeEndpoints opens endpoints that gather `candidates` local candidates when
// the local description is set, and report connected once both sides are set.
type fakeEndpoints struct {
	owner      string
	candidates int

	mu     sync.Mutex
	opened []*fakeEndpoint
}

func (f *fakeEndpoints) NewEndpoint(h EndpointHandlers) (Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep := &fakeEndpoint{owner: f.owner, candidates: f.candidates, handlers: h}
	f.opened = append(f.opened, ep)
	return ep, nil
}

func (f *fakeEndpoints) last() *fakeEndpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opened) == 0 {
		return nil
	}
	return f.opened[len(f.opened)-1]
}

type fakeEndpoint struct {
	owner      string
	candidates int
	handlers   EndpointHandlers

	mu        sync.Mutex
	local     *models.SessionDescription
	remote    *models.SessionDescription
	log       []string
	added     []models.ICECandidate
	streams   int
	closed    bool
	connected bool
}

func (e *fakeEndpoint) record(entry string) {
	e.log = append(e.log, entry)
}

func (e *fakeEndpoint) AddLocalStream(LocalStream) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streams++
	return nil
}

func (e *fakeEndpoint) CreateOffer(context.Context) (models.SessionDescription, error) {
	return models.SessionDescription{Type: "offer", SDP: "v=0 offer from " + e.owner}, nil
}

func (e *fakeEndpoint) CreateAnswer(context.Context) (models.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remote == nil {
		return models.SessionDescription{}, errors.New("no remote offer")
	}
	return models.SessionDescription{Type: "answer", SDP: "v=0 answer from " + e.owner}, nil
}

func (e *fakeEndpoint) SetLocalDescription(_ context.Context, sdp models.SessionDescription) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("endpoint closed")
	}
	e.local = &sdp
	e.record("local:" + sdp.Type)
	e.mu.Unlock()

	for i := 0; i < e.candidates; i++ {
		mid := "0"
		e.handlers.OnICECandidate(models.ICECandidate{
			Candidate: fmt.Sprintf("candidate:%s-%d", e.owner, i),
			SDPMid:    &mid,
		})
	}
	e.maybeConnect()
	return nil
}

func (e *fakeEndpoint) SetRemoteDescription(_ context.Context, sdp models.SessionDescription) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("endpoint closed")
	}
	e.remote = &sdp
	e.record("remote:" + sdp.Type)
	e.mu.Unlock()

	e.maybeConnect()
	return nil
}

func (e *fakeEndpoint) maybeConnect() {
	e.mu.Lock()
	ready := e.local != nil && e.remote != nil && !e.connected
	if ready {
		e.connected = true
	}
	e.mu.Unlock()
	if ready {
		e.handlers.OnConnectionState(ConnectionConnected)
		e.handlers.OnRemoteTrack(RemoteTrack{ID: "remote-audio", StreamID: "peer", Kind: TrackAudio, Media: fakeRemoteMedia{from: e.owner}})
	}
}

func (e *fakeEndpoint) AddICECandidate(c models.ICECandidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remote == nil {
		return errors.New("remote description not set")
	}
	e.added = append(e.added, c)
	e.record("candidate:" + c.Candidate)
	return nil
}

func (e *fakeEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeEndpoint) entries() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

func (e *fakeEndpoint) addedCandidates() []models.ICECandidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.ICECandidate(nil), e.added...)
}

// fail simulates the transport dropping
func (e *fakeEndpoint) fail() {
	e.handlers.OnConnectionState(ConnectionFailed)
}
