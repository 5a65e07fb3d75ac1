package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mossy-p/call-signaling/internal/apperr"
	"github.com/mossy-p/call-signaling/internal/bus"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/signaling"
	"github.com/mossy-p/call-signaling/internal/store"
)

const waitFor = 3 * time.Second

type harness struct {
	store *store.Memory
	svc   *signaling.Service
}

func newHarness(t *testing.T) *harness {
	st := store.NewMemory()
	b := bus.New(st, zap.NewNop())
	t.Cleanup(b.Close)
	return &harness{store: st, svc: signaling.NewService(st, b, zap.NewNop())}
}

type participant struct {
	*Machine
	media     *fakeMedia
	endpoints *fakeEndpoints

	mu       sync.Mutex
	incoming []*models.CallSession
	phases   []Phase
	tracks   []RemoteTrack
}

func (h *harness) join(t *testing.T, id string, candidates int, opts ...MachineOption) *participant {
	p := &participant{
		media:     &fakeMedia{},
		endpoints: &fakeEndpoints{owner: id, candidates: candidates},
	}
	opts = append([]MachineOption{
		WithIncomingSubscription(),
		OnIncomingCall(func(s *models.CallSession) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.incoming = append(p.incoming, s)
		}),
		OnStatusChange(func(phase Phase) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.phases = append(p.phases, phase)
		}),
		OnRemoteStream(func(track RemoteTrack) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.tracks = append(p.tracks, track)
		}),
	}, opts...)
	p.Machine = NewMachine(id, h.svc, p.media, p.endpoints, zap.NewNop(), opts...)
	p.Start(context.Background())
	t.Cleanup(p.Close)
	return p
}

func (p *participant) incomingCalls() []*models.CallSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.CallSession(nil), p.incoming...)
}

func (p *participant) seenPhases() []Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Phase(nil), p.phases...)
}

func (p *participant) remoteTracks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracks)
}

func (p *participant) firstRemoteTrack() RemoteTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracks[0]
}

func waitPhase(t *testing.T, p *participant, phase Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return p.State().Phase == phase }, waitFor, 5*time.Millisecond,
		"%s never reached %s (now %s)", p.selfID, phase, p.State().Phase)
}

func countSessions(t *testing.T, h *harness) int {
	all, err := h.store.List(context.Background())
	require.NoError(t, err)
	return len(all)
}

func TestFullVideoCall(t *testing.T) {
	h := newHarness(t)
	alice := h.join(t, "alice", 2)
	bob := h.join(t, "bob", 2)
	ctx := context.Background()

	id, err := alice.InitiateCall(ctx, "bob", models.CallTypeVideo, "chat-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool { return len(bob.incomingCalls()) == 1 }, waitFor, 5*time.Millisecond)
	incoming := bob.incomingCalls()[0]
	assert.Equal(t, id, incoming.ID)
	assert.Equal(t, models.CallTypeVideo, incoming.CallType)
	waitPhase(t, bob, PhaseRinging)

	require.NoError(t, bob.AcceptCall(ctx, incoming))

	waitPhase(t, alice, PhaseConnected)
	waitPhase(t, bob, PhaseConnected)

	var session *models.CallSession
	require.Eventually(t, func() bool {
		var err error
		session, err = h.svc.GetCall(ctx, id)
		return err == nil && session != nil && session.Status == models.CallStatusConnected
	}, waitFor, 5*time.Millisecond)
	assert.NotNil(t, session.Offer)
	assert.NotNil(t, session.Answer)
	assert.Len(t, session.CandidatesFrom("alice"), 2)

	require.Eventually(t, func() bool { return alice.remoteTracks() > 0 && bob.remoteTracks() > 0 }, waitFor, 5*time.Millisecond)

	remote := alice.firstRemoteTrack()
	require.NotNil(t, remote.Media)
	pkt, err := remote.Media.ReadRTP(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, pkt.Payload)

	assert.False(t, alice.ToggleLocalVideo())
	assert.True(t, alice.ToggleLocalVideo())
	assert.False(t, alice.ToggleLocalAudio())

	require.NoError(t, alice.EndCall(ctx))
	waitPhase(t, bob, PhaseIdle)
	assert.Equal(t, PhaseIdle, alice.State().Phase)
	assert.Zero(t, countSessions(t, h))

	require.Eventually(t, func() bool { return bob.endpoints.last().isClosed() }, waitFor, 5*time.Millisecond)
	assert.True(t, alice.endpoints.last().isClosed())
	for _, s := range alice.media.acquired() {
		assert.True(t, s.isStopped())
	}

	require.Eventually(t, func() bool { return len(alice.seenPhases()) == 3 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []Phase{PhaseCalling, PhaseConnected, PhaseIdle}, alice.seenPhases())
	require.Eventually(t, func() bool { return len(bob.seenPhases()) == 4 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []Phase{PhaseRinging, PhaseConnecting, PhaseConnected, PhaseIdle}, bob.seenPhases())
}

func TestCandidatesBeforeOfferAreAppliedInOrder(t *testing.T) {
	h := newHarness(t)
	alice := h.join(t, "alice", 3)
	bob := h.join(t, "bob", 0)
	ctx := context.Background()

	id, err := alice.InitiateCall(ctx, "bob", models.CallTypeAudio, "")
	require.NoError(t, err)

	// all three candidates and the offer reach bob while he is still ringing
	require.Eventually(t, func() bool {
		s := bob.State()
		return s.Phase == PhaseRinging && s.Offer != nil && len(s.Pending) == 3
	}, waitFor, 5*time.Millisecond)

	session, err := h.svc.GetCall(ctx, id)
	require.NoError(t, err)
	require.NoError(t, bob.AcceptCall(ctx, session))
	waitPhase(t, bob, PhaseConnected)

	ep := bob.endpoints.last()
	require.NotNil(t, ep)
	got := ep.addedCandidates()
	require.Len(t, got, 3)
	for i, c := range got {
		assert.Equal(t, fmt.Sprintf("candidate:alice-%d", i), c.Candidate)
	}

	entries := ep.entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, "remote:offer", entries[0])
	var applied []string
	for _, e := range entries {
		if strings.HasPrefix(e, "candidate:") {
			applied = append(applied, e)
		}
	}
	assert.Equal(t, []string{"candidate:candidate:alice-0", "candidate:candidate:alice-1", "candidate:candidate:alice-2"}, applied)
}

func TestCallerHangsUpBeforeCalleeActs(t *testing.T) {
	h := newHarness(t)
	alice := h.join(t, "alice", 0)
	bob := h.join(t, "bob", 0)
	ctx := context.Background()

	_, err := alice.InitiateCall(ctx, "bob", models.CallTypeVideo, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(bob.incomingCalls()) == 1 }, waitFor, 5*time.Millisecond)
	incoming := bob.incomingCalls()[0]

	require.NoError(t, alice.EndCall(ctx))
	waitPhase(t, bob, PhaseIdle)

	// accepting the stale session lands back in idle without acquiring media
	require.NoError(t, bob.AcceptCall(ctx, incoming))
	waitPhase(t, bob, PhaseIdle)
	assert.Empty(t, bob.media.acquired())
	assert.NotContains(t, bob.seenPhases(), PhaseConnecting)
	assert.Zero(t, countSessions(t, h))
}

func TestRejectIncomingCall(t *testing.T) {
	h := newHarness(t)
	alice := h.join(t, "alice", 0)
	bob := h.join(t, "bob", 0)
	ctx := context.Background()

	id, err := alice.InitiateCall(ctx, "bob", models.CallTypeAudio, "")
	require.NoError(t, err)
	waitPhase(t, bob, PhaseRinging)

	require.NoError(t, bob.RejectCall(ctx, id))
	assert.Equal(t, PhaseIdle, bob.State().Phase)
	waitPhase(t, alice, PhaseIdle)
	assert.Zero(t, countSessions(t, h))
}

func TestMediaFailureOnInitiateLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	alice := h.join(t, "alice", 0)
	bob := h.join(t, "bob", 0)
	alice.media.err = errors.New("camera busy")

	id, err := alice.InitiateCall(context.Background(), "bob", models.CallTypeVideo, "")
	assert.ErrorIs(t, err, apperr.ErrMediaAcquisition)
	assert.Empty(t, id)
	assert.Equal(t, PhaseIdle, alice.State().Phase)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, bob.incomingCalls())
	assert.Zero(t, countSessions(t, h))
}

func TestEndBeforeMediaArrivesReleasesIt(t *testing.T) {
	h := newHarness(t)
	alice := h.join(t, "alice", 0)
	bob := h.join(t, "bob", 0)
	gate := make(chan struct{})
	alice.media.gate = gate
	ctx := context.Background()

	resolved := make(chan error, 1)
	go func() {
		_, err := alice.InitiateCall(ctx, "bob", models.CallTypeVideo, "")
		resolved <- err
	}()
	waitPhase(t, alice, PhaseCalling)

	require.NoError(t, alice.EndCall(ctx))
	select {
	case err := <-resolved:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("InitiateCall did not return after EndCall")
	}

	close(gate)
	require.Eventually(t, func() bool {
		streams := alice.media.acquired()
		return len(streams) == 1 && streams[0].isStopped()
	}, waitFor, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, bob.incomingCalls())
	assert.Zero(t, countSessions(t, h))
	assert.Equal(t, PhaseIdle, alice.State().Phase)
}

func TestEndCallIsIdempotent(t *testing.T) {
	h := newHarness(t)
	alice := h.join(t, "alice", 0)
	h.join(t, "bob", 0)
	ctx := context.Background()

	_, err := alice.InitiateCall(ctx, "bob", models.CallTypeAudio, "")
	require.NoError(t, err)

	require.NoError(t, alice.EndCall(ctx))
	require.NoError(t, alice.EndCall(ctx))
	require.NoError(t, alice.EndCall(ctx))
	assert.Equal(t, PhaseIdle, alice.State().Phase)
	require.Eventually(t, func() bool { return len(alice.seenPhases()) >= 2 }, waitFor, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []Phase{PhaseCalling, PhaseIdle}, alice.seenPhases())
}

func TestTransportFailureEndsBothSides(t *testing.T) {
	h := newHarness(t)
	alice := h.join(t, "alice", 1)
	bob := h.join(t, "bob", 1)
	ctx := context.Background()

	_, err := alice.InitiateCall(ctx, "bob", models.CallTypeVideo, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(bob.incomingCalls()) == 1 }, waitFor, 5*time.Millisecond)
	require.NoError(t, bob.AcceptCall(ctx, bob.incomingCalls()[0]))
	waitPhase(t, alice, PhaseConnected)
	waitPhase(t, bob, PhaseConnected)

	bob.endpoints.last().fail()

	waitPhase(t, bob, PhaseIdle)
	waitPhase(t, alice, PhaseIdle)
	assert.Zero(t, countSessions(t, h))
}

func TestGlareKeepsOneCall(t *testing.T) {
	h := newHarness(t)
	alice := h.join(t, "alice", 0)
	bob := h.join(t, "bob", 0)
	gate := make(chan struct{})
	alice.media.gate = gate
	bob.media.gate = gate
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, p := range []struct {
		who    *participant
		target string
	}{{alice, "bob"}, {bob, "alice"}} {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.who.InitiateCall(ctx, p.target, models.CallTypeVideo, "")
		}()
	}
	waitPhase(t, alice, PhaseCalling)
	waitPhase(t, bob, PhaseCalling)
	close(gate)
	wg.Wait()

	// alice has the smaller id, so her call survives and bob rings for it
	waitPhase(t, bob, PhaseRinging)
	aliceCall := alice.State().CallID
	require.NotEmpty(t, aliceCall)
	require.Eventually(t, func() bool { return bob.State().CallID == aliceCall }, waitFor, 5*time.Millisecond)
	assert.Equal(t, PhaseCalling, alice.State().Phase)

	require.Eventually(t, func() bool { return countSessions(t, h) == 1 }, waitFor, 5*time.Millisecond)

	session, err := h.svc.GetCall(ctx, aliceCall)
	require.NoError(t, err)
	require.NoError(t, bob.AcceptCall(ctx, session))
	waitPhase(t, alice, PhaseConnected)
	waitPhase(t, bob, PhaseConnected)
}

func TestBusyParticipantDeclinesThirdCaller(t *testing.T) {
	h := newHarness(t)
	alice := h.join(t, "alice", 0)
	bob := h.join(t, "bob", 0)
	carol := h.join(t, "carol", 0)
	ctx := context.Background()

	first, err := alice.InitiateCall(ctx, "bob", models.CallTypeAudio, "")
	require.NoError(t, err)
	waitPhase(t, bob, PhaseRinging)

	_, err = carol.InitiateCall(ctx, "bob", models.CallTypeAudio, "")
	require.NoError(t, err)
	waitPhase(t, carol, PhaseIdle)

	assert.Equal(t, first, bob.State().CallID)
	assert.Equal(t, PhaseRinging, bob.State().Phase)
	assert.Len(t, bob.incomingCalls(), 1)
}

func TestCommandsAfterClose(t *testing.T) {
	h := newHarness(t)
	alice := h.join(t, "alice", 0)
	alice.Close()

	_, err := alice.InitiateCall(context.Background(), "bob", models.CallTypeAudio, "")
	assert.ErrorIs(t, err, ErrMachineClosed)
	assert.False(t, alice.ToggleLocalAudio())
}
