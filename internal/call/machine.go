package call

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/mossy-p/call-signaling/internal/bus"
	"github.com/mossy-p/call-signaling/internal/models"
)

// ErrMachineClosed is returned by commands issued after Close
var ErrMachineClosed = errors.New("call machine closed")

// Signaling is the part of the signaling service a participant talks to
type Signaling interface {
	CreateCall(ctx context.Context, callerID, targetUserID string, callType models.CallType, chatID string) (string, error)
	UpdateStatus(ctx context.Context, id string, status models.CallStatus) error
	SetOffer(ctx context.Context, id string, sdp models.SessionDescription) error
	SetAnswer(ctx context.Context, id string, sdp models.SessionDescription) error
	AddICECandidate(ctx context.Context, id, participantID string, candidate models.ICECandidate) error
	DeleteCall(ctx context.Context, id string) error
	SubscribeCall(ctx context.Context, id string, fn bus.CallListener) *bus.Subscription
	SubscribeIncoming(userID string, fn bus.IncomingListener) *bus.Subscription
}

type result struct {
	callID string
	err    error
}

// MachineOption configures a Machine
type MachineOption func(*Machine)

// OnIncomingCall is called when a call for this participant starts ringing
func OnIncomingCall(fn func(*models.CallSession)) MachineOption {
	return func(m *Machine) { m.onIncoming = fn }
}

// OnRemoteStream is called for every track the peer sends
func OnRemoteStream(fn func(RemoteTrack)) MachineOption {
	return func(m *Machine) { m.onRemoteStream = fn }
}

// OnStatusChange is called with every local phase change
func OnStatusChange(fn func(Phase)) MachineOption {
	return func(m *Machine) { m.onStatus = fn }
}

// WithIncomingSubscription makes Start listen for calls addressed to this participant
func WithIncomingSubscription() MachineOption {
	return func(m *Machine) { m.watchIncoming = true }
}

// Machine runs Transition for one participant. All state is owned by a
// single actor goroutine; blocking media work runs on separate goroutines
// and reports back as events. Callbacks run in order on their own goroutine,
// so they may call back into the machine.
type Machine struct {
	selfID    string
	sig       Signaling
	media     MediaSource
	endpoints EndpointFactory
	log       *zap.Logger

	onIncoming     func(*models.CallSession)
	onRemoteStream func(RemoteTrack)
	onStatus       func(Phase)
	watchIncoming  bool

	ctx    context.Context
	cancel context.CancelFunc

	actor    *bus.Mailbox
	notifier *bus.Mailbox

	lifecycle sync.Mutex
	started   bool
	closed    bool

	view   sync.RWMutex
	public State

	// owned by the actor
	state       State
	stream      LocalStream
	endpoint    Endpoint
	callSub     *bus.Subscription
	incomingSub *bus.Subscription
	waiters     map[uint64]chan result
	followUps   []Event
}

// NewMachine creates a machine for selfID. Call Start before issuing commands.
func NewMachine(selfID string, sig Signaling, media MediaSource, endpoints EndpointFactory, log *zap.Logger, opts ...MachineOption) *Machine {
	m := &Machine{
		selfID:    selfID,
		sig:       sig,
		media:     media,
		endpoints: endpoints,
		log:       log.With(zap.String("user_id", selfID)),
		state:     NewState(selfID),
		public:    NewState(selfID),
		waiters:   make(map[uint64]chan result),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the actor. ctx bounds every signaling and media call the machine makes.
func (m *Machine) Start(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.actor = bus.NewMailbox(m.log)
	m.notifier = bus.NewMailbox(m.log)

	if m.watchIncoming {
		m.incomingSub = m.sig.SubscribeIncoming(m.selfID, func(session *models.CallSession) {
			m.post(Incoming{Session: session})
		})
	}
}

// Close ends any call in progress and stops the machine
func (m *Machine) Close() {
	m.lifecycle.Lock()
	if !m.started || m.closed {
		m.closed = true
		m.lifecycle.Unlock()
		return
	}
	m.closed = true
	m.lifecycle.Unlock()

	if m.incomingSub != nil {
		m.incomingSub.Close()
	}

	done := make(chan struct{})
	m.actor.Push(func() {
		m.dispatch(End{}, nil)
		for attempt, w := range m.waiters {
			w <- result{err: ErrMachineClosed}
			delete(m.waiters, attempt)
		}
		close(done)
	})
	<-done
	m.actor.Stop()
	m.notifier.Stop()
	m.cancel()
}

// State returns a copy of the current state
func (m *Machine) State() State {
	m.view.RLock()
	defer m.view.RUnlock()
	return m.public
}

// InitiateCall starts an outgoing call and returns its id once the session exists
func (m *Machine) InitiateCall(ctx context.Context, targetID string, callType models.CallType, chatID string) (string, error) {
	return m.command(ctx, Initiate{TargetID: targetID, CallType: callType, ChatID: chatID}, true)
}

// AcceptCall answers session. It returns once the answer is published, or
// with nil if the call ended first.
func (m *Machine) AcceptCall(ctx context.Context, session *models.CallSession) error {
	_, err := m.command(ctx, Accept{Session: session}, true)
	return err
}

// RejectCall declines callID
func (m *Machine) RejectCall(ctx context.Context, callID string) error {
	_, err := m.command(ctx, Reject{CallID: callID}, false)
	return err
}

// EndCall hangs up. Calling it with no call in progress is a no-op.
func (m *Machine) EndCall(ctx context.Context) error {
	_, err := m.command(ctx, End{}, false)
	return err
}

// ToggleLocalVideo flips the local video track and returns whether it is now enabled
func (m *Machine) ToggleLocalVideo() bool {
	return m.toggle(TrackVideo)
}

// ToggleLocalAudio flips the local audio track and returns whether it is now enabled
func (m *Machine) ToggleLocalAudio() bool {
	return m.toggle(TrackAudio)
}

func (m *Machine) toggle(kind TrackKind) bool {
	out := make(chan bool, 1)
	if !m.do(func() {
		if m.stream == nil || !m.stream.HasTrack(kind) {
			out <- false
			return
		}
		out <- m.stream.SetEnabled(kind, !m.stream.Enabled(kind))
	}) {
		return false
	}
	return <-out
}

// do runs fn on the actor; false when the machine is not running
func (m *Machine) do(fn func()) bool {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if !m.started || m.closed {
		return false
	}
	m.actor.Push(fn)
	return true
}

func (m *Machine) command(ctx context.Context, ev Event, deferred bool) (string, error) {
	reply := make(chan result, 1)
	if !m.do(func() { m.dispatch(ev, &commandReply{ch: reply, deferred: deferred}) }) {
		return "", ErrMachineClosed
	}
	select {
	case r := <-reply:
		return r.callID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// post delivers an event from a listener or a completed operation
func (m *Machine) post(ev Event) bool {
	return m.do(func() { m.dispatch(ev, nil) })
}

type commandReply struct {
	ch       chan result
	deferred bool
	sent     bool
}

func (r *commandReply) send(res result) {
	if r == nil || r.sent {
		return
	}
	r.sent = true
	r.ch <- res
}

// dispatch runs on the actor
func (m *Machine) dispatch(ev Event, reply *commandReply) {
	m.followUps = append(m.followUps, ev)
	first := true
	for len(m.followUps) > 0 {
		next := m.followUps[0]
		m.followUps = m.followUps[1:]

		var r *commandReply
		if first {
			r = reply
			first = false
		}
		m.step(next, r)
	}
	if reply != nil && !reply.deferred {
		reply.send(result{})
	}
}

func (m *Machine) step(ev Event, reply *commandReply) {
	prev := m.state.Phase
	next, effects := Transition(m.state, ev)
	m.state = next

	m.view.Lock()
	m.public = next
	m.public.Pending = append([]models.ICECandidate(nil), next.Pending...)
	m.view.Unlock()

	if reply != nil && reply.deferred && !refused(effects) {
		m.waiters[next.Attempt] = reply.ch
		reply.sent = true
	}

	for _, eff := range effects {
		m.execute(eff, reply)
	}

	if prev != m.state.Phase {
		m.log.Debug("Call phase changed",
			zap.String("from", prev.String()),
			zap.String("to", m.state.Phase.String()),
			zap.String("call_id", m.state.CallID))
	}
}

func refused(effects []Effect) bool {
	for _, eff := range effects {
		if _, ok := eff.(Refuse); ok {
			return true
		}
	}
	return false
}

func (m *Machine) execute(eff Effect, reply *commandReply) {
	switch e := eff.(type) {
	case AcquireMedia:
		go func() {
			stream, err := m.media.Acquire(m.ctx, e.CallType)
			if err != nil {
				m.post(MediaFailed{Attempt: e.Attempt, Err: err})
				return
			}
			if !m.post(MediaAcquired{Attempt: e.Attempt, Stream: stream}) {
				stream.Stop()
			}
		}()

	case HoldStream:
		m.stream = e.Stream

	case ReleaseStream:
		if e.Stream != nil {
			e.Stream.Stop()
		}

	case CreateCall:
		go func() {
			id, err := m.sig.CreateCall(m.ctx, m.selfID, e.TargetID, e.CallType, e.ChatID)
			if err != nil {
				m.post(CreateFailed{Attempt: e.Attempt, Err: err})
				return
			}
			m.post(CallCreated{Attempt: e.Attempt, CallID: id})
		}()

	case Subscribe:
		m.closeCallSub()
		attempt := e.Attempt
		m.callSub = m.sig.SubscribeCall(m.ctx, e.CallID, func(snap bus.Snapshot) {
			m.post(RemoteChanged{Attempt: attempt, Session: snap.Session})
		})

	case OpenEndpoint:
		m.openEndpoint(e.Attempt)

	case CreateOffer:
		ep := m.endpoint
		if ep == nil {
			return
		}
		go func() {
			offer, err := ep.CreateOffer(m.ctx)
			if err == nil {
				err = ep.SetLocalDescription(m.ctx, offer)
			}
			if err != nil {
				m.post(NegotiationFailed{Attempt: e.Attempt, Err: err})
				return
			}
			m.post(LocalDescriptionReady{Attempt: e.Attempt, SDP: offer})
		}()

	case AcceptOffer:
		ep := m.endpoint
		if ep == nil {
			return
		}
		go func() {
			if err := ep.SetRemoteDescription(m.ctx, e.Offer); err != nil {
				m.post(NegotiationFailed{Attempt: e.Attempt, Err: err})
				return
			}
			m.post(RemoteDescriptionApplied{Attempt: e.Attempt})

			answer, err := ep.CreateAnswer(m.ctx)
			if err == nil {
				err = ep.SetLocalDescription(m.ctx, answer)
			}
			if err != nil {
				m.post(NegotiationFailed{Attempt: e.Attempt, Err: err})
				return
			}
			m.post(LocalDescriptionReady{Attempt: e.Attempt, SDP: answer})
		}()

	case ApplyAnswer:
		ep := m.endpoint
		if ep == nil {
			return
		}
		go func() {
			if err := ep.SetRemoteDescription(m.ctx, e.Answer); err != nil {
				m.post(NegotiationFailed{Attempt: e.Attempt, Err: err})
				return
			}
			m.post(RemoteDescriptionApplied{Attempt: e.Attempt})
		}()

	case AddCandidates:
		if m.endpoint == nil {
			return
		}
		for _, c := range e.Candidates {
			if err := m.endpoint.AddICECandidate(c); err != nil {
				m.log.Warn("Failed to add remote ICE candidate", zap.String("call_id", m.state.CallID), zap.Error(err))
			}
		}

	case PublishOffer:
		if err := m.sig.SetOffer(m.ctx, e.CallID, e.SDP); err != nil {
			m.followUps = append(m.followUps, NegotiationFailed{Attempt: e.Attempt, Err: err})
		}

	case PublishAnswer:
		if err := m.sig.SetAnswer(m.ctx, e.CallID, e.SDP); err != nil {
			m.followUps = append(m.followUps, NegotiationFailed{Attempt: e.Attempt, Err: err})
		}

	case PublishCandidate:
		if err := m.sig.AddICECandidate(m.ctx, e.CallID, m.selfID, e.Candidate); err != nil {
			m.log.Warn("Failed to publish ICE candidate", zap.String("call_id", e.CallID), zap.Error(err))
		}

	case UpdateStatus:
		if err := m.sig.UpdateStatus(m.ctx, e.CallID, e.Status); err != nil {
			m.log.Debug("Status update not applied",
				zap.String("call_id", e.CallID),
				zap.String("status", string(e.Status)),
				zap.Error(err))
		}

	case DeleteCall:
		if err := m.sig.DeleteCall(m.ctx, e.CallID); err != nil {
			m.log.Warn("Failed to delete call", zap.String("call_id", e.CallID), zap.Error(err))
		}

	case Teardown:
		m.teardown()

	case NotifyStatus:
		if fn := m.onStatus; fn != nil {
			phase := e.Phase
			m.notifier.Push(func() { fn(phase) })
		}

	case NotifyIncoming:
		if fn := m.onIncoming; fn != nil {
			session := e.Session.Clone()
			m.notifier.Push(func() { fn(session) })
		}

	case NotifyRemoteStream:
		if fn := m.onRemoteStream; fn != nil {
			track := e.Track
			m.notifier.Push(func() { fn(track) })
		}

	case Resolve:
		if w, ok := m.waiters[e.Attempt]; ok {
			delete(m.waiters, e.Attempt)
			w <- result{callID: e.CallID, err: e.Err}
		}

	case Refuse:
		reply.send(result{err: e.Err})
	}
}

func (m *Machine) openEndpoint(attempt uint64) {
	ep, err := m.endpoints.NewEndpoint(EndpointHandlers{
		OnICECandidate: func(c models.ICECandidate) {
			m.post(LocalCandidate{Attempt: attempt, Candidate: c})
		},
		OnConnectionState: func(state ConnectionState) {
			m.post(TransportChanged{Attempt: attempt, State: state})
		},
		OnRemoteTrack: func(track RemoteTrack) {
			m.post(RemoteTrackAdded{Attempt: attempt, Track: track})
		},
	})
	if err != nil {
		m.followUps = append(m.followUps, NegotiationFailed{Attempt: attempt, Err: err})
		return
	}
	m.endpoint = ep

	if m.stream != nil {
		if err := ep.AddLocalStream(m.stream); err != nil {
			m.followUps = append(m.followUps, NegotiationFailed{Attempt: attempt, Err: err})
		}
	}
}

func (m *Machine) closeCallSub() {
	if m.callSub != nil {
		m.callSub.Close()
		m.callSub = nil
	}
}

func (m *Machine) teardown() {
	m.closeCallSub()
	if m.endpoint != nil {
		if err := m.endpoint.Close(); err != nil {
			m.log.Debug("Endpoint close failed", zap.Error(err))
		}
		m.endpoint = nil
	}
	if m.stream != nil {
		m.stream.Stop()
		m.stream = nil
	}
}
