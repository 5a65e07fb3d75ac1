// Package call drives one participant through a 1:1 call: acquiring media,
// exchanging offer, answer and ICE candidates through the signaling service,
// and tearing everything down when either side leaves.
//
// The rules live in Transition, a pure function from (State, Event) to the
// next State plus a list of Effects. Machine executes those effects.
package call

import (
	"github.com/mossy-p/call-signaling/internal/apperr"
	"github.com/mossy-p/call-signaling/internal/models"
)

// Phase is the local view of the call, distinct from the shared session status
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCalling
	PhaseRinging
	PhaseConnecting
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCalling:
		return "calling"
	case PhaseRinging:
		return "ringing"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	}
	return "unknown"
}

// Role is which side of the current call this participant is on
type Role int

const (
	RoleNone Role = iota
	RoleCaller
	RoleCallee
)

// State is everything Transition needs to decide the next step.
// Attempt increases every time a new call starts; completions tagged with
// an older attempt belong to a call that is already gone.
type State struct {
	SelfID  string
	Phase   Phase
	Role    Role
	Attempt uint64

	CallID   string
	PeerID   string
	CallType models.CallType
	ChatID   string

	// Offer is the remote offer, callee side
	Offer *models.SessionDescription

	MediaReady     bool
	EndpointOpen   bool
	Negotiating    bool
	AnswerApplying bool
	RemoteApplied  bool
	// set when Accept arrived from idle; it completes on the first snapshot
	AcceptPending bool

	// Consumed counts the peer candidates already taken from snapshots
	Consumed int
	Pending  []models.ICECandidate
}

// NewState returns the idle state of selfID
func NewState(selfID string) State {
	return State{SelfID: selfID}
}

func (s State) reset() State {
	return State{SelfID: s.SelfID, Attempt: s.Attempt}
}

func (s State) stale(attempt uint64) bool {
	return s.Phase == PhaseIdle || attempt != s.Attempt
}

// Events

type Event interface{ isEvent() }

type (
	Initiate struct {
		TargetID string
		CallType models.CallType
		ChatID   string
	}
	Accept struct {
		Session *models.CallSession
	}
	Reject struct {
		CallID string
	}
	End      struct{}
	Incoming struct {
		Session *models.CallSession
	}
	// RemoteChanged carries a session snapshot; Session is nil once the call is deleted
	RemoteChanged struct {
		Attempt uint64
		Session *models.CallSession
	}
	MediaAcquired struct {
		Attempt uint64
		Stream  LocalStream
	}
	MediaFailed struct {
		Attempt uint64
		Err     error
	}
	CallCreated struct {
		Attempt uint64
		CallID  string
	}
	CreateFailed struct {
		Attempt uint64
		Err     error
	}
	LocalDescriptionReady struct {
		Attempt uint64
		SDP     models.SessionDescription
	}
	RemoteDescriptionApplied struct {
		Attempt uint64
	}
	NegotiationFailed struct {
		Attempt uint64
		Err     error
	}
	LocalCandidate struct {
		Attempt   uint64
		Candidate models.ICECandidate
	}
	TransportChanged struct {
		Attempt uint64
		State   ConnectionState
	}
	RemoteTrackAdded struct {
		Attempt uint64
		Track   RemoteTrack
	}
)

func (Initiate) isEvent()                 {}
func (Accept) isEvent()                   {}
func (Reject) isEvent()                   {}
func (End) isEvent()                      {}
func (Incoming) isEvent()                 {}
func (RemoteChanged) isEvent()            {}
func (MediaAcquired) isEvent()            {}
func (MediaFailed) isEvent()              {}
func (CallCreated) isEvent()              {}
func (CreateFailed) isEvent()             {}
func (LocalDescriptionReady) isEvent()    {}
func (RemoteDescriptionApplied) isEvent() {}
func (NegotiationFailed) isEvent()        {}
func (LocalCandidate) isEvent()           {}
func (TransportChanged) isEvent()         {}
func (RemoteTrackAdded) isEvent()         {}

// Effects

type Effect interface{ isEffect() }

type (
	AcquireMedia struct {
		Attempt  uint64
		CallType models.CallType
	}
	HoldStream struct {
		Stream LocalStream
	}
	ReleaseStream struct {
		Stream LocalStream
	}
	CreateCall struct {
		Attempt  uint64
		TargetID string
		CallType models.CallType
		ChatID   string
	}
	Subscribe struct {
		Attempt uint64
		CallID  string
	}
	OpenEndpoint struct {
		Attempt uint64
	}
	CreateOffer struct {
		Attempt uint64
	}
	// AcceptOffer applies the remote offer, then creates and sets the answer
	AcceptOffer struct {
		Attempt uint64
		Offer   models.SessionDescription
	}
	ApplyAnswer struct {
		Attempt uint64
		Answer  models.SessionDescription
	}
	AddCandidates struct {
		Candidates []models.ICECandidate
	}
	PublishOffer struct {
		Attempt uint64
		CallID  string
		SDP     models.SessionDescription
	}
	PublishAnswer struct {
		Attempt uint64
		CallID  string
		SDP     models.SessionDescription
	}
	PublishCandidate struct {
		CallID    string
		Candidate models.ICECandidate
	}
	UpdateStatus struct {
		CallID string
		Status models.CallStatus
	}
	DeleteCall struct {
		CallID string
	}
	// Teardown closes the call subscription, the endpoint and the held stream
	Teardown       struct{}
	NotifyStatus   struct{ Phase Phase }
	NotifyIncoming struct {
		Session *models.CallSession
	}
	NotifyRemoteStream struct {
		Track RemoteTrack
	}
	// Resolve completes the InitiateCall or AcceptCall waiting on Attempt
	Resolve struct {
		Attempt uint64
		CallID  string
		Err     error
	}
	// Refuse fails the command that produced it without touching the current call
	Refuse struct {
		Err error
	}
)

func (AcquireMedia) isEffect()       {}
func (HoldStream) isEffect()         {}
func (ReleaseStream) isEffect()      {}
func (CreateCall) isEffect()         {}
func (Subscribe) isEffect()          {}
func (OpenEndpoint) isEffect()       {}
func (CreateOffer) isEffect()        {}
func (AcceptOffer) isEffect()        {}
func (ApplyAnswer) isEffect()        {}
func (AddCandidates) isEffect()      {}
func (PublishOffer) isEffect()       {}
func (PublishAnswer) isEffect()      {}
func (PublishCandidate) isEffect()   {}
func (UpdateStatus) isEffect()       {}
func (DeleteCall) isEffect()         {}
func (Teardown) isEffect()           {}
func (NotifyStatus) isEffect()       {}
func (NotifyIncoming) isEffect()     {}
func (NotifyRemoteStream) isEffect() {}
func (Resolve) isEffect()            {}
func (Refuse) isEffect()             {}

var errBusy = apperr.New(apperr.ErrCodeConflict, "a call is already in progress")

// Transition computes the next state and the effects to run for ev
func Transition(s State, ev Event) (State, []Effect) {
	switch e := ev.(type) {
	case Initiate:
		return s.onInitiate(e)
	case Incoming:
		return s.onIncoming(e)
	case Accept:
		return s.onAccept(e)
	case Reject:
		return s.onReject(e)
	case End:
		if s.Phase == PhaseIdle {
			return s, []Effect{Teardown{}}
		}
		return s.hangUp(models.CallStatusEnded, nil)
	case RemoteChanged:
		if s.stale(e.Attempt) {
			return s, nil
		}
		return s.onRemoteChanged(e.Session)
	case MediaAcquired:
		if s.stale(e.Attempt) || s.MediaReady {
			return s, []Effect{ReleaseStream{Stream: e.Stream}}
		}
		return s.onMediaAcquired(e.Stream)
	case MediaFailed:
		if s.stale(e.Attempt) {
			return s, nil
		}
		return s.onMediaFailed(e.Err)
	case CallCreated:
		if s.stale(e.Attempt) || s.Role != RoleCaller {
			// nobody is waiting for this call any more
			return s, []Effect{
				UpdateStatus{CallID: e.CallID, Status: models.CallStatusEnded},
				DeleteCall{CallID: e.CallID},
			}
		}
		return s.onCallCreated(e.CallID)
	case CreateFailed:
		if s.stale(e.Attempt) {
			return s, nil
		}
		attempt := s.Attempt
		return s.reset(), []Effect{
			Teardown{},
			NotifyStatus{Phase: PhaseIdle},
			Resolve{Attempt: attempt, Err: e.Err},
		}
	case LocalDescriptionReady:
		if s.stale(e.Attempt) {
			return s, nil
		}
		return s.onLocalDescription(e.SDP)
	case RemoteDescriptionApplied:
		if s.stale(e.Attempt) {
			return s, nil
		}
		return s.onRemoteApplied()
	case NegotiationFailed:
		if s.stale(e.Attempt) {
			return s, nil
		}
		return s.hangUp(models.CallStatusEnded, apperr.TransportFailure(e.Err))
	case LocalCandidate:
		if s.stale(e.Attempt) || s.CallID == "" {
			return s, nil
		}
		return s, []Effect{PublishCandidate{CallID: s.CallID, Candidate: e.Candidate}}
	case TransportChanged:
		if s.stale(e.Attempt) {
			return s, nil
		}
		return s.onTransport(e.State)
	case RemoteTrackAdded:
		if s.stale(e.Attempt) {
			return s, nil
		}
		return s, []Effect{NotifyRemoteStream{Track: e.Track}}
	}
	return s, nil
}

func (s State) onInitiate(e Initiate) (State, []Effect) {
	switch {
	case e.TargetID == "":
		return s, []Effect{Refuse{Err: apperr.InvalidRequest("target user is required")}}
	case e.TargetID == s.SelfID:
		return s, []Effect{Refuse{Err: apperr.InvalidRequest("cannot call yourself")}}
	case !e.CallType.Valid():
		return s, []Effect{Refuse{Err: apperr.InvalidRequest("unknown call type %q", e.CallType)}}
	case s.Phase != PhaseIdle:
		return s, []Effect{Refuse{Err: errBusy}}
	}

	next := s.reset()
	next.Attempt++
	next.Phase = PhaseCalling
	next.Role = RoleCaller
	next.PeerID = e.TargetID
	next.CallType = e.CallType
	next.ChatID = e.ChatID
	return next, []Effect{
		NotifyStatus{Phase: PhaseCalling},
		AcquireMedia{Attempt: next.Attempt, CallType: e.CallType},
	}
}

// ring moves an idle machine onto session as the callee
func (s State) ring(session *models.CallSession) (State, []Effect) {
	next := s.reset()
	next.Attempt++
	next.Phase = PhaseRinging
	next.Role = RoleCallee
	next.CallID = session.ID
	next.PeerID = session.CallerID
	next.CallType = session.CallType
	next.ChatID = session.ChatID
	if session.Offer != nil {
		offer := *session.Offer
		next.Offer = &offer
	}
	return next, []Effect{Subscribe{Attempt: next.Attempt, CallID: session.ID}}
}

func (s State) onIncoming(e Incoming) (State, []Effect) {
	session := e.Session
	if session == nil || session.TargetUserID != s.SelfID || session.ID == s.CallID {
		return s, nil
	}

	switch {
	case s.Phase == PhaseIdle:
		next, effects := s.ring(session)
		return next, append(effects, NotifyStatus{Phase: PhaseRinging}, NotifyIncoming{Session: session})

	case s.Phase == PhaseCalling && s.PeerID == session.CallerID:
		// both sides called each other; the smaller user id keeps its call
		if s.SelfID < s.PeerID {
			return s, decline(session.ID)
		}
		var effects []Effect
		if s.CallID != "" {
			effects = append(effects,
				UpdateStatus{CallID: s.CallID, Status: models.CallStatusEnded},
				DeleteCall{CallID: s.CallID})
		}
		effects = append(effects, Teardown{}, Resolve{Attempt: s.Attempt, CallID: s.CallID})
		next, ringEffects := s.ring(session)
		effects = append(effects, ringEffects...)
		return next, append(effects, NotifyStatus{Phase: PhaseRinging}, NotifyIncoming{Session: session})
	}

	// busy
	return s, decline(session.ID)
}

func decline(callID string) []Effect {
	return []Effect{
		UpdateStatus{CallID: callID, Status: models.CallStatusRejected},
		DeleteCall{CallID: callID},
	}
}

func (s State) onAccept(e Accept) (State, []Effect) {
	session := e.Session
	if session == nil || session.ID == "" {
		return s, []Effect{Refuse{Err: apperr.InvalidRequest("call is required")}}
	}
	if session.TargetUserID != s.SelfID {
		return s, []Effect{Refuse{Err: apperr.InvalidRequest("call %s is not addressed to %s", session.ID, s.SelfID)}}
	}

	switch {
	case s.Phase == PhaseRinging && s.CallID == session.ID && !s.AcceptPending:
		return s.answer()
	case s.Phase == PhaseIdle:
		// wait for the first snapshot to tell whether the call still exists
		next, effects := s.ring(session)
		next.AcceptPending = true
		return next, effects
	}
	return s, []Effect{Refuse{Err: errBusy}}
}

func (s State) answer() (State, []Effect) {
	next := s
	next.Phase = PhaseConnecting
	next.AcceptPending = false
	return next, []Effect{
		UpdateStatus{CallID: s.CallID, Status: models.CallStatusAccepted},
		NotifyStatus{Phase: PhaseConnecting},
		AcquireMedia{Attempt: s.Attempt, CallType: s.CallType},
	}
}

func (s State) onReject(e Reject) (State, []Effect) {
	id := e.CallID
	if id == "" {
		id = s.CallID
	}
	if id == "" {
		return s, nil
	}
	if id != s.CallID || s.Phase == PhaseIdle {
		return s, decline(id)
	}
	if s.Phase == PhaseConnected {
		return s.hangUp(models.CallStatusEnded, nil)
	}
	return s.hangUp(models.CallStatusRejected, nil)
}

// hangUp leaves the current call, telling the peer with status
func (s State) hangUp(status models.CallStatus, err error) (State, []Effect) {
	var effects []Effect
	if s.CallID != "" {
		effects = append(effects,
			UpdateStatus{CallID: s.CallID, Status: status},
			DeleteCall{CallID: s.CallID})
	}
	effects = append(effects,
		Teardown{},
		NotifyStatus{Phase: PhaseIdle},
		Resolve{Attempt: s.Attempt, CallID: s.CallID, Err: err})
	return s.reset(), effects
}

// leave tears down after the peer has already left
func (s State) leave() (State, []Effect) {
	return s.reset(), []Effect{
		Teardown{},
		NotifyStatus{Phase: PhaseIdle},
		Resolve{Attempt: s.Attempt, CallID: s.CallID},
	}
}

func (s State) onRemoteChanged(session *models.CallSession) (State, []Effect) {
	if session == nil || session.Status == models.CallStatusRejected || session.Status == models.CallStatusEnded {
		return s.leave()
	}

	next := s
	var effects []Effect

	if next.AcceptPending {
		if session.Status != models.CallStatusRinging {
			return s.leave()
		}
		next, effects = next.answer()
	}

	peer := session.CandidatesFrom(s.PeerID)
	if len(peer) > next.Consumed {
		fresh := append([]models.ICECandidate(nil), peer[next.Consumed:]...)
		next.Consumed = len(peer)
		if next.RemoteApplied {
			effects = append(effects, AddCandidates{Candidates: fresh})
		} else {
			next.Pending = append(append([]models.ICECandidate(nil), next.Pending...), fresh...)
		}
	}

	switch next.Role {
	case RoleCaller:
		if session.Answer != nil && !next.AnswerApplying && next.EndpointOpen {
			next.AnswerApplying = true
			effects = append(effects, ApplyAnswer{Attempt: next.Attempt, Answer: *session.Answer})
		}
	case RoleCallee:
		if next.Offer == nil && session.Offer != nil {
			offer := *session.Offer
			next.Offer = &offer
		}
		next, effects = next.maybeAcceptOffer(effects)
		if session.Status == models.CallStatusConnected && next.Phase == PhaseConnecting {
			next.Phase = PhaseConnected
			effects = append(effects, NotifyStatus{Phase: PhaseConnected})
		}
	}
	return next, effects
}

func (s State) maybeAcceptOffer(effects []Effect) (State, []Effect) {
	if s.Phase != PhaseConnecting || s.Offer == nil || !s.EndpointOpen || s.Negotiating {
		return s, effects
	}
	s.Negotiating = true
	return s, append(effects, AcceptOffer{Attempt: s.Attempt, Offer: *s.Offer})
}

func (s State) onMediaAcquired(stream LocalStream) (State, []Effect) {
	next := s
	next.MediaReady = true
	effects := []Effect{HoldStream{Stream: stream}}

	switch {
	case next.Role == RoleCaller && next.CallID == "":
		effects = append(effects, CreateCall{
			Attempt:  next.Attempt,
			TargetID: next.PeerID,
			CallType: next.CallType,
			ChatID:   next.ChatID,
		})
	case next.Role == RoleCallee && next.Phase == PhaseConnecting:
		next.EndpointOpen = true
		effects = append(effects, OpenEndpoint{Attempt: next.Attempt})
		next, effects = next.maybeAcceptOffer(effects)
	}
	return next, effects
}

func (s State) onMediaFailed(err error) (State, []Effect) {
	cause := apperr.MediaAcquisition(err)
	if s.Role == RoleCallee {
		return s.hangUp(models.CallStatusRejected, cause)
	}
	// the session was never created, so the peer never heard of this call
	attempt := s.Attempt
	return s.reset(), []Effect{
		Teardown{},
		NotifyStatus{Phase: PhaseIdle},
		Resolve{Attempt: attempt, Err: cause},
	}
}

func (s State) onCallCreated(callID string) (State, []Effect) {
	next := s
	next.CallID = callID
	next.EndpointOpen = true
	next.Negotiating = true
	return next, []Effect{
		Subscribe{Attempt: next.Attempt, CallID: callID},
		OpenEndpoint{Attempt: next.Attempt},
		CreateOffer{Attempt: next.Attempt},
		Resolve{Attempt: next.Attempt, CallID: callID},
	}
}

func (s State) onLocalDescription(sdp models.SessionDescription) (State, []Effect) {
	switch s.Role {
	case RoleCaller:
		return s, []Effect{PublishOffer{Attempt: s.Attempt, CallID: s.CallID, SDP: sdp}}
	case RoleCallee:
		return s, []Effect{
			PublishAnswer{Attempt: s.Attempt, CallID: s.CallID, SDP: sdp},
			Resolve{Attempt: s.Attempt, CallID: s.CallID},
		}
	}
	return s, nil
}

func (s State) onRemoteApplied() (State, []Effect) {
	next := s
	next.RemoteApplied = true
	var effects []Effect
	if len(next.Pending) > 0 {
		effects = append(effects, AddCandidates{Candidates: next.Pending})
		next.Pending = nil
	}
	if next.Role == RoleCaller && next.Phase == PhaseCalling {
		next.Phase = PhaseConnected
		effects = append(effects,
			UpdateStatus{CallID: next.CallID, Status: models.CallStatusConnected},
			NotifyStatus{Phase: PhaseConnected})
	}
	return next, effects
}

func (s State) onTransport(state ConnectionState) (State, []Effect) {
	switch state {
	case ConnectionConnected:
		if s.Phase == PhaseConnecting {
			next := s
			next.Phase = PhaseConnected
			return next, []Effect{NotifyStatus{Phase: PhaseConnected}}
		}
	case ConnectionDisconnected:
		// recoverable while ICE is still settling; only an established call ends
		if s.Phase == PhaseConnected {
			return s.hangUp(models.CallStatusEnded, nil)
		}
	case ConnectionFailed:
		if s.Phase == PhaseCalling || s.Phase == PhaseConnecting || s.Phase == PhaseConnected {
			return s.hangUp(models.CallStatusEnded, nil)
		}
	}
	return s, nil
}
