package models

import "time"

// CallType is the media kind requested by the caller
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus is the signaling-level status shared by both participants
type CallStatus string

const (
	CallStatusRinging   CallStatus = "ringing"
	CallStatusAccepted  CallStatus = "accepted"
	CallStatusConnected CallStatus = "connected"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusEnded     CallStatus = "ended"
)

var statusTransitions = map[CallStatus][]CallStatus{
	CallStatusRinging:   {CallStatusAccepted, CallStatusRejected, CallStatusEnded},
	CallStatusAccepted:  {CallStatusConnected, CallStatusEnded, CallStatusRejected},
	CallStatusConnected: {CallStatusEnded},
}

// Valid reports whether s is a known status
func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusRinging, CallStatusAccepted, CallStatusConnected, CallStatusRejected, CallStatusEnded:
		return true
	}
	return false
}

// Terminal reports whether no further status change is possible
func (s CallStatus) Terminal() bool {
	return s == CallStatusRejected || s == CallStatusEnded
}

// CanTransition reports whether a session may move from s to next.
// Re-applying the current status is allowed and treated as a no-op by callers.
func (s CallStatus) CanTransition(next CallStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SessionDescription is an opaque offer or answer produced by a media endpoint
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is an opaque connectivity candidate, in the JSON shape browsers emit
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CallSession is the authoritative record of one attempted call
type CallSession struct {
	ID            string                    `json:"id"`
	CallerID      string                    `json:"callerId"`
	TargetUserID  string                    `json:"targetUserId"`
	CallType      CallType                  `json:"callType"`
	ChatID        string                    `json:"chatId,omitempty"`
	Status        CallStatus                `json:"status"`
	Offer         *SessionDescription       `json:"offer,omitempty"`
	Answer        *SessionDescription       `json:"answer,omitempty"`
	ICECandidates map[string][]ICECandidate `json:"iceCandidates"`
	CreatedAt     time.Time                 `json:"createdAt"`
	UpdatedAt     time.Time                 `json:"updatedAt"`
}

// IsParticipant reports whether userID is the caller or the callee
func (s *CallSession) IsParticipant(userID string) bool {
	return userID != "" && (userID == s.CallerID || userID == s.TargetUserID)
}

// PeerOf returns the other participant, or "" if userID is not part of the call
func (s *CallSession) PeerOf(userID string) string {
	switch userID {
	case s.CallerID:
		return s.TargetUserID
	case s.TargetUserID:
		return s.CallerID
	}
	return ""
}

// CandidatesFrom returns the candidates published by participantID
func (s *CallSession) CandidatesFrom(participantID string) []ICECandidate {
	return s.ICECandidates[participantID]
}

// Clone returns a deep copy so snapshots never alias stored state
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.Offer != nil {
		offer := *s.Offer
		out.Offer = &offer
	}
	if s.Answer != nil {
		answer := *s.Answer
		out.Answer = &answer
	}
	out.ICECandidates = make(map[string][]ICECandidate, len(s.ICECandidates))
	for participant, candidates := range s.ICECandidates {
		out.ICECandidates[participant] = append([]ICECandidate(nil), candidates...)
	}
	return &out
}
