// Package store holds the authoritative call session records.
//
// Mutations on an id that no longer exists are silent no-ops: by the time a
// peer's message arrives the other side may already have ended the call.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/call-signaling/internal/apperr"
	"github.com/mossy-p/call-signaling/internal/models"
)

// Store is the session store contract shared by the memory and Redis backends
type Store interface {
	Create(ctx context.Context, callerID, targetUserID string, callType models.CallType, chatID string) (*models.CallSession, error)
	// Get returns (nil, nil) when the session does not exist
	Get(ctx context.Context, id string) (*models.CallSession, error)
	SetStatus(ctx context.Context, id string, status models.CallStatus) error
	SetOffer(ctx context.Context, id string, sdp models.SessionDescription) error
	SetAnswer(ctx context.Context, id string, sdp models.SessionDescription) error
	AppendICECandidate(ctx context.Context, id, participantID string, candidate models.ICECandidate) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*models.CallSession, error)
}

// ValidateCreate checks the arguments of Create
func ValidateCreate(callerID, targetUserID string, callType models.CallType) error {
	if callerID == "" || targetUserID == "" {
		return apperr.InvalidRequest("caller and target are required")
	}
	if callerID == targetUserID {
		return apperr.InvalidRequest("user %s cannot call themselves", callerID)
	}
	if !callType.Valid() {
		return apperr.InvalidRequest("unknown call type %q", callType)
	}
	return nil
}

func newSession(callerID, targetUserID string, callType models.CallType, chatID string, now time.Time) *models.CallSession {
	return &models.CallSession{
		ID:            uuid.New().String(),
		CallerID:      callerID,
		TargetUserID:  targetUserID,
		CallType:      callType,
		ChatID:        chatID,
		Status:        models.CallStatusRinging,
		ICECandidates: make(map[string][]models.ICECandidate),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// mutation edits a session in place; returning errNoChange skips the write
type mutation func(s *models.CallSession) error

var errNoChange = errors.New("no change")

func statusMutation(status models.CallStatus) mutation {
	return func(s *models.CallSession) error {
		if !status.Valid() {
			return apperr.InvalidRequest("unknown status %q", status)
		}
		if s.Status == status {
			return errNoChange
		}
		if !s.Status.CanTransition(status) {
			return apperr.IllegalTransition(string(s.Status), string(status))
		}
		s.Status = status
		return nil
	}
}

func offerMutation(sdp models.SessionDescription) mutation {
	return func(s *models.CallSession) error {
		if s.Offer != nil {
			return apperr.AlreadySet("offer")
		}
		s.Offer = &sdp
		return nil
	}
}

func answerMutation(sdp models.SessionDescription) mutation {
	return func(s *models.CallSession) error {
		if s.Answer != nil {
			return apperr.AlreadySet("answer")
		}
		s.Answer = &sdp
		return nil
	}
}

func candidateMutation(participantID string, candidate models.ICECandidate) mutation {
	return func(s *models.CallSession) error {
		if !s.IsParticipant(participantID) {
			return apperr.InvalidRequest("%s is not a participant of call %s", participantID, s.ID)
		}
		if s.ICECandidates == nil {
			s.ICECandidates = make(map[string][]models.ICECandidate)
		}
		s.ICECandidates[participantID] = append(s.ICECandidates[participantID], candidate)
		return nil
	}
}
