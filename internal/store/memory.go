package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/call-signaling/internal/models"
)

// Memory is the in-process session store
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*models.CallSession
	now      func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*models.CallSession),
		now:      time.Now,
	}
}

// WithClock replaces the time source used for timestamps
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Create(_ context.Context, callerID, targetUserID string, callType models.CallType, chatID string) (*models.CallSession, error) {
	if err := ValidateCreate(callerID, targetUserID, callType); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session := newSession(callerID, targetUserID, callType, chatID, m.now())
	m.sessions[session.ID] = session
	return session.Clone(), nil
}

func (m *Memory) Get(_ context.Context, id string) (*models.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id].Clone(), nil
}

func (m *Memory) SetStatus(_ context.Context, id string, status models.CallStatus) error {
	return m.update(id, statusMutation(status))
}

func (m *Memory) SetOffer(_ context.Context, id string, sdp models.SessionDescription) error {
	return m.update(id, offerMutation(sdp))
}

func (m *Memory) SetAnswer(_ context.Context, id string, sdp models.SessionDescription) error {
	return m.update(id, answerMutation(sdp))
}

func (m *Memory) AppendICECandidate(_ context.Context, id, participantID string, candidate models.ICECandidate) error {
	return m.update(id, candidateMutation(participantID, candidate))
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// List returns every session ordered by creation time
func (m *Memory) List(_ context.Context) ([]*models.CallSession, error) {
	m.mu.Lock()
	out := make([]*models.CallSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// update applies fn to a copy and swaps it in only if fn succeeds
func (m *Memory) update(id string, fn mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[id]
	if !ok {
		return nil
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}
	next.UpdatedAt = m.now()
	m.sessions[id] = next
	return nil
}
