// Package echo runs a server-side participant that answers every call
// addressed to it and sends the caller's media straight back.
package echo

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/models"
)

const DefaultMaxCallDuration = 5 * time.Minute

type Option func(*Participant)

// WithMaxCallDuration hangs up connected calls after d
func WithMaxCallDuration(d time.Duration) Option {
	return func(p *Participant) { p.maxDuration = d }
}

// Participant wraps a call.Machine that auto-accepts incoming calls
type Participant struct {
	userID      string
	machine     *call.Machine
	log         *zap.Logger
	maxDuration time.Duration

	ctx context.Context

	mu    sync.Mutex
	timer *time.Timer
}

func New(userID string, sig call.Signaling, source call.MediaSource, endpoints call.EndpointFactory, log *zap.Logger, opts ...Option) *Participant {
	p := &Participant{
		userID:      userID,
		log:         log.With(zap.String("echo_user", userID)),
		maxDuration: DefaultMaxCallDuration,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.machine = call.NewMachine(userID, sig, source, endpoints, log,
		call.WithIncomingSubscription(),
		call.OnIncomingCall(p.answer),
		call.OnStatusChange(p.phaseChanged),
		call.OnRemoteStream(func(track call.RemoteTrack) {
			p.log.Debug("Echoing remote track", zap.String("kind", string(track.Kind)))
		}),
	)
	return p
}

// Start listens for calls until ctx ends or Close is called
func (p *Participant) Start(ctx context.Context) {
	p.ctx = ctx
	p.machine.Start(ctx)
	p.log.Info("Echo participant ready")
}

func (p *Participant) Close() {
	p.stopTimer()
	p.machine.Close()
}

// State is the machine's current state
func (p *Participant) State() call.State {
	return p.machine.State()
}

// answer runs on the machine's callback goroutine, so the blocking accept
// is moved off it.
func (p *Participant) answer(session *models.CallSession) {
	p.log.Info("Answering call", zap.String("call_id", session.ID), zap.String("caller_id", session.CallerID))
	go func() {
		if err := p.machine.AcceptCall(p.ctx, session); err != nil {
			p.log.Warn("Failed to answer call", zap.String("call_id", session.ID), zap.Error(err))
		}
	}()
}

func (p *Participant) phaseChanged(phase call.Phase) {
	switch phase {
	case call.PhaseConnected:
		p.mu.Lock()
		if p.timer == nil {
			p.timer = time.AfterFunc(p.maxDuration, p.hangUp)
		}
		p.mu.Unlock()
	case call.PhaseIdle:
		p.stopTimer()
	}
}

func (p *Participant) hangUp() {
	p.log.Info("Call reached its maximum duration")
	if err := p.machine.EndCall(p.ctx); err != nil {
		p.log.Warn("Failed to end call", zap.Error(err))
	}
}

func (p *Participant) stopTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
