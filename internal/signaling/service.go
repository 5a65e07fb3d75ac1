// Package signaling is the rendezvous API two participants use to set up a call.
package signaling

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mossy-p/call-signaling/internal/bus"
	"github.com/mossy-p/call-signaling/internal/metrics"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/store"
)

const (
	DefaultRingTimeout     = 45 * time.Second
	DefaultMaxSessionAge   = 4 * time.Hour
	DefaultJanitorInterval = 10 * time.Second
)

// Service combines the session store with the notification bus: every
// successful mutation is followed by a publish of the call's new snapshot.
type Service struct {
	store store.Store
	bus   *bus.Bus
	log   *zap.Logger
	obs   metrics.Observer
	now   func() time.Time

	ringTimeout     time.Duration
	maxSessionAge   time.Duration
	janitorInterval time.Duration
}

// Option configures a Service
type Option func(*Service)

// WithMetrics reports call counters to obs
func WithMetrics(obs metrics.Observer) Option {
	return func(s *Service) {
		if obs != nil {
			s.obs = obs
		}
	}
}

// WithRingTimeout sets how long a call may ring before the janitor rejects it
func WithRingTimeout(d time.Duration) Option {
	return func(s *Service) { s.ringTimeout = d }
}

// WithMaxSessionAge sets the age after which any session is ended and removed
func WithMaxSessionAge(d time.Duration) Option {
	return func(s *Service) { s.maxSessionAge = d }
}

// WithJanitorInterval sets how often RunJanitor sweeps
func WithJanitorInterval(d time.Duration) Option {
	return func(s *Service) { s.janitorInterval = d }
}

// WithClock replaces time.Now for the janitor
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the signaling service
func NewService(st store.Store, b *bus.Bus, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:           st,
		bus:             b,
		log:             log,
		obs:             metrics.Nop{},
		now:             time.Now,
		ringTimeout:     DefaultRingTimeout,
		maxSessionAge:   DefaultMaxSessionAge,
		janitorInterval: DefaultJanitorInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateCall stores a new ringing session and announces it to the target
func (s *Service) CreateCall(ctx context.Context, callerID, targetUserID string, callType models.CallType, chatID string) (string, error) {
	session, err := s.store.Create(ctx, callerID, targetUserID, callType, chatID)
	if err != nil {
		return "", err
	}

	s.log.Info("Call created",
		zap.String("call_id", session.ID),
		zap.String("user_id", callerID),
		zap.String("target_user_id", targetUserID),
		zap.String("call_type", string(callType)))
	s.obs.RecordCallCreated(string(callType))

	s.bus.PublishIncoming(session)
	s.bus.Publish(ctx, session.ID)
	return session.ID, nil
}

// GetCall returns the session, or nil when it does not exist
func (s *Service) GetCall(ctx context.Context, id string) (*models.CallSession, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) UpdateStatus(ctx context.Context, id string, status models.CallStatus) error {
	if err := s.store.SetStatus(ctx, id, status); err != nil {
		s.log.Debug("Status update refused", zap.String("call_id", id), zap.String("status", string(status)), zap.Error(err))
		return err
	}
	s.log.Debug("Call status updated", zap.String("call_id", id), zap.String("status", string(status)))
	s.obs.RecordStatus(string(status))
	s.bus.Publish(ctx, id)
	return nil
}

func (s *Service) SetOffer(ctx context.Context, id string, sdp models.SessionDescription) error {
	if err := s.store.SetOffer(ctx, id, sdp); err != nil {
		return err
	}
	s.log.Debug("Offer stored", zap.String("call_id", id))
	s.bus.Publish(ctx, id)
	return nil
}

func (s *Service) SetAnswer(ctx context.Context, id string, sdp models.SessionDescription) error {
	if err := s.store.SetAnswer(ctx, id, sdp); err != nil {
		return err
	}
	s.log.Debug("Answer stored", zap.String("call_id", id))
	s.bus.Publish(ctx, id)
	return nil
}

// AddICECandidate appends a candidate under participantID
func (s *Service) AddICECandidate(ctx context.Context, id, participantID string, candidate models.ICECandidate) error {
	if err := s.store.AppendICECandidate(ctx, id, participantID, candidate); err != nil {
		return err
	}
	s.log.Debug("ICE candidate stored", zap.String("call_id", id), zap.String("user_id", participantID))
	s.bus.Publish(ctx, id)
	return nil
}

// DeleteCall removes the session; subscribers observe it as absent
func (s *Service) DeleteCall(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("Call deleted", zap.String("call_id", id))
	s.bus.Publish(ctx, id)
	return nil
}

// SubscribeCall observes a call. fn first receives the current snapshot.
func (s *Service) SubscribeCall(ctx context.Context, id string, fn bus.CallListener) *bus.Subscription {
	return s.bus.SubscribeCall(ctx, id, fn)
}

// SubscribeIncoming observes calls created for userID
func (s *Service) SubscribeIncoming(userID string, fn bus.IncomingListener) *bus.Subscription {
	return s.bus.SubscribeIncoming(userID, fn)
}
