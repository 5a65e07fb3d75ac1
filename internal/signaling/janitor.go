package signaling

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mossy-p/call-signaling/internal/models"
)

const (
	expiredRingTimeout = "ring_timeout"
	expiredMaxAge      = "max_age"
	expiredTerminal    = "terminal"
)

// ExpireStale reclaims sessions nobody will finish:
//   - ringing longer than the ring timeout: rejected, then deleted
//   - rejected or ended but never deleted, for longer than the ring timeout: deleted
//   - older than the max session age: ended, then deleted
//
// It returns how many sessions were removed.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	sessions, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, session := range sessions {
		reason := s.expiryReason(session, now)
		if reason == "" {
			continue
		}

		switch reason {
		case expiredRingTimeout:
			if err := s.UpdateStatus(ctx, session.ID, models.CallStatusRejected); err != nil {
				s.log.Warn("Failed to reject unanswered call", zap.String("call_id", session.ID), zap.Error(err))
			}
		case expiredMaxAge:
			if !session.Status.Terminal() {
				if err := s.UpdateStatus(ctx, session.ID, models.CallStatusEnded); err != nil {
					s.log.Warn("Failed to end expired call", zap.String("call_id", session.ID), zap.Error(err))
				}
			}
		}

		if err := s.DeleteCall(ctx, session.ID); err != nil {
			return removed, err
		}
		removed++
		s.obs.RecordExpired(reason)
		s.log.Info("Call expired",
			zap.String("call_id", session.ID),
			zap.String("reason", reason),
			zap.Duration("age", now.Sub(session.CreatedAt)))
	}

	s.obs.SetActiveCalls(len(sessions) - removed)
	return removed, nil
}

func (s *Service) expiryReason(session *models.CallSession, now time.Time) string {
	switch {
	case now.Sub(session.CreatedAt) >= s.maxSessionAge:
		return expiredMaxAge
	case session.Status == models.CallStatusRinging && now.Sub(session.CreatedAt) >= s.ringTimeout:
		return expiredRingTimeout
	case session.Status.Terminal() && now.Sub(session.UpdatedAt) >= s.ringTimeout:
		return expiredTerminal
	}
	return ""
}

// RunJanitor calls ExpireStale periodically until ctx is cancelled
func (s *Service) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()

	s.log.Info("Call janitor started",
		zap.Duration("interval", s.janitorInterval),
		zap.Duration("ring_timeout", s.ringTimeout),
		zap.Duration("max_session_age", s.maxSessionAge))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireStale(ctx, s.now()); err != nil {
				s.log.Error("Janitor sweep failed", zap.Error(err))
			}
		}
	}
}
