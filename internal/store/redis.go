package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mossy-p/call-signaling/internal/models"
)

const (
	callKeyPrefix = "call:"
	callIndexKey  = "calls:index"

	// bounds for the jittered wait between conflicting transactions
	minTxBackoff = time.Millisecond
	maxTxBackoff = 50 * time.Millisecond
)

// Redis stores sessions as JSON documents under call:<id>.
// Each mutation is an optimistic WATCH/MULTI transaction on that key, retried
// until it commits or ctx ends. The key TTL bounds how long an abandoned
// session can survive.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
	now    func() time.Time
}

// NewRedis creates a Redis-backed store; ttl is applied when a session is created
func NewRedis(client *redis.Client, ttl time.Duration, log *zap.Logger) *Redis {
	return &Redis{client: client, ttl: ttl, log: log, now: time.Now}
}

func callKey(id string) string {
	return callKeyPrefix + id
}

func (r *Redis) Create(ctx context.Context, callerID, targetUserID string, callType models.CallType, chatID string) (*models.CallSession, error) {
	if err := ValidateCreate(callerID, targetUserID, callType); err != nil {
		return nil, err
	}

	session := newSession(callerID, targetUserID, callType, chatID, r.now())
	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to encode call: %w", err)
	}

	// the document and its index entry are written together; SetNX guards
	// against the (theoretical) reuse of an id
	var created *redis.BoolCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, callKey(session.ID), data, r.ttl)
		pipe.SAdd(ctx, callIndexKey, session.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store call: %w", err)
	}
	if !created.Val() {
		return nil, fmt.Errorf("call id %s already in use", session.ID)
	}
	return session, nil
}

func (r *Redis) Get(ctx context.Context, id string) (*models.CallSession, error) {
	data, err := r.client.Get(ctx, callKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load call: %w", err)
	}
	return decodeSession(data)
}

func (r *Redis) SetStatus(ctx context.Context, id string, status models.CallStatus) error {
	return r.update(ctx, id, statusMutation(status))
}

func (r *Redis) SetOffer(ctx context.Context, id string, sdp models.SessionDescription) error {
	return r.update(ctx, id, offerMutation(sdp))
}

func (r *Redis) SetAnswer(ctx context.Context, id string, sdp models.SessionDescription) error {
	return r.update(ctx, id, answerMutation(sdp))
}

func (r *Redis) AppendICECandidate(ctx context.Context, id, participantID string, candidate models.ICECandidate) error {
	return r.update(ctx, id, candidateMutation(participantID, candidate))
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, callKey(id))
		pipe.SRem(ctx, callIndexKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete call: %w", err)
	}
	return nil
}

// List returns every live session; index entries whose key expired are pruned
func (r *Redis) List(ctx context.Context) ([]*models.CallSession, error) {
	ids, err := r.client.SMembers(ctx, callIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = callKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load calls: %w", err)
	}

	var (
		out   []*models.CallSession
		stale []any
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		session, err := decodeSession([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	if len(stale) > 0 {
		if err := r.client.SRem(ctx, callIndexKey, stale...).Err(); err != nil {
			r.log.Warn("Failed to prune call index", zap.Int("stale", len(stale)), zap.Error(err))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Redis) update(ctx context.Context, id string, fn mutation) error {
	key := callKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		session, err := decodeSession(data)
		if err != nil {
			return err
		}
		if err := fn(session); err != nil {
			return err
		}
		session.UpdatedAt = r.now()
		next, err := json.Marshal(session)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, redis.KeepTTL)
			return nil
		})
		return err
	}

	for attempt := 0; ; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, errNoChange) {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}

		wait := txBackoff(attempt)
		select {
		case <-ctx.Done():
			return fmt.Errorf("call %s: %w", id, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// txBackoff doubles from minTxBackoff up to maxTxBackoff with full jitter
func txBackoff(attempt int) time.Duration {
	ceiling := maxTxBackoff
	if attempt < 6 {
		ceiling = min(minTxBackoff<<attempt, maxTxBackoff)
	}
	return minTxBackoff + rand.N(ceiling)
}

func decodeSession(data []byte) (*models.CallSession, error) {
	var session models.CallSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode call: %w", err)
	}
	if session.ICECandidates == nil {
		session.ICECandidates = make(map[string][]models.ICECandidate)
	}
	return &session, nil
}
