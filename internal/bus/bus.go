// Package bus fans call session changes out to interested listeners.
//
// Every subscription owns a mailbox goroutine, so listeners never run under
// bus locks and may call back into the signaling service. For a given call id,
// a subscriber observes snapshots in the order the store applied them.
package bus

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/mossy-p/call-signaling/internal/metrics"
	"github.com/mossy-p/call-signaling/internal/models"
)

const (
	kindCall     = "call"
	kindIncoming = "incoming"

	publishStripes = 64
)

// Snapshot is the state of one call at publish time; Session is nil once the call is gone
type Snapshot struct {
	CallID  string
	Session *models.CallSession
}

// Absent reports whether the call no longer exists
func (s Snapshot) Absent() bool {
	return s.Session == nil
}

// CallListener receives call snapshots
type CallListener func(Snapshot)

// IncomingListener receives newly created calls targeting a user
type IncomingListener func(*models.CallSession)

// SnapshotSource is where the bus reads the current state of a call
type SnapshotSource interface {
	Get(ctx context.Context, id string) (*models.CallSession, error)
}

// Bus holds the per-call and per-user subscription registries
type Bus struct {
	src SnapshotSource
	log *zap.Logger
	obs metrics.Observer

	mu       sync.RWMutex
	calls    map[string]map[*Subscription]struct{}
	incoming map[string]map[*Subscription]struct{}
	closed   bool

	// serialises snapshot reads and enqueues per call id
	stripes [publishStripes]sync.Mutex
}

// Option configures a Bus
type Option func(*Bus)

// WithObserver reports subscription and delivery counts
func WithObserver(obs metrics.Observer) Option {
	return func(b *Bus) {
		if obs != nil {
			b.obs = obs
		}
	}
}

// New creates a bus reading snapshots from src
func New(src SnapshotSource, log *zap.Logger, opts ...Option) *Bus {
	b := &Bus{
		src:      src,
		log:      log,
		obs:      metrics.Nop{},
		calls:    make(map[string]map[*Subscription]struct{}),
		incoming: make(map[string]map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is a handle on a registered listener. Close it on teardown.
type Subscription struct {
	bus  *Bus
	kind string
	key  string
	mb   *Mailbox
	once sync.Once

	onCall     CallListener
	onIncoming IncomingListener
}

// Close unregisters the listener and discards deliveries not yet run.
// Safe to call more than once and from inside the listener.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		s.mb.Stop()
		s.bus.obs.SubscriptionClosed(s.kind)
	})
}

func (b *Bus) stripe(callID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(callID))
	return &b.stripes[h.Sum32()%publishStripes]
}

// SubscribeCall registers fn for every change of callID. fn is called once
// right away with the current snapshot, which is absent if the call does not exist.
func (b *Bus) SubscribeCall(ctx context.Context, callID string, fn CallListener) *Subscription {
	sub := b.newSubscription(kindCall, callID)
	sub.onCall = fn

	lock := b.stripe(callID)
	lock.Lock()
	defer lock.Unlock()

	if !b.add(b.calls, sub) {
		sub.once.Do(sub.mb.Stop)
		return sub
	}

	snapshot, err := b.snapshot(ctx, callID)
	if err != nil {
		b.log.Warn("failed to read call for new subscriber", zap.String("call_id", callID), zap.Error(err))
		return sub
	}
	b.deliver(sub, snapshot)
	return sub
}

// SubscribeIncoming registers fn for calls created with targetUserId == userID
func (b *Bus) SubscribeIncoming(userID string, fn IncomingListener) *Subscription {
	sub := b.newSubscription(kindIncoming, userID)
	sub.onIncoming = fn
	if !b.add(b.incoming, sub) {
		sub.once.Do(sub.mb.Stop)
	}
	return sub
}

// Publish re-broadcasts the current snapshot of callID to its subscribers
func (b *Bus) Publish(ctx context.Context, callID string) {
	lock := b.stripe(callID)
	lock.Lock()
	defer lock.Unlock()

	subs := b.members(b.calls, callID)
	if len(subs) == 0 {
		return
	}

	snapshot, err := b.snapshot(ctx, callID)
	if err != nil {
		b.log.Warn("failed to read call for publish", zap.String("call_id", callID), zap.Error(err))
		return
	}
	for _, sub := range subs {
		b.deliver(sub, snapshot)
	}
}

// PublishIncoming announces a new call to the target's incoming listeners
func (b *Bus) PublishIncoming(session *models.CallSession) {
	if session == nil {
		return
	}
	for _, sub := range b.members(b.incoming, session.TargetUserID) {
		fn := sub.onIncoming
		copied := session.Clone()
		sub.mb.Push(func() {
			b.obs.RecordDelivery(kindIncoming)
			fn(copied)
		})
	}
}

// Close closes every subscription; later subscriptions are closed on arrival
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	var subs []*Subscription
	for _, registry := range []map[string]map[*Subscription]struct{}{b.calls, b.incoming} {
		for _, set := range registry {
			for sub := range set {
				subs = append(subs, sub)
			}
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// Subscribers returns the number of call subscribers for callID
func (b *Bus) Subscribers(callID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.calls[callID])
}

func (b *Bus) newSubscription(kind, key string) *Subscription {
	return &Subscription{bus: b, kind: kind, key: key, mb: NewMailbox(b.log)}
}

func (b *Bus) snapshot(ctx context.Context, callID string) (Snapshot, error) {
	session, err := b.src.Get(ctx, callID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{CallID: callID, Session: session}, nil
}

func (b *Bus) deliver(sub *Subscription, snapshot Snapshot) {
	fn := sub.onCall
	copied := Snapshot{CallID: snapshot.CallID, Session: snapshot.Session.Clone()}
	sub.mb.Push(func() {
		b.obs.RecordDelivery(kindCall)
		fn(copied)
	})
}

func (b *Bus) add(registry map[string]map[*Subscription]struct{}, sub *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	set, ok := registry[sub.key]
	if !ok {
		set = make(map[*Subscription]struct{})
		registry[sub.key] = set
	}
	set[sub] = struct{}{}
	b.obs.SubscriptionOpened(sub.kind)
	return true
}

func (b *Bus) remove(sub *Subscription) {
	registry := b.calls
	if sub.kind == kindIncoming {
		registry = b.incoming
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := registry[sub.key]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(registry, sub.key)
	}
}

func (b *Bus) members(registry map[string]map[*Subscription]struct{}, key string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set := registry[key]
	out := make([]*Subscription, 0, len(set))
	for sub := range set {
		out = append(out, sub)
	}
	return out
}
