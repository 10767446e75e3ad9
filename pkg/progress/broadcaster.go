package progress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vyvo/studio/backend/pkg/logging"
	"github.com/vyvo/studio/backend/pkg/metrics"
)

// AllInstances subscribes to every instance.
const AllInstances = "*"

const (
	defaultBuffer            = 256
	defaultSnapshotRetention = 5 * time.Minute
	defaultWriteWait         = 10 * time.Second
)

// Subscription is one observer's event stream. The channel is closed when
// the subscription is closed or when the observer fell behind and was
// disconnected.
type Subscription struct {
	key string
	ch  chan Event
	b   *Broadcaster
}

func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() { s.b.remove(s) }

// Broadcaster fans events out to subscribers keyed by instance id. It holds
// no durable state besides the latest progress snapshot per generation.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	latest map[string]GenerationProgress
	buffer int
	// retention is how long a snapshot outlives its generation's completion.
	retention time.Duration
	// writeWait bounds each WebSocket write to a subscriber.
	writeWait time.Duration

	relay   Relay
	origin  string
	logger  logging.Logger
	metrics *metrics.Metrics
}

type Option func(*Broadcaster)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithSnapshotRetention sets how long the latest progress snapshot is kept
// after a generation completes.
func WithSnapshotRetention(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.retention = d
		}
	}
}

// WithWriteTimeout bounds how long a WebSocket write may block on a client
// that stopped reading.
func WithWriteTimeout(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.writeWait = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

// WithRelay forwards every published event to other processes through r.
func WithRelay(r Relay) Option {
	return func(b *Broadcaster) { b.relay = r }
}

func NewBroadcaster(logger logging.Logger, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subs:      make(map[string]map[*Subscription]struct{}),
		latest:    make(map[string]GenerationProgress),
		buffer:    defaultBuffer,
		retention: defaultSnapshotRetention,
		writeWait: defaultWriteWait,
		origin:    uuid.NewString(),
		logger:    logging.Ensure(logger),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe attaches an observer to one instance id, or AllInstances.
// Only events published after this call are delivered.
func (b *Broadcaster) Subscribe(instanceID string) *Subscription {
	sub := &Subscription{key: instanceID, ch: make(chan Event, b.buffer), b: b}
	b.mu.Lock()
	set, ok := b.subs[instanceID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[instanceID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	b.metrics.SubscriberAdded()
	return sub
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	removed := b.detachLocked(sub)
	b.mu.Unlock()
	if removed {
		b.metrics.SubscriberRemoved()
	}
}

// detachLocked must be called with b.mu held.
func (b *Broadcaster) detachLocked(sub *Subscription) bool {
	set, ok := b.subs[sub.key]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.key)
	}
	close(sub.ch)
	return true
}

// Subscribers returns the number of observers attached to the instance id.
func (b *Broadcaster) Subscribers(instanceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[instanceID])
}

// Publish delivers ev to local subscribers and, when a relay is attached, to
// other processes.
func (b *Broadcaster) Publish(ev Event) {
	b.deliver(ev)
	if b.relay == nil {
		return
	}
	payload, err := marshalWithOrigin(ev, b.origin)
	if err != nil {
		b.logger.Error("encode progress event for relay", "type", ev.EventKind(), "error", err)
		return
	}
	if err := b.relay.Publish(context.Background(), payload); err != nil {
		b.logger.Warn("relay progress event", "type", ev.EventKind(), "instanceID", ev.Instance(), "error", err)
	}
}

// deliver sends under the lock so events for one instance reach every
// subscriber in publish order. Subscribers whose buffer is full are
// disconnected rather than silently skipped.
func (b *Broadcaster) deliver(ev Event) {
	var dropped int
	b.mu.Lock()
	switch e := ev.(type) {
	case GenerationProgress:
		b.latest[e.GenerationID] = e
	case GenerationCompleted:
		id := e.GenerationID
		time.AfterFunc(b.retention, func() { b.Forget(id) })
	}
	for _, key := range []string{ev.Instance(), AllInstances} {
		for sub := range b.subs[key] {
			select {
			case sub.ch <- ev:
			default:
				b.detachLocked(sub)
				dropped++
			}
		}
	}
	b.mu.Unlock()
	for i := 0; i < dropped; i++ {
		b.metrics.SubscriberRemoved()
	}
	if dropped > 0 {
		b.logger.Warn("disconnected slow progress subscribers", "instanceID", ev.Instance(), "count", dropped)
	}
}

// Latest returns the most recent progress snapshot for a generation.
func (b *Broadcaster) Latest(generationID string) (GenerationProgress, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.latest[generationID]
	return p, ok
}

// Forget drops the cached snapshot for a generation.
func (b *Broadcaster) Forget(generationID string) {
	b.mu.Lock()
	delete(b.latest, generationID)
	b.mu.Unlock()
}

// ListenRelay consumes events published by other processes until ctx is done.
// Events that originated here are skipped.
func (b *Broadcaster) ListenRelay(ctx context.Context) error {
	if b.relay == nil {
		return nil
	}
	return b.relay.Subscribe(ctx, func(payload []byte) {
		ev, origin, err := unmarshalWithOrigin(payload)
		if err != nil {
			b.logger.Warn("discarding relayed progress event", "error", err)
			return
		}
		if origin == b.origin {
			return
		}
		b.deliver(ev)
	})
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	var n int
	for _, set := range b.subs {
		for sub := range set {
			b.detachLocked(sub)
			n++
		}
	}
	b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.metrics.SubscriberRemoved()
	}
}
