package relay

import (
	"log/slog"
	"sync"

	"github.com/channelrelay/channelrelay/pkg/types"
)

// Sink receives envelopes published to the group it has joined.
// Deliver must not block on network I/O; an error marks the sink as dead.
type Sink interface {
	Deliver(env types.Envelope) error
}

// group is one room's membership set. dead is set once the group has been
// emptied and is about to be dropped from the registry; a Join that observes
// it must retry against a fresh group.
type group struct {
	mu      sync.Mutex
	members map[Sink]struct{}
	dead    bool
}

// Broadcaster maintains room group key -> members and fans out envelopes.
//
// Broadcaster is safe for concurrent use. The registry lock is held only to
// look up, create or drop a group; membership changes and publish snapshots
// take the group's own lock.
type Broadcaster struct {
	rec Recorder

	mu     sync.RWMutex
	groups map[string]*group
}

// NewBroadcaster creates an empty registry. rec may be nil.
func NewBroadcaster(rec Recorder) *Broadcaster {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Broadcaster{
		rec:    rec,
		groups: make(map[string]*group),
	}
}

// Join registers sink under key. Joining twice is a no-op.
func (b *Broadcaster) Join(key string, sink Sink) {
	for {
		g := b.groupFor(key)

		g.mu.Lock()
		if g.dead {
			g.mu.Unlock()
			b.drop(key, g)
			continue
		}
		g.members[sink] = struct{}{}
		n := len(g.members)
		g.mu.Unlock()

		slog.Debug("relay: joined group", "group", key, "members", n)
		return
	}
}

// Leave removes sink from key. It is a no-op if the sink is not a member,
// so disconnect cleanup may run after a failed or partial connect.
func (b *Broadcaster) Leave(key string, sink Sink) {
	b.mu.RLock()
	g := b.groups[key]
	b.mu.RUnlock()
	if g == nil {
		return
	}

	g.mu.Lock()
	if _, ok := g.members[sink]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.members, sink)
	empty := len(g.members) == 0
	if empty {
		g.dead = true
	}
	g.mu.Unlock()

	if empty {
		b.drop(key, g)
	}
	slog.Debug("relay: left group", "group", key, "group_dropped", empty)
}

// Publish delivers env to every sink registered under key when the call
// starts, including the publisher itself if it is a member. A failed delivery
// removes that sink and does not affect the others. It returns the number of
// successful deliveries.
func (b *Broadcaster) Publish(key string, env types.Envelope) int {
	b.mu.RLock()
	g := b.groups[key]
	b.mu.RUnlock()
	if g == nil {
		return 0
	}

	g.mu.Lock()
	targets := make([]Sink, 0, len(g.members))
	for s := range g.members {
		targets = append(targets, s)
	}
	g.mu.Unlock()

	delivered := 0
	for _, s := range targets {
		if err := s.Deliver(env); err != nil {
			slog.Warn("relay: delivery failed, removing sink", "group", key, "err", err)
			b.rec.Inc(MetricDeliveryFailures, 1)
			b.Leave(key, s)
			continue
		}
		delivered++
	}
	b.rec.Inc(MetricDeliveries, delivered)
	return delivered
}

// Groups returns the number of non-empty groups.
func (b *Broadcaster) Groups() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.groups)
}

// Members returns the number of sinks currently joined to key.
func (b *Broadcaster) Members(key string) int {
	b.mu.RLock()
	g := b.groups[key]
	b.mu.RUnlock()
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Close empties the registry and returns every sink that was still joined,
// so the caller can tear down their transports.
func (b *Broadcaster) Close() []Sink {
	b.mu.Lock()
	groups := b.groups
	b.groups = make(map[string]*group)
	b.mu.Unlock()

	var out []Sink
	for _, g := range groups {
		g.mu.Lock()
		for s := range g.members {
			out = append(out, s)
		}
		g.members = make(map[Sink]struct{})
		g.dead = true
		g.mu.Unlock()
	}
	return out
}

// groupFor returns the live group for key, creating it if needed.
func (b *Broadcaster) groupFor(key string) *group {
	b.mu.RLock()
	g := b.groups[key]
	b.mu.RUnlock()
	if g != nil {
		return g
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if g = b.groups[key]; g == nil {
		g = &group{members: make(map[Sink]struct{})}
		b.groups[key] = g
	}
	return g
}

// drop removes g from the registry if it is still the entry for key.
func (b *Broadcaster) drop(key string, g *group) {
	b.mu.Lock()
	if b.groups[key] == g {
		delete(b.groups, key)
	}
	b.mu.Unlock()
}
