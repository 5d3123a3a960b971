package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/channelrelay/channelrelay/pkg/types"
)

// ErrTokenNotFound is returned by a Resolver when no endpoint has the token.
var ErrTokenNotFound = errors.New("relay: token not found")

// Resolution is what a token resolves to. It is captured once at connect time
// and never refreshed for the lifetime of the session.
type Resolution struct {
	Code        string
	RoomName    string
	GroupKey    string // owner username + "/" + room name
	Permissions Permissions
	Identity    string
	WebhookURL  string
}

// GroupKey derives the broadcast group identifier for an owner's room.
func GroupKey(owner, room string) string {
	return owner + "/" + room
}

// Resolver looks up an access token. It returns ErrTokenNotFound (possibly
// wrapped) when the token is unknown.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Resolution, error)
}

// Notifier mirrors accepted writes to a room's webhook. Notify must return
// without waiting for delivery.
type Notifier interface {
	Notify(url string, payload types.WebhookPayload)
}

// Peer is the connected party behind a session. Send queues env for writing
// and must not block; an error means the peer is gone.
type Peer interface {
	Send(env types.Envelope) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, types.WebhookPayload) {}

// Hub holds the collaborators shared by every session and creates sessions.
type Hub struct {
	broadcaster *Broadcaster
	resolver    Resolver
	notifier    Notifier
	rec         Recorder
	rateLimit   func() RateLimit
	now         func() time.Time

	lastStamp atomic.Int64 // unix nanos of the latest envelope timestamp
	sessions  atomic.Int64 // sessions currently Joined
}

// Option configures a Hub.
type Option func(*Hub)

// WithNotifier sets the webhook notifier. Without it writes are not mirrored.
func WithNotifier(n Notifier) Option {
	return func(h *Hub) { h.notifier = n }
}

// WithRecorder sets the counter sink.
func WithRecorder(r Recorder) Option {
	return func(h *Hub) { h.rec = r }
}

// WithRateLimit sets the source of the per-session rate limit. It is read
// once per session, so a reloadable source only affects new sessions.
func WithRateLimit(fn func() RateLimit) Option {
	return func(h *Hub) { h.rateLimit = fn }
}

// WithClock overrides time.Now; used by tests.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// NewHub creates a Hub publishing through b and resolving tokens with r.
func NewHub(b *Broadcaster, r Resolver, opts ...Option) *Hub {
	h := &Hub{
		broadcaster: b,
		resolver:    r,
		notifier:    nopNotifier{},
		rec:         nopRecorder{},
		rateLimit:   func() RateLimit { return RateLimit{} },
		now:         time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Broadcaster returns the group registry the hub publishes through.
func (h *Hub) Broadcaster() *Broadcaster { return h.broadcaster }

// Sessions returns the number of sessions currently joined to a group.
func (h *Hub) Sessions() int { return int(h.sessions.Load()) }

// stamp returns the current UTC time, never earlier than a previously issued
// stamp, so timestamps within a room are non-decreasing even if the wall
// clock steps back.
func (h *Hub) stamp() time.Time {
	now := h.now().UTC().UnixNano()
	for {
		last := h.lastStamp.Load()
		if now < last {
			now = last
		}
		if h.lastStamp.CompareAndSwap(last, now) {
			return time.Unix(0, now).UTC()
		}
	}
}
