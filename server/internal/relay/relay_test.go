package relay_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/channelrelay/channelrelay/pkg/types"
	"github.com/channelrelay/channelrelay/server/internal/config"
	"github.com/channelrelay/channelrelay/server/internal/relay"
)

// --- fakes ------------------------------------------------------------------

type mapResolver map[string]relay.Resolution

func (m mapResolver) Resolve(_ context.Context, token string) (relay.Resolution, error) {
	res, ok := m[token]
	if !ok {
		return relay.Resolution{}, relay.ErrTokenNotFound
	}
	return res, nil
}

type peer struct {
	mu   sync.Mutex
	got  []types.Envelope
	fail error
}

func (p *peer) Send(env types.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.got = append(p.got, env)
	return nil
}

func (p *peer) received() []types.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.Envelope(nil), p.got...)
}

type notifier struct {
	mu    sync.Mutex
	calls []types.WebhookPayload
	urls  []string
}

func (n *notifier) Notify(url string, payload types.WebhookPayload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.urls = append(n.urls, url)
	n.calls = append(n.calls, payload)
}

func (n *notifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type counters struct {
	mu sync.Mutex
	m  map[string]int
}

func (c *counters) Inc(name string, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string]int)
	}
	c.m[name] += delta
}

func (c *counters) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[name]
}

// --- helpers ----------------------------------------------------------------

func endpoint(code, room, perms, identity string) relay.Resolution {
	return relay.Resolution{
		Code:        code,
		RoomName:    room,
		GroupKey:    relay.GroupKey("bob", room),
		Permissions: relay.ParsePermissions(perms),
		Identity:    identity,
	}
}

func connect(t *testing.T, hub *relay.Hub, token string) (*relay.Session, *peer) {
	t.Helper()
	p := &peer{}
	s := hub.NewSession(p)
	if err := s.Handle(context.Background(), relay.Event{Kind: relay.EventConnect, Token: token}); err != nil {
		t.Fatalf("connect %q: %v", token, err)
	}
	t.Cleanup(func() { s.Handle(context.Background(), relay.Event{Kind: relay.EventDisconnect}) }) //nolint:errcheck
	return s, p
}

func send(t *testing.T, s *relay.Session, raw string) {
	t.Helper()
	if err := s.Handle(context.Background(), relay.Event{Kind: relay.EventMessage, Raw: []byte(raw)}); err != nil {
		t.Fatalf("send %s: %v", raw, err)
	}
}

func newHub(res mapResolver, opts ...relay.Option) *relay.Hub {
	return relay.NewHub(relay.NewBroadcaster(nil), res, opts...)
}

// --- tests ------------------------------------------------------------------

func TestSession_ReadWriteEndpointsReceiveBroadcasts(t *testing.T) {
	hub := newHub(mapResolver{
		"T1": endpoint("T1", "alpha", "readwrite", "sender"),
		"T2": endpoint("T2", "alpha", "readwrite", "receiver"),
	})
	sender, senderPeer := connect(t, hub, "T1")
	_, receiverPeer := connect(t, hub, "T2")

	send(t, sender, `{"message":"hello"}`)

	got := receiverPeer.received()
	if len(got) != 1 {
		t.Fatalf("receiver: got %d envelopes, want 1", len(got))
	}
	if got[0].Message != "hello" || got[0].Identity != "sender" {
		t.Errorf("receiver envelope: got %+v", got[0])
	}
	if _, err := time.Parse(types.TimestampLayout, got[0].Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", got[0].Timestamp, err)
	}

	// Self-echo for a read-capable sender.
	if echo := senderPeer.received(); len(echo) != 1 || echo[0].Message != "hello" {
		t.Errorf("sender echo: got %+v, want one hello", echo)
	}
}

func TestSession_WriteOnlyNeverReceives(t *testing.T) {
	hub := newHub(mapResolver{
		"T2": endpoint("T2", "alpha", "readwrite", "receiver"),
		"T3": endpoint("T3", "alpha", "write", "writer"),
	})
	_, readerPeer := connect(t, hub, "T2")
	writer, writerPeer := connect(t, hub, "T3")

	send(t, writer, `{"message":"ping"}`)

	got := readerPeer.received()
	if len(got) != 1 || got[0].Message != "ping" || got[0].Identity != "writer" {
		t.Fatalf("reader: got %+v, want one ping from writer", got)
	}
	if n := len(writerPeer.received()); n != 0 {
		t.Errorf("write-only sender received %d envelopes, want 0", n)
	}
	if n := hub.Broadcaster().Members(relay.GroupKey("bob", "alpha")); n != 2 {
		t.Errorf("members: got %d, want 2 (write-only still joins)", n)
	}
}

func TestSession_ReadOnlyWriteIsDropped(t *testing.T) {
	nt := &notifier{}
	rec := &counters{}
	res := endpoint("R", "alpha", "read", "reader")
	res.WebhookURL = "http://hook.invalid"
	hub := newHub(mapResolver{
		"R": res,
		"O": endpoint("O", "alpha", "readwrite", "other"),
	}, relay.WithNotifier(nt), relay.WithRecorder(rec))

	reader, readerPeer := connect(t, hub, "R")
	_, otherPeer := connect(t, hub, "O")

	send(t, reader, `{"message":"nope"}`)

	if n := len(otherPeer.received()); n != 0 {
		t.Errorf("other: got %d envelopes, want 0", n)
	}
	if n := len(readerPeer.received()); n != 0 {
		t.Errorf("reader: got %d envelopes, want 0", n)
	}
	if nt.count() != 0 {
		t.Errorf("webhook calls: got %d, want 0", nt.count())
	}
	if rec.get(relay.MetricWritesDenied) != 1 {
		t.Errorf("writes_denied: got %d, want 1", rec.get(relay.MetricWritesDenied))
	}
}

func TestSession_UnknownTokenNeverJoins(t *testing.T) {
	hub := newHub(mapResolver{})
	s := hub.NewSession(&peer{})

	err := s.Handle(context.Background(), relay.Event{Kind: relay.EventConnect, Token: "missing"})
	if !errors.Is(err, relay.ErrTokenNotFound) {
		t.Fatalf("connect: got %v, want ErrTokenNotFound", err)
	}
	if s.State() != relay.StateClosed {
		t.Errorf("state: got %v, want closed", s.State())
	}
	if n := hub.Broadcaster().Groups(); n != 0 {
		t.Errorf("groups: got %d, want 0", n)
	}
	if err := s.Handle(context.Background(), relay.Event{Kind: relay.EventMessage, Raw: []byte(`{"message":"x"}`)}); !errors.Is(err, relay.ErrNotJoined) {
		t.Errorf("message after failed connect: got %v, want ErrNotJoined", err)
	}
	// Disconnect after a failed connect must be harmless.
	if err := s.Handle(context.Background(), relay.Event{Kind: relay.EventDisconnect}); err != nil {
		t.Errorf("disconnect: %v", err)
	}
}

func TestSession_ResolverErrorClosesSession(t *testing.T) {
	boom := errors.New("db down")
	hub := relay.NewHub(relay.NewBroadcaster(nil), resolverFunc(func(context.Context, string) (relay.Resolution, error) {
		return relay.Resolution{}, boom
	}))
	s := hub.NewSession(&peer{})
	err := s.Handle(context.Background(), relay.Event{Kind: relay.EventConnect, Token: "x"})
	if !errors.Is(err, boom) {
		t.Fatalf("connect: got %v, want wrapped db error", err)
	}
	if s.State() != relay.StateClosed {
		t.Errorf("state: got %v, want closed", s.State())
	}
}

type resolverFunc func(context.Context, string) (relay.Resolution, error)

func (f resolverFunc) Resolve(ctx context.Context, token string) (relay.Resolution, error) {
	return f(ctx, token)
}

func TestSession_RoomsAreIsolated(t *testing.T) {
	hub := newHub(mapResolver{
		"X": endpoint("X", "x", "readwrite", "in-x"),
		"Y": endpoint("Y", "y", "readwrite", "in-y"),
	})
	x, _ := connect(t, hub, "X")
	_, yPeer := connect(t, hub, "Y")

	send(t, x, `{"message":"only x"}`)

	if n := len(yPeer.received()); n != 0 {
		t.Errorf("room y received %d envelopes from room x", n)
	}
}

func TestSession_SameRoomNameDifferentOwners(t *testing.T) {
	a := endpoint("A", "alpha", "readwrite", "a")
	a.GroupKey = relay.GroupKey("alice", "alpha")
	b := endpoint("B", "alpha", "readwrite", "b")
	b.GroupKey = relay.GroupKey("bob", "alpha")
	hub := newHub(mapResolver{"A": a, "B": b})

	sa, _ := connect(t, hub, "A")
	_, pb := connect(t, hub, "B")
	send(t, sa, `{"message":"hi"}`)

	if n := len(pb.received()); n != 0 {
		t.Errorf("bob/alpha received %d envelopes from alice/alpha", n)
	}
}

func TestSession_MalformedMessage(t *testing.T) {
	hub := newHub(mapResolver{"T": endpoint("T", "alpha", "readwrite", "me")})
	s, _ := connect(t, hub, "T")

	for _, raw := range []string{`not json`, `{}`, `{"message": 42}`, `[]`} {
		err := s.Handle(context.Background(), relay.Event{Kind: relay.EventMessage, Raw: []byte(raw)})
		if !errors.Is(err, relay.ErrMalformedMessage) {
			t.Errorf("%s: got %v, want ErrMalformedMessage", raw, err)
		}
	}
}

func TestSession_WebhookPayload(t *testing.T) {
	nt := &notifier{}
	res := endpoint("code-1", "alpha", "write", "bot")
	res.WebhookURL = "https://example.com/hook"
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	hub := newHub(mapResolver{"code-1": res},
		relay.WithNotifier(nt),
		relay.WithClock(func() time.Time { return fixed }),
	)
	s, _ := connect(t, hub, "code-1")

	send(t, s, `{"message":"mirror me"}`)

	if nt.count() != 1 {
		t.Fatalf("webhook calls: got %d, want 1", nt.count())
	}
	got := nt.calls[0]
	want := types.WebhookPayload{
		Message:      "mirror me",
		Identity:     "bot",
		EndpointCode: "code-1",
		RoomName:     "alpha",
		Timestamp:    types.FormatTimestamp(fixed),
	}
	if got != want {
		t.Errorf("payload: got %+v, want %+v", got, want)
	}
	if nt.urls[0] != "https://example.com/hook" {
		t.Errorf("url: got %q", nt.urls[0])
	}
}

func TestSession_NoWebhookWithoutURL(t *testing.T) {
	nt := &notifier{}
	hub := newHub(mapResolver{"T": endpoint("T", "alpha", "readwrite", "me")}, relay.WithNotifier(nt))
	s, _ := connect(t, hub, "T")
	send(t, s, `{"message":"quiet"}`)
	if nt.count() != 0 {
		t.Errorf("webhook calls: got %d, want 0", nt.count())
	}
}

func TestSession_TimestampsNonDecreasing(t *testing.T) {
	// The clock steps backwards on the second write.
	times := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 2, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 0, 3, 0, time.UTC),
	}
	var mu sync.Mutex
	i := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		ts := times[i%len(times)]
		i++
		return ts
	}
	hub := newHub(mapResolver{"T": endpoint("T", "alpha", "readwrite", "me")}, relay.WithClock(clock))
	s, p := connect(t, hub, "T")
	for k := 0; k < 3; k++ {
		send(t, s, `{"message":"m"}`)
	}

	got := p.received()
	if len(got) != 3 {
		t.Fatalf("got %d envelopes, want 3", len(got))
	}
	var prev time.Time
	for _, env := range got {
		ts, err := time.Parse(types.TimestampLayout, env.Timestamp)
		if err != nil {
			t.Fatalf("parse %q: %v", env.Timestamp, err)
		}
		if ts.Before(prev) {
			t.Errorf("timestamp %v before previous %v", ts, prev)
		}
		prev = ts
	}
}

func TestSession_DoubleDisconnect(t *testing.T) {
	hub := newHub(mapResolver{"T": endpoint("T", "alpha", "readwrite", "me")})
	s := hub.NewSession(&peer{})
	ctx := context.Background()
	if err := s.Handle(ctx, relay.Event{Kind: relay.EventConnect, Token: "T"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if hub.Sessions() != 1 {
		t.Errorf("sessions: got %d, want 1", hub.Sessions())
	}
	for i := 0; i < 2; i++ {
		if err := s.Handle(ctx, relay.Event{Kind: relay.EventDisconnect}); err != nil {
			t.Fatalf("disconnect %d: %v", i, err)
		}
	}
	if hub.Sessions() != 0 {
		t.Errorf("sessions: got %d, want 0", hub.Sessions())
	}
	if hub.Broadcaster().Groups() != 0 {
		t.Errorf("groups: got %d, want 0", hub.Broadcaster().Groups())
	}
	if err := s.Handle(ctx, relay.Event{Kind: relay.EventConnect, Token: "T"}); err == nil {
		t.Error("reconnect on closed session: expected error")
	}
}

func TestSession_SecondConnectRejected(t *testing.T) {
	hub := newHub(mapResolver{"T": endpoint("T", "alpha", "readwrite", "me")})
	s, _ := connect(t, hub, "T")
	err := s.Handle(context.Background(), relay.Event{Kind: relay.EventConnect, Token: "T"})
	if !errors.Is(err, relay.ErrAlreadyConnected) {
		t.Errorf("second connect: got %v, want ErrAlreadyConnected", err)
	}
}

func TestSession_RateLimit(t *testing.T) {
	rec := &counters{}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	hub := newHub(mapResolver{"T": endpoint("T", "alpha", "readwrite", "me")},
		relay.WithRecorder(rec),
		relay.WithClock(func() time.Time { return now }),
		relay.WithRateLimit(func() relay.RateLimit {
			return relay.RateLimit{Burst: 2, RefillInterval: time.Minute}
		}),
	)
	s, p := connect(t, hub, "T")
	for i := 0; i < 5; i++ {
		send(t, s, `{"message":"spam"}`)
	}
	if n := len(p.received()); n != 2 {
		t.Errorf("delivered: got %d, want 2", n)
	}
	if rec.get(relay.MetricRateLimited) != 3 {
		t.Errorf("rate limited: got %d, want 3", rec.get(relay.MetricRateLimited))
	}
}

func TestSession_DefaultConfigDeliversEveryWrite(t *testing.T) {
	rt := config.NewRuntime(config.Defaults())
	rec := &counters{}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	hub := newHub(mapResolver{
		"W": endpoint("W", "alpha", "readwrite", "writer"),
		"R": endpoint("R", "alpha", "read", "reader"),
	},
		relay.WithRecorder(rec),
		relay.WithClock(func() time.Time { return now }),
		relay.WithRateLimit(func() relay.RateLimit {
			rl := rt.RateLimit()
			return relay.RateLimit{Burst: rl.Burst, RefillInterval: rl.RefillInterval}
		}),
	)
	w, _ := connect(t, hub, "W")
	_, r := connect(t, hub, "R")

	const writes = 100
	for i := 0; i < writes; i++ {
		send(t, w, `{"message":"m"}`)
	}
	if n := len(r.received()); n != writes {
		t.Errorf("reader received %d of %d writes", n, writes)
	}
	if n := rec.get(relay.MetricRateLimited); n != 0 {
		t.Errorf("rate limited: got %d, want 0", n)
	}
}

func TestSession_DeadPeerIsReaped(t *testing.T) {
	hub := newHub(mapResolver{
		"A": endpoint("A", "alpha", "readwrite", "a"),
		"B": endpoint("B", "alpha", "readwrite", "b"),
		"C": endpoint("C", "alpha", "readwrite", "c"),
	})
	a, _ := connect(t, hub, "A")
	_, pb := connect(t, hub, "B")
	_, pc := connect(t, hub, "C")
	pb.mu.Lock()
	pb.fail = errors.New("socket closed")
	pb.mu.Unlock()

	send(t, a, `{"message":"one"}`)

	if n := len(pc.received()); n != 1 {
		t.Errorf("healthy member: got %d envelopes, want 1", n)
	}
	if n := hub.Broadcaster().Members(relay.GroupKey("bob", "alpha")); n != 2 {
		t.Errorf("members after reaping: got %d, want 2", n)
	}
}

func TestParsePermissions(t *testing.T) {
	cases := []struct {
		in          string
		read, write bool
	}{
		{"read", true, false},
		{"write", false, true},
		{"readwrite", true, true},
		{"admin", false, false},
		{"", false, false},
	}
	for _, c := range cases {
		p := relay.ParsePermissions(c.in)
		if p.CanRead() != c.read || p.CanWrite() != c.write {
			t.Errorf("%q: read=%v write=%v, want read=%v write=%v", c.in, p.CanRead(), p.CanWrite(), c.read, c.write)
		}
		if p.Valid() != (c.read || c.write) {
			t.Errorf("%q: Valid()=%v", c.in, p.Valid())
		}
	}
	if s := relay.ParsePermissions("readwrite").String(); s != "readwrite" {
		t.Errorf("String(): got %q, want readwrite", s)
	}
}
