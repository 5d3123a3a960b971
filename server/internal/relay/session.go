package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/channelrelay/channelrelay/pkg/types"
)

// State is a session's lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventKind tags an Event.
type EventKind int

const (
	// EventConnect carries the token the connection was opened with.
	EventConnect EventKind = iota
	// EventMessage carries a raw inbound frame from the peer.
	EventMessage
	// EventBroadcast carries an envelope published to the session's group.
	EventBroadcast
	// EventDisconnect ends the session.
	EventDisconnect
)

// Event is the single input type of Session.Handle.
type Event struct {
	Kind     EventKind
	Token    string
	Raw      []byte
	Envelope types.Envelope
}

// Session errors.
var (
	// ErrMalformedMessage means an inbound frame was not {"message": string}.
	// The transport closes the connection when it sees it.
	ErrMalformedMessage = errors.New("relay: malformed message")

	// ErrNotJoined is returned for messages on a session that is not Joined.
	ErrNotJoined = errors.New("relay: session not joined")

	// ErrAlreadyConnected is returned for a second EventConnect.
	ErrAlreadyConnected = errors.New("relay: session already connected")
)

// Session is one connection's relay state. Its resolution is fixed at connect
// time. Session implements Sink so it can join a group directly.
type Session struct {
	id   string
	hub  *Hub
	peer Peer

	mu    sync.Mutex // serialises Connecting->Joined->Closed transitions
	state atomic.Int32
	res   Resolution
	limit *rateLimiter
}

// NewSession creates a session in the Connecting state for peer.
func (h *Hub) NewSession(peer Peer) *Session {
	return &Session{
		id:   uuid.NewString(),
		hub:  h,
		peer: peer,
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Resolution returns what the token resolved to. It is zero before Joined.
func (s *Session) Resolution() Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res
}

// Handle is the session's single entry point.
func (s *Session) Handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventConnect:
		return s.connect(ctx, ev.Token)
	case EventMessage:
		return s.message(ev.Raw)
	case EventBroadcast:
		return s.broadcast(ev.Envelope)
	case EventDisconnect:
		s.disconnect()
		return nil
	default:
		return fmt.Errorf("relay: unknown event kind %d", ev.Kind)
	}
}

// Deliver implements Sink.
func (s *Session) Deliver(env types.Envelope) error {
	return s.broadcast(env)
}

func (s *Session) connect(ctx context.Context, token string) error {
	s.mu.Lock()
	if st := s.State(); st != StateConnecting {
		s.mu.Unlock()
		if st == StateClosed {
			return ErrNotJoined
		}
		return ErrAlreadyConnected
	}
	s.mu.Unlock()

	res, err := s.hub.resolver.Resolve(ctx, token)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.state.Store(int32(StateClosed))
		s.hub.rec.Inc(MetricSessionsRejected, 1)
		if errors.Is(err, ErrTokenNotFound) {
			slog.Info("relay: unknown token, closing", "session", s.id)
			return ErrTokenNotFound
		}
		slog.Error("relay: token lookup failed, closing", "session", s.id, "err", err)
		return fmt.Errorf("relay: resolve token: %w", err)
	}
	if s.State() == StateClosed {
		// Disconnected while the lookup was in flight.
		return ErrNotJoined
	}

	s.res = res
	s.limit = newRateLimiter(s.hub.rateLimit(), s.hub.now())
	s.state.Store(int32(StateJoined))
	s.hub.broadcaster.Join(res.GroupKey, s)
	s.hub.sessions.Add(1)
	s.hub.rec.Inc(MetricSessionsOpened, 1)

	slog.Info("relay: session joined",
		"session", s.id,
		"group", res.GroupKey,
		"identity", res.Identity,
		"permissions", res.Permissions.String(),
	)
	return nil
}

// inbound is decoded strictly: the message field must be present and a string.
type inbound struct {
	Message *string `json:"message"`
}

func (s *Session) message(raw []byte) error {
	if s.State() != StateJoined {
		return ErrNotJoined
	}
	res := s.res

	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Message == nil {
		s.hub.rec.Inc(MetricMalformed, 1)
		if err == nil {
			err = errors.New(`missing "message" field`)
		}
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if !res.Permissions.CanWrite() {
		s.hub.rec.Inc(MetricWritesDenied, 1)
		slog.Debug("relay: write dropped, no write permission", "session", s.id)
		return nil
	}

	if !s.limit.allow(s.hub.now()) {
		s.hub.rec.Inc(MetricRateLimited, 1)
		slog.Warn("relay: rate limit exceeded, message dropped", "session", s.id, "group", res.GroupKey)
		return nil
	}

	ts := types.FormatTimestamp(s.hub.stamp())
	env := types.Envelope{
		Message:   *in.Message,
		Identity:  res.Identity,
		Timestamp: ts,
	}

	n := s.hub.broadcaster.Publish(res.GroupKey, env)
	s.hub.rec.Inc(MetricMessagesPublished, 1)

	if res.WebhookURL != "" {
		s.hub.notifier.Notify(res.WebhookURL, types.WebhookPayload{
			Message:      env.Message,
			Identity:     env.Identity,
			EndpointCode: res.Code,
			RoomName:     res.RoomName,
			Timestamp:    ts,
		})
	}

	slog.Debug("relay: message published", "session", s.id, "group", res.GroupKey, "delivered", n)
	return nil
}

func (s *Session) broadcast(env types.Envelope) error {
	if s.State() != StateJoined {
		return nil
	}
	if !s.res.Permissions.CanRead() {
		s.hub.rec.Inc(MetricReadsFiltered, 1)
		return nil
	}
	return s.peer.Send(env)
}

func (s *Session) disconnect() {
	s.mu.Lock()
	prev := State(s.state.Swap(int32(StateClosed)))
	key := s.res.GroupKey
	s.mu.Unlock()

	if prev != StateJoined {
		return
	}
	s.hub.broadcaster.Leave(key, s)
	s.hub.sessions.Add(-1)
	slog.Info("relay: session closed", "session", s.id, "group", key)
}
