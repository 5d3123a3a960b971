// Package relay is the real-time core of channelrelay-server.
//
// Broadcaster is the group registry: room group key -> set of Sinks. Each
// group has its own mutex, so traffic in one room never contends with another.
// Publish snapshots a group's members under that lock and delivers outside it;
// a Sink whose Deliver fails is removed from the group immediately.
//
// Session is the per-connection state machine (Connecting -> Joined -> Closed)
// driven through a single Handle(ctx, Event) entry point. A session resolves
// its token exactly once, joins the room group regardless of capability, and
// filters on both sides: writes without write capability and broadcasts
// without read capability are dropped silently.
//
// Hub binds the shared collaborators (Broadcaster, Resolver, Notifier,
// Recorder) and creates sessions. The transport layer lives in package ws.
package relay
