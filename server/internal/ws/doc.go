// Package ws is the websocket transport for the relay.
//
// Handler is mounted at /ws/endpoint/{code}. For each request it upgrades the
// connection, creates a relay.Session and feeds it events:
//
//   - EventConnect with the endpoint code from the URL. If the code does not
//     resolve the connection is closed with a policy-violation close frame.
//   - EventMessage for every inbound frame. A malformed frame closes the
//     connection with an unsupported-data close frame.
//   - EventDisconnect when the peer goes away.
//
// Broadcasts reach the peer through a per-connection send buffer drained by a
// writer goroutine that also sends pings. A connection whose buffer is full is
// treated as dead and closed, which removes it from its group.
//
// Frames sent to clients:
//
//	{"message": "hi", "identity": "Alice", "timestamp": "2024-01-02T03:04:05.000000+00:00"}
package ws
