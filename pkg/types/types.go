package types

import "time"

// TimestampLayout is the UTC ISO-8601 layout used for every timestamp the relay
// emits, on the websocket and in webhook bodies. The offset is always the
// literal +00:00, never Z.
const TimestampLayout = "2006-01-02T15:04:05.000000+00:00"

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// EndpointPathPrefix is the websocket route; the endpoint code follows it.
const EndpointPathPrefix = "/ws/endpoint/"

// Permission values accepted by the administration API.
const (
	PermRead      = "read"
	PermWrite     = "write"
	PermReadWrite = "readwrite"
)

// InboundMessage is the body a connected party sends to write into its room.
type InboundMessage struct {
	Message string `json:"message"`
}

// Envelope is delivered to every read-capable member of a room when a write
// is accepted.
type Envelope struct {
	Message   string `json:"message"`
	Identity  string `json:"identity"`
	Timestamp string `json:"timestamp"`
}

// WebhookPayload is POSTed to a room's webhook URL for every accepted write.
type WebhookPayload struct {
	Message      string `json:"message"`
	Identity     string `json:"identity"`
	EndpointCode string `json:"endpoint_code"`
	RoomName     string `json:"room_name"`
	Timestamp    string `json:"timestamp"`
}

// CreateRoomRequest is the body of POST /api/v1/rooms.
type CreateRoomRequest struct {
	RoomName string `json:"room_name"`
	Webhook  string `json:"webhook"`
}

// RoomResponse describes one room owned by the caller.
type RoomResponse struct {
	Name      string `json:"name"`
	Owner     string `json:"owner"`
	Webhook   string `json:"webhook"`
	Endpoints int    `json:"endpoints"`
}

// RoomsResponse is the payload of GET /api/v1/rooms.
type RoomsResponse struct {
	Rooms []RoomResponse `json:"rooms"`
}

// StatusResponse acknowledges a deletion.
type StatusResponse struct {
	Status string `json:"status"`
}

// AddEndpointRequest is the body of POST /api/v1/rooms/{room}/endpoints.
type AddEndpointRequest struct {
	Identity    string `json:"identity"`
	Permissions string `json:"permissions"`
}

// EndpointResponse describes one access token issued for a room.
type EndpointResponse struct {
	Code        string `json:"code"`
	Permissions string `json:"permissions"`
	Identity    string `json:"identity"`
	Room        string `json:"room"`
}

// EndpointsResponse is the payload of GET /api/v1/rooms/{room}/endpoints.
type EndpointsResponse struct {
	Endpoints []EndpointResponse `json:"endpoints"`
}

// HealthResponse is the payload of GET /api/v1/health.
type HealthResponse struct {
	Status        string `json:"status"`
	Groups        int    `json:"groups"`
	Sessions      int    `json:"sessions"`
	WebhookQueued int    `json:"webhook_queued"`
	GeneratedAt   string `json:"generated_at"`
}

// ErrorResponse is the generic JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
