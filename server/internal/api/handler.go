package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/channelrelay/channelrelay/pkg/types"
	"github.com/channelrelay/channelrelay/server/internal/auth"
	"github.com/channelrelay/channelrelay/server/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 * 1024

// Status reports live relay counts for the health route.
type Status interface {
	Groups() int
	Sessions() int
	WebhookQueued() int
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	store  *store.Store
	status Status
	mux    *http.ServeMux
}

// New creates a Handler backed by st. authn wraps every route except health;
// status may be nil.
func New(st *store.Store, authn func(http.Handler) http.Handler, status Status) http.Handler {
	h := &Handler{store: st, status: status, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.Handle("/api/v1/rooms", authn(http.HandlerFunc(h.rooms)))
	h.mux.Handle("/api/v1/rooms/", authn(http.HandlerFunc(h.room))) // subtree: {room}[/endpoints[/{code}]]

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := types.HealthResponse{
		Status:      "ok",
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if h.status != nil {
		resp.Groups = h.status.Groups()
		resp.Sessions = h.status.Sessions()
		resp.WebhookQueued = h.status.WebhookQueued()
	}
	jsonResp(w, http.StatusOK, resp)
}

// rooms serves GET and POST /api/v1/rooms.
func (h *Handler) rooms(w http.ResponseWriter, r *http.Request) {
	owner := mustOwner(r)
	switch r.Method {
	case http.MethodGet:
		h.listRooms(w, r, owner)
	case http.MethodPost:
		h.upsertRoom(w, r, owner)
	default:
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// room dispatches the /api/v1/rooms/{room}/... subtree.
func (h *Handler) room(w http.ResponseWriter, r *http.Request) {
	owner := mustOwner(r)
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/rooms/"), "/")
	parts := strings.Split(rest, "/")

	switch {
	case rest == "":
		// Bare /api/v1/rooms/ behaves like the collection.
		h.rooms(w, r)

	case len(parts) == 1:
		if r.Method != http.MethodDelete {
			jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.deleteRoom(w, r, owner, parts[0])

	case len(parts) == 2 && parts[1] == "endpoints":
		switch r.Method {
		case http.MethodGet:
			h.listEndpoints(w, r, owner, parts[0])
		case http.MethodPost:
			h.addEndpoint(w, r, owner, parts[0])
		default:
			jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		}

	case len(parts) == 3 && parts[1] == "endpoints":
		if r.Method != http.MethodDelete {
			jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.deleteEndpoint(w, r, owner, parts[0], parts[2])

	default:
		jsonErr(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request, owner *store.Owner) {
	summaries, err := h.store.ListRooms(r.Context(), owner.ID)
	if err != nil {
		storeErr(w, err, "room")
		return
	}
	out := types.RoomsResponse{Rooms: make([]types.RoomResponse, 0, len(summaries))}
	for _, s := range summaries {
		out.Rooms = append(out.Rooms, types.RoomResponse{
			Name:      s.Room.Name,
			Owner:     s.OwnerName,
			Webhook:   s.Room.Webhook,
			Endpoints: s.EndpointCount,
		})
	}
	jsonResp(w, http.StatusOK, out)
}

func (h *Handler) upsertRoom(w http.ResponseWriter, r *http.Request, owner *store.Owner) {
	var req types.CreateRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.RoomName = strings.TrimSpace(req.RoomName)
	if req.RoomName == "" || strings.Contains(req.RoomName, "/") {
		jsonErr(w, http.StatusBadRequest, "room_name is required and must not contain '/'")
		return
	}
	if req.Webhook != "" && !validWebhook(req.Webhook) {
		jsonErr(w, http.StatusBadRequest, "webhook must be an absolute http or https URL")
		return
	}

	room, created, err := h.store.UpsertRoom(r.Context(), owner.ID, req.RoomName, req.Webhook)
	if err != nil {
		storeErr(w, err, "room")
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
		slog.Info("api: room created", "owner", owner.Username, "room", room.Name)
	}
	jsonResp(w, code, types.RoomResponse{
		Name:    room.Name,
		Owner:   owner.Username,
		Webhook: room.Webhook,
	})
}

func (h *Handler) deleteRoom(w http.ResponseWriter, r *http.Request, owner *store.Owner, name string) {
	if err := h.store.DeleteRoom(r.Context(), owner.ID, name); err != nil {
		storeErr(w, err, "room")
		return
	}
	slog.Info("api: room deleted", "owner", owner.Username, "room", name)
	jsonResp(w, http.StatusOK, types.StatusResponse{Status: "deleted"})
}

func (h *Handler) listEndpoints(w http.ResponseWriter, r *http.Request, owner *store.Owner, room string) {
	eps, err := h.store.ListEndpoints(r.Context(), owner.ID, room)
	if err != nil {
		storeErr(w, err, "room")
		return
	}
	out := types.EndpointsResponse{Endpoints: make([]types.EndpointResponse, 0, len(eps))}
	for _, e := range eps {
		out.Endpoints = append(out.Endpoints, types.EndpointResponse{
			Code:        e.Code,
			Permissions: e.Permissions,
			Identity:    e.Identity,
			Room:        room,
		})
	}
	jsonResp(w, http.StatusOK, out)
}

func (h *Handler) addEndpoint(w http.ResponseWriter, r *http.Request, owner *store.Owner, room string) {
	var req types.AddEndpointRequest
	if !decodeBody(w, r, &req) {
		return
	}
	e, err := h.store.AddEndpoint(r.Context(), owner.ID, room, req.Identity, req.Permissions)
	if err != nil {
		storeErr(w, err, "room")
		return
	}
	slog.Info("api: endpoint added", "owner", owner.Username, "room", room, "permissions", e.Permissions)
	jsonResp(w, http.StatusCreated, types.EndpointResponse{
		Code:        e.Code,
		Permissions: e.Permissions,
		Identity:    e.Identity,
		Room:        room,
	})
}

func (h *Handler) deleteEndpoint(w http.ResponseWriter, r *http.Request, owner *store.Owner, room, code string) {
	if err := h.store.DeleteEndpoint(r.Context(), owner.ID, room, code); err != nil {
		storeErr(w, err, "endpoint")
		return
	}
	slog.Info("api: endpoint deleted", "owner", owner.Username, "room", room)
	jsonResp(w, http.StatusOK, types.StatusResponse{Status: "deleted"})
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, types.ErrorResponse{Error: msg})
}

// storeErr maps store errors to status codes. what names the missing thing
// for ErrNotFound.
func storeErr(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		jsonErr(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, store.ErrInvalidPermissions):
		jsonErr(w, http.StatusBadRequest, "permissions must be read, write or readwrite")
	case errors.Is(err, store.ErrInvalidName):
		jsonErr(w, http.StatusBadRequest, "names must be 1-100 characters")
	default:
		slog.Error("api: store error", "err", err)
		jsonErr(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody decodes a JSON request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// mustOwner returns the owner placed in the context by auth.Middleware. A
// missing owner is a wiring bug.
func mustOwner(r *http.Request) *store.Owner {
	o, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		panic("api: request reached an authenticated route without an owner")
	}
	return o
}

func validWebhook(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
