package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/channelrelay/channelrelay/pkg/types"
)

// apiClient calls the channelrelay administration API.
type apiClient struct {
	base   string
	header string
	key    string
	http   *http.Client
}

func newAPIClient(base, header, key string) *apiClient {
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		header: header,
		key:    key,
		http:   &http.Client{Timeout: 15 * time.Second},
	}
}

// do sends in as JSON (if non-nil) and decodes a 2xx response into out (if
// non-nil). Other statuses become errors carrying the server's message.
func (c *apiClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set(c.header, c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e types.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) createRoom(ctx context.Context, name, webhook string) (types.RoomResponse, error) {
	var out types.RoomResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/rooms", types.CreateRoomRequest{RoomName: name, Webhook: webhook}, &out)
	return out, err
}

func (c *apiClient) listRooms(ctx context.Context) ([]types.RoomResponse, error) {
	var out types.RoomsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/rooms", nil, &out)
	return out.Rooms, err
}

func (c *apiClient) deleteRoom(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/rooms/"+url.PathEscape(name), nil, nil)
}

func (c *apiClient) addEndpoint(ctx context.Context, room, identity, perms string) (types.EndpointResponse, error) {
	var out types.EndpointResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/rooms/"+url.PathEscape(room)+"/endpoints",
		types.AddEndpointRequest{Identity: identity, Permissions: perms}, &out)
	return out, err
}

func (c *apiClient) listEndpoints(ctx context.Context, room string) ([]types.EndpointResponse, error) {
	var out types.EndpointsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/rooms/"+url.PathEscape(room)+"/endpoints", nil, &out)
	return out.Endpoints, err
}

func (c *apiClient) deleteEndpoint(ctx context.Context, room, code string) error {
	return c.do(ctx, http.MethodDelete,
		"/api/v1/rooms/"+url.PathEscape(room)+"/endpoints/"+url.PathEscape(code), nil, nil)
}

// endpointURL derives the websocket URL for code from the server's base URL.
func endpointURL(base, code string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("server url %q: unsupported scheme %q", base, u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + types.EndpointPathPrefix + code
	return u.String(), nil
}
