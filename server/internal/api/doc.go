// Package api implements the channelrelay administration REST API.
//
// All routes are under /api/v1 and return JSON. Every route except health
// requires an authenticated owner (see package auth) and only ever sees that
// owner's rooms.
//
//	GET    /api/v1/health                          relay status, unauthenticated
//	GET    /api/v1/rooms                           list rooms
//	POST   /api/v1/rooms                           create room, or update its webhook
//	DELETE /api/v1/rooms/{room}                    delete room and its endpoints
//	GET    /api/v1/rooms/{room}/endpoints          list endpoints
//	POST   /api/v1/rooms/{room}/endpoints          issue an endpoint code
//	DELETE /api/v1/rooms/{room}/endpoints/{code}   revoke an endpoint code
//
// Errors use the body {"error": "..."}. A wrong method is 405, an unknown room
// or endpoint 404, and an invalid body 400.
package api
