// Package auth authenticates administration API requests.
//
// Middleware reads the API key from a request header (API-KEY by default),
// resolves it to a store.Owner and places the owner in the request context
// for handlers to read with OwnerFromContext. A missing or unknown key is
// answered with 403 and a JSON error body.
//
// In mode "none" no header is read and every request acts as the "default"
// owner, which the server creates at startup.
package auth
