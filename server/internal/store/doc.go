// Package store persists owners, rooms and endpoints in SQLite through gorm,
// and resolves access tokens for the relay.
//
// Rooms are namespaced by owner: two owners may each have a room "alpha".
// Endpoint codes are 100-character alphanumeric tokens generated with
// go-nanoid. Store.Resolve implements relay.Resolver.
package store
