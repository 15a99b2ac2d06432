// Package session manages the lifecycle of established peer sessions.
//
// The Manager holds at most one active and one previous key per peer,
// enforces per-key send sequences and receive watermarks for the frame
// codec, schedules cooperative rotation when a key's budget or lifetime is
// reached, and zeroes key material on teardown. Sessions are never
// persisted.
//
// Per peer the states are:
//
//	Negotiating -> Active -> RotatingPending -> Active -> ... -> Closed
//
// Negotiating is entered only through the handshake engine's registry
// hooks; Closed is terminal and the peer's next session gets a new handle.
package session
