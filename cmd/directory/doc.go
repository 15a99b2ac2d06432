// Package main runs the identity directory: a small HTTP service that maps
// user ids to long-term Ed25519 public keys so peers can resolve each other
// before a handshake.
//
// HTTP API
//
//	POST /identity
//	    Publish {user, public, signature}. The signature must be the key's
//	    own signature over the user id and key. A user is bound to the first
//	    key published for it; a different key is refused with 409.
//
//	GET /identity/{user}
//	    Return the key bound to {user}, or 404.
//
// Behaviour
//
//   - Keys are kept in a SQLite database (--db), or in memory when --db is
//     empty.
//   - The directory never sees private keys or session traffic. Clients pin
//     the first key they resolve, so a compromised directory cannot silently
//     replace a key that is already trusted.
//   - An access log records method, path, status and duration.
//   - The default listen address is :8080.
package main
