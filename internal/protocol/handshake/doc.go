// Package handshake implements heron's three-step mutual authentication.
//
//  1. The initiator sends Hello: its identity, the peer it addresses, its
//     long-term signing key, a fresh X25519 ephemeral key, a random
//     challenge and a timestamp, signed with its long-term key.
//  2. The responder checks the signature and the directory's key for the
//     claimed identity, rejects stale or re-used challenges, generates its
//     own ephemeral key and replies with it and a confirmation nonce. The
//     reply signature covers the hash of the Hello. The responder derives
//     the session keys at this point.
//  3. The initiator verifies the reply the same way and derives the keys.
//
// Session keys come from HKDF-SHA256 over the X25519 secret (plus an
// ML-KEM-768 secret in hybrid mode), salted with a hash of both identities,
// both signing keys, both ephemeral keys and both nonces. The first 32
// bytes key initiator-to-responder traffic, the next 32 the reverse.
//
// Messages use protobuf wire encoding. Ephemeral secrets live only in a
// State and are zeroed on completion, abort, timeout and cancellation.
// When both sides start at once, the lexicographically smaller identifier
// keeps the initiator role and the other answers as responder.
package handshake
