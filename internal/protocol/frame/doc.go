// Package frame implements the secure channel codec.
//
// A Frame carries a per-key sequence number, optional associated data and
// a ChaCha20-Poly1305 ciphertext. The sequence, AD length and AD are bound
// as additional data, and the sequence doubles as the nonce, so each key
// never seals two frames with the same nonce.
//
// Keys and replay watermarks live in the session manager; the codec reaches
// them through the KeyRing interface.
package frame
