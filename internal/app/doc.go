// Package app wires application dependencies for the CLI.
//
// It loads the policy, builds the sealed identity vault, the trust stores,
// the session manager and the handshake engine from Config, and exposes them
// via the Wire struct. Wire.Dial and Wire.Accept turn a raw connection into
// an encrypted message.Conn.
package app
