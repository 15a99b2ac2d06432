// Package message drives one encrypted conversation with a peer over a
// framed stream.
//
// A Conn runs the authenticated handshake when it is created (Dial for the
// initiating side, Accept for the listening side), installs the resulting
// keys in the session manager and then carries application messages as
// encrypted frames. Rotation handshakes share the same stream: when the
// manager reports that the active key's budget or lifetime is used up, the
// Conn starts a new handshake on its own, and it answers rotations started
// by the peer. Frames keep flowing under the previous key until the new one
// is installed.
//
// Every stream message starts with a one-byte kind: handshake or frame.
// Decode failures are returned from Receive and the conversation goes on
// until the manager tears the session down.
package message
