// Package transport frames handshake messages and encrypted frames over a
// reliable byte stream such as a TCP connection or an in-memory pipe.
//
// Every message is sent with a 4-byte big-endian length prefix. Streams
// never interpret payloads; a lost or closed stream surfaces as
// domain.ErrTransportClosed so callers can classify it as retryable.
package transport
